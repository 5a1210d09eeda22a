// Package graph implements the workflow graph engine: DAG compilation,
// validation, topological scheduling, and parallel execution against a
// TaskContext.
package graph

import (
	"context"
	"fmt"

	"github.com/lyzr/workflowcore/internal/taskctx"
)

// Node is the engine's view of a processing node: an opaque capability
// {process(TaskContext) -> TaskContext} plus the declared graph shape
// around it. Concrete business logic (LLM calls, HTTP scraping, etc.)
// lives behind this interface, outside the engine.
type Node interface {
	// Process executes the node against the given context and returns the
	// (possibly mutated) context to pass downstream.
	Process(ctx context.Context, tc *taskctx.TaskContext) (*taskctx.TaskContext, error)
}

// Router is implemented by nodes with IsRouter=true: instead of always
// fanning out to every declared successor, it dynamically selects which
// declared successors to invoke for a given context.
type Router interface {
	Node
	SelectSuccessors(ctx context.Context, tc *taskctx.TaskContext, declared []string) ([]string, error)
}

// NodeFactory builds a Node instance from its declared configuration.
type NodeFactory func(config map[string]interface{}) (Node, error)

// NodeConfig is the build-time declaration of one node in a workflow.
type NodeConfig struct {
	Name       string                 `json:"name"`        // instance name, unique within the workflow
	Type       string                 `json:"type"`        // type tag, resolved against the Registry
	Successors []string               `json:"successors"`  // declared successor instance names
	IsRouter   bool                   `json:"is_router"`   // must be true when len(Successors) >= 2
	Config     map[string]interface{} `json:"config"`      // opaque, passed to the NodeFactory
}

// compiledNode is a NodeConfig bound to its constructed Node instance and
// precomputed scheduling level.
type compiledNode struct {
	NodeConfig
	instance Node
	level    int
}

// Workflow is an immutable, validated, executable graph of nodes.
type Workflow struct {
	workflowType string
	start        string
	nodes        map[string]*compiledNode
	levels       [][]string // nodes grouped by level, level[i] may run in parallel
}

// WorkflowType returns the workflow's type tag.
func (w *Workflow) WorkflowType() string { return w.workflowType }

// --- Error kinds ---

// BuildError is returned by Build for any build-time validation failure.
type BuildError struct {
	Kind string // "CycleDetected" | "UnreachableNodes" | "InvalidRouter" | "NodeNotFound"
	Detail string
	Names  []string
	Node   string
}

func (e *BuildError) Error() string {
	switch e.Kind {
	case "UnreachableNodes":
		return fmt.Sprintf("unreachable nodes: %v", e.Names)
	case "InvalidRouter":
		return fmt.Sprintf("node %q has multiple successors but is not marked is_router", e.Node)
	case "NodeNotFound":
		return fmt.Sprintf("node type not registered: %s", e.Node)
	case "CycleDetected":
		return fmt.Sprintf("cycle detected: %s", e.Detail)
	default:
		return fmt.Sprintf("build error: %s", e.Detail)
	}
}

// RunError is returned by Run/RunFromEvent for any runtime failure.
type RunError struct {
	Kind string // "ProcessingError" | "DeserializationError" | "NodeNotFound"
	Node string
	Err  error
}

func (e *RunError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s at node %q: %v", e.Kind, e.Node, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
