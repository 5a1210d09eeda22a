package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflowcore/internal/taskctx"
)

type errorNode struct{ name string }

func (n *errorNode) Process(_ context.Context, tc *taskctx.TaskContext) (*taskctx.TaskContext, error) {
	return nil, assertErr{n.name}
}

type assertErr struct{ node string }

func (e assertErr) Error() string { return "boom at " + e.node }

func TestRun_SequentialPassThrough(t *testing.T) {
	registry := newTestRegistry()
	configs := []NodeConfig{
		cfg("A", []string{"B"}, false),
		cfg("B", []string{"C"}, false),
		cfg("C", nil, false),
	}
	wf, err := Build("wf", "A", configs, registry)
	require.NoError(t, err)

	out, err := wf.Run(context.Background(), map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.Contains(t, out.Nodes, "A")
	assert.Contains(t, out.Nodes, "B")
	assert.Contains(t, out.Nodes, "C")
}

func TestRun_ParallelDiamondMerges(t *testing.T) {
	registry := newTestRegistry()
	registry.Register("fan-out", func(config map[string]interface{}) (Node, error) {
		base, err := NewPassThroughFactory()(config)
		if err != nil {
			return nil, err
		}
		// No per-successor rules: every declared successor is selected.
		return NewCELRouter(base, nil), nil
	})
	configs := []NodeConfig{
		{Name: "Start", Type: "fan-out", Successors: []string{"A", "B"}, IsRouter: true, Config: map[string]interface{}{"name": "Start"}},
		cfg("A", []string{"End"}, false),
		cfg("B", []string{"End"}, false),
		cfg("End", nil, false),
	}
	wf, err := Build("wf", "Start", configs, registry)
	require.NoError(t, err)

	out, err := wf.Run(context.Background(), "payload")
	require.NoError(t, err)
	assert.Contains(t, out.Nodes, "Start")
	assert.Contains(t, out.Nodes, "A")
	assert.Contains(t, out.Nodes, "B")
	assert.Contains(t, out.Nodes, "End")
}

func TestRun_ProcessingErrorAbortsRun(t *testing.T) {
	registry := NewRegistry()
	registry.Register("pass-through", NewPassThroughFactory())
	registry.Register("boom", func(map[string]interface{}) (Node, error) {
		return &errorNode{name: "B"}, nil
	})

	configs := []NodeConfig{
		cfg("A", []string{"B"}, false),
		{Name: "B", Type: "boom", Successors: nil},
	}
	wf, err := Build("wf", "A", configs, registry)
	require.NoError(t, err)

	_, err = wf.Run(context.Background(), nil)
	require.Error(t, err)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "ProcessingError", runErr.Kind)
	assert.Equal(t, "B", runErr.Node)
}

// countingNode records how many times it ran and which node outputs were
// visible in its input at dispatch time.
type countingNode struct {
	name   string
	mu     *sync.Mutex
	counts map[string]int
	seen   map[string]map[string]bool
}

func (n *countingNode) Process(_ context.Context, tc *taskctx.TaskContext) (*taskctx.TaskContext, error) {
	n.mu.Lock()
	n.counts[n.name]++
	visible := make(map[string]bool, len(tc.Nodes))
	for k := range tc.Nodes {
		visible[k] = true
	}
	n.seen[n.name] = visible
	n.mu.Unlock()
	tc.SetNode(n.name, true)
	return tc, nil
}

func TestRun_AsymmetricJoinRunsOnceWithAllPredecessors(t *testing.T) {
	// A(router) -> [B, C], B -> D, C -> E, E -> D. The paths into D have
	// different lengths, so D (level 4) must wait for both B (level 2)
	// and E (level 3) and run exactly once with both contexts merged.
	var mu sync.Mutex
	counts := map[string]int{}
	seen := map[string]map[string]bool{}

	registry := NewRegistry()
	registry.Register("count", func(config map[string]interface{}) (Node, error) {
		name, _ := config["name"].(string)
		return &countingNode{name: name, mu: &mu, counts: counts, seen: seen}, nil
	})
	registry.Register("count-router", func(config map[string]interface{}) (Node, error) {
		name, _ := config["name"].(string)
		return NewCELRouter(&countingNode{name: name, mu: &mu, counts: counts, seen: seen}, nil), nil
	})

	ccfg := func(name string, successors []string) NodeConfig {
		return NodeConfig{Name: name, Type: "count", Successors: successors, Config: map[string]interface{}{"name": name}}
	}
	configs := []NodeConfig{
		{Name: "A", Type: "count-router", Successors: []string{"B", "C"}, IsRouter: true, Config: map[string]interface{}{"name": "A"}},
		ccfg("B", []string{"D"}),
		ccfg("C", []string{"E"}),
		ccfg("E", []string{"D"}),
		ccfg("D", nil),
	}
	wf, err := Build("wf", "A", configs, registry)
	require.NoError(t, err)

	out, err := wf.Run(context.Background(), nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{"A", "B", "C", "D", "E"} {
		assert.Equal(t, 1, counts[name], "node %s should run exactly once", name)
		assert.Contains(t, out.Nodes, name)
	}
	assert.True(t, seen["D"]["B"], "D's input should carry B's output")
	assert.True(t, seen["D"]["E"], "D's input should carry E's output")
}

func TestRun_RouterSelectsSubsetOfSuccessors(t *testing.T) {
	registry := NewRegistry()
	registry.Register("pass-through", NewPassThroughFactory())
	registry.Register("router", func(config map[string]interface{}) (Node, error) {
		base, err := NewPassThroughFactory()(config)
		if err != nil {
			return nil, err
		}
		return NewCELRouter(base, map[string]string{
			"A": "true",
			"B": "false",
		}), nil
	})

	configs := []NodeConfig{
		{Name: "Start", Type: "router", Successors: []string{"A", "B"}, IsRouter: true, Config: map[string]interface{}{"name": "Start"}},
		cfg("A", nil, false),
		cfg("B", nil, false),
	}
	wf, err := Build("wf", "Start", configs, registry)
	require.NoError(t, err)

	out, err := wf.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out.Nodes, "A")
	assert.NotContains(t, out.Nodes, "B")
}
