package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/workflowcore/internal/taskctx"
)

// CELRouter implements Router by evaluating a CEL expression per declared
// successor: successors whose predicate evaluates true are selected.
// Expressions may use `$.field` as shorthand for `output.field`.
type CELRouter struct {
	base  Node
	rules map[string]string // successor name -> CEL expression; missing entry means "always selected"

	mu    sync.Mutex
	cache map[string]cel.Program
}

// NewCELRouter wraps base (the node's own processing behavior) with
// successor-selection rules. An empty expression for a successor means it
// is unconditionally selected.
func NewCELRouter(base Node, rules map[string]string) *CELRouter {
	return &CELRouter{base: base, rules: rules, cache: make(map[string]cel.Program)}
}

// Process delegates to the wrapped node.
func (r *CELRouter) Process(ctx context.Context, tc *taskctx.TaskContext) (*taskctx.TaskContext, error) {
	return r.base.Process(ctx, tc)
}

// SelectSuccessors evaluates each declared successor's rule (defaulting to
// "always select") against the node's own output and returns the selected
// subset, in declared order.
func (r *CELRouter) SelectSuccessors(ctx context.Context, tc *taskctx.TaskContext, declared []string) ([]string, error) {
	var selected []string
	for _, succ := range declared {
		expr, ok := r.rules[succ]
		if !ok || expr == "" {
			selected = append(selected, succ)
			continue
		}
		ok, err := r.evaluate(expr, tc)
		if err != nil {
			return nil, fmt.Errorf("evaluate router rule for successor %q: %w", succ, err)
		}
		if ok {
			selected = append(selected, succ)
		}
	}
	return selected, nil
}

func (r *CELRouter) evaluate(expr string, tc *taskctx.TaskContext) (bool, error) {
	normalized := strings.ReplaceAll(expr, "$.", "output.")

	r.mu.Lock()
	prg, cached := r.cache[normalized]
	r.mu.Unlock()

	if !cached {
		env, err := cel.NewEnv(
			cel.Variable("output", cel.DynType),
			cel.Variable("ctx", cel.DynType),
		)
		if err != nil {
			return false, fmt.Errorf("build CEL env: %w", err)
		}
		ast, iss := env.Compile(normalized)
		if iss != nil && iss.Err() != nil {
			return false, fmt.Errorf("compile CEL expression %q: %w", normalized, iss.Err())
		}
		prg, err = env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("build CEL program: %w", err)
		}
		r.mu.Lock()
		r.cache[normalized] = prg
		r.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"output": tc.Nodes,
		"ctx":    tc.Metadata,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate CEL expression: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return a boolean, got %T", out.Value())
	}
	return result, nil
}
