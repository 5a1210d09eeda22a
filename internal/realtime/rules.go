package realtime

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ruleEvaluator compiles and caches the router's declarative rule-table
// CEL match expressions, mirroring the compile-once-cache-by-expression
// pattern of graph.CELRouter and saga.SkipEvaluator.
type ruleEvaluator struct {
	mu    sync.Mutex
	cache map[string]cel.Program
}

func newRuleEvaluator() *ruleEvaluator {
	return &ruleEvaluator{cache: make(map[string]cel.Program)}
}

// matches evaluates expr against payload's routable fields. An empty
// expression always matches, so a Rule can omit Match to apply
// unconditionally.
func (e *ruleEvaluator) matches(expr string, payload InboundPayload) (bool, error) {
	if expr == "" {
		return true, nil
	}

	program, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(map[string]interface{}{
		"kind":     string(payload.Kind),
		"from":     payload.From,
		"to":       payload.To,
		"topic":    payload.Topic,
		"priority": int64(payload.Priority),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate rule expression %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule expression %q did not evaluate to bool", expr)
	}
	return result, nil
}

func (e *ruleEvaluator) compile(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.cache[expr]; ok {
		return p, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("from", cel.StringType),
		cel.Variable("to", cel.StringType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("priority", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("build CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule expression %q: %w", expr, issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build CEL program for %q: %w", expr, err)
	}
	e.cache[expr] = program
	return program, nil
}
