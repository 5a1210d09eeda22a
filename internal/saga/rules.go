package saga

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// SkipEvaluator compiles and caches CEL skip_condition expressions,
// mirroring the caching strategy of graph.CELRouter so both subsystems
// pay the CEL compilation cost once per distinct expression.
type SkipEvaluator struct {
	mu    sync.Mutex
	cache map[string]cel.Program
}

// NewSkipEvaluator returns an empty evaluator.
func NewSkipEvaluator() *SkipEvaluator {
	return &SkipEvaluator{cache: make(map[string]cel.Program)}
}

// ShouldSkip evaluates a step's SkipCondition against the saga's global
// context. An empty expression never skips.
func (e *SkipEvaluator) ShouldSkip(expr string, globalContext map[string]interface{}) (bool, error) {
	if expr == "" {
		return false, nil
	}

	program, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(map[string]interface{}{"ctx": globalContext})
	if err != nil {
		return false, fmt.Errorf("evaluate skip_condition %q: %w", expr, err)
	}
	skip, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("skip_condition %q did not evaluate to bool", expr)
	}
	return skip, nil
}

func (e *SkipEvaluator) compile(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.cache[expr]; ok {
		return p, nil
	}

	env, err := cel.NewEnv(cel.Variable("ctx", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("build CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile skip_condition %q: %w", expr, issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build CEL program for %q: %w", expr, err)
	}
	e.cache[expr] = program
	return program, nil
}
