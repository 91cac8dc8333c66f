package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates stage conditions against document attributes.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr. Compiled programs are
// cached per expression, so the same condition is parsed only once.
type ExprEvaluator struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	derived map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		derived: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddDerived registers a variable computed from the environment before each
// evaluation, e.g. "is_high_value" from the amount.
func (e *ExprEvaluator) AddDerived(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derived[name] = f
}

// Compile checks that an expression parses and stores the program in the cache.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate evaluates the expression against env. The caller's map is never
// modified; derived variables are added to a copy. The expression must yield a
// boolean.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	scope := make(map[string]interface{}, len(env)+len(e.derived))
	for k, v := range env {
		scope[k] = v
	}
	e.mu.RLock()
	for k, f := range e.derived {
		scope[k] = f(env)
	}
	e.mu.RUnlock()

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
