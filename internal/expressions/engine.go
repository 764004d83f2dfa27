package expressions

import (
	"context"
	"sync"

	"github.com/rendis/actuator/pkg/schema"
)

// Engine evaluates an expression with data as its variables. CEL decides
// retry_if conditions, jq and Expr back the transform actions.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by source text. Compiled programs
// of all three languages are safe to share between goroutines.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
	compile  func(expression string) (P, error)
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{programs: make(map[string]P), compile: compile}
}

func (c *programCache[P]) get(expression string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return p, err
	}
	c.programs[expression] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// precheck rejects empty expressions and already-cancelled contexts.
func precheck(ctx context.Context, lang, expression string) error {
	if expression == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", lang)
	}
	if err := ctx.Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeCancelled, "%s evaluation cancelled", lang).WithCause(err)
	}
	return nil
}

func compileError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

func evalError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s evaluation failed for %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}
