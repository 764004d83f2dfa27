package expressions

import (
	"context"
	"testing"

	"github.com/rendis/actuator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_Arithmetic(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `2 + 3 * 4`, nil)
	require.NoError(t, err)
	assert.Equal(t, 14, out)
}

func TestExpr_LetBindings(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{"price": 100.0, "quantity": 5, "tax_rate": 0.1}

	out, err := e.Evaluate(context.Background(),
		`let subtotal = price * quantity; let tax = subtotal * tax_rate; subtotal + tax`, data)
	require.NoError(t, err)
	assert.Equal(t, 550.0, out)
}

func TestExpr_PipeChaining(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"items": []any{
			map[string]any{"name": "alice", "score": 85},
			map[string]any{"name": "bob", "score": 92},
			map[string]any{"name": "charlie", "score": 78},
		},
	}

	out, err := e.Evaluate(context.Background(), `items | filter({.score >= 80}) | map({.name})`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"alice", "bob"}, out)
}

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `name ?? "default"`, map[string]any{"name": nil})
	require.NoError(t, err)
	assert.Equal(t, "default", out)

	out, err = e.Evaluate(context.Background(), `config.timeout ?? 30`, map[string]any{"config": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, 30, out)
}

func TestExpr_CachedProgramServesDifferentShapes(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `value + value`, map[string]any{"value": 2})
	require.NoError(t, err)
	assert.Equal(t, 4, out)

	out, err = e.Evaluate(context.Background(), `value + value`, map[string]any{"value": "ab"})
	require.NoError(t, err)
	assert.Equal(t, "abab", out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(context.Background(), `1 +`, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Evaluate(ctx, `1`, nil)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
}
