package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rendis/actuator/internal/expressions"
	"github.com/rendis/actuator/internal/logging"
	"github.com/rendis/actuator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClassifier(t *testing.T) {
	classify := StatusClassifier(DefaultRetryOn)
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"503", httpErr(503), true},
		{"429", httpErr(429), true},
		{"404", httpErr(404), false},
		{"500 not listed", httpErr(500), false},
		{"connection", schema.NewError(schema.ErrCodeConnection, "refused"), true},
		{"timeout", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"cancelled code", schema.NewError(schema.ErrCodeCancelled, "stop"), false},
		{"wrapped cancel", fmt.Errorf("op: %w", context.Canceled), false},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain", errors.New("boom"), false},
		{"execution", schema.NewError(schema.ErrCodeExecution, "bad"), false},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(ctx, tt.err, 1))
		})
	}
}

func TestStatusClassifier_CustomList(t *testing.T) {
	classify := StatusClassifier([]int{500})
	assert.True(t, classify(context.Background(), httpErr(500), 1))
	assert.False(t, classify(context.Background(), httpErr(503), 1))
}

func TestPolicy_NilClassifierUsesDefaults(t *testing.T) {
	p := &Policy{MaxAttempts: 2}
	assert.True(t, p.retryable(context.Background(), httpErr(503), 1))
	assert.False(t, p.retryable(context.Background(), httpErr(400), 1))
}

func TestPolicy_CancellationNeverRetried(t *testing.T) {
	p := &Policy{Classify: func(context.Context, error, int) bool { return true }}
	assert.False(t, p.retryable(context.Background(), context.Canceled, 1))
	assert.True(t, p.retryable(context.Background(), errors.New("x"), 1))
}

func TestErrorVars(t *testing.T) {
	vars := ErrorVars(httpErr(503))
	assert.Equal(t, schema.ErrCodeHTTPStatus, vars["code"])
	assert.Equal(t, int64(503), vars["status"])
	assert.Equal(t, "status 503", vars["message"])

	vars = ErrorVars(errors.New("plain"))
	assert.Equal(t, "ERROR", vars["code"])
	assert.Equal(t, int64(0), vars["status"])
	assert.Equal(t, "plain", vars["message"])

	vars = ErrorVars(context.DeadlineExceeded)
	assert.Equal(t, schema.ErrCodeTimeout, vars["code"])
}

func newCEL(t *testing.T) *expressions.CELEngine {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return cel
}

func TestCELClassifier(t *testing.T) {
	cel := newCEL(t)
	ctx := logging.WithAction(context.Background(), "fetch_status")

	classify := CELClassifier(cel, `err.status >= 500 && attempt < 3 && action == "fetch_status"`)
	assert.True(t, classify(ctx, httpErr(500), 1))
	assert.False(t, classify(ctx, httpErr(500), 3))
	assert.False(t, classify(ctx, httpErr(404), 1))
	assert.False(t, classify(logging.WithAction(context.Background(), "other"), httpErr(500), 1))
	assert.False(t, classify(ctx, context.Canceled, 1))
}

func TestCELClassifier_EvaluationErrorDoesNotRetry(t *testing.T) {
	classify := CELClassifier(newCEL(t), `err.missing_field == "x"`)
	assert.False(t, classify(context.Background(), httpErr(503), 1))
}

func TestPolicyFromSchema_Defaults(t *testing.T) {
	p, err := PolicyFromSchema(schema.RetryPolicy{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, p.BaseDelay)
	assert.Equal(t, DefaultMultiplier, p.Multiplier)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
	assert.Equal(t, time.Duration(0), p.AttemptTimeout)
	assert.True(t, p.retryable(context.Background(), httpErr(503), 1))
}

func TestPolicyFromSchema_Fields(t *testing.T) {
	p, err := PolicyFromSchema(schema.RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      "10ms",
		Multiplier:     3,
		MaxDelay:       "1s",
		Jitter:         true,
		AttemptTimeout: "250ms",
		RetryOn:        []int{500},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, time.Second, p.MaxDelay)
	assert.True(t, p.Jitter)
	assert.Equal(t, 250*time.Millisecond, p.AttemptTimeout)
	assert.True(t, p.retryable(context.Background(), httpErr(500), 1))
	assert.False(t, p.retryable(context.Background(), httpErr(503), 1))
}

func TestPolicyFromSchema_RetryIfOverridesRetryOn(t *testing.T) {
	p, err := PolicyFromSchema(schema.RetryPolicy{
		RetryOn: []int{503},
		RetryIf: `err.status == 418`,
	}, newCEL(t))
	require.NoError(t, err)
	assert.True(t, p.retryable(context.Background(), httpErr(418), 1))
	assert.False(t, p.retryable(context.Background(), httpErr(503), 1))
}

func TestPolicyFromSchema_Errors(t *testing.T) {
	_, err := PolicyFromSchema(schema.RetryPolicy{BaseDelay: "soon"}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = PolicyFromSchema(schema.RetryPolicy{MaxDelay: "-1s"}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = PolicyFromSchema(schema.RetryPolicy{RetryIf: "true"}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = PolicyFromSchema(schema.RetryPolicy{RetryIf: "err.status >"}, newCEL(t))
	assert.Error(t, err)
}
