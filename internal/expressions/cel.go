package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/rendis/actuator/pkg/schema"
)

// CELEngine evaluates retry_if conditions that decide whether a failed
// attempt is retried.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
// The environment exposes three top-level variables:
//   - err:     map(string, dyn) with code, status and message of the failed attempt
//   - attempt: int, the 1-based number of the attempt that failed
//   - action:  string, the action name
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("err", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("attempt", cel.IntType),
		cel.Variable("action", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Compile checks that expression parses, type-checks and can yield a boolean.
// Used when loading retry policies so bad expressions fail at startup.
func (e *CELEngine) Compile(expression string) error {
	if err := precheck(context.Background(), "CEL", expression); err != nil {
		return err
	}
	_, err := e.programs.get(expression)
	return err
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against the provided data. Missing variables take their zero value.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if err := precheck(ctx, "CEL", expression); err != nil {
		return nil, err
	}

	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}

	return out.Value(), nil
}

// EvaluateBool evaluates expression and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL expression %q returned %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// compile type-checks expression; the result must be bool or dyn.
func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", expression, issues.Err())
	}
	if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL expression %q has type %s, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}
	return prg, nil
}

// buildActivation fills in zero values for missing variables to avoid
// CEL runtime no-such-attribute errors.
func buildActivation(data map[string]any) map[string]any {
	activation := map[string]any{
		"err":     map[string]any{},
		"attempt": 0,
		"action":  "",
	}
	for k, v := range data {
		if v != nil {
			activation[k] = v
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
