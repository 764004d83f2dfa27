package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions over explicit data: let bindings,
// array builtins (filter, map, count, any, all, sum), nil coalescing and pipes.
// Programs are compiled untyped so one cached program serves any data shape.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(func(expression string) (*vm.Program, error) {
		prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError("expr", expression, err)
		}
		return prg, nil
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with every key of data as a top-level variable.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if err := precheck(ctx, "expr", expression); err != nil {
		return nil, err
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
