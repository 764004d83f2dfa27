package actions

import (
	"context"

	"github.com/rendis/actuator/internal/expressions"
)

// JQ returns the jq action: run a jq query over an input document.
func JQ(engine *expressions.GoJQEngine) Action {
	return Define("jq").
		Describe("Run a jq query over input and return every output").
		Required("query", ParamString, "jq program").
		Required("input", ParamAny, "JSON document to query").
		Run(func(ctx context.Context, in ActionInput) (*ActionOutput, error) {
			results, err := engine.Query(ctx, stringParam(in.Params, "query", ""), in.Params["input"])
			if err != nil {
				return nil, err
			}
			return JSONOutput(map[string]any{"results": results})
		})
}

// ExprEval returns the expr.eval action: evaluate an Expr expression with
// data's keys as variables.
func ExprEval(engine *expressions.ExprEngine) Action {
	return Define("expr.eval").
		Describe("Evaluate an Expr expression against explicit data").
		Required("expression", ParamString, "expr-lang expression").
		Optional("data", ParamObject, "variables available to the expression").
		Run(func(ctx context.Context, in ActionInput) (*ActionOutput, error) {
			scope, _ := in.Params["data"].(map[string]any)
			result, err := engine.Evaluate(ctx, stringParam(in.Params, "expression", ""), scope)
			if err != nil {
				return nil, err
			}
			return JSONOutput(map[string]any{"result": result})
		})
}
