package actions

import (
	"log/slog"

	"github.com/rendis/actuator/internal/expressions"
	"github.com/rendis/actuator/internal/transport"
)

// Deps are the collaborators builtin actions close over.
type Deps struct {
	Transport transport.Transport
	Logger    *slog.Logger
	JQ        *expressions.GoJQEngine
	Expr      *expressions.ExprEngine
}

// Builtins is the table of every compiled-in action. Adding an action means
// adding its constructor here; Bootstrap rejects name collisions.
func Builtins(deps Deps) []Action {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	if deps.Expr == nil {
		deps.Expr = expressions.NewExprEngine()
	}

	all := make([]Action, 0, 16)
	all = append(all, HTTPActions(deps.Transport)...)
	all = append(all,
		FetchStatus(deps.Transport),
		HTTPStream(deps.Transport),
		SSECollect(deps.Transport),
		JQ(deps.JQ),
		ExprEval(deps.Expr),
		Log(deps.Logger),
	)
	return all
}
