// Package policy compiles and evaluates optional halt-guard
// expressions. The auto-deliberation controller consults the guard
// between rounds; a true verdict pauses the session. Guards fail open:
// an evaluation error is reported to the caller for logging and the
// deliberation continues.
package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/szaher/council/internal/council"
)

// Guard is a compiled halt expression, safe for concurrent evaluation.
type Guard struct {
	source  string
	program *vm.Program
}

// envTemplate pins the variable names and types expressions may use.
// round counts completed rounds; failures counts the agent failures of
// the most recent round.
func envTemplate() map[string]any {
	return map[string]any{
		"round":        0,
		"maxRounds":    0,
		"totalCostUsd": 0.0,
		"failures":     0,
		"state":        "",
	}
}

// Compile type-checks the expression against the guard environment and
// requires a boolean result. A failure here should fail configuration
// load; bad guards must not surface mid-deliberation.
func Compile(source string) (*Guard, error) {
	if source == "" {
		return nil, fmt.Errorf("halt guard: empty expression")
	}
	program, err := expr.Compile(source, expr.Env(envTemplate()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("halt guard %q: %w", source, err)
	}
	return &Guard{source: source, program: program}, nil
}

// Source returns the expression the guard was compiled from.
func (g *Guard) Source() string { return g.source }

// Halt evaluates the guard against the session's state after a round.
func (g *Guard) Halt(sess *council.Session, last *council.Round) (bool, error) {
	env := map[string]any{
		"round":        sess.CurrentRound,
		"maxRounds":    sess.MaxRounds,
		"totalCostUsd": sess.TotalCostUSD,
		"failures":     0,
		"state":        string(sess.State),
	}
	if last != nil {
		env["failures"] = len(last.Failures)
	}

	out, err := expr.Run(g.program, env)
	if err != nil {
		return false, fmt.Errorf("halt guard %q: %w", g.source, err)
	}
	verdict, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("halt guard %q returned %T, expected bool", g.source, out)
	}
	return verdict, nil
}
