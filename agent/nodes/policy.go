package orchestratornode

import (
	"errors"
	"fmt"
	"strings"

	statex "github.com/tanpawarit/skyplanner/agent/state"
)

const (
	DefaultTurnBudget     = 8
	DefaultMaxCorrections = 2
)

// LoopPolicy bounds one controller run. TurnBudget counts capability invocations
// per user message; MaxCorrections counts rejected or malformed planner answers.
// Zero values take the defaults and a negative MaxCorrections disables corrections.
type LoopPolicy struct {
	TurnBudget     int
	MaxCorrections int
}

func (p LoopPolicy) withDefaults() LoopPolicy {
	if p.TurnBudget <= 0 {
		p.TurnBudget = DefaultTurnBudget
	}
	switch {
	case p.MaxCorrections == 0:
		p.MaxCorrections = DefaultMaxCorrections
	case p.MaxCorrections < 0:
		p.MaxCorrections = 0
	}
	return p
}

func planCorrection(err error) string {
	var inv *statex.PlanInvariantError
	lines := []string{"Your plan was rejected."}
	if errors.As(err, &inv) {
		for _, v := range inv.Violations {
			lines = append(lines, "- "+v.String())
		}
	} else {
		lines = append(lines, "- "+err.Error())
	}
	lines = append(lines, "Every item must cite a usable result_id from this session or give a rationale. Fix the items and decide again.")
	return strings.Join(lines, "\n")
}

func schemaCorrection(err error) string {
	return fmt.Sprintf("Your last answer was not a valid decision (%v). Reply with exactly one JSON decision object.", err)
}

func budgetReason(budget int) string {
	return fmt.Sprintf("planning needed more than %d lookups for one message", budget)
}

func correctionsReason(limit int) string {
	return fmt.Sprintf("the planner could not produce a consistent plan after %d corrections", limit)
}
