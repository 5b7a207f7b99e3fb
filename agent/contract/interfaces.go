package contract

import (
	"context"

	statex "github.com/tanpawarit/skyplanner/agent/state"
)

// Planner is the reasoning oracle: context in, exactly one decision out.
// The returned decision may carry Usage even when err is a schema violation.
type Planner interface {
	Decide(ctx context.Context, req PlannerRequest) (statex.PlannerDecision, error)
}

// TitleGenerator names a session from its first user message.
type TitleGenerator interface {
	Title(ctx context.Context, firstMessage string) (string, error)
}
