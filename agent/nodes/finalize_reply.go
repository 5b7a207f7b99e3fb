package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
)

func FinalizeReply(in *GraphState) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	message := strings.TrimSpace(in.Result.Message)
	if message == "" {
		return GraphOutput{}, fmt.Errorf("%w: turn loop returned empty message", contractx.ErrValidation)
	}

	out := GraphOutput{
		SessionID:        in.SessionID,
		FreshSession:     in.FreshSession,
		Outcome:          in.Result.Outcome,
		AssistantMessage: message,
		Itinerary:        in.Itinerary,
		Failure:          in.Result.Failure,
	}
	if in.Session != nil {
		out.Title = in.Session.Title
	}
	return out, nil
}
