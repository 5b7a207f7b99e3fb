package orchestratornode

import (
	"fmt"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	"github.com/tanpawarit/skyplanner/agent/itinerary"
)

// AssembleItinerary renders the accepted draft. Only an emitted plan produces an
// itinerary; aborted or clarifying turns never expose a partial one.
func AssembleItinerary(in *GraphState) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Result.Outcome != OutcomePlanEmitted {
		return in, nil
	}

	it := itinerary.Assemble(in.Result.Draft, itinerary.Options{
		SessionID: in.SessionID,
		Location:  in.Session.Location(),
	})
	in.Itinerary = &it
	return in, nil
}
