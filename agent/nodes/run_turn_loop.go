package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
)

func RunTurnLoop(ctx context.Context, in *GraphState, loop *TurnLoop) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	res, err := loop.Run(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	in.Result = res
	return in, nil
}
