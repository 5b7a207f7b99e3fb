package orchestratornode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

// RecordUserTurn appends the user message, reopens the session for planning and
// names it on its first message. Title failures never fail the turn.
func RecordUserTurn(
	ctx context.Context,
	in *GraphState,
	store *statex.Store,
	titles contractx.TitleGenerator,
) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph state has no session", contractx.ErrValidation)
	}

	if _, err := store.Append(ctx, in.SessionID, statex.Turn{
		Role: statex.RoleUser,
		Kind: statex.TurnMessage,
		Text: in.Text,
	}); err != nil {
		return nil, err
	}

	title := in.Session.Title
	if title == "" && titles != nil {
		generated, err := titles.Title(ctx, in.Text)
		if err != nil {
			log.Warn().Err(err).Str("component", "orchestrator").Str("session_id", in.SessionID).Msg("session title skipped")
		} else {
			title = generated
		}
	}

	sess, err := store.Update(ctx, in.SessionID, func(s *statex.Session) error {
		s.Status = statex.SessionActive
		if s.Title == "" {
			s.Title = title
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	in.Session = sess
	return in, nil
}
