package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

// LoadOrCreateSession resumes the requested session or starts a fresh one when the
// id is empty, unknown or expired.
func LoadOrCreateSession(
	ctx context.Context,
	in *GraphState,
	store *statex.Store,
	timezone string,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	sess, fresh, err := loadOrCreateSession(ctx, store, in.SessionID, timezone)
	if err != nil {
		return nil, err
	}
	if fresh && in.SessionID != "" {
		log.Info().Str("component", "orchestrator").
			Str("requested_session_id", in.SessionID).
			Str("session_id", sess.ID).
			Msg("session not found, started a fresh one")
	}

	in.Session = sess
	in.SessionID = sess.ID
	in.FreshSession = fresh
	return in, nil
}

func loadOrCreateSession(
	ctx context.Context,
	store *statex.Store,
	sessionID string,
	timezone string,
) (*statex.Session, bool, error) {
	if sessionID != "" {
		sess, err := store.Get(ctx, sessionID)
		if err == nil {
			return sess, false, nil
		}
		if !errors.Is(err, statex.ErrSessionNotFound) {
			return nil, false, err
		}
	}

	sess, err := store.Create(ctx, timezone)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}
