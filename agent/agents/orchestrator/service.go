package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/skyplanner/agent/capability"
	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	"github.com/tanpawarit/skyplanner/agent/itinerary"
	nodex "github.com/tanpawarit/skyplanner/agent/nodes"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

var ErrInvalidMessage = nodex.ErrInvalidMessage

type Outcome = nodex.Outcome

const (
	OutcomePlanEmitted            = nodex.OutcomePlanEmitted
	OutcomeClarificationRequested = nodex.OutcomeClarificationRequested
	OutcomeAborted                = nodex.OutcomeAborted
)

type Config struct {
	// Timezone is given to sessions this orchestrator creates.
	Timezone       string
	TurnBudget     int
	MaxCorrections int
}

// Reply answers one user message. Failure is set whenever the turn did not end
// with a plan or a question; Itinerary only when a plan was accepted.
type Reply struct {
	SessionID        string               `json:"session_id"`
	Title            string               `json:"title,omitempty"`
	FreshSession     bool                 `json:"fresh_session"`
	Outcome          Outcome              `json:"outcome,omitempty"`
	AssistantMessage string               `json:"assistant_message,omitempty"`
	Itinerary        *itinerary.Itinerary `json:"itinerary,omitempty"`
	Failure          *contractx.Failure   `json:"failure,omitempty"`
}

type SessionSummary struct {
	ID             string               `json:"id"`
	Title          string               `json:"title"`
	Status         statex.SessionStatus `json:"status"`
	LastActivityAt time.Time            `json:"last_activity_at"`
	TotalTokens    int                  `json:"total_tokens"`
}

type Orchestrator struct {
	store  *statex.Store
	loop   *nodex.TurnLoop
	titles contractx.TitleGenerator

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	timezone string
	now      func() time.Time
	logger   zerolog.Logger
}

func New(
	store *statex.Store,
	planner contractx.Planner,
	dispatcher *capability.Dispatcher,
	titles contractx.TitleGenerator,
	cfg Config,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if planner == nil {
		return nil, errors.New("planner is required")
	}
	if dispatcher == nil {
		return nil, errors.New("capability dispatcher is required")
	}

	timezone := strings.TrimSpace(cfg.Timezone)
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", contractx.ErrValidation, timezone, err)
	}

	o := &Orchestrator{
		store:    store,
		titles:   titles,
		timezone: timezone,
		now:      time.Now,
		logger:   log.With().Str("component", "orchestrator").Logger(),
	}

	loop, err := nodex.NewTurnLoop(store, planner, dispatcher, nodex.LoopPolicy{
		TurnBudget:     cfg.TurnBudget,
		MaxCorrections: cfg.MaxCorrections,
	}, func() time.Time { return o.now() })
	if err != nil {
		return nil, err
	}
	o.loop = loop

	graphRunner, err := o.compileSessionGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// StartOrContinueSession handles one user message. An empty, unknown or expired
// session id starts a fresh session. Planner aborts are reported in Reply.Failure
// with a nil error; the error is a *contract.Failure only when the message could
// not be processed at all.
func (o *Orchestrator) StartOrContinueSession(ctx context.Context, sessionID string, message string) (Reply, error) {
	sessionID = strings.TrimSpace(sessionID)
	if err := ctx.Err(); err != nil {
		return o.fail(sessionID, err)
	}
	if sessionID != "" {
		release, err := o.store.Acquire(ctx, sessionID)
		if err != nil {
			return o.fail(sessionID, err)
		}
		defer release()
	}

	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		SessionID: sessionID,
		Text:      message,
	})
	if err != nil {
		return o.fail(sessionID, err)
	}

	if out.Failure != nil {
		o.logger.Warn().
			Str("session_id", out.SessionID).
			Str("category", string(out.Failure.Category)).
			Err(out.Failure.Err).
			Msg("planning ended without a plan")
	}
	return Reply{
		SessionID:        out.SessionID,
		Title:            out.Title,
		FreshSession:     out.FreshSession,
		Outcome:          out.Outcome,
		AssistantMessage: out.AssistantMessage,
		Itinerary:        out.Itinerary,
		Failure:          out.Failure,
	}, nil
}

func (o *Orchestrator) fail(sessionID string, err error) (Reply, error) {
	f := contractx.AsFailure(err)
	o.logger.Error().Err(err).Str("session_id", sessionID).Str("category", string(f.Category)).Msg("message not processed")
	return Reply{SessionID: sessionID, Failure: f}, f
}

// Itinerary returns the current plan of a session.
func (o *Orchestrator) Itinerary(ctx context.Context, sessionID string) (itinerary.Itinerary, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return itinerary.Itinerary{}, contractx.AsFailure(err)
	}
	draft, err := o.store.LoadDraft(ctx, sess.ID)
	if err != nil {
		return itinerary.Itinerary{}, contractx.AsFailure(err)
	}
	return itinerary.Assemble(draft, itinerary.Options{SessionID: sess.ID, Location: sess.Location()}), nil
}

// Sessions lists sessions by most recent activity.
func (o *Orchestrator) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	sessions, err := o.store.List(ctx, limit)
	if err != nil {
		return nil, contractx.AsFailure(err)
	}
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			ID:             s.ID,
			Title:          s.Title,
			Status:         s.Status,
			LastActivityAt: s.LastActivityAt,
			TotalTokens:    s.Tokens.TotalTokens,
		})
	}
	return out, nil
}

func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	release, err := o.store.Acquire(ctx, sessionID)
	if err != nil {
		return contractx.AsFailure(err)
	}
	defer release()

	if err := o.store.Delete(ctx, sessionID); err != nil {
		return contractx.AsFailure(err)
	}
	return nil
}
