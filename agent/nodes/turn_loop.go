package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tanpawarit/skyplanner/agent/capability"
	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

type Outcome string

const (
	OutcomePlanEmitted            Outcome = "plan_emitted"
	OutcomeClarificationRequested Outcome = "clarification_requested"
	OutcomeAborted                Outcome = "aborted"
)

// LoopResult is how the controller finished handling one user message.
type LoopResult struct {
	Outcome     Outcome
	Message     string
	Draft       statex.DraftPlan
	Failure     *contractx.Failure
	Invocations int
	Corrections int
	// Tokens is the model usage of this run only; the session keeps the running total.
	Tokens statex.TokenUsage
}

// TurnLoop alternates planner decisions and capability calls until the planner
// emits a valid plan, asks the user something, or the run is aborted.
type TurnLoop struct {
	store      *statex.Store
	planner    contractx.Planner
	dispatcher *capability.Dispatcher
	policy     LoopPolicy
	now        func() time.Time
	tracer     trace.Tracer
	logger     zerolog.Logger
}

func NewTurnLoop(
	store *statex.Store,
	planner contractx.Planner,
	dispatcher *capability.Dispatcher,
	policy LoopPolicy,
	nowFn func() time.Time,
) (*TurnLoop, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is nil", contractx.ErrValidation)
	}
	if planner == nil {
		return nil, fmt.Errorf("%w: planner is nil", contractx.ErrValidation)
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher is nil", contractx.ErrValidation)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &TurnLoop{
		store:      store,
		planner:    planner,
		dispatcher: dispatcher,
		policy:     policy.withDefaults(),
		now:        nowFn,
		tracer:     otel.Tracer("github.com/tanpawarit/skyplanner/agent/nodes"),
		logger:     log.With().Str("component", "turn_loop").Logger(),
	}, nil
}

// Run drives the session until a terminal outcome. The returned error is reserved
// for cancellation and store failures; planner aborts are reported in LoopResult.
// A cancelled run appends nothing further and leaves the draft untouched.
func (l *TurnLoop) Run(ctx context.Context, sessionID string) (res LoopResult, err error) {
	ctx, span := l.tracer.Start(ctx, "turn_loop.run", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("turn_loop.outcome", string(res.Outcome)),
			attribute.Int("turn_loop.invocations", res.Invocations),
			attribute.Int("turn_loop.corrections", res.Corrections),
			attribute.Int("turn_loop.total_tokens", res.Tokens.TotalTokens),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	catalog := l.dispatcher.Catalog()
	logger := l.logger.With().Str("session_id", sessionID).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		sess, err := l.store.Get(ctx, sessionID)
		if err != nil {
			return res, err
		}
		draft, err := l.store.LoadDraft(ctx, sessionID)
		if err != nil {
			return res, err
		}
		now := l.now()

		decision, err := l.decide(ctx, contractx.PlannerRequest{
			SessionID:       sessionID,
			Turns:           sess.Turns,
			Draft:           draft,
			Catalog:         catalog,
			Now:             now,
			Timezone:        sess.Timezone,
			InvocationsLeft: max(l.policy.TurnBudget-res.Invocations, 0),
		})
		if decision.Usage != nil {
			if uerr := l.recordUsage(ctx, sessionID, *decision.Usage); uerr != nil {
				return res, uerr
			}
			res.Tokens = res.Tokens.Add(*decision.Usage)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			if !errors.Is(err, contractx.ErrSchemaViolation) {
				logger.Error().Err(err).Msg("planner unavailable")
				res.Outcome = OutcomeAborted
				res.Failure = contractx.NewFailure(contractx.CategoryPlannerUnavailable, "the planner is unavailable, please try again", err)
				res.Message = res.Failure.Reason
				return res, nil
			}

			res.Corrections++
			logger.Warn().Err(err).Int("corrections", res.Corrections).Msg("planner answer rejected")
			if res.Corrections > l.policy.MaxCorrections {
				return l.abort(ctx, sessionID, res, contractx.NewFailure(
					contractx.CategoryPlannerUnavailable, correctionsReason(l.policy.MaxCorrections), err,
				))
			}
			if _, err := l.store.Append(ctx, sessionID, statex.Turn{
				Role: statex.RoleSystem,
				Kind: statex.TurnCorrection,
				Text: schemaCorrection(err),
			}); err != nil {
				return res, err
			}
			continue
		}

		switch decision.Kind {
		case statex.DecisionInvokeCapability:
			if res.Invocations >= l.policy.TurnBudget {
				logger.Warn().Int("budget", l.policy.TurnBudget).Msg("turn budget exceeded")
				return l.abort(ctx, sessionID, res, contractx.NewFailure(
					contractx.CategoryTurnBudgetExceeded, budgetReason(l.policy.TurnBudget), contractx.ErrTurnBudgetExceeded,
				))
			}
			res.Invocations++
			if err := l.invoke(ctx, sessionID, decision); err != nil {
				return res, err
			}

		case statex.DecisionEmitPlan:
			results := sess.Results()
			if err := statex.ValidatePlan(*decision.Plan, results, now); err != nil {
				res.Corrections++
				logger.Warn().Err(err).Int("corrections", res.Corrections).Msg("plan rejected")
				if res.Corrections > l.policy.MaxCorrections {
					return l.abort(ctx, sessionID, res, contractx.NewFailure(
						contractx.CategoryPlanInvariantViolation, correctionsReason(l.policy.MaxCorrections), err,
					))
				}
				rejected := decision
				if _, err := l.store.Append(ctx, sessionID,
					statex.Turn{Role: statex.RolePlanner, Kind: statex.TurnPlanRejected, Text: err.Error(), Decision: &rejected},
					statex.Turn{Role: statex.RoleSystem, Kind: statex.TurnCorrection, Text: planCorrection(err)},
				); err != nil {
					return res, err
				}
				continue
			}
			return l.emit(ctx, sessionID, res, decision, results, draft, now)

		case statex.DecisionClarify:
			question := strings.TrimSpace(decision.Question)
			if err := l.finish(ctx, sessionID, statex.SessionAwaitingUser, statex.Turn{
				Role:     statex.RolePlanner,
				Kind:     statex.TurnClarify,
				Text:     question,
				Decision: &decision,
			}); err != nil {
				return res, err
			}
			res.Outcome = OutcomeClarificationRequested
			res.Message = question
			return res, nil

		case statex.DecisionAbort:
			reason := strings.TrimSpace(decision.Reason)
			f := contractx.NewFailure(contractx.CategoryAborted, reason, contractx.ErrAborted)
			if err := l.finish(ctx, sessionID, statex.SessionAborted, statex.Turn{
				Role:     statex.RolePlanner,
				Kind:     statex.TurnAbort,
				Text:     reason,
				Decision: &decision,
			}); err != nil {
				return res, err
			}
			res.Outcome = OutcomeAborted
			res.Failure = f
			res.Message = firstNonEmpty(decision.Message, reason)
			return res, nil

		default:
			return res, fmt.Errorf("%w: unhandled decision kind %q", contractx.ErrSchemaViolation, decision.Kind)
		}
	}
}

func (l *TurnLoop) decide(ctx context.Context, req contractx.PlannerRequest) (statex.PlannerDecision, error) {
	ctx, span := l.tracer.Start(ctx, "planner.decide", trace.WithAttributes(
		attribute.Int("planner.turns", len(req.Turns)),
		attribute.Int("planner.invocations_left", req.InvocationsLeft),
	))
	defer span.End()

	d, err := l.planner.Decide(ctx, req)
	if d.Usage != nil {
		span.SetAttributes(attribute.Int("planner.total_tokens", d.Usage.TotalTokens))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return statex.PlannerDecision{Usage: d.Usage}, err
	}
	if err := d.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return statex.PlannerDecision{Usage: d.Usage}, fmt.Errorf("%w: %v", contractx.ErrSchemaViolation, err)
	}
	span.SetAttributes(attribute.String("planner.decision", string(d.Kind)))
	return d, nil
}

func (l *TurnLoop) recordUsage(ctx context.Context, sessionID string, u statex.TokenUsage) error {
	_, err := l.store.Update(ctx, sessionID, func(s *statex.Session) error {
		s.Tokens = s.Tokens.Add(u)
		return nil
	})
	return err
}

// invoke dispatches one capability request and records the request and its result
// as consecutive turns.
func (l *TurnLoop) invoke(ctx context.Context, sessionID string, decision statex.PlannerDecision) error {
	var dispatched capability.Dispatch
	req, err := statex.NewCapabilityRequest(decision.Capability, decision.Args)
	if err != nil {
		// Args that cannot be fingerprinted cannot be persisted either.
		req = statex.CapabilityRequest{Capability: strings.ToLower(strings.TrimSpace(decision.Capability))}
		decision.Args = nil
		dispatched = l.dispatcher.Reject(req, statex.ReasonInvalidArgument, err)
	} else if dispatched, err = l.dispatcher.Dispatch(ctx, sessionID, req); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	result := dispatched.Result
	l.logger.Debug().
		Str("session_id", sessionID).
		Str("capability", req.Capability).
		Str("status", string(result.Status)).
		Bool("cache_hit", dispatched.CacheHit).
		Bool("shared", dispatched.Shared).
		Msg("capability dispatched")

	_, err = l.store.Append(ctx, sessionID,
		statex.Turn{Role: statex.RolePlanner, Kind: statex.TurnCapabilityRequest, Decision: &decision, Request: &req},
		statex.Turn{Role: statex.RoleSystem, Kind: statex.TurnCapabilityResult, Text: result.Summary, Result: &result},
	)
	return err
}

func (l *TurnLoop) emit(
	ctx context.Context,
	sessionID string,
	res LoopResult,
	decision statex.PlannerDecision,
	results map[string]statex.CapabilityResult,
	prev statex.DraftPlan,
	now time.Time,
) (LoopResult, error) {
	if err := ctx.Err(); err != nil {
		return res, err
	}

	draft := statex.BuildDraft(*decision.Plan, results, prev, now)
	if err := l.store.SaveDraft(ctx, sessionID, draft); err != nil {
		return res, err
	}
	message := firstNonEmpty(decision.Message, draft.Summary, "Here is your plan.")
	if err := l.finish(ctx, sessionID, statex.SessionPlanned, statex.Turn{
		Role:     statex.RolePlanner,
		Kind:     statex.TurnPlan,
		Text:     message,
		Decision: &decision,
	}); err != nil {
		return res, err
	}

	res.Outcome = OutcomePlanEmitted
	res.Message = message
	res.Draft = draft
	return res, nil
}

// abort records a controller-side abort and marks the session aborted.
func (l *TurnLoop) abort(ctx context.Context, sessionID string, res LoopResult, f *contractx.Failure) (LoopResult, error) {
	if err := l.finish(ctx, sessionID, statex.SessionAborted, statex.Turn{
		Role: statex.RoleSystem,
		Kind: statex.TurnAbort,
		Text: f.Reason,
	}); err != nil {
		return res, err
	}
	res.Outcome = OutcomeAborted
	res.Failure = f
	res.Message = f.Reason
	return res, nil
}

func (l *TurnLoop) finish(ctx context.Context, sessionID string, status statex.SessionStatus, turn statex.Turn) error {
	if _, err := l.store.Append(ctx, sessionID, turn); err != nil {
		return err
	}
	_, err := l.store.Update(ctx, sessionID, func(s *statex.Session) error {
		s.Status = status
		return nil
	})
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
