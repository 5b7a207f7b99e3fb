package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

const (
	CapabilityWeather  = "weather"
	CapabilityCalendar = "calendar"
	CapabilitySearch   = "search"

	maxRetries = 2
)

var ErrNoData = errors.New("no data for the requested range")

// Adapter is the uniform contract of every capability. Invoke never returns an error:
// every outcome, including failures, is a CapabilityResult.
type Adapter interface {
	Descriptor() contractx.CapabilityDescriptor
	Invoke(ctx context.Context, req statex.CapabilityRequest) statex.CapabilityResult
}

// Source is a raw provider integration. Wrap turns it into an Adapter.
type Source interface {
	Descriptor() contractx.CapabilityDescriptor
	Validate(args map[string]any) error
	Fetch(ctx context.Context, args map[string]any) (Output, error)
}

// Output is what a Source produced. Partial marks a usable but incomplete answer.
type Output struct {
	Data    any
	Summary string
	Partial bool
	Note    string
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Capability string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("%s: provider status=%d body=%s", e.Capability, e.StatusCode, body)
}

type Policy struct {
	Timeout         time.Duration
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Timeout:         8 * time.Second,
		MaxRetries:      maxRetries,
		InitialBackoff:  200 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

type guarded struct {
	source  Source
	policy  Policy
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	logger  zerolog.Logger
	now     func() time.Time
}

// Wrap applies timeout, bounded retry, circuit breaking and result normalization
// to a Source.
func Wrap(source Source, policy Policy) Adapter {
	def := DefaultPolicy()
	if policy.Timeout <= 0 {
		policy.Timeout = def.Timeout
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.MaxRetries > maxRetries {
		policy.MaxRetries = maxRetries
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.BreakerFailures == 0 {
		policy.BreakerFailures = def.BreakerFailures
	}
	if policy.BreakerCooldown <= 0 {
		policy.BreakerCooldown = def.BreakerCooldown
	}

	name := source.Descriptor().Name
	logger := log.With().Str("component", "capability").Str("capability", name).Logger()

	return &guarded{
		source: source,
		policy: policy,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     policy.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= policy.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				_, retry := classify(err)
				return !retry
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
		tracer: otel.Tracer("github.com/tanpawarit/skyplanner/agent/capability"),
		logger: logger,
		now:    time.Now,
	}
}

func (g *guarded) Descriptor() contractx.CapabilityDescriptor {
	return g.source.Descriptor()
}

func (g *guarded) Invoke(ctx context.Context, req statex.CapabilityRequest) statex.CapabilityResult {
	name := g.source.Descriptor().Name
	ctx, span := g.tracer.Start(ctx, "capability."+name, trace.WithAttributes(
		attribute.String("capability.name", name),
		attribute.String("capability.idempotency_key", req.IdempotencyKey),
	))
	defer span.End()

	base := statex.CapabilityResult{
		ID:             uuid.NewString(),
		Capability:     name,
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := g.source.Validate(req.Args); err != nil {
		return g.fail(span, base, statex.ReasonInvalidArgument, err, 0)
	}

	var (
		attempts   int
		lastErr    error
		lastReason statex.FailureReason
	)
	operation := func() (Output, error) {
		attempts++
		out, err := g.attempt(ctx, req.Args)
		if err == nil {
			return out, nil
		}
		reason, retry := classify(err)
		lastErr, lastReason = err, reason
		if !retry {
			return Output{}, backoff.Permanent(err)
		}
		return Output{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.policy.InitialBackoff
	b.MaxInterval = g.policy.MaxBackoff

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.policy.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Warn().Err(err).Dur("retry_in", next).Int("attempt", attempts).Msg("capability attempt failed, retrying")
		}),
	)
	span.SetAttributes(attribute.Int("capability.attempts", attempts))
	if err != nil {
		if lastErr == nil {
			lastErr, lastReason = err, statex.ReasonTimeout
		}
		return g.fail(span, base, lastReason, lastErr, attempts)
	}

	payload, err := json.Marshal(out.Data)
	if err != nil {
		return g.fail(span, base, statex.ReasonProvider, fmt.Errorf("marshal payload: %w", err), attempts)
	}

	res := base
	res.Status = statex.StatusSuccess
	if out.Partial {
		res.Status = statex.StatusPartial
		res.Message = out.Note
	}
	res.Summary = out.Summary
	res.Payload = payload
	res.Attempts = attempts
	res.FetchedAt = g.now().UTC()

	g.logger.Debug().Str("status", string(res.Status)).Int("attempts", attempts).Msg("capability invoked")
	return res
}

func (g *guarded) attempt(ctx context.Context, args map[string]any) (Output, error) {
	v, err := g.breaker.Execute(func() (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, g.policy.Timeout)
		defer cancel()

		out, err := g.source.Fetch(attemptCtx, args)
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no answer within %s: %v", contractx.ErrTimeout, g.policy.Timeout, err)
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return Output{}, err
	}
	return v.(Output), nil
}

func (g *guarded) fail(span trace.Span, base statex.CapabilityResult, reason statex.FailureReason, err error, attempts int) statex.CapabilityResult {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(reason))

	res := base
	res.Status = statex.StatusFailure
	res.Reason = reason
	res.Message = strings.TrimSpace(err.Error())
	res.Summary = fmt.Sprintf("%s failed: %s", base.Capability, reason)
	res.Attempts = attempts
	res.FetchedAt = g.now().UTC()

	g.logger.Warn().Err(err).Str("reason", string(reason)).Int("attempts", attempts).Msg("capability failed")
	return res
}

// classify maps an error onto a failure reason and whether it is worth retrying.
// Only timeouts, network errors, 429 and 5xx responses are retried.
func classify(err error) (statex.FailureReason, bool) {
	var statusErr *StatusError
	var netErr net.Error

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return statex.ReasonTransient, false
	case errors.Is(err, contractx.ErrInvalidArgument):
		return statex.ReasonInvalidArgument, false
	case errors.Is(err, contractx.ErrAuthorization):
		return statex.ReasonAuthorization, false
	case errors.Is(err, ErrNoData):
		return statex.ReasonNoData, false
	case errors.Is(err, context.Canceled):
		return statex.ReasonTransient, false
	case errors.Is(err, contractx.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return statex.ReasonTimeout, true
	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			return statex.ReasonAuthorization, false
		case statusErr.StatusCode == http.StatusTooManyRequests, statusErr.StatusCode >= 500:
			return statex.ReasonTransient, true
		case statusErr.StatusCode == http.StatusBadRequest,
			statusErr.StatusCode == http.StatusNotFound,
			statusErr.StatusCode == http.StatusUnprocessableEntity:
			return statex.ReasonInvalidArgument, false
		default:
			return statex.ReasonProvider, false
		}
	case errors.Is(err, contractx.ErrTransientService), errors.As(err, &netErr):
		return statex.ReasonTransient, true
	default:
		return statex.ReasonProvider, false
	}
}
