package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	statex "github.com/tanpawarit/skyplanner/agent/state"
)

// ResultCache is the session-scoped cache the dispatcher reads and fills.
type ResultCache interface {
	CacheLookup(ctx context.Context, sessionID, key string) (statex.CapabilityResult, bool, error)
	CachePut(ctx context.Context, sessionID, key string, res statex.CapabilityResult) error
}

// Dispatch is the outcome of one dispatched request.
type Dispatch struct {
	Result   statex.CapabilityResult
	CacheHit bool
	Shared   bool
}

// Dispatcher resolves capability requests: session cache first, then one shared
// adapter call per (session, idempotency key), whose usable result is cached.
type Dispatcher struct {
	registry *Registry
	cache    ResultCache
	group    singleflight.Group
	logger   zerolog.Logger
	now      func() time.Time
}

func NewDispatcher(registry *Registry, cache ResultCache) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("capability registry is required")
	}
	if cache == nil {
		return nil, errors.New("result cache is required")
	}
	return &Dispatcher{
		registry: registry,
		cache:    cache,
		logger:   log.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}, nil
}

// Catalog lists the capabilities the planner may request.
func (d *Dispatcher) Catalog() []contractx.CapabilityDescriptor {
	return d.registry.List()
}

// Dispatch returns an error only when ctx ends first. The adapter call itself is
// detached from ctx so it can still finish and be cached for a later turn.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, req statex.CapabilityRequest) (Dispatch, error) {
	adapter, err := d.registry.Resolve(req.Capability)
	if err != nil {
		return d.Reject(req, statex.ReasonUnknownCapability, err), nil
	}

	if cached, ok, err := d.cache.CacheLookup(ctx, sessionID, req.IdempotencyKey); err != nil {
		d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("cache lookup failed")
	} else if ok {
		d.logger.Debug().Str("session_id", sessionID).Str("key", req.IdempotencyKey).Msg("capability cache hit")
		return Dispatch{Result: cached, CacheHit: true}, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := d.group.DoChan(sessionID+"|"+req.IdempotencyKey, func() (any, error) {
		// A flight that finished after our lookup may already have filled the cache.
		if cached, ok, err := d.cache.CacheLookup(detached, sessionID, req.IdempotencyKey); err == nil && ok {
			return flight{result: cached, cached: true}, nil
		}
		res := adapter.Invoke(detached, req)
		if err := d.cache.CachePut(detached, sessionID, req.IdempotencyKey, res); err != nil {
			d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("cache put failed")
		}
		return flight{result: res}, nil
	})

	select {
	case r := <-ch:
		f := r.Val.(flight)
		return Dispatch{Result: f.result, CacheHit: f.cached, Shared: r.Shared}, nil
	case <-ctx.Done():
		return Dispatch{}, ctx.Err()
	}
}

// Reject builds the failure result recorded for a request that never reached an adapter.
func (d *Dispatcher) Reject(req statex.CapabilityRequest, reason statex.FailureReason, err error) Dispatch {
	return Dispatch{Result: statex.CapabilityResult{
		ID:             uuid.NewString(),
		Capability:     req.Capability,
		IdempotencyKey: req.IdempotencyKey,
		Status:         statex.StatusFailure,
		Reason:         reason,
		Message:        err.Error(),
		Summary:        fmt.Sprintf("%s failed: %s", req.Capability, reason),
		FetchedAt:      d.now().UTC(),
	}}
}

type flight struct {
	result statex.CapabilityResult
	cached bool
}
