package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tiendc/go-deepcopy"
)

var (
	ErrDraftNotFound = errors.New("draft plan not found")
	ErrCacheMiss     = errors.New("capability cache miss")
)

const (
	defaultSessionTTL   = 24 * time.Hour
	defaultFreshness    = 5 * time.Minute
	maxVersionConflicts = 3
)

// DefaultFreshness is how long a cached result of each capability may be reused.
var DefaultFreshness = map[string]time.Duration{
	"weather":  10 * time.Minute,
	"calendar": 2 * time.Minute,
	"search":   time.Hour,
}

// CacheEntry is a session-scoped cached capability result with its expiry.
type CacheEntry struct {
	Result    CapabilityResult `json:"result"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Backend persists sessions, drafts and cache entries. SaveSession receives a record
// whose Version was already incremented; backends that can compare-and-set reject the
// write with ErrVersionConflict when the stored version is not Version-1.
type Backend interface {
	LoadSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	LoadDraft(ctx context.Context, sessionID string) (*DraftPlan, error)
	SaveDraft(ctx context.Context, sessionID string, d DraftPlan, expiresAt time.Time) error

	LoadCacheEntry(ctx context.Context, sessionID, key string) (*CacheEntry, error)
	SaveCacheEntry(ctx context.Context, sessionID, key string, e CacheEntry) error
}

// Store coordinates access to a Backend: it owns turn sequencing, per-session write
// ordering, controller leases, expiry and cache freshness.
type Store struct {
	backend   Backend
	ttl       time.Duration
	freshness map[string]time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	writes *keyedMutex
	leases *keyedMutex
}

// StoreOption customizes Store.
type StoreOption func(*Store)

func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithFreshness overrides the freshness window of one capability.
func WithFreshness(capability string, window time.Duration) StoreOption {
	return func(s *Store) {
		name := strings.ToLower(strings.TrimSpace(capability))
		if name != "" && window > 0 {
			s.freshness[name] = window
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(backend Backend, opts ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, errors.New("state backend is required")
	}

	store := &Store{
		backend:   backend,
		ttl:       defaultSessionTTL,
		freshness: make(map[string]time.Duration, len(DefaultFreshness)),
		now:       time.Now,
		logger:    log.With().Str("component", "state_store").Logger(),
		writes:    newKeyedMutex(),
		leases:    newKeyedMutex(),
	}
	for k, v := range DefaultFreshness {
		store.freshness[k] = v
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	return store, nil
}

// Create starts a new session with a generated id.
func (s *Store) Create(ctx context.Context, timezone string) (*Session, error) {
	sess := NewSession(uuid.NewString(), timezone, s.now(), s.ttl)
	sess.Version = 1
	if err := s.backend.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Debug().Str("session_id", sess.ID).Msg("session created")
	return cloneSession(sess)
}

// Get returns the session or ErrSessionNotFound when it is absent or expired.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidSession
	}
	sess, err := s.backend.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s expired", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Append adds turns to the session history atomically, assigning consecutive
// sequence numbers. Concurrent appends to one session are serialized here.
func (s *Store) Append(ctx context.Context, id string, turns ...Turn) ([]Turn, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	for _, t := range turns {
		if err := t.validate(); err != nil {
			return nil, err
		}
	}

	var appended []Turn
	_, err := s.mutate(ctx, id, func(sess *Session, now time.Time) error {
		appended = make([]Turn, 0, len(turns))
		for _, t := range turns {
			var turn Turn
			if err := deepcopy.Copy(&turn, t); err != nil {
				return fmt.Errorf("copy turn: %w", err)
			}
			turn.Seq = sess.LastSeq() + 1
			turn.CreatedAt = now.UTC()
			sess.Turns = append(sess.Turns, turn)
			appended = append(appended, turn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// Update applies fn to the stored session under the session write lock.
func (s *Store) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	return s.mutate(ctx, id, func(sess *Session, _ time.Time) error {
		turns := len(sess.Turns)
		if err := fn(sess); err != nil {
			return err
		}
		if len(sess.Turns) != turns {
			return fmt.Errorf("%w: turns must be added with Append", ErrInvalidTurn)
		}
		return nil
	})
}

func (s *Store) mutate(ctx context.Context, id string, fn func(*Session, time.Time) error) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidSession
	}

	unlock, err := s.writes.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		now := s.now()
		if err := fn(sess, now); err != nil {
			return nil, err
		}
		sess.Touch(now, s.ttl)
		sess.Version++

		err = s.backend.SaveSession(ctx, sess)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxVersionConflicts {
			return nil, err
		}
		s.logger.Warn().Str("session_id", id).Int("attempt", attempt).Msg("session version conflict, retrying")
	}
}

func (s *Store) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidSession
	}
	unlock, err := s.writes.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return s.backend.DeleteSession(ctx, id)
}

// List returns live sessions, most recently active first.
func (s *Store) List(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	sessions, err := s.backend.ListSessions(ctx, limit)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := sessions[:0]
	for _, sess := range sessions {
		if !sess.Expired(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// SaveDraft persists the draft next to its session with the same expiry.
func (s *Store) SaveDraft(ctx context.Context, id string, d DraftPlan) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidSession
	}
	unlock, err := s.writes.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.backend.SaveDraft(ctx, id, d, sess.ExpiresAt)
}

// LoadDraft returns the saved draft, or an empty draft when none was saved yet.
func (s *Store) LoadDraft(ctx context.Context, id string) (DraftPlan, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DraftPlan{}, ErrInvalidSession
	}
	d, err := s.backend.LoadDraft(ctx, id)
	if errors.Is(err, ErrDraftNotFound) {
		return DraftPlan{}, nil
	}
	if err != nil {
		return DraftPlan{}, err
	}
	return *d, nil
}

// CacheLookup returns a fresh cached result for the idempotency key.
func (s *Store) CacheLookup(ctx context.Context, id, key string) (CapabilityResult, bool, error) {
	entry, err := s.backend.LoadCacheEntry(ctx, id, key)
	if errors.Is(err, ErrCacheMiss) {
		return CapabilityResult{}, false, nil
	}
	if err != nil {
		return CapabilityResult{}, false, err
	}
	if !s.now().Before(entry.ExpiresAt) {
		return CapabilityResult{}, false, nil
	}
	return entry.Result, true, nil
}

// CachePut stores a usable result until its capability's freshness window, measured
// from FetchedAt, runs out. Failures are never cached.
func (s *Store) CachePut(ctx context.Context, id, key string, res CapabilityResult) error {
	if !res.Usable() {
		return nil
	}
	fetched := res.FetchedAt
	if fetched.IsZero() {
		fetched = s.now()
	}
	expiresAt := fetched.Add(s.FreshnessFor(res.Capability)).UTC()
	if !s.now().Before(expiresAt) {
		return nil
	}
	return s.backend.SaveCacheEntry(ctx, id, key, CacheEntry{Result: res, ExpiresAt: expiresAt})
}

func (s *Store) FreshnessFor(capability string) time.Duration {
	if d, ok := s.freshness[strings.ToLower(strings.TrimSpace(capability))]; ok {
		return d
	}
	return defaultFreshness
}

// Acquire takes the controller lease of a session. Only one controller step per
// session runs at a time; leases of different sessions are independent.
func (s *Store) Acquire(ctx context.Context, id string) (func(), error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidSession
	}
	return s.leases.Lock(ctx, id)
}

func cloneSession(s *Session) (*Session, error) {
	var out Session
	if err := deepcopy.Copy(&out, s); err != nil {
		return nil, fmt.Errorf("copy session: %w", err)
	}
	return &out, nil
}

func cloneDraft(d DraftPlan) (*DraftPlan, error) {
	var out DraftPlan
	if err := deepcopy.Copy(&out, d); err != nil {
		return nil, fmt.Errorf("copy draft: %w", err)
	}
	return &out, nil
}
