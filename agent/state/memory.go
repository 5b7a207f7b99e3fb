package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/tiendc/go-deepcopy"
)

// MemoryBackend keeps everything in process. Values are deep-copied on the way in
// and out so callers never share memory with the stored records.
type MemoryBackend struct {
	mu       sync.Mutex
	sessions *cache.Cache
	drafts   *cache.Cache
	entries  *cache.Cache
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: cache.New(cache.NoExpiration, 10*time.Minute),
		drafts:   cache.New(cache.NoExpiration, 10*time.Minute),
		entries:  cache.New(cache.NoExpiration, time.Minute),
	}
}

func (m *MemoryBackend) LoadSession(_ context.Context, id string) (*Session, error) {
	x, found := m.sessions.Get(id)
	if !found {
		return nil, ErrSessionNotFound
	}
	return cloneSession(x.(*Session))
}

func (m *MemoryBackend) SaveSession(_ context.Context, s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	copied, err := cloneSession(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var stored int64
	if x, found := m.sessions.Get(s.ID); found {
		stored = x.(*Session).Version
	}
	if stored != s.Version-1 {
		return ErrVersionConflict
	}
	m.sessions.Set(s.ID, copied, expiration(s.ExpiresAt))
	return nil
}

func (m *MemoryBackend) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions.Delete(id)
	m.drafts.Delete(id)
	prefix := entryKey(id, "")
	for k := range m.entries.Items() {
		if strings.HasPrefix(k, prefix) {
			m.entries.Delete(k)
		}
	}
	return nil
}

func (m *MemoryBackend) ListSessions(_ context.Context, limit int) ([]*Session, error) {
	items := m.sessions.Items()
	out := make([]*Session, 0, len(items))
	for _, item := range items {
		s, err := cloneSession(item.Object.(*Session))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryBackend) LoadDraft(_ context.Context, sessionID string) (*DraftPlan, error) {
	x, found := m.drafts.Get(sessionID)
	if !found {
		return nil, ErrDraftNotFound
	}
	return cloneDraft(*x.(*DraftPlan))
}

func (m *MemoryBackend) SaveDraft(_ context.Context, sessionID string, d DraftPlan, expiresAt time.Time) error {
	copied, err := cloneDraft(d)
	if err != nil {
		return err
	}
	m.drafts.Set(sessionID, copied, expiration(expiresAt))
	return nil
}

func (m *MemoryBackend) LoadCacheEntry(_ context.Context, sessionID, key string) (*CacheEntry, error) {
	x, found := m.entries.Get(entryKey(sessionID, key))
	if !found {
		return nil, ErrCacheMiss
	}
	var entry CacheEntry
	if err := deepcopy.Copy(&entry, x.(CacheEntry)); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (m *MemoryBackend) SaveCacheEntry(_ context.Context, sessionID, key string, e CacheEntry) error {
	m.entries.Set(entryKey(sessionID, key), e, expiration(e.ExpiresAt))
	return nil
}

func entryKey(sessionID, key string) string {
	return sessionID + "\x00" + key
}

func expiration(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return cache.NoExpiration
	}
	d := time.Until(expiresAt)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
