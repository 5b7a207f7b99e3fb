package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	URL       string `envconfig:"URL" split_words:"true" required:"true"`
	KeyPrefix string `envconfig:"KEY_PREFIX" split_words:"true" default:"skyplanner:"`
}

// RedisBackend persists planner state in a Redis server over the native protocol.
type RedisBackend struct {
	rdb        redis.UniversalClient
	keys       keyspace
	saveScript *redis.Script
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisClient parses a redis:// URL, falling back to treating it as host:port.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	opt, err := redis.ParseURL(strings.TrimSpace(cfg.URL))
	if err != nil {
		opt = &redis.Options{Addr: strings.TrimSpace(cfg.URL)}
	}
	return redis.NewClient(opt)
}

func NewRedisBackend(rdb redis.UniversalClient, opts ...BackendOption) (*RedisBackend, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	var o backendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &RedisBackend{
		rdb:        rdb,
		keys:       newKeyspace(o.keyPrefix),
		saveScript: redis.NewScript(saveSessionScript),
	}, nil
}

func (b *RedisBackend) LoadSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	found, err := b.getJSON(ctx, b.keys.session(id), &sess)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !found {
		return nil, ErrSessionNotFound
	}
	if err := sess.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session loaded from store: %w", err)
	}
	return &sess, nil
}

func (b *RedisBackend) SaveSession(ctx context.Context, s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	applied, err := b.saveScript.Run(ctx, b.rdb,
		[]string{b.keys.session(s.ID), b.keys.sessionIndex(), b.keys.cacheIndex(s.ID)},
		string(payload), s.Version, ttlMillis(s.ExpiresAt), s.LastActivityAt.UnixMilli(), s.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if applied == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (b *RedisBackend) DeleteSession(ctx context.Context, id string) error {
	cacheKeys, err := b.rdb.SMembers(ctx, b.keys.cacheIndex(id)).Result()
	if err != nil {
		return fmt.Errorf("list cache keys: %w", err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		keys := append([]string{b.keys.session(id), b.keys.draft(id), b.keys.cacheIndex(id)}, cacheKeys...)
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, b.keys.sessionIndex(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (b *RedisBackend) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	ids, err := b.rdb.ZRevRange(ctx, b.keys.sessionIndex(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := b.LoadSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			b.rdb.ZRem(ctx, b.keys.sessionIndex(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (b *RedisBackend) LoadDraft(ctx context.Context, sessionID string) (*DraftPlan, error) {
	var d DraftPlan
	found, err := b.getJSON(ctx, b.keys.draft(sessionID), &d)
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	if !found {
		return nil, ErrDraftNotFound
	}
	return &d, nil
}

func (b *RedisBackend) SaveDraft(ctx context.Context, sessionID string, d DraftPlan, expiresAt time.Time) error {
	if err := b.setJSON(ctx, b.rdb, b.keys.draft(sessionID), d, expiresAt); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (b *RedisBackend) LoadCacheEntry(ctx context.Context, sessionID, key string) (*CacheEntry, error) {
	var e CacheEntry
	found, err := b.getJSON(ctx, b.keys.cache(sessionID, key), &e)
	if err != nil {
		return nil, fmt.Errorf("load cache entry: %w", err)
	}
	if !found {
		return nil, ErrCacheMiss
	}
	return &e, nil
}

func (b *RedisBackend) SaveCacheEntry(ctx context.Context, sessionID, key string, e CacheEntry) error {
	redisKey := b.keys.cache(sessionID, key)
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := b.setJSON(ctx, pipe, redisKey, e, e.ExpiresAt); err != nil {
			return err
		}
		pipe.SAdd(ctx, b.keys.cacheIndex(sessionID), redisKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

func (b *RedisBackend) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("unmarshal payload: %w", err)
	}
	return true, nil
}

func (b *RedisBackend) setJSON(ctx context.Context, cmd redis.Cmdable, key string, v any, expiresAt time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var ttl time.Duration
	if ms := ttlMillis(expiresAt); ms > 0 {
		ttl = time.Duration(ms) * time.Millisecond
	}
	return cmd.Set(ctx, key, payload, ttl).Err()
}
