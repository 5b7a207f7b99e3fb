package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseSizeBytes = 2 << 20

// BackendOption customizes the key-value backends.
type BackendOption func(*backendOptions)

type backendOptions struct {
	keyPrefix  string
	httpClient *http.Client
}

func WithKeyPrefix(prefix string) BackendOption {
	return func(o *backendOptions) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			o.keyPrefix = trimmed
		}
	}
}

func WithHTTPClient(client *http.Client) BackendOption {
	return func(o *backendOptions) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// UpstashRedisBackend persists planner state in Upstash Redis via its REST API.
type UpstashRedisBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keys       keyspace
}

var _ Backend = (*UpstashRedisBackend)(nil)

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL       string        `envconfig:"URL" split_words:"true" required:"true"`
	Token     string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout   time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	KeyPrefix string        `envconfig:"KEY_PREFIX" split_words:"true" default:"skyplanner:"`
}

func NewUpstashRedisBackend(cfg UpstashRedisConfig, opts ...BackendOption) (*UpstashRedisBackend, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	o := backendOptions{keyPrefix: cfg.KeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: timeout}
	}

	return &UpstashRedisBackend{
		baseURL:    baseURL,
		token:      token,
		httpClient: o.httpClient,
		keys:       newKeyspace(o.keyPrefix),
	}, nil
}

func (b *UpstashRedisBackend) LoadSession(ctx context.Context, id string) (*Session, error) {
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

func (b *UpstashRedisBackend) SaveSession(ctx context.Context, s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	if strings.TrimSpace(s.ID) == "" {
		return ErrInvalidSession
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	resp, err := b.exec(ctx, []any{
		"EVAL", saveSessionScript, 3, b.keys.session(s.ID), b.keys.sessionIndex(), b.keys.cacheIndex(s.ID),
		string(payload), s.Version, ttlMillis(s.ExpiresAt), s.LastActivityAt.UnixMilli(), s.ID,
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	var applied int64
	if err := json.Unmarshal(resp.Result, &applied); err != nil {
		return fmt.Errorf("decode save session result: %w", err)
	}
	if applied == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (b *UpstashRedisBackend) DeleteSession(ctx context.Context, id string) error {
	var cacheKeys []string
	resp, err := b.exec(ctx, []any{"SMEMBERS", b.keys.cacheIndex(id)})
	if err != nil {
		return fmt.Errorf("list cache keys: %w", err)
	}
	if err := json.Unmarshal(resp.Result, &cacheKeys); err != nil {
		return fmt.Errorf("decode cache keys: %w", err)
	}

	cmd := []any{"DEL", b.keys.session(id), b.keys.draft(id), b.keys.cacheIndex(id)}
	for _, k := range cacheKeys {
		cmd = append(cmd, k)
	}
	if _, err := b.exec(ctx, cmd); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	_, err = b.exec(ctx, []any{"ZREM", b.keys.sessionIndex(), id})
	return err
}

func (b *UpstashRedisBackend) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	resp, err := b.exec(ctx, []any{"ZREVRANGE", b.keys.sessionIndex(), 0, limit - 1})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(resp.Result, &ids); err != nil {
		return nil, fmt.Errorf("decode session ids: %w", err)
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := b.LoadSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			// expired by TTL; drop the dangling index entry
			_, _ = b.exec(ctx, []any{"ZREM", b.keys.sessionIndex(), id})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (b *UpstashRedisBackend) LoadDraft(ctx context.Context, sessionID string) (*DraftPlan, error) {
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

func (b *UpstashRedisBackend) SaveDraft(ctx context.Context, sessionID string, d DraftPlan, expiresAt time.Time) error {
	if err := b.setJSON(ctx, b.keys.draft(sessionID), d, expiresAt); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (b *UpstashRedisBackend) LoadCacheEntry(ctx context.Context, sessionID, key string) (*CacheEntry, error) {
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

func (b *UpstashRedisBackend) SaveCacheEntry(ctx context.Context, sessionID, key string, e CacheEntry) error {
	redisKey := b.keys.cache(sessionID, key)
	if err := b.setJSON(ctx, redisKey, e, e.ExpiresAt); err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	if _, err := b.exec(ctx, []any{"SADD", b.keys.cacheIndex(sessionID), redisKey}); err != nil {
		return fmt.Errorf("index cache entry: %w", err)
	}
	return nil
}

func (b *UpstashRedisBackend) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	resp, err := b.exec(ctx, []any{"GET", key})
	if err != nil {
		return false, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return false, nil
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return false, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(encoded), dst); err != nil {
		return false, fmt.Errorf("unmarshal payload: %w", err)
	}
	return true, nil
}

func (b *UpstashRedisBackend) setJSON(ctx context.Context, key string, v any, expiresAt time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	cmd := []any{"SET", key, string(payload)}
	if ttl := ttlMillis(expiresAt); ttl > 0 {
		cmd = append(cmd, "PX", ttl)
	}
	_, err = b.exec(ctx, cmd)
	return err
}

func (b *UpstashRedisBackend) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}
