package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"
)

type SQLConfig struct {
	Driver string `envconfig:"DRIVER" split_words:"true" default:"postgres"`
	DSN    string `envconfig:"DSN" split_words:"true" required:"true"`
}

// OpenSQL opens a bun database for Postgres (pgdriver) or SQLite (modernc).
func OpenSQL(cfg SQLConfig) (*bun.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("sql dsn is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "postgres", "pg":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		return bun.NewDB(sqldb, pgdialect.New()), nil
	case "sqlite":
		sqldb, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
}

type sessionRow struct {
	bun.BaseModel `bun:"table:planner_sessions"`

	ID             string    `bun:"id,pk"`
	Title          string    `bun:"title"`
	Status         string    `bun:"status,notnull"`
	Version        int64     `bun:"version,notnull"`
	Data           string    `bun:"data,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	LastActivityAt time.Time `bun:"last_activity_at,notnull"`
	ExpiresAt      time.Time `bun:"expires_at,nullzero"`
}

type draftRow struct {
	bun.BaseModel `bun:"table:planner_drafts"`

	SessionID string    `bun:"session_id,pk"`
	Revision  int       `bun:"revision,notnull"`
	Data      string    `bun:"data,notnull"`
	ExpiresAt time.Time `bun:"expires_at,nullzero"`
}

type cacheRow struct {
	bun.BaseModel `bun:"table:capability_cache"`

	SessionID      string    `bun:"session_id,pk"`
	IdempotencyKey string    `bun:"idempotency_key,pk"`
	Capability     string    `bun:"capability,notnull"`
	Data           string    `bun:"data,notnull"`
	ExpiresAt      time.Time `bun:"expires_at,notnull"`
}

// SQLBackend persists planner state in relational tables through bun. Session writes
// are guarded by an optimistic version check so several processes can share a database.
type SQLBackend struct {
	db *bun.DB
}

var _ Backend = (*SQLBackend)(nil)

func NewSQLBackend(db *bun.DB) (*SQLBackend, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	return &SQLBackend{db: db}, nil
}

// Migrate creates the planner tables when they do not exist.
func (b *SQLBackend) Migrate(ctx context.Context) error {
	for _, model := range []any{(*sessionRow)(nil), (*draftRow)(nil), (*cacheRow)(nil)} {
		if _, err := b.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return b.Sweep(ctx, time.Now())
}

// Sweep deletes expired sessions together with their drafts, and every expired cache entry.
func (b *SQLBackend) Sweep(ctx context.Context, now time.Time) error {
	now = now.UTC()
	return b.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		expired := tx.NewSelect().
			Model((*sessionRow)(nil)).
			Column("id").
			Where("expires_at IS NOT NULL AND expires_at <= ?", now)

		if _, err := tx.NewDelete().Model((*cacheRow)(nil)).
			Where("expires_at <= ? OR session_id IN (?)", now, expired).
			Exec(ctx); err != nil {
			return fmt.Errorf("sweep cache entries: %w", err)
		}
		if _, err := tx.NewDelete().Model((*draftRow)(nil)).
			Where("session_id IN (?)", expired).
			Exec(ctx); err != nil {
			return fmt.Errorf("sweep drafts: %w", err)
		}
		if _, err := tx.NewDelete().Model((*sessionRow)(nil)).
			Where("expires_at IS NOT NULL AND expires_at <= ?", now).
			Exec(ctx); err != nil {
			return fmt.Errorf("sweep sessions: %w", err)
		}
		return nil
	})
}

func (b *SQLBackend) LoadSession(ctx context.Context, id string) (*Session, error) {
	var row sessionRow
	err := b.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeSessionRow(row)
}

func (b *SQLBackend) SaveSession(ctx context.Context, s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	row := sessionRow{
		ID:             s.ID,
		Title:          s.Title,
		Status:         string(s.Status),
		Version:        s.Version,
		Data:           string(data),
		CreatedAt:      s.CreatedAt.UTC(),
		LastActivityAt: s.LastActivityAt.UTC(),
		ExpiresAt:      s.ExpiresAt.UTC(),
	}

	var res sql.Result
	if s.Version <= 1 {
		res, err = b.db.NewInsert().Model(&row).On("CONFLICT (id) DO NOTHING").Exec(ctx)
	} else {
		res, err = b.db.NewUpdate().Model(&row).WherePK().Where("version = ?", s.Version-1).Exec(ctx)
	}
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (b *SQLBackend) DeleteSession(ctx context.Context, id string) error {
	return b.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*cacheRow)(nil)).Where("session_id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("delete cache entries: %w", err)
		}
		if _, err := tx.NewDelete().Model((*draftRow)(nil)).Where("session_id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("delete draft: %w", err)
		}
		if _, err := tx.NewDelete().Model((*sessionRow)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

func (b *SQLBackend) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	now := time.Now()
	if err := b.Sweep(ctx, now); err != nil {
		return nil, err
	}

	var rows []sessionRow
	err := b.db.NewSelect().
		Model(&rows).
		Where("expires_at IS NULL OR expires_at > ?", now.UTC()).
		Order("last_activity_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]*Session, 0, len(rows))
	for _, row := range rows {
		sess, err := decodeSessionRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (b *SQLBackend) LoadDraft(ctx context.Context, sessionID string) (*DraftPlan, error) {
	var row draftRow
	err := b.db.NewSelect().Model(&row).Where("session_id = ?", sessionID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	var d DraftPlan
	if err := json.Unmarshal([]byte(row.Data), &d); err != nil {
		return nil, fmt.Errorf("unmarshal draft: %w", err)
	}
	return &d, nil
}

func (b *SQLBackend) SaveDraft(ctx context.Context, sessionID string, d DraftPlan, expiresAt time.Time) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	row := draftRow{
		SessionID: sessionID,
		Revision:  d.Revision,
		Data:      string(data),
		ExpiresAt: expiresAt.UTC(),
	}
	_, err = b.db.NewInsert().
		Model(&row).
		On("CONFLICT (session_id) DO UPDATE").
		Set("revision = EXCLUDED.revision").
		Set("data = EXCLUDED.data").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (b *SQLBackend) LoadCacheEntry(ctx context.Context, sessionID, key string) (*CacheEntry, error) {
	var row cacheRow
	err := b.db.NewSelect().
		Model(&row).
		Where("session_id = ?", sessionID).
		Where("idempotency_key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("load cache entry: %w", err)
	}
	var res CapabilityResult
	if err := json.Unmarshal([]byte(row.Data), &res); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &CacheEntry{Result: res, ExpiresAt: row.ExpiresAt}, nil
}

func (b *SQLBackend) SaveCacheEntry(ctx context.Context, sessionID, key string, e CacheEntry) error {
	data, err := json.Marshal(e.Result)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	row := cacheRow{
		SessionID:      sessionID,
		IdempotencyKey: key,
		Capability:     e.Result.Capability,
		Data:           string(data),
		ExpiresAt:      e.ExpiresAt.UTC(),
	}
	_, err = b.db.NewInsert().
		Model(&row).
		On("CONFLICT (session_id, idempotency_key) DO UPDATE").
		Set("capability = EXCLUDED.capability").
		Set("data = EXCLUDED.data").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}

func decodeSessionRow(row sessionRow) (*Session, error) {
	var sess Session
	if err := json.Unmarshal([]byte(row.Data), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	sess.Version = row.Version
	if err := sess.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session loaded from store: %w", err)
	}
	return &sess, nil
}
