// Package postgres implements storage.Store on PostgreSQL. Each queue record
// is a row carrying a version column; Upsert writes with
// "UPDATE ... WHERE version = $read" (or "INSERT ... ON CONFLICT DO NOTHING"
// for creates) and treats zero affected rows as storage.ErrConflict. Every
// write takes its version from levelq_version_seq, so a deleted and recreated
// row never matches a version read before the delete.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

var _ storage.Store = (*Store)(nil)

const schema = `
CREATE SEQUENCE IF NOT EXISTS levelq_version_seq;
CREATE TABLE IF NOT EXISTS levelq_queue (
	key_hash         TEXT PRIMARY KEY,
	key              TEXT NOT NULL,
	priority         BIGINT NOT NULL,
	enqueued_at      TIMESTAMPTZ NOT NULL,
	attempts         INTEGER NOT NULL,
	not_before       TIMESTAMPTZ NOT NULL,
	lease_owner      TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	pending_recheck  BOOLEAN NOT NULL DEFAULT FALSE,
	version          BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS levelq_queue_order ON levelq_queue (priority DESC, enqueued_at ASC);
CREATE TABLE IF NOT EXISTS levelq_dead_letter (
	key_hash          TEXT PRIMARY KEY,
	key               TEXT NOT NULL,
	priority          BIGINT NOT NULL,
	attempts          INTEGER NOT NULL,
	last_error        TEXT NOT NULL,
	first_enqueued_at TIMESTAMPTZ NOT NULL,
	dead_lettered_at  TIMESTAMPTZ NOT NULL
);`

const queueColumns = `key, priority, enqueued_at, attempts, not_before, lease_owner, lease_expires_at, pending_recheck, version`

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to dsn, creates the schema if needed and returns the store.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres connect: %v", storage.ErrUnavailable, err)
	}
	s := &Store{pool: pool, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and index if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %v", storage.ErrUnavailable, op, err)
}

// scanItem reads one queue row selected with queueColumns.
func scanItem(row pgx.Row) (*types.QueueItem, uint64, error) {
	var (
		it      types.QueueItem
		expires *time.Time
		version int64
	)
	err := row.Scan(&it.Key, &it.Priority, &it.EnqueuedAt, &it.Attempts, &it.NotBefore,
		&it.LeaseOwner, &expires, &it.PendingRecheck, &version)
	if err != nil {
		return nil, 0, err
	}
	it.EnqueuedAt = it.EnqueuedAt.UTC()
	it.NotBefore = it.NotBefore.UTC()
	if expires != nil {
		it.LeaseExpiresAt = expires.UTC()
	}
	return &it, uint64(version), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) read(ctx context.Context, key string) (*types.QueueItem, uint64, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM levelq_queue WHERE key_hash = $1`, storage.KeyHash(key))
	it, version, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, unavailable("get", err)
	}
	return it, version, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (*types.QueueItem, error) {
	it, _, err := s.read(ctx, key)
	return it, err
}

// Upsert implements storage.Store.
func (s *Store) Upsert(ctx context.Context, key string, fn storage.MutateFunc) (*types.QueueItem, error) {
	cur, version, err := s.read(ctx, key)
	exists := true
	if errors.Is(err, storage.ErrNotFound) {
		exists = false
	} else if err != nil {
		return nil, err
	}

	item := &types.QueueItem{Key: key}
	if exists {
		item = cur.Clone()
	}
	op, err := fn(item, exists)
	if err != nil {
		return nil, err
	}
	item.Key = key
	hash := storage.KeyHash(key)

	var tag pgconn.CommandTag
	switch {
	case op == storage.OpNone:
		if !exists {
			return nil, nil
		}
		return cur, nil
	case op == storage.OpDelete && !exists:
		return nil, nil
	case op == storage.OpDelete:
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM levelq_queue WHERE key_hash = $1 AND version = $2`, hash, int64(version))
	case !exists:
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO levelq_queue (key_hash, `+queueColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, nextval('levelq_version_seq'))
			 ON CONFLICT (key_hash) DO NOTHING`,
			hash, item.Key, item.Priority, item.EnqueuedAt, item.Attempts, item.NotBefore,
			item.LeaseOwner, nullableTime(item.LeaseExpiresAt), item.PendingRecheck)
	default:
		tag, err = s.pool.Exec(ctx,
			`UPDATE levelq_queue SET priority = $3, enqueued_at = $4, attempts = $5, not_before = $6,
			 lease_owner = $7, lease_expires_at = $8, pending_recheck = $9,
			 version = nextval('levelq_version_seq')
			 WHERE key_hash = $1 AND version = $2`,
			hash, int64(version), item.Priority, item.EnqueuedAt, item.Attempts, item.NotBefore,
			item.LeaseOwner, nullableTime(item.LeaseExpiresAt), item.PendingRecheck)
	}
	if err != nil {
		return nil, unavailable("upsert", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("postgres: upsert %q: %w", key, storage.ErrConflict)
	}
	if op == storage.OpDelete {
		return nil, nil
	}
	return item, nil
}

// List implements storage.Store. Ordering and the eligibility predicate run in
// SQL; Filter.Apply re-checks them so the result matches the other backends.
func (s *Store) List(ctx context.Context, f storage.Filter) ([]*types.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM levelq_queue`
	var args []any
	if f.EligibleOnly {
		now := f.Now
		if now.IsZero() {
			now = time.Now()
		}
		query += ` WHERE not_before <= $1 AND (lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at <= $1)`
		args = append(args, now)
	}
	query += ` ORDER BY priority DESC, enqueued_at ASC, key ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var items []*types.QueueItem
	for rows.Next() {
		it, _, err := scanItem(rows)
		if err != nil {
			return nil, unavailable("list scan", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return f.Apply(items), nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM levelq_queue WHERE key_hash = $1`, storage.KeyHash(key)); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// PutDeadLetter implements storage.Store.
func (s *Store) PutDeadLetter(ctx context.Context, e *types.DeadLetterEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO levelq_dead_letter (key_hash, key, priority, attempts, last_error, first_enqueued_at, dead_lettered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key_hash) DO UPDATE SET priority = EXCLUDED.priority, attempts = EXCLUDED.attempts,
		 last_error = EXCLUDED.last_error, first_enqueued_at = EXCLUDED.first_enqueued_at,
		 dead_lettered_at = EXCLUDED.dead_lettered_at`,
		storage.KeyHash(e.Key), e.Key, e.Priority, e.Attempts, e.LastError, e.FirstEnqueuedAt, e.DeadLetteredAt)
	if err != nil {
		return unavailable("put dead letter", err)
	}
	return nil
}

const deadLetterColumns = `key, priority, attempts, last_error, first_enqueued_at, dead_lettered_at`

func scanDeadLetter(row pgx.Row) (*types.DeadLetterEntry, error) {
	var e types.DeadLetterEntry
	if err := row.Scan(&e.Key, &e.Priority, &e.Attempts, &e.LastError, &e.FirstEnqueuedAt, &e.DeadLetteredAt); err != nil {
		return nil, err
	}
	e.FirstEnqueuedAt = e.FirstEnqueuedAt.UTC()
	e.DeadLetteredAt = e.DeadLetteredAt.UTC()
	return &e, nil
}

// GetDeadLetter implements storage.Store.
func (s *Store) GetDeadLetter(ctx context.Context, key string) (*types.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM levelq_dead_letter WHERE key_hash = $1`, storage.KeyHash(key))
	e, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get dead letter", err)
	}
	return e, nil
}

// ListDeadLetter implements storage.Store.
func (s *Store) ListDeadLetter(ctx context.Context) ([]*types.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deadLetterColumns+` FROM levelq_dead_letter ORDER BY dead_lettered_at ASC, key ASC`)
	if err != nil {
		return nil, unavailable("list dead letter", err)
	}
	defer rows.Close()

	var entries []*types.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, unavailable("list dead letter scan", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list dead letter", err)
	}
	return entries, nil
}

// DeleteDeadLetter implements storage.Store.
func (s *Store) DeleteDeadLetter(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM levelq_dead_letter WHERE key_hash = $1`, storage.KeyHash(key))
	if err != nil {
		return unavailable("delete dead letter", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Truncate removes every row. Intended for tests sharing one database.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE levelq_queue, levelq_dead_letter`); err != nil {
		return fmt.Errorf("postgres: truncate: %w", err)
	}
	return nil
}
