// Package postgres persists aggregated results and window checkpoints in
// a Postgres table through pgx. Writes are upserts keyed by collection and
// window, so redelivered results overwrite rather than duplicate.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltgrid/voltstream"
)

const defaultTable = "aggregated_results"

// Execer is the subset of *pgxpool.Pool the store uses
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Store implements voltstream.Persister
type Store struct {
	db    Execer
	table string
	now   func() time.Time
}

// Option configures the store
type Option func(*Store)

// WithTable overrides the table name
func WithTable(table string) Option {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// WithClock stamps written rows from c
func WithClock(c voltstream.Clock) Option {
	return func(s *Store) {
		s.now = c.Now
	}
}

// New constructs a store over db
func New(db Execer, opts ...Option) *Store {
	s := &Store{db: db, table: defaultTable, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for dsn and returns the store with the pool
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(pool, opts...), pool, nil
}

// EnsureSchema creates the results table when missing
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	collection   TEXT NOT NULL,
	record_key   TEXT NOT NULL,
	rule_id      TEXT NOT NULL,
	window_start TIMESTAMPTZ,
	window_end   TIMESTAMPTZ,
	body         JSONB NOT NULL,
	written_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, record_key)
)`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}
	return nil
}

type row struct {
	key         string
	ruleID      string
	windowStart *time.Time
	windowEnd   *time.Time
}

func describe(value interface{}) row {
	switch v := value.(type) {
	case voltstream.AggregatedResult:
		return row{key: v.RuleID + "/" + v.WindowID + "/" + v.WindowStart.UTC().Format(time.RFC3339Nano), ruleID: v.RuleID, windowStart: &v.WindowStart, windowEnd: &v.WindowEnd}
	case voltstream.WindowCheckpoint:
		return row{key: v.RuleID + "/" + v.Key, ruleID: v.RuleID, windowStart: &v.Start, windowEnd: &v.End}
	default:
		return row{key: uuid.NewString()}
	}
}

// Persist upserts value into collection
func (s *Store) Persist(ctx context.Context, collection string, value interface{}) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store: nil db")
	}
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	r := describe(value)

	query := fmt.Sprintf(`
INSERT INTO %s (
	collection,
	record_key,
	rule_id,
	window_start,
	window_end,
	body,
	written_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (collection, record_key)
DO UPDATE SET
	body = EXCLUDED.body,
	written_at = EXCLUDED.written_at`, s.table)

	tag, err := s.db.Exec(ctx, query, collection, r.key, r.ruleID, r.windowStart, r.windowEnd, body, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to persist into %s: %w", s.table, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("persist into %s affected %d rows", s.table, tag.RowsAffected())
	}
	return nil
}
