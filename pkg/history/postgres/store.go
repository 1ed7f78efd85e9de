package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/liveconsult/pkg/history"
)

var _ history.Store = (*Store)(nil)

// defaultLimit applies to Search and Sessions when the caller passes none.
const defaultLimit = 100

// Store is a [history.Store] backed by a single conversation_entries table
// with a GIN full-text index. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append implements [history.Store]. A zero At is stored as now().
func (s *Store) Append(ctx context.Context, e history.Entry) error {
	const q = `
		INSERT INTO conversation_entries (session_id, speaker, text, spoken_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))`

	var at *time.Time
	if !e.At.IsZero() {
		at = &e.At
	}
	if _, err := s.pool.Exec(ctx, q, e.SessionID, e.Speaker, e.Text, at); err != nil {
		return fmt.Errorf("history store: append: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, window time.Duration) ([]history.Entry, error) {
	const q = `
		SELECT session_id, speaker, text, spoken_at
		FROM   conversation_entries
		WHERE  session_id = $1
		  AND  spoken_at >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY spoken_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [history.Store]. Query.Text goes through
// plainto_tsquery, so no operator syntax is needed.
func (s *Store) Search(ctx context.Context, query history.Query) ([]history.Entry, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if query.Text != "" {
		conditions = append(conditions,
			"to_tsvector('simple', text) @@ plainto_tsquery('simple', "+next(query.Text)+")")
	}
	if query.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(query.SessionID))
	}
	if query.Speaker != "" {
		conditions = append(conditions, "speaker = "+next(query.Speaker))
	}
	if !query.After.IsZero() {
		conditions = append(conditions, "spoken_at > "+next(query.After))
	}
	if !query.Before.IsZero() {
		conditions = append(conditions, "spoken_at < "+next(query.Before))
	}

	q := "SELECT session_id, speaker, text, spoken_at\nFROM   conversation_entries\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY spoken_at, id\nLIMIT  " + next(limitOr(query.Limit))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: search: %w", err)
	}
	return collectEntries(rows)
}

// Sessions implements [history.Store].
func (s *Store) Sessions(ctx context.Context, limit int) ([]history.Session, error) {
	const q = `
		SELECT session_id, count(*), min(spoken_at), max(spoken_at)
		FROM   conversation_entries
		GROUP  BY session_id
		ORDER  BY max(spoken_at) DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limitOr(limit))
	if err != nil {
		return nil, fmt.Errorf("history store: sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Session, error) {
		var s history.Session
		err := row.Scan(&s.ID, &s.Entries, &s.First, &s.Last)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan sessions: %w", err)
	}
	if sessions == nil {
		sessions = []history.Session{}
	}
	return sessions, nil
}

func collectEntries(rows pgx.Rows) ([]history.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var e history.Entry
		err := row.Scan(&e.SessionID, &e.Speaker, &e.Text, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}

func limitOr(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}
