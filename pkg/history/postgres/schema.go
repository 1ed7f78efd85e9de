// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, history.Entry{SessionID: id, Speaker: "user", Text: "hi"})
//	entries, _ := store.Search(ctx, history.Query{Text: "pricing"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversation = `
CREATE TABLE IF NOT EXISTS conversation_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    spoken_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_session_time
    ON conversation_entries (session_id, spoken_at);

CREATE INDEX IF NOT EXISTS idx_conversation_time
    ON conversation_entries (spoken_at);

CREATE INDEX IF NOT EXISTS idx_conversation_fts
    ON conversation_entries USING GIN (to_tsvector('simple', text));
`

// Migrate creates the conversation table and its indexes. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversation); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
