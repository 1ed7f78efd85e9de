// Package history defines the conversation log written while a live session
// runs.
//
// Each [Entry] is one coalesced utterance of either the user or the model,
// tagged with the id of the session it was spoken in. Backends implement
// [Store]; a PostgreSQL backend lives in the postgres sub-package.
//
// Every implementation must be safe for concurrent use.
package history

import (
	"context"
	"time"
)

// Speaker values stored in [Entry.Speaker].
const (
	SpeakerUser  = "user"
	SpeakerModel = "model"
)

// Entry is one utterance in the log.
type Entry struct {
	// SessionID is the live session the utterance belongs to.
	SessionID string

	// Speaker is [SpeakerUser] or [SpeakerModel].
	Speaker string

	// Text is the transcript text.
	Text string

	// At is when the utterance started.
	At time.Time
}

// Query narrows [Store.Search]. All non-zero fields are applied as AND
// conditions.
type Query struct {
	// Text is matched with full-text search. Empty matches every entry.
	Text string

	// SessionID restricts the search to a single session.
	SessionID string

	// Speaker restricts results to one speaker.
	Speaker string

	// After and Before bound At (both exclusive). Zero disables the bound.
	After  time.Time
	Before time.Time

	// Limit caps the number of results. Zero lets the backend choose.
	Limit int
}

// Session summarises one logged session.
type Session struct {
	ID      string
	Entries int
	First   time.Time
	Last    time.Time
}

// Store persists and queries the conversation log.
type Store interface {
	// Append writes e to the log.
	Append(ctx context.Context, e Entry) error

	// Recent returns the entries of sessionID spoken within window before
	// now, oldest first.
	Recent(ctx context.Context, sessionID string, window time.Duration) ([]Entry, error)

	// Search returns the entries matching q, oldest first.
	Search(ctx context.Context, q Query) ([]Entry, error)

	// Sessions lists the most recently active sessions, newest first.
	Sessions(ctx context.Context, limit int) ([]Session, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
