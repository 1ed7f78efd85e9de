// Package mock provides an in-memory test double for [history.Store].
//
// The mock records every appended entry and exposes exported fields that
// control what the query methods return. It is safe for concurrent use.
//
//	store := &mock.Store{}
//	// inject store into the system under test …
//	if got := store.Entries(); len(got) != 2 { … }
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/liveconsult/pkg/history"
)

var _ history.Store = (*Store)(nil)

// Store is a configurable test double for [history.Store].
type Store struct {
	mu sync.Mutex

	entries []history.Entry
	queries []history.Query

	// AppendErr is returned by Append when non-nil. Failed appends are not
	// recorded.
	AppendErr error

	// SearchResult is returned by Search. When nil, Search filters the
	// appended entries by session, speaker and exact substring.
	SearchResult []history.Entry

	// SessionsResult is returned by Sessions.
	SessionsResult []history.Session

	// PingErr is returned by Ping.
	PingErr error

	// QueryErr is returned by Recent, Search and Sessions when non-nil.
	QueryErr error
}

// Append records e.
func (s *Store) Append(_ context.Context, e history.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.entries = append(s.entries, e)
	return nil
}

// Recent returns the recorded entries of sessionID. The window is ignored.
func (s *Store) Recent(_ context.Context, sessionID string, _ time.Duration) ([]history.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	out := []history.Entry{}
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Search records q and returns SearchResult or the filtered entries.
func (s *Store) Search(_ context.Context, q history.Query) ([]history.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	if s.SearchResult != nil {
		return slices.Clone(s.SearchResult), nil
	}
	out := []history.Entry{}
	for _, e := range s.entries {
		if q.SessionID != "" && e.SessionID != q.SessionID {
			continue
		}
		if q.Speaker != "" && e.Speaker != q.Speaker {
			continue
		}
		if q.Text != "" && !strings.Contains(e.Text, q.Text) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Sessions returns SessionsResult.
func (s *Store) Sessions(_ context.Context, _ int) ([]history.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	return slices.Clone(s.SessionsResult), nil
}

// Ping returns PingErr.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Entries returns a copy of every appended entry.
func (s *Store) Entries() []history.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Queries returns a copy of every query passed to Search.
func (s *Store) Queries() []history.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queries)
}

