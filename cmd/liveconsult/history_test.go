package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/liveconsult/pkg/history"
	historymock "github.com/MrWong99/liveconsult/pkg/history/mock"
)

func TestPrintHistory_Sessions(t *testing.T) {
	t.Parallel()

	first := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	store := &historymock.Store{SessionsResult: []history.Session{
		{ID: "3f2a9c1e-aaaa", Entries: 12, First: first, Last: first.Add(10 * time.Minute)},
	}}

	var out bytes.Buffer
	if err := printHistory(context.Background(), &out, store, historyQuery{limit: 5}); err != nil {
		t.Fatalf("printHistory: %v", err)
	}
	for _, want := range []string{"SESSION", "3f2a9c1e-aaaa", "12", "2026-03-01 09:00:00", "2026-03-01 09:10:00"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestPrintHistory_Empty(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := printHistory(context.Background(), &out, &historymock.Store{}, historyQuery{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no recorded sessions") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPrintHistory_Search(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 9, 30, 15, 0, time.Local)
	store := &historymock.Store{}
	for _, e := range []history.Entry{
		{SessionID: "abcdef0123", Speaker: history.SpeakerUser, Text: "what about pricing", At: at},
		{SessionID: "abcdef0123", Speaker: history.SpeakerModel, Text: "pricing starts at forty", At: at},
		{SessionID: "abcdef0123", Speaker: history.SpeakerUser, Text: "thanks", At: at},
	} {
		_ = store.Append(context.Background(), e)
	}

	var out bytes.Buffer
	q := historyQuery{search: "pricing", since: time.Hour, limit: 10}
	if err := printHistory(context.Background(), &out, store, q); err != nil {
		t.Fatalf("printHistory: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out.String())
	}
	if lines[0] != "abcdef01 09:30:15 user  what about pricing" {
		t.Errorf("line 0 = %q", lines[0])
	}

	queries := store.Queries()
	if len(queries) != 1 || queries[0].Text != "pricing" || queries[0].Limit != 10 || queries[0].After.IsZero() {
		t.Errorf("queries = %+v", queries)
	}
}

func TestPrintHistory_SessionOmitsPrefix(t *testing.T) {
	t.Parallel()

	store := &historymock.Store{SearchResult: []history.Entry{
		{SessionID: "abcdef0123", Speaker: history.SpeakerModel, Text: "hello", At: time.Date(2026, 3, 1, 8, 0, 0, 0, time.Local)},
	}}
	var out bytes.Buffer
	if err := printHistory(context.Background(), &out, store, historyQuery{session: "abcdef0123"}); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "08:00:00 model hello" {
		t.Errorf("output = %q", got)
	}
}

func TestPrintHistory_StoreError(t *testing.T) {
	t.Parallel()

	errDB := errors.New("db down")
	store := &historymock.Store{QueryErr: errDB}
	if err := printHistory(context.Background(), &bytes.Buffer{}, store, historyQuery{}); !errors.Is(err, errDB) {
		t.Errorf("err = %v, want %v", err, errDB)
	}
}

func TestHistoryCmd_Disabled(t *testing.T) {
	t.Setenv("LIVECONSULT_CONFIG", "")
	t.Setenv("LIVECONSULT_HISTORY_DSN", "")

	if _, err := execute(t, "history"); !errors.Is(err, errHistoryDisabled) {
		t.Errorf("err = %v, want errHistoryDisabled", err)
	}
}
