package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/liveconsult/internal/live"
	"github.com/MrWong99/liveconsult/pkg/history"
	historymock "github.com/MrWong99/liveconsult/pkg/history/mock"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s"
)

func TestRecorder_CoalescesBySpeaker(t *testing.T) {
	t.Parallel()

	store := &historymock.Store{}
	r := NewRecorder(RecorderConfig{Store: store, Idle: time.Hour})

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.Record("s1", s2s.Transcript{Speaker: s2s.SpeakerUser, Text: "how much", At: at})
	r.Record("s1", s2s.Transcript{Speaker: s2s.SpeakerUser, Text: " is it?"})
	r.Record("s1", s2s.Transcript{Speaker: s2s.SpeakerModel, Text: " Forty euros. "})
	r.Record("s2", s2s.Transcript{Speaker: s2s.SpeakerModel, Text: "Hello again"})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := store.Entries()
	want := []history.Entry{
		{SessionID: "s1", Speaker: "user", Text: "how much is it?", At: at},
		{SessionID: "s1", Speaker: "model", Text: "Forty euros."},
		{SessionID: "s2", Speaker: "model", Text: "Hello again"},
	}
	if len(got) != len(want) {
		t.Fatalf("entries = %+v, want %d", got, len(want))
	}
	for i := range want {
		if got[i].SessionID != want[i].SessionID || got[i].Speaker != want[i].Speaker || got[i].Text != want[i].Text {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if !got[0].At.Equal(at) {
		t.Errorf("first entry At = %v, want the first fragment's time", got[0].At)
	}
	if got[1].At.IsZero() {
		t.Error("entry without fragment time should be stamped")
	}
}

func TestRecorder_FlushesWhenIdle(t *testing.T) {
	t.Parallel()

	store := &historymock.Store{}
	r := NewRecorder(RecorderConfig{Store: store, Idle: 20 * time.Millisecond})
	t.Cleanup(func() { _ = r.Close() })

	r.Record("s1", s2s.Transcript{Speaker: s2s.SpeakerModel, Text: "done speaking"})
	waitFor(t, "idle flush", func() bool { return len(store.Entries()) == 1 })
}

func TestRecorder_SkipsBlankUtterances(t *testing.T) {
	t.Parallel()

	store := &historymock.Store{}
	r := NewRecorder(RecorderConfig{Store: store, Idle: time.Hour})
	r.Record("s1", s2s.Transcript{Speaker: s2s.SpeakerUser, Text: "  "})
	_ = r.Close()

	if n := len(store.Entries()); n != 0 {
		t.Errorf("recorded %d entries, want 0", n)
	}
}

func TestRecorder_StoreErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	store := &historymock.Store{AppendErr: errors.New("db down")}
	r := NewRecorder(RecorderConfig{Store: store, Idle: time.Hour})
	r.Record("s1", s2s.Transcript{Speaker: s2s.SpeakerUser, Text: "hi"})
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	t.Parallel()

	store := &historymock.Store{}
	r := NewRecorder(RecorderConfig{Store: store})
	_ = r.Close()
	_ = r.Close()
	r.Record("s1", s2s.Transcript{Speaker: s2s.SpeakerUser, Text: "late"})

	if n := len(store.Entries()); n != 0 {
		t.Errorf("recorded %d entries after Close, want 0", n)
	}
}

func TestApp_RecordsTranscripts(t *testing.T) {
	t.Parallel()

	deps, prov := testDeps()
	store := &historymock.Store{}
	deps.History = store
	a := newTestApp(t, testConfig(t), deps)

	a.Manager().Connect(context.Background())
	waitStatus(t, a.Manager(), live.StatusConnected)
	id := a.Manager().Snapshot().SessionID

	sess := prov.LastSession()
	sess.Push(s2s.Message{Transcript: &s2s.Transcript{Speaker: s2s.SpeakerUser, Text: "hello"}})
	sess.Push(s2s.Message{Transcript: &s2s.Transcript{Speaker: s2s.SpeakerModel, Text: "hi there"}})

	waitFor(t, "user utterance", func() bool { return len(store.Entries()) >= 1 })
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := store.Entries()
	if len(got) != 2 {
		t.Fatalf("entries = %+v, want 2", got)
	}
	if got[0].SessionID != id || got[0].Text != "hello" || got[1].Speaker != history.SpeakerModel {
		t.Errorf("entries = %+v", got)
	}
}

func TestHandler_HistoryProbe(t *testing.T) {
	t.Parallel()

	deps, _ := testDeps()
	store := &historymock.Store{PingErr: errors.New("connection refused")}
	deps.History = store
	a := newTestApp(t, testConfig(t), deps)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503 while history is unreachable", rec.Code)
	}
}
