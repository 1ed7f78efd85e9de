package resilience_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/liveconsult/internal/resilience"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s/mock"
)

var errDown = errors.New("service down")

func sessionConfig() s2s.SessionConfig {
	return s2s.SessionConfig{
		Model:           "primary-model",
		Voice:           "Fenrir",
		Instructions:    "be brief",
		InputSampleRate: 16000,
	}
}

func TestFailover_PrimaryHealthy(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{}
	backup := &mock.Provider{}
	fo := resilience.NewFailover("primary", primary, resilience.BreakerConfig{})
	fo.Add("backup", backup)

	sess, err := fo.Connect(context.Background(), sessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess != primary.LastSession() {
		t.Error("session should come from the primary")
	}
	if backup.ConnectCount() != 0 {
		t.Errorf("backup Connect calls = %d, want 0", backup.ConnectCount())
	}
	if got := primary.ConnectCalls[0].Cfg; got.Model != "primary-model" || got.Voice != "Fenrir" {
		t.Errorf("primary got %+v, want the config unchanged", got)
	}
}

func TestFailover_FallsBack(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ConnectErr: errDown}
	backup := &mock.Provider{ProviderCapabilities: s2s.Capabilities{Voices: []string{"Puck"}}}
	fo := resilience.NewFailover("primary", primary, resilience.BreakerConfig{})
	fo.Add("backup", backup)

	sess, err := fo.Connect(context.Background(), sessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess != backup.LastSession() {
		t.Error("session should come from the backup")
	}

	got := backup.ConnectCalls[0].Cfg
	if got.Model != "" {
		t.Errorf("fallback model = %q, want empty", got.Model)
	}
	if got.Voice != "" {
		t.Errorf("fallback voice = %q, want empty for an unlisted voice", got.Voice)
	}
	if got.Instructions != "be brief" || got.InputSampleRate != 16000 {
		t.Errorf("fallback config lost fields: %+v", got)
	}
}

func TestFailover_KeepsListedVoice(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ConnectErr: errDown}
	backup := &mock.Provider{ProviderCapabilities: s2s.Capabilities{Voices: []string{"Puck", "Fenrir"}}}
	fo := resilience.NewFailover("primary", primary, resilience.BreakerConfig{})
	fo.Add("backup", backup)

	if _, err := fo.Connect(context.Background(), sessionConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if v := backup.ConnectCalls[0].Cfg.Voice; v != "Fenrir" {
		t.Errorf("fallback voice = %q, want Fenrir", v)
	}
}

func TestFailover_AllFail(t *testing.T) {
	t.Parallel()

	fo := resilience.NewFailover("a", &mock.Provider{ConnectErr: errDown}, resilience.BreakerConfig{})
	fo.Add("b", &mock.Provider{ConnectErr: errors.New("quota")})

	_, err := fo.Connect(context.Background(), sessionConfig())
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errDown) {
		t.Errorf("err = %v, should wrap the primary's error", err)
	}
	for _, want := range []string{"a: service down", "b: quota"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestFailover_OpenBreakerSkipsProvider(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ConnectErr: errDown}
	backup := &mock.Provider{}
	fo := resilience.NewFailover("primary", primary, resilience.BreakerConfig{MaxFailures: 2, Cooldown: time.Hour})
	fo.Add("backup", backup)

	for range 3 {
		if _, err := fo.Connect(context.Background(), sessionConfig()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	if n := primary.ConnectCount(); n != 2 {
		t.Errorf("primary Connect calls = %d, want 2 before the breaker opens", n)
	}
	if n := backup.ConnectCount(); n != 3 {
		t.Errorf("backup Connect calls = %d, want 3", n)
	}
	states := fo.States()
	if states["primary"] != resilience.StateOpen || states["backup"] != resilience.StateClosed {
		t.Errorf("states = %v", states)
	}
}

func TestFailover_ContextCancelStops(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{Gate: make(chan struct{})}
	backup := &mock.Provider{}
	fo := resilience.NewFailover("primary", primary, resilience.BreakerConfig{MaxFailures: 1})
	fo.Add("backup", backup)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fo.Connect(ctx, sessionConfig()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if backup.ConnectCount() != 0 {
		t.Error("a cancelled connect must not try the fallback")
	}
	if s := fo.States()["primary"]; s != resilience.StateClosed {
		t.Errorf("primary breaker = %s, cancellation must not count as failure", s)
	}
}

func TestFailover_Capabilities(t *testing.T) {
	t.Parallel()

	caps := s2s.Capabilities{Voices: []string{"Fenrir"}}
	fo := resilience.NewFailover("primary", &mock.Provider{ProviderCapabilities: caps}, resilience.BreakerConfig{})
	fo.Add("backup", &mock.Provider{ProviderCapabilities: s2s.Capabilities{Voices: []string{"Puck"}}})

	if got := fo.Capabilities().Voices; len(got) != 1 || got[0] != "Fenrir" {
		t.Errorf("Capabilities().Voices = %v, want the primary's", got)
	}
}
