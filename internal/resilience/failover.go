package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/liveconsult/pkg/provider/s2s"
)

// ErrAllFailed is returned by [Failover.Connect] when every provider failed
// or had an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

var _ s2s.Provider = (*Failover)(nil)

type failoverEntry struct {
	name    string
	p       s2s.Provider
	breaker *Breaker
}

// Failover implements [s2s.Provider] by connecting through the first healthy
// provider in registration order. Each provider has its own [Breaker].
type Failover struct {
	cfg     BreakerConfig
	entries []failoverEntry
}

// NewFailover creates a Failover with primary as the preferred provider.
func NewFailover(primaryName string, primary s2s.Provider, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.Add(primaryName, primary)
	return f
}

// Add appends a fallback. Fallbacks are tried after the primary in the order
// they were added. Add must not be called concurrently with Connect.
func (f *Failover) Add(name string, p s2s.Provider) {
	bc := f.cfg
	bc.Name = name
	f.entries = append(f.entries, failoverEntry{name: name, p: p, breaker: NewBreaker(bc)})
}

// Len returns the number of providers.
func (f *Failover) Len() int { return len(f.entries) }

// Connect opens a session on the first provider that accepts it. Fallbacks
// connect with their own configured model, and with the requested voice only
// if they list it. Context cancellation aborts the whole attempt without
// counting against any breaker.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var errs []error
	for i, e := range f.entries {
		if err := e.breaker.Allow(); err != nil {
			slog.Debug("skipping provider (circuit open)", "provider", e.name)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}

		sess, err := e.p.Connect(ctx, fallbackConfig(i, e.p, cfg))
		if err == nil {
			e.breaker.Record(nil)
			if i > 0 {
				slog.Info("connected through fallback provider", "provider", e.name)
			}
			return sess, nil
		}
		if ctx.Err() != nil {
			e.breaker.Abandon()
			return nil, err
		}

		e.breaker.Record(err)
		slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Capabilities returns the primary's capabilities.
func (f *Failover) Capabilities() s2s.Capabilities {
	return f.entries[0].p.Capabilities()
}

// States returns the breaker state of every provider by name.
func (f *Failover) States() map[string]State {
	out := make(map[string]State, len(f.entries))
	for _, e := range f.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

func fallbackConfig(i int, p s2s.Provider, cfg s2s.SessionConfig) s2s.SessionConfig {
	if i == 0 {
		return cfg
	}
	cfg.Model = ""
	if !slices.Contains(p.Capabilities().Voices, cfg.Voice) {
		cfg.Voice = ""
	}
	return cfg
}
