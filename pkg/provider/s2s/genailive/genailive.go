// Package genailive implements the s2s.Provider interface on top of the official
// Google Gen AI Go SDK (google.golang.org/genai) Live client.
//
// It speaks the same Gemini Live protocol as the gemini package but lets the
// SDK own the wire format, authentication and endpoint selection. Use it when
// the SDK's backend options (e.g. Vertex AI) are needed.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const defaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Live model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the SDK's API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithVertexAI routes sessions through Vertex AI for the given project and
// location instead of the Gemini API.
func WithVertexAI(project, location string) Option {
	return func(p *Provider) {
		p.backend = genai.BackendVertexAI
		p.project = project
		p.location = location
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider using genai.Client.Live.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	backend  genai.Backend
	project  string
	location string

	once      sync.Once
	client    *genai.Client
	clientErr error
}

// New returns a Provider authenticating with apiKey. The SDK client is
// created lazily on the first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Live API.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		OutputSampleRate:   audio.OutputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		SupportsImages:     true,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"},
	}
}

func (p *Provider) getClient(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		cc := &genai.ClientConfig{
			APIKey:   p.apiKey,
			Backend:  p.backend,
			Project:  p.project,
			Location: p.location,
		}
		if p.baseURL != "" {
			cc.HTTPOptions.BaseURL = p.baseURL
		}
		p.client, p.clientErr = genai.NewClient(ctx, cc)
	})
	return p.client, p.clientErr
}

// Connect opens a Live session and waits for the server's setup
// acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("genai: client: %w", err)
	}
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	live, err := client.Live.Connect(ctx, model, buildConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	sess := &session{
		live:     live,
		messages: make(chan s2s.Message, 64),
		done:     make(chan struct{}),
	}
	if err := sess.awaitSetupComplete(ctx); err != nil {
		_ = live.Close()
		return nil, fmt.Errorf("genai: setup: %w", err)
	}
	go sess.receiveLoop()
	return sess, nil
}

func buildConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{}
	for _, m := range cfg.ResponseModalities() {
		lc.ResponseModalities = append(lc.ResponseModalities, genai.Modality(strings.ToUpper(string(m))))
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Transcription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live     *genai.Session
	messages chan s2s.Message

	mu     sync.Mutex
	errVal error
	closed bool
	done   chan struct{}
}

// awaitSetupComplete reads until setupComplete arrives. The SDK's Receive
// does not take a context, so cancellation closes the underlying session.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	result := make(chan error, 1)
	go func() {
		for {
			msg, err := s.live.Receive()
			if err != nil {
				result <- err
				return
			}
			if msg.SetupComplete != nil {
				result <- nil
				return
			}
		}
	}()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		_ = s.live.Close()
		<-result
		return ctx.Err()
	}
}

func (s *session) receiveLoop() {
	defer close(s.messages)
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if !s.isClosed() && !isRemoteClose(err) {
				s.setErr(fmt.Errorf("genai: receive: %w", err))
			}
			return
		}
		if msg.GoAway != nil {
			slog.Info("genai: server will end the session soon", "time_left", msg.GoAway.TimeLeft)
		}
		for _, m := range translate(msg) {
			select {
			case s.messages <- m:
			case <-s.done:
				return
			}
		}
	}
}

// translate maps one SDK message onto zero or more s2s messages, keeping the
// interrupt ahead of any audio in the same frame.
func translate(msg *genai.LiveServerMessage) []s2s.Message {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	now := time.Now()
	var out []s2s.Message
	if sc.Interrupted {
		out = append(out, s2s.Message{Interrupted: true})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 && strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				out = append(out, s2s.Message{Audio: p.InlineData.Data})
			}
			if p.Text != "" {
				out = append(out, s2s.Message{Transcript: &s2s.Transcript{Speaker: s2s.SpeakerModel, Text: p.Text, At: now}})
			}
		}
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		out = append(out, s2s.Message{Transcript: &s2s.Transcript{Speaker: s2s.SpeakerUser, Text: t.Text, At: now}})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, s2s.Message{Transcript: &s2s.Transcript{Speaker: s2s.SpeakerModel, Text: t.Text, At: now}})
	}
	if sc.TurnComplete {
		out = append(out, s2s.Message{TurnComplete: true})
	}
	return out
}

// isRemoteClose reports whether the SDK's websocket ended with a close frame
// from the server. 1006 is synthesised locally for a dropped connection and
// never appears on the wire.
func isRemoteClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) send(in genai.LiveRealtimeInput) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	return s.live.SendRealtimeInput(in)
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

func (s *session) SendAudio(pcm []byte, sampleRate int) error {
	if err := s.send(genai.LiveRealtimeInput{Audio: &genai.Blob{MIMEType: audio.PCMMIMEType(sampleRate), Data: pcm}}); err != nil {
		return fmt.Errorf("genai: send audio: %w", err)
	}
	return nil
}

func (s *session) SendImage(mimeType string, data []byte) error {
	if err := s.send(genai.LiveRealtimeInput{Video: &genai.Blob{MIMEType: mimeType, Data: data}}); err != nil {
		return fmt.Errorf("genai: send image: %w", err)
	}
	return nil
}

func (s *session) Messages() <-chan s2s.Message { return s.messages }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return s.live.Close()
}
