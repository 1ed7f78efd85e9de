package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/liveconsult/pkg/provider/s2s"
	"github.com/MrWong99/liveconsult/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextMessage waits for one message or fails.
func nextMessage(t *testing.T, h s2s.SessionHandle) (s2s.Message, bool) {
	t.Helper()
	select {
	case m, ok := <-h.Messages():
		return m, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session message")
		return s2s.Message{}, false
	}
}

// ── Option and capability tests ───────────────────────────────────────────────

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if model := <-modelCh; model != "models/custom-model" {
		t.Errorf("model = %q; want %q", model, "models/custom-model")
	}
}

func TestConnect_SessionModelOverridesProvider(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{Model: "models/other"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()
	if model := <-modelCh; model != "models/other" {
		t.Errorf("model = %q; want models/other", model)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := gemini.New("key").Capabilities()
	if caps.OutputSampleRate != 24000 {
		t.Errorf("OutputSampleRate = %d; want 24000", caps.OutputSampleRate)
	}
	if !caps.SupportsImages {
		t.Error("Gemini Live accepts images")
	}
	found := false
	for _, v := range caps.Voices {
		if v == "Fenrir" {
			found = true
		}
	}
	if !found {
		t.Errorf("Voices %v missing Fenrir", caps.Voices)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription *struct{} `json:"inputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{
		Voice:         "Fenrir",
		Instructions:  "Eres el director comercial.",
		Transcription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	msg := <-received
	if msg.Setup.Model != "models/"+gemini.DefaultModel {
		t.Errorf("model = %q", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", got)
	}
	if sc := msg.Setup.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Fenrir" {
		t.Errorf("voice not set in speechConfig: %+v", sc)
	}
	if si := msg.Setup.SystemInstruction; si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "Eres el director comercial." {
		t.Errorf("systemInstruction = %+v", si)
	}
	if msg.Setup.InputAudioTranscription == nil {
		t.Error("inputAudioTranscription not requested")
	}
}

func TestConnect_ServerErrorDuringSetup(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"}})
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "API key not valid") {
		t.Fatalf("Connect = %v; want setup error", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestConnect_CancelledWhileAwaitingSetup(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect succeeded without setupComplete")
	}
}

// ── Sending ───────────────────────────────────────────────────────────────────

func TestSendAudioAndImage(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan chunkMsg, 2)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for range 2 {
			var m chunkMsg
			readJSON(t, conn, &m)
			got <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.SendAudio([]byte{1, 2, 3, 4}, 16000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := handle.SendImage("image/jpeg", []byte{0xff, 0xd8}); err != nil {
		t.Fatalf("SendImage: %v", err)
	}

	audioMsg := <-got
	if c := audioMsg.RealtimeInput.MediaChunks; len(c) != 1 || c[0].MIMEType != "audio/pcm;rate=16000" || c[0].Data != base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) {
		t.Errorf("audio chunk = %+v", c)
	}
	imgMsg := <-got
	if c := imgMsg.RealtimeInput.MediaChunks; len(c) != 1 || c[0].MIMEType != "image/jpeg" {
		t.Errorf("image chunk = %+v", c)
	}
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := handle.SendAudio([]byte{0, 0}, 16000); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v; want ErrSessionClosed", err)
	}
	if _, ok := nextMessage(t, handle); ok {
		t.Error("Messages not closed after Close")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err after local Close = %v; want nil", err)
	}
}

// ── Receiving ─────────────────────────────────────────────────────────────────

func TestReceive_AudioInterruptAndTurnComplete(t *testing.T) {
	t.Parallel()

	pcm := []byte{10, 0, 20, 0}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm)}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "Hola"},
				"turnComplete":        true,
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	m, _ := nextMessage(t, handle)
	if string(m.Audio) != string(pcm) {
		t.Errorf("audio = %v; want %v", m.Audio, pcm)
	}
	m, _ = nextMessage(t, handle)
	if !m.Interrupted {
		t.Errorf("want interrupted message, got %+v", m)
	}
	m, _ = nextMessage(t, handle)
	if m.Transcript == nil || m.Transcript.Text != "Hola" || m.Transcript.Speaker != s2s.SpeakerModel {
		t.Errorf("want model transcript, got %+v", m)
	}
	m, _ = nextMessage(t, handle)
	if !m.TurnComplete {
		t.Errorf("want turnComplete, got %+v", m)
	}
}

func TestReceive_RemoteNormalCloseIsClean(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if _, ok := nextMessage(t, handle); ok {
		t.Fatal("expected Messages to close")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err = %v; want nil for normal closure", err)
	}
}

func TestReceive_ServerErrorEndsSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		<-conn.CloseRead(context.Background()).Done()
	})
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if _, ok := nextMessage(t, handle); ok {
		t.Fatal("expected Messages to close")
	}
	if err := handle.Err(); err == nil || !strings.Contains(err.Error(), "internal") {
		t.Errorf("Err = %v; want server error", err)
	}
}

func TestReceive_GoingAwayIsClean(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "0s"}})
		conn.Close(websocket.StatusGoingAway, "session time limit reached")
	})
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if _, ok := nextMessage(t, handle); ok {
		t.Fatal("expected Messages to close")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err = %v; want nil for a server close frame", err)
	}
}

func TestReceive_DroppedConnectionSetsErr(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.CloseNow()
	})
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if _, ok := nextMessage(t, handle); ok {
		t.Fatal("expected Messages to close")
	}
	if handle.Err() == nil {
		t.Error("Err = nil; want read error")
	}
}
