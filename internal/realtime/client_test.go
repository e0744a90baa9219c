package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// upstreamStub is a WebSocket server standing in for the remote model.
type upstreamStub struct {
	upgrader websocket.Upgrader
	recv     chan []byte

	mu   sync.Mutex
	conn *websocket.Conn
}

func newUpstreamStub() *upstreamStub {
	return &upstreamStub{recv: make(chan []byte, 64)}
}

func (s *upstreamStub) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.recv <- data
	}
}

func (s *upstreamStub) push(t *testing.T, raw string) {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("no upstream connection established")
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("stub write failed: %v", err)
	}
}

func (s *upstreamStub) nextMessage(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-s.recv:
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unparseable client message: %s", data)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return nil
	}
}

func dialStub(t *testing.T, stub *upstreamStub) *Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(srv.Close)

	cfg := DialConfig{
		Provider: ProviderOpenAI,
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:   "test-key",
		Model:    "test-model",
		Session: SessionConfig{
			Voice:             "alloy",
			VADThreshold:      0.7,
			PrefixPaddingMS:   200,
			SilenceDurationMS: 700,
		},
	}

	c, err := Dial(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestDial_SendsSessionUpdateFirst(t *testing.T) {
	stub := newUpstreamStub()
	dialStub(t, stub)

	msg := stub.nextMessage(t)
	if msg["type"] != "session.update" {
		t.Fatalf("expected session.update as the first message, got %v", msg["type"])
	}

	sess, ok := msg["session"].(map[string]any)
	if !ok {
		t.Fatal("missing session payload")
	}
	if sess["voice"] != "alloy" {
		t.Errorf("expected voice alloy, got %v", sess["voice"])
	}
	td, ok := sess["turn_detection"].(map[string]any)
	if !ok {
		t.Fatal("missing turn_detection config")
	}
	if td["type"] != "server_vad" {
		t.Errorf("expected server_vad turn detection, got %v", td["type"])
	}
	if td["threshold"] != 0.7 {
		t.Errorf("expected threshold 0.7, got %v", td["threshold"])
	}
}

func TestDial_AuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DialConfig{
		Provider: ProviderOpenAI,
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:   "bad-key",
	}
	_, err := Dial(context.Background(), cfg, zerolog.Nop())
	if !errors.Is(err, ErrUpstreamAuth) {
		t.Errorf("expected ErrUpstreamAuth, got %v", err)
	}
}

func TestDial_MissingKey(t *testing.T) {
	_, err := Dial(context.Background(), DialConfig{Provider: ProviderOpenAI}, zerolog.Nop())
	if !errors.Is(err, ErrUpstreamAuth) {
		t.Errorf("expected ErrUpstreamAuth for missing key, got %v", err)
	}
}

func TestClient_EventMapping(t *testing.T) {
	stub := newUpstreamStub()
	c := dialStub(t, stub)
	stub.nextMessage(t) // session.update

	stub.push(t, `{"type":"input_audio_buffer.speech_started"}`)
	if _, ok := nextEvent(t, c).(SpeechStarted); !ok {
		t.Error("expected SpeechStarted")
	}

	stub.push(t, `{"type":"input_audio_buffer.speech_stopped"}`)
	if _, ok := nextEvent(t, c).(SpeechStopped); !ok {
		t.Error("expected SpeechStopped")
	}

	stub.push(t, `{"type":"response.created","response":{"id":"resp-1"}}`)
	started, ok := nextEvent(t, c).(ResponseStarted)
	if !ok || started.ResponseID != "resp-1" {
		t.Errorf("expected ResponseStarted for resp-1, got %+v", started)
	}

	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	stub.push(t, `{"type":"response.audio.delta","response_id":"resp-1","delta":"`+audio+`"}`)
	delta, ok := nextEvent(t, c).(ResponseAudioDelta)
	if !ok || delta.ResponseID != "resp-1" || len(delta.Audio) != 4 {
		t.Errorf("expected decoded 4-byte audio delta, got %+v", delta)
	}

	stub.push(t, `{"type":"response.audio_transcript.delta","response_id":"resp-1","delta":"hel"}`)
	tr, ok := nextEvent(t, c).(ResponseTranscriptDelta)
	if !ok || tr.Speaker != SpeakerAgent || tr.Final {
		t.Errorf("expected non-final agent transcript delta, got %+v", tr)
	}

	stub.push(t, `{"type":"response.done","response":{"id":"resp-1","status":"cancelled"}}`)
	if _, ok := nextEvent(t, c).(ResponseCancelled); !ok {
		t.Error("expected ResponseCancelled for cancelled status")
	}

	stub.push(t, `{"type":"response.created","response":{"id":"resp-2"}}`)
	nextEvent(t, c)
	stub.push(t, `{"type":"response.done","response":{"id":"resp-2","status":"completed"}}`)
	if _, ok := nextEvent(t, c).(ResponseCompleted); !ok {
		t.Error("expected ResponseCompleted for completed status")
	}
}

func TestClient_UserTranscriptFinal(t *testing.T) {
	stub := newUpstreamStub()
	c := dialStub(t, stub)
	stub.nextMessage(t)

	stub.push(t, `{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello there"}`)
	tr, ok := nextEvent(t, c).(ResponseTranscriptDelta)
	if !ok || tr.Speaker != SpeakerUser || !tr.Final || tr.Text != "hello there" {
		t.Errorf("expected final user transcript, got %+v", tr)
	}
}

func TestClient_CancelIdempotent(t *testing.T) {
	stub := newUpstreamStub()
	c := dialStub(t, stub)
	stub.nextMessage(t) // session.update

	// No active response yet: nothing goes out.
	c.CancelActiveResponse()

	stub.push(t, `{"type":"response.created","response":{"id":"resp-1"}}`)
	nextEvent(t, c)

	c.CancelActiveResponse()
	c.CancelActiveResponse()
	c.CancelActiveResponse()

	msg := stub.nextMessage(t)
	if msg["type"] != "response.cancel" {
		t.Fatalf("expected response.cancel, got %v", msg["type"])
	}

	// Exactly one cancel may cross the transport per response.
	select {
	case data := <-stub.recv:
		t.Errorf("unexpected second message after cancel: %s", data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_BenignErrorFiltered(t *testing.T) {
	stub := newUpstreamStub()
	c := dialStub(t, stub)
	stub.nextMessage(t)

	stub.push(t, `{"type":"error","error":{"message":"Cancellation failed: no active response found"}}`)
	stub.push(t, `{"type":"input_audio_buffer.speech_started"}`)

	// The benign error is swallowed; the next event must be the VAD event.
	if _, ok := nextEvent(t, c).(SpeechStarted); !ok {
		t.Error("expected benign error to be filtered out")
	}
}

func TestClient_ErrorSurfaced(t *testing.T) {
	stub := newUpstreamStub()
	c := dialStub(t, stub)
	stub.nextMessage(t)

	stub.push(t, `{"type":"error","error":{"message":"rate limit exceeded"}}`)
	ev, ok := nextEvent(t, c).(ErrorEvent)
	if !ok || ev.Message != "rate limit exceeded" {
		t.Errorf("expected surfaced error event, got %+v", ev)
	}
}

func TestClient_SendAudioAfterClose(t *testing.T) {
	stub := newUpstreamStub()
	c := dialStub(t, stub)
	stub.nextMessage(t)

	c.Close()

	// Frames sent during teardown are dropped and counted, never an error.
	for i := 0; i < 5; i++ {
		c.SendAudio([]byte{1, 2})
	}
	if got := c.DroppedFrames(); got != 5 {
		t.Errorf("expected 5 dropped frames, got %d", got)
	}
}

func TestClient_SendAudioEncoding(t *testing.T) {
	stub := newUpstreamStub()
	c := dialStub(t, stub)
	stub.nextMessage(t)

	c.SendAudio([]byte{0x01, 0x02, 0x03, 0x04})

	msg := stub.nextMessage(t)
	if msg["type"] != "input_audio_buffer.append" {
		t.Fatalf("expected append message, got %v", msg["type"])
	}
	decoded, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
	if err != nil || len(decoded) != 4 {
		t.Errorf("expected 4 base64-decoded bytes, got %d (err %v)", len(decoded), err)
	}
}

func TestClient_SendText(t *testing.T) {
	stub := newUpstreamStub()
	c := dialStub(t, stub)
	stub.nextMessage(t)

	if err := c.SendText("what time is it"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	item := stub.nextMessage(t)
	if item["type"] != "conversation.item.create" {
		t.Fatalf("expected conversation.item.create, got %v", item["type"])
	}
	create := stub.nextMessage(t)
	if create["type"] != "response.create" {
		t.Fatalf("expected response.create, got %v", create["type"])
	}
}

func TestClient_Reconfigure(t *testing.T) {
	stub := newUpstreamStub()
	c := dialStub(t, stub)
	stub.nextMessage(t)

	if err := c.Reconfigure(SessionConfig{Voice: "echo", VADThreshold: 0.3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := stub.nextMessage(t)
	if msg["type"] != "session.update" {
		t.Fatalf("expected session.update, got %v", msg["type"])
	}
	sess := msg["session"].(map[string]any)
	td := sess["turn_detection"].(map[string]any)
	if td["threshold"] != 0.3 {
		t.Errorf("expected threshold 0.3, got %v", td["threshold"])
	}
}
