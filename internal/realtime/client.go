// Package realtime owns the duplex transport to the remote speech-to-speech
// model for one session. It speaks the JSON-over-WebSocket realtime protocol:
// outbound control and audio-append messages, inbound typed server events.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Session-fatal connection errors. Neither is retried here; the coordinator
// surfaces them to the client once and tears the session down.
var (
	ErrUpstreamUnavailable = errors.New("upstream speech model unavailable")
	ErrUpstreamAuth        = errors.New("upstream rejected credentials")
)

const (
	// ProviderOpenAI connects to the standard realtime endpoint.
	ProviderOpenAI = "openai"
	// ProviderAzure connects to an Azure-hosted deployment.
	ProviderAzure = "azure"

	defaultConnectTimeout = 30 * time.Second
	sendQueueSize         = 256
	eventQueueSize        = 64
)

// DialConfig holds everything needed to open one upstream session.
type DialConfig struct {
	Provider       string
	Endpoint       string // wss URL for openai, resource endpoint for azure
	APIKey         string
	Model          string // openai model name
	Deployment     string // azure deployment name
	APIVersion     string // azure api version
	ConnectTimeout time.Duration
	Session        SessionConfig
}

// Client is one logical conversation session against the remote model.
// SendAudio and the control methods may be called from any goroutine.
type Client struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	send   chan []byte
	events chan Event
	done   chan struct{}

	closing       atomic.Bool
	closeOnce     sync.Once
	droppedFrames atomic.Uint64

	mu               sync.Mutex
	activeResponseID string
	cancelRequested  bool
}

// Dial opens the transport, sends the session configuration, and starts the
// read/write pumps. Connect and handshake are bounded by the configured
// timeout; a timeout or refused connection surfaces as ErrUpstreamUnavailable,
// a 401/403 handshake as ErrUpstreamAuth.
func Dial(ctx context.Context, cfg DialConfig, logger zerolog.Logger) (*Client, error) {
	wsURL, header, err := buildTarget(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUpstreamAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	c := &Client{
		conn:   conn,
		logger: logger.With().Str("component", "realtime").Logger(),
		send:   make(chan []byte, sendQueueSize),
		events: make(chan Event, eventQueueSize),
		done:   make(chan struct{}),
	}

	update, err := marshalSessionUpdate(cfg.Session)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.send <- update

	go c.writePump()
	go c.readPump()

	c.logger.Info().Str("provider", cfg.Provider).Msg("upstream session opened")
	return c, nil
}

func buildTarget(cfg DialConfig) (string, http.Header, error) {
	header := http.Header{}

	switch cfg.Provider {
	case ProviderAzure:
		if cfg.Endpoint == "" || cfg.APIKey == "" || cfg.Deployment == "" {
			return "", nil, fmt.Errorf("%w: azure endpoint, api key and deployment are required", ErrUpstreamUnavailable)
		}
		endpoint := strings.TrimRight(cfg.Endpoint, "/")
		endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
		endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
		q := url.Values{}
		q.Set("api-version", cfg.APIVersion)
		q.Set("deployment", cfg.Deployment)
		header.Set("api-key", cfg.APIKey)
		return endpoint + "/openai/realtime?" + q.Encode(), header, nil

	case ProviderOpenAI, "":
		if cfg.APIKey == "" {
			return "", nil, fmt.Errorf("%w: api key is required", ErrUpstreamAuth)
		}
		header.Set("Authorization", "Bearer "+cfg.APIKey)
		header.Set("OpenAI-Beta", "realtime=v1")
		return cfg.Endpoint + "?model=" + url.QueryEscape(cfg.Model), header, nil

	default:
		return "", nil, fmt.Errorf("%w: unknown provider %q", ErrUpstreamUnavailable, cfg.Provider)
	}
}

// SendAudio queues one encoded pcm16 frame for the upstream audio buffer.
// Never blocks and never fails the caller: frames sent while the transport is
// closing, or while the queue is full, are dropped and counted.
func (c *Client) SendAudio(frame []byte) {
	if c.closing.Load() {
		c.droppedFrames.Add(1)
		return
	}

	msg, err := json.Marshal(audioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		c.droppedFrames.Add(1)
		return
	}

	select {
	case c.send <- msg:
	default:
		c.droppedFrames.Add(1)
	}
}

// DroppedFrames returns the number of frames dropped instead of sent.
func (c *Client) DroppedFrames() uint64 {
	return c.droppedFrames.Load()
}

// Events returns the ordered stream of server events. The channel is closed
// when the transport closes; ordering matches server emission order.
func (c *Client) Events() <-chan Event {
	return c.events
}

// CancelActiveResponse sends a cancellation control message for the active
// response, if any. Idempotent: with no active response, or when a cancel has
// already been requested for the current response, nothing is sent.
func (c *Client) CancelActiveResponse() {
	c.mu.Lock()
	if c.activeResponseID == "" || c.cancelRequested {
		c.mu.Unlock()
		return
	}
	c.cancelRequested = true
	c.mu.Unlock()

	c.enqueue(responseCancel{Type: "response.cancel"})
}

// Reconfigure re-sends the session configuration. Used for live VAD
// sensitivity updates; the snapshot replaces the previous one wholesale.
func (c *Client) Reconfigure(session SessionConfig) error {
	msg, err := marshalSessionUpdate(session)
	if err != nil {
		return err
	}
	return c.enqueueRaw(msg)
}

// SendText submits direct text input as a user message and requests a response.
func (c *Client) SendText(text string) error {
	return c.sendConversationItem("user", text, nil)
}

// SendGreeting seeds an assistant message and asks the model to speak it.
func (c *Client) SendGreeting(text string) error {
	return c.sendConversationItem("assistant", text, &responseParams{Modalities: []string{"text", "audio"}})
}

func (c *Client) sendConversationItem(role, text string, params *responseParams) error {
	item, err := json.Marshal(conversationItemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    role,
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return err
	}
	if err := c.enqueueRaw(item); err != nil {
		return err
	}
	create, err := json.Marshal(responseCreate{Type: "response.create", Response: params})
	if err != nil {
		return err
	}
	return c.enqueueRaw(create)
}

// Close shuts down the transport. Safe to call from any exit path and more
// than once; the event channel is closed once the read pump drains.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) enqueue(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.enqueueRaw(msg)
}

func (c *Client) enqueueRaw(msg []byte) error {
	if c.closing.Load() {
		return ErrUpstreamUnavailable
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrUpstreamUnavailable
	}
}

func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("upstream write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(ErrorEvent{Message: "upstream transport closed: " + err.Error()})
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn().Err(err).Msg("invalid JSON from upstream")
		return
	}

	switch ev.Type {
	case "session.created", "session.updated":
		c.logger.Debug().Str("event", ev.Type).Msg("upstream session event")

	case "input_audio_buffer.speech_started":
		c.emit(SpeechStarted{})

	case "input_audio_buffer.speech_stopped":
		c.emit(SpeechStopped{})

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript != "" {
			c.emit(ResponseTranscriptDelta{Text: ev.Transcript, Speaker: SpeakerUser, Final: true})
		}

	case "response.created":
		if ev.Response != nil {
			c.mu.Lock()
			c.activeResponseID = ev.Response.ID
			c.cancelRequested = false
			c.mu.Unlock()
			c.emit(ResponseStarted{ResponseID: ev.Response.ID})
		}

	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.logger.Warn().Err(err).Msg("undecodable audio delta from upstream")
			return
		}
		c.emit(ResponseAudioDelta{ResponseID: ev.ResponseID, Audio: audio})

	case "response.audio_transcript.delta":
		if ev.Delta != "" {
			c.emit(ResponseTranscriptDelta{ResponseID: ev.ResponseID, Text: ev.Delta, Speaker: SpeakerAgent})
		}

	case "response.audio_transcript.done":
		if ev.Transcript != "" {
			c.emit(ResponseTranscriptDelta{ResponseID: ev.ResponseID, Text: ev.Transcript, Speaker: SpeakerAgent, Final: true})
		}

	case "response.done":
		if ev.Response != nil {
			c.mu.Lock()
			if c.activeResponseID == ev.Response.ID {
				c.activeResponseID = ""
				c.cancelRequested = false
			}
			c.mu.Unlock()
			if ev.Response.Status == "cancelled" {
				c.emit(ResponseCancelled{ResponseID: ev.Response.ID})
			} else {
				c.emit(ResponseCompleted{ResponseID: ev.Response.ID})
			}
		}

	case "error":
		if ev.Error == nil {
			return
		}
		// Cancelling with no response in flight is the idempotent no-op case,
		// not a fault worth surfacing.
		if strings.Contains(strings.ToLower(ev.Error.Message), "no active response") {
			c.logger.Debug().Str("message", ev.Error.Message).Msg("benign upstream error ignored")
			return
		}
		c.emit(ErrorEvent{Message: ev.Error.Message})
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
