// Package ws is the client-facing WebSocket endpoint. Each connection is one
// conversation session: JSON control messages and base64 pcm16 audio in,
// status, transcripts and response audio out.
package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-voice-relay-service/internal/config"
	"ai-voice-relay-service/internal/events"
	"ai-voice-relay-service/internal/observability/logging"
	"ai-voice-relay-service/internal/observability/metrics"
	"ai-voice-relay-service/internal/realtime"
	"ai-voice-relay-service/internal/recorder"
	"ai-voice-relay-service/internal/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
)

// dialFunc opens the upstream model session. Swappable in tests.
type dialFunc func(ctx context.Context, cfg realtime.DialConfig, logger zerolog.Logger) (session.Upstream, error)

// Handler upgrades client connections and runs one session per connection.
type Handler struct {
	cfg      *config.Config
	pub      *events.Publisher
	dial     dialFunc
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewHandler creates the WebSocket session handler.
func NewHandler(cfg *config.Config, pub *events.Publisher) *Handler {
	return &Handler{
		cfg: cfg,
		pub: pub,
		dial: func(ctx context.Context, dc realtime.DialConfig, logger zerolog.Logger) (session.Upstream, error) {
			return realtime.Dial(ctx, dc, logger)
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logging.WithComponent("ws"),
		metrics: metrics.DefaultMetrics,
	}
}

// Register mounts the session endpoint on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/ws", h.handleSession)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()
	logger := logging.WithSession(sessionID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")
	client := newClientConn(conn, sessionID, logger)
	client.Status(session.StatusConnecting)

	up, err := h.dial(r.Context(), h.dialConfig(), logger)
	if err != nil {
		reason := dialFailureReason(err)
		logger.Error().Err(err).Msg("upstream dial failed")
		h.metrics.RecordUpstreamDialFailed(reason)
		h.metrics.RecordSessionFailed(reason)
		client.Error(userFacingDialError(err))
		client.Status(session.StatusError)
		return
	}

	var rec recorder.Sink = recorder.Nop{}
	if h.cfg.Recording.Enabled {
		rec = recorder.NewWAV(h.cfg.Recording.Dir, sessionID, h.cfg.Session.SampleRate)
	}

	coord := session.New(sessionID, h.cfg.Session, up, client, rec, h.pub)
	defer coord.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// When the upstream event stream ends, close the socket so the read
	// loop unblocks and the session tears down.
	go func() {
		select {
		case <-coord.Done():
			conn.Close()
		case <-ctx.Done():
		}
	}()
	go h.pingLoop(ctx, conn)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	h.readLoop(conn, client, coord, logger)
	logger.Info().Msg("client disconnected")
}

func (h *Handler) dialConfig() realtime.DialConfig {
	return realtime.DialConfig{
		Provider:       h.cfg.Upstream.Provider,
		Endpoint:       h.cfg.Upstream.Endpoint,
		APIKey:         h.cfg.Upstream.APIKey,
		Model:          h.cfg.Upstream.Model,
		Deployment:     h.cfg.Upstream.Deployment,
		APIVersion:     h.cfg.Upstream.APIVersion,
		ConnectTimeout: h.cfg.Upstream.ConnectTimeout,
		Session:        session.RealtimeConfig(h.cfg.Session),
	}
}

func (h *Handler) readLoop(conn *websocket.Conn, client *clientConn, coord *session.Coordinator, logger zerolog.Logger) {
	started := false
	start := func() {
		if !started {
			started = true
			coord.Start()
		}
	}

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("client read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch msg.Type {
		case msgSessionStart:
			start()

		case msgAudioAppend:
			// Audio before an explicit session_start still starts the session;
			// older clients never send the explicit message.
			start()
			frame, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				h.metrics.RecordMalformedFrame()
				logger.Debug().Msg("undecodable audio payload dropped")
				continue
			}
			coord.HandleFrame(frame)

		case msgInterrupt:
			coord.Interrupt()

		case msgTextMessage:
			start()
			if err := coord.HandleText(msg.Text); err != nil {
				client.Error("failed to submit text message")
			}

		case msgUpdateSensitivity:
			applied, err := coord.UpdateSensitivity(msg.Threshold)
			if err != nil {
				client.Error("failed to update sensitivity")
				continue
			}
			client.sensitivityUpdated(applied)

		default:
			client.Error("unsupported message type: " + msg.Type)
		}
	}
}

func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func dialFailureReason(err error) string {
	if errors.Is(err, realtime.ErrUpstreamAuth) {
		return "auth"
	}
	return "unavailable"
}

func userFacingDialError(err error) string {
	if errors.Is(err, realtime.ErrUpstreamAuth) {
		return "upstream rejected credentials"
	}
	return "upstream speech model unavailable"
}
