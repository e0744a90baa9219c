package ws

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-voice-relay-service/internal/session"
)

// clientConn serializes outbound writes to one client connection and maps
// coordinator notifications onto the wire format. gorilla/websocket allows a
// single concurrent writer; the mutex covers the playback loop, the event
// pump and the read loop's direct replies.
type clientConn struct {
	conn      *websocket.Conn
	sessionID string
	logger    zerolog.Logger
	mu        sync.Mutex
}

func newClientConn(conn *websocket.Conn, sessionID string, logger zerolog.Logger) *clientConn {
	return &clientConn{conn: conn, sessionID: sessionID, logger: logger}
}

func (c *clientConn) send(msg outboundMessage) {
	msg.SessionID = c.sessionID
	msg.Timestamp = time.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug().Err(err).Str("type", msg.Type).Msg("client write failed")
	}
}

func (c *clientConn) Status(status string) {
	c.send(outboundMessage{Type: msgStatus, Status: status})
}

func (c *clientConn) SpeechStarted() {
	c.send(outboundMessage{Type: msgSpeechStarted})
}

func (c *clientConn) SpeechStopped() {
	c.send(outboundMessage{Type: msgSpeechStopped})
}

func (c *clientConn) UserTranscript(text string) {
	c.send(outboundMessage{Type: msgTranscript, Speaker: "user", Text: text})
}

func (c *clientConn) AgentTranscriptDelta(responseID, text string) {
	c.send(outboundMessage{Type: msgTranscriptDelta, ResponseID: responseID, Speaker: "agent", Text: text})
}

func (c *clientConn) ResponseText(responseID, text string) {
	c.send(outboundMessage{Type: msgResponseText, ResponseID: responseID, Text: text})
}

func (c *clientConn) AudioChunk(chunk session.PlaybackChunk) {
	c.send(outboundMessage{
		Type:       msgAudioChunk,
		ResponseID: chunk.ResponseID,
		Seq:        chunk.Seq,
		Audio:      base64.StdEncoding.EncodeToString(chunk.Audio),
	})
}

func (c *clientConn) AudioComplete(responseID string) {
	c.send(outboundMessage{Type: msgAudioComplete, ResponseID: responseID})
}

func (c *clientConn) ResponseDone(responseID string, cancelled bool) {
	c.send(outboundMessage{Type: msgResponseDone, ResponseID: responseID, Cancelled: cancelled})
}

func (c *clientConn) PlaybackStop() {
	c.send(outboundMessage{Type: msgPlaybackStop})
}

func (c *clientConn) Error(message string) {
	c.send(outboundMessage{Type: msgError, Message: message})
}

func (c *clientConn) sensitivityUpdated(threshold float64) {
	c.send(outboundMessage{Type: msgSensitivityUpdated, Threshold: &threshold})
}
