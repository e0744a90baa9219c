// Package recorder persists raw session audio to WAV files. It sits behind
// a push interface off the hot path: appends never block, failures are
// logged and never propagated to the relay.
package recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-relay-service/internal/observability/logging"
)

// Sink receives raw frame bytes, fire-and-forget.
type Sink interface {
	// Append accepts one raw pcm16 frame. Must not block.
	Append(frame []byte)
	// Close flushes whatever was captured. Idempotent.
	Close()
}

// Nop is the sink used when recording is disabled.
type Nop struct{}

func (Nop) Append([]byte) {}
func (Nop) Close()        {}

const appendQueueSize = 512

// WAV buffers inbound frames on a dedicated goroutine and writes a single
// 16-bit mono WAV file when the session closes.
type WAV struct {
	dir        string
	sessionID  string
	sampleRate int
	startedAt  time.Time
	logger     zerolog.Logger

	mu     sync.Mutex
	closed bool
	frames chan []byte
	done   chan struct{}
	buf    bytes.Buffer
}

// NewWAV creates a recorder for one session. The directory is created if
// missing; on failure a warning is logged and appends become no-ops.
func NewWAV(dir, sessionID string, sampleRate int) *WAV {
	w := &WAV{
		dir:        dir,
		sessionID:  sessionID,
		sampleRate: sampleRate,
		startedAt:  time.Now(),
		logger:     logging.WithComponent("recorder").With().Str("sessionId", sessionID).Logger(),
		frames:     make(chan []byte, appendQueueSize),
		done:       make(chan struct{}),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Warn().Err(err).Str("dir", dir).Msg("cannot create recordings directory, recording disabled")
		w.closed = true
		close(w.done)
		return w
	}

	go w.drain()
	return w
}

// Append queues one raw frame. Frames arriving faster than the drain loop
// can buffer them are dropped; a gap in a diagnostic recording beats a
// stalled conversation.
func (w *WAV) Append(frame []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	copied := make([]byte, len(frame))
	copy(copied, frame)
	select {
	case w.frames <- copied:
	default:
	}
}

func (w *WAV) drain() {
	defer close(w.done)
	for frame := range w.frames {
		w.buf.Write(frame)
	}
}

// Close stops accepting frames and writes the WAV file.
func (w *WAV) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.frames)
	w.mu.Unlock()
	<-w.done

	if w.buf.Len() == 0 {
		return
	}

	name := fmt.Sprintf("recording_%s_%s.wav", w.startedAt.Format("20060102_150405"), w.sessionID)
	path := filepath.Join(w.dir, name)

	if err := os.WriteFile(path, wavFile(w.buf.Bytes(), w.sampleRate), 0o644); err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("failed to save recording")
		return
	}

	duration := float64(w.buf.Len()) / float64(w.sampleRate*2)
	w.logger.Info().
		Str("path", path).
		Float64("durationSeconds", duration).
		Msg("recording saved")
}

// wavFile wraps raw pcm16 mono data in a RIFF/WAVE container.
func wavFile(pcm []byte, sampleRate int) []byte {
	var out bytes.Buffer
	dataLen := uint32(len(pcm))
	byteRate := uint32(sampleRate * 2)

	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, 36+dataLen)
	out.WriteString("WAVE")
	out.WriteString("fmt ")
	binary.Write(&out, binary.LittleEndian, uint32(16))
	binary.Write(&out, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&out, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&out, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&out, binary.LittleEndian, byteRate)
	binary.Write(&out, binary.LittleEndian, uint16(2))  // block align
	binary.Write(&out, binary.LittleEndian, uint16(16)) // bits per sample
	out.WriteString("data")
	binary.Write(&out, binary.LittleEndian, dataLen)
	out.Write(pcm)
	return out.Bytes()
}
