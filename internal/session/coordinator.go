// Package session orchestrates one client conversation end to end: inbound
// audio frames toward the upstream model, upstream events through the turn
// machine, playback audio and transcripts back to the client.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-relay-service/internal/audio"
	"ai-voice-relay-service/internal/config"
	"ai-voice-relay-service/internal/events"
	"ai-voice-relay-service/internal/models"
	"ai-voice-relay-service/internal/observability/logging"
	"ai-voice-relay-service/internal/observability/metrics"
	"ai-voice-relay-service/internal/realtime"
	"ai-voice-relay-service/internal/recorder"
	"ai-voice-relay-service/internal/turn"
)

// Session status values reported to the client.
const (
	StatusConnecting  = "connecting"
	StatusConnected   = "connected"
	StatusListening   = "listening"
	StatusResponding  = "responding"
	StatusInterrupted = "interrupted"
	StatusError       = "error"
)

// Transcript event types carried on the Kafka topics.
const (
	transcriptPartialType = "conversation.transcript.partial"
	transcriptFinalType   = "conversation.transcript.final"
)

// Upstream is the control surface of the remote model session the
// coordinator drives. *realtime.Client implements it.
type Upstream interface {
	SendAudio(frame []byte)
	DroppedFrames() uint64
	Events() <-chan realtime.Event
	CancelActiveResponse()
	Reconfigure(realtime.SessionConfig) error
	SendText(text string) error
	SendGreeting(text string) error
	Close() error
}

// PlaybackChunk is one chunk of model response audio delivered to the
// client. Seq increases monotonically within a response, starting at 1.
type PlaybackChunk struct {
	ResponseID string
	Seq        int
	Audio      []byte
}

// Notifier delivers outbound session events to the connected client. Calls
// arrive from the coordinator's internal goroutines; implementations must be
// safe for concurrent use and must not block indefinitely.
type Notifier interface {
	Status(status string)
	SpeechStarted()
	SpeechStopped()
	UserTranscript(text string)
	AgentTranscriptDelta(responseID, text string)
	ResponseText(responseID, text string)
	AudioChunk(chunk PlaybackChunk)
	AudioComplete(responseID string)
	ResponseDone(responseID string, cancelled bool)
	PlaybackStop()
	Error(message string)
}

// playbackItem flows through the bounded playback queue. gen stamps the
// flush generation the item belongs to; a flush invalidates older items.
type playbackItem struct {
	gen        uint64
	responseID string
	seq        int
	audio      []byte
	complete   bool
}

// Coordinator owns one client session: the turn machine, the playback queue,
// transcript accumulation and the upstream control surface. One coordinator
// per connection; none of it is shared across sessions.
type Coordinator struct {
	id       string
	upstream Upstream
	notifier Notifier
	rec      recorder.Sink
	pub      *events.Publisher
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	machine  *turn.Machine

	playback chan playbackItem
	playGen  atomic.Uint64
	seq      int

	started   atomic.Bool
	startedAt time.Time
	done      chan struct{}
	pumpDone  chan struct{}
	playDone  chan struct{}
	closeOnce sync.Once

	throttle    errorThrottle
	droppedSeen uint64

	mu            sync.Mutex
	cfg           config.SessionConfig
	lastStatus    string
	agentRespID   string
	agentText     strings.Builder
	agentHasFinal bool
}

// New creates a coordinator for one client connection. The recorder sink may
// be nil when recording is disabled.
func New(id string, cfg config.SessionConfig, up Upstream, n Notifier, rec recorder.Sink, pub *events.Publisher) *Coordinator {
	if rec == nil {
		rec = recorder.Nop{}
	}
	queueSize := cfg.PlaybackQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	window := cfg.ErrorWindow
	if window <= 0 {
		window = time.Second
	}

	return &Coordinator{
		id:       id,
		cfg:      cfg,
		upstream: up,
		notifier: n,
		rec:      rec,
		pub:      pub,
		metrics:  metrics.DefaultMetrics,
		logger:   logging.WithSession(id).With().Str("component", "session").Logger(),
		machine:  turn.NewMachine(),
		playback: make(chan playbackItem, queueSize),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		playDone: make(chan struct{}),
		throttle: errorThrottle{window: window},
	}
}

// RealtimeConfig maps a session configuration snapshot onto the upstream
// protocol configuration.
func RealtimeConfig(cfg config.SessionConfig) realtime.SessionConfig {
	return realtime.SessionConfig{
		Voice:             cfg.Voice,
		Instructions:      cfg.SystemPrompt,
		VADThreshold:      cfg.VADThreshold,
		PrefixPaddingMS:   cfg.PrefixPaddingMS,
		SilenceDurationMS: cfg.SilenceDurationMS,
		InputLanguage:     cfg.InputLanguage,
	}
}

// Start begins the session: greeting, playback loop and upstream event pump.
// Must be called exactly once, before any frames are handled.
func (s *Coordinator) Start() {
	s.started.Store(true)
	s.startedAt = time.Now()
	s.metrics.RecordSessionStart()
	s.setStatus(StatusConnected)

	s.mu.Lock()
	greeting := s.cfg.Greeting
	s.mu.Unlock()
	if greeting != "" {
		if err := s.upstream.SendGreeting(greeting); err != nil {
			s.logger.Warn().Err(err).Msg("failed to send greeting")
		}
	}

	go s.playbackLoop()
	go s.pump()
	s.logger.Info().Msg("session started")
}

// Done is closed when the upstream event stream ends, whether by teardown or
// by the transport dying. The transport owner uses it to tear the client
// connection down.
func (s *Coordinator) Done() <-chan struct{} {
	return s.pumpDone
}

// HandleFrame relays one raw pcm16 frame from the client. Malformed frames
// are dropped and counted; valid frames go to the recorder and upstream.
// Never blocks the caller.
func (s *Coordinator) HandleFrame(frame []byte) {
	s.metrics.RecordFrameReceived(len(frame))

	if err := audio.Validate(frame); err != nil {
		s.metrics.RecordMalformedFrame()
		s.logger.Debug().Int("bytes", len(frame)).Msg("malformed audio frame dropped")
		return
	}

	s.rec.Append(frame)
	s.upstream.SendAudio(frame)

	if dropped := s.upstream.DroppedFrames(); dropped > s.droppedSeen {
		for i := s.droppedSeen; i < dropped; i++ {
			s.metrics.RecordFrameDropped()
		}
		s.droppedSeen = dropped
		return
	}
	s.metrics.RecordFrameForwarded()
}

// HandleText submits typed text from the client as a user turn.
func (s *Coordinator) HandleText(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.notifier.UserTranscript(text)
	s.publishFinal("", realtime.SpeakerUser, text, false)
	return s.upstream.SendText(text)
}

// Interrupt handles an explicit interrupt request from the client. It runs
// the same edge as a detected barge-in: cancel the active response and flush
// pending playback.
func (s *Coordinator) Interrupt() {
	fx := s.machine.Interrupt()
	if fx.CancelUpstream {
		s.logger.Info().Msg("client interrupt")
	}
	s.applyEffects(fx, nil)
	s.syncStatus()
}

// UpdateSensitivity applies a new VAD threshold to the live session. The
// value is clamped to [0,1] and the full session snapshot is re-sent
// upstream. Returns the threshold actually applied.
func (s *Coordinator) UpdateSensitivity(threshold float64) (float64, error) {
	clamped := config.ClampThreshold(threshold)

	s.mu.Lock()
	s.cfg.VADThreshold = clamped
	rc := RealtimeConfig(s.cfg)
	s.mu.Unlock()

	if err := s.upstream.Reconfigure(rc); err != nil {
		return clamped, err
	}
	s.logger.Info().Float64("threshold", clamped).Msg("vad sensitivity updated")
	return clamped, nil
}

// Close tears the session down deterministically: close the active response
// stream, stop the pumps, close the upstream transport and flush the
// recorder. Safe to call from any exit path and more than once.
func (s *Coordinator) Close() {
	s.closeOnce.Do(func() {
		fx := s.machine.Reset()
		if fx.ResponseClosed != "" {
			s.metrics.RecordResponseClosed(true)
			s.publishAgentFinal(fx.ResponseClosed, true)
		}

		close(s.done)
		_ = s.upstream.Close()

		if s.started.Load() {
			<-s.pumpDone
			<-s.playDone
			s.metrics.RecordSessionEnd(time.Since(s.startedAt).Seconds())
		}
		s.rec.Close()

		if dropped := s.upstream.DroppedFrames(); dropped > 0 {
			s.logger.Info().Uint64("droppedFrames", dropped).Msg("frames dropped during session")
		}
		if s.throttle.suppressed > 0 {
			s.logger.Info().Uint64("suppressedErrors", s.throttle.suppressed).Msg("transient errors coalesced during session")
		}
		s.logger.Info().Msg("session closed")
	})
}

func (s *Coordinator) pump() {
	defer close(s.pumpDone)
	for ev := range s.upstream.Events() {
		s.handleEvent(ev)
	}

	select {
	case <-s.done:
	default:
		s.logger.Warn().Msg("upstream event stream closed")
		s.metrics.RecordSessionFailed("upstream_closed")
		s.notifier.Error("upstream connection lost")
		s.setStatus(StatusError)
	}
}

func (s *Coordinator) handleEvent(ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.SpeechStarted:
		s.metrics.RecordUpstreamEvent("speech_started")
		s.notifier.SpeechStarted()
		s.applyEffects(s.machine.Apply(e), nil)

	case realtime.SpeechStopped:
		s.metrics.RecordUpstreamEvent("speech_stopped")
		s.notifier.SpeechStopped()
		s.applyEffects(s.machine.Apply(e), nil)

	case realtime.ResponseStarted:
		s.metrics.RecordUpstreamEvent("response_started")
		s.applyEffects(s.machine.Apply(e), nil)

	case realtime.ResponseAudioDelta:
		s.metrics.RecordUpstreamEvent("response_audio_delta")
		s.applyEffects(s.machine.Apply(e), &e)

	case realtime.ResponseTranscriptDelta:
		s.metrics.RecordUpstreamEvent("response_transcript_delta")
		s.handleTranscript(e)

	case realtime.ResponseCompleted:
		s.metrics.RecordUpstreamEvent("response_completed")
		s.applyEffects(s.machine.Apply(e), nil)

	case realtime.ResponseCancelled:
		s.metrics.RecordUpstreamEvent("response_cancelled")
		s.applyEffects(s.machine.Apply(e), nil)

	case realtime.ErrorEvent:
		s.metrics.RecordUpstreamEvent("error")
		s.handleUpstreamError(e)
	}

	s.syncStatus()
}

// applyEffects carries out the turn machine's verdict. Order matters: a
// superseded stream closes before its successor opens, and cancellation goes
// out before anything else.
func (s *Coordinator) applyEffects(fx turn.Effects, delta *realtime.ResponseAudioDelta) {
	if fx.CancelUpstream {
		s.upstream.CancelActiveResponse()
	}
	if fx.FlushPlayback {
		s.metrics.RecordBargeIn()
		s.flushPlayback()
	}
	if fx.ResponseClosed != "" {
		s.closeResponse(fx.ResponseClosed, fx.ClosedCancelled)
	}
	if fx.ResponseOpened != "" {
		s.openResponse(fx.ResponseOpened)
	}
	if fx.StaleAudio {
		s.metrics.RecordStaleChunk()
	}
	if fx.ForwardAudio && delta != nil {
		s.seq++
		s.enqueuePlayback(playbackItem{
			responseID: delta.ResponseID,
			seq:        s.seq,
			audio:      delta.Audio,
		})
	}
}

func (s *Coordinator) openResponse(id string) {
	s.metrics.RecordResponseOpened()
	s.seq = 0

	s.mu.Lock()
	s.agentRespID = id
	s.agentText.Reset()
	s.agentHasFinal = false
	s.mu.Unlock()

	s.logger.Debug().Str("responseId", id).Msg("response opened")
}

func (s *Coordinator) closeResponse(id string, cancelled bool) {
	s.metrics.RecordResponseClosed(cancelled)
	// The completion marker rides the playback queue so it lands after the
	// last audio chunk of the response.
	s.enqueuePlayback(playbackItem{responseID: id, complete: true})
	s.publishAgentFinal(id, cancelled)
	s.notifier.ResponseDone(id, cancelled)
	s.logger.Debug().Str("responseId", id).Bool("cancelled", cancelled).Msg("response closed")
}

func (s *Coordinator) handleTranscript(e realtime.ResponseTranscriptDelta) {
	if e.Speaker == realtime.SpeakerUser {
		s.notifier.UserTranscript(e.Text)
		s.publishFinal("", realtime.SpeakerUser, e.Text, false)
		return
	}

	s.mu.Lock()
	if s.agentRespID == "" && e.ResponseID != "" {
		s.agentRespID = e.ResponseID
	}
	match := e.ResponseID == "" || e.ResponseID == s.agentRespID
	if match {
		if e.Final {
			// The done transcript is authoritative; it replaces whatever the
			// deltas accumulated.
			s.agentText.Reset()
			s.agentText.WriteString(e.Text)
			s.agentHasFinal = true
		} else if !s.agentHasFinal {
			s.agentText.WriteString(e.Text)
		}
	}
	s.mu.Unlock()

	if !match {
		return
	}
	if e.Final {
		s.notifier.ResponseText(e.ResponseID, e.Text)
		return
	}
	s.notifier.AgentTranscriptDelta(e.ResponseID, e.Text)
	s.publishPartial(e.ResponseID, realtime.SpeakerAgent, e.Text)
}

func (s *Coordinator) handleUpstreamError(e realtime.ErrorEvent) {
	s.metrics.RecordUpstreamError("transient")
	if s.throttle.allow(time.Now()) {
		s.metrics.RecordThrottledError(true)
		s.notifier.Error(e.Message)
		s.logger.Warn().Str("message", e.Message).Msg("upstream error surfaced")
		return
	}
	s.metrics.RecordThrottledError(false)
	s.logger.Debug().Str("message", e.Message).Msg("upstream error throttled")
}

// publishAgentFinal emits the accumulated agent transcript for a closed
// response, honoring the interrupted-transcript policy.
func (s *Coordinator) publishAgentFinal(id string, cancelled bool) {
	s.mu.Lock()
	var text string
	if s.agentRespID == id {
		text = s.agentText.String()
		s.agentText.Reset()
		s.agentRespID = ""
		s.agentHasFinal = false
	}
	discard := cancelled && s.cfg.InterruptedTranscript == config.InterruptedTranscriptDiscard
	s.mu.Unlock()

	if text == "" {
		return
	}
	if discard {
		s.logger.Debug().Str("responseId", id).Msg("interrupted transcript discarded")
		return
	}
	s.publishFinal(id, realtime.SpeakerAgent, text, cancelled)
}

func (s *Coordinator) publishPartial(responseID string, speaker realtime.Speaker, text string) {
	if s.pub == nil {
		return
	}
	partial := models.TranscriptPartial{
		EventType:  transcriptPartialType,
		SessionID:  s.id,
		ResponseID: responseID,
		Speaker:    string(speaker),
		Text:       text,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := s.pub.PublishPartial(context.Background(), s.id, partial); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish partial transcript")
	}
}

func (s *Coordinator) publishFinal(responseID string, speaker realtime.Speaker, text string, interrupted bool) {
	if s.pub == nil {
		return
	}
	final := models.TranscriptFinal{
		EventType:   transcriptFinalType,
		SessionID:   s.id,
		ResponseID:  responseID,
		Speaker:     string(speaker),
		Text:        text,
		Interrupted: interrupted,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := s.pub.PublishFinal(context.Background(), s.id, final); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish final transcript")
	}
}

// enqueuePlayback adds an item to the bounded playback queue, evicting the
// oldest entry when the queue is full. Evicting beats blocking: a stalled
// client must never back-pressure the event pump.
func (s *Coordinator) enqueuePlayback(item playbackItem) {
	item.gen = s.playGen.Load()
	for {
		select {
		case s.playback <- item:
			return
		default:
		}
		select {
		case old := <-s.playback:
			if !old.complete {
				s.metrics.RecordPlaybackChunk(len(old.audio), true)
			}
		default:
		}
	}
}

func (s *Coordinator) playbackLoop() {
	defer close(s.playDone)
	for {
		select {
		case item := <-s.playback:
			if item.gen != s.playGen.Load() {
				if !item.complete {
					s.metrics.RecordPlaybackChunk(len(item.audio), true)
				}
				continue
			}
			if item.complete {
				s.notifier.AudioComplete(item.responseID)
				continue
			}
			s.notifier.AudioChunk(PlaybackChunk{
				ResponseID: item.responseID,
				Seq:        item.seq,
				Audio:      item.audio,
			})
			s.metrics.RecordPlaybackChunk(len(item.audio), false)
		case <-s.done:
			return
		}
	}
}

// flushPlayback invalidates everything queued and tells the client to stop
// whatever it is playing. Bumping the generation first closes the window
// where the playback loop could deliver an already-dequeued stale chunk.
func (s *Coordinator) flushPlayback() {
	s.playGen.Add(1)
	for {
		select {
		case item := <-s.playback:
			if !item.complete {
				s.metrics.RecordPlaybackChunk(len(item.audio), true)
			}
		default:
			s.notifier.PlaybackStop()
			return
		}
	}
}

func (s *Coordinator) syncStatus() {
	s.setStatus(statusFor(s.machine.State()))
}

func statusFor(st turn.State) string {
	switch st {
	case turn.StateUserSpeaking:
		return StatusListening
	case turn.StateModelResponding:
		return StatusResponding
	case turn.StateInterrupted:
		return StatusInterrupted
	default:
		return StatusConnected
	}
}

func (s *Coordinator) setStatus(status string) {
	s.mu.Lock()
	changed := status != s.lastStatus
	if changed {
		s.lastStatus = status
	}
	s.mu.Unlock()
	if changed {
		s.notifier.Status(status)
	}
}
