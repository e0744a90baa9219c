// Package turn implements the conversation turn state machine. It is pure
// transition logic with no I/O: server events go in, a state change plus a
// set of effects comes out, and the caller (the session coordinator) carries
// the effects out against the transport and playback sink.
package turn

import (
	"fmt"
	"sync"

	"ai-voice-relay-service/internal/realtime"
)

// State is the turn state of one session. Exactly one is active at a time.
type State int

const (
	// StateIdle - nobody is speaking, no response in flight.
	StateIdle State = iota
	// StateUserSpeaking - server VAD reported user speech in progress.
	StateUserSpeaking
	// StateModelResponding - a model response is streaming.
	StateModelResponding
	// StateInterrupted - the user barged in; the active response is being
	// cancelled and its remaining audio is stale.
	StateInterrupted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateUserSpeaking:
		return "USER_SPEAKING"
	case StateModelResponding:
		return "MODEL_RESPONDING"
	case StateInterrupted:
		return "INTERRUPTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ResponseStream tracks one in-flight model response. At most one is active
// (neither completed nor cancelled) per session at any time.
type ResponseStream struct {
	ID        string
	Chunks    int
	Bytes     int64
	Completed bool
	Cancelled bool
}

// Active reports whether the stream is still open.
func (r *ResponseStream) Active() bool {
	return r != nil && !r.Completed && !r.Cancelled
}

// Effects tells the coordinator what to do after a transition. Effects are
// emitted synchronously on the transition edge; in particular CancelUpstream
// is set the instant barge-in is detected, before any acknowledgement.
type Effects struct {
	// CancelUpstream: send a response cancellation control message.
	CancelUpstream bool
	// FlushPlayback: drop buffered playback and tell the client to stop.
	FlushPlayback bool
	// ForwardAudio: the delta belongs to the active response, forward it.
	ForwardAudio bool
	// StaleAudio: the delta belongs to a superseded or unknown response.
	StaleAudio bool
	// ResponseOpened is the id of a newly opened response stream.
	ResponseOpened string
	// ResponseClosed is the id of a response stream that just closed.
	ResponseClosed string
	// ClosedCancelled marks whether the closed stream ended by cancellation.
	ClosedCancelled bool
	// ExpectResponse: the user finished a turn, a model response is expected.
	ExpectResponse bool
}

// Machine is the single serialization point for turn transitions within a
// session. Both the inbound-audio task and the upstream-event task may touch
// it; the mutex enforces the single-writer discipline.
//
// Transitions (driven only by server events or explicit disconnect, never by
// local timers):
//
//	IDLE ──SpeechStarted──→ USER_SPEAKING
//	USER_SPEAKING ──SpeechStopped──→ IDLE (response expected)
//	IDLE/USER_SPEAKING ──ResponseAudioDelta(new id)──→ MODEL_RESPONDING
//	MODEL_RESPONDING ──SpeechStarted──→ INTERRUPTED (cancel + flush)
//	INTERRUPTED ──ResponseCancelled──→ USER_SPEAKING
//	MODEL_RESPONDING ──ResponseCompleted──→ IDLE
type Machine struct {
	mu              sync.Mutex
	state           State
	active          *ResponseStream
	pendingResponse bool
	closed          map[string]struct{}
}

// NewMachine creates a machine in the idle state.
func NewMachine() *Machine {
	return &Machine{
		state:  StateIdle,
		closed: make(map[string]struct{}),
	}
}

// State returns the current turn state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveResponse returns a copy of the active response stream, if any.
func (m *Machine) ActiveResponse() (ResponseStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active.Active() {
		return ResponseStream{}, false
	}
	return *m.active, true
}

// Apply feeds one server event through the machine and returns the effects
// the caller must carry out. Transition application is atomic.
func (m *Machine) Apply(ev realtime.Event) Effects {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case realtime.SpeechStarted:
		return m.onSpeechStarted()
	case realtime.SpeechStopped:
		return m.onSpeechStopped()
	case realtime.ResponseStarted:
		return m.onResponseStarted(e)
	case realtime.ResponseAudioDelta:
		return m.onAudioDelta(e)
	case realtime.ResponseCompleted:
		return m.onResponseClosed(e.ResponseID, false)
	case realtime.ResponseCancelled:
		return m.onResponseClosed(e.ResponseID, true)
	default:
		return Effects{}
	}
}

// Interrupt forces a barge-in transition on an explicit client request.
// A no-op unless a response is streaming.
func (m *Machine) Interrupt() Effects {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateModelResponding {
		return Effects{}
	}
	m.state = StateInterrupted
	return Effects{CancelUpstream: true, FlushPlayback: true}
}

// Reset forces the machine back to idle, closing any active stream as
// cancelled. Used on client disconnect.
func (m *Machine) Reset() Effects {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fx Effects
	if m.active.Active() {
		m.active.Cancelled = true
		m.closed[m.active.ID] = struct{}{}
		fx.ResponseClosed = m.active.ID
		fx.ClosedCancelled = true
		fx.CancelUpstream = true
		m.active = nil
	}
	m.state = StateIdle
	m.pendingResponse = false
	return fx
}

func (m *Machine) onSpeechStarted() Effects {
	switch m.state {
	case StateIdle:
		m.state = StateUserSpeaking
		return Effects{}
	case StateModelResponding:
		// Barge-in: cancel immediately and flush, without waiting for the
		// cancellation to be acknowledged. Audio still in flight for the
		// superseded response is stale from this point on.
		m.state = StateInterrupted
		return Effects{CancelUpstream: true, FlushPlayback: true}
	default:
		return Effects{}
	}
}

func (m *Machine) onSpeechStopped() Effects {
	if m.state == StateUserSpeaking {
		m.state = StateIdle
		m.pendingResponse = true
		return Effects{ExpectResponse: true}
	}
	return Effects{}
}

func (m *Machine) onResponseStarted(e realtime.ResponseStarted) Effects {
	// response.created precedes the first audio delta; opening here keeps the
	// single-active invariant checkable before audio arrives.
	return m.openResponse(e.ResponseID)
}

func (m *Machine) onAudioDelta(e realtime.ResponseAudioDelta) Effects {
	if _, wasClosed := m.closed[e.ResponseID]; wasClosed {
		// In-flight chunk for a response already cancelled or completed.
		return Effects{StaleAudio: true}
	}

	switch m.state {
	case StateInterrupted:
		if m.active != nil && m.active.ID == e.ResponseID {
			// Superseded response still streaming; discard.
			return Effects{StaleAudio: true}
		}
		// A new response arrived before the cancellation acknowledgement.
		// Close the superseded stream so only one stays active.
		fx := m.forceCloseActive()
		open := m.openResponse(e.ResponseID)
		fx.ResponseOpened = open.ResponseOpened
		fx.ForwardAudio = true
		m.appendChunk(e)
		return fx

	case StateModelResponding:
		if m.active != nil && m.active.ID != e.ResponseID {
			return Effects{StaleAudio: true}
		}
		m.appendChunk(e)
		return Effects{ForwardAudio: true}

	case StateIdle, StateUserSpeaking:
		fx := m.openResponse(e.ResponseID)
		fx.ForwardAudio = true
		m.appendChunk(e)
		return fx

	default:
		return Effects{StaleAudio: true}
	}
}

func (m *Machine) onResponseClosed(responseID string, cancelled bool) Effects {
	if m.active == nil || (responseID != "" && m.active.ID != responseID) {
		return Effects{}
	}

	wasInterrupted := m.state == StateInterrupted
	if cancelled || wasInterrupted {
		m.active.Cancelled = true
	} else {
		m.active.Completed = true
	}
	m.closed[m.active.ID] = struct{}{}

	fx := Effects{
		ResponseClosed:  m.active.ID,
		ClosedCancelled: m.active.Cancelled,
	}
	m.active = nil

	if wasInterrupted {
		// The user was already speaking when the cancellation landed.
		m.state = StateUserSpeaking
	} else {
		m.state = StateIdle
	}
	return fx
}

func (m *Machine) openResponse(responseID string) Effects {
	if m.active.Active() {
		if m.active.ID == responseID {
			return Effects{}
		}
		// Responses are sequential, never concurrent: a new id while one is
		// active means the old one is dead upstream.
		fx := m.forceCloseActive()
		fx2 := m.openResponse(responseID)
		fx.ResponseOpened = fx2.ResponseOpened
		return fx
	}

	m.active = &ResponseStream{ID: responseID}
	m.pendingResponse = false
	m.state = StateModelResponding
	return Effects{ResponseOpened: responseID}
}

func (m *Machine) forceCloseActive() Effects {
	if m.active == nil {
		return Effects{}
	}
	m.active.Cancelled = true
	m.closed[m.active.ID] = struct{}{}
	fx := Effects{ResponseClosed: m.active.ID, ClosedCancelled: true}
	m.active = nil
	return fx
}

func (m *Machine) appendChunk(e realtime.ResponseAudioDelta) {
	if m.active != nil {
		m.active.Chunks++
		m.active.Bytes += int64(len(e.Audio))
	}
}
