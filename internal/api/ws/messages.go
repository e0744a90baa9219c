package ws

// Client wire messages. One JSON object per WebSocket text frame, inbound
// and outbound, discriminated by type.

// Inbound message types.
const (
	msgSessionStart      = "session_start"
	msgAudioAppend       = "input_audio_buffer.append"
	msgInterrupt         = "interrupt"
	msgTextMessage       = "text_message"
	msgUpdateSensitivity = "update_sensitivity"
)

// Outbound message types.
const (
	msgStatus             = "status"
	msgSpeechStarted      = "speech_started"
	msgSpeechStopped      = "speech_stopped"
	msgTranscript         = "transcript"
	msgTranscriptDelta    = "response_transcript_delta"
	msgResponseText       = "response_text"
	msgAudioChunk         = "audio_chunk"
	msgAudioComplete      = "audio_complete"
	msgResponseDone       = "response_done"
	msgPlaybackStop       = "playback_stop"
	msgSensitivityUpdated = "sensitivity_updated"
	msgError              = "error"
)

type inboundMessage struct {
	Type      string  `json:"type"`
	Audio     string  `json:"audio,omitempty"`
	Text      string  `json:"text,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

type outboundMessage struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"sessionId,omitempty"`
	Status     string   `json:"status,omitempty"`
	ResponseID string   `json:"responseId,omitempty"`
	Seq        int      `json:"seq,omitempty"`
	Audio      string   `json:"audio,omitempty"`
	Text       string   `json:"text,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
	Cancelled  bool     `json:"cancelled,omitempty"`
	Threshold  *float64 `json:"threshold,omitempty"`
	Message    string   `json:"message,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}
