package realtime

// Event is a typed server event received from the upstream speech model.
// Events are delivered in server emission order; no reordering or
// deduplication happens in this package.
type Event interface {
	eventType() string
}

// SpeechStarted signals that server-side VAD detected the start of user speech.
type SpeechStarted struct{}

func (SpeechStarted) eventType() string { return "speech_started" }

// SpeechStopped signals that server-side VAD detected the end of user speech.
type SpeechStopped struct{}

func (SpeechStopped) eventType() string { return "speech_stopped" }

// ResponseStarted signals that the model began generating a response.
type ResponseStarted struct {
	ResponseID string
}

func (ResponseStarted) eventType() string { return "response_started" }

// ResponseAudioDelta carries one chunk of model response audio.
type ResponseAudioDelta struct {
	ResponseID string
	Audio      []byte
}

func (ResponseAudioDelta) eventType() string { return "response_audio_delta" }

// Speaker identifies which side of the conversation a transcript belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// ResponseTranscriptDelta carries one text increment of a transcript.
// User transcripts arrive as a single completed delta; agent transcripts
// stream incrementally alongside the response audio.
type ResponseTranscriptDelta struct {
	ResponseID string
	Text       string
	Speaker    Speaker
	Final      bool
}

func (ResponseTranscriptDelta) eventType() string { return "response_transcript_delta" }

// ResponseCompleted signals that a response finished normally.
type ResponseCompleted struct {
	ResponseID string
}

func (ResponseCompleted) eventType() string { return "response_completed" }

// ResponseCancelled signals that a response was cancelled, typically after
// barge-in.
type ResponseCancelled struct {
	ResponseID string
}

func (ResponseCancelled) eventType() string { return "response_cancelled" }

// ErrorEvent carries an upstream error message. Benign errors (cancelling
// with no active response) are filtered before this is emitted.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) eventType() string { return "error" }
