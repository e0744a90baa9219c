package realtime

import "encoding/json"

// Wire message types for the realtime speech protocol. Outbound control
// messages configure the session and manage responses; outbound data
// messages carry base64 pcm16 audio. Inbound messages are decoded into the
// typed events in events.go.

// SessionConfig is the immutable per-session configuration snapshot sent
// upstream in a session.update control message.
type SessionConfig struct {
	Voice             string
	Instructions      string
	VADThreshold      float64
	PrefixPaddingMS   int
	SilenceDurationMS int
	InputLanguage     string
}

type sessionUpdate struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities              []string          `json:"modalities,omitempty"`
	Instructions            string            `json:"instructions,omitempty"`
	Voice                   string            `json:"voice,omitempty"`
	InputAudioFormat        string            `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string            `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionCfg `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionCfg `json:"turn_detection,omitempty"`
}

type transcriptionCfg struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetectionCfg struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type responseCancel struct {
	Type string `json:"type"`
}

type conversationItemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreate struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Modalities []string `json:"modalities,omitempty"`
}

// serverEvent is the envelope for every inbound message. Only the fields
// relevant to the relay are decoded; everything else is ignored.
type serverEvent struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	ResponseID string          `json:"response_id,omitempty"`
	Response   *serverResponse `json:"response,omitempty"`
	Error      *serverError    `json:"error,omitempty"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func marshalSessionUpdate(cfg SessionConfig) ([]byte, error) {
	msg := sessionUpdate{
		Type: "session.update",
		Session: sessionPayload{
			Modalities:        []string{"text", "audio"},
			Instructions:      cfg.Instructions,
			Voice:             cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			InputAudioTranscription: &transcriptionCfg{
				Model:    "whisper-1",
				Language: cfg.InputLanguage,
			},
			TurnDetection: &turnDetectionCfg{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				PrefixPaddingMS:   cfg.PrefixPaddingMS,
				SilenceDurationMS: cfg.SilenceDurationMS,
			},
		},
	}
	return json.Marshal(msg)
}
