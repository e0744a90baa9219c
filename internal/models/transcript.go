// Package models defines the data structures for transcript events.
package models

// TranscriptPartial is one streamed text increment of a conversation turn.
// Agent transcripts arrive as many partials per response; user transcripts
// usually arrive finalized in one piece.
type TranscriptPartial struct {
	EventType  string `json:"eventType"`
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId,omitempty"`
	Speaker    string `json:"speaker"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
}

// TranscriptFinal is the completed transcript of one conversation turn.
// Interrupted marks agent turns cut short by barge-in; whether those are
// published at all is governed by the interrupted-transcript policy.
type TranscriptFinal struct {
	EventType   string `json:"eventType"`
	SessionID   string `json:"sessionId"`
	ResponseID  string `json:"responseId,omitempty"`
	Speaker     string `json:"speaker"`
	Text        string `json:"text"`
	Interrupted bool   `json:"interrupted,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}
