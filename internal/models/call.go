package models

import (
	"time"

	"github.com/google/uuid"
)

// CallState is the lifecycle state of a bridged call session.
type CallState string

const (
	CallStateInitiated CallState = "INITIATED"
	CallStateConnected CallState = "CONNECTED"
	CallStateStreaming CallState = "STREAMING"
	CallStateEnded     CallState = "ENDED"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerUser  Speaker = "user"
)

// TranscriptEntry is one finalized utterance.
type TranscriptEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallMetrics holds per-call counters. Observability only.
type CallMetrics struct {
	AudioFromTelephony int64 `json:"audio_from_telephony"`
	AudioToEngine      int64 `json:"audio_to_engine"`
	AudioFromEngine    int64 `json:"audio_from_engine"`
	AudioToTelephony   int64 `json:"audio_to_telephony"`
	AgentUtterances    int64 `json:"agent_utterances"`
	UserUtterances     int64 `json:"user_utterances"`
	Interruptions      int64 `json:"interruptions"`
	DroppedChunks      int64 `json:"dropped_chunks"`
}

// CallRecord is the persisted (and API-facing) view of a call session.
type CallRecord struct {
	ID               uuid.UUID         `json:"id"`
	CallID           string            `json:"call_id"`
	StreamID         string            `json:"stream_id,omitempty"`
	ConversationID   string            `json:"conversation_id,omitempty"`
	State            CallState         `json:"state"`
	EndReason        string            `json:"end_reason,omitempty"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
	Metrics          CallMetrics       `json:"metrics"`
	Transcript       []TranscriptEntry `json:"transcript"`
	TranscriptURL    string            `json:"transcript_url,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          *time.Time        `json:"ended_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at,omitempty"`
}

// Duration returns how long the call lasted, or has lasted so far.
func (r *CallRecord) Duration(now time.Time) time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}
