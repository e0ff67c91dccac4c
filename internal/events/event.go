package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypePipelineFinished is emitted once per inbound message.
	EventTypePipelineFinished = "relay.pipeline.finished"
)

// PipelineEvent describes how one inbound message was handled.
type PipelineEvent struct {
	SchemaVersion  int       `json:"schema_version"`
	EventType      string    `json:"event_type"`
	EventID        string    `json:"event_id"`
	EmittedAt      time.Time `json:"emitted_at"`
	ConversationID string    `json:"conversation_id"`
	TraceID        string    `json:"trace_id"`
	MessageKind    string    `json:"message_kind"`
	State          string    `json:"state"`
	AbortedAt      string    `json:"aborted_at,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	ChunkCount     int       `json:"chunk_count,omitempty"`
}

// NewPipelineEvent fills in the envelope fields.
func NewPipelineEvent(conversationID, traceID string) *PipelineEvent {
	return &PipelineEvent{
		SchemaVersion:  SchemaVersionV1,
		EventType:      EventTypePipelineFinished,
		EventID:        uuid.NewString(),
		EmittedAt:      time.Now().UTC(),
		ConversationID: conversationID,
		TraceID:        traceID,
	}
}
