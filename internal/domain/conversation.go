package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Frame is one sample of engine output. The core stores frames without interpreting them.
type Frame struct {
	T          float64         `json:"t"`
	Positions  map[string]Vec2 `json:"positions"`
	Velocities map[string]Vec2 `json:"velocities,omitempty"`
	Forces     map[string]Vec2 `json:"forces,omitempty"`
}

type ToolCallStatus string

const (
	ToolCallOK    ToolCallStatus = "ok"
	ToolCallError ToolCallStatus = "error"
)

// ToolCallRecord is one audit log entry for an edit tool invocation.
type ToolCallRecord struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    ToolCallStatus  `json:"status"`
	Message   string          `json:"message"`
	At        time.Time       `json:"at"`
}

// ConversationRecord is the durable form of a conversation.
type ConversationRecord struct {
	ID        string           `json:"id"`
	ImageID   string           `json:"image_id,omitempty"`
	Image     *ImageMeta       `json:"image,omitempty"`
	Scene     Scene            `json:"scene"`
	History   []Snapshot       `json:"history"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Frames    []Frame          `json:"frames,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ConversationStore persists conversations beyond the in-memory registry.
// Implementations append history: snapshots already stored are never rewritten.
type ConversationStore interface {
	SaveConversation(ctx context.Context, rec *ConversationRecord) error
	LoadConversation(ctx context.Context, id string) (*ConversationRecord, error)
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context) ([]string, error)
	Close() error
}

// SimulationRequest parameterises one physics engine run.
type SimulationRequest struct {
	DurationS float64 `json:"duration_s"`
	FrameRate int     `json:"frame_rate"`
}
