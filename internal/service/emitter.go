package service

import (
	"context"
	"log/slog"
	"sync"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter — decouples services from their transport
// ─────────────────────────────────────────────────────────────

const (
	EventConversationCreated = "conversation:created"
	EventConversationDeleted = "conversation:deleted"
	EventConversationEvicted = "conversation:evicted"
	EventSceneUpdated        = "scene:updated"
	EventSimulationCompleted = "simulation:completed"
	EventBuildRound          = "build:round"
)

// EventEmitter receives state-change notifications. The MCP server forwards
// them to connected clients; the CLI logs them.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// LogEmitter writes every event to a structured logger.
type LogEmitter struct {
	Logger *slog.Logger
}

func (e LogEmitter) Emit(ctx context.Context, event string, data any) {
	l := e.Logger
	if l == nil {
		l = slog.Default()
	}
	l.DebugContext(ctx, "event", "name", event, "data", data)
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Count returns how many times event was emitted.
func (m *MockEmitter) Count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.Events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, any) {}
