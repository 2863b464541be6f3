package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"sceneforge/internal/domain"
)

// AuditLog appends one JSON line per tool call. The zero value discards.
type AuditLog struct {
	logger *slog.Logger
	closer io.Closer
}

// OpenAuditLog opens path for appending. An empty path yields a log that
// discards everything.
func OpenAuditLog(path string) (*AuditLog, error) {
	if path == "" {
		return &AuditLog{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewAuditLog(f), nil
}

// NewAuditLog writes JSON lines to w. If w is an io.Closer, Close closes it.
func NewAuditLog(w io.Writer) *AuditLog {
	a := &AuditLog{logger: slog.New(slog.NewJSONHandler(w, nil))}
	if c, ok := w.(io.Closer); ok {
		a.closer = c
	}
	return a
}

func (a *AuditLog) Record(ctx context.Context, conversationID string, rec domain.ToolCallRecord) {
	if a == nil || a.logger == nil {
		return
	}
	level := slog.LevelInfo
	if rec.Status == domain.ToolCallError {
		level = slog.LevelWarn
	}
	a.logger.Log(ctx, level, "tool_call",
		"conversation", conversationID,
		"id", rec.ID,
		"tool", rec.Tool,
		"status", string(rec.Status),
		"message", rec.Message,
		"arguments", string(rec.Arguments),
	)
}

func (a *AuditLog) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
