package logging

import (
	"log/slog"
	"time"
)

// Level mirrors the log levels used across the orchestrator.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Entry is a structured log record. Optional fields stay empty rather than
// carrying zero values into the output.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Service   string         `json:"service"`
	Message   string         `json:"message"`
	UserID    int64          `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Emit writes the entry through the default slog logger. Critical entries
// are emitted at error level with an explicit critical marker.
func (e Entry) Emit() {
	attrs := []any{"service", e.Service}
	if e.UserID != 0 {
		attrs = append(attrs, "user_id", e.UserID)
	}
	if e.SessionID != "" {
		attrs = append(attrs, "session_id", e.SessionID)
	}
	if e.RequestID != "" {
		attrs = append(attrs, "request_id", e.RequestID)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	for k, v := range e.Metadata {
		attrs = append(attrs, k, v)
	}

	switch e.Level {
	case LevelDebug:
		slog.Debug(e.Message, attrs...)
	case LevelWarn:
		slog.Warn(e.Message, attrs...)
	case LevelError:
		slog.Error(e.Message, attrs...)
	case LevelCritical:
		attrs = append(attrs, "critical", true)
		slog.Error(e.Message, attrs...)
	default:
		slog.Info(e.Message, attrs...)
	}
}
