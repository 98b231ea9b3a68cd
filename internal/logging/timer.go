// Package logging provides structured log helpers and per-operation timers.
package logging

import (
	"log/slog"
	"time"
)

// slowThreshold is the duration past which a completed operation is logged
// at warn level.
const slowThreshold = 5 * time.Second

// Timer measures a named operation.
type Timer struct {
	operation string
	start     time.Time
	attrs     []any
}

// StartTimer begins timing an operation. Extra attrs are slog key-value
// pairs attached to the completion entry.
func StartTimer(operation string, attrs ...any) *Timer {
	return &Timer{
		operation: operation,
		start:     time.Now(),
		attrs:     attrs,
	}
}

// Stop finishes the timer and logs the outcome: errors at error level, slow
// completions at warn, the rest at debug. It returns the elapsed duration.
func (t *Timer) Stop(err error) time.Duration {
	elapsed := time.Since(t.start)
	attrs := append([]any{"operation", t.operation, "duration_ms", elapsed.Milliseconds()}, t.attrs...)

	switch {
	case err != nil:
		attrs = append(attrs, "error", err)
		slog.Error("Operation failed", attrs...)
	case elapsed > slowThreshold:
		slog.Warn("Operation completed slowly", attrs...)
	default:
		slog.Debug("Operation completed", attrs...)
	}
	return elapsed
}
