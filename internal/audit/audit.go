// Package audit is the write-only boundary to the external specification /
// audit trail. The executor appends a change note after every terminal step
// transition; failures to write are logged and never fail the step.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// ChangeNote is one appended audit entry.
type ChangeNote struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Note      string    `json:"note"`
}

// Trail receives change notes for a target document. Implementations are
// external; the core treats the trail as fire-and-forget.
type Trail interface {
	AppendChangeNote(ctx context.Context, targetDocument string, note ChangeNote) error
}

// LogTrail is a Trail that writes change notes to a structured logger.
// It is the default when no external trail is wired.
type LogTrail struct {
	logger *slog.Logger
}

// NewLogTrail creates a Trail backed by the given logger, defaulting to
// slog.Default() when nil.
func NewLogTrail(logger *slog.Logger) *LogTrail {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTrail{logger: logger}
}

// AppendChangeNote logs the note. It never fails.
func (t *LogTrail) AppendChangeNote(_ context.Context, targetDocument string, note ChangeNote) error {
	t.logger.Info("audit change note",
		"target", targetDocument,
		"actor", note.Actor,
		"action", note.Action,
		"note", note.Note,
	)
	return nil
}
