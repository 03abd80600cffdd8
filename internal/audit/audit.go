// Package audit writes the security audit trail. Recording never fails the caller.
package audit

import (
	"context"
	"log/slog"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/repository"
)

// Recorder is the fire-and-forget audit collaborator.
type Recorder interface {
	Record(ctx context.Context, eventType, message string, metadata map[string]any)
}

// Logger persists audit entries to audit_logs.
type Logger struct {
	db     repository.DBTX
	repo   repository.AuditRepository
	logger *slog.Logger
}

func NewLogger(db repository.DBTX, repo repository.AuditRepository, logger *slog.Logger) *Logger {
	return &Logger{db: db, repo: repo, logger: logger}
}

// Record writes an entry. Write failures are logged and swallowed. The entry
// is written even when ctx is already cancelled, since failures are often
// what cancelled it.
func (l *Logger) Record(ctx context.Context, eventType, message string, metadata map[string]any) {
	entry := &domain.AuditEntry{EventType: eventType, Message: message, Metadata: metadata}
	if err := l.repo.Insert(context.WithoutCancel(ctx), l.db, entry); err != nil {
		l.logger.Error("audit write failed", "event_type", eventType, "message", message, "error", err)
	}
}
