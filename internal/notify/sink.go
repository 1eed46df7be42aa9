package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

// Store is the persistence the sink writes to
type Store interface {
	CreateNotification(ctx context.Context, n *storage.Notification) error
	RecordAuditLog(ctx context.Context, entry *storage.AuditLog) error
}

// Sink fans user notifications and audit entries into storage. It exists so
// the pipeline packages depend on two methods instead of the whole store.
type Sink struct {
	store Store
}

// NewSink creates a notification sink
func NewSink(store Store) *Sink {
	return &Sink{store: store}
}

// Notify records a user-facing notification
func (s *Sink) Notify(ctx context.Context, userID, kind, title, message, priority string) error {
	return s.store.CreateNotification(ctx, &storage.Notification{
		ID:       uuid.NewString(),
		UserID:   userID,
		Type:     kind,
		Title:    title,
		Message:  message,
		Priority: priority,
	})
}

// Audit records one automated decision or user undo
func (s *Sink) Audit(ctx context.Context, entry *storage.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return s.store.RecordAuditLog(ctx, entry)
}
