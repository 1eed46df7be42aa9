package storage

import (
	"context"
	"fmt"
)

// CreateNotification stores a user-facing notification
func (s *PostgreSQLStorage) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (id, user_id, type, title, message, priority)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query, n.ID, n.UserID, n.Type, n.Title, n.Message, n.Priority)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	return nil
}

// RecordAuditLog stores an audit log entry
func (s *PostgreSQLStorage) RecordAuditLog(ctx context.Context, entry *AuditLog) error {
	details, err := marshalJSON(entry.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_logs (id, user_id, mailbox_id, action, target_type, target_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = s.db.ExecContext(ctx, query, entry.ID, entry.UserID,
		nullString(entry.MailboxID), entry.Action, entry.TargetType, entry.TargetID, details)
	if err != nil {
		return fmt.Errorf("failed to record audit log: %w", err)
	}

	return nil
}
