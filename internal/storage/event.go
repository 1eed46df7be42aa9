package storage

import (
	"context"
	"fmt"
	"time"
)

// InsertMailEvent stores a change-event record. Returns false when the
// (mailbox, message, event type) key already exists — duplicate delivery is a
// no-op by the unique constraint, never a double action.
func (s *PostgreSQLStorage) InsertMailEvent(ctx context.Context, event *MailEvent) (bool, error) {
	query := `
		INSERT INTO mail_events (id, mailbox_id, message_id, event_type, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mailbox_id, message_id, event_type) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		event.ID, event.MailboxID, event.MessageID, event.EventType, event.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert mail event: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}

	return inserted > 0, nil
}

// DeleteMailEvent removes one change-event record, releasing the dedup key so
// the same (mailbox, message, type) can be claimed again after a failed run.
func (s *PostgreSQLStorage) DeleteMailEvent(ctx context.Context, mailboxID, messageID, eventType string) error {
	query := `DELETE FROM mail_events WHERE mailbox_id = $1 AND message_id = $2 AND event_type = $3`

	if _, err := s.db.ExecContext(ctx, query, mailboxID, messageID, eventType); err != nil {
		return fmt.Errorf("failed to delete mail event: %w", err)
	}

	return nil
}

// ListRecentMailEvents retrieves events received since a cutoff, newest first
func (s *PostgreSQLStorage) ListRecentMailEvents(ctx context.Context, since time.Time, limit int) ([]*MailEvent, error) {
	query := `
		SELECT id, mailbox_id, message_id, event_type, received_at
		FROM mail_events
		WHERE received_at >= $1
		ORDER BY received_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list mail events: %w", err)
	}
	defer rows.Close()

	var events []*MailEvent
	for rows.Next() {
		event := &MailEvent{}
		err := rows.Scan(&event.ID, &event.MailboxID, &event.MessageID,
			&event.EventType, &event.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mail event: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// ListOrgWhitelist retrieves every globally exempt sender and domain
func (s *PostgreSQLStorage) ListOrgWhitelist(ctx context.Context) ([]*WhitelistEntry, error) {
	query := `SELECT entry, kind, added_at FROM org_whitelist`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list org whitelist: %w", err)
	}
	defer rows.Close()

	var entries []*WhitelistEntry
	for rows.Next() {
		e := &WhitelistEntry{}
		if err := rows.Scan(&e.Entry, &e.Kind, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// AddOrgWhitelist persists a globally exempt sender or domain.
// Re-adding an existing entry is a no-op (membership is idempotent).
func (s *PostgreSQLStorage) AddOrgWhitelist(ctx context.Context, entry, kind string) error {
	query := `INSERT INTO org_whitelist (entry, kind) VALUES ($1, $2) ON CONFLICT (entry) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, entry, kind); err != nil {
		return fmt.Errorf("failed to add org whitelist entry: %w", err)
	}

	return nil
}

// RemoveOrgWhitelist removes a globally exempt entry
func (s *PostgreSQLStorage) RemoveOrgWhitelist(ctx context.Context, entry string) error {
	query := `DELETE FROM org_whitelist WHERE entry = $1`

	if _, err := s.db.ExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("failed to remove org whitelist entry: %w", err)
	}

	return nil
}
