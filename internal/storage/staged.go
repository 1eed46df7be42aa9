package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const stagedColumns = `id, mailbox_id, rule_id, message_id, original_folder, actions,
	       status, attempts, last_error, staged_at, expires_at, cleanup_at,
	       executed_at, rescued_at`

func scanStagedEmail(row interface{ Scan(...interface{}) error }) (*StagedEmail, error) {
	staged := &StagedEmail{}
	var actions []byte
	var lastError sql.NullString
	var executedAt, rescuedAt sql.NullTime

	err := row.Scan(
		&staged.ID, &staged.MailboxID, &staged.RuleID, &staged.MessageID,
		&staged.OriginalFolder, &actions, &staged.Status, &staged.Attempts,
		&lastError, &staged.StagedAt, &staged.ExpiresAt, &staged.CleanupAt,
		&executedAt, &rescuedAt,
	)
	if err != nil {
		return nil, err
	}

	staged.LastError = stringPtr(lastError)
	staged.ExecutedAt = timePtr(executedAt)
	staged.RescuedAt = timePtr(rescuedAt)
	if err := unmarshalJSON(actions, &staged.Actions); err != nil {
		return nil, err
	}

	return staged, nil
}

// CreateStagedEmail stores a new staged record
func (s *PostgreSQLStorage) CreateStagedEmail(ctx context.Context, staged *StagedEmail) error {
	actions, err := marshalJSON(staged.Actions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO staged_emails (id, mailbox_id, rule_id, message_id, original_folder,
		                           actions, status, attempts, staged_at, expires_at, cleanup_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = s.db.ExecContext(ctx, query,
		staged.ID, staged.MailboxID, staged.RuleID, staged.MessageID, staged.OriginalFolder,
		actions, staged.Status, staged.Attempts, staged.StagedAt, staged.ExpiresAt, staged.CleanupAt)
	if err != nil {
		return fmt.Errorf("failed to create staged email: %w", err)
	}

	return nil
}

// GetStagedEmail retrieves a staged record by ID. A missing record is
// (nil, nil), not an error.
func (s *PostgreSQLStorage) GetStagedEmail(ctx context.Context, id string) (*StagedEmail, error) {
	query := `SELECT ` + stagedColumns + ` FROM staged_emails WHERE id = $1`

	staged, err := scanStagedEmail(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get staged email: %w", err)
	}

	return staged, nil
}

// ListDueStagedEmails retrieves all records still staged whose expiry has passed
func (s *PostgreSQLStorage) ListDueStagedEmails(ctx context.Context, now time.Time) ([]*StagedEmail, error) {
	query := `
		SELECT ` + stagedColumns + `
		FROM staged_emails
		WHERE status = 'staged' AND expires_at <= $1
		ORDER BY expires_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due staged emails: %w", err)
	}
	defer rows.Close()

	var due []*StagedEmail
	for rows.Next() {
		staged, err := scanStagedEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged email: %w", err)
		}
		due = append(due, staged)
	}

	return due, rows.Err()
}

// UpdateStagedEmail updates the mutable fields of a staged record
func (s *PostgreSQLStorage) UpdateStagedEmail(ctx context.Context, staged *StagedEmail) error {
	query := `
		UPDATE staged_emails
		SET message_id = $1, status = $2, attempts = $3, last_error = $4,
		    executed_at = $5, rescued_at = $6
		WHERE id = $7
	`

	_, err := s.db.ExecContext(ctx, query,
		staged.MessageID, staged.Status, staged.Attempts, nullString(staged.LastError),
		nullTime(staged.ExecutedAt), nullTime(staged.RescuedAt), staged.ID)
	if err != nil {
		return fmt.Errorf("failed to update staged email: %w", err)
	}

	return nil
}

// ExpireStagedForRule expires every pending staged record created by a rule
func (s *PostgreSQLStorage) ExpireStagedForRule(ctx context.Context, ruleID string) (int64, error) {
	query := `UPDATE staged_emails SET status = 'expired' WHERE rule_id = $1 AND status = 'staged'`

	res, err := s.db.ExecContext(ctx, query, ruleID)
	if err != nil {
		return 0, fmt.Errorf("failed to expire staged emails for rule: %w", err)
	}

	return res.RowsAffected()
}

// ExpireStagedForMailbox expires every pending staged record for a mailbox
func (s *PostgreSQLStorage) ExpireStagedForMailbox(ctx context.Context, mailboxID string) (int64, error) {
	query := `UPDATE staged_emails SET status = 'expired' WHERE mailbox_id = $1 AND status = 'staged'`

	res, err := s.db.ExecContext(ctx, query, mailboxID)
	if err != nil {
		return 0, fmt.Errorf("failed to expire staged emails for mailbox: %w", err)
	}

	return res.RowsAffected()
}

// DeleteStagedPastCleanup purges terminal records whose retention buffer has
// elapsed. Records still staged are never touched.
func (s *PostgreSQLStorage) DeleteStagedPastCleanup(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM staged_emails WHERE status != 'staged' AND cleanup_at <= $1`

	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge staged emails: %w", err)
	}

	return res.RowsAffected()
}
