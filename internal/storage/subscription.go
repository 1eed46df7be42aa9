package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const subscriptionColumns = `id, mailbox_id, resource, change_type, client_state,
	       expires_at, status, error_count, created_at, updated_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (*Subscription, error) {
	sub := &Subscription{}
	err := row.Scan(
		&sub.ID, &sub.MailboxID, &sub.Resource, &sub.ChangeType, &sub.ClientState,
		&sub.ExpiresAt, &sub.Status, &sub.ErrorCount, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubscription retrieves a subscription by its provider-assigned ID.
// A missing subscription is (nil, nil), not an error: notifications for
// deleted subscriptions are routine and callers discard them.
func (s *PostgreSQLStorage) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

// ListSubscriptionsByMailbox retrieves all subscriptions for a mailbox
func (s *PostgreSQLStorage) ListSubscriptionsByMailbox(ctx context.Context, mailboxID string) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE mailbox_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

// CreateSubscription stores a new subscription record
func (s *PostgreSQLStorage) CreateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO webhook_subscriptions (id, mailbox_id, resource, change_type, client_state,
		                                   expires_at, status, error_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`

	_, err := s.db.ExecContext(ctx, query,
		sub.ID, sub.MailboxID, sub.Resource, sub.ChangeType, sub.ClientState,
		sub.ExpiresAt, sub.Status, sub.ErrorCount)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

// UpdateSubscription updates expiry, status and error count
func (s *PostgreSQLStorage) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		UPDATE webhook_subscriptions
		SET expires_at = $1, status = $2, error_count = $3, client_state = $4, updated_at = NOW()
		WHERE id = $5
	`

	_, err := s.db.ExecContext(ctx, query,
		sub.ExpiresAt, sub.Status, sub.ErrorCount, sub.ClientState, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	return nil
}

// DeleteSubscription removes a subscription record
func (s *PostgreSQLStorage) DeleteSubscription(ctx context.Context, id string) error {
	query := `DELETE FROM webhook_subscriptions WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	return nil
}

// IncrementSubscriptionError bumps the consecutive-error counter and returns
// the new value.
func (s *PostgreSQLStorage) IncrementSubscriptionError(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE webhook_subscriptions
		SET error_count = error_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING error_count
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment subscription error count: %w", err)
	}

	return count, nil
}
