package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// GetUser retrieves a user by ID. A missing user is (nil, nil), not an error.
func (s *PostgreSQLStorage) GetUser(ctx context.Context, id string) (*User, error) {
	query := `SELECT id, email, automation_paused, created_at FROM users WHERE id = $1`

	user := &User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.AutomationPaused, &user.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

const mailboxColumns = `id, user_id, account_id, address, connected, token_cache_enc,
	       delta_links, whitelist_senders, whitelist_domains, automation_paused,
	       created_at, updated_at`

func scanMailbox(row interface{ Scan(...interface{}) error }) (*Mailbox, error) {
	mb := &Mailbox{}
	var deltaLinks, senders, domains []byte

	err := row.Scan(
		&mb.ID, &mb.UserID, &mb.AccountID, &mb.Address, &mb.Connected, &mb.TokenCacheEnc,
		&deltaLinks, &senders, &domains, &mb.AutomationPaused,
		&mb.CreatedAt, &mb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(deltaLinks, &mb.DeltaLinks); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(senders, &mb.WhitelistSenders); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(domains, &mb.WhitelistDomains); err != nil {
		return nil, err
	}

	return mb, nil
}

// GetMailbox retrieves a mailbox by ID. A missing mailbox is (nil, nil),
// not an error.
func (s *PostgreSQLStorage) GetMailbox(ctx context.Context, id string) (*Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE id = $1`

	mb, err := scanMailbox(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}

	return mb, nil
}

// ListConnectedMailboxes retrieves all mailboxes that are still connected
func (s *PostgreSQLStorage) ListConnectedMailboxes(ctx context.Context) ([]*Mailbox, error) {
	query := `SELECT ` + mailboxColumns + ` FROM mailboxes WHERE connected = TRUE ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []*Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		mailboxes = append(mailboxes, mb)
	}

	return mailboxes, rows.Err()
}

// SetMailboxConnected flips the connection flag for one mailbox. Sibling
// mailboxes of the same user are never affected.
func (s *PostgreSQLStorage) SetMailboxConnected(ctx context.Context, id string, connected bool) error {
	query := `UPDATE mailboxes SET connected = $1, updated_at = NOW() WHERE id = $2`

	if _, err := s.db.ExecContext(ctx, query, connected, id); err != nil {
		return fmt.Errorf("failed to update mailbox connection: %w", err)
	}

	return nil
}

// LoadTokenCache returns the encrypted token cache blob for a mailbox
func (s *PostgreSQLStorage) LoadTokenCache(ctx context.Context, mailboxID string) ([]byte, error) {
	query := `SELECT token_cache_enc FROM mailboxes WHERE id = $1`

	var blob []byte
	err := s.db.QueryRowContext(ctx, query, mailboxID).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("mailbox not found: %s", mailboxID)
		}
		return nil, fmt.Errorf("failed to load token cache: %w", err)
	}

	return blob, nil
}

// SaveTokenCache stores the encrypted token cache blob for a mailbox
func (s *PostgreSQLStorage) SaveTokenCache(ctx context.Context, mailboxID string, blob []byte) error {
	query := `UPDATE mailboxes SET token_cache_enc = $1, updated_at = NOW() WHERE id = $2`

	if _, err := s.db.ExecContext(ctx, query, blob, mailboxID); err != nil {
		return fmt.Errorf("failed to save token cache: %w", err)
	}

	return nil
}

// GetDeltaLink returns the stored sync cursor for one watched resource
func (s *PostgreSQLStorage) GetDeltaLink(ctx context.Context, mailboxID, resource string) (string, error) {
	mb, err := s.GetMailbox(ctx, mailboxID)
	if err != nil {
		return "", err
	}
	if mb == nil {
		return "", fmt.Errorf("mailbox not found: %s", mailboxID)
	}
	return mb.DeltaLinks[resource], nil
}

// SaveDeltaLink stores the sync cursor for one watched resource
func (s *PostgreSQLStorage) SaveDeltaLink(ctx context.Context, mailboxID, resource, link string) error {
	mb, err := s.GetMailbox(ctx, mailboxID)
	if err != nil {
		return err
	}
	if mb == nil {
		return fmt.Errorf("mailbox not found: %s", mailboxID)
	}

	if mb.DeltaLinks == nil {
		mb.DeltaLinks = make(map[string]string)
	}
	mb.DeltaLinks[resource] = link

	data, err := marshalJSON(mb.DeltaLinks)
	if err != nil {
		return err
	}

	query := `UPDATE mailboxes SET delta_links = $1, updated_at = NOW() WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, data, mailboxID); err != nil {
		return fmt.Errorf("failed to save delta link: %w", err)
	}

	return nil
}
