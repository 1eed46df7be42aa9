package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStorage implements Storage interface with PostgreSQL
type PostgreSQLStorage struct {
	db *sql.DB
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(databaseURL string) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	storage := &PostgreSQLStorage{db: db}

	// Initialize tables if needed
	if err := storage.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return storage, nil
}

// initTables creates necessary tables if they don't exist
func (s *PostgreSQLStorage) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(255) PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			automation_paused BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS mailboxes (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			account_id VARCHAR(255) NOT NULL,
			address VARCHAR(255) NOT NULL,
			connected BOOLEAN NOT NULL DEFAULT TRUE,
			token_cache_enc BYTEA,
			delta_links JSONB,
			whitelist_senders JSONB,
			whitelist_domains JSONB,
			automation_paused BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailboxes_user_id ON mailboxes(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mailboxes_connected ON mailboxes(connected)`,

		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id VARCHAR(255) PRIMARY KEY,
			mailbox_id VARCHAR(255) NOT NULL,
			resource TEXT NOT NULL,
			change_type VARCHAR(100) NOT NULL,
			client_state VARCHAR(255) NOT NULL,
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'active',
			error_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_mailbox_id ON webhook_subscriptions(mailbox_id)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_expires_at ON webhook_subscriptions(expires_at)`,

		`CREATE TABLE IF NOT EXISTS rules (
			id VARCHAR(255) PRIMARY KEY,
			mailbox_id VARCHAR(255),
			name VARCHAR(255) NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			conditions JSONB NOT NULL,
			actions JSONB NOT NULL,
			execution_count BIGINT NOT NULL DEFAULT 0,
			last_run_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_mailbox_id ON rules(mailbox_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_priority ON rules(priority)`,

		`CREATE TABLE IF NOT EXISTS staged_emails (
			id VARCHAR(255) PRIMARY KEY,
			mailbox_id VARCHAR(255) NOT NULL,
			rule_id VARCHAR(255) NOT NULL,
			message_id VARCHAR(512) NOT NULL,
			original_folder VARCHAR(255) NOT NULL,
			actions JSONB NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'staged',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			staged_at TIMESTAMP WITH TIME ZONE NOT NULL,
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			cleanup_at TIMESTAMP WITH TIME ZONE NOT NULL,
			executed_at TIMESTAMP WITH TIME ZONE,
			rescued_at TIMESTAMP WITH TIME ZONE,
			CHECK (cleanup_at >= expires_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_staged_emails_mailbox_id ON staged_emails(mailbox_id)`,
		`CREATE INDEX IF NOT EXISTS idx_staged_emails_status_expires ON staged_emails(status, expires_at)`,

		`CREATE TABLE IF NOT EXISTS mail_events (
			id VARCHAR(255) PRIMARY KEY,
			mailbox_id VARCHAR(255) NOT NULL,
			message_id VARCHAR(512) NOT NULL,
			event_type VARCHAR(100) NOT NULL,
			received_at TIMESTAMP WITH TIME ZONE NOT NULL,
			UNIQUE (mailbox_id, message_id, event_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mail_events_received_at ON mail_events(received_at)`,

		`CREATE TABLE IF NOT EXISTS org_whitelist (
			entry VARCHAR(255) PRIMARY KEY,
			kind VARCHAR(20) NOT NULL,
			added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			type VARCHAR(100) NOT NULL,
			title VARCHAR(255) NOT NULL,
			message TEXT NOT NULL,
			priority VARCHAR(20) NOT NULL DEFAULT 'normal',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			mailbox_id VARCHAR(255),
			action VARCHAR(100) NOT NULL,
			target_type VARCHAR(100) NOT NULL,
			target_id VARCHAR(512) NOT NULL,
			details JSONB,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %q: %w", query, err)
		}
	}

	return nil
}

// Ping checks database connectivity
func (s *PostgreSQLStorage) Ping() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// Helpers for JSONB columns

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONB value: %w", err)
	}
	return data, nil
}

func unmarshalJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSONB value: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
