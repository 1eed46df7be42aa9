package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const ruleColumns = `id, mailbox_id, name, priority, enabled, conditions, actions,
	       execution_count, last_run_at, created_at`

func scanRule(row interface{ Scan(...interface{}) error }) (*Rule, error) {
	rule := &Rule{}
	var mailboxID sql.NullString
	var conditions, actions []byte
	var lastRun sql.NullTime

	err := row.Scan(
		&rule.ID, &mailboxID, &rule.Name, &rule.Priority, &rule.Enabled,
		&conditions, &actions, &rule.ExecutionCount, &lastRun, &rule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.MailboxID = stringPtr(mailboxID)
	rule.LastRunAt = timePtr(lastRun)
	if err := unmarshalJSON(conditions, &rule.Conditions); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(actions, &rule.Actions); err != nil {
		return nil, err
	}

	return rule, nil
}

// GetRule retrieves a rule by ID. A deleted rule is (nil, nil), not an error.
func (s *PostgreSQLStorage) GetRule(ctx context.Context, id string) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1`

	rule, err := scanRule(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// ListEnabledRules retrieves the enabled rules that apply to a mailbox:
// mailbox-scoped rules plus org-wide rules (mailbox_id IS NULL), ordered by
// ascending priority with insertion order breaking ties.
func (s *PostgreSQLStorage) ListEnabledRules(ctx context.Context, mailboxID string) ([]*Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE enabled = TRUE AND (mailbox_id = $1 OR mailbox_id IS NULL)
		ORDER BY priority ASC, created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// RecordRuleExecution accumulates execution statistics in place
func (s *PostgreSQLStorage) RecordRuleExecution(ctx context.Context, id string) error {
	query := `UPDATE rules SET execution_count = execution_count + 1, last_run_at = NOW() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to record rule execution: %w", err)
	}

	return nil
}
