package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

// Email is the slice of message metadata rules are evaluated against
type Email struct {
	Sender      string
	Subject     string
	BodyPreview string
	Folder      string
}

// Reasons a message was left alone
const (
	SkipUserPaused    = "user_paused"
	SkipMailboxPaused = "mailbox_paused"
	SkipWhitelisted   = "whitelisted"
	SkipNoMatch       = "no_match"
)

// Decision is the outcome of evaluating one message
type Decision struct {
	Matched bool
	Rule    *storage.Rule
	Skipped string // set when Matched is false
}

// Store is the persistence the engine reads from
type Store interface {
	GetUser(ctx context.Context, id string) (*storage.User, error)
	ListEnabledRules(ctx context.Context, mailboxID string) ([]*storage.Rule, error)
}

// Exempter answers whether a sender is whitelisted for a mailbox
type Exempter interface {
	IsExempt(ctx context.Context, mb *storage.Mailbox, sender string) (bool, error)
}

// Engine decides what, if anything, to do with an incoming message.
// Precedence is fixed: pause switches, then whitelist, then the first
// matching enabled rule in priority order.
type Engine struct {
	store     Store
	whitelist Exempter
}

// NewEngine creates a rule engine
func NewEngine(store Store, whitelist Exempter) *Engine {
	return &Engine{store: store, whitelist: whitelist}
}

// Evaluate runs the decision pipeline for one message
func (e *Engine) Evaluate(ctx context.Context, mb *storage.Mailbox, email Email) (*Decision, error) {
	user, err := e.store.GetUser(ctx, mb.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", mb.UserID, err)
	}
	if user != nil && user.AutomationPaused {
		return &Decision{Skipped: SkipUserPaused}, nil
	}
	if mb.AutomationPaused {
		return &Decision{Skipped: SkipMailboxPaused}, nil
	}

	exempt, err := e.whitelist.IsExempt(ctx, mb, email.Sender)
	if err != nil {
		return nil, err
	}
	if exempt {
		return &Decision{Skipped: SkipWhitelisted}, nil
	}

	list, err := e.store.ListEnabledRules(ctx, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for mailbox %s: %w", mb.ID, err)
	}

	// list arrives ordered by priority then age; the first hit wins.
	for _, rule := range list {
		if matches(rule.Conditions, email) {
			return &Decision{Matched: true, Rule: rule}, nil
		}
	}

	return &Decision{Skipped: SkipNoMatch}, nil
}

// matches applies one rule's conditions. Present conditions are AND-combined;
// absent ones match everything. All comparisons are case-insensitive.
func matches(cond storage.RuleConditions, email Email) bool {
	if len(cond.Senders) > 0 {
		hit := false
		for _, s := range cond.Senders {
			if strings.EqualFold(s, email.Sender) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}

	if cond.SenderDomain != "" {
		if !strings.EqualFold(cond.SenderDomain, storage.DomainOf(email.Sender)) {
			return false
		}
	}

	if cond.SubjectContains != "" {
		if !strings.Contains(strings.ToLower(email.Subject), strings.ToLower(cond.SubjectContains)) {
			return false
		}
	}

	if cond.BodyContains != "" {
		if !strings.Contains(strings.ToLower(email.BodyPreview), strings.ToLower(cond.BodyContains)) {
			return false
		}
	}

	if cond.FromFolder != "" {
		if !strings.EqualFold(cond.FromFolder, email.Folder) {
			return false
		}
	}

	return true
}
