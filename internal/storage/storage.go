package storage

import (
	"context"
	"strings"
	"time"
)

// User represents an account that owns one or more mailboxes
type User struct {
	ID               string
	Email            string
	AutomationPaused bool
	CreatedAt        time.Time
}

// Mailbox represents a connected provider mail account
type Mailbox struct {
	ID        string
	UserID    string
	AccountID string // provider home account identifier
	Address   string
	Connected bool

	// TokenCacheEnc is the encrypted OAuth token cache blob (opaque here)
	TokenCacheEnc []byte

	// DeltaLinks maps a watched resource to its last incremental-sync cursor
	DeltaLinks map[string]string

	WhitelistSenders []string
	WhitelistDomains []string
	AutomationPaused bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscription statuses
const (
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
	SubscriptionFailed  = "failed"
)

// Subscription represents one active provider change-subscription
type Subscription struct {
	ID          string // provider-assigned, globally unique
	MailboxID   string
	Resource    string
	ChangeType  string
	ClientState string // shared secret echoed on every notification
	ExpiresAt   time.Time
	Status      string
	ErrorCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RuleConditions are AND-combined when present; absent fields are wildcards
type RuleConditions struct {
	Senders         []string `json:"senders,omitempty"`
	SenderDomain    string   `json:"senderDomain,omitempty"`
	SubjectContains string   `json:"subjectContains,omitempty"`
	BodyContains    string   `json:"bodyContains,omitempty"`
	FromFolder      string   `json:"fromFolder,omitempty"`
}

// Rule action types
const (
	ActionMove       = "move"
	ActionDelete     = "delete"
	ActionMarkRead   = "markRead"
	ActionFlag       = "flag"
	ActionCategorize = "categorize"
	ActionArchive    = "archive"
)

// RuleAction is a single action with its type-specific parameters
type RuleAction struct {
	Type     string `json:"type"`
	Folder   string `json:"folder,omitempty"`   // move
	Category string `json:"category,omitempty"` // categorize
}

// Destructive reports whether the action removes a message from its folder
// and therefore must go through the staging window.
func (a RuleAction) Destructive() bool {
	switch a.Type {
	case ActionMove, ActionDelete, ActionArchive:
		return true
	}
	return false
}

// HasDestructive reports whether any action in the list is destructive.
func HasDestructive(actions []RuleAction) bool {
	for _, a := range actions {
		if a.Destructive() {
			return true
		}
	}
	return false
}

// Rule is a priority-ordered automation rule scoped to a mailbox or org-wide
type Rule struct {
	ID             string
	MailboxID      *string // nil = org-wide
	Name           string
	Priority       int
	Enabled        bool
	Conditions     RuleConditions
	Actions        []RuleAction
	ExecutionCount int64
	LastRunAt      *time.Time
	CreatedAt      time.Time
}

// Staged email statuses
const (
	StagedStatusStaged   = "staged"
	StagedStatusExecuted = "executed"
	StagedStatusRescued  = "rescued"
	StagedStatusExpired  = "expired"
)

// StagedEmail is a pending reversible action on one message
type StagedEmail struct {
	ID             string
	MailboxID      string
	RuleID         string
	MessageID      string
	OriginalFolder string
	Actions        []RuleAction
	Status         string
	Attempts       int
	LastError      *string
	StagedAt       time.Time
	ExpiresAt      time.Time
	CleanupAt      time.Time
	ExecutedAt     *time.Time
	RescuedAt      *time.Time
}

// MailEvent is a deduplicated change-notification record.
// (mailbox_id, message_id, event_type) is unique.
type MailEvent struct {
	ID         string
	MailboxID  string
	MessageID  string
	EventType  string
	ReceivedAt time.Time
}

// Whitelist entry kinds
const (
	WhitelistSender = "sender"
	WhitelistDomain = "domain"
)

// WhitelistEntry is one globally exempt sender or domain
type WhitelistEntry struct {
	Entry   string
	Kind    string
	AddedAt time.Time
}

// Notification priorities
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is a user-facing alert produced by the pipeline
type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	Priority  string
	CreatedAt time.Time
}

// AuditLog records one automated decision or user undo.
// Details is a key-value bag; keys are documented per action type.
type AuditLog struct {
	ID         string
	UserID     string
	MailboxID  *string
	Action     string
	TargetType string
	TargetID   string
	Details    map[string]interface{}
	CreatedAt  time.Time
}

// DomainOf derives the sender domain by splitting the address at '@'.
func DomainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return address[i+1:]
	}
	return ""
}

// Storage interface defines database operations
type Storage interface {
	// User operations
	GetUser(ctx context.Context, id string) (*User, error)

	// Mailbox operations
	GetMailbox(ctx context.Context, id string) (*Mailbox, error)
	ListConnectedMailboxes(ctx context.Context) ([]*Mailbox, error)
	SetMailboxConnected(ctx context.Context, id string, connected bool) error
	LoadTokenCache(ctx context.Context, mailboxID string) ([]byte, error)
	SaveTokenCache(ctx context.Context, mailboxID string, blob []byte) error
	GetDeltaLink(ctx context.Context, mailboxID, resource string) (string, error)
	SaveDeltaLink(ctx context.Context, mailboxID, resource, link string) error

	// Subscription operations
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptionsByMailbox(ctx context.Context, mailboxID string) ([]*Subscription, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	IncrementSubscriptionError(ctx context.Context, id string) (int, error)

	// Rule operations
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListEnabledRules(ctx context.Context, mailboxID string) ([]*Rule, error)
	RecordRuleExecution(ctx context.Context, id string) error

	// Staged email operations
	CreateStagedEmail(ctx context.Context, staged *StagedEmail) error
	GetStagedEmail(ctx context.Context, id string) (*StagedEmail, error)
	ListDueStagedEmails(ctx context.Context, now time.Time) ([]*StagedEmail, error)
	UpdateStagedEmail(ctx context.Context, staged *StagedEmail) error
	ExpireStagedForRule(ctx context.Context, ruleID string) (int64, error)
	ExpireStagedForMailbox(ctx context.Context, mailboxID string) (int64, error)
	DeleteStagedPastCleanup(ctx context.Context, now time.Time) (int64, error)

	// Event operations
	InsertMailEvent(ctx context.Context, event *MailEvent) (bool, error)
	DeleteMailEvent(ctx context.Context, mailboxID, messageID, eventType string) error
	ListRecentMailEvents(ctx context.Context, since time.Time, limit int) ([]*MailEvent, error)

	// Org whitelist operations
	ListOrgWhitelist(ctx context.Context) ([]*WhitelistEntry, error)
	AddOrgWhitelist(ctx context.Context, entry, kind string) error
	RemoveOrgWhitelist(ctx context.Context, entry string) error

	// Notification and audit operations
	CreateNotification(ctx context.Context, n *Notification) error
	RecordAuditLog(ctx context.Context, entry *AuditLog) error

	// Health check
	Ping() error
	Close() error
}
