package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/inboxwarden/inboxwarden/internal/graph"
	"github.com/inboxwarden/inboxwarden/internal/rules"
	"github.com/inboxwarden/inboxwarden/internal/storage"
	"github.com/inboxwarden/inboxwarden/internal/tokens"
)

// Store is the persistence the processor needs
type Store interface {
	GetMailbox(ctx context.Context, id string) (*storage.Mailbox, error)
	ListConnectedMailboxes(ctx context.Context) ([]*storage.Mailbox, error)
	InsertMailEvent(ctx context.Context, event *storage.MailEvent) (bool, error)
	DeleteMailEvent(ctx context.Context, mailboxID, messageID, eventType string) error
	ListRecentMailEvents(ctx context.Context, since time.Time, limit int) ([]*storage.MailEvent, error)
	RecordRuleExecution(ctx context.Context, id string) error
	GetDeltaLink(ctx context.Context, mailboxID, resource string) (string, error)
	SaveDeltaLink(ctx context.Context, mailboxID, resource, link string) error
}

// Mailer is the provider surface the processor needs
type Mailer interface {
	GetMessage(ctx context.Context, mailboxID, messageID string) (*graph.Message, error)
	ApplyAction(ctx context.Context, mailboxID, messageID string, action storage.RuleAction) (string, error)
	DeltaMessages(ctx context.Context, mailboxID, folder, link string) (*graph.DeltaPage, error)
}

// Evaluator decides what to do with a message
type Evaluator interface {
	Evaluate(ctx context.Context, mb *storage.Mailbox, email rules.Email) (*rules.Decision, error)
}

// Stager parks messages behind the rescue window
type Stager interface {
	Stage(ctx context.Context, mb *storage.Mailbox, rule *storage.Rule, messageID, originalFolder string, actions []storage.RuleAction) (*storage.StagedEmail, error)
}

// Disconnector takes a mailbox out of rotation after an authorization failure
type Disconnector interface {
	Disconnect(ctx context.Context, mb *storage.Mailbox) error
}

// Sink records audit entries
type Sink interface {
	Audit(ctx context.Context, entry *storage.AuditLog) error
}

// ChangePayload is one provider change notification, normalized
type ChangePayload struct {
	MailboxID  string `json:"mailboxId"`
	MessageID  string `json:"messageId"`
	ChangeType string `json:"changeType"`
}

// Processor runs the per-message pipeline: dedup, fetch metadata, evaluate,
// act. Destructive actions go through staging; the rest apply immediately.
type Processor struct {
	store      Store
	mailer     Mailer
	engine     Evaluator
	stager     Stager
	disconnect Disconnector
	sink       Sink
	analyzer   Analyzer
}

// NewProcessor creates an event processor
func NewProcessor(store Store, mailer Mailer, engine Evaluator, stager Stager, disconnect Disconnector, sink Sink, analyzer Analyzer) *Processor {
	return &Processor{
		store:      store,
		mailer:     mailer,
		engine:     engine,
		stager:     stager,
		disconnect: disconnect,
		sink:       sink,
		analyzer:   analyzer,
	}
}

// HandleChange processes one "change" job from the webhook-events queue.
// Delivery is at-least-once; the mail_events unique index makes this
// pipeline idempotent per (mailbox, message, change type). The inserted row
// is a claim, not a completion marker: a failure that will be retried
// releases it again so the retry actually does the work.
func (p *Processor) HandleChange(ctx context.Context, payload []byte) error {
	var change ChangePayload
	if err := json.Unmarshal(payload, &change); err != nil {
		return fmt.Errorf("invalid change payload: %w", err)
	}
	if change.MailboxID == "" || change.MessageID == "" {
		return fmt.Errorf("change payload missing mailbox or message id")
	}

	mb, err := p.store.GetMailbox(ctx, change.MailboxID)
	if err != nil {
		return fmt.Errorf("failed to load mailbox %s: %w", change.MailboxID, err)
	}
	if mb == nil || !mb.Connected {
		return nil
	}

	inserted, err := p.store.InsertMailEvent(ctx, &storage.MailEvent{
		ID:        uuid.NewString(),
		MailboxID: mb.ID,
		MessageID: change.MessageID,
		EventType: change.ChangeType,
	})
	if err != nil {
		return fmt.Errorf("failed to record mail event: %w", err)
	}
	if !inserted {
		return nil // duplicate delivery
	}

	// Only arrivals trigger rules. Updates and deletes are recorded above
	// for pattern analysis but never acted on.
	if change.ChangeType != "created" {
		return nil
	}

	msg, err := p.mailer.GetMessage(ctx, mb.ID, change.MessageID)
	if err != nil {
		err = p.handleProviderError(ctx, mb, err)
	} else {
		err = p.evaluate(ctx, mb, msg)
	}
	if err != nil {
		p.releaseEvent(ctx, mb.ID, change.MessageID, change.ChangeType)
	}
	return err
}

// releaseEvent drops the dedup claim for an event whose processing failed
// and will come back through the queue or the next delta round.
func (p *Processor) releaseEvent(ctx context.Context, mailboxID, messageID, eventType string) {
	if err := p.store.DeleteMailEvent(ctx, mailboxID, messageID, eventType); err != nil {
		log.Printf("events: failed to release claim on message %s for mailbox %s: %v",
			messageID, mailboxID, err)
	}
}

// evaluate runs the decision engine over one message and applies the outcome
func (p *Processor) evaluate(ctx context.Context, mb *storage.Mailbox, msg *graph.Message) error {
	decision, err := p.engine.Evaluate(ctx, mb, rules.Email{
		Sender:      msg.Sender(),
		Subject:     msg.Subject,
		BodyPreview: msg.BodyPreview,
		Folder:      msg.ParentFolderID,
	})
	if err != nil {
		return err
	}
	if !decision.Matched {
		return nil
	}
	rule := decision.Rule

	var immediate, destructive []storage.RuleAction
	for _, a := range rule.Actions {
		if a.Destructive() {
			destructive = append(destructive, a)
		} else {
			immediate = append(immediate, a)
		}
	}

	messageID := msg.ID
	for _, action := range immediate {
		newID, err := p.mailer.ApplyAction(ctx, mb.ID, messageID, action)
		if err != nil {
			return p.handleProviderError(ctx, mb, err)
		}
		messageID = newID
	}

	details := map[string]interface{}{
		"ruleId":    rule.ID,
		"messageId": messageID,
		"sender":    msg.Sender(),
	}

	if len(destructive) > 0 {
		staged, err := p.stager.Stage(ctx, mb, rule, messageID, msg.ParentFolderID, destructive)
		if err != nil {
			return p.handleProviderError(ctx, mb, err)
		}
		details["stagedId"] = staged.ID
	}

	if err := p.store.RecordRuleExecution(ctx, rule.ID); err != nil {
		log.Printf("events: failed to bump execution count for rule %s: %v", rule.ID, err)
	}

	if err := p.sink.Audit(ctx, auditFor(mb, "rule_matched", "message", messageID, details)); err != nil {
		log.Printf("events: failed to write audit entry: %v", err)
	}

	return nil
}

func auditFor(mb *storage.Mailbox, action, targetType, targetID string, details map[string]interface{}) *storage.AuditLog {
	return &storage.AuditLog{
		UserID:     mb.UserID,
		MailboxID:  &mb.ID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
	}
}

// handleProviderError settles a provider failure: gone messages are dropped,
// authorization failures disconnect the mailbox, everything else is retried
// by the queue.
func (p *Processor) handleProviderError(ctx context.Context, mb *storage.Mailbox, err error) error {
	if graph.IsNotFound(err) {
		return nil
	}
	if tokens.IsInteractionRequired(err) || tokens.IsAccountNotCached(err) || graph.IsUnauthorized(err) {
		return p.disconnect.Disconnect(ctx, mb)
	}
	return err
}
