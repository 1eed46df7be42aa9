package staging

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

// maxExecuteAttempts bounds how often a due staged email is retried before
// it is given up on.
const maxExecuteAttempts = 3

// Store is the persistence the engine needs
type Store interface {
	GetUser(ctx context.Context, id string) (*storage.User, error)
	GetMailbox(ctx context.Context, id string) (*storage.Mailbox, error)
	GetRule(ctx context.Context, id string) (*storage.Rule, error)
	CreateStagedEmail(ctx context.Context, staged *storage.StagedEmail) error
	GetStagedEmail(ctx context.Context, id string) (*storage.StagedEmail, error)
	ListDueStagedEmails(ctx context.Context, now time.Time) ([]*storage.StagedEmail, error)
	UpdateStagedEmail(ctx context.Context, staged *storage.StagedEmail) error
	ExpireStagedForRule(ctx context.Context, ruleID string) (int64, error)
	ExpireStagedForMailbox(ctx context.Context, mailboxID string) (int64, error)
	DeleteStagedPastCleanup(ctx context.Context, now time.Time) (int64, error)
}

// Mailer performs message operations against the provider
type Mailer interface {
	MoveMessage(ctx context.Context, mailboxID, messageID, destinationFolder string) (string, error)
	ApplyAction(ctx context.Context, mailboxID, messageID string, action storage.RuleAction) (string, error)
}

// Sink delivers notifications and audit entries
type Sink interface {
	Notify(ctx context.Context, userID, kind, title, message, priority string) error
	Audit(ctx context.Context, entry *storage.AuditLog) error
}

// Engine runs the staged-email state machine. A destructive rule match first
// parks the message in the staging folder; the recorded actions only execute
// once the rescue window has passed.
type Engine struct {
	store  Store
	mailer Mailer
	sink   Sink

	folder    string // staging folder name
	window    time.Duration
	retention time.Duration
}

// NewEngine creates a staging engine
func NewEngine(store Store, mailer Mailer, sink Sink, folder string, window, retention time.Duration) *Engine {
	return &Engine{
		store:     store,
		mailer:    mailer,
		sink:      sink,
		folder:    folder,
		window:    window,
		retention: retention,
	}
}

// Stage parks the message in the staging folder and records the actions to
// run when the window expires. The provider re-identifies moved messages, so
// the record carries the post-move ID.
func (e *Engine) Stage(ctx context.Context, mb *storage.Mailbox, rule *storage.Rule, messageID, originalFolder string, actions []storage.RuleAction) (*storage.StagedEmail, error) {
	stagedID, err := e.mailer.MoveMessage(ctx, mb.ID, messageID, e.folder)
	if err != nil {
		return nil, fmt.Errorf("failed to move message to staging folder: %w", err)
	}

	now := time.Now().UTC()
	staged := &storage.StagedEmail{
		ID:             uuid.NewString(),
		MailboxID:      mb.ID,
		RuleID:         rule.ID,
		MessageID:      stagedID,
		OriginalFolder: originalFolder,
		Actions:        actions,
		Status:         storage.StagedStatusStaged,
		StagedAt:       now,
		ExpiresAt:      now.Add(e.window),
		CleanupAt:      now.Add(e.window + e.retention),
	}
	if err := e.store.CreateStagedEmail(ctx, staged); err != nil {
		return nil, fmt.Errorf("failed to record staged email: %w", err)
	}

	if err := e.sink.Notify(ctx, mb.UserID, "email_staged",
		"Email staged by rule "+rule.Name,
		fmt.Sprintf("An email was staged and will be processed at %s unless you rescue it.", staged.ExpiresAt.Format(time.RFC3339)),
		storage.PriorityNormal,
	); err != nil {
		log.Printf("staging: failed to notify user %s: %v", mb.UserID, err)
	}

	e.audit(ctx, mb, "email_staged", staged.ID, map[string]interface{}{
		"ruleId":         rule.ID,
		"messageId":      staged.MessageID,
		"originalFolder": originalFolder,
		"expiresAt":      staged.ExpiresAt,
	})

	return staged, nil
}

// Rescue moves a staged message back to its original folder before the
// window expires. Only records still in the staged state can be rescued.
func (e *Engine) Rescue(ctx context.Context, stagedID string) error {
	staged, err := e.store.GetStagedEmail(ctx, stagedID)
	if err != nil {
		return fmt.Errorf("failed to load staged email %s: %w", stagedID, err)
	}
	if staged == nil {
		return fmt.Errorf("staged email %s not found", stagedID)
	}
	if staged.Status != storage.StagedStatusStaged {
		return fmt.Errorf("staged email %s is %s, not rescuable", stagedID, staged.Status)
	}
	if time.Now().UTC().After(staged.ExpiresAt) {
		return fmt.Errorf("staged email %s is past its rescue window", stagedID)
	}

	newID, err := e.mailer.MoveMessage(ctx, staged.MailboxID, staged.MessageID, staged.OriginalFolder)
	if err != nil {
		return fmt.Errorf("failed to restore message: %w", err)
	}

	now := time.Now().UTC()
	staged.MessageID = newID
	staged.Status = storage.StagedStatusRescued
	staged.RescuedAt = &now
	if err := e.store.UpdateStagedEmail(ctx, staged); err != nil {
		return fmt.Errorf("failed to record rescue: %w", err)
	}

	if mb, mbErr := e.store.GetMailbox(ctx, staged.MailboxID); mbErr == nil && mb != nil {
		e.audit(ctx, mb, "email_rescued", staged.ID, map[string]interface{}{
			"messageId":      staged.MessageID,
			"restoredFolder": staged.OriginalFolder,
		})
	}

	return nil
}

// ProcessDue executes every staged email whose window has passed, then
// deletes finished records past their cleanup time. Errors on individual
// records are absorbed so one bad record cannot stall the rest.
func (e *Engine) ProcessDue(ctx context.Context) error {
	due, err := e.store.ListDueStagedEmails(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to list due staged emails: %w", err)
	}

	for _, staged := range due {
		if err := e.execute(ctx, staged); err != nil {
			log.Printf("staging: failed to process staged email %s: %v", staged.ID, err)
		}
	}

	if n, err := e.store.DeleteStagedPastCleanup(ctx, time.Now().UTC()); err != nil {
		log.Printf("staging: cleanup sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("staging: cleaned up %d finished staged records", n)
	}

	return nil
}

// execute runs one due staged email's recorded actions, re-validating the
// mailbox and pause switches first.
func (e *Engine) execute(ctx context.Context, staged *storage.StagedEmail) error {
	mb, err := e.store.GetMailbox(ctx, staged.MailboxID)
	if err != nil {
		return fmt.Errorf("failed to load mailbox %s: %w", staged.MailboxID, err)
	}
	if mb == nil || !mb.Connected {
		staged.Status = storage.StagedStatusExpired
		return e.store.UpdateStagedEmail(ctx, staged)
	}

	// A pause flipped on after staging holds the record in place; it stays
	// due and executes once automation resumes.
	if mb.AutomationPaused {
		return nil
	}
	if user, err := e.store.GetUser(ctx, mb.UserID); err != nil {
		return fmt.Errorf("failed to load user %s: %w", mb.UserID, err)
	} else if user != nil && user.AutomationPaused {
		return nil
	}

	// The rule may have been deleted or disabled since the message was
	// staged; its pending actions must not run.
	rule, err := e.store.GetRule(ctx, staged.RuleID)
	if err != nil {
		return fmt.Errorf("failed to load rule %s: %w", staged.RuleID, err)
	}
	if rule == nil || !rule.Enabled {
		_, err := e.ExpireForRule(ctx, staged.RuleID)
		return err
	}

	messageID := staged.MessageID
	var execErr error
	for _, action := range staged.Actions {
		newID, err := e.mailer.ApplyAction(ctx, mb.ID, messageID, action)
		if err != nil {
			execErr = err
			break
		}
		messageID = newID
	}
	staged.MessageID = messageID

	if execErr != nil {
		staged.Attempts++
		msg := execErr.Error()
		staged.LastError = &msg
		if staged.Attempts >= maxExecuteAttempts {
			staged.Status = storage.StagedStatusExpired
			log.Printf("staging: giving up on staged email %s after %d attempts: %v",
				staged.ID, staged.Attempts, execErr)
			if nErr := e.sink.Notify(ctx, mb.UserID, "staging_failed",
				"A staged email could not be processed",
				"The scheduled action on a staged email kept failing and was abandoned. The message is still in the staging folder.",
				storage.PriorityHigh,
			); nErr != nil {
				log.Printf("staging: failed to notify user %s: %v", mb.UserID, nErr)
			}
		}
		if err := e.store.UpdateStagedEmail(ctx, staged); err != nil {
			return err
		}
		return execErr
	}

	now := time.Now().UTC()
	staged.Status = storage.StagedStatusExecuted
	staged.ExecutedAt = &now
	if err := e.store.UpdateStagedEmail(ctx, staged); err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	e.audit(ctx, mb, "email_executed", staged.ID, map[string]interface{}{
		"ruleId":    staged.RuleID,
		"messageId": staged.MessageID,
	})

	return nil
}

// ExpireForRule expires every record still staged under a rule. Deleting or
// disabling a rule also cancels the actions it already staged; the parked
// messages stay in the staging folder for the user to sort out.
func (e *Engine) ExpireForRule(ctx context.Context, ruleID string) (int64, error) {
	n, err := e.store.ExpireStagedForRule(ctx, ruleID)
	if err != nil {
		return 0, fmt.Errorf("failed to expire staged emails for rule %s: %w", ruleID, err)
	}
	if n > 0 {
		log.Printf("staging: expired %d staged emails for removed rule %s", n, ruleID)
	}
	return n, nil
}

// ExpireForMailbox expires every record still staged for a mailbox, used
// when the mailbox is disconnected.
func (e *Engine) ExpireForMailbox(ctx context.Context, mailboxID string) (int64, error) {
	n, err := e.store.ExpireStagedForMailbox(ctx, mailboxID)
	if err != nil {
		return 0, fmt.Errorf("failed to expire staged emails for mailbox %s: %w", mailboxID, err)
	}
	if n > 0 {
		log.Printf("staging: expired %d staged emails for mailbox %s", n, mailboxID)
	}
	return n, nil
}

// HandleProcess adapts ProcessDue to the queue's processor signature
func (e *Engine) HandleProcess(ctx context.Context, _ []byte) error {
	return e.ProcessDue(ctx)
}

func (e *Engine) audit(ctx context.Context, mb *storage.Mailbox, action, targetID string, details map[string]interface{}) {
	entry := &storage.AuditLog{
		UserID:     mb.UserID,
		MailboxID:  &mb.ID,
		Action:     action,
		TargetType: "staged_email",
		TargetID:   targetID,
		Details:    details,
	}
	if err := e.sink.Audit(ctx, entry); err != nil {
		log.Printf("staging: failed to write audit entry: %v", err)
	}
}
