package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

// MailboxStore is the slice of storage the refresher needs
type MailboxStore interface {
	GetMailbox(ctx context.Context, id string) (*storage.Mailbox, error)
	ListConnectedMailboxes(ctx context.Context) ([]*storage.Mailbox, error)
	SetMailboxConnected(ctx context.Context, id string, connected bool) error
}

// StagedExpirer cancels a mailbox's pending staged actions on disconnect
type StagedExpirer interface {
	ExpireForMailbox(ctx context.Context, mailboxID string) (int64, error)
}

// Sink receives disconnect notifications
type Sink interface {
	Notify(ctx context.Context, userID, kind, title, message, priority string) error
}

// RefreshPayload selects one mailbox, or all connected ones when empty
type RefreshPayload struct {
	MailboxID string `json:"mailboxId,omitempty"`
}

// Refresher is the token-refresh queue processor. It walks mailboxes through
// the manager to keep refresh credentials warm, and performs the disconnect
// side effects the manager itself deliberately avoids.
type Refresher struct {
	manager *Manager
	store   MailboxStore
	staged  StagedExpirer
	sink    Sink
}

// NewRefresher creates a refresher
func NewRefresher(manager *Manager, store MailboxStore, staged StagedExpirer, sink Sink) *Refresher {
	return &Refresher{manager: manager, store: store, staged: staged, sink: sink}
}

// HandleRefresh processes a "refresh" job from the token-refresh queue
func (r *Refresher) HandleRefresh(ctx context.Context, payload json.RawMessage) error {
	var p RefreshPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid refresh payload: %w", err)
		}
	}

	if p.MailboxID != "" {
		mb, err := r.store.GetMailbox(ctx, p.MailboxID)
		if err != nil {
			return err
		}
		if mb == nil || !mb.Connected {
			return nil
		}
		return r.refreshMailbox(ctx, mb)
	}

	mailboxes, err := r.store.ListConnectedMailboxes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mailboxes for refresh: %w", err)
	}

	for _, mb := range mailboxes {
		// Complete the current mailbox before checking for shutdown.
		if err := r.refreshMailbox(ctx, mb); err != nil {
			log.Printf("token refresh for mailbox %s failed: %v", mb.ID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return nil
}

func (r *Refresher) refreshMailbox(ctx context.Context, mb *storage.Mailbox) error {
	_, err := r.manager.GetAccessToken(ctx, mb.ID)
	if err == nil {
		return nil
	}

	if IsInteractionRequired(err) || IsAccountNotCached(err) {
		// Never retried blindly: the mailbox is taken out of rotation and
		// the user is told to re-authenticate.
		return r.Disconnect(ctx, mb)
	}

	// Transient: the next scheduled cycle retries.
	return err
}

// Disconnect marks a mailbox disconnected after an authorization failure,
// expires its pending staged emails and emits a high-priority notification.
// Sibling mailboxes of the same user stay connected.
func (r *Refresher) Disconnect(ctx context.Context, mb *storage.Mailbox) error {
	if err := r.store.SetMailboxConnected(ctx, mb.ID, false); err != nil {
		return fmt.Errorf("failed to disconnect mailbox %s: %w", mb.ID, err)
	}

	if _, err := r.staged.ExpireForMailbox(ctx, mb.ID); err != nil {
		log.Printf("warn: failed to expire staged emails for disconnected mailbox %s: %v", mb.ID, err)
	}

	log.Printf("mailbox %s disconnected: authorization no longer valid", mb.ID)

	err := r.sink.Notify(ctx, mb.UserID, "mailbox_disconnected",
		"Mailbox disconnected",
		fmt.Sprintf("Automation for %s stopped because its sign-in expired. Reconnect the mailbox to resume.", mb.Address),
		storage.PriorityHigh)
	if err != nil {
		log.Printf("warn: failed to create disconnect notification for user %s: %v", mb.UserID, err)
	}

	return nil
}
