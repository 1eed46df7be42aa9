package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

// deltaResource is the watched folder. Change subscriptions and delta sync
// deliberately cover the same resource so neither misses what the other saw.
const deltaResource = "inbox"

// DeltaPayload selects one mailbox, or all connected ones when empty
type DeltaPayload struct {
	MailboxID string `json:"mailboxId,omitempty"`
}

// HandleDeltaSync processes a "sync" job from the delta-sync queue. It is the
// safety net under webhooks: any message a notification missed is picked up
// here, and the dedup index keeps double-delivered ones from running twice.
func (p *Processor) HandleDeltaSync(ctx context.Context, payload []byte) error {
	var dp DeltaPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &dp); err != nil {
			return fmt.Errorf("invalid delta payload: %w", err)
		}
	}

	if dp.MailboxID != "" {
		mb, err := p.store.GetMailbox(ctx, dp.MailboxID)
		if err != nil {
			return err
		}
		if mb == nil || !mb.Connected {
			return nil
		}
		return p.syncMailbox(ctx, mb)
	}

	mailboxes, err := p.store.ListConnectedMailboxes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mailboxes for delta sync: %w", err)
	}

	for _, mb := range mailboxes {
		if err := p.syncMailbox(ctx, mb); err != nil {
			log.Printf("events: delta sync for mailbox %s failed: %v", mb.ID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return nil
}

// syncMailbox walks one delta round for a mailbox. The first round for a
// mailbox establishes a baseline cursor without evaluating anything, so
// connecting a mailbox never mass-processes its existing mail.
func (p *Processor) syncMailbox(ctx context.Context, mb *storage.Mailbox) error {
	link, err := p.store.GetDeltaLink(ctx, mb.ID, deltaResource)
	if err != nil {
		return fmt.Errorf("failed to load delta cursor: %w", err)
	}
	baseline := link == ""

	for {
		page, err := p.mailer.DeltaMessages(ctx, mb.ID, deltaResource, link)
		if err != nil {
			return p.handleProviderError(ctx, mb, err)
		}

		if !baseline {
			for _, msg := range page.Messages {
				if err := p.syncMessage(ctx, mb, msg.ID); err != nil {
					log.Printf("events: delta sync of message on mailbox %s failed: %v", mb.ID, err)
				}
			}
		}

		if page.DeltaLink != "" {
			return p.store.SaveDeltaLink(ctx, mb.ID, deltaResource, page.DeltaLink)
		}
		if page.NextLink == "" {
			return fmt.Errorf("delta page for mailbox %s carried neither next nor delta link", mb.ID)
		}
		link = page.NextLink
	}
}

// syncMessage runs one delta-discovered message through the same pipeline a
// webhook notification would. The metadata is re-fetched rather than trusted
// from the delta page: the message may have changed since the page was built.
func (p *Processor) syncMessage(ctx context.Context, mb *storage.Mailbox, messageID string) error {
	inserted, err := p.store.InsertMailEvent(ctx, &storage.MailEvent{
		ID:        uuid.NewString(),
		MailboxID: mb.ID,
		MessageID: messageID,
		EventType: "created",
	})
	if err != nil {
		return fmt.Errorf("failed to record mail event: %w", err)
	}
	if !inserted {
		return nil // already seen via webhook or a previous sync
	}

	msg, err := p.mailer.GetMessage(ctx, mb.ID, messageID)
	if err != nil {
		err = p.handleProviderError(ctx, mb, err)
	} else {
		err = p.evaluate(ctx, mb, msg)
	}
	if err != nil {
		// Release the claim so the next delta round picks the message up.
		p.releaseEvent(ctx, mb.ID, messageID, "created")
	}
	return err
}
