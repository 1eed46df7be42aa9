package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/inboxwarden/inboxwarden/internal/graph"
	"github.com/inboxwarden/inboxwarden/internal/queue"
	"github.com/inboxwarden/inboxwarden/internal/storage"
)

const (
	watchedResource = "/me/mailFolders/inbox/messages"
	changeTypes     = "created,updated"

	// subscriptionTTL is the provider's maximum lifetime for a mail
	// subscription (4230 minutes).
	subscriptionTTL = 4230 * time.Minute

	// renewalWindow must comfortably exceed the 2h reconcile cadence so a
	// single missed cycle never lets a subscription lapse.
	renewalWindow = 6 * time.Hour

	// maxErrorCount marks a subscription failed after this many consecutive
	// provider errors.
	maxErrorCount = 5
)

// Store is the persistence the manager needs
type Store interface {
	ListConnectedMailboxes(ctx context.Context) ([]*storage.Mailbox, error)
	GetMailbox(ctx context.Context, id string) (*storage.Mailbox, error)
	GetSubscription(ctx context.Context, id string) (*storage.Subscription, error)
	ListSubscriptionsByMailbox(ctx context.Context, mailboxID string) ([]*storage.Subscription, error)
	CreateSubscription(ctx context.Context, sub *storage.Subscription) error
	UpdateSubscription(ctx context.Context, sub *storage.Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	IncrementSubscriptionError(ctx context.Context, id string) (int, error)
}

// Provider is the subscription surface of the mail provider
type Provider interface {
	CreateSubscription(ctx context.Context, mailboxID string, sub graph.ProviderSubscription) (*graph.ProviderSubscription, error)
	RenewSubscription(ctx context.Context, mailboxID, subscriptionID string, expiresAt time.Time) error
	DeleteSubscription(ctx context.Context, mailboxID, subscriptionID string) error
}

// Sink receives subscription-failure notifications
type Sink interface {
	Notify(ctx context.Context, userID, kind, title, message, priority string) error
}

// LifecyclePayload is one provider lifecycle event off the webhook-renewal queue
type LifecyclePayload struct {
	SubscriptionID string `json:"subscriptionId"`
	Event          string `json:"lifecycleEvent"`
}

// Manager keeps exactly one active change-subscription per connected mailbox:
// creating missing ones, renewing expiring ones and recreating those the
// provider lost.
type Manager struct {
	store    Store
	provider Provider
	fabric   queue.Fabric
	sink     Sink

	webhookURL string
}

// NewManager creates a subscription manager. webhookURL is the public
// notification endpoint registered with the provider.
func NewManager(store Store, provider Provider, fabric queue.Fabric, sink Sink, webhookURL string) *Manager {
	return &Manager{
		store:      store,
		provider:   provider,
		fabric:     fabric,
		sink:       sink,
		webhookURL: webhookURL,
	}
}

// Reconcile walks every connected mailbox and converges its subscription
// state. Individual mailbox failures are logged so one broken mailbox cannot
// block the rest.
func (m *Manager) Reconcile(ctx context.Context) error {
	mailboxes, err := m.store.ListConnectedMailboxes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mailboxes for reconcile: %w", err)
	}

	for _, mb := range mailboxes {
		if err := m.reconcileMailbox(ctx, mb); err != nil {
			log.Printf("subscriptions: reconcile for mailbox %s failed: %v", mb.ID, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return nil
}

func (m *Manager) reconcileMailbox(ctx context.Context, mb *storage.Mailbox) error {
	subs, err := m.store.ListSubscriptionsByMailbox(ctx, mb.ID)
	if err != nil {
		return err
	}

	var active *storage.Subscription
	for _, sub := range subs {
		if sub.Status == storage.SubscriptionActive {
			active = sub
			break
		}
	}

	if active == nil {
		return m.create(ctx, mb)
	}

	if time.Until(active.ExpiresAt) > renewalWindow {
		return nil
	}
	return m.renew(ctx, mb, active)
}

// create registers a new subscription with a fresh random client state
func (m *Manager) create(ctx context.Context, mb *storage.Mailbox) error {
	clientState := uuid.NewString()
	created, err := m.provider.CreateSubscription(ctx, mb.ID, graph.ProviderSubscription{
		Resource:           watchedResource,
		ChangeType:         changeTypes,
		NotificationURL:    m.webhookURL,
		LifecycleURL:       m.webhookURL,
		ClientState:        clientState,
		ExpirationDateTime: time.Now().UTC().Add(subscriptionTTL),
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	sub := &storage.Subscription{
		ID:          created.ID,
		MailboxID:   mb.ID,
		Resource:    watchedResource,
		ChangeType:  changeTypes,
		ClientState: clientState,
		ExpiresAt:   created.ExpirationDateTime,
		Status:      storage.SubscriptionActive,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to persist subscription %s: %w", created.ID, err)
	}

	log.Printf("subscriptions: created %s for mailbox %s, expires %s",
		created.ID, mb.ID, created.ExpirationDateTime.Format(time.RFC3339))
	return nil
}

// renew pushes the expiry out; a 404 means the provider already dropped the
// subscription, in which case it is replaced.
func (m *Manager) renew(ctx context.Context, mb *storage.Mailbox, sub *storage.Subscription) error {
	expiresAt := time.Now().UTC().Add(subscriptionTTL)
	err := m.provider.RenewSubscription(ctx, mb.ID, sub.ID, expiresAt)
	if err == nil {
		sub.ExpiresAt = expiresAt
		sub.ErrorCount = 0
		return m.store.UpdateSubscription(ctx, sub)
	}

	if graph.IsNotFound(err) {
		log.Printf("subscriptions: %s gone at provider, recreating for mailbox %s", sub.ID, mb.ID)
		if delErr := m.store.DeleteSubscription(ctx, sub.ID); delErr != nil {
			return delErr
		}
		return m.create(ctx, mb)
	}

	return m.recordError(ctx, mb, sub, err)
}

// recordError bumps the consecutive-error counter and retires the
// subscription once the bound is hit.
func (m *Manager) recordError(ctx context.Context, mb *storage.Mailbox, sub *storage.Subscription, cause error) error {
	count, err := m.store.IncrementSubscriptionError(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to record subscription error: %w", err)
	}
	if count < maxErrorCount {
		return cause
	}

	sub.Status = storage.SubscriptionFailed
	sub.ErrorCount = count
	if err := m.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	log.Printf("subscriptions: %s marked failed after %d consecutive errors: %v", sub.ID, count, cause)

	if err := m.sink.Notify(ctx, mb.UserID, "subscription_failed",
		"Mail notifications interrupted",
		fmt.Sprintf("Change notifications for %s keep failing. Incoming mail is still picked up by periodic sync.", mb.Address),
		storage.PriorityHigh,
	); err != nil {
		log.Printf("subscriptions: failed to notify user %s: %v", mb.UserID, err)
	}

	return nil
}

// HandleRenewal processes the scheduled "renew" job from the webhook-renewal
// queue.
func (m *Manager) HandleRenewal(ctx context.Context, _ []byte) error {
	return m.Reconcile(ctx)
}

// HandleLifecycleEvent processes a "lifecycle-event" job: the provider's own
// signals about subscription health.
func (m *Manager) HandleLifecycleEvent(ctx context.Context, payload []byte) error {
	var p LifecyclePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid lifecycle payload: %w", err)
	}

	sub, err := m.store.GetSubscription(ctx, p.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		log.Printf("subscriptions: lifecycle event %q for unknown subscription %s", p.Event, p.SubscriptionID)
		return nil
	}

	mb, err := m.store.GetMailbox(ctx, sub.MailboxID)
	if err != nil {
		return err
	}
	if mb == nil || !mb.Connected {
		return nil
	}

	switch p.Event {
	case "subscriptionRemoved":
		if err := m.store.DeleteSubscription(ctx, sub.ID); err != nil {
			return err
		}
		return m.create(ctx, mb)

	case "missed":
		// Notifications were dropped; delta sync closes the gap.
		return m.fabric.Enqueue(ctx, queue.DeltaSync, "sync",
			map[string]string{"mailboxId": mb.ID}, queue.DefaultOptions)

	case "reauthorizationRequired":
		return m.fabric.Enqueue(ctx, queue.TokenRefresh, "refresh",
			map[string]string{"mailboxId": mb.ID}, queue.DefaultOptions)

	default:
		log.Printf("subscriptions: ignoring unknown lifecycle event %q for %s", p.Event, sub.ID)
		return nil
	}
}

// Teardown removes a mailbox's subscriptions at the provider and locally,
// used when a mailbox is disconnected deliberately.
func (m *Manager) Teardown(ctx context.Context, mailboxID string) error {
	subs, err := m.store.ListSubscriptionsByMailbox(ctx, mailboxID)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if err := m.provider.DeleteSubscription(ctx, mailboxID, sub.ID); err != nil && !graph.IsNotFound(err) {
			log.Printf("subscriptions: failed to delete %s at provider: %v", sub.ID, err)
		}
		if err := m.store.DeleteSubscription(ctx, sub.ID); err != nil {
			return err
		}
	}

	return nil
}
