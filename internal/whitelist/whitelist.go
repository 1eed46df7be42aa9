package whitelist

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

// orgSetKey holds the org-wide whitelist as a redis set. Members are
// "sender:<address>" or "domain:<domain>", lowercased. Postgres is the
// source of truth; the set is a warm cache rebuilt at startup.
const orgSetKey = "whitelist:org"

// Store is the persistence the registry needs
type Store interface {
	ListOrgWhitelist(ctx context.Context) ([]*storage.WhitelistEntry, error)
	AddOrgWhitelist(ctx context.Context, entry, kind string) error
	RemoveOrgWhitelist(ctx context.Context, entry string) error
}

// Registry answers "is this sender exempt from automation?" for both the
// per-mailbox lists and the org-wide list.
type Registry struct {
	store Store
	rdb   *redis.Client
}

// NewRegistry creates a whitelist registry
func NewRegistry(store Store, rdb *redis.Client) *Registry {
	return &Registry{store: store, rdb: rdb}
}

func member(kind, entry string) string {
	return kind + ":" + strings.ToLower(entry)
}

// Warm rebuilds the redis set from Postgres. Call at startup and after any
// direct database edit.
func (r *Registry) Warm(ctx context.Context) error {
	entries, err := r.store.ListOrgWhitelist(ctx)
	if err != nil {
		return fmt.Errorf("failed to load org whitelist: %w", err)
	}

	members := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		members = append(members, member(e.Kind, e.Entry))
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, orgSetKey)
	if len(members) > 0 {
		pipe.SAdd(ctx, orgSetKey, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to warm org whitelist: %w", err)
	}
	return nil
}

// Add puts a sender or domain on the org whitelist
func (r *Registry) Add(ctx context.Context, entry, kind string) error {
	if kind != storage.WhitelistSender && kind != storage.WhitelistDomain {
		return fmt.Errorf("unknown whitelist kind %q", kind)
	}
	entry = strings.ToLower(strings.TrimSpace(entry))
	if entry == "" {
		return fmt.Errorf("empty whitelist entry")
	}

	if err := r.store.AddOrgWhitelist(ctx, entry, kind); err != nil {
		return err
	}
	return r.rdb.SAdd(ctx, orgSetKey, member(kind, entry)).Err()
}

// Remove takes an entry off the org whitelist
func (r *Registry) Remove(ctx context.Context, entry string) error {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if err := r.store.RemoveOrgWhitelist(ctx, entry); err != nil {
		return err
	}
	return r.rdb.SRem(ctx, orgSetKey,
		member(storage.WhitelistSender, entry),
		member(storage.WhitelistDomain, entry),
	).Err()
}

// IsExempt reports whether the sender is protected from automation, checking
// the mailbox's own lists first and then the org-wide set. A lookup error is
// returned rather than treated as "not exempt": the whitelist must never
// fail open.
func (r *Registry) IsExempt(ctx context.Context, mb *storage.Mailbox, sender string) (bool, error) {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		return false, nil
	}
	domain := storage.DomainOf(sender)

	for _, s := range mb.WhitelistSenders {
		if strings.EqualFold(s, sender) {
			return true, nil
		}
	}
	for _, d := range mb.WhitelistDomains {
		if strings.EqualFold(d, domain) {
			return true, nil
		}
	}

	hits, err := r.rdb.SMIsMember(ctx, orgSetKey,
		member(storage.WhitelistSender, sender),
		member(storage.WhitelistDomain, domain),
	).Result()
	if err != nil {
		return false, fmt.Errorf("org whitelist lookup failed: %w", err)
	}
	for _, hit := range hits {
		if hit {
			return true, nil
		}
	}
	return false, nil
}
