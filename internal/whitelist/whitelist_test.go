package whitelist

import (
	"context"
	"testing"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

func TestMemberNormalizesCase(t *testing.T) {
	if got := member(storage.WhitelistSender, "Boss@Example.COM"); got != "sender:boss@example.com" {
		t.Fatalf("unexpected member %q", got)
	}
	if got := member(storage.WhitelistDomain, "Example.com"); got != "domain:example.com" {
		t.Fatalf("unexpected member %q", got)
	}
}

func TestIsExemptMailboxListsAreCheckedFirst(t *testing.T) {
	// nil redis client: a mailbox-level hit must resolve before the org
	// lookup is ever reached.
	r := NewRegistry(nil, nil)

	mb := &storage.Mailbox{
		WhitelistSenders: []string{"Boss@Corp.example"},
		WhitelistDomains: []string{"Partner.example"},
	}

	exempt, err := r.IsExempt(context.Background(), mb, "boss@corp.example")
	if err != nil || !exempt {
		t.Fatalf("expected mailbox sender hit, got exempt=%v err=%v", exempt, err)
	}

	exempt, err = r.IsExempt(context.Background(), mb, "anyone@partner.example")
	if err != nil || !exempt {
		t.Fatalf("expected mailbox domain hit, got exempt=%v err=%v", exempt, err)
	}
}

func TestIsExemptEmptySenderIsNotExempt(t *testing.T) {
	r := NewRegistry(nil, nil)
	exempt, err := r.IsExempt(context.Background(), &storage.Mailbox{}, "  ")
	if err != nil || exempt {
		t.Fatalf("expected empty sender not exempt, got exempt=%v err=%v", exempt, err)
	}
}
