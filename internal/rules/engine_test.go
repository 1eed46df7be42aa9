package rules

import (
	"context"
	"testing"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

type fakeStore struct {
	user  *storage.User
	rules []*storage.Rule
}

func (f *fakeStore) GetUser(_ context.Context, _ string) (*storage.User, error) {
	return f.user, nil
}

func (f *fakeStore) ListEnabledRules(_ context.Context, _ string) ([]*storage.Rule, error) {
	return f.rules, nil
}

type fakeExempter struct {
	exempt map[string]bool
}

func (f *fakeExempter) IsExempt(_ context.Context, _ *storage.Mailbox, sender string) (bool, error) {
	return f.exempt[sender], nil
}

func testMailbox() *storage.Mailbox {
	return &storage.Mailbox{ID: "mb-1", UserID: "user-1"}
}

func newsletterRule(id string, priority int) *storage.Rule {
	return &storage.Rule{
		ID:       id,
		Priority: priority,
		Enabled:  true,
		Conditions: storage.RuleConditions{
			SenderDomain: "news.example.com",
		},
		Actions: []storage.RuleAction{{Type: storage.ActionArchive}},
	}
}

func TestEvaluateUserPausedSkipsEverything(t *testing.T) {
	store := &fakeStore{
		user:  &storage.User{ID: "user-1", AutomationPaused: true},
		rules: []*storage.Rule{newsletterRule("r-1", 10)},
	}
	e := NewEngine(store, &fakeExempter{})

	d, err := e.Evaluate(context.Background(), testMailbox(), Email{Sender: "a@news.example.com"})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Matched || d.Skipped != SkipUserPaused {
		t.Fatalf("expected user-paused skip, got %+v", d)
	}
}

func TestEvaluateMailboxPausedSkipsEverything(t *testing.T) {
	store := &fakeStore{
		user:  &storage.User{ID: "user-1"},
		rules: []*storage.Rule{newsletterRule("r-1", 10)},
	}
	e := NewEngine(store, &fakeExempter{})

	mb := testMailbox()
	mb.AutomationPaused = true

	d, err := e.Evaluate(context.Background(), mb, Email{Sender: "a@news.example.com"})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Matched || d.Skipped != SkipMailboxPaused {
		t.Fatalf("expected mailbox-paused skip, got %+v", d)
	}
}

func TestEvaluateWhitelistBeatsMatchingRule(t *testing.T) {
	store := &fakeStore{
		user:  &storage.User{ID: "user-1"},
		rules: []*storage.Rule{newsletterRule("r-1", 10)},
	}
	e := NewEngine(store, &fakeExempter{exempt: map[string]bool{"a@news.example.com": true}})

	d, err := e.Evaluate(context.Background(), testMailbox(), Email{Sender: "a@news.example.com"})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Matched || d.Skipped != SkipWhitelisted {
		t.Fatalf("expected whitelist skip, got %+v", d)
	}
}

func TestEvaluateFirstMatchInPriorityOrderWins(t *testing.T) {
	// Storage returns rules already ordered by priority; both match.
	store := &fakeStore{
		user: &storage.User{ID: "user-1"},
		rules: []*storage.Rule{
			newsletterRule("high", 1),
			newsletterRule("low", 50),
		},
	}
	e := NewEngine(store, &fakeExempter{})

	d, err := e.Evaluate(context.Background(), testMailbox(), Email{Sender: "a@news.example.com"})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !d.Matched || d.Rule.ID != "high" {
		t.Fatalf("expected the first rule to win, got %+v", d)
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	store := &fakeStore{
		user:  &storage.User{ID: "user-1"},
		rules: []*storage.Rule{newsletterRule("r-1", 10)},
	}
	e := NewEngine(store, &fakeExempter{})

	d, err := e.Evaluate(context.Background(), testMailbox(), Email{Sender: "boss@corp.example.com"})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Matched || d.Skipped != SkipNoMatch {
		t.Fatalf("expected no-match skip, got %+v", d)
	}
}

func TestMatchesConditionsAreANDCombined(t *testing.T) {
	cond := storage.RuleConditions{
		SenderDomain:    "news.example.com",
		SubjectContains: "digest",
	}

	if !matches(cond, Email{Sender: "a@news.example.com", Subject: "Weekly Digest"}) {
		t.Fatal("expected match when all conditions hold")
	}
	if matches(cond, Email{Sender: "a@news.example.com", Subject: "Invoice"}) {
		t.Fatal("expected no match when one condition fails")
	}
}

func TestMatchesIsCaseInsensitive(t *testing.T) {
	cond := storage.RuleConditions{
		Senders:         []string{"Alerts@Example.COM"},
		SubjectContains: "URGENT",
		FromFolder:      "Inbox",
	}

	email := Email{
		Sender:  "alerts@example.com",
		Subject: "something urgent happened",
		Folder:  "inbox",
	}
	if !matches(cond, email) {
		t.Fatal("expected case-insensitive match")
	}
}

func TestMatchesSenderDomainIsCaseInsensitive(t *testing.T) {
	cond := storage.RuleConditions{SenderDomain: "example.com"}
	if !matches(cond, Email{Sender: "User@EXAMPLE.com"}) {
		t.Fatal("expected case-insensitive domain match")
	}
}

func TestMatchesEmptyConditionsMatchEverything(t *testing.T) {
	if !matches(storage.RuleConditions{}, Email{Sender: "anyone@anywhere.example"}) {
		t.Fatal("expected empty conditions to be a wildcard")
	}
}

func TestMatchesSenderDomainUsesLastAtSign(t *testing.T) {
	cond := storage.RuleConditions{SenderDomain: "example.com"}
	if !matches(cond, Email{Sender: `"odd@name"@example.com`}) {
		t.Fatal("expected domain to be derived from the last @")
	}
}
