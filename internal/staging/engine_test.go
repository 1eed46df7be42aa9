package staging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

type fakeStore struct {
	users     map[string]*storage.User
	mailboxes map[string]*storage.Mailbox
	rules     map[string]*storage.Rule
	staged    map[string]*storage.StagedEmail
	cleaned   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]*storage.User),
		mailboxes: make(map[string]*storage.Mailbox),
		rules:     make(map[string]*storage.Rule),
		staged:    make(map[string]*storage.StagedEmail),
	}
}

func (f *fakeStore) GetUser(_ context.Context, id string) (*storage.User, error) {
	return f.users[id], nil
}

func (f *fakeStore) GetMailbox(_ context.Context, id string) (*storage.Mailbox, error) {
	return f.mailboxes[id], nil
}

func (f *fakeStore) GetRule(_ context.Context, id string) (*storage.Rule, error) {
	return f.rules[id], nil
}

func (f *fakeStore) CreateStagedEmail(_ context.Context, staged *storage.StagedEmail) error {
	cp := *staged
	f.staged[staged.ID] = &cp
	return nil
}

func (f *fakeStore) GetStagedEmail(_ context.Context, id string) (*storage.StagedEmail, error) {
	if s, ok := f.staged[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) ListDueStagedEmails(_ context.Context, now time.Time) ([]*storage.StagedEmail, error) {
	var due []*storage.StagedEmail
	for _, s := range f.staged {
		if s.Status == storage.StagedStatusStaged && !s.ExpiresAt.After(now) {
			cp := *s
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (f *fakeStore) UpdateStagedEmail(_ context.Context, staged *storage.StagedEmail) error {
	cp := *staged
	f.staged[staged.ID] = &cp
	return nil
}

func (f *fakeStore) ExpireStagedForRule(_ context.Context, ruleID string) (int64, error) {
	var n int64
	for _, s := range f.staged {
		if s.RuleID == ruleID && s.Status == storage.StagedStatusStaged {
			s.Status = storage.StagedStatusExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ExpireStagedForMailbox(_ context.Context, mailboxID string) (int64, error) {
	var n int64
	for _, s := range f.staged {
		if s.MailboxID == mailboxID && s.Status == storage.StagedStatusStaged {
			s.Status = storage.StagedStatusExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteStagedPastCleanup(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, s := range f.staged {
		if s.Status != storage.StagedStatusStaged && !s.CleanupAt.After(now) {
			delete(f.staged, id)
			n++
		}
	}
	f.cleaned += int(n)
	return n, nil
}

type fakeMailer struct {
	moves   []string // "mailbox/message->folder"
	applied []string // action types
	nextID  string
	fail    error
}

func (f *fakeMailer) MoveMessage(_ context.Context, mailboxID, messageID, folder string) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.moves = append(f.moves, mailboxID+"/"+messageID+"->"+folder)
	if f.nextID != "" {
		return f.nextID, nil
	}
	return messageID, nil
}

func (f *fakeMailer) ApplyAction(_ context.Context, _, messageID string, action storage.RuleAction) (string, error) {
	if f.fail != nil {
		return messageID, f.fail
	}
	f.applied = append(f.applied, action.Type)
	return messageID, nil
}

type fakeSink struct {
	notifications []string
	audits        []string
}

func (f *fakeSink) Notify(_ context.Context, userID, kind, _, _, priority string) error {
	f.notifications = append(f.notifications, userID+"/"+kind+"/"+priority)
	return nil
}

func (f *fakeSink) Audit(_ context.Context, entry *storage.AuditLog) error {
	f.audits = append(f.audits, entry.Action)
	return nil
}

func testEngine(store *fakeStore, mailer *fakeMailer, sink *fakeSink) *Engine {
	return NewEngine(store, mailer, sink, "Warden", 48*time.Hour, 168*time.Hour)
}

func connectedMailbox(store *fakeStore) *storage.Mailbox {
	mb := &storage.Mailbox{ID: "mb-1", UserID: "user-1", Connected: true}
	store.mailboxes["mb-1"] = mb
	store.users["user-1"] = &storage.User{ID: "user-1"}
	store.rules["r-1"] = deleteRule()
	return mb
}

func deleteRule() *storage.Rule {
	return &storage.Rule{
		ID:      "r-1",
		Name:    "drop newsletters",
		Enabled: true,
		Actions: []storage.RuleAction{{Type: storage.ActionDelete}},
	}
}

func TestStageMovesMessageAndRecordsWindow(t *testing.T) {
	store := newFakeStore()
	mailer := &fakeMailer{nextID: "msg-moved"}
	sink := &fakeSink{}
	e := testEngine(store, mailer, sink)
	mb := connectedMailbox(store)

	staged, err := e.Stage(context.Background(), mb, deleteRule(), "msg-1", "inbox", deleteRule().Actions)
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	if len(mailer.moves) != 1 || !strings.HasSuffix(mailer.moves[0], "->Warden") {
		t.Fatalf("expected one move into the staging folder, got %v", mailer.moves)
	}
	if staged.MessageID != "msg-moved" {
		t.Fatalf("expected the post-move message id, got %q", staged.MessageID)
	}
	if staged.OriginalFolder != "inbox" {
		t.Fatalf("expected original folder recorded, got %q", staged.OriginalFolder)
	}
	if staged.Status != storage.StagedStatusStaged {
		t.Fatalf("expected staged status, got %q", staged.Status)
	}
	if want := staged.StagedAt.Add(48 * time.Hour); !staged.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, staged.ExpiresAt)
	}
	if !staged.CleanupAt.After(staged.ExpiresAt) {
		t.Fatal("expected cleanup time after expiry")
	}
	if len(sink.notifications) != 1 || sink.notifications[0] != "user-1/email_staged/normal" {
		t.Fatalf("expected one staging notification, got %v", sink.notifications)
	}
}

func TestRescueRestoresOriginalFolder(t *testing.T) {
	store := newFakeStore()
	mailer := &fakeMailer{}
	sink := &fakeSink{}
	e := testEngine(store, mailer, sink)
	mb := connectedMailbox(store)

	staged, err := e.Stage(context.Background(), mb, deleteRule(), "msg-1", "inbox", deleteRule().Actions)
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	if err := e.Rescue(context.Background(), staged.ID); err != nil {
		t.Fatalf("rescue failed: %v", err)
	}

	got := store.staged[staged.ID]
	if got.Status != storage.StagedStatusRescued {
		t.Fatalf("expected rescued status, got %q", got.Status)
	}
	if got.RescuedAt == nil {
		t.Fatal("expected rescue timestamp")
	}
	if last := mailer.moves[len(mailer.moves)-1]; !strings.HasSuffix(last, "->inbox") {
		t.Fatalf("expected move back to the original folder, got %q", last)
	}

	// A finished record cannot be rescued again.
	if err := e.Rescue(context.Background(), staged.ID); err == nil {
		t.Fatal("expected rescuing a rescued record to fail")
	}
}

func TestRescueRejectedAfterWindowExpires(t *testing.T) {
	store := newFakeStore()
	e := testEngine(store, &fakeMailer{}, &fakeSink{})
	connectedMailbox(store)

	store.staged["s-1"] = &storage.StagedEmail{
		ID:        "s-1",
		MailboxID: "mb-1",
		MessageID: "msg-1",
		Status:    storage.StagedStatusStaged,
		ExpiresAt: time.Now().Add(-time.Minute),
		CleanupAt: time.Now().Add(time.Hour),
	}

	if err := e.Rescue(context.Background(), "s-1"); err == nil {
		t.Fatal("expected rescue past the window to fail")
	}
	if store.staged["s-1"].Status != storage.StagedStatusStaged {
		t.Fatal("expected record left untouched by the failed rescue")
	}
}

func TestProcessDueExecutesExpiredActions(t *testing.T) {
	store := newFakeStore()
	mailer := &fakeMailer{}
	sink := &fakeSink{}
	e := testEngine(store, mailer, sink)
	connectedMailbox(store)

	store.staged["s-1"] = &storage.StagedEmail{
		ID:        "s-1",
		MailboxID: "mb-1",
		RuleID:    "r-1",
		MessageID: "msg-1",
		Actions:   []storage.RuleAction{{Type: storage.ActionDelete}},
		Status:    storage.StagedStatusStaged,
		ExpiresAt: time.Now().Add(-time.Minute),
		CleanupAt: time.Now().Add(time.Hour),
	}

	if err := e.ProcessDue(context.Background()); err != nil {
		t.Fatalf("process due failed: %v", err)
	}

	got := store.staged["s-1"]
	if got.Status != storage.StagedStatusExecuted {
		t.Fatalf("expected executed status, got %q", got.Status)
	}
	if got.ExecutedAt == nil {
		t.Fatal("expected execution timestamp")
	}
	if len(mailer.applied) != 1 || mailer.applied[0] != storage.ActionDelete {
		t.Fatalf("expected the delete action to run, got %v", mailer.applied)
	}
}

func TestProcessDueSkipsUnexpiredRecords(t *testing.T) {
	store := newFakeStore()
	mailer := &fakeMailer{}
	e := testEngine(store, mailer, &fakeSink{})
	connectedMailbox(store)

	store.staged["s-1"] = &storage.StagedEmail{
		ID:        "s-1",
		MailboxID: "mb-1",
		MessageID: "msg-1",
		Actions:   []storage.RuleAction{{Type: storage.ActionDelete}},
		Status:    storage.StagedStatusStaged,
		ExpiresAt: time.Now().Add(time.Hour),
		CleanupAt: time.Now().Add(2 * time.Hour),
	}

	if err := e.ProcessDue(context.Background()); err != nil {
		t.Fatalf("process due failed: %v", err)
	}
	if store.staged["s-1"].Status != storage.StagedStatusStaged {
		t.Fatal("expected unexpired record to stay staged")
	}
	if len(mailer.applied) != 0 {
		t.Fatalf("expected no actions before expiry, got %v", mailer.applied)
	}
}

func TestProcessDueExpiresRecordForDisconnectedMailbox(t *testing.T) {
	store := newFakeStore()
	e := testEngine(store, &fakeMailer{}, &fakeSink{})
	mb := connectedMailbox(store)
	mb.Connected = false

	store.staged["s-1"] = &storage.StagedEmail{
		ID:        "s-1",
		MailboxID: "mb-1",
		MessageID: "msg-1",
		Actions:   []storage.RuleAction{{Type: storage.ActionDelete}},
		Status:    storage.StagedStatusStaged,
		ExpiresAt: time.Now().Add(-time.Minute),
		CleanupAt: time.Now().Add(time.Hour),
	}

	if err := e.ProcessDue(context.Background()); err != nil {
		t.Fatalf("process due failed: %v", err)
	}
	if store.staged["s-1"].Status != storage.StagedStatusExpired {
		t.Fatalf("expected expired status, got %q", store.staged["s-1"].Status)
	}
}

func TestProcessDueHoldsRecordWhileAutomationPaused(t *testing.T) {
	store := newFakeStore()
	mailer := &fakeMailer{}
	e := testEngine(store, mailer, &fakeSink{})
	mb := connectedMailbox(store)
	mb.AutomationPaused = true

	store.staged["s-1"] = &storage.StagedEmail{
		ID:        "s-1",
		MailboxID: "mb-1",
		MessageID: "msg-1",
		Actions:   []storage.RuleAction{{Type: storage.ActionDelete}},
		Status:    storage.StagedStatusStaged,
		ExpiresAt: time.Now().Add(-time.Minute),
		CleanupAt: time.Now().Add(time.Hour),
	}

	if err := e.ProcessDue(context.Background()); err != nil {
		t.Fatalf("process due failed: %v", err)
	}
	if store.staged["s-1"].Status != storage.StagedStatusStaged {
		t.Fatal("expected record held while paused")
	}
	if len(mailer.applied) != 0 {
		t.Fatalf("expected no actions while paused, got %v", mailer.applied)
	}
}

func TestProcessDueGivesUpAfterRepeatedFailures(t *testing.T) {
	store := newFakeStore()
	mailer := &fakeMailer{fail: errors.New("provider down")}
	sink := &fakeSink{}
	e := testEngine(store, mailer, sink)
	connectedMailbox(store)

	store.staged["s-1"] = &storage.StagedEmail{
		ID:        "s-1",
		MailboxID: "mb-1",
		RuleID:    "r-1",
		MessageID: "msg-1",
		Actions:   []storage.RuleAction{{Type: storage.ActionDelete}},
		Status:    storage.StagedStatusStaged,
		ExpiresAt: time.Now().Add(-time.Minute),
		CleanupAt: time.Now().Add(time.Hour),
	}

	for i := 0; i < maxExecuteAttempts; i++ {
		if err := e.ProcessDue(context.Background()); err != nil {
			t.Fatalf("process due failed: %v", err)
		}
	}

	got := store.staged["s-1"]
	if got.Attempts != maxExecuteAttempts {
		t.Fatalf("expected %d attempts, got %d", maxExecuteAttempts, got.Attempts)
	}
	if got.Status != storage.StagedStatusExpired {
		t.Fatalf("expected expired status after final attempt, got %q", got.Status)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "provider down") {
		t.Fatalf("expected the failure recorded, got %v", got.LastError)
	}
	if len(sink.notifications) != 1 || sink.notifications[0] != "user-1/staging_failed/high" {
		t.Fatalf("expected one give-up notification, got %v", sink.notifications)
	}
}

func TestProcessDueExpiresRecordsOfRemovedOrDisabledRule(t *testing.T) {
	store := newFakeStore()
	mailer := &fakeMailer{}
	e := testEngine(store, mailer, &fakeSink{})
	connectedMailbox(store)

	disabled := deleteRule()
	disabled.ID = "r-off"
	disabled.Enabled = false
	store.rules["r-off"] = disabled

	store.staged["s-gone"] = &storage.StagedEmail{
		ID:        "s-gone",
		MailboxID: "mb-1",
		RuleID:    "r-deleted", // no longer in storage
		MessageID: "msg-1",
		Actions:   []storage.RuleAction{{Type: storage.ActionDelete}},
		Status:    storage.StagedStatusStaged,
		ExpiresAt: time.Now().Add(-time.Minute),
		CleanupAt: time.Now().Add(time.Hour),
	}
	store.staged["s-off"] = &storage.StagedEmail{
		ID:        "s-off",
		MailboxID: "mb-1",
		RuleID:    "r-off",
		MessageID: "msg-2",
		Actions:   []storage.RuleAction{{Type: storage.ActionDelete}},
		Status:    storage.StagedStatusStaged,
		ExpiresAt: time.Now().Add(-time.Minute),
		CleanupAt: time.Now().Add(time.Hour),
	}

	if err := e.ProcessDue(context.Background()); err != nil {
		t.Fatalf("process due failed: %v", err)
	}

	if got := store.staged["s-gone"].Status; got != storage.StagedStatusExpired {
		t.Fatalf("expected record of deleted rule expired, got %q", got)
	}
	if got := store.staged["s-off"].Status; got != storage.StagedStatusExpired {
		t.Fatalf("expected record of disabled rule expired, got %q", got)
	}
	if len(mailer.applied) != 0 {
		t.Fatalf("expected no actions for dead rules, got %v", mailer.applied)
	}
}

func TestExpireForRuleCancelsAllPendingRecords(t *testing.T) {
	store := newFakeStore()
	e := testEngine(store, &fakeMailer{}, &fakeSink{})
	connectedMailbox(store)

	store.staged["s-1"] = &storage.StagedEmail{
		ID: "s-1", MailboxID: "mb-1", RuleID: "r-1",
		Status: storage.StagedStatusStaged,
	}
	store.staged["s-2"] = &storage.StagedEmail{
		ID: "s-2", MailboxID: "mb-1", RuleID: "r-1",
		Status: storage.StagedStatusExecuted,
	}

	n, err := e.ExpireForRule(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("expire for rule failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one record expired, got %d", n)
	}
	if store.staged["s-1"].Status != storage.StagedStatusExpired {
		t.Fatal("expected the pending record expired")
	}
	if store.staged["s-2"].Status != storage.StagedStatusExecuted {
		t.Fatal("expected the executed record untouched")
	}
}

func TestExpireForMailboxCancelsAllPendingRecords(t *testing.T) {
	store := newFakeStore()
	e := testEngine(store, &fakeMailer{}, &fakeSink{})
	connectedMailbox(store)

	store.staged["s-1"] = &storage.StagedEmail{
		ID: "s-1", MailboxID: "mb-1", RuleID: "r-1",
		Status: storage.StagedStatusStaged,
	}
	store.staged["s-2"] = &storage.StagedEmail{
		ID: "s-2", MailboxID: "mb-other", RuleID: "r-1",
		Status: storage.StagedStatusStaged,
	}

	n, err := e.ExpireForMailbox(context.Background(), "mb-1")
	if err != nil {
		t.Fatalf("expire for mailbox failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one record expired, got %d", n)
	}
	if store.staged["s-2"].Status != storage.StagedStatusStaged {
		t.Fatal("expected other mailboxes untouched")
	}
}

func TestProcessDueCleansUpFinishedRecords(t *testing.T) {
	store := newFakeStore()
	e := testEngine(store, &fakeMailer{}, &fakeSink{})
	connectedMailbox(store)

	store.staged["old"] = &storage.StagedEmail{
		ID:        "old",
		MailboxID: "mb-1",
		Status:    storage.StagedStatusExecuted,
		ExpiresAt: time.Now().Add(-200 * time.Hour),
		CleanupAt: time.Now().Add(-time.Hour),
	}

	if err := e.ProcessDue(context.Background()); err != nil {
		t.Fatalf("process due failed: %v", err)
	}
	if _, ok := store.staged["old"]; ok {
		t.Fatal("expected finished record past cleanup to be deleted")
	}
}
