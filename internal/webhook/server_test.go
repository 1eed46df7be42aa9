package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/inboxwarden/inboxwarden/internal/queue"
	"github.com/inboxwarden/inboxwarden/internal/storage"
)

type fakeStore struct {
	subs    map[string]*storage.Subscription
	pingErr error
}

func (f *fakeStore) GetSubscription(_ context.Context, id string) (*storage.Subscription, error) {
	return f.subs[id], nil
}

func (f *fakeStore) Ping() error { return f.pingErr }

type fakeFabric struct {
	enqueued []string // "queue/job"
	payloads []map[string]string
}

func (f *fakeFabric) Enqueue(_ context.Context, queueName, jobName string, payload interface{}, _ queue.Options) error {
	f.enqueued = append(f.enqueued, queueName+"/"+jobName)
	if m, ok := payload.(map[string]string); ok {
		f.payloads = append(f.payloads, m)
	}
	return nil
}

type fakeRedis struct{ err error }

func (f *fakeRedis) Ping(_ context.Context) error { return f.err }

func newTestServer() (*Server, *fakeStore, *fakeFabric) {
	store := &fakeStore{subs: map[string]*storage.Subscription{
		"sub-1": {ID: "sub-1", MailboxID: "mb-1", ClientState: "secret-1"},
	}}
	fabric := &fakeFabric{}
	return NewServer(store, fabric, &fakeRedis{}), store, fabric
}

func TestValidationHandshakeEchoesTokenExactly(t *testing.T) {
	s, _, fabric := newTestServer()

	token := "abc 123+weird=chars"
	req := httptest.NewRequest(http.MethodPost,
		"/webhooks/graph?validationToken="+"abc%20123%2Bweird%3Dchars", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Fatalf("expected text/plain, got %q", got)
	}
	if rec.Body.String() != token {
		t.Fatalf("expected the token echoed verbatim, got %q", rec.Body.String())
	}
	if len(fabric.enqueued) != 0 {
		t.Fatal("expected no jobs from a handshake")
	}
}

func TestValidationHandshakeWorksOverGET(t *testing.T) {
	s, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/webhooks/graph?validationToken=abc123", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "abc123" {
		t.Fatalf("expected 200 with the token echoed, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestNotificationBatchAnswers202(t *testing.T) {
	s, _, _ := newTestServer()

	body := `{"value":[{"subscriptionId":"sub-1","clientState":"secret-1","changeType":"created","resourceData":{"id":"msg-1"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/graph", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func TestUndecodableBodyStillAnswers202(t *testing.T) {
	s, _, fabric := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/graph", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(fabric.enqueued) != 0 {
		t.Fatal("expected nothing enqueued")
	}
}

func TestOversizedBodyIsDiscarded(t *testing.T) {
	s, _, fabric := newTestServer()

	body := `{"value":[{"subscriptionId":"` + strings.Repeat("x", maxNotificationBody) + `"}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/graph", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(fabric.enqueued) != 0 {
		t.Fatal("expected nothing enqueued from an oversized body")
	}
}

func TestDispatchRoutesChangeNotification(t *testing.T) {
	s, _, fabric := newTestServer()

	s.dispatch(context.Background(), []Notification{{
		SubscriptionID: "sub-1",
		ClientState:    "secret-1",
		ChangeType:     "created",
		Resource:       "Users/u1/Messages/msg-1",
	}})

	if len(fabric.enqueued) != 1 || fabric.enqueued[0] != queue.WebhookEvents+"/change-notification" {
		t.Fatalf("expected a change-notification job, got %v", fabric.enqueued)
	}
	p := fabric.payloads[0]
	if p["mailboxId"] != "mb-1" || p["messageId"] != "msg-1" || p["changeType"] != "created" {
		t.Fatalf("unexpected payload %v", p)
	}
}

func TestDispatchRoutesLifecycleEvent(t *testing.T) {
	s, _, fabric := newTestServer()

	s.dispatch(context.Background(), []Notification{{
		SubscriptionID: "sub-1",
		ClientState:    "secret-1",
		LifecycleEvent: "missed",
	}})

	if len(fabric.enqueued) != 1 || fabric.enqueued[0] != queue.WebhookRenewal+"/lifecycle-event" {
		t.Fatalf("expected a lifecycle-event job, got %v", fabric.enqueued)
	}
	if fabric.payloads[0]["lifecycleEvent"] != "missed" {
		t.Fatalf("unexpected payload %v", fabric.payloads[0])
	}
}

func TestDispatchDiscardsUnknownSubscription(t *testing.T) {
	s, _, fabric := newTestServer()

	s.dispatch(context.Background(), []Notification{{
		SubscriptionID: "ghost",
		ClientState:    "secret-1",
		ChangeType:     "created",
		Resource:       "Users/u1/Messages/msg-1",
	}})

	if len(fabric.enqueued) != 0 {
		t.Fatalf("expected unknown subscription discarded, got %v", fabric.enqueued)
	}
}

func TestDispatchDiscardsClientStateMismatch(t *testing.T) {
	s, _, fabric := newTestServer()

	s.dispatch(context.Background(), []Notification{{
		SubscriptionID: "sub-1",
		ClientState:    "forged",
		ChangeType:     "created",
		Resource:       "Users/u1/Messages/msg-1",
	}})

	if len(fabric.enqueued) != 0 {
		t.Fatalf("expected forged notification discarded, got %v", fabric.enqueued)
	}
}

func TestHealthReportsBackends(t *testing.T) {
	s, store, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when healthy, got %d", rec.Code)
	}

	store.pingErr = context.DeadlineExceeded
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when db down, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body failed: %v", err)
	}
	if body["status"] != "unhealthy" {
		t.Fatalf("expected unhealthy status, got %v", body["status"])
	}
}
