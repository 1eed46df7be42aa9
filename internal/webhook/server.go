package webhook

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/inboxwarden/inboxwarden/internal/queue"
	"github.com/inboxwarden/inboxwarden/internal/storage"
)

// maxNotificationBody caps how much of a notification body is read.
// Provider batches are tiny; anything near this size is garbage and must
// not be allowed to stall the handler.
const maxNotificationBody = 1 << 20

// Store is the persistence the ingress needs
type Store interface {
	GetSubscription(ctx context.Context, id string) (*storage.Subscription, error)
	Ping() error
}

// RedisPinger reports queue-backend connectivity for the health check
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Notification is one item of a provider notification batch
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	LifecycleEvent string `json:"lifecycleEvent,omitempty"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// Server is the webhook HTTP ingress. It does exactly two things fast:
// answer the provider's validation handshake and accept notification
// batches, deferring all real work to the queues.
type Server struct {
	store  Store
	fabric queue.Fabric
	redis  RedisPinger
	router *mux.Router
}

// NewServer creates the ingress server
func NewServer(store Store, fabric queue.Fabric, redis RedisPinger) *Server {
	s := &Server{
		store:  store,
		fabric: fabric,
		redis:  redis,
		router: mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	// The provider POSTs both handshakes and notifications; GET is allowed
	// for the handshake so the endpoint can be probed by hand.
	s.router.HandleFunc("/webhooks/graph", s.notificationHandler).Methods("POST", "GET")
	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
}

// Router exposes the handler for serving and for tests
func (s *Server) Router() *mux.Router {
	return s.router
}

// notificationHandler accepts provider notifications. The provider abandons
// endpoints that answer slowly, so the 202 goes out before any store or
// queue I/O; validation and dispatch happen out of band.
func (s *Server) notificationHandler(w http.ResponseWriter, r *http.Request) {
	// Subscription validation handshake: echo the token verbatim and
	// nothing else.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	var batch struct {
		Value []Notification `json:"value"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxNotificationBody)
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		log.Printf("webhook: discarding undecodable notification body: %v", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	go s.dispatch(context.Background(), batch.Value)
}

// dispatch validates and routes one notification batch. Failures are logged
// and never surfaced to the provider: a delivery lost here is recovered by
// the next delta sync.
func (s *Server) dispatch(ctx context.Context, notifications []Notification) {
	for _, n := range notifications {
		sub, err := s.store.GetSubscription(ctx, n.SubscriptionID)
		if err != nil {
			log.Printf("webhook: failed to look up subscription %s: %v", n.SubscriptionID, err)
			continue
		}
		if sub == nil {
			log.Printf("webhook: discarding notification for unknown subscription %s", n.SubscriptionID)
			continue
		}
		if sub.ClientState != n.ClientState {
			log.Printf("webhook: discarding notification for subscription %s: client state mismatch", n.SubscriptionID)
			continue
		}

		if n.LifecycleEvent != "" {
			err = s.fabric.Enqueue(ctx, queue.WebhookRenewal, "lifecycle-event", map[string]string{
				"subscriptionId": sub.ID,
				"lifecycleEvent": n.LifecycleEvent,
			}, queue.DefaultOptions)
			if err != nil {
				log.Printf("webhook: failed to enqueue lifecycle event for %s: %v", sub.ID, err)
			}
			continue
		}

		messageID := n.ResourceData.ID
		if messageID == "" {
			messageID = messageIDFromResource(n.Resource)
		}
		if messageID == "" {
			log.Printf("webhook: discarding notification for subscription %s: no message id", sub.ID)
			continue
		}

		err = s.fabric.Enqueue(ctx, queue.WebhookEvents, "change-notification", map[string]string{
			"mailboxId":  sub.MailboxID,
			"messageId":  messageID,
			"changeType": n.ChangeType,
		}, queue.DefaultOptions)
		if err != nil {
			log.Printf("webhook: failed to enqueue change for %s: %v", sub.ID, err)
		}
	}
}

// messageIDFromResource pulls the message id out of a resource path like
// "Users/{uid}/Messages/{id}".
func messageIDFromResource(resource string) string {
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return resource[i+1:]
	}
	return ""
}

// healthHandler reports server health status
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	if err := s.store.Ping(); err != nil {
		dbStatus = "unhealthy"
		log.Printf("Database health check failed: %v", err)
	}

	redisStatus := "healthy"
	if err := s.redis.Ping(r.Context()); err != nil {
		redisStatus = "unhealthy"
		log.Printf("Redis health check failed: %v", err)
	}

	overallStatus := "healthy"
	statusCode := http.StatusOK
	if dbStatus != "healthy" || redisStatus != "healthy" {
		overallStatus = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"service":   "inboxwarden",
		"database":  map[string]string{"status": dbStatus},
		"redis":     map[string]string{"status": redisStatus},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// Start starts the webhook HTTP server
func (s *Server) Start(addr string) error {
	log.Printf("Starting webhook server on %s", addr)
	return http.ListenAndServe(addr, s.router)
}
