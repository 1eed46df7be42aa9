package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/inboxwarden/inboxwarden/internal/config"
	"github.com/inboxwarden/inboxwarden/internal/events"
	"github.com/inboxwarden/inboxwarden/internal/graph"
	"github.com/inboxwarden/inboxwarden/internal/notify"
	"github.com/inboxwarden/inboxwarden/internal/queue"
	"github.com/inboxwarden/inboxwarden/internal/rules"
	"github.com/inboxwarden/inboxwarden/internal/staging"
	"github.com/inboxwarden/inboxwarden/internal/storage"
	"github.com/inboxwarden/inboxwarden/internal/subscriptions"
	"github.com/inboxwarden/inboxwarden/internal/tokens"
	"github.com/inboxwarden/inboxwarden/internal/vault"
	"github.com/inboxwarden/inboxwarden/internal/webhook"
	"github.com/inboxwarden/inboxwarden/internal/whitelist"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	log.Println("InboxWarden starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	store, err := storage.NewPostgreSQLStorage(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()
	log.Println("Database connection established")

	// Redis, shared by the queue fabric and the whitelist cache
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	log.Println("Redis connection established")

	fabric := queue.NewRedisFabric(rdb)

	// Credential vault and token lifecycle
	tokenVault, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}
	tokenManager := tokens.NewManager(store, tokenVault, tokens.Config{
		TokenURL:     cfg.OAuthTokenURL,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Scope:        cfg.OAuthScope,
	})

	graphClient := graph.NewClient(cfg.GraphBaseURL, tokenManager)
	sink := notify.NewSink(store)

	// Whitelist cache
	registry := whitelist.NewRegistry(store, rdb)
	if err := registry.Warm(ctx); err != nil {
		log.Fatalf("Failed to warm org whitelist: %v", err)
	}
	log.Println("Org whitelist warmed")

	// Decision and staging engines
	engine := rules.NewEngine(store, registry)
	stagingEngine := staging.NewEngine(store, graphClient, sink,
		cfg.StagingFolder, cfg.StagingWindow, cfg.StagingRetention)
	refresher := tokens.NewRefresher(tokenManager, store, stagingEngine, sink)

	analyzer := events.NewActivitySummarizer(store, sink)
	processor := events.NewProcessor(store, graphClient, engine, stagingEngine, refresher, sink, analyzer)

	webhookURL := strings.TrimRight(cfg.WebhookBaseURL, "/") + "/webhooks/graph"
	subManager := subscriptions.NewManager(store, graphClient, fabric, sink, webhookURL)

	// Worker pools, one per queue
	pools := []*queue.Pool{
		newPool(fabric, queue.WebhookEvents, 4, map[string]queue.ProcessorFunc{
			"change-notification": processor.HandleChange,
		}),
		newPool(fabric, queue.WebhookRenewal, 2, map[string]queue.ProcessorFunc{
			"renew":           subManager.HandleRenewal,
			"lifecycle-event": subManager.HandleLifecycleEvent,
		}),
		newPool(fabric, queue.DeltaSync, 2, map[string]queue.ProcessorFunc{
			"sync": processor.HandleDeltaSync,
		}),
		newPool(fabric, queue.PatternAnalysis, 1, map[string]queue.ProcessorFunc{
			"analyze": processor.HandleAnalyze,
		}),
		newPool(fabric, queue.StagingProcessor, 1, map[string]queue.ProcessorFunc{
			"process": stagingEngine.HandleProcess,
		}),
		newPool(fabric, queue.TokenRefresh, 2, map[string]queue.ProcessorFunc{
			"refresh": func(ctx context.Context, payload []byte) error {
				return refresher.HandleRefresh(ctx, json.RawMessage(payload))
			},
		}),
	}
	for _, p := range pools {
		p.Start(ctx)
	}
	log.Printf("Started %d worker pools", len(pools))

	// Recurring schedules
	scheduler := queue.NewScheduler(fabric)
	registerSchedules(scheduler)
	scheduler.Start(ctx)
	log.Println("Scheduler started")

	// Converge subscriptions at boot; the 2h schedule keeps them converged.
	go func() {
		if err := subManager.Reconcile(ctx); err != nil {
			log.Printf("Startup subscription reconcile failed: %v", err)
		}
	}()

	// Webhook ingress
	ingress := webhook.NewServer(store, fabric, fabric)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: ingress.Router(),
	}
	go func() {
		log.Printf("Webhook server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Webhook server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Webhook server shutdown: %v", err)
	}

	// Workers finish in-flight jobs before the process exits.
	for _, p := range pools {
		p.Wait()
	}
	scheduler.Wait()

	log.Println("Shutdown complete")
}

func newPool(fabric *queue.RedisFabric, name string, concurrency int, handlers map[string]queue.ProcessorFunc) *queue.Pool {
	p := queue.NewPool(fabric, name, concurrency)
	for job, fn := range handlers {
		p.Handle(job, fn)
	}
	return p
}

func registerSchedules(s *queue.Scheduler) {
	must := func(err error) {
		if err != nil {
			log.Fatalf("Failed to register schedule: %v", err)
		}
	}
	must(s.Register("webhook-renewal", queue.Schedule{Every: 2 * time.Hour}, queue.WebhookRenewal, "renew", nil))
	must(s.Register("delta-sync", queue.Schedule{Every: 15 * time.Minute}, queue.DeltaSync, "sync", nil))
	must(s.Register("pattern-analysis", queue.Schedule{DailyAt: "02:00"}, queue.PatternAnalysis, "analyze", nil))
	must(s.Register("staging-processor", queue.Schedule{Every: 30 * time.Minute}, queue.StagingProcessor, "process", nil))
	must(s.Register("token-refresh", queue.Schedule{Every: 45 * time.Minute}, queue.TokenRefresh, "refresh", nil))
}
