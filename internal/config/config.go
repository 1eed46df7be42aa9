package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings, read from environment variables.
type Config struct {
	DatabaseURL string
	RedisURL    string
	HTTPPort    string

	// EncryptionKey is the master secret the vault derives its AES key from.
	EncryptionKey string

	GraphBaseURL      string
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthScope        string

	// WebhookBaseURL is the externally reachable base for notification URLs
	// passed to the provider when creating subscriptions.
	WebhookBaseURL string

	// StagingWindow is how long a staged email stays reversible.
	// StagingRetention is how long terminal records are kept past expiry.
	StagingWindow    time.Duration
	StagingRetention time.Duration

	// StagingFolder is the mailbox folder staged messages are parked in.
	StagingFolder string
}

// Load reads configuration from the environment. Only DATABASE_URL and
// ENCRYPTION_KEY are mandatory; everything else has a default.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		GraphBaseURL:      getEnv("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),
		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", "https://login.microsoftonline.com/common/oauth2/v2.0/token"),
		OAuthClientID:     os.Getenv("OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
		OAuthScope:        getEnv("OAUTH_SCOPE", "https://graph.microsoft.com/.default offline_access"),
		WebhookBaseURL:    getEnv("WEBHOOK_BASE_URL", "http://localhost:8080"),
		StagingFolder:     getEnv("STAGING_FOLDER", "InboxWarden"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY environment variable is required")
	}

	var err error
	if cfg.StagingWindow, err = getDuration("STAGING_WINDOW_HOURS", 48*time.Hour); err != nil {
		return nil, err
	}
	if cfg.StagingRetention, err = getDuration("STAGING_RETENTION_HOURS", 7*24*time.Hour); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	hours, err := strconv.Atoi(v)
	if err != nil || hours <= 0 {
		return 0, fmt.Errorf("invalid %s: %q (want a positive number of hours)", key, v)
	}
	return time.Duration(hours) * time.Hour, nil
}
