package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names. Each queue has exactly one worker pool.
const (
	WebhookEvents    = "webhook-events"
	WebhookRenewal   = "webhook-renewal"
	DeltaSync        = "delta-sync"
	PatternAnalysis  = "pattern-analysis"
	StagingProcessor = "staging-processor"
	TokenRefresh     = "token-refresh"
)

// Retention bounds for finished jobs. These exist purely for storage
// hygiene, never correctness.
const (
	completedMaxEntries = 200
	completedMaxAge     = time.Hour
	failedMaxEntries    = 1000
	failedMaxAge        = 24 * time.Hour
)

// Job is one unit of work flowing through a queue
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     time.Duration   `json:"backoff"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	FinishedAt  time.Time       `json:"finishedAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

// Options control delivery of an enqueued job
type Options struct {
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultOptions is the standard attempt policy: 3 attempts, exponential
// backoff starting at 5 seconds.
var DefaultOptions = Options{MaxAttempts: 3, Backoff: 5 * time.Second}

// Fabric enqueues jobs onto durable named queues with at-least-once delivery
type Fabric interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts Options) error
}

// RedisFabric implements Fabric on redis lists and sorted sets
type RedisFabric struct {
	rdb *redis.Client
}

// NewRedisFabric wraps an already-connected redis client
func NewRedisFabric(rdb *redis.Client) *RedisFabric {
	return &RedisFabric{rdb: rdb}
}

func pendingKey(queue string) string   { return "queue:" + queue + ":pending" }
func delayedKey(queue string) string   { return "queue:" + queue + ":delayed" }
func completedKey(queue string) string { return "queue:" + queue + ":completed" }
func failedKey(queue string) string    { return "queue:" + queue + ":failed" }

// Enqueue stores a job and returns immediately. Delayed jobs go to the
// queue's sorted set and are promoted by the worker pool when due.
func (f *RedisFabric) Enqueue(ctx context.Context, queueName, jobName string, payload interface{}, opts Options) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultOptions.Backoff
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal job payload: %w", err)
		}
		raw = data
	}

	job := Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Name:        jobName,
		Payload:     raw,
		Attempt:     0,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  time.Now().UTC(),
	}

	return f.push(ctx, job, opts.Delay)
}

// push places a job on its pending list, or on the delayed set when a delay
// is requested or a retry is being scheduled.
func (f *RedisFabric) push(ctx context.Context, job Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if delay > 0 {
		runAt := float64(time.Now().Add(delay).UnixMilli())
		if err := f.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: runAt, Member: data}).Err(); err != nil {
			return fmt.Errorf("failed to enqueue delayed job: %w", err)
		}
		return nil
	}

	if err := f.rdb.LPush(ctx, pendingKey(job.Queue), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// promoteDelayed moves due delayed jobs onto the pending list. ZRem decides
// the winner when multiple workers race, keeping delivery at-least-once.
func (f *RedisFabric) promoteDelayed(ctx context.Context, queueName string) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := f.rdb.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := f.rdb.ZRem(ctx, delayedKey(queueName), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker promoted it
		}
		if err := f.rdb.LPush(ctx, pendingKey(queueName), member).Err(); err != nil {
			return err
		}
	}

	return nil
}

// dequeue blocks up to timeout for the next pending job
func (f *RedisFabric) dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	res, err := f.rdb.BRPop(ctx, timeout, pendingKey(queueName)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(res) != 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// markCompleted records a finished job and trims the completed list
func (f *RedisFabric) markCompleted(ctx context.Context, job Job) {
	job.FinishedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	pipe := f.rdb.Pipeline()
	pipe.LPush(ctx, completedKey(job.Queue), data)
	pipe.LTrim(ctx, completedKey(job.Queue), 0, completedMaxEntries-1)
	pipe.Exec(ctx)
}

// markFailed records a permanently failed job and trims the failed list
func (f *RedisFabric) markFailed(ctx context.Context, job Job, cause error) {
	job.FinishedAt = time.Now().UTC()
	job.LastError = cause.Error()
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	pipe := f.rdb.Pipeline()
	pipe.LPush(ctx, failedKey(job.Queue), data)
	pipe.LTrim(ctx, failedKey(job.Queue), 0, failedMaxEntries-1)
	pipe.Exec(ctx)
}

// SweepRetention drops finished jobs past their age bound. Length bounds are
// enforced on write; age needs a periodic sweep since redis lists have no
// per-entry TTL.
func (f *RedisFabric) SweepRetention(ctx context.Context, queueName string) {
	f.sweepList(ctx, completedKey(queueName), completedMaxAge)
	f.sweepList(ctx, failedKey(queueName), failedMaxAge)
}

func (f *RedisFabric) sweepList(ctx context.Context, key string, maxAge time.Duration) {
	entries, err := f.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil || len(entries) == 0 {
		return
	}

	cutoff := time.Now().Add(-maxAge)
	var kept []interface{}
	for _, entry := range entries {
		var job Job
		if err := json.Unmarshal([]byte(entry), &job); err != nil {
			continue
		}
		if job.FinishedAt.After(cutoff) {
			kept = append(kept, entry)
		}
	}

	if len(kept) == len(entries) {
		return
	}

	pipe := f.rdb.Pipeline()
	pipe.Del(ctx, key)
	if len(kept) > 0 {
		pipe.RPush(ctx, key, kept...)
	}
	pipe.Exec(ctx)
}

// Ping checks redis connectivity
func (f *RedisFabric) Ping(ctx context.Context) error {
	return f.rdb.Ping(ctx).Err()
}

// retryDelay computes the exponential backoff before the given attempt is
// retried: initial * 2^(attempt-1).
func retryDelay(initial time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return initial << (attempt - 1)
}
