package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// ProcessorFunc handles one job's payload. A non-nil error triggers the
// queue's retry policy.
type ProcessorFunc func(ctx context.Context, payload []byte) error

const (
	dequeueTimeout = 2 * time.Second
	promoteEvery   = time.Second
	sweepEvery     = 10 * time.Minute
)

// Pool is the worker pool for one queue. Handlers are registered by job name
// before Start; jobs with no registered handler are logged and dropped.
type Pool struct {
	fabric      *RedisFabric
	queue       string
	concurrency int

	mu       sync.Mutex
	handlers map[string]ProcessorFunc

	wg sync.WaitGroup
}

// NewPool creates a worker pool for queueName
func NewPool(fabric *RedisFabric, queueName string, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		fabric:      fabric,
		queue:       queueName,
		concurrency: concurrency,
		handlers:    make(map[string]ProcessorFunc),
	}
}

// Handle registers the processor for a job name, replacing any previous one
func (p *Pool) Handle(jobName string, fn ProcessorFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobName] = fn
}

func (p *Pool) handler(jobName string) ProcessorFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[jobName]
}

// Start launches the workers plus one housekeeping goroutine that promotes
// due delayed jobs and sweeps finished-job retention. Workers stop after
// ctx is cancelled; in-flight jobs run to completion.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.housekeep(ctx)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

// Wait blocks until all workers have drained
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) housekeep(ctx context.Context) {
	defer p.wg.Done()

	promote := time.NewTicker(promoteEvery)
	defer promote.Stop()
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if err := p.fabric.promoteDelayed(ctx, p.queue); err != nil && ctx.Err() == nil {
				log.Printf("queue %s: failed to promote delayed jobs: %v", p.queue, err)
			}
		case <-sweep.C:
			p.fabric.SweepRetention(ctx, p.queue)
		}
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.fabric.dequeue(ctx, p.queue, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("queue %s: dequeue failed: %v", p.queue, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		// A dequeued job always runs to completion, even mid-shutdown.
		p.process(context.WithoutCancel(ctx), *job)
	}
}

// process runs one job and settles its outcome: completed, retried with
// exponential backoff, or failed after the last attempt.
func (p *Pool) process(ctx context.Context, job Job) {
	fn := p.handler(job.Name)
	if fn == nil {
		log.Printf("queue %s: dropping job %s with unknown name %q", p.queue, job.ID, job.Name)
		return
	}

	job.Attempt++
	err := fn(ctx, job.Payload)
	if err == nil {
		p.fabric.markCompleted(ctx, job)
		return
	}

	if job.Attempt >= job.MaxAttempts {
		log.Printf("queue %s: job %s (%s) failed permanently after %d attempts: %v",
			p.queue, job.ID, job.Name, job.Attempt, err)
		p.fabric.markFailed(ctx, job, err)
		return
	}

	delay := retryDelay(job.Backoff, job.Attempt)
	log.Printf("queue %s: job %s (%s) attempt %d/%d failed, retrying in %s: %v",
		p.queue, job.ID, job.Name, job.Attempt, job.MaxAttempts, delay, err)

	job.LastError = err.Error()
	if pushErr := p.fabric.push(ctx, job, delay); pushErr != nil {
		log.Printf("queue %s: failed to reschedule job %s: %v", p.queue, job.ID, pushErr)
		p.fabric.markFailed(ctx, job, fmt.Errorf("reschedule failed: %v (job error: %v)", pushErr, err))
	}
}
