package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Schedule describes when a recurring job fires: either a fixed interval or
// a daily wall-clock time (UTC).
type Schedule struct {
	Every   time.Duration
	DailyAt string // "HH:MM", used when Every is zero
}

// next returns the first firing strictly after now
func (s Schedule) next(now time.Time) (time.Time, error) {
	if s.Every > 0 {
		return now.Add(s.Every), nil
	}

	var hour, minute int
	if _, err := fmt.Sscanf(s.DailyAt, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("invalid daily schedule %q: %w", s.DailyAt, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("invalid daily schedule %q", s.DailyAt)
	}

	now = now.UTC()
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

type scheduleEntry struct {
	schedule Schedule
	queue    string
	job      string
	payload  interface{}
}

// Scheduler fires recurring jobs onto the fabric. Entries are keyed by name,
// so registering the same name again replaces the previous schedule rather
// than doubling it.
type Scheduler struct {
	fabric Fabric

	mu      sync.Mutex
	entries map[string]scheduleEntry

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler over the fabric
func NewScheduler(fabric Fabric) *Scheduler {
	return &Scheduler{
		fabric:  fabric,
		entries: make(map[string]scheduleEntry),
	}
}

// Register adds or replaces the named recurring job. Call before Start.
func (s *Scheduler) Register(name string, schedule Schedule, queueName, jobName string, payload interface{}) error {
	if _, err := schedule.next(time.Now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = scheduleEntry{
		schedule: schedule,
		queue:    queueName,
		job:      jobName,
		payload:  payload,
	}
	return nil
}

func (s *Scheduler) entry(name string) (scheduleEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	return e, ok
}

// Start launches one firing loop per registered schedule
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.wg.Add(1)
		go s.run(ctx, name)
	}
}

// Wait blocks until all firing loops have stopped
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, name string) {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		entry, ok := s.entry(name)
		if !ok {
			return
		}

		at, err := entry.schedule.next(time.Now())
		if err != nil {
			log.Printf("scheduler: schedule %s is invalid, stopping: %v", name, err)
			return
		}
		timer.Reset(time.Until(at))

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.fabric.Enqueue(ctx, entry.queue, entry.job, entry.payload, DefaultOptions); err != nil {
			log.Printf("scheduler: failed to enqueue %s onto %s: %v", name, entry.queue, err)
		}
	}
}
