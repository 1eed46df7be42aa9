package queue

import (
	"context"
	"testing"
	"time"
)

func TestRetryDelayDoublesPerAttempt(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
	}
	for _, tc := range cases {
		if got := retryDelay(5*time.Second, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestRetryDelayClampsNonPositiveAttempt(t *testing.T) {
	if got := retryDelay(5*time.Second, 0); got != 5*time.Second {
		t.Fatalf("expected initial delay for attempt 0, got %s", got)
	}
}

func TestScheduleNextEvery(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	at, err := Schedule{Every: 15 * time.Minute}.next(now)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if want := now.Add(15 * time.Minute); !at.Equal(want) {
		t.Fatalf("expected %s, got %s", want, at)
	}
}

func TestScheduleNextDailyAt(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	at, err := Schedule{DailyAt: "14:30"}.next(now)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if want := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC); !at.Equal(want) {
		t.Fatalf("expected same-day firing %s, got %s", want, at)
	}

	// Already past today's slot: roll to tomorrow.
	at, err = Schedule{DailyAt: "03:00"}.next(now)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if want := time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC); !at.Equal(want) {
		t.Fatalf("expected next-day firing %s, got %s", want, at)
	}
}

func TestScheduleNextRejectsInvalidDailyAt(t *testing.T) {
	for _, bad := range []string{"", "25:00", "12:75", "noon"} {
		if _, err := (Schedule{DailyAt: bad}).next(time.Now()); err == nil {
			t.Errorf("expected error for daily schedule %q", bad)
		}
	}
}

func TestSchedulerRegisterIsIdempotent(t *testing.T) {
	s := NewScheduler(nil)

	if err := s.Register("delta-sync", Schedule{Every: 15 * time.Minute}, DeltaSync, "sync", nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := s.Register("delta-sync", Schedule{Every: 15 * time.Minute}, DeltaSync, "sync", nil); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one schedule after duplicate registration, got %d", n)
	}
}

func TestSchedulerRegisterRejectsInvalidSchedule(t *testing.T) {
	s := NewScheduler(nil)
	if err := s.Register("bad", Schedule{DailyAt: "99:99"}, DeltaSync, "sync", nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestPoolHandleReplacesProcessor(t *testing.T) {
	p := NewPool(nil, WebhookEvents, 1)

	var hit string
	p.Handle("change", func(_ context.Context, _ []byte) error {
		hit = "first"
		return nil
	})
	p.Handle("change", func(_ context.Context, _ []byte) error {
		hit = "second"
		return nil
	})

	fn := p.handler("change")
	if fn == nil {
		t.Fatal("expected a registered handler")
	}
	if err := fn(context.Background(), nil); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if hit != "second" {
		t.Fatalf("expected re-registration to replace the handler, ran %q", hit)
	}

	if p.handler("unknown") != nil {
		t.Fatal("expected no handler for an unregistered job name")
	}
}
