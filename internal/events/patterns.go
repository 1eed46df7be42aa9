package events

import (
	"context"
	"log"
	"time"

	"github.com/inboxwarden/inboxwarden/internal/storage"
)

const (
	patternWindow     = 24 * time.Hour
	patternEventLimit = 10000
)

// Analyzer is the statistics collaborator the recent event stream is handed
// to. What it computes is its own business.
type Analyzer interface {
	Analyze(ctx context.Context, events []*storage.MailEvent) error
}

// HandleAnalyze processes the daily "analyze" job from the pattern-analysis
// queue: it collects the last day of mail events and hands them off.
func (p *Processor) HandleAnalyze(ctx context.Context, _ []byte) error {
	since := time.Now().UTC().Add(-patternWindow)
	events, err := p.store.ListRecentMailEvents(ctx, since, patternEventLimit)
	if err != nil {
		return err
	}
	if p.analyzer == nil || len(events) == 0 {
		return nil
	}
	return p.analyzer.Analyze(ctx, events)
}

// ActivitySummarizer is the built-in analyzer. It tallies event volumes per
// mailbox and records one activity-summary audit entry each, giving users a
// picture of what automation saw.
type ActivitySummarizer struct {
	store Store
	sink  Sink
}

// NewActivitySummarizer creates the default analyzer
func NewActivitySummarizer(store Store, sink Sink) *ActivitySummarizer {
	return &ActivitySummarizer{store: store, sink: sink}
}

// Analyze records per-mailbox event volumes
func (a *ActivitySummarizer) Analyze(ctx context.Context, events []*storage.MailEvent) error {
	type tally struct {
		total  int
		byType map[string]int
	}
	perMailbox := make(map[string]*tally)
	for _, ev := range events {
		t := perMailbox[ev.MailboxID]
		if t == nil {
			t = &tally{byType: make(map[string]int)}
			perMailbox[ev.MailboxID] = t
		}
		t.total++
		t.byType[ev.EventType]++
	}

	for mailboxID, t := range perMailbox {
		mb, err := a.store.GetMailbox(ctx, mailboxID)
		if err != nil || mb == nil {
			continue
		}

		details := map[string]interface{}{
			"windowHours": int(patternWindow.Hours()),
			"total":       t.total,
		}
		for eventType, n := range t.byType {
			details["events."+eventType] = n
		}

		if err := a.sink.Audit(ctx, auditFor(mb, "activity_summary", "mailbox", mailboxID, details)); err != nil {
			log.Printf("events: failed to record activity summary for mailbox %s: %v", mailboxID, err)
		}
	}

	log.Printf("pattern analysis: %d events across %d mailboxes in the last %s",
		len(events), len(perMailbox), patternWindow)
	return nil
}
