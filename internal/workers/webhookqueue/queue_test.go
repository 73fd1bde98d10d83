package webhookqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leadsync/internal/adapters/memory"
	"leadsync/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(_ context.Context, subject, _ string) error {
	a.mu.Lock()
	a.subjects = append(a.subjects, subject)
	a.mu.Unlock()
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subjects)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func mustGet(t *testing.T, q *Queue, id string) domain.WebhookEvent {
	t.Helper()
	ev, ok := q.Get(id)
	if !ok {
		t.Fatalf("event %s missing", id)
	}
	return ev
}

var payload = json.RawMessage(`{"email":"ann@example.com"}`)

func TestEventCompletes(t *testing.T) {
	var seen atomic.Int32
	q := New(ProcessorFunc(func(ctx context.Context, ev domain.WebhookEvent) error {
		seen.Add(1)
		return nil
	}), Config{})
	ev, err := q.AddEvent(context.Background(), "contact.created", payload, 0)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	q.waitIdle()

	got := mustGet(t, q, ev.ID)
	if got.Status != domain.EventCompleted || got.Retries != 0 || got.MaxRetries != DefaultMaxRetries {
		t.Fatalf("event: %+v", got)
	}
	if seen.Load() != 1 {
		t.Fatalf("processor calls: %d", seen.Load())
	}
}

func TestRetryLadderThenDeadLetter(t *testing.T) {
	clock := newClock()
	alerts := &recordingAlerter{}
	var calls atomic.Int32
	q := New(ProcessorFunc(func(ctx context.Context, ev domain.WebhookEvent) error {
		calls.Add(1)
		return errors.New("crm unavailable")
	}), Config{}, WithClock(clock.now), WithAlerter(alerts))
	ctx := context.Background()

	ev, _ := q.AddEvent(ctx, "sync.lead_status", payload, 3)
	q.waitIdle()
	got := mustGet(t, q, ev.ID)
	if got.Status != domain.EventPending || got.Retries != 1 {
		t.Fatalf("after first failure: %+v", got)
	}
	if want := clock.now().Add(time.Second); !got.NextRetryAt.Equal(want) {
		t.Fatalf("next retry %s, want %s", got.NextRetryAt, want)
	}

	clock.advance(500 * time.Millisecond)
	if n := q.Tick(ctx); n != 0 {
		t.Fatalf("event retried before its time: %d", n)
	}

	clock.advance(500 * time.Millisecond)
	if n := q.Tick(ctx); n != 1 {
		t.Fatalf("tick processed %d", n)
	}
	got = mustGet(t, q, ev.ID)
	if got.Retries != 2 || !got.NextRetryAt.Equal(clock.now().Add(5*time.Second)) {
		t.Fatalf("after second failure: %+v", got)
	}

	clock.advance(5 * time.Second)
	q.Tick(ctx)
	got = mustGet(t, q, ev.ID)
	if got.Status != domain.EventDeadLetter || got.Retries != 3 || got.NextRetryAt != nil {
		t.Fatalf("expected dead letter: %+v", got)
	}
	if alerts.count() != 1 {
		t.Fatalf("alerts: %d", alerts.count())
	}

	clock.advance(time.Hour)
	if n := q.Tick(ctx); n != 0 || calls.Load() != 3 {
		t.Fatalf("dead letter reprocessed: n=%d calls=%d", n, calls.Load())
	}
	if err := q.ProcessEvent(ctx, ev.ID, q.processor); !errors.Is(err, ErrNotPending) {
		t.Fatalf("terminal event accepted for processing: %v", err)
	}
}

func TestLadderCapsAtLastDelay(t *testing.T) {
	clock := newClock()
	q := New(ProcessorFunc(func(context.Context, domain.WebhookEvent) error {
		return errors.New("boom")
	}), Config{}, WithClock(clock.now))
	ctx := context.Background()
	ev, _ := q.AddEvent(ctx, "x", payload, 10)
	q.waitIdle()
	for i := 0; i < 6; i++ {
		clock.advance(time.Hour)
		q.Tick(ctx)
	}
	got := mustGet(t, q, ev.ID)
	if got.Retries != 7 || !got.NextRetryAt.Equal(clock.now().Add(5*time.Minute)) {
		t.Fatalf("event: retries=%d next=%v", got.Retries, got.NextRetryAt)
	}
}

func TestSucceedsAfterRetry(t *testing.T) {
	clock := newClock()
	var calls atomic.Int32
	q := New(ProcessorFunc(func(context.Context, domain.WebhookEvent) error {
		if calls.Add(1) == 1 {
			return errors.New("timeout")
		}
		return nil
	}), Config{}, WithClock(clock.now))
	ctx := context.Background()
	ev, _ := q.AddEvent(ctx, "contact.updated", payload, 0)
	q.waitIdle()
	clock.advance(time.Second)
	q.Tick(ctx)
	got := mustGet(t, q, ev.ID)
	if got.Status != domain.EventCompleted || got.Retries != 1 || got.LastError != "" {
		t.Fatalf("event: %+v", got)
	}
}

func TestPermanentFailureAndManualRetry(t *testing.T) {
	clock := newClock()
	var fixed atomic.Bool
	q := New(ProcessorFunc(func(context.Context, domain.WebhookEvent) error {
		if !fixed.Load() {
			return Permanent(errors.New("unknown event type"))
		}
		return nil
	}), Config{}, WithClock(clock.now))
	ctx := context.Background()
	ev, _ := q.AddEvent(ctx, "mystery", payload, 0)
	q.waitIdle()
	if got := mustGet(t, q, ev.ID); got.Status != domain.EventFailed || got.Retries != 1 {
		t.Fatalf("expected failed: %+v", got)
	}
	clock.advance(time.Hour)
	if n := q.Tick(ctx); n != 0 {
		t.Fatal("failed event must not be retried automatically")
	}

	fixed.Store(true)
	reset, err := q.RetryEvent(ctx, ev.ID)
	if err != nil || reset.Retries != 0 || reset.Status != domain.EventPending {
		t.Fatalf("retry: %+v %v", reset, err)
	}
	q.waitIdle()
	if got := mustGet(t, q, ev.ID); got.Status != domain.EventCompleted {
		t.Fatalf("after manual retry: %+v", got)
	}
	if _, err := q.RetryEvent(ctx, ev.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("completed event retried: %v", err)
	}
}

func TestPurgeAndClearDeadLetter(t *testing.T) {
	clock := newClock()
	store := memory.NewStore()
	q := New(ProcessorFunc(func(_ context.Context, ev domain.WebhookEvent) error {
		switch ev.Type {
		case "bad":
			return errors.New("nope")
		case "malformed":
			return Permanent(errors.New("cannot decode"))
		}
		return nil
	}), Config{}, WithClock(clock.now), WithStore(store))
	ctx := context.Background()

	ok, _ := q.AddEvent(ctx, "good", payload, 1)
	q.waitIdle()
	bad, _ := q.AddEvent(ctx, "bad", payload, 1)
	q.waitIdle()
	if mustGet(t, q, bad.ID).Status != domain.EventDeadLetter {
		t.Fatal("single-attempt event should dead-letter on first failure")
	}
	parked, _ := q.AddEvent(ctx, "malformed", payload, 5)
	q.waitIdle()
	if mustGet(t, q, parked.ID).Status != domain.EventFailed {
		t.Fatal("permanent failure should park the event as failed")
	}

	clock.advance(48 * time.Hour)
	fresh, _ := q.AddEvent(ctx, "good", payload, 1)
	q.waitIdle()
	freshFailed, _ := q.AddEvent(ctx, "malformed", payload, 5)
	q.waitIdle()

	n, err := q.PurgeOldEvents(ctx, 24*time.Hour)
	if err != nil || n != 3 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if _, found := q.Get(ok.ID); found {
		t.Fatal("old completed event kept")
	}
	if _, found := q.Get(parked.ID); found {
		t.Fatal("old failed event kept")
	}
	if _, found := q.Get(freshFailed.ID); !found {
		t.Fatal("recent failed event purged")
	}
	if _, found := q.Get(fresh.ID); !found {
		t.Fatal("recent event purged")
	}

	late, _ := q.AddEvent(ctx, "bad", payload, 1)
	q.waitIdle()
	if n, _ := q.ClearDeadLetterQueue(ctx); n != 1 {
		t.Fatalf("cleared %d", n)
	}
	if _, found := q.Get(late.ID); found {
		t.Fatal("dead letter not cleared")
	}
	open, _ := store.LoadOpenEvents(ctx)
	if len(open) != 1 || open[0].ID != freshFailed.ID {
		t.Fatalf("store open events: %+v", open)
	}
	if s := q.Stats(); s.Total != 2 || s.Completed != 1 || s.Failed != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestRecoverResumesInterruptedEvents(t *testing.T) {
	clock := newClock()
	store := memory.NewStore()
	ctx := context.Background()
	now := clock.now()
	_ = store.SaveEvent(ctx, domain.WebhookEvent{ID: "e1", Type: "contact.created", Payload: payload,
		Status: domain.EventProcessing, MaxRetries: 5, CreatedAt: now, UpdatedAt: now})
	_ = store.SaveEvent(ctx, domain.WebhookEvent{ID: "e2", Type: "contact.created", Payload: payload,
		Status: domain.EventDeadLetter, Retries: 5, MaxRetries: 5, CreatedAt: now, UpdatedAt: now})

	var processed []string
	var mu sync.Mutex
	q := New(ProcessorFunc(func(_ context.Context, ev domain.WebhookEvent) error {
		mu.Lock()
		processed = append(processed, ev.ID)
		mu.Unlock()
		return nil
	}), Config{}, WithClock(clock.now), WithStore(store))

	n, err := q.Recover(ctx)
	if err != nil || n != 2 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	if got := mustGet(t, q, "e1"); got.Status != domain.EventPending {
		t.Fatalf("interrupted event: %+v", got)
	}
	q.Tick(ctx)
	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 1 || processed[0] != "e1" {
		t.Fatalf("processed: %v", processed)
	}
	if got := mustGet(t, q, "e2"); got.Status != domain.EventDeadLetter {
		t.Fatalf("dead letter changed: %+v", got)
	}
}

func TestStartStop(t *testing.T) {
	q := New(ProcessorFunc(func(context.Context, domain.WebhookEvent) error { return nil }), Config{TickInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	ev, _ := q.Publish(ctx, "email.opened", payload)
	deadline := time.Now().Add(2 * time.Second)
	for mustGet(t, q, ev.ID).Status != domain.EventCompleted {
		if time.Now().After(deadline) {
			t.Fatal("event never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	q.Stop()
	q.Stop()
}
