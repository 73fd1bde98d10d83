// Package webhookqueue is an at-least-once event queue with a retry ladder,
// dead-lettering and manual replay. Inbound CRM webhooks and outbound sync
// notifications both flow through it.
package webhookqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"leadsync/internal/domain"
	"leadsync/internal/ports"
)

// RetryDelays is the wait after the 1st, 2nd, ... failure. The last entry
// repeats.
var RetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, time.Minute, 5 * time.Minute}

const (
	DefaultTickInterval = 30 * time.Second
	DefaultMaxRetries   = 5
)

var (
	ErrNotPending   = errors.New("event is not pending")
	ErrNotRetryable = errors.New("only failed or dead-lettered events can be retried")
)

// Processor handles one event. Returning an error wrapped with Permanent
// parks the event as failed instead of scheduling a retry.
type Processor interface {
	Process(ctx context.Context, ev domain.WebhookEvent) error
}

type ProcessorFunc func(ctx context.Context, ev domain.WebhookEvent) error

func (f ProcessorFunc) Process(ctx context.Context, ev domain.WebhookEvent) error { return f(ctx, ev) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying automatically.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type Config struct {
	TickInterval      time.Duration
	DefaultMaxRetries int
}

type Queue struct {
	cfg       Config
	processor Processor
	store     ports.EventStore
	alerter   ports.Alerter
	log       zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	events map[string]domain.WebhookEvent
	runCtx context.Context

	draining atomic.Bool
	drains   sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*Queue)

// WithStore persists every transition so the queue survives restarts.
func WithStore(s ports.EventStore) Option { return func(q *Queue) { q.store = s } }

func WithAlerter(a ports.Alerter) Option { return func(q *Queue) { q.alerter = a } }

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l.With().Str("component", "webhookqueue").Logger() }
}

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func New(processor Processor, cfg Config, opts ...Option) *Queue {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}
	q := &Queue{
		cfg:       cfg,
		processor: processor,
		log:       zerolog.Nop(),
		now:       time.Now,
		events:    make(map[string]domain.WebhookEvent),
		runCtx:    context.Background(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

var _ ports.EventPublisher = (*Queue)(nil)

// AddEvent enqueues an event and starts processing right away if the queue
// is idle. maxRetries <= 0 uses the configured default.
func (q *Queue) AddEvent(ctx context.Context, eventType string, payload json.RawMessage, maxRetries int) (domain.WebhookEvent, error) {
	if maxRetries <= 0 {
		maxRetries = q.cfg.DefaultMaxRetries
	}
	now := q.now()
	ev := domain.WebhookEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Payload:    append(json.RawMessage(nil), payload...),
		Status:     domain.EventPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if q.store != nil {
		if err := q.store.SaveEvent(ctx, ev); err != nil {
			return domain.WebhookEvent{}, eris.Wrap(err, "webhookqueue: persist new event")
		}
	}
	q.mu.Lock()
	q.events[ev.ID] = ev
	q.mu.Unlock()
	q.log.Debug().Str("event_id", ev.ID).Str("type", eventType).Msg("event queued")
	q.kick()
	return ev, nil
}

// Publish implements ports.EventPublisher with the default retry budget.
func (q *Queue) Publish(ctx context.Context, eventType string, payload json.RawMessage) (domain.WebhookEvent, error) {
	return q.AddEvent(ctx, eventType, payload, 0)
}

// ProcessEvent runs p on a pending event and records the outcome.
func (q *Queue) ProcessEvent(ctx context.Context, id string, p Processor) error {
	q.mu.Lock()
	ev, ok := q.events[id]
	if !ok {
		q.mu.Unlock()
		return domain.ErrNotFound
	}
	if ev.Status != domain.EventPending {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, ev.Status)
	}
	ev.Status = domain.EventProcessing
	ev.UpdatedAt = q.now()
	q.events[id] = ev
	q.mu.Unlock()
	q.persist(ctx, ev)

	perr := p.Process(ctx, ev)

	q.mu.Lock()
	ev = q.events[id]
	if perr == nil {
		ev.Status = domain.EventCompleted
		ev.NextRetryAt = nil
		ev.LastError = ""
		ev.UpdatedAt = q.now()
		q.events[id] = ev
		q.mu.Unlock()
		q.persist(ctx, ev)
		q.log.Debug().Str("event_id", id).Str("type", ev.Type).Int("retries", ev.Retries).Msg("event completed")
		return nil
	}
	ev = q.failLocked(ev, perr)
	q.mu.Unlock()
	q.persist(ctx, ev)
	q.afterFailure(ctx, ev)
	return perr
}

// failLocked applies the retry policy. Callers hold q.mu.
func (q *Queue) failLocked(ev domain.WebhookEvent, err error) domain.WebhookEvent {
	now := q.now()
	ev.Retries++
	ev.LastError = err.Error()
	ev.UpdatedAt = now
	switch {
	case IsPermanent(err):
		ev.Status = domain.EventFailed
		ev.NextRetryAt = nil
	case ev.Retries < ev.MaxRetries:
		idx := ev.Retries - 1
		if idx >= len(RetryDelays) {
			idx = len(RetryDelays) - 1
		}
		next := now.Add(RetryDelays[idx])
		ev.Status = domain.EventPending
		ev.NextRetryAt = &next
	default:
		ev.Status = domain.EventDeadLetter
		ev.NextRetryAt = nil
	}
	q.events[ev.ID] = ev
	return ev
}

func (q *Queue) afterFailure(ctx context.Context, ev domain.WebhookEvent) {
	l := q.log.With().Str("event_id", ev.ID).Str("type", ev.Type).Int("retries", ev.Retries).Str("error", ev.LastError).Logger()
	switch ev.Status {
	case domain.EventPending:
		l.Warn().Time("next_retry_at", *ev.NextRetryAt).Msg("event failed, retry scheduled")
	case domain.EventFailed:
		l.Warn().Msg("event failed permanently, waiting for manual retry")
	case domain.EventDeadLetter:
		l.Error().Int("max_retries", ev.MaxRetries).Msg("event moved to dead letter")
		if q.alerter == nil {
			return
		}
		body := fmt.Sprintf("Event %s (%s) failed %d times.\nLast error: %s", ev.ID, ev.Type, ev.Retries, ev.LastError)
		if err := q.alerter.Alert(context.WithoutCancel(ctx), "Webhook event dead-lettered", body); err != nil {
			l.Error().Err(err).Msg("dead letter alert failed")
		}
	}
}

func (q *Queue) persist(ctx context.Context, ev domain.WebhookEvent) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveEvent(context.WithoutCancel(ctx), ev); err != nil {
		q.log.Error().Err(err).Str("event_id", ev.ID).Str("status", string(ev.Status)).Msg("persist event failed")
	}
}

// due lists pending events whose retry time has come, oldest first.
func (q *Queue) due() []string {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	var evs []domain.WebhookEvent
	for _, ev := range q.events {
		if ev.Status != domain.EventPending {
			continue
		}
		if ev.NextRetryAt != nil && ev.NextRetryAt.After(now) {
			continue
		}
		evs = append(evs, ev)
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].CreatedAt.Before(evs[j].CreatedAt) })
	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	return ids
}

// Tick processes every due pending event once and reports how many ran.
func (q *Queue) Tick(ctx context.Context) int {
	n := 0
	for _, id := range q.due() {
		if ctx.Err() != nil {
			break
		}
		err := q.ProcessEvent(ctx, id, q.processor)
		if errors.Is(err, ErrNotPending) || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		n++
	}
	return n
}

// kick starts a background drain unless one is already running.
func (q *Queue) kick() {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	ctx := q.runCtx
	q.mu.Unlock()
	q.drains.Add(1)
	go func() {
		defer q.drains.Done()
		for {
			for q.Tick(ctx) > 0 {
			}
			q.draining.Store(false)
			// an event added after the last pass would otherwise wait for the ticker
			if len(q.due()) == 0 || ctx.Err() != nil || !q.draining.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// waitIdle blocks until background drains finish.
func (q *Queue) waitIdle() { q.drains.Wait() }

// Start runs the retry ticker until Stop or ctx is done.
func (q *Queue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	q.runCtx = ctx
	q.mu.Unlock()
	go func() {
		defer close(q.done)
		t := time.NewTicker(q.cfg.TickInterval)
		defer t.Stop()
		q.kick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-t.C:
				if n := q.Tick(ctx); n > 0 {
					q.log.Info().Int("processed", n).Msg("retry tick")
				}
			}
		}
	}()
	q.log.Info().Dur("tick", q.cfg.TickInterval).Msg("webhook queue started")
}

// Stop prevents future ticks. A tick already running completes.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	if !q.started.Load() {
		return
	}
	select {
	case <-q.done:
	case <-time.After(time.Minute):
	}
}
