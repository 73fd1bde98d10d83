package webhookqueue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"leadsync/internal/domain"
)

// RetryEvent resets a failed or dead-lettered event to pending with its
// counters zeroed and schedules it immediately.
func (q *Queue) RetryEvent(ctx context.Context, id string) (domain.WebhookEvent, error) {
	q.mu.Lock()
	ev, ok := q.events[id]
	if !ok {
		q.mu.Unlock()
		return domain.WebhookEvent{}, domain.ErrNotFound
	}
	if ev.Status != domain.EventDeadLetter && ev.Status != domain.EventFailed {
		q.mu.Unlock()
		return ev, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, ev.Status)
	}
	ev.Status = domain.EventPending
	ev.Retries = 0
	ev.NextRetryAt = nil
	ev.LastError = ""
	ev.UpdatedAt = q.now()
	q.events[id] = ev
	q.mu.Unlock()

	q.persist(ctx, ev)
	q.log.Info().Str("event_id", id).Str("type", ev.Type).Msg("event manually retried")
	q.kick()
	return ev, nil
}

// PurgeOldEvents drops completed, failed and dead-lettered events last
// touched before now-olderThan.
func (q *Queue) PurgeOldEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)
	q.mu.Lock()
	n := 0
	for id, ev := range q.events {
		if ev.Status.Settled() && ev.UpdatedAt.Before(cutoff) {
			delete(q.events, id)
			n++
		}
	}
	q.mu.Unlock()
	if q.store != nil {
		if _, err := q.store.DeleteFinishedBefore(ctx, cutoff); err != nil {
			return n, eris.Wrap(err, "webhookqueue: purge store")
		}
	}
	q.log.Info().Int("purged", n).Time("cutoff", cutoff).Msg("old events purged")
	return n, nil
}

func (q *Queue) ClearDeadLetterQueue(ctx context.Context) (int, error) {
	q.mu.Lock()
	var ids []string
	for id, ev := range q.events {
		if ev.Status == domain.EventDeadLetter {
			ids = append(ids, id)
			delete(q.events, id)
		}
	}
	q.mu.Unlock()
	if q.store != nil && len(ids) > 0 {
		if err := q.store.DeleteEvents(ctx, ids); err != nil {
			return len(ids), eris.Wrap(err, "webhookqueue: clear dead letters")
		}
	}
	q.log.Info().Int("cleared", len(ids)).Msg("dead letter queue cleared")
	return len(ids), nil
}

type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"deadLetter"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, ev := range q.events {
		s.Total++
		switch ev.Status {
		case domain.EventPending:
			s.Pending++
		case domain.EventProcessing:
			s.Processing++
		case domain.EventCompleted:
			s.Completed++
		case domain.EventFailed:
			s.Failed++
		case domain.EventDeadLetter:
			s.DeadLetter++
		}
	}
	return s
}

// List returns events with the given status, or all when status is empty,
// oldest first.
func (q *Queue) List(status domain.EventStatus) []domain.WebhookEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.WebhookEvent, 0, len(q.events))
	for _, ev := range q.events {
		if status == "" || ev.Status == status {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q *Queue) Get(id string) (domain.WebhookEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.events[id]
	return ev, ok
}

// Recover loads unfinished events from the store. Events caught mid-flight
// by a restart go back to pending.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	evs, err := q.store.LoadOpenEvents(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "webhookqueue: recover")
	}
	for _, ev := range evs {
		if ev.Status == domain.EventProcessing {
			ev.Status = domain.EventPending
			ev.NextRetryAt = nil
			ev.UpdatedAt = q.now()
			q.persist(ctx, ev)
		}
		q.mu.Lock()
		q.events[ev.ID] = ev
		q.mu.Unlock()
	}
	q.log.Info().Int("events", len(evs)).Msg("recovered open events")
	return len(evs), nil
}
