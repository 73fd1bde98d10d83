package ports

import (
	"context"
	"time"

	"leadsync/internal/domain"
)

// EventStore makes the webhook queue survive restarts.
type EventStore interface {
	SaveEvent(ctx context.Context, ev domain.WebhookEvent) error
	// LoadOpenEvents returns every event that is not completed.
	LoadOpenEvents(ctx context.Context) ([]domain.WebhookEvent, error)
	DeleteEvents(ctx context.Context, ids []string) error
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
