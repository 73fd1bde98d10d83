package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"leadsync/internal/domain"
)

// Webhook event persistence backing ports.EventStore.

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func (db *DB) SaveEvent(ctx context.Context, ev domain.WebhookEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO webhook_events (id, type, payload, status, retries, max_retries, next_retry_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, retries = EXCLUDED.retries, max_retries = EXCLUDED.max_retries,
			next_retry_at = EXCLUDED.next_retry_at, last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		ev.ID, ev.Type, []byte(ev.Payload), string(ev.Status), ev.Retries, ev.MaxRetries,
		ev.NextRetryAt, ev.LastError, ev.CreatedAt, ev.UpdatedAt)
	return eris.Wrap(err, "postgres: save event")
}

func (db *DB) LoadOpenEvents(ctx context.Context) ([]domain.WebhookEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, type, payload, status, retries, max_retries, next_retry_at, last_error, created_at, updated_at
		FROM webhook_events WHERE status <> 'completed' ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load events")
	}
	defer rows.Close()
	var out []domain.WebhookEvent
	for rows.Next() {
		var ev domain.WebhookEvent
		var status string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &payload, &status, &ev.Retries, &ev.MaxRetries,
			&ev.NextRetryAt, &ev.LastError, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Payload = payload
		ev.Status = domain.EventStatus(status)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load events")
}

func (db *DB) DeleteEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Pool.Exec(ctx, `DELETE FROM webhook_events WHERE id = ANY($1)`, ids)
	return eris.Wrap(err, "postgres: delete events")
}

func (db *DB) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM webhook_events
		WHERE status IN ('completed', 'failed', 'dead_letter') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge events")
	}
	return int(tag.RowsAffected()), nil
}
