package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"leadsync/internal/domain"
)

func (db *DB) AppendActivity(ctx context.Context, a domain.LeadActivity) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO lead_activities (id, lead_id, type, previous_value, new_value, external_ref, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (external_ref) DO NOTHING`,
		a.ID, a.LeadID, a.Type, a.PreviousValue, a.NewValue, a.ExternalRef, a.Metadata, a.CreatedAt)
	if err != nil {
		return false, eris.Wrap(err, "postgres: append activity")
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) ListActivities(ctx context.Context, leadID string) ([]domain.LeadActivity, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, lead_id, type, previous_value, new_value, COALESCE(external_ref, ''), metadata, created_at
		FROM lead_activities WHERE lead_id = $1 ORDER BY created_at, id`, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list activities")
	}
	defer rows.Close()
	var out []domain.LeadActivity
	for rows.Next() {
		var a domain.LeadActivity
		if err := rows.Scan(&a.ID, &a.LeadID, &a.Type, &a.PreviousValue, &a.NewValue, &a.ExternalRef, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan activity")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list activities")
}

// BrokerTerminalURL reads the operator override for broker.
func (db *DB) BrokerTerminalURL(ctx context.Context, broker string) (string, bool, error) {
	var u string
	err := db.Pool.QueryRow(ctx, `SELECT terminal_url FROM broker_settings WHERE broker = $1`,
		strings.ToLower(strings.TrimSpace(broker))).Scan(&u)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, eris.Wrap(err, "postgres: broker settings")
	}
	return u, true, nil
}
