package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"leadsync/internal/domain"
)

// UpsertPositions writes the whole snapshot in one transaction: every ticket
// is upserted by (credential_id, ticket) and open rows absent from the
// snapshot are closed.
func (db *DB) UpsertPositions(ctx context.Context, credentialID string, positions []domain.Position, at time.Time) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return eris.Wrap(err, "postgres: begin positions tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = eris.Wrap(tx.Commit(ctx), "postgres: commit positions")
		}
	}()

	batch := &pgx.Batch{}
	tickets := make([]string, 0, len(positions))
	for _, p := range positions {
		tickets = append(tickets, p.Ticket)
		batch.Queue(`
			INSERT INTO positions (credential_id, ticket, symbol, type, volume, open_price, current_price, profit, open_time, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open', $10)
			ON CONFLICT (credential_id, ticket) DO UPDATE SET
				symbol = EXCLUDED.symbol, type = EXCLUDED.type, volume = EXCLUDED.volume,
				open_price = EXCLUDED.open_price, current_price = EXCLUDED.current_price,
				profit = EXCLUDED.profit, open_time = EXCLUDED.open_time,
				status = 'open', updated_at = EXCLUDED.updated_at`,
			credentialID, p.Ticket, p.Symbol, p.Type, p.Volume, p.OpenPrice, p.CurrentPrice, p.Profit, p.OpenTime, at)
	}
	batch.Queue(`UPDATE positions SET status = 'closed', updated_at = $3
		WHERE credential_id = $1 AND status = 'open' AND NOT (ticket = ANY($2))`,
		credentialID, tickets, at)

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return eris.Wrap(err, "postgres: upsert positions")
	}
	return nil
}

func (db *DB) ListPositions(ctx context.Context, credentialID string) ([]domain.Position, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT credential_id, ticket, symbol, type, volume, open_price, current_price, profit, open_time, status, updated_at
		FROM positions WHERE credential_id = $1 ORDER BY ticket`, credentialID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list positions")
	}
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var status string
		if err := rows.Scan(&p.CredentialID, &p.Ticket, &p.Symbol, &p.Type, &p.Volume, &p.OpenPrice,
			&p.CurrentPrice, &p.Profit, &p.OpenTime, &status, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan position")
		}
		p.Status = domain.PositionStatus(status)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list positions")
}
