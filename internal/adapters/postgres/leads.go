package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"leadsync/internal/domain"
)

const leadColumns = `id, email, phone, first_name, last_name, broker, source, status,
	captured_at, deposited_at, trading_start_at, qualified_at, commission_total,
	COALESCE(tracking_token, ''), crm_contact_id, created_at, updated_at`

func scanLead(row pgx.Row) (domain.Lead, error) {
	var l domain.Lead
	var status string
	err := row.Scan(&l.ID, &l.Email, &l.Phone, &l.FirstName, &l.LastName, &l.Broker, &l.Source, &status,
		&l.CapturedAt, &l.DepositedAt, &l.TradingStartAt, &l.QualifiedAt, &l.CommissionTotal,
		&l.TrackingToken, &l.CRMContactID, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return l, domain.ErrNotFound
	}
	l.Status = domain.LeadStatus(status)
	return l, err
}

func (db *DB) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	l, err := scanLead(db.Pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	return l, wrapQuery(err, "get lead")
}

func (db *DB) FindLeadByEmail(ctx context.Context, email string) (domain.Lead, error) {
	l, err := scanLead(db.Pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE email = $1`, domain.NormalizeEmail(email)))
	return l, wrapQuery(err, "find lead by email")
}

func (db *DB) FindLeadByTrackingToken(ctx context.Context, token string) (domain.Lead, error) {
	if token == "" {
		return domain.Lead{}, domain.ErrNotFound
	}
	l, err := scanLead(db.Pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE tracking_token = $1`, token))
	return l, wrapQuery(err, "find lead by token")
}

// CreateLead inserts the lead, or returns the stored one when the email is taken.
func (db *DB) CreateLead(ctx context.Context, lead domain.Lead) (domain.Lead, error) {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Status == "" {
		lead.Status = domain.StatusCaptured
	}
	if lead.CapturedAt.IsZero() {
		lead.CapturedAt = time.Now().UTC()
	}
	l, err := scanLead(db.Pool.QueryRow(ctx, `
		INSERT INTO leads (id, email, phone, first_name, last_name, broker, source, status,
			captured_at, commission_total, tracking_token, crm_contact_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING `+leadColumns,
		lead.ID, domain.NormalizeEmail(lead.Email), lead.Phone, lead.FirstName, lead.LastName,
		lead.Broker, lead.Source, string(lead.Status), lead.CapturedAt, lead.CommissionTotal,
		lead.TrackingToken, lead.CRMContactID))
	return l, wrapQuery(err, "create lead")
}

// statusRank mirrors domain.LeadStatus.Rank in SQL.
const statusRank = `array_position(ARRAY['captured','deposited','trading','qualified']::text[], %s)`

var updateLeadSQL = fmt.Sprintf(`
		UPDATE leads SET phone = $2, first_name = $3, last_name = $4, broker = $5, source = $6,
			status = CASE WHEN %s > %s THEN $7 ELSE status END,
			deposited_at = COALESCE(deposited_at, $8),
			trading_start_at = COALESCE(trading_start_at, $9),
			qualified_at = COALESCE(qualified_at, $10),
			tracking_token = COALESCE(NULLIF($11, ''), tracking_token),
			crm_contact_id = COALESCE(NULLIF($12, ''), crm_contact_id),
			updated_at = now()
		WHERE id = $1`, fmt.Sprintf(statusRank, "$7::text"), fmt.Sprintf(statusRank, "status"))

func (db *DB) UpdateLead(ctx context.Context, lead domain.Lead) error {
	tag, err := db.Pool.Exec(ctx, updateLeadSQL,
		lead.ID, lead.Phone, lead.FirstName, lead.LastName, lead.Broker, lead.Source,
		string(lead.Status), lead.DepositedAt, lead.TradingStartAt, lead.QualifiedAt,
		lead.TrackingToken, lead.CRMContactID)
	if err != nil {
		return eris.Wrap(err, "postgres: update lead")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (db *DB) AddCommission(ctx context.Context, id string, amount decimal.Decimal) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE leads SET commission_total = commission_total + $2, updated_at = now() WHERE id = $1`,
		id, amount)
	if err != nil {
		return eris.Wrap(err, "postgres: add commission")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (db *DB) ListLeads(ctx context.Context) ([]domain.Lead, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+leadColumns+` FROM leads ORDER BY email`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()
	var out []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list leads")
}

// wrapQuery passes ErrNotFound through untouched so callers can errors.Is it.
func wrapQuery(err error, op string) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return eris.Wrap(err, "postgres: "+op)
}
