package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"leadsync/internal/domain"
)

const credentialColumns = `id, lead_id, login, password_encrypted, server, broker,
	balance, equity, margin, free_margin, margin_level, profit, total_volume,
	meets_min_volume, is_verified, scraping_status, scraping_error,
	failed_attempts, max_failed_attempts, last_scraped_at, created_at, updated_at`

func scanCredential(row pgx.Row) (domain.InvestorCredential, error) {
	var c domain.InvestorCredential
	var status string
	err := row.Scan(&c.ID, &c.LeadID, &c.Login, &c.PasswordEncrypted, &c.Server, &c.Broker,
		&c.Balance, &c.Equity, &c.Margin, &c.FreeMargin, &c.MarginLevel, &c.Profit, &c.TotalVolume,
		&c.MeetsMinVolume, &c.IsVerified, &status, &c.ScrapingError,
		&c.FailedAttempts, &c.MaxFailedAttempts, &c.LastScrapedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, domain.ErrNotFound
	}
	c.ScrapingStatus = domain.ScrapingStatus(status)
	return c, err
}

func collectCredentials(rows pgx.Rows) ([]domain.InvestorCredential, error) {
	defer rows.Close()
	var out []domain.InvestorCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) GetCredential(ctx context.Context, id string) (domain.InvestorCredential, error) {
	c, err := scanCredential(db.Pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM investor_credentials WHERE id = $1`, id))
	return c, wrapQuery(err, "get credential")
}

func (db *DB) ListCredentialsByLead(ctx context.Context, leadID string) ([]domain.InvestorCredential, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+credentialColumns+` FROM investor_credentials
		WHERE lead_id = $1 ORDER BY created_at, id`, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list credentials")
	}
	out, err := collectCredentials(rows)
	return out, wrapQuery(err, "list credentials")
}

// UpsertCredential resets verification and the failure counter when the
// same login is resubmitted, so a corrected password is scraped again.
func (db *DB) UpsertCredential(ctx context.Context, cred domain.InvestorCredential) (domain.InvestorCredential, error) {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.MaxFailedAttempts <= 0 {
		cred.MaxFailedAttempts = domain.DefaultMaxFailedAttempts
	}
	c, err := scanCredential(db.Pool.QueryRow(ctx, `
		INSERT INTO investor_credentials (id, lead_id, login, password_encrypted, server, broker, max_failed_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (lead_id, login, server) DO UPDATE SET
			password_encrypted = EXCLUDED.password_encrypted,
			broker = EXCLUDED.broker,
			max_failed_attempts = EXCLUDED.max_failed_attempts,
			failed_attempts = 0,
			is_verified = false,
			scraping_status = 'pending',
			scraping_error = '',
			updated_at = now()
		RETURNING `+credentialColumns,
		cred.ID, cred.LeadID, cred.Login, cred.PasswordEncrypted, cred.Server, cred.Broker, cred.MaxFailedAttempts))
	return c, wrapQuery(err, "upsert credential")
}

func (db *DB) ListScrapeEligible(ctx context.Context) ([]domain.InvestorCredential, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+credentialColumns+` FROM investor_credentials
		WHERE is_verified = false AND failed_attempts < max_failed_attempts
		ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list eligible credentials")
	}
	out, err := collectCredentials(rows)
	return out, wrapQuery(err, "list eligible credentials")
}

func (db *DB) RecordScrapeSuccess(ctx context.Context, id string, snap domain.AccountSnapshot, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE investor_credentials SET balance = $2, equity = $3, margin = $4, free_margin = $5,
			margin_level = $6, profit = $7, failed_attempts = 0, is_verified = true,
			scraping_status = 'success', scraping_error = '', last_scraped_at = $8, updated_at = $8
		WHERE id = $1`,
		id, snap.Balance, snap.Equity, snap.Margin, snap.FreeMargin, snap.MarginLevel, snap.Profit, at)
	if err != nil {
		return eris.Wrap(err, "postgres: record scrape success")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (db *DB) RecordScrapeFailure(ctx context.Context, id string, reason string, countAttempt bool, at time.Time) (domain.InvestorCredential, error) {
	c, err := scanCredential(db.Pool.QueryRow(ctx, `
		UPDATE investor_credentials SET
			failed_attempts = failed_attempts + CASE WHEN $3 THEN 1 ELSE 0 END,
			scraping_status = 'failed', scraping_error = $2, last_scraped_at = $4, updated_at = $4
		WHERE id = $1
		RETURNING `+credentialColumns, id, reason, countAttempt, at))
	return c, wrapQuery(err, "record scrape failure")
}

func (db *DB) SetVolume(ctx context.Context, id string, total decimal.Decimal, meetsMin bool) error {
	_, err := db.Pool.Exec(ctx, `UPDATE investor_credentials SET total_volume = $2, meets_min_volume = $3, updated_at = now() WHERE id = $1`,
		id, total, meetsMin)
	return eris.Wrap(err, "postgres: set volume")
}
