package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"leadsync/internal/domain"
)

// LeadRepository stores leads. Lookups return domain.ErrNotFound when missing.
//
// UpdateLead writes identity fields as given but never moves status to a
// lower rank, never clears a lifecycle timestamp and leaves the commission
// total alone. Callers holding a stale copy cannot undo newer progress.
// AddCommission is the only way to change the total.
type LeadRepository interface {
	GetLead(ctx context.Context, id string) (domain.Lead, error)
	FindLeadByEmail(ctx context.Context, email string) (domain.Lead, error)
	FindLeadByTrackingToken(ctx context.Context, token string) (domain.Lead, error)
	CreateLead(ctx context.Context, lead domain.Lead) (domain.Lead, error)
	UpdateLead(ctx context.Context, lead domain.Lead) error
	AddCommission(ctx context.Context, id string, amount decimal.Decimal) error
	ListLeads(ctx context.Context) ([]domain.Lead, error)
}

// CredentialRepository manages investor credentials and their scrape bookkeeping.
type CredentialRepository interface {
	GetCredential(ctx context.Context, id string) (domain.InvestorCredential, error)
	ListCredentialsByLead(ctx context.Context, leadID string) ([]domain.InvestorCredential, error)
	// UpsertCredential inserts or replaces the credential identified by
	// (lead, login, server). A replaced password resets the failure counter.
	UpsertCredential(ctx context.Context, cred domain.InvestorCredential) (domain.InvestorCredential, error)
	// ListScrapeEligible returns unverified credentials below their failure
	// threshold in a stable order.
	ListScrapeEligible(ctx context.Context) ([]domain.InvestorCredential, error)
	RecordScrapeSuccess(ctx context.Context, id string, snap domain.AccountSnapshot, at time.Time) error
	// RecordScrapeFailure stores the error; countAttempt bumps failedAttempts.
	RecordScrapeFailure(ctx context.Context, id string, reason string, countAttempt bool, at time.Time) (domain.InvestorCredential, error)
	SetVolume(ctx context.Context, id string, total decimal.Decimal, meetsMin bool) error
}

// PositionRepository upserts position snapshots keyed by (credential, ticket).
type PositionRepository interface {
	// UpsertPositions writes the snapshot and marks stored open positions
	// missing from it as closed.
	UpsertPositions(ctx context.Context, credentialID string, positions []domain.Position, at time.Time) error
	ListPositions(ctx context.Context, credentialID string) ([]domain.Position, error)
}

// ActivityRepository is the append-only lead audit log.
type ActivityRepository interface {
	// AppendActivity returns inserted=false when a non-empty ExternalRef was
	// already recorded.
	AppendActivity(ctx context.Context, a domain.LeadActivity) (inserted bool, err error)
	ListActivities(ctx context.Context, leadID string) ([]domain.LeadActivity, error)
}

// BrokerSettingsRepository holds per-broker terminal URLs set by operators.
type BrokerSettingsRepository interface {
	BrokerTerminalURL(ctx context.Context, broker string) (url string, found bool, err error)
}

// Store is everything the scrape and webhook paths persist.
type Store interface {
	LeadRepository
	CredentialRepository
	PositionRepository
	ActivityRepository
}
