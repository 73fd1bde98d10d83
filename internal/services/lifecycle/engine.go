package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"leadsync/internal/domain"
)

// DefaultQualifyingVolume is the lot total that qualifies a lead.
var DefaultQualifyingVolume = decimal.RequireFromString("0.2")

// Policy holds the thresholds the engine applies.
type Policy struct {
	QualifyingVolume decimal.Decimal
	// QualificationCommission is credited once, on the qualification transition.
	QualificationCommission decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{QualifyingVolume: DefaultQualifyingVolume}
}

// Engine derives lead status from account state. It has no side effects.
type Engine struct {
	policy Policy
}

func New(policy Policy) *Engine {
	if policy.QualifyingVolume.IsZero() {
		policy.QualifyingVolume = DefaultQualifyingVolume
	}
	return &Engine{policy: policy}
}

// MeetsMinVolume reports whether total reaches the qualification threshold.
func (e *Engine) MeetsMinVolume(total decimal.Decimal) bool {
	return total.GreaterThanOrEqual(e.policy.QualifyingVolume)
}

// Advance applies the deposit, trade and qualification rules in that order.
// Each rule is guarded by the current status, so re-running on the same
// snapshot yields no activities. Status never moves backwards. Each
// transition carries a per-lead ExternalRef so it is recorded at most once.
func (e *Engine) Advance(lead domain.Lead, snap domain.AccountSnapshot, totalVolume decimal.Decimal, now time.Time) (domain.Lead, []domain.LeadActivity) {
	var acts []domain.LeadActivity
	if !lead.Status.Valid() {
		lead.Status = domain.StatusCaptured
	}

	transition := func(to domain.LeadStatus, kind string, meta map[string]any) {
		acts = append(acts, domain.LeadActivity{
			LeadID:        lead.ID,
			Type:          kind,
			PreviousValue: string(lead.Status),
			NewValue:      string(to),
			ExternalRef:   kind + ":" + lead.ID,
			Metadata:      meta,
			CreatedAt:     now,
		})
		lead.Status = to
		lead.UpdatedAt = now
	}

	if snap.Balance.IsPositive() && lead.Status == domain.StatusCaptured {
		t := now
		lead.DepositedAt = &t
		transition(domain.StatusDeposited, domain.ActivityDeposit, map[string]any{"balance": snap.Balance.String()})
	}

	if totalVolume.IsPositive() && (lead.Status == domain.StatusCaptured || lead.Status == domain.StatusDeposited) {
		t := now
		lead.TradingStartAt = &t
		transition(domain.StatusTrading, domain.ActivityTrade, map[string]any{"total_volume": totalVolume.String()})
	}

	if e.MeetsMinVolume(totalVolume) && lead.Status != domain.StatusQualified {
		t := now
		lead.QualifiedAt = &t
		meta := map[string]any{"total_volume": totalVolume.String()}
		if e.policy.QualificationCommission.IsPositive() {
			lead.CommissionTotal = lead.CommissionTotal.Add(e.policy.QualificationCommission)
			meta["commission"] = e.policy.QualificationCommission.String()
		}
		transition(domain.StatusQualified, domain.ActivityQualification, meta)
	}

	return lead, acts
}
