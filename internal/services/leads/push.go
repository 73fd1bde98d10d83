package leads

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"leadsync/internal/adapters/crm"
	"leadsync/internal/domain"
)

// Custom field keys written on the CRM contact.
const (
	FieldLeadStatus      = "lead_status"
	FieldCapturedAt      = "captured_at"
	FieldDepositedAt     = "deposited_at"
	FieldTradingStartAt  = "trading_start_at"
	FieldQualifiedAt     = "qualified_at"
	FieldCommissionTotal = "commission_total"
	FieldBalance         = "mt5_balance"
	FieldEquity          = "mt5_equity"
	FieldTotalVolume     = "mt5_total_volume"
	FieldMeetsMinVolume  = "mt5_meets_min_volume"
)

// PushStatus mirrors the lead's current status onto its CRM contact.
// previous is the status the CRM is believed to hold; the configured
// workflow only fires when it differs.
func (s *Service) PushStatus(ctx context.Context, leadID string, previous domain.LeadStatus) error {
	if s.crm == nil {
		s.log.Debug().Str("lead_id", leadID).Msg("crm disabled, status push skipped")
		return nil
	}
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return eris.Wrapf(err, "leads: load %s", leadID)
	}
	contactID, err := s.contactID(ctx, &lead)
	if err != nil {
		return err
	}

	fields, err := s.statusFields(ctx, lead)
	if err != nil {
		return err
	}
	if err := s.crm.UpdateCustomFields(ctx, contactID, fields); err != nil {
		return eris.Wrap(err, "leads: update crm fields")
	}
	if err := s.crm.AddTag(ctx, contactID, crm.StatusTag(lead.Status)); err != nil {
		return eris.Wrap(err, "leads: add status tag")
	}

	var errs []error
	if previous != lead.Status && previous.Valid() {
		if err := s.crm.RemoveTag(ctx, contactID, crm.StatusTag(previous)); err != nil {
			errs = append(errs, eris.Wrap(err, "leads: remove stale status tag"))
		}
	}
	if wf := s.workflows[lead.Status]; wf != "" && previous != lead.Status {
		if err := s.crm.TriggerWorkflow(ctx, contactID, wf); err != nil {
			errs = append(errs, eris.Wrapf(err, "leads: trigger workflow %s", wf))
		}
	}
	s.log.Info().Str("lead_id", lead.ID).Str("contact_id", contactID).Str("status", string(lead.Status)).
		Str("previous", string(previous)).Msg("status pushed to crm")
	return errors.Join(errs...)
}

func (s *Service) statusFields(ctx context.Context, lead domain.Lead) (map[string]string, error) {
	fields := map[string]string{
		FieldLeadStatus:      string(lead.Status),
		FieldCapturedAt:      lead.CapturedAt.UTC().Format(time.RFC3339),
		FieldCommissionTotal: lead.CommissionTotal.StringFixed(2),
	}
	stamp := func(key string, t *time.Time) {
		if t != nil {
			fields[key] = t.UTC().Format(time.RFC3339)
		}
	}
	stamp(FieldDepositedAt, lead.DepositedAt)
	stamp(FieldTradingStartAt, lead.TradingStartAt)
	stamp(FieldQualifiedAt, lead.QualifiedAt)

	creds, err := s.store.ListCredentialsByLead(ctx, lead.ID)
	if err != nil {
		return nil, eris.Wrap(err, "leads: list credentials")
	}
	if primary, ok := primaryCredential(creds); ok {
		fields[FieldBalance] = primary.Balance.StringFixed(2)
		fields[FieldEquity] = primary.Equity.StringFixed(2)
		fields[FieldTotalVolume] = primary.TotalVolume.String()
		fields[FieldMeetsMinVolume] = strconv.FormatBool(primary.MeetsMinVolume)
	}
	return fields, nil
}

// primaryCredential prefers the most recently scraped verified account.
func primaryCredential(creds []domain.InvestorCredential) (domain.InvestorCredential, bool) {
	var best domain.InvestorCredential
	found := false
	for _, c := range creds {
		if c.LastScrapedAt == nil || !c.IsVerified {
			continue
		}
		if !found || c.LastScrapedAt.After(*best.LastScrapedAt) {
			best, found = c, true
		}
	}
	return best, found
}
