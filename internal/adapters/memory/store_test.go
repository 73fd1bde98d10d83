package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"leadsync/internal/domain"
)

func TestUpsertPositionsClosesMissingTickets(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	at := time.Now()
	_ = s.UpsertPositions(ctx, "c1", []domain.Position{
		{Ticket: "1", Volume: decimal.RequireFromString("0.1")},
		{Ticket: "2", Volume: decimal.RequireFromString("0.1")},
	}, at)
	_ = s.UpsertPositions(ctx, "c1", []domain.Position{
		{Ticket: "2", Volume: decimal.RequireFromString("0.1"), Profit: decimal.NewFromInt(5)},
	}, at.Add(time.Minute))

	ps, _ := s.ListPositions(ctx, "c1")
	if len(ps) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(ps))
	}
	if ps[0].Status != domain.PositionClosed || ps[1].Status != domain.PositionOpen {
		t.Fatalf("unexpected statuses: %+v", ps)
	}
	if !ps[1].Profit.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("profit not updated in place: %s", ps[1].Profit)
	}
}

func TestUpsertCredentialResetsFailures(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	c, _ := s.UpsertCredential(ctx, domain.InvestorCredential{LeadID: "l1", Login: "123", Server: "Srv", PasswordEncrypted: "a"})
	if c.MaxFailedAttempts != domain.DefaultMaxFailedAttempts {
		t.Fatalf("default threshold: got %d", c.MaxFailedAttempts)
	}
	for i := 0; i < 3; i++ {
		_, _ = s.RecordScrapeFailure(ctx, c.ID, "invalid password", true, time.Now())
	}
	if el, _ := s.ListScrapeEligible(ctx); len(el) != 0 {
		t.Fatal("credential should be excluded after threshold")
	}
	again, _ := s.UpsertCredential(ctx, domain.InvestorCredential{LeadID: "l1", Login: "123", Server: "Srv", PasswordEncrypted: "b"})
	if again.ID != c.ID || again.FailedAttempts != 0 || again.PasswordEncrypted != "b" {
		t.Fatalf("resubmission did not reset: %+v", again)
	}
	if el, _ := s.ListScrapeEligible(ctx); len(el) != 1 {
		t.Fatal("credential should be eligible again")
	}
}

func TestAppendActivityDeduplicatesExternalRef(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	ok1, _ := s.AppendActivity(ctx, domain.LeadActivity{LeadID: "l1", Type: domain.ActivityCommission, ExternalRef: "purchase:1"})
	ok2, _ := s.AppendActivity(ctx, domain.LeadActivity{LeadID: "l1", Type: domain.ActivityCommission, ExternalRef: "purchase:1"})
	ok3, _ := s.AppendActivity(ctx, domain.LeadActivity{LeadID: "l1", Type: domain.ActivityDeposit})
	if !ok1 || ok2 || !ok3 {
		t.Fatalf("got %v %v %v", ok1, ok2, ok3)
	}
	acts, _ := s.ListActivities(ctx, "l1")
	if len(acts) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(acts))
	}
}

func TestUpdateLeadKeepsProgress(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	lead, _ := s.CreateLead(ctx, domain.Lead{Email: "ann@example.com", Status: domain.StatusCaptured})
	stale := lead

	now := time.Now().UTC()
	lead.Status = domain.StatusTrading
	lead.DepositedAt = &now
	lead.TradingStartAt = &now
	lead.CRMContactID = "c-1"
	if err := s.UpdateLead(ctx, lead); err != nil {
		t.Fatal(err)
	}
	if err := s.AddCommission(ctx, lead.ID, decimal.NewFromInt(40)); err != nil {
		t.Fatal(err)
	}

	stale.FirstName = "Ann"
	stale.CommissionTotal = decimal.NewFromInt(999)
	if err := s.UpdateLead(ctx, stale); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetLead(ctx, lead.ID)
	if got.Status != domain.StatusTrading || got.DepositedAt == nil || got.TradingStartAt == nil {
		t.Fatalf("stale write regressed the lead: %+v", got)
	}
	if got.FirstName != "Ann" || got.CRMContactID != "c-1" {
		t.Fatalf("identity fields: %+v", got)
	}
	if !got.CommissionTotal.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("commission: %s", got.CommissionTotal)
	}

	later := now.Add(time.Hour)
	got.Status = domain.StatusQualified
	got.QualifiedAt = &later
	got.DepositedAt = &later
	_ = s.UpdateLead(ctx, got)
	final, _ := s.GetLead(ctx, lead.ID)
	if final.Status != domain.StatusQualified || !final.DepositedAt.Equal(now) || final.QualifiedAt == nil {
		t.Fatalf("forward move: %+v", final)
	}
}
