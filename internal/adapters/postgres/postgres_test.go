package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"leadsync/internal/domain"
)

// openTestDB connects to LEADSYNC_TEST_DATABASE_URL or skips.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("LEADSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEADSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(db.Close)
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return db
}

func seedCredential(t *testing.T, db *DB) domain.InvestorCredential {
	t.Helper()
	ctx := context.Background()
	lead, err := db.CreateLead(ctx, domain.Lead{Email: uuid.NewString() + "@example.com", Status: domain.StatusCaptured})
	if err != nil {
		t.Fatal(err)
	}
	cred, err := db.UpsertCredential(ctx, domain.InvestorCredential{LeadID: lead.ID, Login: "1001", Server: "Demo", PasswordEncrypted: "x"})
	if err != nil {
		t.Fatal(err)
	}
	return cred
}

func TestLeadLookups(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	email := uuid.NewString() + "@Example.com"
	lead, err := db.CreateLead(ctx, domain.Lead{Email: email, Status: domain.StatusCaptured, TrackingToken: uuid.NewString()})
	if err != nil {
		t.Fatal(err)
	}
	again, err := db.CreateLead(ctx, domain.Lead{Email: email, Status: domain.StatusCaptured})
	if err != nil || again.ID != lead.ID {
		t.Fatalf("create is not idempotent by email: %v %s != %s", err, again.ID, lead.ID)
	}
	if got, err := db.FindLeadByTrackingToken(ctx, lead.TrackingToken); err != nil || got.ID != lead.ID {
		t.Fatalf("by token: %v", err)
	}
	if _, err := db.FindLeadByTrackingToken(ctx, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("empty token: %v", err)
	}
	if err := db.UpdateLead(ctx, domain.Lead{ID: uuid.NewString(), Email: "ghost@example.com", Status: domain.StatusCaptured}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
}

func TestUpdateLeadKeepsProgress(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	lead, err := db.CreateLead(ctx, domain.Lead{Email: uuid.NewString() + "@example.com", Status: domain.StatusCaptured})
	if err != nil {
		t.Fatal(err)
	}
	stale := lead
	now := time.Now().UTC()
	lead.Status = domain.StatusTrading
	lead.DepositedAt = &now
	lead.TradingStartAt = &now
	lead.CRMContactID = "c-1"
	if err := db.UpdateLead(ctx, lead); err != nil {
		t.Fatal(err)
	}
	if err := db.AddCommission(ctx, lead.ID, decimal.RequireFromString("12.5")); err != nil {
		t.Fatal(err)
	}

	stale.FirstName = "Ann"
	if err := db.UpdateLead(ctx, stale); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetLead(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusTrading || got.DepositedAt == nil || got.TradingStartAt == nil {
		t.Fatalf("stale write regressed the lead: %+v", got)
	}
	if got.FirstName != "Ann" || got.CRMContactID != "c-1" {
		t.Fatalf("identity fields: %+v", got)
	}
	if !got.CommissionTotal.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("commission: %s", got.CommissionTotal)
	}
	if err := db.AddCommission(ctx, uuid.NewString(), decimal.NewFromInt(1)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("commission on missing lead: %v", err)
	}
}

func TestPositionUpsertIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	cred := seedCredential(t, db)
	at := time.Now().UTC()

	snap := []domain.Position{
		{Ticket: "1", Symbol: "EURUSD", Type: "buy", Volume: decimal.RequireFromString("0.1"), Profit: decimal.NewFromInt(1)},
		{Ticket: "2", Symbol: "XAUUSD", Type: "sell", Volume: decimal.RequireFromString("0.05")},
	}
	if err := db.UpsertPositions(ctx, cred.ID, snap, at); err != nil {
		t.Fatal(err)
	}
	snap[0].Profit = decimal.NewFromInt(7)
	if err := db.UpsertPositions(ctx, cred.ID, snap[:1], at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	ps, err := db.ListPositions(ctx, cred.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 {
		t.Fatalf("rows: %d", len(ps))
	}
	if !ps[0].Profit.Equal(decimal.NewFromInt(7)) || ps[0].Status != domain.PositionOpen {
		t.Fatalf("ticket 1: %+v", ps[0])
	}
	if ps[1].Status != domain.PositionClosed {
		t.Fatalf("ticket 2 should be closed: %+v", ps[1])
	}
}

func TestCredentialFailureThreshold(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	cred := seedCredential(t, db)
	for i := 0; i < cred.MaxFailedAttempts; i++ {
		if _, err := db.RecordScrapeFailure(ctx, cred.ID, "invalid password", true, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	eligible := func() bool {
		list, err := db.ListScrapeEligible(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range list {
			if c.ID == cred.ID {
				return true
			}
		}
		return false
	}
	if eligible() {
		t.Fatal("excluded credential still eligible")
	}
	again, err := db.UpsertCredential(ctx, domain.InvestorCredential{LeadID: cred.LeadID, Login: cred.Login, Server: cred.Server, PasswordEncrypted: "y"})
	if err != nil || again.ID != cred.ID || again.FailedAttempts != 0 {
		t.Fatalf("resubmission: %v %+v", err, again)
	}
	if !eligible() {
		t.Fatal("resubmitted credential not eligible")
	}
}

func TestActivityExternalRef(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	cred := seedCredential(t, db)
	ref := "purchase:" + uuid.NewString()
	a := domain.LeadActivity{LeadID: cred.LeadID, Type: domain.ActivityCommission, NewValue: "50.00", ExternalRef: ref, Metadata: map[string]any{"orderId": "o1"}}
	first, err := db.AppendActivity(ctx, a)
	if err != nil || !first {
		t.Fatalf("first insert: %v %v", first, err)
	}
	if dup, err := db.AppendActivity(ctx, a); err != nil || dup {
		t.Fatalf("duplicate insert: %v %v", dup, err)
	}
}

func TestEventStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	open := domain.WebhookEvent{ID: uuid.NewString(), Type: "contact.created", Payload: json.RawMessage(`{"a":1}`), Status: domain.EventPending, MaxRetries: 5, CreatedAt: now, UpdatedAt: now}
	done := open
	done.ID = uuid.NewString()
	done.Status = domain.EventCompleted
	done.UpdatedAt = now.Add(-48 * time.Hour)
	parked := done
	parked.ID = uuid.NewString()
	parked.Status = domain.EventFailed
	for _, ev := range []domain.WebhookEvent{open, done, parked} {
		if err := db.SaveEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	evs, err := db.LoadOpenEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, ev := range evs {
		found[ev.ID] = true
	}
	if !found[open.ID] || found[done.ID] {
		t.Fatalf("open events: %v", found)
	}
	if n, err := db.DeleteFinishedBefore(ctx, now.Add(-24*time.Hour)); err != nil || n < 2 {
		t.Fatalf("purge: %d %v", n, err)
	}
	evs, _ = db.LoadOpenEvents(ctx)
	for _, ev := range evs {
		if ev.ID == parked.ID {
			t.Fatal("old failed event survived the purge")
		}
	}
	if err := db.DeleteEvents(ctx, []string{open.ID}); err != nil {
		t.Fatal(err)
	}
}
