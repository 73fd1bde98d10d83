package leads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"leadsync/internal/adapters/crm"
	"leadsync/internal/adapters/memory"
	"leadsync/internal/domain"
	"leadsync/internal/ports"
	"leadsync/internal/secrets"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newService(t *testing.T, opts ...Option) (*Service, *memory.Store, *memory.CRM) {
	t.Helper()
	cipher, err := secrets.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	store := memory.NewStore()
	fake := memory.NewCRM()
	return New(store, cipher, append([]Option{WithCRM(fake)}, opts...)...), store, fake
}

func TestCaptureCreatesOnceAndFillsBlanks(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	lead, created, err := svc.Capture(ctx, CaptureInput{Email: " Ann@Example.com ", Source: "example.com"})
	if err != nil || !created {
		t.Fatalf("capture: created=%v err=%v", created, err)
	}
	if lead.Status != domain.StatusCaptured || lead.TrackingToken == "" || lead.Email != "ann@example.com" {
		t.Fatalf("lead: %+v", lead)
	}

	again, created, err := svc.Capture(ctx, CaptureInput{Email: "ann@example.com", FirstName: "Ann", Source: "other.com"})
	if err != nil || created || again.ID != lead.ID {
		t.Fatalf("second capture: %+v created=%v err=%v", again, created, err)
	}
	stored, _ := store.GetLead(ctx, lead.ID)
	if stored.FirstName != "Ann" || stored.Source != "example.com" {
		t.Fatalf("blank fill: %+v", stored)
	}
	acts, _ := store.ListActivities(ctx, lead.ID)
	if len(acts) != 1 || acts[0].Type != domain.ActivityCapture {
		t.Fatalf("activities: %+v", acts)
	}

	for _, bad := range []string{"", "not-an-email", "Ann <ann@example.com>", "<ann@example.com>", "ann@example.com (Ann)"} {
		if _, _, err := svc.Capture(ctx, CaptureInput{Email: bad}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("invalid email %q accepted: %v", bad, err)
		}
	}
	if _, err := store.FindLeadByEmail(ctx, "ann <ann@example.com>"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("display-name address stored: %v", err)
	}
}

func TestSubmitCredentialEncryptsAndTags(t *testing.T) {
	svc, store, fake := newService(t)
	ctx := context.Background()
	contact := fake.Put(ports.Contact{Email: "bob@example.com"})
	lead, _, _ := svc.Capture(ctx, CaptureInput{Email: "bob@example.com", Broker: "exness"})

	cred, err := svc.SubmitCredential(ctx, lead.ID, CredentialInput{Login: "7001", Password: "pw", Server: "Exness-Real"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cred.PasswordEncrypted == "pw" || cred.PasswordEncrypted == "" || cred.Broker != "exness" {
		t.Fatalf("credential: %+v", cred)
	}
	ct, _ := fake.Contact(contact.ID)
	if len(ct.Tags) != 2 || ct.Tags[0] != crm.TagCredentialsSubmitted || ct.Tags[1] != crm.TagReadyForVerification {
		t.Fatalf("tags: %v", ct.Tags)
	}
	stored, _ := store.GetLead(ctx, lead.ID)
	if stored.CRMContactID != contact.ID {
		t.Fatalf("contact id not cached: %+v", stored)
	}

	if _, err := svc.SubmitCredential(ctx, lead.ID, CredentialInput{Login: "7001", Server: "Exness-Real"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing password accepted: %v", err)
	}
	if _, err := svc.SubmitCredential(ctx, "nope", CredentialInput{Login: "1", Password: "p", Server: "s"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown lead: %v", err)
	}
}

func TestSubmitCredentialSurvivesCRMOutage(t *testing.T) {
	svc, _, fake := newService(t)
	ctx := context.Background()
	lead, _, _ := svc.Capture(ctx, CaptureInput{Email: "cy@example.com"})
	fake.Err = errors.New("crm down")
	if _, err := svc.SubmitCredential(ctx, lead.ID, CredentialInput{Login: "1", Password: "p", Server: "s"}); err != nil {
		t.Fatalf("crm failure must not fail submission: %v", err)
	}
}

func TestPushStatus(t *testing.T) {
	svc, store, fake := newService(t, WithWorkflows(map[string]string{"trading": "wf-trading"}))
	ctx := context.Background()
	contact := fake.Put(ports.Contact{Email: "dee@example.com", Tags: []string{crm.StatusTag(domain.StatusDeposited)}})
	lead, _, _ := svc.Capture(ctx, CaptureInput{Email: "dee@example.com"})

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	lead, _ = store.GetLead(ctx, lead.ID)
	lead.Status = domain.StatusTrading
	lead.TradingStartAt = &now
	_ = store.UpdateLead(ctx, lead)
	cred, _ := store.UpsertCredential(ctx, domain.InvestorCredential{LeadID: lead.ID, Login: "1", Server: "s", PasswordEncrypted: "x"})
	_ = store.RecordScrapeSuccess(ctx, cred.ID, domain.AccountSnapshot{Balance: decimal.NewFromInt(500)}, now)
	_ = store.SetVolume(ctx, cred.ID, decimal.RequireFromString("0.1"), false)

	if err := svc.PushStatus(ctx, lead.ID, domain.StatusDeposited); err != nil {
		t.Fatalf("push: %v", err)
	}
	ct, _ := fake.Contact(contact.ID)
	if ct.Fields[FieldLeadStatus] != "trading" || ct.Fields[FieldTradingStartAt] != "2024-06-01T09:00:00Z" {
		t.Fatalf("fields: %v", ct.Fields)
	}
	if ct.Fields[FieldBalance] != "500.00" || ct.Fields[FieldTotalVolume] != "0.1" {
		t.Fatalf("account fields: %v", ct.Fields)
	}
	if len(ct.Tags) != 1 || ct.Tags[0] != "Status_trading" {
		t.Fatalf("tags: %v", ct.Tags)
	}
	if wf := fake.Workflows(); len(wf) != 1 || wf[0] != contact.ID+":wf-trading" {
		t.Fatalf("workflows: %v", wf)
	}

	if err := svc.PushStatus(ctx, lead.ID, domain.StatusTrading); err != nil {
		t.Fatalf("repeat push: %v", err)
	}
	if wf := fake.Workflows(); len(wf) != 1 {
		t.Fatalf("workflow re-triggered without a status change: %v", wf)
	}
}

// advancingCRM moves the stored lead to trading while the contact lookup is
// in flight, the way a scrape finishing in parallel would.
type advancingCRM struct {
	*memory.CRM
	store  *memory.Store
	leadID string
}

func (c advancingCRM) FindContactByEmail(ctx context.Context, email string) (ports.Contact, error) {
	lead, _ := c.store.GetLead(ctx, c.leadID)
	now := time.Now().UTC()
	lead.Status = domain.StatusTrading
	lead.TradingStartAt = &now
	_ = c.store.UpdateLead(ctx, lead)
	return c.CRM.FindContactByEmail(ctx, email)
}

func TestPushStatusKeepsNewerStatus(t *testing.T) {
	cipher, err := secrets.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	store := memory.NewStore()
	fake := memory.NewCRM()
	ctx := context.Background()
	fake.Put(ports.Contact{Email: "fay@example.com"})

	seed := New(store, cipher)
	lead, _, _ := seed.Capture(ctx, CaptureInput{Email: "fay@example.com"})
	now := time.Now().UTC()
	lead.Status = domain.StatusDeposited
	lead.DepositedAt = &now
	if err := store.UpdateLead(ctx, lead); err != nil {
		t.Fatal(err)
	}

	svc := New(store, cipher, WithCRM(advancingCRM{CRM: fake, store: store, leadID: lead.ID}))
	if err := svc.PushStatus(ctx, lead.ID, domain.StatusCaptured); err != nil {
		t.Fatalf("push: %v", err)
	}
	stored, _ := store.GetLead(ctx, lead.ID)
	if stored.Status != domain.StatusTrading || stored.TradingStartAt == nil || stored.DepositedAt == nil {
		t.Fatalf("lead regressed: %+v", stored)
	}
	if stored.CRMContactID == "" {
		t.Fatal("contact id not cached")
	}
}

func TestPushStatusUnknownContact(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	lead, _, _ := svc.Capture(ctx, CaptureInput{Email: "eve@example.com"})
	if err := svc.PushStatus(ctx, lead.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
