// Package webhooks turns queued events into lead changes. Inbound CRM
// webhooks and the outbound status sync share one router.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/net/publicsuffix"

	"leadsync/internal/domain"
	"leadsync/internal/ports"
	"leadsync/internal/services/leads"
	"leadsync/internal/workers/webhookqueue"
)

// Inbound event types sent by the CRM.
const (
	ContactCreated    = "contact.created"
	ContactUpdated    = "contact.updated"
	FormSubmitted     = "form.submitted"
	TagAdded          = "tag.added"
	TagRemoved        = "tag.removed"
	PurchaseCompleted = "purchase.completed"
)

// Payload is the flat body the CRM posts for every event type.
type Payload struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	ContactID     string          `json:"contactId"`
	Email         string          `json:"email"`
	Phone         string          `json:"phone"`
	FirstName     string          `json:"firstName"`
	LastName      string          `json:"lastName"`
	Broker        string          `json:"broker"`
	Source        string          `json:"source"`
	PageURL       string          `json:"pageUrl"`
	TrackingToken string          `json:"trackingToken"`
	Tag           string          `json:"tag"`
	WorkflowID    string          `json:"workflowId"`
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	Login         string          `json:"login"`
	Password      string          `json:"password"`
	Server        string          `json:"server"`
}

// ref is the idempotency reference for activities written by this event.
func (p Payload) ref(kind string) string {
	if p.ID == "" {
		return ""
	}
	return kind + ":" + p.ID
}

// LeadStore is what the processor reads and writes directly.
type LeadStore interface {
	ports.LeadRepository
	ports.ActivityRepository
}

type Processor struct {
	leads  *leads.Service
	store  LeadStore
	pusher ports.StatusPusher
	log    zerolog.Logger
}

func New(svc *leads.Service, store LeadStore, log zerolog.Logger) *Processor {
	return &Processor{leads: svc, store: store, pusher: svc, log: log.With().Str("component", "webhooks").Logger()}
}

var _ webhookqueue.Processor = (*Processor)(nil)

// Process routes one event. Malformed payloads and unknown types are
// permanent failures.
func (p *Processor) Process(ctx context.Context, ev domain.WebhookEvent) error {
	if ev.Type == domain.EventSyncLeadStatus {
		return p.syncStatus(ctx, ev)
	}
	var pl Payload
	if err := json.Unmarshal(ev.Payload, &pl); err != nil {
		return webhookqueue.Permanent(eris.Wrap(err, "decode webhook payload"))
	}
	if pl.ID == "" {
		pl.ID = ev.ID
	}
	l := p.log.With().Str("event_id", ev.ID).Str("type", ev.Type).Logger()

	var err error
	switch {
	case ev.Type == ContactCreated:
		err = p.contactCreated(ctx, pl)
	case ev.Type == ContactUpdated:
		err = p.contactUpdated(ctx, pl)
	case ev.Type == FormSubmitted:
		err = p.formSubmitted(ctx, pl)
	case ev.Type == PurchaseCompleted:
		err = p.purchaseCompleted(ctx, pl)
	case ev.Type == TagAdded, ev.Type == TagRemoved,
		strings.HasPrefix(ev.Type, "workflow."), strings.HasPrefix(ev.Type, "email."):
		err = p.recordOnly(ctx, ev.Type, pl)
	default:
		return webhookqueue.Permanent(fmt.Errorf("unknown event type %q", ev.Type))
	}
	if errors.Is(err, leads.ErrInvalidInput) {
		return webhookqueue.Permanent(err)
	}
	if err == nil {
		l.Debug().Msg("event handled")
	}
	return err
}

func (p *Processor) syncStatus(ctx context.Context, ev domain.WebhookEvent) error {
	var s domain.StatusSync
	if err := json.Unmarshal(ev.Payload, &s); err != nil || s.LeadID == "" {
		return webhookqueue.Permanent(fmt.Errorf("malformed status sync payload: %s", ev.Payload))
	}
	err := p.pusher.PushStatus(ctx, s.LeadID, s.PreviousStatus)
	if errors.Is(err, domain.ErrNotFound) {
		// no lead or no CRM contact: retrying will not conjure one up
		return webhookqueue.Permanent(err)
	}
	return err
}

func (p *Processor) contactCreated(ctx context.Context, pl Payload) error {
	_, _, err := p.leads.Capture(ctx, p.captureInput(pl))
	return err
}

func (p *Processor) captureInput(pl Payload) leads.CaptureInput {
	return leads.CaptureInput{
		Email:        pl.Email,
		Phone:        pl.Phone,
		FirstName:    pl.FirstName,
		LastName:     pl.LastName,
		Broker:       pl.Broker,
		Source:       sourceOf(pl),
		CRMContactID: pl.ContactID,
		Ref:          pl.ref("capture"),
	}
}

// contactUpdated overwrites identity fields the CRM sent; unknown contacts are captured.
func (p *Processor) contactUpdated(ctx context.Context, pl Payload) error {
	lead, err := p.store.FindLeadByEmail(ctx, pl.Email)
	if errors.Is(err, domain.ErrNotFound) {
		return p.contactCreated(ctx, pl)
	}
	if err != nil {
		return eris.Wrap(err, "webhooks: find lead")
	}
	changed := false
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&lead.FirstName, pl.FirstName)
	set(&lead.LastName, pl.LastName)
	set(&lead.Phone, pl.Phone)
	set(&lead.CRMContactID, pl.ContactID)
	if !changed {
		return nil
	}
	return eris.Wrap(p.store.UpdateLead(ctx, lead), "webhooks: update lead")
}

// formSubmitted binds the submission to a lead by tracking token, then by
// email, capturing a new lead as the last resort.
func (p *Processor) formSubmitted(ctx context.Context, pl Payload) error {
	lead, err := p.store.FindLeadByTrackingToken(ctx, pl.TrackingToken)
	if errors.Is(err, domain.ErrNotFound) {
		lead, _, err = p.leads.Capture(ctx, p.captureInput(pl))
	}
	if err != nil {
		return eris.Wrap(err, "webhooks: bind form submission")
	}
	if err := p.appendActivity(ctx, lead.ID, FormSubmitted, pl); err != nil {
		return err
	}
	if pl.Login == "" || pl.Password == "" || pl.Server == "" {
		return nil
	}
	_, err = p.leads.SubmitCredential(ctx, lead.ID, leads.CredentialInput{
		Login: pl.Login, Password: pl.Password, Server: pl.Server, Broker: pl.Broker,
	})
	return err
}

// purchaseCompleted credits the amount once per order, however many times
// the webhook is delivered.
func (p *Processor) purchaseCompleted(ctx context.Context, pl Payload) error {
	if !pl.Amount.IsPositive() {
		return webhookqueue.Permanent(fmt.Errorf("purchase without a positive amount: %s", pl.Amount))
	}
	lead, err := p.store.FindLeadByEmail(ctx, pl.Email)
	if errors.Is(err, domain.ErrNotFound) {
		return webhookqueue.Permanent(eris.Wrapf(err, "purchase for unknown lead %s", pl.Email))
	}
	if err != nil {
		return eris.Wrap(err, "webhooks: find lead")
	}
	ref := pl.OrderID
	if ref == "" {
		ref = pl.ID
	}
	inserted, err := p.store.AppendActivity(ctx, domain.LeadActivity{
		LeadID:        lead.ID,
		Type:          domain.ActivityCommission,
		PreviousValue: lead.CommissionTotal.String(),
		NewValue:      lead.CommissionTotal.Add(pl.Amount).String(),
		ExternalRef:   "purchase:" + ref,
		Metadata:      map[string]any{"amount": pl.Amount.String(), "order_id": pl.OrderID},
	})
	if err != nil {
		return eris.Wrap(err, "webhooks: record commission")
	}
	if !inserted {
		p.log.Info().Str("lead_id", lead.ID).Str("order", ref).Msg("duplicate purchase ignored")
		return nil
	}
	if err := p.store.AddCommission(ctx, lead.ID, pl.Amount); err != nil {
		// the reference is already recorded, so a redelivery will not credit again
		p.log.Error().Err(err).Str("lead_id", lead.ID).Str("order", ref).Str("amount", pl.Amount.String()).
			Msg("commission recorded but lead total not updated, fix manually")
		return eris.Wrap(err, "webhooks: credit commission")
	}
	return nil
}

// recordOnly logs the event on the lead's activity trail when the lead is known.
func (p *Processor) recordOnly(ctx context.Context, eventType string, pl Payload) error {
	lead, err := p.store.FindLeadByEmail(ctx, pl.Email)
	if errors.Is(err, domain.ErrNotFound) {
		p.log.Debug().Str("type", eventType).Str("email", pl.Email).Msg("event for unknown lead ignored")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "webhooks: find lead")
	}
	return p.appendActivity(ctx, lead.ID, eventType, pl)
}

func (p *Processor) appendActivity(ctx context.Context, leadID, eventType string, pl Payload) error {
	meta := map[string]any{"event": eventType}
	value := ""
	switch {
	case pl.Tag != "":
		value = pl.Tag
	case pl.WorkflowID != "":
		value = pl.WorkflowID
	case pl.PageURL != "":
		value = pl.PageURL
	}
	if pl.ContactID != "" {
		meta["contact_id"] = pl.ContactID
	}
	_, err := p.store.AppendActivity(ctx, domain.LeadActivity{
		LeadID:      leadID,
		Type:        domain.ActivityWebhook,
		NewValue:    value,
		ExternalRef: pl.ref(eventType),
		Metadata:    meta,
	})
	return eris.Wrap(err, "webhooks: append activity")
}

// sourceOf prefers an explicit source, then the registrable domain of the
// page the form was submitted on.
func sourceOf(pl Payload) string {
	if s := strings.TrimSpace(pl.Source); s != "" {
		return s
	}
	return SourceFromURL(pl.PageURL)
}

// SourceFromURL returns the registrable domain (eTLD+1) of raw, or "" when
// it has none.
func SourceFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(u.Hostname()))
	if err != nil {
		return ""
	}
	return d
}
