// Package leads owns lead capture, credential submission and the push of a
// lead's status to the CRM.
package leads

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"leadsync/internal/adapters/crm"
	"leadsync/internal/domain"
	"leadsync/internal/ports"
)

var ErrInvalidInput = errors.New("invalid input")

// Encrypter seals credential passwords before they are stored.
type Encrypter interface {
	Encrypt(plain string) (string, error)
}

type Service struct {
	store     ports.Store
	crm       ports.CRM
	cipher    Encrypter
	workflows map[domain.LeadStatus]string
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

// WithCRM enables contact tagging and status pushes. Without it they are no-ops.
func WithCRM(c ports.CRM) Option { return func(s *Service) { s.crm = c } }

// WithWorkflows maps a lead status to the CRM workflow triggered on entering it.
func WithWorkflows(w map[string]string) Option {
	return func(s *Service) {
		for k, v := range w {
			if st, ok := domain.ParseLeadStatus(k); ok && v != "" {
				s.workflows[st] = v
			}
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l.With().Str("component", "leads").Logger() }
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(store ports.Store, cipher Encrypter, opts ...Option) *Service {
	s := &Service{
		store:     store,
		cipher:    cipher,
		workflows: map[domain.LeadStatus]string{},
		log:       zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ ports.StatusPusher = (*Service)(nil)

type CaptureInput struct {
	Email        string
	Phone        string
	FirstName    string
	LastName     string
	Broker       string
	Source       string
	CRMContactID string
	// Ref, when set, makes the capture activity idempotent.
	Ref string
}

// Capture returns the lead for in.Email, creating it in captured status
// when it does not exist. Blank fields of an existing lead are filled in.
func (s *Service) Capture(ctx context.Context, in CaptureInput) (domain.Lead, bool, error) {
	email := domain.NormalizeEmail(in.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return domain.Lead{}, false, eris.Wrapf(ErrInvalidInput, "email %q", in.Email)
	}

	existing, err := s.store.FindLeadByEmail(ctx, email)
	switch {
	case err == nil:
		if fillBlank(&existing, in) {
			if err := s.store.UpdateLead(ctx, existing); err != nil {
				return existing, false, eris.Wrap(err, "leads: update captured lead")
			}
		}
		return existing, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Lead{}, false, eris.Wrap(err, "leads: find by email")
	}

	now := s.now()
	lead, err := s.store.CreateLead(ctx, domain.Lead{
		Email:         email,
		Phone:         strings.TrimSpace(in.Phone),
		FirstName:     strings.TrimSpace(in.FirstName),
		LastName:      strings.TrimSpace(in.LastName),
		Broker:        strings.TrimSpace(in.Broker),
		Source:        strings.TrimSpace(in.Source),
		Status:        domain.StatusCaptured,
		CapturedAt:    now,
		TrackingToken: uuid.NewString(),
		CRMContactID:  in.CRMContactID,
	})
	if err != nil {
		return domain.Lead{}, false, eris.Wrap(err, "leads: create")
	}
	if _, err := s.store.AppendActivity(ctx, domain.LeadActivity{
		LeadID:      lead.ID,
		Type:        domain.ActivityCapture,
		NewValue:    string(domain.StatusCaptured),
		ExternalRef: in.Ref,
		Metadata:    map[string]any{"source": lead.Source},
		CreatedAt:   now,
	}); err != nil {
		s.log.Error().Err(err).Str("lead_id", lead.ID).Msg("append capture activity")
	}
	s.log.Info().Str("lead_id", lead.ID).Str("source", lead.Source).Msg("lead captured")
	return lead, true, nil
}

func fillBlank(l *domain.Lead, in CaptureInput) bool {
	changed := false
	set := func(dst *string, v string) {
		v = strings.TrimSpace(v)
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	set(&l.Phone, in.Phone)
	set(&l.FirstName, in.FirstName)
	set(&l.LastName, in.LastName)
	set(&l.Broker, in.Broker)
	set(&l.Source, in.Source)
	set(&l.CRMContactID, in.CRMContactID)
	return changed
}

type CredentialInput struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
	Broker   string `json:"broker"`
}

// SubmitCredential stores (or replaces) investor credentials for a lead and
// makes them eligible for scraping again.
func (s *Service) SubmitCredential(ctx context.Context, leadID string, in CredentialInput) (domain.InvestorCredential, error) {
	in.Login, in.Server, in.Broker = strings.TrimSpace(in.Login), strings.TrimSpace(in.Server), strings.TrimSpace(in.Broker)
	if in.Login == "" || in.Password == "" || in.Server == "" {
		return domain.InvestorCredential{}, eris.Wrap(ErrInvalidInput, "login, password and server are required")
	}
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return domain.InvestorCredential{}, eris.Wrapf(err, "leads: load %s", leadID)
	}
	if in.Broker == "" {
		in.Broker = lead.Broker
	}
	enc, err := s.cipher.Encrypt(in.Password)
	if err != nil {
		return domain.InvestorCredential{}, eris.Wrap(err, "leads: encrypt password")
	}
	cred, err := s.store.UpsertCredential(ctx, domain.InvestorCredential{
		LeadID:            lead.ID,
		Login:             in.Login,
		PasswordEncrypted: enc,
		Server:            in.Server,
		Broker:            in.Broker,
		MaxFailedAttempts: domain.DefaultMaxFailedAttempts,
	})
	if err != nil {
		return domain.InvestorCredential{}, eris.Wrap(err, "leads: store credential")
	}
	if _, err := s.store.AppendActivity(ctx, domain.LeadActivity{
		LeadID:    lead.ID,
		Type:      domain.ActivityCredentialsSubmitted,
		NewValue:  in.Login,
		Metadata:  map[string]any{"credential_id": cred.ID, "server": in.Server, "broker": in.Broker},
		CreatedAt: s.now(),
	}); err != nil {
		s.log.Error().Err(err).Str("lead_id", lead.ID).Msg("append credentials activity")
	}
	if lead.Broker == "" && in.Broker != "" {
		lead.Broker = in.Broker
		if err := s.store.UpdateLead(ctx, lead); err != nil {
			s.log.Error().Err(err).Str("lead_id", lead.ID).Msg("store lead broker")
		}
	}
	s.tagSubmission(ctx, &lead)
	s.log.Info().Str("lead_id", lead.ID).Str("credential_id", cred.ID).Str("login", in.Login).Msg("credentials submitted")
	return cred, nil
}

// tagSubmission is best-effort: the CRM learning about it late is fine.
func (s *Service) tagSubmission(ctx context.Context, lead *domain.Lead) {
	if s.crm == nil {
		return
	}
	contactID, err := s.contactID(ctx, lead)
	if err != nil {
		s.log.Warn().Err(err).Str("lead_id", lead.ID).Msg("no crm contact to tag")
		return
	}
	for _, tag := range []string{crm.TagCredentialsSubmitted, crm.TagReadyForVerification} {
		if err := s.crm.AddTag(ctx, contactID, tag); err != nil {
			s.log.Warn().Err(err).Str("lead_id", lead.ID).Str("tag", tag).Msg("tag crm contact")
		}
	}
}

// contactID returns the lead's CRM contact, looking it up by email and
// caching it on the lead the first time.
func (s *Service) contactID(ctx context.Context, lead *domain.Lead) (string, error) {
	if lead.CRMContactID != "" {
		return lead.CRMContactID, nil
	}
	c, err := s.crm.FindContactByEmail(ctx, lead.Email)
	if err != nil {
		return "", eris.Wrapf(err, "leads: crm contact for %s", lead.Email)
	}
	lead.CRMContactID = c.ID
	if err := s.store.UpdateLead(ctx, *lead); err != nil {
		s.log.Warn().Err(err).Str("lead_id", lead.ID).Msg("cache crm contact id")
	}
	return c.ID, nil
}
