package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"leadsync/internal/domain"
)

// Store keeps leads, credentials, positions and activities in maps. It is
// used for local runs without Postgres and in tests.
type Store struct {
	mu          sync.RWMutex
	leads       map[string]domain.Lead
	credentials map[string]domain.InvestorCredential
	positions   map[string]map[string]domain.Position // credential -> ticket
	activities  []domain.LeadActivity
	refs        map[string]struct{}
	brokers     map[string]string
	events      map[string]domain.WebhookEvent
}

func NewStore() *Store {
	return &Store{
		leads:       make(map[string]domain.Lead),
		credentials: make(map[string]domain.InvestorCredential),
		positions:   make(map[string]map[string]domain.Position),
		refs:        make(map[string]struct{}),
		brokers:     make(map[string]string),
		events:      make(map[string]domain.WebhookEvent),
	}
}

// Leads

func (s *Store) GetLead(_ context.Context, id string) (domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[id]
	if !ok {
		return domain.Lead{}, domain.ErrNotFound
	}
	return l, nil
}

func (s *Store) FindLeadByEmail(_ context.Context, email string) (domain.Lead, error) {
	email = domain.NormalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.leads {
		if l.Email == email {
			return l, nil
		}
	}
	return domain.Lead{}, domain.ErrNotFound
}

func (s *Store) FindLeadByTrackingToken(_ context.Context, token string) (domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.leads {
		if token != "" && l.TrackingToken == token {
			return l, nil
		}
	}
	return domain.Lead{}, domain.ErrNotFound
}

func (s *Store) CreateLead(_ context.Context, lead domain.Lead) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead.Email = domain.NormalizeEmail(lead.Email)
	for _, l := range s.leads {
		if l.Email == lead.Email {
			return l, nil
		}
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	s.leads[lead.ID] = lead
	return lead, nil
}

func (s *Store) UpdateLead(_ context.Context, lead domain.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leads[lead.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if lead.Status.Rank() <= cur.Status.Rank() {
		lead.Status = cur.Status
	}
	lead.DepositedAt = keepTime(cur.DepositedAt, lead.DepositedAt)
	lead.TradingStartAt = keepTime(cur.TradingStartAt, lead.TradingStartAt)
	lead.QualifiedAt = keepTime(cur.QualifiedAt, lead.QualifiedAt)
	if lead.TrackingToken == "" {
		lead.TrackingToken = cur.TrackingToken
	}
	if lead.CRMContactID == "" {
		lead.CRMContactID = cur.CRMContactID
	}
	lead.Email = cur.Email
	lead.CapturedAt = cur.CapturedAt
	lead.CreatedAt = cur.CreatedAt
	lead.CommissionTotal = cur.CommissionTotal
	lead.UpdatedAt = time.Now().UTC()
	s.leads[lead.ID] = lead
	return nil
}

func (s *Store) AddCommission(_ context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return domain.ErrNotFound
	}
	l.CommissionTotal = l.CommissionTotal.Add(amount)
	l.UpdatedAt = time.Now().UTC()
	s.leads[id] = l
	return nil
}

func keepTime(cur, next *time.Time) *time.Time {
	if cur != nil {
		return cur
	}
	return next
}

func (s *Store) ListLeads(_ context.Context) ([]domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// Credentials

func (s *Store) GetCredential(_ context.Context, id string) (domain.InvestorCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return domain.InvestorCredential{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListCredentialsByLead(_ context.Context, leadID string) ([]domain.InvestorCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.InvestorCredential
	for _, c := range s.credentials {
		if c.LeadID == leadID {
			out = append(out, c)
		}
	}
	sortCredentials(out)
	return out, nil
}

func (s *Store) UpsertCredential(_ context.Context, cred domain.InvestorCredential) (domain.InvestorCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for id, c := range s.credentials {
		if c.LeadID == cred.LeadID && c.Login == cred.Login && c.Server == cred.Server {
			c.PasswordEncrypted = cred.PasswordEncrypted
			c.Broker = cred.Broker
			c.FailedAttempts = 0
			c.IsVerified = false
			c.ScrapingStatus = domain.ScrapePending
			c.ScrapingError = ""
			if cred.MaxFailedAttempts > 0 {
				c.MaxFailedAttempts = cred.MaxFailedAttempts
			}
			c.UpdatedAt = now
			s.credentials[id] = c
			return c, nil
		}
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.MaxFailedAttempts <= 0 {
		cred.MaxFailedAttempts = domain.DefaultMaxFailedAttempts
	}
	if cred.ScrapingStatus == "" {
		cred.ScrapingStatus = domain.ScrapePending
	}
	cred.CreatedAt, cred.UpdatedAt = now, now
	s.credentials[cred.ID] = cred
	return cred, nil
}

func (s *Store) ListScrapeEligible(_ context.Context) ([]domain.InvestorCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.InvestorCredential
	for _, c := range s.credentials {
		if c.ScrapeEligible() {
			out = append(out, c)
		}
	}
	sortCredentials(out)
	return out, nil
}

func sortCredentials(cs []domain.InvestorCredential) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

func (s *Store) RecordScrapeSuccess(_ context.Context, id string, snap domain.AccountSnapshot, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Balance, c.Equity, c.Margin = snap.Balance, snap.Equity, snap.Margin
	c.FreeMargin, c.MarginLevel, c.Profit = snap.FreeMargin, snap.MarginLevel, snap.Profit
	c.FailedAttempts = 0
	c.ScrapingStatus = domain.ScrapeSuccess
	c.ScrapingError = ""
	c.IsVerified = true
	t := at
	c.LastScrapedAt = &t
	c.UpdatedAt = at
	s.credentials[id] = c
	return nil
}

func (s *Store) RecordScrapeFailure(_ context.Context, id string, reason string, countAttempt bool, at time.Time) (domain.InvestorCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return domain.InvestorCredential{}, domain.ErrNotFound
	}
	if countAttempt {
		c.FailedAttempts++
	}
	c.ScrapingStatus = domain.ScrapeFailed
	c.ScrapingError = reason
	t := at
	c.LastScrapedAt = &t
	c.UpdatedAt = at
	s.credentials[id] = c
	return c, nil
}

func (s *Store) SetVolume(_ context.Context, id string, total decimal.Decimal, meetsMin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.TotalVolume = total
	c.MeetsMinVolume = meetsMin
	s.credentials[id] = c
	return nil
}

// Positions

func (s *Store) UpsertPositions(_ context.Context, credentialID string, positions []domain.Position, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTicket, ok := s.positions[credentialID]
	if !ok {
		byTicket = make(map[string]domain.Position)
		s.positions[credentialID] = byTicket
	}
	seen := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		p.CredentialID = credentialID
		p.Status = domain.PositionOpen
		p.UpdatedAt = at
		byTicket[p.Ticket] = p
		seen[p.Ticket] = struct{}{}
	}
	for ticket, p := range byTicket {
		if _, ok := seen[ticket]; !ok && p.Status == domain.PositionOpen {
			p.Status = domain.PositionClosed
			p.UpdatedAt = at
			byTicket[ticket] = p
		}
	}
	return nil
}

func (s *Store) ListPositions(_ context.Context, credentialID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.positions[credentialID]))
	for _, p := range s.positions[credentialID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// Activities

func (s *Store) AppendActivity(_ context.Context, a domain.LeadActivity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ExternalRef != "" {
		if _, dup := s.refs[a.ExternalRef]; dup {
			return false, nil
		}
		s.refs[a.ExternalRef] = struct{}{}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.activities = append(s.activities, a)
	return true, nil
}

func (s *Store) ListActivities(_ context.Context, leadID string) ([]domain.LeadActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LeadActivity
	for _, a := range s.activities {
		if a.LeadID == leadID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Broker settings

func (s *Store) SetBrokerTerminalURL(broker, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brokers[strings.ToLower(strings.TrimSpace(broker))] = url
}

func (s *Store) BrokerTerminalURL(_ context.Context, broker string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.brokers[strings.ToLower(strings.TrimSpace(broker))]
	return u, ok, nil
}

// Webhook events

func (s *Store) SaveEvent(_ context.Context, ev domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
	return nil
}

func (s *Store) LoadOpenEvents(_ context.Context) ([]domain.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WebhookEvent
	for _, ev := range s.events {
		if ev.Status != domain.EventCompleted {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteEvents(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.events, id)
	}
	return nil
}

func (s *Store) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ev := range s.events {
		if ev.Status.Settled() && ev.UpdatedAt.Before(cutoff) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}
