// Package reconcile audits local lead state against the CRM and optionally
// pushes local status over high-priority drift.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"leadsync/internal/domain"
	"leadsync/internal/ports"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

const DefaultAutoFixLimit = 10

// statusField is the CRM custom field holding the mirrored status.
const statusField = "lead_status"

type Options struct {
	Detailed     bool
	AutoFix      bool
	AutoFixLimit int
}

type LeadRef struct {
	LeadID string            `json:"leadId"`
	Email  string            `json:"email"`
	Status domain.LeadStatus `json:"status"`
}

type ContactRef struct {
	ContactID string `json:"contactId"`
	Email     string `json:"email"`
}

type Mismatch struct {
	Email     string            `json:"email"`
	LeadID    string            `json:"leadId"`
	ContactID string            `json:"contactId"`
	Local     domain.LeadStatus `json:"local"`
	Remote    domain.LeadStatus `json:"remote"`
	Priority  Priority          `json:"priority"`
}

type Inconsistency struct {
	Email  string `json:"email"`
	Field  string `json:"field"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

type FixError struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

type Report struct {
	GeneratedAt         time.Time       `json:"generatedAt"`
	LocalCount          int             `json:"localCount"`
	RemoteCount         int             `json:"remoteCount"`
	MissingInRemote     []LeadRef       `json:"missingInRemote"`
	MissingInLocal      []ContactRef    `json:"missingInLocal"`
	StatusMismatches    []Mismatch      `json:"statusMismatches"`
	DataInconsistencies []Inconsistency `json:"dataInconsistencies,omitempty"`
	HealthScore         float64         `json:"healthScore"`
	Fixed               []string        `json:"fixed,omitempty"`
	FixErrors           []FixError      `json:"fixErrors,omitempty"`
}

// HighPriority counts mismatches that need attention first.
func (r Report) HighPriority() int {
	n := 0
	for _, m := range r.StatusMismatches {
		if m.Priority == PriorityHigh {
			n++
		}
	}
	return n
}

type Analyzer struct {
	leads   ports.LeadRepository
	crm     ports.CRM
	pusher  ports.StatusPusher
	alerter ports.Alerter
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Analyzer)

func WithAlerter(a ports.Alerter) Option { return func(an *Analyzer) { an.alerter = a } }

func WithLogger(l zerolog.Logger) Option {
	return func(an *Analyzer) { an.log = l.With().Str("component", "reconcile").Logger() }
}

func WithClock(now func() time.Time) Option { return func(an *Analyzer) { an.now = now } }

func New(leads ports.LeadRepository, crm ports.CRM, pusher ports.StatusPusher, opts ...Option) *Analyzer {
	a := &Analyzer{leads: leads, crm: crm, pusher: pusher, log: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyze compares both sides by lower-cased email.
func (a *Analyzer) Analyze(ctx context.Context, opts Options) (Report, error) {
	local, err := a.leads.ListLeads(ctx)
	if err != nil {
		return Report{}, eris.Wrap(err, "reconcile: list leads")
	}
	remote, err := a.crm.ListContacts(ctx)
	if err != nil {
		return Report{}, eris.Wrap(err, "reconcile: list crm contacts")
	}

	rep := Compare(local, remote, opts.Detailed)
	rep.GeneratedAt = a.now()

	if opts.AutoFix {
		a.autoFix(ctx, &rep, opts.AutoFixLimit)
	}
	a.log.Info().Int("local", rep.LocalCount).Int("remote", rep.RemoteCount).
		Int("missing_remote", len(rep.MissingInRemote)).Int("missing_local", len(rep.MissingInLocal)).
		Int("mismatches", len(rep.StatusMismatches)).Float64("health", rep.HealthScore).Msg("reconciliation finished")
	a.alertDrift(ctx, rep)
	return rep, nil
}

// Compare is the pure diff behind Analyze.
func Compare(local []domain.Lead, remote []ports.Contact, detailed bool) Report {
	rep := Report{
		LocalCount:       len(local),
		RemoteCount:      len(remote),
		MissingInRemote:  []LeadRef{},
		MissingInLocal:   []ContactRef{},
		StatusMismatches: []Mismatch{},
	}
	byEmail := make(map[string]ports.Contact, len(remote))
	for _, c := range remote {
		if e := domain.NormalizeEmail(c.Email); e != "" {
			byEmail[e] = c
		}
	}
	seen := make(map[string]struct{}, len(local))
	for _, l := range local {
		email := domain.NormalizeEmail(l.Email)
		seen[email] = struct{}{}
		c, ok := byEmail[email]
		if !ok {
			rep.MissingInRemote = append(rep.MissingInRemote, LeadRef{LeadID: l.ID, Email: email, Status: l.Status})
			continue
		}
		if rs := RemoteStatus(c); rs != l.Status {
			rep.StatusMismatches = append(rep.StatusMismatches, Mismatch{
				Email: email, LeadID: l.ID, ContactID: c.ID, Local: l.Status, Remote: rs, Priority: priority(l.Status, rs),
			})
		}
		if detailed {
			rep.DataInconsistencies = append(rep.DataInconsistencies, fieldDiffs(email, l, c)...)
		}
	}
	for _, c := range remote {
		email := domain.NormalizeEmail(c.Email)
		if _, ok := seen[email]; !ok {
			rep.MissingInLocal = append(rep.MissingInLocal, ContactRef{ContactID: c.ID, Email: email})
		}
	}
	sort.Slice(rep.MissingInRemote, func(i, j int) bool { return rep.MissingInRemote[i].Email < rep.MissingInRemote[j].Email })
	sort.Slice(rep.MissingInLocal, func(i, j int) bool { return rep.MissingInLocal[i].Email < rep.MissingInLocal[j].Email })
	sort.Slice(rep.StatusMismatches, func(i, j int) bool { return rep.StatusMismatches[i].Email < rep.StatusMismatches[j].Email })

	discrepancies := len(rep.MissingInRemote) + len(rep.MissingInLocal) + len(rep.StatusMismatches)
	rep.HealthScore = healthScore(discrepancies, len(local), len(remote))
	return rep
}

// RemoteStatus reads the CRM's idea of the status from the mirrored field,
// then from Status_ tags. A contact carrying neither counts as captured.
func RemoteStatus(c ports.Contact) domain.LeadStatus {
	if s, ok := domain.ParseLeadStatus(c.Fields[statusField]); ok {
		return s
	}
	best := domain.StatusCaptured
	for _, tag := range c.Tags {
		if !strings.HasPrefix(tag, "Status_") {
			continue
		}
		if s, ok := domain.ParseLeadStatus(strings.TrimPrefix(tag, "Status_")); ok && best.Before(s) {
			best = s
		}
	}
	return best
}

func priority(local, remote domain.LeadStatus) Priority {
	switch {
	case local == domain.StatusDeposited || local == domain.StatusTrading:
		return PriorityHigh
	case local.Before(remote):
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func healthScore(discrepancies, local, remote int) float64 {
	denom := local
	if remote > denom {
		denom = remote
	}
	if denom == 0 {
		return 100
	}
	score := 100 * (1 - float64(discrepancies)/float64(denom))
	score = math.Max(0, math.Min(100, score))
	return math.Round(score*100) / 100
}

func fieldDiffs(email string, l domain.Lead, c ports.Contact) []Inconsistency {
	var out []Inconsistency
	cmp := func(field, lv, rv string, fold bool) {
		lv, rv = strings.TrimSpace(lv), strings.TrimSpace(rv)
		same := lv == rv
		if fold {
			same = strings.EqualFold(lv, rv)
		}
		if !same {
			out = append(out, Inconsistency{Email: email, Field: field, Local: lv, Remote: rv})
		}
	}
	cmp("firstName", l.FirstName, c.FirstName, true)
	cmp("lastName", l.LastName, c.LastName, true)
	cmp("phone", l.Phone, c.Phone, false)
	if l.CRMContactID != "" {
		cmp("crmContactId", l.CRMContactID, c.ID, false)
	}
	return out
}

// autoFix pushes local status for the first limit high-priority
// mismatches, most advanced local status first.
func (a *Analyzer) autoFix(ctx context.Context, rep *Report, limit int) {
	if limit <= 0 {
		limit = DefaultAutoFixLimit
	}
	var high []Mismatch
	for _, m := range rep.StatusMismatches {
		if m.Priority == PriorityHigh {
			high = append(high, m)
		}
	}
	sort.SliceStable(high, func(i, j int) bool {
		if high[i].Local.Rank() != high[j].Local.Rank() {
			return high[i].Local.Rank() > high[j].Local.Rank()
		}
		return high[i].Email < high[j].Email
	})
	if len(high) > limit {
		high = high[:limit]
	}
	for _, m := range high {
		if err := a.pusher.PushStatus(ctx, m.LeadID, m.Remote); err != nil {
			rep.FixErrors = append(rep.FixErrors, FixError{Email: m.Email, Error: err.Error()})
			a.log.Warn().Err(err).Str("email", m.Email).Msg("auto-fix failed")
			continue
		}
		rep.Fixed = append(rep.Fixed, m.Email)
	}
	a.log.Info().Int("fixed", len(rep.Fixed)).Int("errors", len(rep.FixErrors)).Msg("auto-fix finished")
}

func (a *Analyzer) alertDrift(ctx context.Context, rep Report) {
	high := rep.HighPriority()
	if high == 0 || a.alerter == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Health score %.2f. %d high-priority status mismatches", rep.HealthScore, high)
	if len(rep.Fixed) > 0 {
		fmt.Fprintf(&b, ", %d auto-fixed", len(rep.Fixed))
	}
	b.WriteString(":\n")
	listed := 0
	for _, m := range rep.StatusMismatches {
		if m.Priority != PriorityHigh {
			continue
		}
		if listed == 20 {
			fmt.Fprintf(&b, "... and %d more\n", high-listed)
			break
		}
		fmt.Fprintf(&b, "%s: local %s, crm %s\n", m.Email, m.Local, m.Remote)
		listed++
	}
	if err := a.alerter.Alert(ctx, "CRM drift detected", b.String()); err != nil {
		a.log.Error().Err(err).Msg("drift alert failed")
	}
}

// Schedule runs Analyze every interval until ctx is done.
func (a *Analyzer) Schedule(ctx context.Context, interval time.Duration, opts Options) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.Analyze(ctx, opts); err != nil {
				a.log.Error().Err(err).Msg("scheduled reconciliation failed")
			}
		}
	}
}
