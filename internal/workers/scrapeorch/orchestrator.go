// Package scrapeorch periodically scrapes unverified investor credentials,
// one at a time, and feeds the results into the lead lifecycle.
package scrapeorch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"leadsync/internal/config"
	"leadsync/internal/domain"
	"leadsync/internal/ports"
	"leadsync/internal/services/lifecycle"
)

var ErrBusy = errors.New("credential is already being scraped")

// Decrypter recovers a stored credential password.
type Decrypter interface {
	Decrypt(encoded string) (string, error)
}

// URLResolver finds the web terminal for a broker.
type URLResolver interface {
	Resolve(ctx context.Context, broker string) (config.BrokerEndpoint, error)
}

type Config struct {
	Interval     time.Duration
	AccountDelay time.Duration
	RetryDelay   time.Duration
	MaxRetries   int
}

func DefaultConfig() Config {
	return Config{Interval: 30 * time.Minute, AccountDelay: 5 * time.Second, RetryDelay: 5 * time.Second, MaxRetries: 2}
}

type Orchestrator struct {
	cfg       Config
	store     ports.Store
	gateway   ports.AccountGateway
	secrets   Decrypter
	brokers   URLResolver
	engine    *lifecycle.Engine
	publisher ports.EventPublisher
	log       zerolog.Logger
	now       func() time.Time

	running  atomic.Bool
	inflight sync.Map // credential id -> struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
}

type Option func(*Orchestrator)

// WithPublisher enables the outbound status sync after each successful scrape.
func WithPublisher(p ports.EventPublisher) Option { return func(o *Orchestrator) { o.publisher = p } }

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l.With().Str("component", "scrapeorch").Logger() }
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(cfg Config, store ports.Store, gateway ports.AccountGateway, secrets Decrypter, brokers URLResolver, engine *lifecycle.Engine, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.AccountDelay < 0 {
		cfg.AccountDelay = 0
	}
	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		gateway: gateway,
		secrets: secrets,
		brokers: brokers,
		engine:  engine,
		log:     zerolog.Nop(),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunSummary describes one batch.
type RunSummary struct {
	Skipped   bool          `json:"skipped"`
	Eligible  int           `json:"eligible"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Excluded  int           `json:"excluded"`
	Duration  time.Duration `json:"duration"`
}

// Outcome describes one credential scrape.
type Outcome struct {
	CredentialID string            `json:"credentialId"`
	LeadID       string            `json:"leadId"`
	Success      bool              `json:"success"`
	Attempts     int               `json:"attempts"`
	ErrorKind    string            `json:"errorKind,omitempty"`
	Error        string            `json:"error,omitempty"`
	Excluded     bool              `json:"excluded"`
	TotalVolume  decimal.Decimal   `json:"totalVolume"`
	LeadStatus   domain.LeadStatus `json:"leadStatus,omitempty"`
	StatusMoved  bool              `json:"statusChanged"`
}

// RunOnce scrapes every eligible credential sequentially. A call while
// another batch is running returns immediately with Skipped set.
func (o *Orchestrator) RunOnce(ctx context.Context) RunSummary {
	if !o.running.CompareAndSwap(false, true) {
		o.log.Warn().Msg("previous scrape run still in progress, skipping")
		return RunSummary{Skipped: true}
	}
	defer o.running.Store(false)

	start := time.Now()
	var sum RunSummary
	creds, err := o.store.ListScrapeEligible(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("list eligible credentials")
		return sum
	}
	sum.Eligible = len(creds)
	o.log.Info().Int("eligible", len(creds)).Msg("scrape run started")

	for i, c := range creds {
		if i > 0 && o.cfg.AccountDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.AccountDelay):
			}
		}
		if ctx.Err() != nil {
			break
		}
		out, err := o.ScrapeCredential(ctx, c.ID)
		switch {
		case err == nil:
			sum.Succeeded++
		default:
			sum.Failed++
			if out.Excluded {
				sum.Excluded++
			}
		}
	}
	sum.Duration = time.Since(start)
	o.log.Info().Int("eligible", sum.Eligible).Int("succeeded", sum.Succeeded).Int("failed", sum.Failed).
		Int("excluded", sum.Excluded).Dur("took", sum.Duration).Msg("scrape run finished")
	return sum
}

// Start runs a batch now and then every Interval until Stop or ctx is done.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(o.done)
		o.RunOnce(ctx)
		t := time.NewTicker(o.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case <-t.C:
				// a slow batch must not delay the ticker; RunOnce skips overlaps
				go o.RunOnce(ctx)
			}
		}
	}()
	o.log.Info().Dur("interval", o.cfg.Interval).Msg("scrape orchestrator started")
}

// Stop prevents future runs. A batch already executing is not aborted.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	if o.started.Load() {
		<-o.done
	}
}

// Running reports whether a batch is in progress.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// ScrapeCredential scrapes one credential with retries for transient
// failures and persists the result. The returned error is the final scrape
// or storage error; Outcome is filled in either way.
func (o *Orchestrator) ScrapeCredential(ctx context.Context, id string) (Outcome, error) {
	if _, busy := o.inflight.LoadOrStore(id, struct{}{}); busy {
		return Outcome{CredentialID: id}, ErrBusy
	}
	defer o.inflight.Delete(id)

	out := Outcome{CredentialID: id}
	cred, err := o.store.GetCredential(ctx, id)
	if err != nil {
		return out, eris.Wrapf(err, "load credential %s", id)
	}
	out.LeadID = cred.LeadID
	l := o.log.With().Str("credential_id", id).Str("lead_id", cred.LeadID).Str("login", cred.Login).Logger()

	password, err := o.secrets.Decrypt(cred.PasswordEncrypted)
	if err != nil {
		// a key problem, not the lead's fault: do not count it against the credential
		o.recordFailure(ctx, l, cred, &out, eris.Wrap(err, "decrypt password"), false)
		return out, eris.Wrap(err, "decrypt password")
	}
	endpoint, err := o.brokers.Resolve(ctx, cred.Broker)
	if err != nil {
		o.recordFailure(ctx, l, cred, &out, err, false)
		return out, eris.Wrap(err, "resolve broker url")
	}
	l.Debug().Str("broker", cred.Broker).Str("terminal", endpoint.URL).Str("source", endpoint.Source).Msg("scraping account")

	snap, err := o.scrapeWithRetry(ctx, l, ports.AccountCredentials{
		Login:     cred.Login,
		Password:  password,
		Server:    cred.Server,
		BrokerURL: endpoint.URL,
	}, &out)
	if err != nil {
		kind := domain.KindOf(err)
		out.ErrorKind = kind.String()
		count := !kind.Retryable() && ctx.Err() == nil
		o.recordFailure(ctx, l, cred, &out, err, count)
		return out, err
	}
	if err := o.applySnapshot(ctx, l, cred, snap, &out); err != nil {
		return out, err
	}
	out.Success = true
	return out, nil
}

func (o *Orchestrator) scrapeWithRetry(ctx context.Context, l zerolog.Logger, creds ports.AccountCredentials, out *Outcome) (domain.AccountSnapshot, error) {
	var snap domain.AccountSnapshot
	backoff := retry.WithMaxRetries(uint64(o.cfg.MaxRetries), retry.NewConstant(o.cfg.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out.Attempts++
		s, err := o.gateway.ScrapeAccount(ctx, creds)
		if err == nil {
			snap = s
			return nil
		}
		kind := domain.KindOf(err)
		if kind.Retryable() {
			l.Warn().Err(err).Str("kind", kind.String()).Int("attempt", out.Attempts).Msg("transient scrape failure")
			return retry.RetryableError(err)
		}
		return err
	})
	return snap, err
}

func (o *Orchestrator) recordFailure(ctx context.Context, l zerolog.Logger, cred domain.InvestorCredential, out *Outcome, cause error, count bool) {
	out.Error = cause.Error()
	updated, err := o.store.RecordScrapeFailure(context.WithoutCancel(ctx), cred.ID, cause.Error(), count, o.now())
	if err != nil {
		l.Error().Err(err).Msg("record scrape failure")
		return
	}
	if count && updated.FailedAttempts >= updated.MaxFailedAttempts {
		out.Excluded = true
		l.Warn().Int("failed_attempts", updated.FailedAttempts).Int("max", updated.MaxFailedAttempts).
			Msg("credential excluded from automatic scraping until a new password is submitted")
		return
	}
	l.Warn().Err(cause).Bool("counted", count).Int("failed_attempts", updated.FailedAttempts).Msg("scrape failed")
}

// applySnapshot persists in order credential, positions, lead.
func (o *Orchestrator) applySnapshot(ctx context.Context, l zerolog.Logger, cred domain.InvestorCredential, snap domain.AccountSnapshot, out *Outcome) error {
	now := o.now()
	if err := o.store.RecordScrapeSuccess(ctx, cred.ID, snap, now); err != nil {
		return eris.Wrap(err, "record scrape success")
	}
	if err := o.store.UpsertPositions(ctx, cred.ID, snap.Positions, now); err != nil {
		return eris.Wrap(err, "upsert positions")
	}
	positions, err := o.store.ListPositions(ctx, cred.ID)
	if err != nil {
		return eris.Wrap(err, "list positions")
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Volume)
	}
	out.TotalVolume = total
	if err := o.store.SetVolume(ctx, cred.ID, total, o.engine.MeetsMinVolume(total)); err != nil {
		return eris.Wrap(err, "set volume")
	}

	lead, err := o.store.GetLead(ctx, cred.LeadID)
	if err != nil {
		return eris.Wrapf(err, "load lead %s", cred.LeadID)
	}
	previous := lead.Status
	credited := lead.CommissionTotal
	lead, acts := o.engine.Advance(lead, snap, total, now)
	out.LeadStatus = lead.Status
	out.StatusMoved = lead.Status != previous
	if len(acts) > 0 {
		if err := o.store.UpdateLead(ctx, lead); err != nil {
			return eris.Wrap(err, "update lead")
		}
		for _, a := range acts {
			if a.Metadata == nil {
				a.Metadata = map[string]any{}
			}
			a.Metadata["credential_id"] = cred.ID
			inserted, err := o.store.AppendActivity(ctx, a)
			if err != nil {
				l.Error().Err(err).Str("activity", a.Type).Msg("append activity")
				continue
			}
			// a parallel scrape of another account may have qualified the lead first
			if a.Type == domain.ActivityQualification && inserted {
				o.creditQualification(ctx, l, lead.ID, lead.CommissionTotal.Sub(credited))
			}
		}
		l.Info().Str("from", string(previous)).Str("to", string(lead.Status)).Msg("lead advanced")
	}
	l.Info().Str("balance", snap.Balance.String()).Str("total_volume", total.String()).
		Int("positions", len(snap.Positions)).Int("attempts", out.Attempts).Msg("scrape succeeded")

	o.publishSync(ctx, l, domain.StatusSync{LeadID: lead.ID, PreviousStatus: previous, Status: lead.Status})
	return nil
}

func (o *Orchestrator) creditQualification(ctx context.Context, l zerolog.Logger, leadID string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	if err := o.store.AddCommission(ctx, leadID, amount); err != nil {
		l.Error().Err(err).Str("amount", amount.String()).Msg("qualification recorded but commission not credited, fix manually")
	}
}

// publishSync hands the CRM push to the event queue. Failures never undo the scrape.
func (o *Orchestrator) publishSync(ctx context.Context, l zerolog.Logger, s domain.StatusSync) {
	if o.publisher == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		l.Error().Err(err).Msg("encode status sync")
		return
	}
	if _, err := o.publisher.Publish(ctx, domain.EventSyncLeadStatus, payload); err != nil {
		l.Error().Err(err).Msg("publish status sync")
	}
}
