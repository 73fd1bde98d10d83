package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"leadsync/internal/apiclient"
	"leadsync/internal/domain"
	"leadsync/internal/services/leads"
	"leadsync/internal/services/reconcile"
	"leadsync/internal/workers/scrapeorch"
	"leadsync/internal/workers/webhookqueue"
)

// EventQueue is the part of the webhook queue exposed over HTTP.
type EventQueue interface {
	AddEvent(ctx context.Context, eventType string, payload json.RawMessage, maxRetries int) (domain.WebhookEvent, error)
	RetryEvent(ctx context.Context, id string) (domain.WebhookEvent, error)
	PurgeOldEvents(ctx context.Context, olderThan time.Duration) (int, error)
	ClearDeadLetterQueue(ctx context.Context) (int, error)
	List(status domain.EventStatus) []domain.WebhookEvent
	Stats() webhookqueue.Stats
}

type Scraper interface {
	ScrapeCredential(ctx context.Context, id string) (scrapeorch.Outcome, error)
}

type CredentialSubmitter interface {
	SubmitCredential(ctx context.Context, leadID string, in leads.CredentialInput) (domain.InvestorCredential, error)
}

// OutboundAPI is the CRM client's operator surface.
type OutboundAPI interface {
	Stats() apiclient.Stats
	RetryFailedRequests(ctx context.Context, key string) apiclient.ReplayReport
}

type Reconciler interface {
	Analyze(ctx context.Context, opts reconcile.Options) (reconcile.Report, error)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

type Deps struct {
	Queue      EventQueue
	Scraper    Scraper
	Leads      CredentialSubmitter
	CRM        OutboundAPI
	Reconciler Reconciler
	Gateway    HealthChecker
}

type Config struct {
	// WebhookSecret signs inbound webhooks. Empty disables verification.
	WebhookSecret string
	RateLimit     float64
	Burst         int
	MaxBodyBytes  int64
}

const defaultMaxBody = 1 << 20

// Server wires HTTP handlers to the services.
type Server struct {
	deps    Deps
	cfg     Config
	limiter *rate.Limiter
	log     zerolog.Logger
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l.With().Str("component", "http").Logger() }
}

func New(deps Deps, cfg Config, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	s := &Server{deps: deps, cfg: cfg, limiter: rate.NewLimiter(limit, burst), log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns a chi.Router with every endpoint mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/healthz/gateway", s.gatewayHealth)

	r.Post("/webhooks/crm", s.ingestWebhook)
	r.Post("/leads/{leadID}/credentials", s.submitCredential)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/credentials/{credentialID}/scrape", s.scrapeCredential)
		r.Get("/webhooks", s.listEvents)
		r.Get("/webhooks/stats", s.eventStats)
		r.Post("/webhooks/{eventID}/retry", s.retryEvent)
		r.Delete("/webhooks/dead-letter", s.clearDeadLetters)
		r.Post("/webhooks/purge", s.purgeEvents)
		r.Get("/crm/stats", s.crmStats)
		r.Post("/crm/replay", s.crmReplay)
		r.Post("/reconcile", s.reconcile)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) gatewayHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil {
		writeError(w, http.StatusNotImplemented, "gateway not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.deps.Gateway.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, leads.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, webhookqueue.ErrNotRetryable), errors.Is(err, scrapeorch.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, code, err.Error())
}
