package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"leadsync/internal/adapters/alert"
	"leadsync/internal/adapters/browser"
	"leadsync/internal/adapters/crm"
	httpadapter "leadsync/internal/adapters/http"
	"leadsync/internal/adapters/memory"
	pg "leadsync/internal/adapters/postgres"
	"leadsync/internal/apiclient"
	"leadsync/internal/config"
	"leadsync/internal/logging"
	"leadsync/internal/ports"
	"leadsync/internal/secrets"
	"leadsync/internal/services/leads"
	"leadsync/internal/services/lifecycle"
	"leadsync/internal/services/reconcile"
	"leadsync/internal/services/webhooks"
	"leadsync/internal/workers/scrapeorch"
	"leadsync/internal/workers/webhookqueue"
)

// storage is what both the Postgres and in-memory backends provide.
type storage interface {
	ports.Store
	ports.EventStore
	ports.BrokerSettingsRepository
}

func main() {
	cfg, cfgErr := config.Load()
	log := logging.Setup(cfg.LogLevel, cfg.LogPretty)
	if cfgErr != nil {
		if !cfg.Development() {
			log.Fatal().Err(cfgErr).Msg("invalid configuration")
		}
		log.Warn().Err(cfgErr).Msg("configuration incomplete, using development fallbacks")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	cipher, err := secrets.NewCipher(credentialKey(cfg, log))
	if err != nil {
		log.Fatal().Err(err).Msg("credential key")
	}

	alerter := alert.Multi{alert.NewLog(log)}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		tg, err := alert.DialTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			log.Error().Err(err).Msg("telegram alerts disabled")
		} else {
			alerter = append(alerter, tg)
		}
	}

	var crmAPI *apiclient.Client
	var contacts ports.CRM
	if cfg.CRMAPIKey != "" {
		crmAPI = apiclient.New(apiclient.Config{
			BaseURL:      cfg.CRMBaseURL,
			MaxRequests:  cfg.CRMMaxRequests,
			Window:       cfg.CRMWindow,
			MaxRetries:   cfg.CRMMaxRetries,
			BaseDelay:    cfg.CRMBaseDelay,
			MaxDelay:     cfg.CRMMaxDelay,
			JitterFactor: 0.1,
			Timeout:      cfg.CRMTimeout,
			Headers: map[string]string{
				"Authorization": "Bearer " + cfg.CRMAPIKey,
				"Version":       "2021-07-28",
			},
		}, apiclient.WithLogger(log))
		contacts = crm.New(crmAPI, log)
	} else {
		log.Warn().Msg("CRM_API_KEY not set, using in-memory CRM")
		contacts = memory.NewCRM()
	}

	leadSvc := leads.New(store, cipher,
		leads.WithCRM(contacts),
		leads.WithWorkflows(cfg.CRMWorkflows),
		leads.WithLogger(log),
	)
	processor := webhooks.New(leadSvc, store, log)
	queue := webhookqueue.New(processor,
		webhookqueue.Config{TickInterval: cfg.WebhookTick, DefaultMaxRetries: cfg.WebhookMaxRetries},
		webhookqueue.WithStore(store),
		webhookqueue.WithAlerter(alerter),
		webhookqueue.WithLogger(log),
	)
	if n, err := queue.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("webhook queue recovery failed")
	} else if n > 0 {
		log.Info().Int("events", n).Msg("webhook events recovered")
	}

	gateway := browser.New(cfg.BrowserServiceURL, cfg.ScrapeSessionTimeout, browser.WithLogger(log))
	engine := lifecycle.New(lifecycle.Policy{
		QualifyingVolume:        cfg.QualifyingVolume,
		QualificationCommission: cfg.QualificationCommission,
	})
	orch := scrapeorch.New(scrapeorch.Config{
		Interval:     cfg.ScrapeInterval,
		AccountDelay: cfg.ScrapeAccountDelay,
		RetryDelay:   cfg.ScrapeRetryDelay,
		MaxRetries:   cfg.ScrapeMaxRetries,
	}, store, gateway, cipher, config.DefaultBrokerResolver(store), engine,
		scrapeorch.WithPublisher(queue),
		scrapeorch.WithLogger(log),
	)
	analyzer := reconcile.New(store, contacts, leadSvc, reconcile.WithAlerter(alerter), reconcile.WithLogger(log))

	deps := httpadapter.Deps{
		Queue:      queue,
		Scraper:    orch,
		Leads:      leadSvc,
		Reconciler: analyzer,
		Gateway:    gateway,
	}
	if crmAPI != nil {
		deps.CRM = crmAPI
	}
	api := httpadapter.New(deps, httpadapter.Config{
		WebhookSecret: cfg.WebhookSecret,
		RateLimit:     cfg.WebhookRateLimit,
		Burst:         cfg.WebhookBurst,
	}, httpadapter.WithLogger(log))
	if cfg.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET not set, inbound webhooks are not verified")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		queue.Start(gctx)
		<-gctx.Done()
		queue.Stop()
		return nil
	})
	g.Go(func() error {
		orch.Start(gctx)
		<-gctx.Done()
		orch.Stop()
		return nil
	})
	if cfg.ReconcileInterval > 0 {
		g.Go(func() error {
			analyzer.Schedule(gctx, cfg.ReconcileInterval, reconcile.Options{
				AutoFix:      cfg.ReconcileAutoFixLimit > 0,
				AutoFixLimit: cfg.ReconcileAutoFixLimit,
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

// openStore connects to Postgres, or falls back to memory in development.
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (storage, func()) {
	if cfg.DatabaseURL == "" {
		if !cfg.Development() {
			log.Fatal().Msg("DATABASE_URL is required outside development")
		}
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		return memory.NewStore(), func() {}
	}
	db, err := pg.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		log.Fatal().Err(err).Msg("db migrate")
	}
	return db, db.Close
}

// credentialKey returns the configured key, or a throwaway one in
// development. Credentials sealed with a throwaway key do not survive a restart.
func credentialKey(cfg config.Config, log zerolog.Logger) string {
	if cfg.CredentialKey != "" {
		return cfg.CredentialKey
	}
	if !cfg.Development() {
		log.Fatal().Msg("CREDENTIAL_KEY is required outside development")
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msg("generate credential key")
	}
	log.Warn().Msg("CREDENTIAL_KEY not set, using an ephemeral key")
	return hex.EncodeToString(b)
}
