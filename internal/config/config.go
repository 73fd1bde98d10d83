package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env         string
	ListenAddr  string
	DatabaseURL string
	LogLevel    string
	LogPretty   bool

	// Scraping
	BrowserServiceURL    string
	ScrapeInterval       time.Duration
	ScrapeAccountDelay   time.Duration
	ScrapeRetryDelay     time.Duration
	ScrapeMaxRetries     int
	ScrapeSessionTimeout time.Duration
	CredentialKey        string

	// Lifecycle policy
	QualifyingVolume        decimal.Decimal
	QualificationCommission decimal.Decimal

	// CRM
	CRMBaseURL     string
	CRMAPIKey      string
	CRMMaxRequests int
	CRMWindow      time.Duration
	CRMMaxRetries  int
	CRMBaseDelay   time.Duration
	CRMMaxDelay    time.Duration
	CRMTimeout     time.Duration
	CRMWorkflows   map[string]string // lead status -> workflow id

	// Webhooks
	WebhookSecret     string
	WebhookTick       time.Duration
	WebhookMaxRetries int
	WebhookRateLimit  float64
	WebhookBurst      int

	// Reconciliation
	ReconcileInterval     time.Duration
	ReconcileAutoFixLimit int

	// Alerts
	TelegramBotToken string
	TelegramChatID   int64
}

// Development reports whether missing infrastructure may fall back to in-memory adapters.
func (c Config) Development() bool { return c.Env == "development" }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load reads .env (if present) and the process environment. The returned
// error is non-fatal in development so callers can decide.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		Env:         getenv("APP_ENV", "development"),
		ListenAddr:  getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogPretty:   getenvBool("LOG_PRETTY", false),

		BrowserServiceURL:    getenv("BROWSER_SERVICE_URL", "http://localhost:3001"),
		ScrapeInterval:       getenvDuration("SCRAPE_INTERVAL", 30*time.Minute),
		ScrapeAccountDelay:   getenvDuration("SCRAPE_ACCOUNT_DELAY", 5*time.Second),
		ScrapeRetryDelay:     getenvDuration("SCRAPE_RETRY_DELAY", 5*time.Second),
		ScrapeMaxRetries:     getenvInt("SCRAPE_MAX_RETRIES", 2),
		ScrapeSessionTimeout: getenvDuration("SCRAPE_SESSION_TIMEOUT", 2*time.Minute),
		CredentialKey:        os.Getenv("CREDENTIAL_KEY"),

		QualifyingVolume:        getenvDecimal("QUALIFYING_VOLUME", decimal.RequireFromString("0.2")),
		QualificationCommission: getenvDecimal("QUALIFICATION_COMMISSION", decimal.Zero),

		CRMBaseURL:     getenv("CRM_BASE_URL", "https://services.leadconnectorhq.com"),
		CRMAPIKey:      os.Getenv("CRM_API_KEY"),
		CRMMaxRequests: getenvInt("CRM_MAX_REQUESTS", 100),
		CRMWindow:      getenvDuration("CRM_WINDOW", 10*time.Second),
		CRMMaxRetries:  getenvInt("CRM_MAX_RETRIES", 3),
		CRMBaseDelay:   getenvDuration("CRM_BASE_DELAY", time.Second),
		CRMMaxDelay:    getenvDuration("CRM_MAX_DELAY", 10*time.Second),
		CRMTimeout:     getenvDuration("CRM_TIMEOUT", 15*time.Second),
		CRMWorkflows:   workflowsFromEnv(),

		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		WebhookTick:       getenvDuration("WEBHOOK_TICK", 30*time.Second),
		WebhookMaxRetries: getenvInt("WEBHOOK_MAX_RETRIES", 5),
		WebhookRateLimit:  getenvFloat("WEBHOOK_RATE_LIMIT", 20),
		WebhookBurst:      getenvInt("WEBHOOK_BURST", 40),

		ReconcileInterval:     getenvDuration("RECONCILE_INTERVAL", 0),
		ReconcileAutoFixLimit: getenvInt("RECONCILE_AUTOFIX_LIMIT", 10),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   int64(getenvInt("TELEGRAM_CHAT_ID", 0)),
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.CredentialKey == "" {
		missing = append(missing, "CREDENTIAL_KEY")
	}
	if cfg.WebhookSecret == "" {
		missing = append(missing, "WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		// Not fatal for early local runs; callers decide based on Env.
		return cfg, fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return out
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return out
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return out
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if out, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return out
		}
	}
	return def
}

func getenvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if out, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return out
		}
	}
	return def
}

// workflowsFromEnv reads CRM_WORKFLOW_<STATUS>=<workflow id>.
func workflowsFromEnv() map[string]string {
	out := map[string]string{}
	for _, status := range []string{"captured", "deposited", "trading", "qualified"} {
		if id := os.Getenv("CRM_WORKFLOW_" + strings.ToUpper(status)); id != "" {
			out[status] = id
		}
	}
	return out
}
