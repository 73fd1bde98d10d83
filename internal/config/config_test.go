package config

import (
	"context"
	"os"
	"testing"
	"time"
)

type fakeSettings map[string]string

func (f fakeSettings) BrokerTerminalURL(_ context.Context, broker string) (string, bool, error) {
	u, ok := f[broker]
	return u, ok, nil
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"SCRAPE_INTERVAL", "CRM_MAX_RETRIES", "WEBHOOK_TICK", "QUALIFYING_VOLUME"} {
		os.Unsetenv(k)
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/leads")
	t.Setenv("CREDENTIAL_KEY", "00")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("CRM_WORKFLOW_QUALIFIED", "wf-42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ScrapeInterval != 30*time.Minute {
		t.Errorf("ScrapeInterval: got %s", cfg.ScrapeInterval)
	}
	if cfg.CRMMaxRetries != 3 {
		t.Errorf("CRMMaxRetries: got %d", cfg.CRMMaxRetries)
	}
	if cfg.WebhookTick != 30*time.Second {
		t.Errorf("WebhookTick: got %s", cfg.WebhookTick)
	}
	if cfg.QualifyingVolume.String() != "0.2" {
		t.Errorf("QualifyingVolume: got %s", cfg.QualifyingVolume)
	}
	if cfg.CRMWorkflows["qualified"] != "wf-42" {
		t.Errorf("CRMWorkflows: got %v", cfg.CRMWorkflows)
	}
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CREDENTIAL_KEY", "")
	t.Setenv("WEBHOOK_SECRET", "")
	cfg, err := Load()
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
	if cfg.ListenAddr == "" {
		t.Fatal("defaults should still be populated")
	}
}

func TestBrokerResolverPriority(t *testing.T) {
	settings := fakeSettings{"exness": "https://settings.example/exness"}
	r := DefaultBrokerResolver(settings)
	ctx := context.Background()

	t.Setenv("MT5_WEB_TERMINAL_URL", "")
	t.Setenv("BROKER_URL_EXNESS", "")
	ep, err := r.Resolve(ctx, "Exness")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Source != "settings" || ep.URL != "https://settings.example/exness" {
		t.Fatalf("expected settings hit, got %+v", ep)
	}

	t.Setenv("BROKER_URL_EXNESS", "https://env.example/exness")
	ep, _ = r.Resolve(ctx, "Exness")
	if ep.Source != "env" || ep.URL != "https://env.example/exness" {
		t.Fatalf("expected env override, got %+v", ep)
	}

	ep, _ = r.Resolve(ctx, "xm")
	if ep.Source != "default" || ep.URL != DefaultBrokerURLs["xm"] {
		t.Fatalf("expected built-in default, got %+v", ep)
	}

	ep, _ = r.Resolve(ctx, "unknown broker")
	if ep.URL != DefaultTerminalURL {
		t.Fatalf("expected fallback terminal, got %+v", ep)
	}
}

func TestBrokerKey(t *testing.T) {
	if got := brokerKey("IC Markets-Raw"); got != "IC_MARKETS_RAW" {
		t.Fatalf("brokerKey: got %q", got)
	}
}
