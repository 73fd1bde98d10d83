package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"leadsync/internal/ports"
)

// BrokerEndpoint is the resolved web terminal for a broker.
type BrokerEndpoint struct {
	Broker string
	URL    string
	Source string // which provider answered
}

// BrokerURLProvider answers with found=false when it has no opinion.
type BrokerURLProvider interface {
	Name() string
	BrokerURL(ctx context.Context, broker string) (url string, found bool, err error)
}

// BrokerResolver evaluates providers in order; the first hit wins.
type BrokerResolver struct {
	providers []BrokerURLProvider
}

func NewBrokerResolver(providers ...BrokerURLProvider) *BrokerResolver {
	return &BrokerResolver{providers: providers}
}

// DefaultBrokerResolver wires env -> settings store -> built-in defaults.
func DefaultBrokerResolver(settings ports.BrokerSettingsRepository) *BrokerResolver {
	providers := []BrokerURLProvider{EnvBrokerProvider{}}
	if settings != nil {
		providers = append(providers, SettingsBrokerProvider{Repo: settings})
	}
	providers = append(providers, StaticBrokerProvider{URLs: DefaultBrokerURLs, Fallback: DefaultTerminalURL})
	return NewBrokerResolver(providers...)
}

func (r *BrokerResolver) Resolve(ctx context.Context, broker string) (BrokerEndpoint, error) {
	for _, p := range r.providers {
		url, found, err := p.BrokerURL(ctx, broker)
		if err != nil {
			return BrokerEndpoint{}, fmt.Errorf("broker url provider %s: %w", p.Name(), err)
		}
		if found && url != "" {
			return BrokerEndpoint{Broker: broker, URL: url, Source: p.Name()}, nil
		}
	}
	return BrokerEndpoint{}, fmt.Errorf("no terminal url for broker %q", broker)
}

// brokerKey turns "Exness Global" into "EXNESS_GLOBAL".
func brokerKey(broker string) string {
	b := strings.ToUpper(strings.TrimSpace(broker))
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, b)
}

// EnvBrokerProvider reads BROKER_URL_<BROKER>, then MT5_WEB_TERMINAL_URL.
type EnvBrokerProvider struct{}

func (EnvBrokerProvider) Name() string { return "env" }

func (EnvBrokerProvider) BrokerURL(_ context.Context, broker string) (string, bool, error) {
	if broker != "" {
		if v := os.Getenv("BROKER_URL_" + brokerKey(broker)); v != "" {
			return v, true, nil
		}
	}
	if v := os.Getenv("MT5_WEB_TERMINAL_URL"); v != "" {
		return v, true, nil
	}
	return "", false, nil
}

// SettingsBrokerProvider reads operator-maintained broker settings.
type SettingsBrokerProvider struct {
	Repo ports.BrokerSettingsRepository
}

func (SettingsBrokerProvider) Name() string { return "settings" }

func (p SettingsBrokerProvider) BrokerURL(ctx context.Context, broker string) (string, bool, error) {
	if broker == "" {
		return "", false, nil
	}
	return p.Repo.BrokerTerminalURL(ctx, strings.ToLower(strings.TrimSpace(broker)))
}

// StaticBrokerProvider is the hardcoded last resort.
type StaticBrokerProvider struct {
	URLs     map[string]string
	Fallback string
}

func (StaticBrokerProvider) Name() string { return "default" }

func (p StaticBrokerProvider) BrokerURL(_ context.Context, broker string) (string, bool, error) {
	if u, ok := p.URLs[strings.ToLower(strings.TrimSpace(broker))]; ok {
		return u, true, nil
	}
	return p.Fallback, p.Fallback != "", nil
}

const DefaultTerminalURL = "https://web.metatrader.app/terminal"

var DefaultBrokerURLs = map[string]string{
	"exness":    "https://my.exness.com/webtrading/",
	"icmarkets": "https://mt5.icmarkets.com/terminal",
	"xm":        "https://mt5.xm.com/terminal",
}
