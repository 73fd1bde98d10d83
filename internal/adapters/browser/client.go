// Package browser talks to the remote browser-automation service that logs
// into broker web terminals and reads account figures.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"leadsync/internal/domain"
	"leadsync/internal/ports"
)

const (
	DefaultSessionTimeout = 2 * time.Minute
	closeTimeout          = 15 * time.Second
)

type Client struct {
	baseURL        string
	http           *http.Client
	sessionTimeout time.Duration
	log            zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("component", "browser").Logger() }
}

func New(baseURL string, sessionTimeout time.Duration, opts ...Option) *Client {
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{},
		sessionTimeout: sessionTimeout,
		log:            zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ ports.AccountGateway = (*Client)(nil)

// envelope is the response shape of every gateway endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

type loginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Server    string `json:"server"`
	BrokerURL string `json:"brokerUrl,omitempty"`
}

// ScrapeAccount runs one full terminal session. The browser is closed on
// every path, including when the session deadline fires.
func (c *Client) ScrapeAccount(ctx context.Context, creds ports.AccountCredentials) (snap domain.AccountSnapshot, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.sessionTimeout)
	defer cancel()
	defer c.closeSession(ctx)

	if err = c.call(ctx, "init", http.MethodPost, "/browser/init", nil, nil); err != nil {
		return snap, err
	}
	login := loginRequest{Username: creds.Login, Password: creds.Password, Server: creds.Server, BrokerURL: creds.BrokerURL}
	if err = c.call(ctx, "login", http.MethodPost, "/mt5/login", login, nil); err != nil {
		return snap, err
	}
	var data accountData
	if err = c.call(ctx, "account-data", http.MethodPost, "/mt5/account-data", nil, &data); err != nil {
		return snap, err
	}
	if lerr := c.call(ctx, "logout", http.MethodPost, "/mt5/logout", nil, nil); lerr != nil {
		c.log.Warn().Err(lerr).Str("login", creds.Login).Msg("logout failed, closing browser anyway")
	}
	return data.snapshot(), nil
}

// closeSession must outlive an expired session context.
func (c *Client) closeSession(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), closeTimeout)
	defer cancel()
	if err := c.call(ctx, "close", http.MethodPost, "/browser/close", nil, nil); err != nil {
		c.log.Warn().Err(err).Msg("browser close failed")
	}
}

// Health checks that the gateway answers with a 2xx. The body is not inspected.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return domain.NewScrapeError(domain.KindValidation, "health", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewScrapeError(transportKind(ctx, err), "health", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return domain.NewScrapeError(statusKind("health", resp.StatusCode), "health", fmt.Errorf("http %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) call(ctx context.Context, op, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return domain.NewScrapeError(domain.KindValidation, op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return domain.NewScrapeError(domain.KindValidation, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewScrapeError(transportKind(ctx, err), op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return domain.NewScrapeError(transportKind(ctx, err), op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode/100 != 2 {
		msg := env.message()
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return domain.NewScrapeError(statusKind(op, resp.StatusCode), op, fmt.Errorf("http %d: %s", resp.StatusCode, msg))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if decodeErr != nil {
		return domain.NewScrapeError(domain.KindValidation, op, fmt.Errorf("decode response: %w", decodeErr))
	}
	if !env.Success {
		msg := env.message()
		return domain.NewScrapeError(remoteKind(op, msg), op, errors.New(msg))
	}
	if out != nil {
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return domain.NewScrapeError(domain.KindValidation, op, errors.New("empty data"))
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return domain.NewScrapeError(domain.KindValidation, op, fmt.Errorf("decode data: %w", err))
		}
	}
	return nil
}

func (e envelope) message() string {
	if e.Error != "" {
		return e.Error
	}
	if e.Message != "" {
		return e.Message
	}
	return "remote reported failure"
}

func transportKind(ctx context.Context, err error) domain.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return domain.KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return domain.KindUnknown
	}
	return domain.KindNetwork
}

func statusKind(op string, code int) domain.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.KindAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return domain.KindTimeout
	case code >= 500:
		return domain.KindNetwork
	case op == "login" && code == http.StatusBadRequest:
		return domain.KindAuth
	default:
		return domain.KindValidation
	}
}

// remoteKind classifies a success=false envelope. The gateway reports page
// load problems and its own timeouts as plain messages.
func remoteKind(op, msg string) domain.ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "timeout", "timed out", "etimedout"):
		return domain.KindTimeout
	case containsAny(m, "network", "connection", "econnrefused", "econnreset", "failed to load", "net::"):
		return domain.KindNetwork
	case op == "login":
		return domain.KindAuth
	default:
		return domain.KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
