package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

type Config struct {
	BaseURL      string
	MaxRequests  int
	Window       time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	Timeout      time.Duration
	Headers      map[string]string
}

// Result is the outcome of one logical request, including its retries.
// Failures are reported here, never as a Go error.
type Result struct {
	Success  bool            `json:"success"`
	Status   int             `json:"status,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Retries  int             `json:"retries"`
	Duration time.Duration   `json:"durationMs"`
}

// Decode unmarshals Data into v.
func (r Result) Decode(v any) error {
	if !r.Success {
		return errors.New(r.Error)
	}
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Client is a rate-limited HTTP client with retry and a dead-request queue.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *windowLimiter
	log     zerolog.Logger
	jitter  func() float64

	mu     sync.Mutex
	failed map[string][]FailedRequest
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("component", "apiclient").Logger() }
}

// WithJitter replaces the random jitter source; values are scaled by JitterFactor.
func WithJitter(f func() float64) Option {
	return func(c *Client) { c.jitter = f }
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: newWindowLimiter(cfg.MaxRequests, cfg.Window),
		log:     zerolog.Nop(),
		jitter:  rand.Float64,
		failed:  make(map[string][]FailedRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type requestOptions struct {
	skipRetry      bool
	idempotencyKey string
	query          url.Values
	headers        map[string]string
}

type RequestOption func(*requestOptions)

// WithSkipRetry makes exactly one attempt.
func WithSkipRetry() RequestOption {
	return func(o *requestOptions) { o.skipRetry = true }
}

// WithIdempotencyKey marks a non-idempotent request as safe to resend.
func WithIdempotencyKey(key string) RequestOption {
	return func(o *requestOptions) { o.idempotencyKey = key }
}

func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) { o.query = q }
}

func WithHeader(k, v string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[k] = v
	}
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// retryableStatus covers server faults and explicit backpressure. Other 4xx
// responses are validation failures and resending them cannot help.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func idempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// allowRetry decides whether a request may be sent more than once.
func (o requestOptions) allowRetry(method string) bool {
	if o.skipRetry {
		return false
	}
	return idempotentMethod(method) || o.idempotencyKey != ""
}

// Delay returns the wait before retry number attempt, jitter included.
func (c *Client) Delay(attempt int) time.Duration {
	return Backoff(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay, c.jitter()*c.cfg.JitterFactor)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

// Request sends method endpoint with body encoded as JSON. Requests that
// fail with a transient error after all attempts are queued for replay.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any, opts ...RequestOption) Result {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	method = strings.ToUpper(method)
	payload, err := encodeBody(body)
	if err != nil {
		return Result{Error: fmt.Sprintf("encode body: %v", err)}
	}

	res, queueable := c.execute(ctx, method, endpoint, payload, ro)
	if !res.Success && queueable {
		c.enqueueFailed(FailedRequest{
			Key:            FailedKey(method, endpoint),
			Method:         method,
			Endpoint:       endpoint,
			Query:          ro.query.Encode(),
			Body:           payload,
			Headers:        ro.headers,
			IdempotencyKey: ro.idempotencyKey,
			Error:          res.Error,
			Attempts:       res.Retries + 1,
			FailedAt:       time.Now(),
		})
		c.log.Warn().Str("method", method).Str("endpoint", endpoint).Int("retries", res.Retries).
			Str("error", res.Error).Msg("request exhausted retries, queued for replay")
	}
	return res
}

func (c *Client) execute(ctx context.Context, method, endpoint string, payload []byte, ro requestOptions) (Result, bool) {
	start := time.Now()
	res := Result{}
	maxRetries := c.cfg.MaxRetries
	if !ro.allowRetry(method) {
		maxRetries = 0
	}

	attempt := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		if attempt > maxRetries {
			return 0, true
		}
		return c.Delay(attempt), false
	})

	queueable := false
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			res.Retries = attempt
		}
		if err := c.limiter.Wait(ctx); err != nil {
			queueable = false
			return err
		}
		status, data, err := c.send(ctx, method, endpoint, payload, ro)
		res.Status = status
		if err == nil {
			res.Data = data
			return nil
		}
		var herr *HTTPError
		if errors.As(err, &herr) && !retryableStatus(herr.Status) {
			queueable = false
			return err
		}
		if ctx.Err() != nil {
			// caller gave up; nothing to replay on its behalf
			queueable = false
			return err
		}
		queueable = true
		c.log.Debug().Str("method", method).Str("endpoint", endpoint).Int("attempt", attempt+1).Err(err).Msg("request attempt failed")
		return retry.RetryableError(err)
	})

	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res, queueable && ctx.Err() == nil
	}
	res.Success = true
	return res, false
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, ro requestOptions) (int, json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	if len(ro.query) > 0 {
		u += "?" + ro.query.Encode()
	}
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range ro.headers {
		req.Header.Set(k, v)
	}
	if ro.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", ro.idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode/100 != 2 {
		body := string(b)
		if len(body) > 512 {
			body = body[:512]
		}
		return resp.StatusCode, nil, &HTTPError{Status: resp.StatusCode, Body: body}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, json.RawMessage(b), nil
}

// Stats is a point-in-time view for operators.
type Stats struct {
	WindowRequests int            `json:"windowRequests"`
	MaxRequests    int            `json:"maxRequests"`
	Window         time.Duration  `json:"window"`
	FailedQueues   map[string]int `json:"failedQueues"`
	FailedTotal    int            `json:"failedTotal"`
}

func (c *Client) Stats() Stats {
	s := Stats{
		WindowRequests: c.limiter.Occupancy(),
		MaxRequests:    c.cfg.MaxRequests,
		Window:         c.cfg.Window,
		FailedQueues:   map[string]int{},
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, q := range c.failed {
		s.FailedQueues[k] = len(q)
		s.FailedTotal += len(q)
	}
	return s
}
