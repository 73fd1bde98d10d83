package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"leadsync/internal/domain"
	"leadsync/internal/ports"
)

// fakeGateway records the paths it served and lets a test override any path.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []string
	login    loginRequest
	override map[string]http.HandlerFunc
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.URL.Path)
	h := f.override[r.URL.Path]
	if r.URL.Path == "/mt5/login" {
		_ = json.NewDecoder(r.Body).Decode(&f.login)
	}
	f.mu.Unlock()
	if h != nil {
		h(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/mt5/account-data":
		_, _ = w.Write([]byte(`{"success":true,"data":{"balance":"1500.50","equity":1510,"margin":12.5,
			"freeMargin":1497.5,"marginLevel":"12080","profit":9.5,
			"positions":[{"ticket":12345,"symbol":"EURUSD","type":"BUY","volume":0.1,"openPrice":1.0812,
			"currentPrice":1.0821,"profit":9.5,"openTime":"2024.03.01 10:15:00"}]}}`))
	default:
		_, _ = w.Write([]byte(`{"success":true}`))
	}
}

func (f *fakeGateway) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGateway) closed() bool {
	for _, c := range f.called() {
		if c == "/browser/close" {
			return true
		}
	}
	return false
}

func creds() ports.AccountCredentials {
	return ports.AccountCredentials{Login: "5001", Password: "secret", Server: "Broker-Live", BrokerURL: "https://mt5.example.com"}
}

func TestScrapeAccountHappyPath(t *testing.T) {
	fg := &fakeGateway{}
	srv := httptest.NewServer(fg)
	defer srv.Close()

	snap, err := New(srv.URL, time.Second).ScrapeAccount(context.Background(), creds())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	want := []string{"/browser/init", "/mt5/login", "/mt5/account-data", "/mt5/logout", "/browser/close"}
	got := fg.called()
	if len(got) != len(want) {
		t.Fatalf("calls: got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: got %s want %s", i, got[i], want[i])
		}
	}
	if fg.login.Username != "5001" || fg.login.BrokerURL != "https://mt5.example.com" {
		t.Fatalf("login body: %+v", fg.login)
	}
	if !snap.Balance.Equal(decimal.RequireFromString("1500.50")) {
		t.Fatalf("balance: %s", snap.Balance)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("positions: %+v", snap.Positions)
	}
	p := snap.Positions[0]
	if p.Ticket != "12345" || p.Type != "buy" || p.OpenTime == nil || p.OpenTime.Hour() != 10 {
		t.Fatalf("position: %+v", p)
	}
}

func TestScrapeAccountClosesOnFailure(t *testing.T) {
	cases := []struct {
		name string
		path string
		h    http.HandlerFunc
		kind domain.ErrorKind
	}{
		{
			name: "login rejected",
			path: "/mt5/login",
			h: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success":false,"error":"Invalid account or password"}`))
			},
			kind: domain.KindAuth,
		},
		{
			name: "terminal did not load",
			path: "/mt5/login",
			h: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success":false,"error":"Failed to load web terminal"}`))
			},
			kind: domain.KindNetwork,
		},
		{
			name: "gateway unavailable",
			path: "/mt5/account-data",
			h: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			kind: domain.KindNetwork,
		},
		{
			name: "malformed account data",
			path: "/mt5/account-data",
			h: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success":true,"data":{"balance":"lots"}}`))
			},
			kind: domain.KindValidation,
		},
		{
			name: "init forbidden",
			path: "/browser/init",
			h: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			kind: domain.KindAuth,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fg := &fakeGateway{override: map[string]http.HandlerFunc{tc.path: tc.h}}
			srv := httptest.NewServer(fg)
			defer srv.Close()

			_, err := New(srv.URL, time.Second).ScrapeAccount(context.Background(), creds())
			if err == nil {
				t.Fatal("expected error")
			}
			if k := domain.KindOf(err); k != tc.kind {
				t.Fatalf("kind: got %s want %s (%v)", k, tc.kind, err)
			}
			if !fg.closed() {
				t.Fatalf("browser not closed, calls=%v", fg.called())
			}
		})
	}
}

func TestRemoteKind(t *testing.T) {
	cases := []struct {
		op, msg string
		want    domain.ErrorKind
	}{
		{"login", "Invalid account or password", domain.KindAuth},
		{"login", "connect ECONNREFUSED 10.0.0.1:443", domain.KindNetwork},
		{"login", "ETIMEDOUT", domain.KindTimeout},
		{"login", "Network error while loading terminal", domain.KindNetwork},
		{"login", "Navigation timeout of 30000 ms exceeded", domain.KindTimeout},
		{"login", "net::ERR_NAME_NOT_RESOLVED", domain.KindNetwork},
		{"login", "Connection reset by peer", domain.KindNetwork},
		{"login", "Failed to load web terminal", domain.KindNetwork},
		{"account-data", "unexpected layout", domain.KindUnknown},
	}
	for _, tc := range cases {
		if got := remoteKind(tc.op, tc.msg); got != tc.want {
			t.Errorf("remoteKind(%q, %q) = %s, want %s", tc.op, tc.msg, got, tc.want)
		}
	}
}

func TestLoginOutageIsRetryable(t *testing.T) {
	for _, msg := range []string{"connect ECONNREFUSED 10.0.0.1:443", "ETIMEDOUT", "Network error while loading terminal"} {
		t.Run(msg, func(t *testing.T) {
			body, _ := json.Marshal(map[string]any{"success": false, "error": msg})
			fg := &fakeGateway{override: map[string]http.HandlerFunc{
				"/mt5/login": func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(body) },
			}}
			srv := httptest.NewServer(fg)
			defer srv.Close()

			_, err := New(srv.URL, time.Second).ScrapeAccount(context.Background(), creds())
			if err == nil {
				t.Fatal("expected error")
			}
			if k := domain.KindOf(err); !k.Retryable() {
				t.Fatalf("kind %s must be retryable (%v)", k, err)
			}
		})
	}
}

func TestScrapeAccountSessionTimeout(t *testing.T) {
	fg := &fakeGateway{override: map[string]http.HandlerFunc{
		"/mt5/account-data": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		},
	}}
	srv := httptest.NewServer(fg)
	defer srv.Close()

	_, err := New(srv.URL, 50*time.Millisecond).ScrapeAccount(context.Background(), creds())
	if domain.KindOf(err) != domain.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !fg.closed() {
		t.Fatal("browser must be closed after a session timeout")
	}
}

func TestLogoutFailureKeepsSnapshot(t *testing.T) {
	fg := &fakeGateway{override: map[string]http.HandlerFunc{
		"/mt5/logout": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	}}
	srv := httptest.NewServer(fg)
	defer srv.Close()

	snap, err := New(srv.URL, time.Second).ScrapeAccount(context.Background(), creds())
	if err != nil || snap.Balance.IsZero() {
		t.Fatalf("snap=%+v err=%v", snap, err)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	if err := New(srv.URL, 0).Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	srv.Close()
	if err := New(srv.URL, 0).Health(context.Background()); domain.KindOf(err) != domain.KindNetwork {
		t.Fatalf("closed server: %v", err)
	}
}
