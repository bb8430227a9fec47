package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/semanticcity/server/internal/chunkcache"
	"github.com/semanticcity/server/internal/config"
	"github.com/semanticcity/server/internal/testutil"
	"github.com/semanticcity/server/internal/world"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:           "0",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		World: world.DefaultConfig(),
		Streaming: config.StreamingConfig{
			MaxRetries: 1,
			MaxRadius:  3,
		},
	}
}

func newRouterHelper(t *testing.T, store Pinger) *testutil.HTTPTestHelper {
	t.Helper()
	cfg := testConfig()
	cache := chunkcache.New(chunkcache.NewMemoryStore(), nil, cfg.World)
	handler, _ := NewRouter(RouterDeps{Config: cfg, Cache: cache, Store: store})
	return testutil.NewHTTPTestHelper(handler)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		store    Pinger
		status   int
		expected HealthResponse
	}{
		{"no store", nil, http.StatusOK, HealthResponse{Status: "ok", Service: "semcity-server", Version: 1}},
		{"store up", fakePinger{}, http.StatusOK, HealthResponse{Status: "ok", Service: "semcity-server", Version: 1, Database: "ok"}},
		{"store down", fakePinger{err: errors.New("refused")}, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Service: "semcity-server", Version: 1, Database: "unreachable"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := newRouterHelper(t, tt.store).MakeRequest(http.MethodGet, "/health", nil)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			if err := testutil.AssertJSONResponse(rr.Body, tt.expected); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := newRouterHelper(t, nil).MakeRequest(http.MethodGet, "/api/chunks/version", nil)

	headers := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for name, want := range headers {
		if got := rr.Header().Get(name); got != want {
			t.Errorf("%s: expected %q, got %q", name, want, got)
		}
	}
	if got := rr.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("expected no HSTS outside production, got %q", got)
	}
}

func TestCORS(t *testing.T) {
	helper := newRouterHelper(t, nil)

	tests := []struct {
		name        string
		method      string
		origin      string
		status      int
		allowOrigin string
	}{
		{"preflight allowed", http.MethodOptions, "http://localhost:5173", http.StatusNoContent, "http://localhost:5173"},
		{"get allowed", http.MethodGet, "http://localhost:5173", http.StatusOK, "http://localhost:5173"},
		{"get foreign origin", http.MethodGet, "http://evil.example", http.StatusOK, ""},
		{"no origin", http.MethodGet, "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.origin != "" {
				headers["Origin"] = tt.origin
			}
			rr := helper.MakeRequestWithHeaders(tt.method, "/api/chunks/version", nil, headers)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.allowOrigin {
				t.Errorf("expected allow origin %q, got %q", tt.allowOrigin, got)
			}
			if got := rr.Header().Get("Access-Control-Expose-Headers"); got != CacheHeader {
				t.Errorf("expected %s to be exposed, got %q", CacheHeader, got)
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{[]string{"http://a.example"}, "http://a.example", true},
		{[]string{"http://a.example"}, "http://b.example", false},
		{[]string{"*"}, "http://b.example", true},
		{nil, "", true},
		{nil, "http://a.example", false},
	}
	for _, tt := range tests {
		if got := originAllowed(tt.allowed, tt.origin); got != tt.want {
			t.Errorf("originAllowed(%v, %q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

func TestGetWorldConfig(t *testing.T) {
	rr := newRouterHelper(t, nil).MakeRequest(http.MethodGet, "/api/config/world", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Cache-Control") == "" {
		t.Error("expected Cache-Control header")
	}
	var cfg world.Config
	if err := testutil.ParseJSONResponse(&cfg, rr.Body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg != world.DefaultConfig() {
		t.Errorf("unexpected world config: %+v", cfg)
	}
}
