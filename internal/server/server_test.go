package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/logger"
	"github.com/turnstiledev/turnstile/internal/metrics"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/openapi"
	"github.com/turnstiledev/turnstile/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests-0123"
	testPassword  = "supersecretpassword"
)

func TestMain(m *testing.M) {
	service.BcryptCost = bcrypt.MinCost
	m.Run()
}

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server     *Server
	store      *config.Store
	principals *service.PrincipalService
	registry   *prometheus.Registry
}

// newTestEnv creates a fully wired Server over an in-memory store.
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := logger.Discard()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	tokens, err := service.NewTokenService(testJWTSecret, "turnstile", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	lockout := service.NewLockoutGuard(service.WithLockoutLogger(log),
		service.WithLockHook(collector.ObserveLockout))
	authSvc := service.NewAuthService(store, tokens, lockout,
		service.WithAuthMetrics(collector), service.WithAuthLogger(log))
	principals := service.NewPrincipalService(store, nil, log)

	srv := New(cfg, Deps{
		Auth:       authSvc,
		Principals: principals,
		Lockout:    lockout,
		Store:      store,
		Metrics:    collector,
		Gatherer:   reg,
	}, log)

	return &testEnv{server: srv, store: store, principals: principals, registry: reg}
}

func (e *testEnv) seed(t *testing.T, email string, role model.Role) *model.Principal {
	t.Helper()
	p, err := e.principals.Register(context.Background(), service.NewPrincipal{
		Email: email, Role: role, Password: testPassword,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return p
}

// login logs in through the API and returns the token.
func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/auth/login", jsonBody(t, map[string]string{
		"identifier": email,
		"password":   testPassword,
	}), nil)
	assertStatus(t, rr, http.StatusOK)
	var resp model.LoginResponse
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("login: got empty token")
	}
	return resp.Token
}

// do executes an HTTP request against the test server and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

func TestRoutesMatchOpenAPI(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	var mounted []string
	err := chi.Walk(env.server.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.ReplaceAll(route, "/*/", "/")
		if len(route) > 1 {
			route = strings.TrimSuffix(route, "/")
		}
		if route == "/metrics" || route == "/openapi.json" || route == "/mcp" {
			return nil
		}
		mounted = append(mounted, method+" "+route)
		return nil
	})
	if err != nil {
		t.Fatalf("chi.Walk: %v", err)
	}

	var described []string
	for _, rt := range openapi.Routes() {
		described = append(described, rt.Method+" "+rt.Path)
	}
	sort.Strings(mounted)
	sort.Strings(described)
	if strings.Join(mounted, "\n") != strings.Join(described, "\n") {
		t.Errorf("mounted routes:\n%s\n\ndescribed routes:\n%s", strings.Join(mounted, "\n"), strings.Join(described, "\n"))
	}
}

func TestHealthAndRequestID(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	assertStatus(t, env.do(t, "GET", "/readyz", nil, nil), http.StatusOK)
}

func TestCORSPreflight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigins = []string{"https://app.example.com"}
	env := newTestEnv(t, cfg)

	rr := env.do(t, "OPTIONS", "/api/v1/auth/login", nil, map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": "POST",
	})
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

// ---------------------------------------------------------------------------
// End-to-end flows
// ---------------------------------------------------------------------------

func TestProtectedRouteFlow(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seed(t, "admin@example.com", model.RoleAdmin)
	env.seed(t, "cand@example.com", model.RoleCandidate)

	assertStatus(t, env.do(t, "GET", "/api/v1/principals", nil, nil), http.StatusUnauthorized)

	adminTok := env.login(t, "admin@example.com")
	assertStatus(t, env.do(t, "GET", "/api/v1/principals", nil, bearer(adminTok)), http.StatusOK)

	candTok := env.login(t, "cand@example.com")
	assertStatus(t, env.do(t, "GET", "/api/v1/principals", nil, bearer(candTok)), http.StatusForbidden)
	assertStatus(t, env.do(t, "GET", "/api/v1/auth/me", nil, bearer(candTok)), http.StatusOK)

	rr := env.do(t, "POST", "/api/v1/principals", jsonBody(t, map[string]interface{}{
		"email": "new@example.com", "role": "staff", "password": "long-enough-pw",
	}), bearer(adminTok))
	assertStatus(t, rr, http.StatusCreated)
}

func TestLoginRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoginRateLimit = 2
	env := newTestEnv(t, cfg)

	var last *httptest.ResponseRecorder
	for range 3 {
		last = env.do(t, "POST", "/api/v1/auth/login", jsonBody(t, map[string]string{
			"identifier": "nobody@example.com", "password": "whatever",
		}), nil)
	}
	assertStatus(t, last, http.StatusTooManyRequests)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.seed(t, "admin@example.com", model.RoleAdmin)
	tok := env.login(t, "admin@example.com")
	env.do(t, "GET", "/api/v1/lockouts/x@example.com", nil, bearer(tok))

	rr := env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	body := rr.Body.String()
	for _, name := range []string{
		"turnstile_logins_total",
		"turnstile_gate_decisions_total",
		"turnstile_http_requests_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
	if !strings.Contains(body, `route="/api/v1/lockouts/{identifier}"`) {
		t.Error("http metrics should be labelled by route pattern")
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ShutdownTimeout = time.Second
	env := newTestEnv(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestMCPEndpointRequiresLockoutPermission(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	deps := env.server.deps
	deps.MCP = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	srv := New(DefaultConfig(), deps, logger.Discard())
	env.server = srv

	env.seed(t, "admin@example.com", model.RoleAdmin)
	env.seed(t, "manager@example.com", model.RoleManager)
	admin := env.login(t, "admin@example.com")
	manager := env.login(t, "manager@example.com")

	assertStatus(t, env.do(t, "POST", "/mcp", nil, nil), http.StatusUnauthorized)
	assertStatus(t, env.do(t, "POST", "/mcp", nil, bearer(manager)), http.StatusForbidden)
	assertStatus(t, env.do(t, "POST", "/mcp", nil, bearer(admin)), http.StatusAccepted)
}
