package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/logger"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/server/middleware"
	"github.com/turnstiledev/turnstile/internal/service"
	"github.com/turnstiledev/turnstile/internal/syncbus"
)

const (
	testJWTSecret = "test-secret-for-handler-tests-0123456789"
	testPassword  = "supersecretpassword"
)

func TestMain(m *testing.M) {
	service.BcryptCost = bcrypt.MinCost
	m.Run()
}

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store      *config.Store
	tokens     *service.TokenService
	lockout    *service.LockoutGuard
	authSvc    *service.AuthService
	principals *service.PrincipalService
	bus        *syncbus.Bus
	router     chi.Router
}

// newTestEnv creates a fresh environment with an in-memory store and the
// routes mounted behind the real auth middleware.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tokens, err := service.NewTokenService(testJWTSecret, "turnstile", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	log := logger.Discard()
	lockout := service.NewLockoutGuard(service.WithLockoutThreshold(3), service.WithLockoutLogger(log))
	bus := syncbus.New(nil, syncbus.WithLogger(log))
	authSvc := service.NewAuthService(store, tokens, lockout,
		service.WithPublisher(bus), service.WithAuthLogger(log))
	principals := service.NewPrincipalService(store, bus, log)

	authH := NewAuthHandler(authSvc, principals, log)
	principalH := NewPrincipalHandler(principals, log)
	lockoutH := NewLockoutHandler(lockout, log)
	sysH := NewSystemHandler("test", map[string]Pinger{"store": store})

	r := chi.NewRouter()
	r.Get("/healthz", sysH.Healthz)
	r.Get("/readyz", sysH.Readyz)
	r.Get("/openapi.json", NewOpenAPIHandler("", "test").ServeSpec)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", authH.Login)
		r.Post("/auth/validate", authH.Validate)
		r.Post("/auth/keepalive", authH.KeepAlive)
		r.Post("/auth/logout", authH.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(authSvc))
			r.Get("/auth/me", authH.Me)
			r.With(middleware.Require(service.RequirePermission(model.PermPrincipalsRead), nil)).
				Get("/principals", principalH.ListPrincipals)
			r.Group(func(r chi.Router) {
				r.Use(middleware.Require(service.RequirePermission(model.PermPrincipalsManage), nil))
				r.Post("/principals", principalH.CreatePrincipal)
				r.Put("/principals/{id}/permissions", principalH.SetPermissions)
				r.Put("/principals/{id}/status", principalH.SetStatus)
			})
			r.Group(func(r chi.Router) {
				r.Use(middleware.Require(service.RequirePermission(model.PermLockoutsManage), nil))
				r.Get("/lockouts/{identifier}", lockoutH.GetLockout)
				r.Delete("/lockouts/{identifier}", lockoutH.ReleaseLockout)
			})
		})
	})

	return &testEnv{
		store:      store,
		tokens:     tokens,
		lockout:    lockout,
		authSvc:    authSvc,
		principals: principals,
		bus:        bus,
		router:     r,
	}
}

// seed creates an active principal with testPassword.
func (e *testEnv) seed(t *testing.T, email string, role model.Role, perms ...string) *model.Principal {
	t.Helper()
	p, err := e.principals.Register(context.Background(), service.NewPrincipal{
		Email:       email,
		Name:        "Test " + string(role),
		Role:        role,
		Password:    testPassword,
		Permissions: perms,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", email, err)
	}
	return p
}

// tokenFor issues a token for p without going through login.
func (e *testEnv) tokenFor(t *testing.T, p *model.Principal) string {
	t.Helper()
	tok, _, err := e.tokens.Issue(service.SubjectOf(p), 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
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

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var env model.ErrorResponse
	decodeJSON(t, rr, &env)
	return env.Error
}
