package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/logger"
	"github.com/turnstiledev/turnstile/internal/metrics"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/server"
	"github.com/turnstiledev/turnstile/internal/service"
	"github.com/turnstiledev/turnstile/internal/syncbus"
)

const testPassword = "correct-horse-battery"

func TestMain(m *testing.M) {
	service.BcryptCost = bcrypt.MinCost
	os.Exit(m.Run())
}

// runCLI executes the root command with args and returns its output.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	cfgFile, dataDir = "", ""
	t.Setenv("HOME", t.TempDir())

	cmd := newRootCmd("test", "none", "unknown")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustRunCLI(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, stdin, args...)
	if err != nil {
		t.Fatalf("turnstile %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestRoleList(t *testing.T) {
	out := mustRunCLI(t, "", "role", "list")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2+len(model.Roles()) {
		t.Fatalf("expected %d lines, got %d:\n%s", 2+len(model.Roles()), len(lines), out)
	}
	if !strings.HasPrefix(lines[2], "super_admin") {
		t.Errorf("first role row = %q", lines[2])
	}

	out = mustRunCLI(t, "", "role", "list", "--json")
	var rows []roleRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rows[len(rows)-1].Name != model.RoleCandidate || rows[len(rows)-1].Family != model.FamilyCandidate {
		t.Errorf("last row = %+v", rows[len(rows)-1])
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnstile.yaml")

	out := mustRunCLI(t, "", "config", "init", "-o", path)
	if !strings.Contains(out, "Created") {
		t.Errorf("unexpected output: %s", out)
	}
	if _, err := runCLI(t, "", "config", "init", "-o", path); err == nil {
		t.Error("expected error when the file exists")
	}
	mustRunCLI(t, "", "config", "init", "-o", path, "--force")

	t.Setenv("TURNSTILE_AUTH_JWT_SECRET", "a-secret-from-the-environment-0123456789")
	t.Setenv("TURNSTILE_LOCKOUT_THRESHOLD", "7")
	out = mustRunCLI(t, "", "--config", path, "config", "show")
	for _, want := range []string{"Config file: " + path, "issuer: turnstile", "threshold: 7", "********"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "a-secret-from-the-environment") {
		t.Error("config show leaked the signing secret")
	}
}

func TestConfigShowRejectsInvalidSettings(t *testing.T) {
	t.Setenv("TURNSTILE_AUTH_TOKEN_TTL", "soon")
	if _, err := runCLI(t, "", "config", "show"); err == nil {
		t.Error("expected error for an unparseable duration")
	}
}

func TestPrincipalAndTokenCommands(t *testing.T) {
	dir := t.TempDir()

	out := mustRunCLI(t, "", "--data-dir", dir, "principal", "create",
		"--email", "Root@Example.com", "--role", "admin", "--password", testPassword)
	if !strings.Contains(out, `Created admin "root@example.com"`) {
		t.Errorf("unexpected create output: %s", out)
	}

	// Password from stdin when the flag is omitted.
	mustRunCLI(t, testPassword+"\n"+testPassword+"\n", "--data-dir", dir, "principal", "create",
		"--email", "cand@example.com", "--role", "candidate")

	if _, err := runCLI(t, "", "--data-dir", dir, "principal", "create",
		"--email", "x@example.com", "--role", "wizard", "--password", testPassword); err == nil {
		t.Error("expected error for unknown role")
	}

	out = mustRunCLI(t, "", "--data-dir", dir, "principal", "list", "--json", "--family", "admin")
	var rows []model.PrincipalSummary
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode list: %v\n%s", err, out)
	}
	if len(rows) != 1 || rows[0].Email != "root@example.com" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	out = mustRunCLI(t, "", "--data-dir", dir, "token", "issue", "--email", "root@example.com", "--ttl", "10m")
	var issued struct {
		Token     string                 `json:"token"`
		Principal model.PrincipalSummary `json:"principal"`
	}
	if err := json.Unmarshal([]byte(out), &issued); err != nil {
		t.Fatalf("decode issue: %v\n%s", err, out)
	}
	if issued.Token == "" || issued.Principal.Role != model.RoleAdmin {
		t.Fatalf("unexpected issue output: %s", out)
	}

	out = mustRunCLI(t, "", "--data-dir", dir, "token", "verify", issued.Token)
	if !strings.Contains(out, `"role": "admin"`) || !strings.Contains(out, `"valid": true`) {
		t.Errorf("unexpected verify output: %s", out)
	}
	if _, err := runCLI(t, "", "token", "verify", issued.Token+"x"); err == nil {
		t.Error("tampered token verified")
	}

	mustRunCLI(t, "", "--data-dir", dir, "principal", "disable", "cand@example.com")
	if _, err := runCLI(t, "", "--data-dir", dir, "token", "issue", "--email", "cand@example.com"); err == nil {
		t.Error("issued a token for a disabled principal")
	}
	mustRunCLI(t, "", "--data-dir", dir, "principal", "enable", "cand@example.com")
	mustRunCLI(t, "", "--data-dir", dir, "token", "issue", "--email", "cand@example.com")

	mustRunCLI(t, "", "--data-dir", dir, "principal", "passwd", "cand@example.com", "--password", "another-password")
}

func TestOpenAPICommand(t *testing.T) {
	out := mustRunCLI(t, "", "openapi", "--server-url", "https://auth.example.com")
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v", doc["openapi"])
	}
	if !strings.Contains(out, "https://auth.example.com") || !strings.Contains(out, "/api/v1/auth/login") {
		t.Error("document missing server URL or login path")
	}

	file := filepath.Join(t.TempDir(), "openapi.json")
	mustRunCLI(t, "", "openapi", "-o", file)
	if _, err := os.Stat(file); err != nil {
		t.Errorf("output file: %v", err)
	}
}

func TestVersionJSON(t *testing.T) {
	out := mustRunCLI(t, "", "version", "--json")
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info["version"] != "test" || info["commit"] != "none" {
		t.Errorf("unexpected version info: %v", info)
	}
}

type activityLog struct {
	mu      sync.Mutex
	touched map[string]time.Time
}

func (a *activityLog) TouchLastActivity(_ context.Context, id string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touched[id] = at
	return nil
}

func TestSubscribeServerEvents(t *testing.T) {
	bus := syncbus.New(nil)
	store := &activityLog{touched: map[string]time.Time{}}
	reg := prometheus.NewRegistry()
	unsubscribe := subscribeServerEvents(bus, store, metrics.NewCollector(reg), logger.Discard())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	bus.Publish(ctx, syncbus.Event{Type: syncbus.EventActivityHeartbeat, PrincipalID: "p1", Timestamp: at})
	bus.Publish(ctx, syncbus.Event{Type: syncbus.EventLogout, PrincipalID: "p1"})

	if got := store.touched["p1"]; !got.Equal(at) {
		t.Errorf("last activity = %v, want %v", got, at)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != "turnstile_sync_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	if total != 2 {
		t.Errorf("sync events counted = %v, want 2", total)
	}

	unsubscribe()
	bus.Publish(ctx, syncbus.Event{Type: syncbus.EventActivityHeartbeat, PrincipalID: "p2", Timestamp: at})
	if _, ok := store.touched["p2"]; ok {
		t.Error("subscriber still attached after unsubscribe")
	}
}

// newAPIServer starts a real API server over an in-memory store with one
// staff principal.
func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := logger.Discard()
	tokens, err := service.NewTokenService(config.DevJWTSecret, "turnstile", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	lockout := service.NewLockoutGuard(service.WithLockoutLogger(log))
	auth := service.NewAuthService(store, tokens, lockout, service.WithAuthLogger(log))
	principals := service.NewPrincipalService(store, nil, log)
	if _, err := principals.Register(context.Background(), service.NewPrincipal{
		Email: "ana@example.com", Role: model.RoleStaff, Password: testPassword,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	srv := server.New(server.DefaultConfig(), server.Deps{
		Auth: auth, Principals: principals, Lockout: lockout, Store: store,
	}, log)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func TestSessionLoginStatusLogout(t *testing.T) {
	ts := newAPIServer(t)
	dir := t.TempDir()

	if _, err := runCLI(t, "", "--data-dir", dir, "session", "login", "--server", ts.URL,
		"--email", "ana@example.com", "--password", "wrong-password"); err == nil || !strings.Contains(err.Error(), "invalid credentials") {
		t.Errorf("expected invalid credentials, got %v", err)
	}

	out := mustRunCLI(t, "", "--data-dir", dir, "session", "login", "--server", ts.URL,
		"--email", "ana@example.com", "--password", testPassword)
	if !strings.Contains(out, "Signed in as ana@example.com (staff, staff family)") {
		t.Errorf("unexpected login output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "sessions", syncbus.SessionKey(model.FamilyStaff)+".json")); err != nil {
		t.Errorf("session state not stored: %v", err)
	}

	out = mustRunCLI(t, "", "--data-dir", dir, "session", "status", "--server", ts.URL, "--check", "--json")
	var rows []struct {
		Family model.Family `json:"family"`
		Email  string       `json:"email"`
		Valid  string       `json:"valid"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if len(rows) != 1 || rows[0].Family != model.FamilyStaff || rows[0].Valid != "yes" {
		t.Fatalf("unexpected status: %+v", rows)
	}

	out = mustRunCLI(t, "", "--data-dir", dir, "session", "logout", "--server", ts.URL)
	if !strings.Contains(out, "Signed out ana@example.com (staff)") {
		t.Errorf("unexpected logout output: %s", out)
	}
	out = mustRunCLI(t, "", "--data-dir", dir, "session", "status")
	if !strings.Contains(out, "No stored sessions.") {
		t.Errorf("session survived logout: %s", out)
	}
}

func TestSessionWatchEndsOnUserLogout(t *testing.T) {
	ts := newAPIServer(t)
	dir := t.TempDir()
	mustRunCLI(t, "", "--data-dir", dir, "session", "login", "--server", ts.URL,
		"--email", "ana@example.com", "--password", testPassword)

	out := mustRunCLI(t, "\nstatus\nlogout\n", "--data-dir", dir, "session", "watch", "--server", ts.URL)
	for _, want := range []string{"Watching staff session for ana@example.com", "state=active", "Signed out (user)"} {
		if !strings.Contains(out, want) {
			t.Errorf("watch output missing %q:\n%s", want, out)
		}
	}
	out = mustRunCLI(t, "", "--data-dir", dir, "session", "status")
	if !strings.Contains(out, "No stored sessions.") {
		t.Errorf("logout was not broadcast: %s", out)
	}
}

func TestSessionWatchWithoutStoredSession(t *testing.T) {
	if _, err := runCLI(t, "", "--data-dir", t.TempDir(), "session", "watch"); err == nil {
		t.Error("expected error without a stored session")
	}
}

func TestLinePrompter(t *testing.T) {
	var out bytes.Buffer
	p := &linePrompter{out: &lockedWriter{w: &out}}

	if p.answer("") {
		t.Fatal("answer consumed a line with no open question")
	}

	ask := func(ctx context.Context) <-chan bool {
		result := make(chan bool, 1)
		go func() { result <- p.Confirm(ctx, 2*time.Minute) }()
		deadline := time.Now().Add(2 * time.Second)
		for {
			p.mu.Lock()
			open := p.reply != nil
			p.mu.Unlock()
			if open {
				return result
			}
			if time.Now().After(deadline) {
				t.Fatal("prompt never opened")
			}
			time.Sleep(time.Millisecond)
		}
	}

	tests := []struct {
		line string
		want bool
	}{
		{"", true},
		{"y", true},
		{"n", false},
		{"No", false},
	}
	for _, tt := range tests {
		result := ask(context.Background())
		if !p.answer(tt.line) {
			t.Fatalf("answer(%q) found no open question", tt.line)
		}
		if got := <-result; got != tt.want {
			t.Errorf("answer(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := ask(ctx)
	cancel()
	if <-result {
		t.Error("cancelled prompt confirmed")
	}
	if p.answer("") {
		t.Error("question still open after cancellation")
	}
}
