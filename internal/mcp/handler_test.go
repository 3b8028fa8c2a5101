package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/logger"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/service"
)

const testSecret = "test-secret-for-mcp-tests-0123456789abcdef"

func TestMain(m *testing.M) {
	service.BcryptCost = bcrypt.MinCost
	m.Run()
}

type testEnv struct {
	srv        *MCPServer
	tokens     *service.TokenService
	lockout    *service.LockoutGuard
	principals *service.PrincipalService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tokens, err := service.NewTokenService(testSecret, "turnstile", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	log := logger.Discard()
	lockout := service.NewLockoutGuard(service.WithLockoutThreshold(2), service.WithLockoutLogger(log))
	auth := service.NewAuthService(store, tokens, lockout, service.WithAuthLogger(log))
	principals := service.NewPrincipalService(store, nil, log)

	return &testEnv{
		srv:        NewMCPServer(auth, principals, lockout, "test", log),
		tokens:     tokens,
		lockout:    lockout,
		principals: principals,
	}
}

func (e *testEnv) seed(t *testing.T, email string, role model.Role) (*model.Principal, string) {
	t.Helper()
	p, err := e.principals.Register(context.Background(), service.NewPrincipal{
		Email: email, Role: role, Password: "correct-horse-battery",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, _, err := e.tokens.Issue(service.SubjectOf(p), 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return p, token
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

// resultText returns the text of the first content block.
func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

func decodeResult(t *testing.T, res *mcp.CallToolResult, v interface{}) {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestVerifyToken(t *testing.T) {
	env := newTestEnv(t)
	p, token := env.seed(t, "ana@example.com", model.RoleStaff)
	ctx := context.Background()

	res, err := env.srv.handleVerifyToken(ctx, callRequest("turnstile_verify_token", map[string]interface{}{"token": token}))
	if err != nil {
		t.Fatalf("handleVerifyToken: %v", err)
	}
	var ok verifyResult
	decodeResult(t, res, &ok)
	if !ok.Valid || ok.Principal == nil || ok.Principal.ID != p.ID || ok.ExpiresAt == nil {
		t.Errorf("unexpected result: %+v", ok)
	}
	if ok.Principal.Family != model.FamilyStaff {
		t.Errorf("family = %q", ok.Principal.Family)
	}

	res, _ = env.srv.handleVerifyToken(ctx, callRequest("turnstile_verify_token", map[string]interface{}{"token": "garbage"}))
	var bad verifyResult
	decodeResult(t, res, &bad)
	if bad.Valid || bad.Reason == "" || bad.Principal != nil {
		t.Errorf("garbage token: %+v", bad)
	}

	res, _ = env.srv.handleVerifyToken(ctx, callRequest("turnstile_verify_token", map[string]interface{}{}))
	if !res.IsError {
		t.Error("missing token should be a tool error")
	}
}

func TestVerifyTokenDisabledPrincipal(t *testing.T) {
	env := newTestEnv(t)
	p, token := env.seed(t, "bo@example.com", model.RoleCandidate)
	admin := &service.Claims{Role: model.RoleAdmin}
	if _, err := env.principals.SetActive(context.Background(), admin, p.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	res, _ := env.srv.handleVerifyToken(context.Background(),
		callRequest("turnstile_verify_token", map[string]interface{}{"token": token}))
	var out verifyResult
	decodeResult(t, res, &out)
	if out.Valid {
		t.Error("disabled principal's token reported valid")
	}
}

func TestCheckAccess(t *testing.T) {
	env := newTestEnv(t)
	_, staff := env.seed(t, "staff@example.com", model.RoleStaff)
	_, admin := env.seed(t, "admin@example.com", model.RoleAdmin)

	tests := []struct {
		name    string
		args    map[string]interface{}
		allowed bool
		reason  model.Reason
		toolErr bool
	}{
		{"staff reads courses", map[string]interface{}{"token": staff, "permission": model.PermCoursesRead}, true, "", false},
		{"staff manages principals", map[string]interface{}{"token": staff, "permission": model.PermPrincipalsManage}, false, model.ReasonForbidden, false},
		{"admin meets manager", map[string]interface{}{"token": admin, "min_role": "manager"}, true, "", false},
		{"staff below manager", map[string]interface{}{"token": staff, "min_role": "manager"}, false, model.ReasonForbidden, false},
		{"bad token", map[string]interface{}{"token": "nope", "permission": model.PermCoursesRead}, false, model.ReasonUnauthenticated, false},
		{"no requirement", map[string]interface{}{"token": staff}, false, "", true},
		{"both requirements", map[string]interface{}{"token": staff, "permission": "x", "min_role": "staff"}, false, "", true},
		{"unknown role", map[string]interface{}{"token": staff, "min_role": "wizard"}, false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.srv.handleCheckAccess(context.Background(), callRequest("turnstile_check_access", tt.args))
			if err != nil {
				t.Fatalf("handleCheckAccess: %v", err)
			}
			if tt.toolErr {
				if !res.IsError {
					t.Errorf("expected tool error, got %s", resultText(t, res))
				}
				return
			}
			var out accessResult
			decodeResult(t, res, &out)
			if out.Allowed != tt.allowed || out.Reason != tt.reason {
				t.Errorf("got allowed=%v reason=%q, want %v %q", out.Allowed, out.Reason, tt.allowed, tt.reason)
			}
		})
	}
}

func TestLockoutStatus(t *testing.T) {
	env := newTestEnv(t)
	env.lockout.RecordFailure("eve@example.com")
	env.lockout.RecordFailure("eve@example.com")

	res, err := env.srv.handleLockoutStatus(context.Background(),
		callRequest("turnstile_lockout_status", map[string]interface{}{"identifier": "  EVE@example.com "}))
	if err != nil {
		t.Fatalf("handleLockoutStatus: %v", err)
	}
	var st service.LockoutStatus
	decodeResult(t, res, &st)
	if !st.Locked || st.UnlockAt == nil || st.Identifier != "eve@example.com" {
		t.Errorf("unexpected status: %+v", st)
	}

	res, _ = env.srv.handleLockoutStatus(context.Background(),
		callRequest("turnstile_lockout_status", map[string]interface{}{"identifier": "   "}))
	if !res.IsError {
		t.Error("blank identifier should be a tool error")
	}
}

func TestListPrincipals(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "a@example.com", model.RoleAdmin)
	env.seed(t, "m@example.com", model.RoleManager)
	env.seed(t, "c@example.com", model.RoleCandidate)

	tests := []struct {
		name  string
		args  map[string]interface{}
		count int
	}{
		{"all", map[string]interface{}{}, 3},
		{"by role", map[string]interface{}{"role": "manager"}, 1},
		{"by family", map[string]interface{}{"family": "staff"}, 1},
		{"empty family", map[string]interface{}{"family": "nobody"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.srv.handleListPrincipals(context.Background(), callRequest("turnstile_list_principals", tt.args))
			if err != nil {
				t.Fatalf("handleListPrincipals: %v", err)
			}
			var out struct {
				Principals []model.PrincipalSummary `json:"principals"`
				Count      int                      `json:"count"`
			}
			decodeResult(t, res, &out)
			if out.Count != tt.count || len(out.Principals) != tt.count {
				t.Errorf("count = %d (%d rows), want %d", out.Count, len(out.Principals), tt.count)
			}
		})
	}

	res, _ := env.srv.handleListPrincipals(context.Background(),
		callRequest("turnstile_list_principals", map[string]interface{}{"role": "wizard"}))
	if !res.IsError {
		t.Error("unknown role should be a tool error")
	}
}

func TestRolesResource(t *testing.T) {
	env := newTestEnv(t)
	var req mcp.ReadResourceRequest
	req.Params.URI = rolesURI

	contents, err := env.srv.handleRolesResource(context.Background(), req)
	if err != nil {
		t.Fatalf("handleRolesResource: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	var rows []roleInfo
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		t.Fatalf("decode roles: %v", err)
	}
	if len(rows) != len(model.Roles()) || rows[0].Role != model.RoleSuperAdmin {
		t.Errorf("unexpected role table: %+v", rows)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Level >= rows[i-1].Level {
			t.Errorf("roles not ordered by level at %d", i)
		}
	}
}

func TestOpenAPIResource(t *testing.T) {
	env := newTestEnv(t)
	var req mcp.ReadResourceRequest
	req.Params.URI = openAPIURI

	contents, err := env.srv.handleOpenAPIResource(context.Background(), req)
	if err != nil {
		t.Fatalf("handleOpenAPIResource: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, "/api/v1/auth/login") {
		t.Error("openapi resource missing login path")
	}
}

func TestLockoutToolOmittedWithoutGuard(t *testing.T) {
	env := newTestEnv(t)
	srv := NewMCPServer(env.srv.auth, env.principals, nil, "test", logger.Discard())
	if srv.Server() == nil {
		t.Fatal("nil mcp server")
	}
	if srv.lockout != nil {
		t.Error("lockout guard should be nil")
	}
}
