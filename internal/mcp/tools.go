package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/service"
)

func (s *MCPServer) registerTools(srv *server.MCPServer) {
	srv.AddTool(mcp.NewTool("turnstile_verify_token",
		mcp.WithDescription("Verify a Turnstile bearer token. Returns the principal it belongs to, "+
			"its effective permissions and expiry, or the reason it was rejected."),
		mcp.WithToolAnnotation(readOnlyAnnotation()),
		mcp.WithString("token", mcp.Required(), mcp.Description("The bearer token, without the 'Bearer ' prefix")),
	), s.handleVerifyToken)

	srv.AddTool(mcp.NewTool("turnstile_check_access",
		mcp.WithDescription("Decide whether a token is allowed through a gate. Provide either a "+
			"permission (e.g. 'principals.manage') or a minimum role (e.g. 'manager')."),
		mcp.WithToolAnnotation(readOnlyAnnotation()),
		mcp.WithString("token", mcp.Required(), mcp.Description("The bearer token to check")),
		mcp.WithString("permission", mcp.Description("Permission the gate requires")),
		mcp.WithString("min_role", mcp.Description("Least privileged role the gate admits")),
	), s.handleCheckAccess)

	if s.lockout != nil {
		srv.AddTool(mcp.NewTool("turnstile_lockout_status",
			mcp.WithDescription("Show whether an identifier is locked out after repeated failed logins, "+
				"when it unlocks and how many attempts remain."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("identifier", mcp.Required(), mcp.Description("Login identifier (email)")),
		), s.handleLockoutStatus)
	}

	srv.AddTool(mcp.NewTool("turnstile_list_principals",
		mcp.WithDescription("List principals with their role, family and effective permissions. "+
			"Optionally filter by role or family."),
		mcp.WithToolAnnotation(readOnlyAnnotation()),
		mcp.WithString("role", mcp.Description("Only principals holding this role")),
		mcp.WithString("family", mcp.Description("Only principals in this family: admin, staff or candidate")),
	), s.handleListPrincipals)
}

type verifyResult struct {
	Valid     bool                    `json:"valid"`
	Reason    string                  `json:"reason,omitempty"`
	Principal *model.PrincipalSummary `json:"principal,omitempty"`
	ExpiresAt *time.Time              `json:"expires_at,omitempty"`
}

func (s *MCPServer) handleVerifyToken(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := requireString(request, "token")
	if err != nil {
		return toolError("%v", err)
	}

	claims, p, err := s.auth.Validate(ctx, token)
	if err != nil {
		if !errors.Is(err, service.ErrInvalidToken) {
			return toolError("verify token: %v", err)
		}
		return successJSON(verifyResult{Reason: rejectionReason(err)})
	}

	summary := p.Summary()
	out := verifyResult{Valid: true, Principal: &summary}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		out.ExpiresAt = &exp
	}
	return successJSON(out)
}

// rejectionReason names why a token was refused. Operators see the detail
// that HTTP clients never do.
func rejectionReason(err error) string {
	var te *service.TokenError
	if errors.As(err, &te) {
		return string(te.Reason)
	}
	return err.Error()
}

type accessResult struct {
	Allowed     bool         `json:"allowed"`
	Requirement string       `json:"requirement"`
	Reason      model.Reason `json:"reason,omitempty"`
	PrincipalID string       `json:"principal_id,omitempty"`
	Role        model.Role   `json:"role,omitempty"`
}

func (s *MCPServer) handleCheckAccess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := requireString(request, "token")
	if err != nil {
		return toolError("%v", err)
	}
	perm := optionalString(request, "permission")
	minRole := model.Role(optionalString(request, "min_role"))

	var req service.Requirement
	switch {
	case perm != "" && minRole != "":
		return toolError("provide either permission or min_role, not both")
	case perm != "":
		req = service.RequirePermission(perm)
	case minRole != "":
		if !minRole.Valid() {
			return toolError("unknown role %q", minRole)
		}
		req = service.RequireRole(minRole)
	default:
		return toolError("one of permission or min_role is required")
	}

	claims, _, err := s.auth.Validate(ctx, token)
	if err != nil && !errors.Is(err, service.ErrInvalidToken) {
		return toolError("verify token: %v", err)
	}
	decision := service.Decide(claims, req)

	out := accessResult{Allowed: decision.Allowed, Requirement: req.String(), Reason: decision.Reason}
	if decision.Claims != nil {
		out.PrincipalID = decision.Claims.PrincipalID()
		out.Role = decision.Claims.Role
	}
	return successJSON(out)
}

func (s *MCPServer) handleLockoutStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifier, err := requireString(request, "identifier")
	if err != nil {
		return toolError("%v", err)
	}
	id := service.NormalizeIdentifier(identifier)
	if id == "" {
		return toolError("identifier is blank")
	}
	return successJSON(s.lockout.Status(id))
}

func (s *MCPServer) handleListPrincipals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := model.Role(optionalString(request, "role"))
	family := model.Family(optionalString(request, "family"))
	if role != "" && !role.Valid() {
		return toolError("unknown role %q", role)
	}

	principals, err := s.principals.List(ctx)
	if err != nil {
		return toolError("list principals: %v", err)
	}

	out := make([]model.PrincipalSummary, 0, len(principals))
	for i := range principals {
		p := &principals[i]
		if role != "" && p.Role != role {
			continue
		}
		if family != "" && model.FamilyOf(p.Role) != family {
			continue
		}
		out = append(out, p.Summary())
	}
	return successJSON(map[string]interface{}{
		"principals": out,
		"count":      len(out),
	})
}
