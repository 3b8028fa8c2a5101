package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/openapi"
)

const (
	rolesURI   = "turnstile://roles"
	openAPIURI = "turnstile://openapi"
)

func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(mcp.NewResource(
		rolesURI,
		"Role hierarchy",
		mcp.WithResourceDescription("Every role with its privilege level, storage family and implied permissions"),
		mcp.WithMIMEType("application/json"),
	), s.handleRolesResource)

	srv.AddResource(mcp.NewResource(
		openAPIURI,
		"OpenAPI document",
		mcp.WithResourceDescription("OpenAPI 3.1 description of the Turnstile HTTP API"),
		mcp.WithMIMEType("application/json"),
	), s.handleOpenAPIResource)
}

// roleInfo is one row of the role hierarchy.
type roleInfo struct {
	Role        model.Role   `json:"role"`
	Level       int          `json:"level"`
	Family      model.Family `json:"family"`
	Permissions []string     `json:"permissions"`
}

func roleTable() []roleInfo {
	roles := model.Roles()
	out := make([]roleInfo, 0, len(roles))
	for _, r := range roles {
		out = append(out, roleInfo{
			Role:        r,
			Level:       model.LevelOf(r),
			Family:      model.FamilyOf(r),
			Permissions: model.EffectivePermissions(r, nil),
		})
	}
	return out
}

func (s *MCPServer) handleRolesResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(roleTable(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal roles: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func (s *MCPServer) handleOpenAPIResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(openapi.Generate("", s.version), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal openapi: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
