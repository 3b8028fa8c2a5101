package mcp

import (
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/turnstiledev/turnstile/internal/service"
)

// MCPServer exposes read-only authorization tools to AI agents: token
// verification, access checks, lockout status and the principal directory.
type MCPServer struct {
	auth       *service.AuthService
	principals *service.PrincipalService
	lockout    *service.LockoutGuard
	version    string
	logger     *slog.Logger
	server     *server.MCPServer
}

// NewMCPServer creates an MCPServer with all tools and resources registered.
// lockout may be nil when the server runs outside the process that owns the
// lockout table; the lockout tool is then not offered.
func NewMCPServer(auth *service.AuthService, principals *service.PrincipalService, lockout *service.LockoutGuard, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		auth:       auth,
		principals: principals,
		lockout:    lockout,
		version:    version,
		logger:     logger,
	}

	mcpServer := server.NewMCPServer(
		"Turnstile",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// HTTPHandler returns a Streamable HTTP handler for mounting inside the
// API server.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
