package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	tmcp "github.com/turnstiledev/turnstile/internal/mcp"
	"github.com/turnstiledev/turnstile/internal/service"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents over stdio",
		Long: `Start a Model Context Protocol (MCP) server on stdin/stdout that exposes token
verification, access checks and the principal directory as tools for AI agents.

The lockout table lives in the serve process, so the lockout status tool is only
offered by the HTTP endpoint that 'turnstile serve' mounts at /mcp.`,
		Example: `  turnstile mcp   # for Claude Desktop and other stdio MCP clients`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP()
		},
	}

	return cmd
}

func runMCP() error {
	// stdout carries the protocol; logs go to stderr.
	logger := slog.Default()

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return fmt.Errorf("init principal store: %w", err)
	}
	defer store.Close()

	tokens, err := newTokenService(settings)
	if err != nil {
		return err
	}
	authSvc := service.NewAuthService(store, tokens, service.NewLockoutGuard(), service.WithAuthLogger(logger))
	principals := service.NewPrincipalService(store, nil, logger)

	return tmcp.NewMCPServer(authSvc, principals, nil, versionString(), logger).ServeStdio()
}
