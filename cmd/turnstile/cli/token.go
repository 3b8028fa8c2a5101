package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/service"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and verify tokens",
		Long:  "Sign tokens for existing principals and inspect tokens with the configured secret. Intended for operators and tests.",
	}

	cmd.AddCommand(newTokenIssueCmd())
	cmd.AddCommand(newTokenVerifyCmd())

	return cmd
}

// ---------- token issue ----------

func newTokenIssueCmd() *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:     "issue",
		Short:   "Issue a token for a principal",
		Example: `  turnstile token issue --email ana@example.com --ttl 10m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			tokens, err := newTokenService(settings)
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, store *config.Store) error {
				p, err := store.GetPrincipalByEmail(ctx, email)
				if err != nil {
					return fmt.Errorf("find principal %q: %w", email, err)
				}
				if !p.IsActive {
					return fmt.Errorf("principal %q is disabled", p.Email)
				}
				token, claims, err := tokens.Issue(service.SubjectOf(p), ttl)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"token":      token,
					"token_type": "bearer",
					"expires_at": claims.ExpiresAt.Time,
					"principal":  p.Summary(),
				})
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Principal email (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.token_ttl)")
	cmd.MarkFlagRequired("email")

	return cmd
}

// ---------- token verify ----------

func newTokenVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			tokens, err := newTokenService(settings)
			if err != nil {
				return err
			}
			claims, err := tokens.Verify(args[0])
			if err != nil {
				var te *service.TokenError
				if errors.As(err, &te) {
					return fmt.Errorf("token rejected: %s", te.Reason)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"valid":      true,
				"subject":    claims.Subject,
				"email":      claims.Email,
				"role":       claims.Role,
				"family":     claims.Family,
				"expires_at": claims.ExpiresAt.Time,
				"remaining":  tokens.Remaining(claims).Round(time.Second).String(),
			})
		},
	}

	return cmd
}
