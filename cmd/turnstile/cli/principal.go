package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/logger"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/service"
)

func newPrincipalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "principal",
		Aliases: []string{"user"},
		Short:   "Manage principals",
		Long:    "Create, list, enable and disable the admins, staff and candidates who can sign in.",
	}

	cmd.AddCommand(newPrincipalCreateCmd())
	cmd.AddCommand(newPrincipalListCmd())
	cmd.AddCommand(newPrincipalActiveCmd("enable", true))
	cmd.AddCommand(newPrincipalActiveCmd("disable", false))
	cmd.AddCommand(newPrincipalPasswdCmd())

	return cmd
}

// withStore loads settings, opens the store and runs fn against it.
func withStore(fn func(ctx context.Context, store *config.Store) error) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return fmt.Errorf("open principal store: %w", err)
	}
	defer store.Close()
	return fn(context.Background(), store)
}

// ---------- principal create ----------

func newPrincipalCreateCmd() *cobra.Command {
	var (
		email       string
		password    string
		name        string
		role        string
		permissions []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a principal",
		Example: `  turnstile principal create --email root@example.com --role super_admin
  turnstile principal create --email ana@example.com --role staff --grant reports.view`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.Contains(email, "@") {
				return fmt.Errorf("invalid email address: %q", email)
			}
			if !model.Role(role).Valid() {
				return fmt.Errorf("unknown role %q (see 'turnstile role list')", role)
			}
			if password == "" {
				pw, err := readPassword(cmd.InOrStdin(), cmd.OutOrStdout(), "Password: ", true)
				if err != nil {
					return err
				}
				password = pw
			}

			return withStore(func(ctx context.Context, store *config.Store) error {
				svc := service.NewPrincipalService(store, nil, logger.Discard())
				p, err := svc.Register(ctx, service.NewPrincipal{
					Email:       email,
					Name:        name,
					Role:        model.Role(role),
					Password:    password,
					Permissions: permissions,
				})
				if err != nil {
					return fmt.Errorf("create principal: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s %q (id %s)\n", p.Role, p.Email, p.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address used to sign in (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&role, "role", "", "Role: super_admin, admin, manager, staff, instructor or candidate (required)")
	cmd.Flags().StringSliceVar(&permissions, "grant", nil, "Explicit permission grant (repeatable)")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("role")

	return cmd
}

// ---------- principal list ----------

func newPrincipalListCmd() *cobra.Command {
	var (
		jsonOutput bool
		family     string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List principals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *config.Store) error {
				principals, err := store.ListPrincipals(ctx)
				if err != nil {
					return fmt.Errorf("list principals: %w", err)
				}

				rows := make([]model.PrincipalSummary, 0, len(principals))
				for i := range principals {
					s := principals[i].Summary()
					if family != "" && string(s.Family) != family {
						continue
					}
					rows = append(rows, s)
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, rows)
				}
				if len(rows) == 0 {
					fmt.Fprintln(out, "No principals found. Use 'turnstile principal create' to add one.")
					return nil
				}

				fmt.Fprintf(out, "%-36s %-30s %-12s %-10s %-8s\n", "ID", "EMAIL", "ROLE", "FAMILY", "ACTIVE")
				fmt.Fprintf(out, "%-36s %-30s %-12s %-10s %-8s\n", "--", "-----", "----", "------", "------")
				for _, r := range rows {
					active := "yes"
					if !r.IsActive {
						active = "no"
					}
					fmt.Fprintf(out, "%-36s %-30s %-12s %-10s %-8s\n", r.ID, r.Email, r.Role, r.Family, active)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&family, "family", "", "Only list principals in this family")

	return cmd
}

// ---------- principal enable / disable ----------

func newPrincipalActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <email>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *config.Store) error {
				p, err := store.GetPrincipalByEmail(ctx, args[0])
				if err != nil {
					return fmt.Errorf("find principal %q: %w", args[0], err)
				}
				if err := store.SetActive(ctx, p.ID, active); err != nil {
					return fmt.Errorf("update principal: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sd %q\n", strings.ToUpper(use[:1])+use[1:], p.Email)
				return nil
			})
		},
	}
}

// ---------- principal passwd ----------

func newPrincipalPasswdCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "passwd <email>",
		Short: "Set a principal's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				pw, err := readPassword(cmd.InOrStdin(), cmd.OutOrStdout(), "New password: ", true)
				if err != nil {
					return err
				}
				password = pw
			}
			hash, err := service.HashPassword(password)
			if err != nil {
				return err
			}
			return withStore(func(ctx context.Context, store *config.Store) error {
				p, err := store.GetPrincipalByEmail(ctx, args[0])
				if err != nil {
					return fmt.Errorf("find principal %q: %w", args[0], err)
				}
				if err := store.SetPasswordHash(ctx, p.ID, hash); err != nil {
					return fmt.Errorf("update password: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password updated for %q\n", p.Email)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "New password (prompted if omitted)")

	return cmd
}
