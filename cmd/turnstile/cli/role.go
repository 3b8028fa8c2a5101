package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turnstiledev/turnstile/internal/model"
)

func newRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Inspect the role hierarchy",
		Long:  "Roles are built in. Each has a privilege level, a storage family and a set of implied permissions.",
	}

	cmd.AddCommand(newRoleListCmd())

	return cmd
}

type roleRow struct {
	Name        model.Role   `json:"name"`
	Level       int          `json:"level"`
	Family      model.Family `json:"family"`
	Permissions []string     `json:"permissions"`
}

func roleRows() []roleRow {
	roles := model.Roles()
	rows := make([]roleRow, len(roles))
	for i, r := range roles {
		rows[i] = roleRow{
			Name:        r,
			Level:       model.LevelOf(r),
			Family:      model.FamilyOf(r),
			Permissions: model.EffectivePermissions(r, nil),
		}
	}
	return rows
}

func newRoleListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all roles, most privileged first",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			rows := roleRows()
			if jsonOutput {
				return printJSON(out, rows)
			}

			fmt.Fprintf(out, "%-12s %-6s %-10s %s\n", "NAME", "LEVEL", "FAMILY", "PERMISSIONS")
			fmt.Fprintf(out, "%-12s %-6s %-10s %s\n", "----", "-----", "------", "-----------")
			for _, r := range rows {
				fmt.Fprintf(out, "%-12s %-6d %-10s %s\n", r.Name, r.Level, r.Family, strings.Join(r.Permissions, ","))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
