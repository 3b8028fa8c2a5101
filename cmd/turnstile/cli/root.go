package cli

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/logger"
)

var (
	cfgFile    string
	appVersion string // set in Execute, reported by serve and the API description
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turnstile",
		Short: "Role-based authentication and session service",
		Long: `Turnstile: authentication, role-based access control and session lifecycle.

Turnstile issues signed tokens for admins, staff and candidates, gates routes by
role level and permission, locks out brute-force attempts, and keeps terminal
sessions in sync across processes that share a state directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./turnstile.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store and session state (default: ~/.turnstile)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	cmd.PersistentFlags().String("log-format", "", "log format: text or json")

	viper.BindPFlag("logging.level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.format", cmd.PersistentFlags().Lookup("log-format"))

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newPrincipalCmd())
	cmd.AddCommand(newRoleCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// initConfig layers defaults, the config file and TURNSTILE_* variables on
// the global viper instance, then installs the default logger.
func initConfig() error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("turnstile")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.turnstile")
	}

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional unless named explicitly.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return err
		}
	}

	logger.SetupDefault(nil, v.GetString("logging.level"), v.GetString("logging.format"))
	return nil
}
