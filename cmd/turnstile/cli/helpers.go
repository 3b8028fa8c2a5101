package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/service"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// TURNSTILE_DATA_DIR env var, or ~/.turnstile as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("TURNSTILE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".turnstile")
}

// resolveStateDir returns the session state directory shared by terminals.
func resolveStateDir(s *config.Settings) string {
	if s.StateDir != "" {
		return s.StateDir
	}
	return filepath.Join(resolveDataDir(), "sessions")
}

// loadSettings reads the effective configuration from the global viper.
func loadSettings() (*config.Settings, error) {
	return config.LoadSettings(viper.GetViper())
}

// openStore opens the principal store the settings select. SQLite without
// an explicit DSN lives in the data directory.
func openStore(s *config.Settings) (*config.Store, error) {
	if (s.StoreDriver == config.DriverSQLite || s.StoreDriver == "") && s.StoreDSN == "" {
		return config.NewStore(resolveDataDir())
	}
	return config.Open(s.StoreDriver, s.StoreDSN)
}

// newTokenService builds the signer from the configured secret and TTL.
func newTokenService(s *config.Settings) (*service.TokenService, error) {
	return service.NewTokenService(s.SigningSecret(), s.Issuer, s.TokenTTL)
}

// readPassword prompts on the terminal without echo. When stdin is not a
// terminal it reads one line instead, so scripts can pipe the password in.
func readPassword(in io.Reader, out io.Writer, prompt string, confirm bool) (string, error) {
	br := bufio.NewReader(in)
	read := func(p string) (string, error) {
		fmt.Fprint(out, p)
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(out)
			return string(b), err
		}
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	password, err := read(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if !confirm {
		return password, nil
	}
	again, err := read("Confirm password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	if password != again {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
