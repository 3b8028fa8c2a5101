package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level turnstile configuration file.
type YAMLConfig struct {
	Environment string        `yaml:"environment"`
	Server      ServerConfig  `yaml:"server"`
	Store       StoreConfig   `yaml:"store"`
	Auth        AuthConfig    `yaml:"auth"`
	Session     SessionConfig `yaml:"session"`
	Lockout     LockoutConfig `yaml:"lockout"`
	Logging     LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	LoginRateLimit  int        `yaml:"login_rate_limit"` // requests per minute per IP
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// StoreConfig selects the principal store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres, mysql
	DSN    string `yaml:"dsn,omitempty"`
}

// AuthConfig controls token issuance.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	Issuer           string `yaml:"issuer"`
	TokenTTL         string `yaml:"token_ttl"`
	RefreshThreshold string `yaml:"refresh_threshold"`
}

// SessionConfig controls the client-side session manager.
type SessionConfig struct {
	IdleTimeout       string `yaml:"idle_timeout"`
	WarningLead       string `yaml:"warning_lead"`
	KeepAliveTimeout  string `yaml:"keepalive_timeout"`
	KeepAliveInterval string `yaml:"keepalive_interval"`
	ServerURL         string `yaml:"server_url"`
	StateDir          string `yaml:"state_dir,omitempty"`
}

// LockoutConfig controls brute-force protection of login.
type LockoutConfig struct {
	Threshold     int    `yaml:"threshold"`
	Duration      string `yaml:"duration"`
	SweepInterval string `yaml:"sweep_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with the built-in defaults.
// The JWT secret is left empty; serve falls back to DevJWTSecret outside production.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			LoginRateLimit:  20,
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
		},
		Auth: AuthConfig{
			Issuer:           "turnstile",
			TokenTTL:         "1h",
			RefreshThreshold: "15m",
		},
		Session: SessionConfig{
			IdleTimeout:       "30m",
			WarningLead:       "2m",
			KeepAliveTimeout:  "5s",
			KeepAliveInterval: "5m",
			ServerURL:         "http://localhost:8080",
		},
		Lockout: LockoutConfig{
			Threshold:     5,
			Duration:      "15m",
			SweepInterval: "1m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Marshal renders the configuration as a YAML document.
func (c *YAMLConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	data, err := DefaultYAMLConfig().Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
