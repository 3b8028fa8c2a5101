package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/jellydator/validation"
	"github.com/spf13/viper"
)

// DevJWTSecret is the signing secret used when none is configured outside
// production. It is public, so production refuses to start with it.
const DevJWTSecret = "turnstile-dev-secret-change-me-0123456789"

// ErrDevSecretInProduction is returned by CheckProduction when production is
// configured without a real signing secret.
var ErrDevSecretInProduction = errors.New("auth.jwt_secret must be set in production")

// Settings is the typed, validated view of the effective configuration
// (file, TURNSTILE_* environment and flags merged by viper).
type Settings struct {
	Environment string

	Host            string
	Port            int
	ShutdownTimeout time.Duration
	LoginRateLimit  int
	CORSOrigins     []string

	StoreDriver string
	StoreDSN    string

	JWTSecret        string
	Issuer           string
	TokenTTL         time.Duration
	RefreshThreshold time.Duration

	IdleTimeout       time.Duration
	WarningLead       time.Duration
	KeepAliveTimeout  time.Duration
	KeepAliveInterval time.Duration
	ServerURL         string
	StateDir          string

	LockoutThreshold int
	LockoutDuration  time.Duration
	SweepInterval    time.Duration

	LogLevel  string
	LogFormat string
}

// SetDefaults registers the built-in defaults on v and configures the
// TURNSTILE_ environment prefix, so auth.jwt_secret reads TURNSTILE_AUTH_JWT_SECRET.
func SetDefaults(v *viper.Viper) {
	d := DefaultYAMLConfig()
	v.SetDefault("environment", d.Environment)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.login_rate_limit", d.Server.LoginRateLimit)
	v.SetDefault("server.cors.origins", d.Server.CORS.Origins)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.refresh_threshold", d.Auth.RefreshThreshold)
	v.SetDefault("session.idle_timeout", d.Session.IdleTimeout)
	v.SetDefault("session.warning_lead", d.Session.WarningLead)
	v.SetDefault("session.keepalive_timeout", d.Session.KeepAliveTimeout)
	v.SetDefault("session.keepalive_interval", d.Session.KeepAliveInterval)
	v.SetDefault("session.server_url", d.Session.ServerURL)
	v.SetDefault("session.state_dir", d.Session.StateDir)
	v.SetDefault("lockout.threshold", d.Lockout.Threshold)
	v.SetDefault("lockout.duration", d.Lockout.Duration)
	v.SetDefault("lockout.sweep_interval", d.Lockout.SweepInterval)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetEnvPrefix("TURNSTILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadSettings reads the effective configuration out of v and validates it.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	p := durationParser{v: v}
	s := &Settings{
		Environment:       strings.ToLower(v.GetString("environment")),
		Host:              v.GetString("server.host"),
		Port:              v.GetInt("server.port"),
		ShutdownTimeout:   p.get("server.shutdown_timeout"),
		LoginRateLimit:    v.GetInt("server.login_rate_limit"),
		CORSOrigins:       v.GetStringSlice("server.cors.origins"),
		StoreDriver:       v.GetString("store.driver"),
		StoreDSN:          v.GetString("store.dsn"),
		JWTSecret:         v.GetString("auth.jwt_secret"),
		Issuer:            v.GetString("auth.issuer"),
		TokenTTL:          p.get("auth.token_ttl"),
		RefreshThreshold:  p.get("auth.refresh_threshold"),
		IdleTimeout:       p.get("session.idle_timeout"),
		WarningLead:       p.get("session.warning_lead"),
		KeepAliveTimeout:  p.get("session.keepalive_timeout"),
		KeepAliveInterval: p.get("session.keepalive_interval"),
		ServerURL:         v.GetString("session.server_url"),
		StateDir:          v.GetString("session.state_dir"),
		LockoutThreshold:  v.GetInt("lockout.threshold"),
		LockoutDuration:   p.get("lockout.duration"),
		SweepInterval:     p.get("lockout.sweep_interval"),
		LogLevel:          v.GetString("logging.level"),
		LogFormat:         v.GetString("logging.format"),
	}
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

type durationParser struct {
	v    *viper.Viper
	errs []error
}

func (p *durationParser) get(key string) time.Duration {
	raw := strings.TrimSpace(p.v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
	}
	return d
}

// Validate checks ranges and cross-field constraints.
func (s *Settings) Validate() error {
	positive := []validation.Rule{validation.Required, validation.Min(time.Duration(1))}
	return validation.ValidateStruct(s,
		validation.Field(&s.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&s.StoreDriver, validation.In(DriverSQLite, DriverPostgres, DriverMySQL)),
		validation.Field(&s.StoreDSN, validation.When(s.StoreDriver != DriverSQLite && s.StoreDriver != "",
			validation.Required.Error("is required for postgres and mysql"))),
		validation.Field(&s.Issuer, validation.Required),
		validation.Field(&s.TokenTTL, positive...),
		validation.Field(&s.RefreshThreshold, validation.Min(time.Duration(0)),
			validation.By(func(interface{}) error {
				if s.RefreshThreshold >= s.TokenTTL {
					return validation.NewError("validation_refresh_threshold", "must be shorter than auth.token_ttl")
				}
				return nil
			})),
		validation.Field(&s.IdleTimeout, positive...),
		validation.Field(&s.WarningLead, validation.Min(time.Duration(0)),
			validation.By(func(interface{}) error {
				if s.WarningLead >= s.IdleTimeout {
					return validation.NewError("validation_warning_lead", "must be shorter than session.idle_timeout")
				}
				return nil
			})),
		validation.Field(&s.KeepAliveTimeout, positive...),
		validation.Field(&s.KeepAliveInterval, positive...),
		validation.Field(&s.LockoutThreshold, validation.Required, validation.Min(1)),
		validation.Field(&s.LockoutDuration, positive...),
		validation.Field(&s.SweepInterval, positive...),
		validation.Field(&s.LogFormat, validation.In("text", "json")),
		validation.Field(&s.LogLevel, validation.In("debug", "info", "warn", "error")),
	)
}

// IsProduction reports whether the environment is production.
func (s *Settings) IsProduction() bool {
	return s.Environment == "production" || s.Environment == "prod"
}

// SigningSecret returns the configured secret, or DevJWTSecret when unset.
func (s *Settings) SigningSecret() string {
	if s.JWTSecret == "" {
		return DevJWTSecret
	}
	return s.JWTSecret
}

// DefaultedKeys lists the security-relevant keys still at their built-in
// default. Serve warns about each one in production.
func (s *Settings) DefaultedKeys() []string {
	d := DefaultYAMLConfig()
	var keys []string
	if s.JWTSecret == "" || s.JWTSecret == DevJWTSecret {
		keys = append(keys, "auth.jwt_secret")
	}
	if dur, _ := time.ParseDuration(d.Auth.TokenTTL); s.TokenTTL == dur {
		keys = append(keys, "auth.token_ttl")
	}
	if dur, _ := time.ParseDuration(d.Session.IdleTimeout); s.IdleTimeout == dur {
		keys = append(keys, "session.idle_timeout")
	}
	if s.LockoutThreshold == d.Lockout.Threshold {
		keys = append(keys, "lockout.threshold")
	}
	if dur, _ := time.ParseDuration(d.Lockout.Duration); s.LockoutDuration == dur {
		keys = append(keys, "lockout.duration")
	}
	return keys
}

// CheckProduction refuses production deployments that would sign tokens
// with the public development secret.
func (s *Settings) CheckProduction() error {
	if !s.IsProduction() {
		return nil
	}
	if s.JWTSecret == "" || s.JWTSecret == DevJWTSecret {
		return ErrDevSecretInProduction
	}
	return nil
}

// YAML converts the settings back into the file representation.
func (s *Settings) YAML() *YAMLConfig {
	return &YAMLConfig{
		Environment: s.Environment,
		Server: ServerConfig{
			Host:            s.Host,
			Port:            s.Port,
			ShutdownTimeout: s.ShutdownTimeout.String(),
			LoginRateLimit:  s.LoginRateLimit,
			CORS:            CORSConfig{Origins: s.CORSOrigins},
		},
		Store: StoreConfig{Driver: s.StoreDriver, DSN: redact(s.StoreDSN)},
		Auth: AuthConfig{
			JWTSecret:        redact(s.JWTSecret),
			Issuer:           s.Issuer,
			TokenTTL:         s.TokenTTL.String(),
			RefreshThreshold: s.RefreshThreshold.String(),
		},
		Session: SessionConfig{
			IdleTimeout:       s.IdleTimeout.String(),
			WarningLead:       s.WarningLead.String(),
			KeepAliveTimeout:  s.KeepAliveTimeout.String(),
			KeepAliveInterval: s.KeepAliveInterval.String(),
			ServerURL:         s.ServerURL,
			StateDir:          s.StateDir,
		},
		Lockout: LockoutConfig{
			Threshold:     s.LockoutThreshold,
			Duration:      s.LockoutDuration.String(),
			SweepInterval: s.SweepInterval.String(),
		},
		Logging: LoggingConfig{Level: s.LogLevel, Format: s.LogFormat},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
