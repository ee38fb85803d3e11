// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package config loads Gatehouse configuration from defaults, an optional
// YAML file, and command-line flags, in that order of precedence.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/xdg"
)

// Config is the full Gatehouse configuration tree.
type Config struct {
	Dev           bool                `koanf:"dev"`
	Log           LogConfig           `koanf:"log"`
	Database      DatabaseConfig      `koanf:"database"`
	HTTP          HTTPConfig          `koanf:"http"`
	Observability ObservabilityConfig `koanf:"observability"`
	Auth          AuthConfig          `koanf:"auth"`
	SMTP          SMTPConfig          `koanf:"smtp"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// DatabaseConfig holds the postgres connection settings.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Listen        string `koanf:"listen"`
	CookieDomain  string `koanf:"cookie_domain"`
	SecureCookies bool   `koanf:"secure_cookies"`
}

// ObservabilityConfig holds the metrics/health listener settings.
// An empty listen address disables the server.
type ObservabilityConfig struct {
	Listen string `koanf:"listen"`
}

// AuthConfig holds the authentication policy knobs.
type AuthConfig struct {
	FrontendBaseURL          string        `koanf:"frontend_base_url"`
	RequireEmailVerification bool          `koanf:"require_email_verification"`
	SessionTTL               time.Duration `koanf:"session_ttl"`
	MaxSessions              int           `koanf:"max_sessions"`
	VerifyTokenTTL           time.Duration `koanf:"verify_token_ttl"`
	ResetTokenTTL            time.Duration `koanf:"reset_token_ttl"`
	DeleteTokenTTL           time.Duration `koanf:"delete_token_ttl"`
	TwoFactorIssuer          string        `koanf:"twofactor_issuer"`
	TwoFactorAttemptLimit    int           `koanf:"twofactor_attempt_limit"`
	TwoFactorChallengeTTL    time.Duration `koanf:"twofactor_challenge_ttl"`
	PasskeyRPID              string        `koanf:"passkey_rp_id"`
	PasskeyRPName            string        `koanf:"passkey_rp_name"`
	PasskeyOrigins           []string      `koanf:"passkey_origins"`
	PasskeyChallengeTTL      time.Duration `koanf:"passkey_challenge_ttl"`
	SweepInterval            time.Duration `koanf:"sweep_interval"`
}

// SMTPConfig holds the outbound mail settings. An empty host disables
// delivery and mail is logged instead.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	From     string `koanf:"from"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// Default returns the configuration used when no file or flags are given.
func Default() Config {
	return Config{
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
		HTTP: HTTPConfig{
			Listen:        "127.0.0.1:8080",
			SecureCookies: true,
		},
		Observability: ObservabilityConfig{
			Listen: "127.0.0.1:9100",
		},
		Auth: AuthConfig{
			FrontendBaseURL:          "http://localhost:3000",
			RequireEmailVerification: true,
			SessionTTL:               auth.DefaultSessionExpiry,
			MaxSessions:              auth.DefaultMaxSessions,
			VerifyTokenTTL:           auth.DefaultVerifyTokenTTL,
			ResetTokenTTL:            auth.DefaultResetTokenTTL,
			DeleteTokenTTL:           auth.DefaultDeleteTokenTTL,
			TwoFactorIssuer:          "Gatehouse",
			TwoFactorAttemptLimit:    auth.DefaultTwoFactorAttemptLimit,
			TwoFactorChallengeTTL:    auth.DefaultTwoFactorChallengeTTL,
			PasskeyRPID:              "localhost",
			PasskeyRPName:            "Gatehouse",
			PasskeyOrigins:           []string{"http://localhost:3000"},
			PasskeyChallengeTTL:      auth.DefaultPasskeyChallengeTTL,
			SweepInterval:            10 * time.Minute,
		},
		SMTP: SMTPConfig{
			Port: 587,
			From: "no-reply@localhost",
		},
	}
}

// BindFlags registers the command-line flags the loader understands.
// Flag defaults mirror Default() so an unchanged flag never overrides a
// file value with something else.
func BindFlags(f *pflag.FlagSet) {
	d := Default()
	f.Bool("dev", d.Dev, "run with in-memory storage")
	f.String("listen", d.HTTP.Listen, "API listen address")
	f.String("metrics-addr", d.Observability.Listen, "metrics/health listen address (empty = disabled)")
	f.String("database-url", d.Database.URL, "postgres connection URL")
	f.String("log-format", d.Log.Format, "log format (json or text)")
	f.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	f.String("frontend-url", d.Auth.FrontendBaseURL, "frontend base URL used in e-mail links")
}

// flagKeys maps command-line flag names to config keys. Flags not listed
// here are ignored by the loader.
var flagKeys = map[string]string{
	"dev":          "dev",
	"listen":       "http.listen",
	"metrics-addr": "observability.listen",
	"database-url": "database.url",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"frontend-url": "auth.frontend_base_url",
}

// Load builds the configuration by layering defaults, the YAML file at
// path, and any changed flags. When path is empty the default location
// under the XDG config directory is used and a missing file is not an
// error; an explicitly given path must exist.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = xdg.ConfigFile()
	}

	_, statErr := os.Stat(path)
	if explicit || statErr == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").
				With("path", path).
				Wrap(err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithValue(flags, ".", k, func(key, value string) (string, any) {
			return flagKeys[key], value
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").
				With("source", "flags").
				Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").
			With("path", path).
			Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants the loaders cannot express.
func (c *Config) Validate() error {
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return oops.Code("CONFIG_INVALID").
			With("log_format", c.Log.Format).
			Errorf("log format must be 'json' or 'text'")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return oops.Code("CONFIG_INVALID").
			With("log_level", c.Log.Level).
			Errorf("log level must be one of debug, info, warn, error")
	}
	if c.HTTP.Listen == "" {
		return oops.Code("CONFIG_INVALID").Errorf("http listen address is required")
	}
	if !c.Dev && c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database url is required outside dev mode")
	}
	if c.Auth.FrontendBaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("frontend base url is required")
	}
	if c.Auth.PasskeyRPID == "" || len(c.Auth.PasskeyOrigins) == 0 {
		return oops.Code("CONFIG_INVALID").Errorf("passkey relying party id and origins are required")
	}
	return nil
}

// TokenTTLs converts the configured token lifetimes into the service form.
func (c *AuthConfig) TokenTTLs() auth.TokenTTLs {
	return auth.TokenTTLs{
		VerifyEmail:   c.VerifyTokenTTL,
		ResetPassword: c.ResetTokenTTL,
		DeleteAccount: c.DeleteTokenTTL,
	}
}

// RelyingParty converts the configured passkey settings into the service
// form.
func (c *AuthConfig) RelyingParty() auth.RelyingParty {
	return auth.RelyingParty{
		ID:      c.PasskeyRPID,
		Name:    c.PasskeyRPName,
		Origins: c.PasskeyOrigins,
	}
}
