// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatehouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(f)
	require.NoError(t, f.Parse(args))
	return f
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("", newFlags(t, "--dev"))
	require.NoError(t, err)

	assert.True(t, cfg.Dev)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Listen)
	assert.Equal(t, "127.0.0.1:9100", cfg.Observability.Listen)
	assert.Equal(t, auth.DefaultMaxSessions, cfg.Auth.MaxSessions)
	assert.Equal(t, auth.DefaultSessionExpiry, cfg.Auth.SessionTTL)
	assert.Equal(t, auth.DefaultTwoFactorAttemptLimit, cfg.Auth.TwoFactorAttemptLimit)
	assert.Equal(t, "Gatehouse", cfg.Auth.TwoFactorIssuer)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://gatehouse@localhost/gatehouse
http:
  listen: "0.0.0.0:8443"
auth:
  frontend_base_url: https://app.example.com
  session_ttl: 48h
  max_sessions: 3
  passkey_rp_id: example.com
  passkey_origins:
    - https://app.example.com
smtp:
  host: mail.example.com
  from: auth@example.com
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "postgres://gatehouse@localhost/gatehouse", cfg.Database.URL)
	assert.Equal(t, "0.0.0.0:8443", cfg.HTTP.Listen)
	assert.Equal(t, "https://app.example.com", cfg.Auth.FrontendBaseURL)
	assert.Equal(t, 48*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 3, cfg.Auth.MaxSessions)
	assert.Equal(t, "example.com", cfg.Auth.PasskeyRPID)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Auth.PasskeyOrigins)
	assert.Equal(t, "mail.example.com", cfg.SMTP.Host)
	assert.Equal(t, "auth@example.com", cfg.SMTP.From)

	// Untouched sections keep their defaults.
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, auth.DefaultResetTokenTTL, cfg.Auth.ResetTokenTTL)
}

func TestLoad_FlagOverridesFile(t *testing.T) {
	path := writeConfig(t, `
dev: true
http:
  listen: "127.0.0.1:8080"
log:
  level: info
`)

	cfg, err := Load(path, newFlags(t, "--listen", "127.0.0.1:9999", "--log-level", "debug"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Dev)
}

func TestLoad_FileOverridesUnchangedFlag(t *testing.T) {
	path := writeConfig(t, `
dev: true
http:
  listen: "0.0.0.0:8443"
`)

	cfg, err := Load(path, newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8443", cfg.HTTP.Listen)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, "http: [not: a: mapping")
	_, err := Load(path, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err := Load("", nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Dev = true
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"empty listen", func(c *Config) { c.HTTP.Listen = "" }},
		{"no database outside dev", func(c *Config) { c.Dev = false }},
		{"empty frontend url", func(c *Config) { c.Auth.FrontendBaseURL = "" }},
		{"no passkey origins", func(c *Config) { c.Auth.PasskeyOrigins = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			require.NoError(t, cfg.Validate())

			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
		})
	}
}

func TestAuthConfig_Conversions(t *testing.T) {
	cfg := Default()

	ttls := cfg.Auth.TokenTTLs()
	assert.Equal(t, auth.DefaultVerifyTokenTTL, ttls.VerifyEmail)
	assert.Equal(t, auth.DefaultResetTokenTTL, ttls.ResetPassword)
	assert.Equal(t, auth.DefaultDeleteTokenTTL, ttls.DeleteAccount)

	rp := cfg.Auth.RelyingParty()
	assert.Equal(t, "localhost", rp.ID)
	assert.Equal(t, "Gatehouse", rp.Name)
	assert.Equal(t, []string{"http://localhost:3000"}, rp.Origins)
}
