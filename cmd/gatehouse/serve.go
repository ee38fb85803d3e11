// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/auth/memory"
	authpg "github.com/gatehouse/gatehouse/internal/auth/postgres"
	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/httpapi"
	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/notify"
	"github.com/gatehouse/gatehouse/internal/observability"
	"github.com/gatehouse/gatehouse/internal/store"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication API server",
		Long: `Start the API server, the metrics endpoint, and the background
sweeper for expired sessions, tokens, and challenges.`,
		RunE: runServe,
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

// repositories bundles the five persistence ports behind one seam so dev
// mode and postgres mode wire identically.
type repositories struct {
	accounts           auth.AccountRepository
	sessions           auth.SessionRepository
	tokens             auth.TokenRepository
	twoFactorChallenge auth.TwoFactorChallengeRepository
	passkeyChallenge   auth.PasskeyChallengeRepository
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("gatehouse", version, cfg.Log.Format, cfg.Log.Level)
	logger := slog.Default()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var repos repositories
	if cfg.Dev {
		logger.Warn("dev mode: state is in-memory and lost on restart")
		repos = repositories{
			accounts:           memory.NewAccountRepository(),
			sessions:           memory.NewSessionRepository(),
			tokens:             memory.NewTokenRepository(),
			twoFactorChallenge: memory.NewTwoFactorChallengeRepository(),
			passkeyChallenge:   memory.NewPasskeyChallengeRepository(),
		}
	} else {
		pool, err := store.Open(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info("connected to database")

		repos = repositories{
			accounts:           authpg.NewAccountRepository(pool),
			sessions:           authpg.NewSessionRepository(pool),
			tokens:             authpg.NewTokenRepository(pool),
			twoFactorChallenge: authpg.NewTwoFactorChallengeRepository(pool),
			passkeyChallenge:   authpg.NewPasskeyChallengeRepository(pool),
		}
	}

	credentials, err := auth.NewCredentialStore(repos.accounts, auth.NewArgon2idHasher())
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionManagerWithLogger(repos.sessions, cfg.Auth.MaxSessions, cfg.Auth.SessionTTL, logger)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(repos.tokens, cfg.Auth.TokenTTLs())
	if err != nil {
		return err
	}
	twoFactor, err := auth.NewTwoFactorService(
		repos.twoFactorChallenge, credentials, sessions,
		cfg.Auth.TwoFactorIssuer, cfg.Auth.TwoFactorAttemptLimit, cfg.Auth.TwoFactorChallengeTTL,
	)
	if err != nil {
		return err
	}
	passkeys, err := auth.NewPasskeyService(
		cfg.Auth.RelyingParty(), repos.passkeyChallenge, credentials, sessions,
		cfg.Auth.PasskeyChallengeTTL,
	)
	if err != nil {
		return err
	}

	var notifier auth.Notifier
	if cfg.SMTP.Host == "" {
		notifier = notify.NewLogNotifier(logger)
	} else {
		notifier, err = notify.NewSMTPNotifier(notify.SMTPOptions{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}, logger)
		if err != nil {
			return err
		}
	}

	facade, err := auth.NewFacade(credentials, sessions, tokens, twoFactor, passkeys, notifier, logger, auth.FacadeConfig{
		RequireEmailVerification: cfg.Auth.RequireEmailVerification,
		FrontendBaseURL:          cfg.Auth.FrontendBaseURL,
	})
	if err != nil {
		return err
	}

	// Start observability first so readiness flips once the API is up.
	var metrics *observability.Metrics
	var obsServer *observability.Server
	var ready atomic.Bool
	if cfg.Observability.Listen != "" {
		obsServer = observability.NewServer(cfg.Observability.Listen, ready.Load)
		metrics = obsServer.Metrics()
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
	}

	apiServer, err := httpapi.NewServer(cfg.HTTP.Listen, facade, metrics, logger, httpapi.Options{
		CookieDomain:  cfg.HTTP.CookieDomain,
		SecureCookies: cfg.HTTP.SecureCookies && !cfg.Dev,
	})
	if err != nil {
		return err
	}
	apiErrCh, err := apiServer.Start()
	if err != nil {
		return err
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "api")
	ready.Store(true)

	go runSweeper(ctx, logger, cfg.Auth.SweepInterval, sessions, tokens, twoFactor, passkeys)

	logger.Info("gatehouse ready",
		"addr", apiServer.Addr(),
		"dev", cfg.Dev,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping api server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// runSweeper periodically deletes expired sessions, tokens, and challenges.
func runSweeper(
	ctx context.Context,
	logger *slog.Logger,
	interval time.Duration,
	sessions *auth.SessionManager,
	tokens *auth.TokenService,
	twoFactor *auth.TwoFactorService,
	passkeys *auth.PasskeyService,
) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, logger, sessions, tokens, twoFactor, passkeys)
		}
	}
}

func sweepOnce(
	ctx context.Context,
	logger *slog.Logger,
	sessions *auth.SessionManager,
	tokens *auth.TokenService,
	twoFactor *auth.TwoFactorService,
	passkeys *auth.PasskeyService,
) {
	type sweep struct {
		name string
		fn   func(context.Context) (int64, error)
	}
	for _, s := range []sweep{
		{"sessions", sessions.Sweep},
		{"tokens", tokens.Sweep},
		{"twofactor_challenges", twoFactor.Sweep},
		{"passkey_challenges", passkeys.Sweep},
	} {
		removed, err := s.fn(ctx)
		if err != nil {
			logger.Warn("sweep failed", "target", s.name, "error", err)
			continue
		}
		if removed > 0 {
			logger.Debug("sweep removed expired rows", "target", s.name, "count", removed)
		}
	}
}

// monitorServerErrors monitors a server's error channel and cancels the
// context on error so a failed listener tears the whole process down.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
