// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package httpapi exposes the authentication facade as a JSON HTTP API.
// Sessions travel in an httpOnly cookie; every other payload is JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/observability"
)

// SessionCookie is the cookie carrying the opaque session token.
const SessionCookie = "gatehouse_session"

// Options holds transport-level settings.
type Options struct {
	// CookieDomain scopes the session cookie. Empty means host-only.
	CookieDomain string

	// SecureCookies marks the session cookie Secure. Disabled only for
	// local development over plain HTTP.
	SecureCookies bool
}

// Server serves the authentication API.
type Server struct {
	facade  *auth.Facade
	metrics *observability.Metrics
	logger  *slog.Logger
	opts    Options

	addr       string
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer creates the API server. metrics may be nil; counters are then
// dropped.
func NewServer(addr string, facade *auth.Facade, metrics *observability.Metrics, logger *slog.Logger, opts Options) (*Server, error) {
	if facade == nil {
		return nil, oops.Code("HTTPAPI_INVALID").Errorf("facade is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		facade:  facade,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
		addr:    addr,
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/auth/signup", s.route("/v1/auth/signup", s.handleSignUp))
	mux.HandleFunc("POST /v1/auth/verify-email", s.route("/v1/auth/verify-email", s.handleVerifyEmail))
	mux.HandleFunc("POST /v1/auth/signin", s.route("/v1/auth/signin", s.handleSignIn))
	mux.HandleFunc("POST /v1/auth/signout", s.route("/v1/auth/signout", s.handleSignOut))
	mux.HandleFunc("POST /v1/auth/external", s.route("/v1/auth/external", s.handleSignInExternal))

	mux.HandleFunc("POST /v1/auth/2fa/verify", s.route("/v1/auth/2fa/verify", s.handleTwoFactorVerify))
	mux.HandleFunc("POST /v1/auth/2fa/enroll", s.route("/v1/auth/2fa/enroll", s.handleTwoFactorEnroll))
	mux.HandleFunc("POST /v1/auth/2fa/confirm", s.route("/v1/auth/2fa/confirm", s.handleTwoFactorConfirm))
	mux.HandleFunc("POST /v1/auth/2fa/disable", s.route("/v1/auth/2fa/disable", s.handleTwoFactorDisable))

	mux.HandleFunc("POST /v1/auth/password-reset/request", s.route("/v1/auth/password-reset/request", s.handlePasswordResetRequest))
	mux.HandleFunc("POST /v1/auth/password-reset/complete", s.route("/v1/auth/password-reset/complete", s.handlePasswordResetComplete))

	mux.HandleFunc("POST /v1/auth/delete/request", s.route("/v1/auth/delete/request", s.handleDeleteRequest))
	mux.HandleFunc("POST /v1/auth/delete/confirm", s.route("/v1/auth/delete/confirm", s.handleDeleteConfirm))

	mux.HandleFunc("POST /v1/auth/passkeys/register/begin", s.route("/v1/auth/passkeys/register/begin", s.handlePasskeyRegisterBegin))
	mux.HandleFunc("POST /v1/auth/passkeys/register/finish", s.route("/v1/auth/passkeys/register/finish", s.handlePasskeyRegisterFinish))
	mux.HandleFunc("POST /v1/auth/passkeys/signin/begin", s.route("/v1/auth/passkeys/signin/begin", s.handlePasskeySignInBegin))
	mux.HandleFunc("POST /v1/auth/passkeys/signin/finish", s.route("/v1/auth/passkeys/signin/finish", s.handlePasskeySignInFinish))

	mux.HandleFunc("GET /v1/session", s.route("/v1/session", s.handleCurrentSession))
	mux.HandleFunc("GET /v1/sessions", s.route("/v1/sessions", s.handleListSessions))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.route("/v1/sessions/{id}", s.handleRevokeSession))
	mux.HandleFunc("POST /v1/sessions/revoke-others", s.route("/v1/sessions/revoke-others", s.handleRevokeOtherSessions))

	return mux
}

// route wraps a handler with request counting.
func (s *Server) route(pattern string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		}
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Start begins serving the API. Like the observability server it returns an
// error channel the caller monitors for serve failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("api server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_api_server").Wrap(err)
		}
	}
	s.logger.Info("api server stopped")
	return nil
}

// Addr returns the address the server is listening on, or empty when not
// running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// writeJSON renders a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect mid-write
	json.NewEncoder(w).Encode(body)
}

// decodeJSON parses a request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return oops.Code("AUTH_INVALID_INPUT").
			With("operation", "decode request body").
			Wrap(err)
	}
	return nil
}

// sessionMeta extracts client details for session listings.
func sessionMeta(r *http.Request) auth.SessionMetadata {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return auth.SessionMetadata{
		UserAgent: r.UserAgent(),
		IPAddress: host,
	}
}

// sessionToken pulls the session cookie value. Missing cookie returns an
// empty string; the facade rejects it with SESSION_TOKEN_EMPTY.
func sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// setSessionCookie installs the session cookie for a freshly minted session.
func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Domain:   s.opts.CookieDomain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie expires the session cookie.
func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Domain:   s.opts.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
