// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/observability"
)

// DefaultMaxSessions is the default cap on concurrently active sessions per
// account.
const DefaultMaxSessions = 6

// SessionManager creates, validates, caps, and revokes sessions.
type SessionManager struct {
	sessions    SessionRepository
	maxSessions int
	sessionTTL  time.Duration
	logger      *slog.Logger
}

// NewSessionManager creates a new SessionManager. maxSessions and sessionTTL
// fall back to defaults when zero.
func NewSessionManager(sessions SessionRepository, maxSessions int, sessionTTL time.Duration) (*SessionManager, error) {
	return NewSessionManagerWithLogger(sessions, maxSessions, sessionTTL, slog.Default())
}

// NewSessionManagerWithLogger creates a SessionManager with an explicit
// logger.
func NewSessionManagerWithLogger(sessions SessionRepository, maxSessions int, sessionTTL time.Duration, logger *slog.Logger) (*SessionManager, error) {
	if sessions == nil {
		return nil, oops.Code("SESSION_MANAGER_INVALID").Errorf("session repository is required")
	}
	if logger == nil {
		return nil, oops.Code("SESSION_MANAGER_INVALID").Errorf("logger is required")
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionExpiry
	}
	return &SessionManager{
		sessions:    sessions,
		maxSessions: maxSessions,
		sessionTTL:  sessionTTL,
		logger:      logger,
	}, nil
}

// Create mints a session for an account, enforcing the per-account cap by
// evicting the oldest live sessions first. Returns the session and the
// plaintext token to hand to the client.
func (m *SessionManager) Create(ctx context.Context, accountID ulid.ULID, meta SessionMetadata, trusted bool) (*Session, string, error) {
	token, tokenHash, err := GenerateOpaqueToken()
	if err != nil {
		return nil, "", oops.Code("SESSION_CREATE_FAILED").
			With("operation", "generate session token").
			Wrap(err)
	}

	session, err := NewSession(accountID, tokenHash, meta, trusted, time.Now().Add(m.sessionTTL))
	if err != nil {
		return nil, "", oops.Code("SESSION_CREATE_FAILED").
			With("operation", "construct session").
			Wrap(err)
	}

	evicted, err := m.sessions.CreateWithLimit(ctx, session, m.maxSessions)
	if err != nil {
		return nil, "", oops.Code("SESSION_CREATE_FAILED").
			With("operation", "persist session").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	if len(evicted) > 0 {
		observability.RecordSessionEvictions(len(evicted))
		m.logger.Info("evicted sessions over cap",
			"account_id", accountID.String(),
			"evicted", len(evicted),
		)
	}

	return session, token, nil
}

// Validate resolves a plaintext token to a live session. Fails with
// SESSION_INVALID, SESSION_EXPIRED, or SESSION_REVOKED. Expiry is checked
// against the clock at call time.
func (m *SessionManager) Validate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, oops.Code("SESSION_TOKEN_EMPTY").Errorf("session token cannot be empty")
	}

	session, err := m.sessions.GetByTokenHash(ctx, HashOpaqueToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("SESSION_INVALID").Errorf("invalid session token")
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	if session.IsRevoked() {
		return nil, oops.Code("SESSION_REVOKED").Errorf("session has been revoked")
	}
	if session.IsExpired() {
		return nil, oops.Code("SESSION_EXPIRED").Errorf("session has expired")
	}

	// Best effort; validation succeeds regardless.
	_ = m.sessions.UpdateLastSeen(ctx, session.ID, time.Now()) //nolint:errcheck

	return session, nil
}

// PromoteTrust marks a session trusted after its second factor completed.
// A session can be promoted at most once.
func (m *SessionManager) PromoteTrust(ctx context.Context, sessionID ulid.ULID) error {
	err := m.sessions.PromoteTrust(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("SESSION_NOT_FOUND").
				With("session_id", sessionID.String()).
				Wrap(err)
		}
		if errors.Is(err, ErrAlreadyUsed) {
			return oops.Code("SESSION_ALREADY_TRUSTED").
				With("session_id", sessionID.String()).
				Wrap(err)
		}
		return oops.Code("SESSION_PROMOTE_FAILED").
			With("session_id", sessionID.String()).
			Wrap(err)
	}
	return nil
}

// Revoke invalidates a single session.
func (m *SessionManager) Revoke(ctx context.Context, sessionID ulid.ULID) error {
	err := m.sessions.Revoke(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("SESSION_NOT_FOUND").
				With("session_id", sessionID.String()).
				Wrap(err)
		}
		return oops.Code("SESSION_REVOKE_FAILED").
			With("session_id", sessionID.String()).
			Wrap(err)
	}
	return nil
}

// RevokeAll invalidates every session of an account. Used after password
// reset and account deletion to force re-authentication everywhere.
func (m *SessionManager) RevokeAll(ctx context.Context, accountID ulid.ULID) (int64, error) {
	n, err := m.sessions.RevokeByAccount(ctx, accountID)
	if err != nil {
		return 0, oops.Code("SESSION_REVOKE_ALL_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return n, nil
}

// List returns the account's non-revoked sessions in creation-time order.
func (m *SessionManager) List(ctx context.Context, accountID ulid.ULID) ([]*Session, error) {
	sessions, err := m.sessions.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, oops.Code("SESSION_LIST_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return sessions, nil
}

// Sweep removes expired sessions and returns the count deleted.
func (m *SessionManager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.sessions.DeleteExpired(ctx)
	if err != nil {
		return 0, oops.Code("SESSION_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}
