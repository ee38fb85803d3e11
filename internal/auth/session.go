// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	SessionTokenBytes    = 32 // 32 bytes = 64 hex chars
	DefaultSessionExpiry = 24 * time.Hour
)

// SessionMetadata carries client details shown in session listings.
type SessionMetadata struct {
	UserAgent string
	IPAddress string
}

// Session represents a client session. Trusted is false until any required
// second factor has completed. The transport layer only ever holds the
// opaque plaintext token, never the Session itself.
type Session struct {
	ID         ulid.ULID
	AccountID  ulid.ULID
	TokenHash  string
	UserAgent  string
	IPAddress  string
	Trusted    bool
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastSeenAt time.Time
	RevokedAt  *time.Time
}

// NewSession creates a validated Session instance. Metadata fields are
// optional and may be empty.
func NewSession(accountID ulid.ULID, tokenHash string, meta SessionMetadata, trusted bool, expiresAt time.Time) (*Session, error) {
	if accountID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_ACCOUNT").Errorf("account ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if expiresAt.IsZero() {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}

	now := time.Now()
	return &Session{
		ID:         ulid.Make(),
		AccountID:  accountID,
		TokenHash:  tokenHash,
		UserAgent:  meta.UserAgent,
		IPAddress:  meta.IPAddress,
		Trusted:    trusted,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		LastSeenAt: now,
	}, nil
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsExpiredAt returns true if the session would be expired at the given time.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// IsRevoked returns true if the session has been revoked or evicted.
func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// GenerateOpaqueToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error). The plaintext is handed to
// the client exactly once; only the hash is persisted.
func GenerateOpaqueToken() (token, hash string, err error) {
	raw := make([]byte, SessionTokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", oops.Code("TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(raw)
	hash = HashOpaqueToken(token)

	return token, hash, nil
}

// HashOpaqueToken computes the SHA256 hash of an opaque token for storage.
func HashOpaqueToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifyOpaqueToken checks if the plaintext token matches the stored hash
// using a constant-time comparison.
func VerifyOpaqueToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashOpaqueToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// SessionRepository manages session persistence.
type SessionRepository interface {
	// CreateWithLimit stores a new session, first revoking the oldest
	// non-revoked sessions of the account so that at most limit live
	// sessions exist immediately after the insert. Count, eviction, and
	// insert must be atomic per account. Returns the IDs of evicted
	// sessions in eviction order.
	CreateWithLimit(ctx context.Context, session *Session, limit int) ([]ulid.ULID, error)

	// GetByID retrieves a session by its ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Session, error)

	// GetByTokenHash retrieves a session by its token hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// ListByAccount retrieves all non-revoked sessions for an account in
	// creation-time order.
	ListByAccount(ctx context.Context, accountID ulid.ULID) ([]*Session, error)

	// PromoteTrust sets trusted=true on a session. Returns ErrAlreadyUsed
	// (wrapped) if the session is already trusted; trust is settable only
	// once.
	PromoteTrust(ctx context.Context, id ulid.ULID) error

	// UpdateLastSeen updates the LastSeenAt timestamp.
	UpdateLastSeen(ctx context.Context, id ulid.ULID, lastSeen time.Time) error

	// Revoke marks a session revoked.
	Revoke(ctx context.Context, id ulid.ULID) error

	// RevokeByAccount revokes all sessions of an account and returns the
	// number of sessions revoked.
	RevokeByAccount(ctx context.Context, accountID ulid.ULID) (int64, error)

	// DeleteExpired removes expired sessions and returns the count.
	DeleteExpired(ctx context.Context) (int64, error)
}
