// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// TokenKind identifies the out-of-band confirmation flow a token belongs to.
type TokenKind string

// Recognized token kinds.
const (
	TokenVerifyEmail   TokenKind = "verify-email"
	TokenResetPassword TokenKind = "reset-password"
	TokenDeleteAccount TokenKind = "delete-account"
)

// Default token lifetimes.
const (
	DefaultResetTokenTTL  = time.Hour
	DefaultVerifyTokenTTL = 24 * time.Hour
	DefaultDeleteTokenTTL = 24 * time.Hour
)

// Valid reports whether k is a recognized token kind.
func (k TokenKind) Valid() bool {
	switch k {
	case TokenVerifyEmail, TokenResetPassword, TokenDeleteAccount:
		return true
	}
	return false
}

// Token is a single-use, time-limited confirmation credential. Only the
// SHA256 hash of the random value is stored; the plaintext is returned once
// at issue time.
type Token struct {
	ID        ulid.ULID
	Kind      TokenKind
	AccountID ulid.ULID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	UsedAt    *time.Time
}

// NewToken creates a validated Token.
func NewToken(kind TokenKind, accountID ulid.ULID, tokenHash string, expiresAt time.Time) (*Token, error) {
	if !kind.Valid() {
		return nil, oops.Code("TOKEN_INVALID_KIND").
			With("kind", string(kind)).
			Errorf("unknown token kind")
	}
	if accountID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("TOKEN_INVALID_ACCOUNT").Errorf("account ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("TOKEN_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if expiresAt.IsZero() {
		return nil, oops.Code("TOKEN_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}

	return &Token{
		ID:        ulid.Make(),
		Kind:      kind,
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}, nil
}

// IsExpired returns true if the token has expired.
func (t *Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// TokenRepository manages single-use token persistence.
type TokenRepository interface {
	// Create stores a new token.
	Create(ctx context.Context, token *Token) error

	// Redeem atomically marks the token of the given kind and hash as
	// spent and returns it. Exactly one of two concurrent redemptions of
	// the same value succeeds. Returns ErrNotFound (wrapped) if no such
	// token exists and ErrAlreadyUsed (wrapped) if it was spent before.
	// Expiry is NOT checked here; callers compare ExpiresAt themselves.
	Redeem(ctx context.Context, kind TokenKind, tokenHash string) (*Token, error)

	// DeleteByAccount removes all tokens of a kind for an account.
	DeleteByAccount(ctx context.Context, accountID ulid.ULID, kind TokenKind) error

	// DeleteExpired removes expired tokens and returns the count.
	DeleteExpired(ctx context.Context) (int64, error)
}
