// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// TokenTTLs configures per-kind token lifetimes. Zero values fall back to
// the defaults.
type TokenTTLs struct {
	VerifyEmail   time.Duration
	ResetPassword time.Duration
	DeleteAccount time.Duration
}

func (t TokenTTLs) forKind(kind TokenKind) time.Duration {
	var ttl time.Duration
	switch kind {
	case TokenVerifyEmail:
		ttl = t.VerifyEmail
		if ttl <= 0 {
			ttl = DefaultVerifyTokenTTL
		}
	case TokenResetPassword:
		ttl = t.ResetPassword
		if ttl <= 0 {
			ttl = DefaultResetTokenTTL
		}
	case TokenDeleteAccount:
		ttl = t.DeleteAccount
		if ttl <= 0 {
			ttl = DefaultDeleteTokenTTL
		}
	}
	return ttl
}

// TokenService issues and redeems single-use, time-limited tokens.
type TokenService struct {
	tokens TokenRepository
	ttls   TokenTTLs
}

// NewTokenService creates a new TokenService.
func NewTokenService(tokens TokenRepository, ttls TokenTTLs) (*TokenService, error) {
	if tokens == nil {
		return nil, oops.Code("TOKEN_SERVICE_INVALID").Errorf("token repository is required")
	}
	return &TokenService{tokens: tokens, ttls: ttls}, nil
}

// Issue generates a fresh token of the given kind for an account and returns
// the plaintext value. Every call produces new entropy; values are never
// reused.
func (s *TokenService) Issue(ctx context.Context, kind TokenKind, accountID ulid.ULID) (string, *Token, error) {
	raw, hash, err := GenerateOpaqueToken()
	if err != nil {
		return "", nil, oops.Code("TOKEN_ISSUE_FAILED").
			With("kind", string(kind)).
			Wrap(err)
	}

	token, err := NewToken(kind, accountID, hash, time.Now().Add(s.ttls.forKind(kind)))
	if err != nil {
		return "", nil, err
	}

	if err := s.tokens.Create(ctx, token); err != nil {
		return "", nil, oops.Code("TOKEN_ISSUE_FAILED").
			With("kind", string(kind)).
			With("account_id", accountID.String()).
			Wrap(err)
	}

	return raw, token, nil
}

// Redeem spends a token and returns the subject account ID. Redemption and
// mark-spent are a single atomic operation in the repository: of two
// concurrent redemptions of the same value, exactly one wins. Fails with
// TOKEN_INVALID, TOKEN_ALREADY_USED, or TOKEN_EXPIRED. An expired token is
// never redeemable, even if not yet purged.
func (s *TokenService) Redeem(ctx context.Context, kind TokenKind, raw string) (ulid.ULID, error) {
	if raw == "" {
		return ulid.ULID{}, oops.Code("TOKEN_INVALID").Errorf("token cannot be empty")
	}

	token, err := s.tokens.Redeem(ctx, kind, HashOpaqueToken(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ulid.ULID{}, oops.Code("TOKEN_INVALID").Errorf("token not found")
		}
		if errors.Is(err, ErrAlreadyUsed) {
			return ulid.ULID{}, oops.Code("TOKEN_ALREADY_USED").Errorf("token was already redeemed")
		}
		return ulid.ULID{}, oops.Code("TOKEN_REDEEM_FAILED").
			With("kind", string(kind)).
			Wrap(err)
	}

	// The token is consumed either way; it must never succeed past expiry.
	if token.IsExpired() {
		return ulid.ULID{}, oops.Code("TOKEN_EXPIRED").Errorf("token has expired")
	}

	return token.AccountID, nil
}

// Invalidate removes all outstanding tokens of a kind for an account.
func (s *TokenService) Invalidate(ctx context.Context, accountID ulid.ULID, kind TokenKind) error {
	if err := s.tokens.DeleteByAccount(ctx, accountID, kind); err != nil {
		return oops.Code("TOKEN_INVALIDATE_FAILED").
			With("kind", string(kind)).
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return nil
}

// Sweep removes expired tokens and returns the count deleted.
func (s *TokenService) Sweep(ctx context.Context) (int64, error) {
	n, err := s.tokens.DeleteExpired(ctx)
	if err != nil {
		return 0, oops.Code("TOKEN_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}
