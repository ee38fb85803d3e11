// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/auth/memory"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

func newTokenService(t *testing.T, ttls auth.TokenTTLs) (*auth.TokenService, *memory.TokenRepository) {
	t.Helper()
	repo := memory.NewTokenRepository()
	svc, err := auth.NewTokenService(repo, ttls)
	require.NoError(t, err)
	return svc, repo
}

func TestTokenService_IssueAndRedeem(t *testing.T) {
	svc, _ := newTokenService(t, auth.TokenTTLs{})
	accountID := ulid.Make()

	raw, token, err := svc.Issue(context.Background(), auth.TokenResetPassword, accountID)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Equal(t, auth.HashOpaqueToken(raw), token.TokenHash)
	assert.WithinDuration(t, time.Now().Add(auth.DefaultResetTokenTTL), token.ExpiresAt, time.Minute)

	redeemed, err := svc.Redeem(context.Background(), auth.TokenResetPassword, raw)
	require.NoError(t, err)
	assert.Equal(t, accountID, redeemed)
}

func TestTokenService_IssueFreshEntropy(t *testing.T) {
	svc, _ := newTokenService(t, auth.TokenTTLs{})
	accountID := ulid.Make()

	first, _, err := svc.Issue(context.Background(), auth.TokenResetPassword, accountID)
	require.NoError(t, err)
	second, _, err := svc.Issue(context.Background(), auth.TokenResetPassword, accountID)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestTokenService_RedeemUnknownToken(t *testing.T) {
	svc, _ := newTokenService(t, auth.TokenTTLs{})

	_, err := svc.Redeem(context.Background(), auth.TokenResetPassword, "never-issued")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TOKEN_INVALID")
}

func TestTokenService_RedeemEmptyToken(t *testing.T) {
	svc, _ := newTokenService(t, auth.TokenTTLs{})

	_, err := svc.Redeem(context.Background(), auth.TokenVerifyEmail, "")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TOKEN_INVALID")
}

func TestTokenService_RedeemWrongKind(t *testing.T) {
	svc, _ := newTokenService(t, auth.TokenTTLs{})

	raw, _, err := svc.Issue(context.Background(), auth.TokenVerifyEmail, ulid.Make())
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), auth.TokenResetPassword, raw)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TOKEN_INVALID")
}

func TestTokenService_RedeemTwice(t *testing.T) {
	svc, _ := newTokenService(t, auth.TokenTTLs{})

	raw, _, err := svc.Issue(context.Background(), auth.TokenResetPassword, ulid.Make())
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), auth.TokenResetPassword, raw)
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), auth.TokenResetPassword, raw)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TOKEN_ALREADY_USED")
}

func TestTokenService_RedeemConcurrent(t *testing.T) {
	svc, _ := newTokenService(t, auth.TokenTTLs{})

	raw, _, err := svc.Issue(context.Background(), auth.TokenResetPassword, ulid.Make())
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)

	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, redeemErr := svc.Redeem(context.Background(), auth.TokenResetPassword, raw)
			results <- redeemErr
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for redeemErr := range results {
		if redeemErr == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent redemption must win")
}

func TestTokenService_RedeemExpired(t *testing.T) {
	repo := memory.NewTokenRepository()
	svc, err := auth.NewTokenService(repo, auth.TokenTTLs{})
	require.NoError(t, err)

	// Seed a token whose window has already closed.
	raw, hash, err := auth.GenerateOpaqueToken()
	require.NoError(t, err)
	token, err := auth.NewToken(auth.TokenResetPassword, ulid.Make(), hash, time.Now().Add(time.Millisecond))
	require.NoError(t, err)
	token.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, repo.Create(context.Background(), token))

	_, err = svc.Redeem(context.Background(), auth.TokenResetPassword, raw)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TOKEN_EXPIRED")

	// The attempt consumed the token; a retry reports it as used.
	_, err = svc.Redeem(context.Background(), auth.TokenResetPassword, raw)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TOKEN_ALREADY_USED")
}

func TestTokenService_RedeemJustInsideWindow(t *testing.T) {
	repo := memory.NewTokenRepository()
	svc, err := auth.NewTokenService(repo, auth.TokenTTLs{})
	require.NoError(t, err)

	raw, hash, err := auth.GenerateOpaqueToken()
	require.NoError(t, err)
	token, err := auth.NewToken(auth.TokenResetPassword, ulid.Make(), hash, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), token))

	_, err = svc.Redeem(context.Background(), auth.TokenResetPassword, raw)
	assert.NoError(t, err)
}

func TestTokenService_Invalidate(t *testing.T) {
	svc, _ := newTokenService(t, auth.TokenTTLs{})
	accountID := ulid.Make()

	raw, _, err := svc.Issue(context.Background(), auth.TokenResetPassword, accountID)
	require.NoError(t, err)

	require.NoError(t, svc.Invalidate(context.Background(), accountID, auth.TokenResetPassword))

	_, err = svc.Redeem(context.Background(), auth.TokenResetPassword, raw)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TOKEN_INVALID")
}

func TestTokenService_Sweep(t *testing.T) {
	repo := memory.NewTokenRepository()
	svc, err := auth.NewTokenService(repo, auth.TokenTTLs{})
	require.NoError(t, err)

	_, hash, err := auth.GenerateOpaqueToken()
	require.NoError(t, err)
	expired, err := auth.NewToken(auth.TokenVerifyEmail, ulid.Make(), hash, time.Now().Add(time.Millisecond))
	require.NoError(t, err)
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, repo.Create(context.Background(), expired))

	_, _, err = svc.Issue(context.Background(), auth.TokenVerifyEmail, ulid.Make())
	require.NoError(t, err)

	n, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTokenService_CustomTTL(t *testing.T) {
	svc, _ := newTokenService(t, auth.TokenTTLs{ResetPassword: 10 * time.Minute})

	_, token, err := svc.Issue(context.Background(), auth.TokenResetPassword, ulid.Make())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), token.ExpiresAt, time.Minute)
}

func TestNewToken_InvalidKind(t *testing.T) {
	_, err := auth.NewToken(auth.TokenKind("bogus"), ulid.Make(), "hash", time.Now().Add(time.Hour))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TOKEN_INVALID_KIND")
}
