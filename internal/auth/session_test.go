// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth_test

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

func TestNewSession(t *testing.T) {
	accountID := ulid.Make()
	expiry := time.Now().Add(time.Hour)
	meta := auth.SessionMetadata{UserAgent: "test-agent", IPAddress: "203.0.113.7"}

	session, err := auth.NewSession(accountID, "somehash", meta, true, expiry)
	require.NoError(t, err)

	assert.NotEqual(t, ulid.ULID{}, session.ID)
	assert.Equal(t, accountID, session.AccountID)
	assert.Equal(t, "somehash", session.TokenHash)
	assert.Equal(t, "test-agent", session.UserAgent)
	assert.Equal(t, "203.0.113.7", session.IPAddress)
	assert.True(t, session.Trusted)
	assert.False(t, session.IsExpired())
	assert.False(t, session.IsRevoked())
}

func TestNewSession_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		accountID ulid.ULID
		tokenHash string
		expiresAt time.Time
		code      string
	}{
		{
			name:      "zero account",
			tokenHash: "hash",
			expiresAt: time.Now().Add(time.Hour),
			code:      "SESSION_INVALID_ACCOUNT",
		},
		{
			name:      "empty hash",
			accountID: ulid.Make(),
			expiresAt: time.Now().Add(time.Hour),
			code:      "SESSION_INVALID_HASH",
		},
		{
			name:      "zero expiry",
			accountID: ulid.Make(),
			tokenHash: "hash",
			code:      "SESSION_INVALID_EXPIRY",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.NewSession(tt.accountID, tt.tokenHash, auth.SessionMetadata{}, false, tt.expiresAt)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestGenerateOpaqueToken(t *testing.T) {
	token, hash, err := auth.GenerateOpaqueToken()
	require.NoError(t, err)

	assert.Len(t, token, auth.SessionTokenBytes*2) // hex encoding
	assert.Len(t, hash, 64)                        // sha256 hex
	assert.Equal(t, auth.HashOpaqueToken(token), hash)
}

func TestGenerateOpaqueToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		token, _, err := auth.GenerateOpaqueToken()
		require.NoError(t, err)
		require.False(t, seen[token], "duplicate token generated")
		seen[token] = true
	}
}

func TestVerifyOpaqueToken(t *testing.T) {
	token, hash, err := auth.GenerateOpaqueToken()
	require.NoError(t, err)

	assert.True(t, auth.VerifyOpaqueToken(token, hash))
	assert.False(t, auth.VerifyOpaqueToken("different", hash))
	assert.False(t, auth.VerifyOpaqueToken("", hash))
	assert.False(t, auth.VerifyOpaqueToken(token, ""))
}

func TestSession_IsExpiredAt(t *testing.T) {
	session, err := auth.NewSession(ulid.Make(), "hash", auth.SessionMetadata{}, false, time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.False(t, session.IsExpiredAt(session.ExpiresAt.Add(-time.Second)))
	assert.True(t, session.IsExpiredAt(session.ExpiresAt.Add(time.Second)))
}
