// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

func TestNewAccount(t *testing.T) {
	account, err := auth.NewAccount("Alice@Example.COM", "alice", "somehash")
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", account.Email, "email is normalized to lowercase")
	assert.Equal(t, "alice", account.Username)
	assert.False(t, account.EmailVerified)
	assert.False(t, account.TwoFactorEnabled)
}

func TestNewAccount_OptionalFields(t *testing.T) {
	account, err := auth.NewAccount("bob@example.com", "", "")
	require.NoError(t, err)

	assert.Empty(t, account.Username)
	assert.Empty(t, account.PasswordHash)
	assert.Equal(t, "bob@example.com", account.DisplayName())
}

func TestNewAccount_EmptyEmail(t *testing.T) {
	_, err := auth.NewAccount("  ", "alice", "hash")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "ACCOUNT_INVALID_EMAIL")
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{name: "valid", username: "alice_99"},
		{name: "minimum length", username: "abc"},
		{name: "too short", username: "ab", wantErr: true},
		{name: "too long", username: "a234567890123456789012345678901", wantErr: true},
		{name: "starts with digit", username: "9lives", wantErr: true},
		{name: "starts with underscore", username: "_alice", wantErr: true},
		{name: "contains hyphen", username: "ali-ce", wantErr: true},
		{name: "contains space", username: "ali ce", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.ValidateUsername(tt.username)
			if tt.wantErr {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, "ACCOUNT_INVALID_USERNAME")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAccount_RecordFailure(t *testing.T) {
	account, err := auth.NewAccount("alice@example.com", "", "hash")
	require.NoError(t, err)

	for range auth.LockoutThreshold - 1 {
		account.RecordFailure()
		assert.False(t, account.IsLocked())
	}

	account.RecordFailure()
	assert.Equal(t, auth.LockoutThreshold, account.FailedAttempts)
	assert.True(t, account.IsLocked())

	account.RecordSuccess()
	assert.Zero(t, account.FailedAttempts)
	assert.False(t, account.IsLocked())
}

func TestCheckFailures_ProgressiveDelay(t *testing.T) {
	tests := []struct {
		failures  int
		wantDelay time.Duration
		wantLock  bool
	}{
		{failures: 0, wantDelay: 0},
		{failures: 1, wantDelay: time.Second},
		{failures: 2, wantDelay: 2 * time.Second},
		{failures: 5, wantDelay: 16 * time.Second},
		{failures: 6, wantDelay: 32 * time.Second},
		{failures: 7, wantLock: true},
		{failures: 20, wantLock: true},
	}
	for _, tt := range tests {
		state := auth.CheckFailures(tt.failures, nil)
		assert.Equal(t, tt.wantDelay, state.Delay, "failures=%d", tt.failures)
		assert.Equal(t, tt.wantLock, state.IsLockedOut, "failures=%d", tt.failures)
	}
}

func TestIsLockedOut(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)

	assert.False(t, auth.IsLockedOut(nil))
	assert.False(t, auth.IsLockedOut(&past))
	assert.True(t, auth.IsLockedOut(&future))
}

func TestComputeLockoutTime(t *testing.T) {
	assert.Nil(t, auth.ComputeLockoutTime(auth.LockoutThreshold-1))

	lockout := auth.ComputeLockoutTime(auth.LockoutThreshold)
	require.NotNil(t, lockout)
	assert.WithinDuration(t, time.Now().Add(auth.LockoutDuration), *lockout, time.Minute)
}
