// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

func TestTokenRepository_Create(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	token := &auth.Token{
		ID:        ulid.Make(),
		Kind:      auth.TokenVerifyEmail,
		AccountID: ulid.Make(),
		TokenHash: "hash-1",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   bool
		errCode   string
	}{
		{
			name: "successful insert",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`INSERT INTO tokens`).
					WithArgs(token.ID.String(), "verify-email", token.AccountID.String(),
						"hash-1", token.ExpiresAt, token.CreatedAt, (*time.Time)(nil)).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
			},
		},
		{
			name: "database error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`INSERT INTO tokens`).
					WithArgs(token.ID.String(), "verify-email", token.AccountID.String(),
						"hash-1", token.ExpiresAt, token.CreatedAt, (*time.Time)(nil)).
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
			errCode: "TOKEN_CREATE_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err, "failed to create mock")
			defer mock.Close()

			tt.setupMock(mock)

			repo := NewTokenRepository(mock)
			err = repo.Create(context.Background(), token)

			if tt.wantErr {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, tt.errCode)
			} else {
				require.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestTokenRepository_Redeem(t *testing.T) {
	tokenID := ulid.Make()
	accountID := ulid.Make()
	now := time.Now().UTC().Truncate(time.Second)

	tokenColumns := []string{"id", "kind", "account_id", "token_hash", "expires_at", "created_at", "used_at"}

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   bool
		errCode   string
		wantIs    error
	}{
		{
			name: "successful redemption",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows(tokenColumns).
					AddRow(tokenID.String(), "reset-password", accountID.String(),
						"hash-1", now.Add(time.Hour), now, &now)
				mock.ExpectQuery(`UPDATE tokens SET used_at = NOW\(\)`).
					WithArgs("reset-password", "hash-1").
					WillReturnRows(rows)
			},
		},
		{
			name: "already used token",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE tokens SET used_at = NOW\(\)`).
					WithArgs("reset-password", "hash-1").
					WillReturnRows(pgxmock.NewRows(tokenColumns))
				mock.ExpectQuery(`SELECT EXISTS`).
					WithArgs("reset-password", "hash-1").
					WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
			},
			wantErr: true,
			errCode: "TOKEN_ALREADY_USED",
			wantIs:  auth.ErrAlreadyUsed,
		},
		{
			name: "unknown token",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE tokens SET used_at = NOW\(\)`).
					WithArgs("reset-password", "hash-1").
					WillReturnRows(pgxmock.NewRows(tokenColumns))
				mock.ExpectQuery(`SELECT EXISTS`).
					WithArgs("reset-password", "hash-1").
					WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
			},
			wantErr: true,
			errCode: "TOKEN_NOT_FOUND",
			wantIs:  auth.ErrNotFound,
		},
		{
			name: "database error on update",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE tokens SET used_at = NOW\(\)`).
					WithArgs("reset-password", "hash-1").
					WillReturnError(errors.New("connection lost"))
			},
			wantErr: true,
			errCode: "TOKEN_REDEEM_FAILED",
		},
		{
			name: "database error on used check",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`UPDATE tokens SET used_at = NOW\(\)`).
					WithArgs("reset-password", "hash-1").
					WillReturnRows(pgxmock.NewRows(tokenColumns))
				mock.ExpectQuery(`SELECT EXISTS`).
					WithArgs("reset-password", "hash-1").
					WillReturnError(errors.New("timeout"))
			},
			wantErr: true,
			errCode: "TOKEN_GET_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err, "failed to create mock")
			defer mock.Close()

			tt.setupMock(mock)

			repo := NewTokenRepository(mock)
			token, err := repo.Redeem(context.Background(), auth.TokenResetPassword, "hash-1")

			if tt.wantErr {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, tt.errCode)
				if tt.wantIs != nil {
					assert.ErrorIs(t, err, tt.wantIs)
				}
			} else {
				require.NoError(t, err)
				assert.Equal(t, tokenID, token.ID)
				assert.Equal(t, accountID, token.AccountID)
				assert.Equal(t, auth.TokenResetPassword, token.Kind)
				require.NotNil(t, token.UsedAt)
			}

			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestTokenRepository_DeleteByAccount(t *testing.T) {
	accountID := ulid.Make()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM tokens WHERE account_id = \$1 AND kind = \$2`).
		WithArgs(accountID.String(), "delete-account").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	repo := NewTokenRepository(mock)
	require.NoError(t, repo.DeleteByAccount(context.Background(), accountID, auth.TokenDeleteAccount))

	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}

func TestTokenRepository_DeleteExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM tokens WHERE expires_at < NOW\(\)`).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	repo := NewTokenRepository(mock)
	removed, err := repo.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
}
