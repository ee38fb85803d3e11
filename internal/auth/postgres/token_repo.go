// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// TokenRepository implements auth.TokenRepository using PostgreSQL.
type TokenRepository struct {
	pool dbPool
}

// NewTokenRepository creates a new PostgreSQL token repository.
func NewTokenRepository(pool dbPool) *TokenRepository {
	return &TokenRepository{pool: pool}
}

// Create persists a new token.
func (r *TokenRepository) Create(ctx context.Context, token *auth.Token) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tokens (id, kind, account_id, token_hash, expires_at, created_at, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, token.ID.String(), string(token.Kind), token.AccountID.String(),
		token.TokenHash, token.ExpiresAt, token.CreatedAt, token.UsedAt)
	if err != nil {
		return oops.Code("TOKEN_CREATE_FAILED").With("id", token.ID.String()).Wrap(err)
	}
	return nil
}

// Redeem marks the token spent and returns it. The conditional UPDATE makes
// lookup and mark-spent one atomic statement: of two concurrent redemptions,
// exactly one sees used_at IS NULL.
func (r *TokenRepository) Redeem(ctx context.Context, kind auth.TokenKind, tokenHash string) (*auth.Token, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE tokens SET used_at = NOW()
		WHERE kind = $1 AND token_hash = $2 AND used_at IS NULL
		RETURNING id, kind, account_id, token_hash, expires_at, created_at, used_at
	`, string(kind), tokenHash)

	token, err := scanTokenRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// The winning UPDATE matched nothing: either no such token, or it
		// was spent before.
		var usedExists bool
		checkErr := r.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM tokens
				WHERE kind = $1 AND token_hash = $2 AND used_at IS NOT NULL
			)
		`, string(kind), tokenHash).Scan(&usedExists)
		if checkErr != nil {
			return nil, oops.Code("TOKEN_GET_FAILED").Wrap(checkErr)
		}
		if usedExists {
			return nil, oops.Code("TOKEN_ALREADY_USED").Wrap(auth.ErrAlreadyUsed)
		}
		return nil, oops.Code("TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("TOKEN_REDEEM_FAILED").Wrap(err)
	}
	return token, nil
}

// DeleteByAccount removes all tokens of a kind for an account.
func (r *TokenRepository) DeleteByAccount(ctx context.Context, accountID ulid.ULID, kind auth.TokenKind) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM tokens WHERE account_id = $1 AND kind = $2
	`, accountID.String(), string(kind))
	if err != nil {
		return oops.Code("TOKEN_DELETE_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes expired tokens.
func (r *TokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, oops.Code("TOKEN_DELETE_FAILED").Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanTokenRow scans a single token from a row.
func scanTokenRow(row pgx.Row) (*auth.Token, error) {
	var token auth.Token
	var idStr, kindStr, accountIDStr string

	err := row.Scan(
		&idStr, &kindStr, &accountIDStr, &token.TokenHash,
		&token.ExpiresAt, &token.CreatedAt, &token.UsedAt,
	)
	if err != nil {
		return nil, err
	}

	token.Kind = auth.TokenKind(kindStr)
	token.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("TOKEN_PARSE_FAILED").With("field", "id").With("value", idStr).Wrap(err)
	}
	token.AccountID, err = ulid.Parse(accountIDStr)
	if err != nil {
		return nil, oops.Code("TOKEN_PARSE_FAILED").With("field", "account_id").With("value", accountIDStr).Wrap(err)
	}
	return &token, nil
}

// Compile-time interface check.
var _ auth.TokenRepository = (*TokenRepository)(nil)
