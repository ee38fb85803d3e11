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

// TwoFactorChallengeRepository implements auth.TwoFactorChallengeRepository
// using PostgreSQL.
type TwoFactorChallengeRepository struct {
	pool dbPool
}

// NewTwoFactorChallengeRepository creates a new PostgreSQL challenge
// repository.
func NewTwoFactorChallengeRepository(pool dbPool) *TwoFactorChallengeRepository {
	return &TwoFactorChallengeRepository{pool: pool}
}

// Create persists a new challenge.
func (r *TwoFactorChallengeRepository) Create(ctx context.Context, challenge *auth.TwoFactorChallenge) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO twofactor_challenges (id, session_id, account_id, state, attempts, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, challenge.ID.String(), challenge.SessionID.String(), challenge.AccountID.String(),
		string(challenge.State), challenge.Attempts, challenge.ExpiresAt, challenge.CreatedAt)
	if err != nil {
		return oops.Code("TWOFACTOR_CREATE_FAILED").With("id", challenge.ID.String()).Wrap(err)
	}
	return nil
}

// GetByID retrieves a challenge.
func (r *TwoFactorChallengeRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.TwoFactorChallenge, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, session_id, account_id, state, attempts, expires_at, created_at
		FROM twofactor_challenges WHERE id = $1
	`, id.String())
	challenge, err := scanTwoFactorChallengeRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("TWOFACTOR_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("TWOFACTOR_GET_FAILED").With("id", id.String()).Wrap(err)
	}
	return challenge, nil
}

// RecordAttempt increments the attempt counter atomically and returns the
// new count.
func (r *TwoFactorChallengeRepository) RecordAttempt(ctx context.Context, id ulid.ULID) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE twofactor_challenges SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts
	`, id.String()).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, oops.Code("TWOFACTOR_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return 0, oops.Code("TWOFACTOR_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	return attempts, nil
}

// SetState transitions the challenge state.
func (r *TwoFactorChallengeRepository) SetState(ctx context.Context, id ulid.ULID, state auth.TwoFactorState) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE twofactor_challenges SET state = $2 WHERE id = $1
	`, id.String(), string(state))
	if err != nil {
		return oops.Code("TWOFACTOR_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("TWOFACTOR_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// DeleteExpired removes expired challenges.
func (r *TwoFactorChallengeRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM twofactor_challenges WHERE expires_at < NOW()`)
	if err != nil {
		return 0, oops.Code("TWOFACTOR_DELETE_FAILED").Wrap(err)
	}
	return result.RowsAffected(), nil
}

func scanTwoFactorChallengeRow(row pgx.Row) (*auth.TwoFactorChallenge, error) {
	var challenge auth.TwoFactorChallenge
	var idStr, sessionIDStr, accountIDStr, stateStr string

	err := row.Scan(
		&idStr, &sessionIDStr, &accountIDStr, &stateStr,
		&challenge.Attempts, &challenge.ExpiresAt, &challenge.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	challenge.State = auth.TwoFactorState(stateStr)
	challenge.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("TWOFACTOR_PARSE_FAILED").With("field", "id").With("value", idStr).Wrap(err)
	}
	challenge.SessionID, err = ulid.Parse(sessionIDStr)
	if err != nil {
		return nil, oops.Code("TWOFACTOR_PARSE_FAILED").With("field", "session_id").With("value", sessionIDStr).Wrap(err)
	}
	challenge.AccountID, err = ulid.Parse(accountIDStr)
	if err != nil {
		return nil, oops.Code("TWOFACTOR_PARSE_FAILED").With("field", "account_id").With("value", accountIDStr).Wrap(err)
	}
	return &challenge, nil
}

// PasskeyChallengeRepository implements auth.PasskeyChallengeRepository
// using PostgreSQL.
type PasskeyChallengeRepository struct {
	pool dbPool
}

// NewPasskeyChallengeRepository creates a new PostgreSQL passkey challenge
// repository.
func NewPasskeyChallengeRepository(pool dbPool) *PasskeyChallengeRepository {
	return &PasskeyChallengeRepository{pool: pool}
}

// Create persists a new challenge.
func (r *PasskeyChallengeRepository) Create(ctx context.Context, challenge *auth.PasskeyChallenge) error {
	var accountIDStr *string
	if challenge.AccountID != nil {
		s := challenge.AccountID.String()
		accountIDStr = &s
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO passkey_challenges (id, account_id, session_data, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, challenge.ID.String(), accountIDStr, challenge.SessionData,
		challenge.ExpiresAt, challenge.CreatedAt)
	if err != nil {
		return oops.Code("PASSKEY_CHALLENGE_CREATE_FAILED").With("id", challenge.ID.String()).Wrap(err)
	}
	return nil
}

// Consume retrieves and removes a challenge in one statement. DELETE ...
// RETURNING guarantees single use: of two concurrent completions exactly one
// gets the row.
func (r *PasskeyChallengeRepository) Consume(ctx context.Context, id ulid.ULID) (*auth.PasskeyChallenge, error) {
	row := r.pool.QueryRow(ctx, `
		DELETE FROM passkey_challenges WHERE id = $1
		RETURNING id, account_id, session_data, expires_at, created_at
	`, id.String())

	var challenge auth.PasskeyChallenge
	var idStr string
	var accountIDStr *string

	err := row.Scan(&idStr, &accountIDStr, &challenge.SessionData, &challenge.ExpiresAt, &challenge.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PASSKEY_CHALLENGE_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("PASSKEY_CHALLENGE_GET_FAILED").With("id", id.String()).Wrap(err)
	}

	challenge.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("PASSKEY_CHALLENGE_PARSE_FAILED").With("value", idStr).Wrap(err)
	}
	if accountIDStr != nil {
		accountID, err := ulid.Parse(*accountIDStr)
		if err != nil {
			return nil, oops.Code("PASSKEY_CHALLENGE_PARSE_FAILED").With("value", *accountIDStr).Wrap(err)
		}
		challenge.AccountID = &accountID
	}
	return &challenge, nil
}

// DeleteExpired removes expired challenges.
func (r *PasskeyChallengeRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM passkey_challenges WHERE expires_at < NOW()`)
	if err != nil {
		return 0, oops.Code("PASSKEY_CHALLENGE_DELETE_FAILED").Wrap(err)
	}
	return result.RowsAffected(), nil
}

// Compile-time interface checks.
var (
	_ auth.TwoFactorChallengeRepository = (*TwoFactorChallengeRepository)(nil)
	_ auth.PasskeyChallengeRepository   = (*PasskeyChallengeRepository)(nil)
)
