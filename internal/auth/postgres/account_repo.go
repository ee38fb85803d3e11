// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package postgres implements the auth repositories using PostgreSQL.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// AccountRepository implements auth.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool dbPool
}

// NewAccountRepository creates a new PostgreSQL account repository.
func NewAccountRepository(pool dbPool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

const accountColumns = `id, email, username, password_hash, email_verified,
	twofactor_enabled, twofactor_secret, failed_attempts, locked_until,
	created_at, updated_at`

// Create persists a new account. The unique indexes on email and username
// make the existence check and insert a single atomic operation.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, account.ID.String(), account.Email, account.Username, account.PasswordHash,
		account.EmailVerified, account.TwoFactorEnabled, account.TwoFactorSecret,
		account.FailedAttempts, account.LockedUntil, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("ACCOUNT_CONFLICT").
				With("email", account.Email).
				Wrap(auth.ErrConflict)
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").With("id", account.ID.String()).Wrap(err)
	}
	return nil
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1
	`, id.String())
	account, err := scanAccountRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_FAILED").With("id", id.String()).Wrap(err)
	}
	return account, nil
}

// GetByEmail retrieves an account by email, case-insensitively.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE LOWER(email) = LOWER($1)
	`, email)
	account, err := scanAccountRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_FAILED").Wrap(err)
	}
	return account, nil
}

// GetByIdentifier retrieves an account by email or username,
// case-insensitively.
func (r *AccountRepository) GetByIdentifier(ctx context.Context, identifier string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE LOWER(email) = LOWER($1)
		   OR (username <> '' AND LOWER(username) = LOWER($1))
	`, identifier)
	account, err := scanAccountRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_FAILED").Wrap(err)
	}
	return account, nil
}

// Update modifies an existing account.
func (r *AccountRepository) Update(ctx context.Context, account *auth.Account) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE accounts SET
			password_hash = $2, email_verified = $3, twofactor_enabled = $4,
			twofactor_secret = $5, failed_attempts = $6, locked_until = $7,
			updated_at = $8
		WHERE id = $1
	`, account.ID.String(), account.PasswordHash, account.EmailVerified,
		account.TwoFactorEnabled, account.TwoFactorSecret, account.FailedAttempts,
		account.LockedUntil, account.UpdatedAt)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").With("id", account.ID.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", account.ID.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// UpdatePassword updates only the password hash.
func (r *AccountRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, id.String(), passwordHash)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// SetEmailVerified marks the account's email as verified.
func (r *AccountRepository) SetEmailVerified(ctx context.Context, id ulid.ULID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE accounts SET email_verified = TRUE, updated_at = NOW() WHERE id = $1
	`, id.String())
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// SetTwoFactor updates the 2FA flag and secret together.
func (r *AccountRepository) SetTwoFactor(ctx context.Context, id ulid.ULID, enabled bool, secret string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE accounts SET twofactor_enabled = $2, twofactor_secret = $3, updated_at = NOW()
		WHERE id = $1
	`, id.String(), enabled, secret)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// AddPasskey stores a passkey credential.
func (r *AccountRepository) AddPasskey(ctx context.Context, cred *auth.PasskeyCredential) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO passkey_credentials (credential_id, account_id, credential, created_at)
		VALUES ($1, $2, $3, $4)
	`, cred.CredentialID, cred.AccountID.String(), cred.Credential, cred.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("PASSKEY_CONFLICT").Wrap(auth.ErrConflict)
		}
		return oops.Code("PASSKEY_CREATE_FAILED").
			With("account_id", cred.AccountID.String()).
			Wrap(err)
	}
	return nil
}

// ListPasskeys returns the account's credentials in registration order.
func (r *AccountRepository) ListPasskeys(ctx context.Context, accountID ulid.ULID) ([]*auth.PasskeyCredential, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT credential_id, account_id, credential, created_at
		FROM passkey_credentials WHERE account_id = $1
		ORDER BY created_at
	`, accountID.String())
	if err != nil {
		return nil, oops.Code("PASSKEY_QUERY_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var creds []*auth.PasskeyCredential
	for rows.Next() {
		var cred auth.PasskeyCredential
		var accountIDStr string
		if err := rows.Scan(&cred.CredentialID, &accountIDStr, &cred.Credential, &cred.CreatedAt); err != nil {
			return nil, oops.Code("PASSKEY_SCAN_FAILED").Wrap(err)
		}
		cred.AccountID, err = ulid.Parse(accountIDStr)
		if err != nil {
			return nil, oops.Code("PASSKEY_PARSE_FAILED").With("value", accountIDStr).Wrap(err)
		}
		creds = append(creds, &cred)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("PASSKEY_ITERATE_FAILED").Wrap(err)
	}
	return creds, nil
}

// GetByCredentialID resolves a passkey credential to its owning account.
func (r *AccountRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE id = (SELECT account_id FROM passkey_credentials WHERE credential_id = $1)
	`, credentialID)
	account, err := scanAccountRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PASSKEY_UNKNOWN_CREDENTIAL").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_FAILED").Wrap(err)
	}
	return account, nil
}

// Delete permanently removes an account. Owned rows (sessions, tokens,
// challenges, passkeys) cascade.
func (r *AccountRepository) Delete(ctx context.Context, id ulid.ULID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id.String())
	if err != nil {
		return oops.Code("ACCOUNT_DELETE_FAILED").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanAccountRow scans a single account from a row.
func scanAccountRow(row pgx.Row) (*auth.Account, error) {
	var account auth.Account
	var idStr string

	err := row.Scan(
		&idStr, &account.Email, &account.Username, &account.PasswordHash,
		&account.EmailVerified, &account.TwoFactorEnabled, &account.TwoFactorSecret,
		&account.FailedAttempts, &account.LockedUntil,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").Wrap(err)
	}

	account.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_PARSE_FAILED").With("field", "id").With("value", idStr).Wrap(err)
	}
	return &account, nil
}

// Compile-time interface check.
var _ auth.AccountRepository = (*AccountRepository)(nil)
