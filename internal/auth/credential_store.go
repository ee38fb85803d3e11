// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// dummyPasswordHash is used when an account doesn't exist to prevent timing
// attacks. We still run password verification to make response time
// consistent. This is NOT a real credential - it will never match any
// password.
//
//nolint:gosec // G101: intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// CredentialStore owns password hashes, verification flags, second-factor
// secrets, and passkey credentials per account. Side effects are persistence
// writes only; it never makes network calls.
type CredentialStore struct {
	accounts AccountRepository
	hasher   PasswordHasher
}

// NewCredentialStore creates a new CredentialStore.
func NewCredentialStore(accounts AccountRepository, hasher PasswordHasher) (*CredentialStore, error) {
	if accounts == nil {
		return nil, oops.Code("CREDENTIAL_STORE_INVALID").Errorf("account repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("CREDENTIAL_STORE_INVALID").Errorf("password hasher is required")
	}
	return &CredentialStore{accounts: accounts, hasher: hasher}, nil
}

// CreateAccount creates an unverified account. Password is optional; an
// empty password creates a passwordless account (external identity or
// passkey-only). Fails with ACCOUNT_CONFLICT if the email or username is
// taken.
func (c *CredentialStore) CreateAccount(ctx context.Context, email, username, password string) (*Account, error) {
	var passwordHash string
	if password != "" {
		hash, err := c.hasher.Hash(password)
		if err != nil {
			return nil, oops.Code("ACCOUNT_CREATE_FAILED").
				With("operation", "hash password").
				Wrap(err)
		}
		passwordHash = hash
	}

	account, err := NewAccount(email, username, passwordHash)
	if err != nil {
		return nil, err
	}

	if err := c.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, oops.Code("ACCOUNT_CONFLICT").
				With("email", email).
				Wrap(err)
		}
		return nil, oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "persist account").
			Wrap(err)
	}

	return account, nil
}

// Authenticate verifies primary credentials for an identifier (email or
// username). Uses constant-time operations so that unknown identifiers,
// wrong passwords, and lockouts are indistinguishable by timing. Failed
// attempts are recorded against the account; repeated failures lock it.
func (c *CredentialStore) Authenticate(ctx context.Context, identifier, password string) (*Account, error) {
	account, lookupErr := c.accounts.GetByIdentifier(ctx, identifier)

	targetHash := dummyPasswordHash
	accountExists := false

	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return nil, oops.Code("AUTH_LOOKUP_FAILED").
				With("operation", "get account by identifier").
				Wrap(lookupErr)
		}
	} else {
		accountExists = true
		if account.PasswordHash != "" {
			targetHash = account.PasswordHash
		}
	}

	// Always verify, even against the dummy hash, to keep timing constant.
	valid, verifyErr := c.hasher.Verify(password, targetHash)
	if verifyErr != nil {
		if !accountExists {
			return nil, oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid credentials")
		}
		return nil, oops.Code("AUTH_VERIFY_FAILED").
			With("operation", "verify password").
			Wrap(verifyErr)
	}

	// Passwordless accounts never authenticate by password.
	if accountExists && account.PasswordHash == "" {
		valid = false
	}

	if !accountExists || !valid {
		if accountExists {
			account.RecordFailure()
			_ = c.accounts.Update(ctx, account) //nolint:errcheck // Best effort
		}
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid credentials")
	}

	// Lockout check happens after verification to keep timing constant.
	if account.IsLocked() {
		return nil, oops.Code("AUTH_ACCOUNT_LOCKED").
			With("locked_until", account.LockedUntil).
			Errorf("account is temporarily locked")
	}

	account.RecordSuccess()

	// Transparent hash upgrade (e.g., from bcrypt imports).
	if c.hasher.NeedsUpgrade(account.PasswordHash) {
		if newHash, hashErr := c.hasher.Hash(password); hashErr == nil {
			account.PasswordHash = newHash
		}
	}

	// Best effort; authentication succeeds regardless.
	_ = c.accounts.Update(ctx, account) //nolint:errcheck

	return account, nil
}

// FindByEmailOrUsername resolves an identifier to an account.
func (c *CredentialStore) FindByEmailOrUsername(ctx context.Context, identifier string) (*Account, error) {
	account, err := c.accounts.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(err)
		}
		return nil, oops.Code("ACCOUNT_LOOKUP_FAILED").Wrap(err)
	}
	return account, nil
}

// GetAccount retrieves an account by ID.
func (c *CredentialStore) GetAccount(ctx context.Context, id ulid.ULID) (*Account, error) {
	account, err := c.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("ACCOUNT_NOT_FOUND").
				With("account_id", id.String()).
				Wrap(err)
		}
		return nil, oops.Code("ACCOUNT_LOOKUP_FAILED").
			With("account_id", id.String()).
			Wrap(err)
	}
	return account, nil
}

// SetEmailVerified marks the account's email address as verified.
func (c *CredentialStore) SetEmailVerified(ctx context.Context, id ulid.ULID) error {
	if err := c.accounts.SetEmailVerified(ctx, id); err != nil {
		return oops.Code("ACCOUNT_VERIFY_FAILED").
			With("account_id", id.String()).
			Wrap(err)
	}
	return nil
}

// SetPassword replaces the account's password with a freshly hashed one.
func (c *CredentialStore) SetPassword(ctx context.Context, id ulid.ULID, newPassword string) error {
	if newPassword == "" {
		return ErrEmptyPassword
	}
	hash, err := c.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("ACCOUNT_SET_PASSWORD_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}
	if err := c.accounts.UpdatePassword(ctx, id, hash); err != nil {
		return oops.Code("ACCOUNT_SET_PASSWORD_FAILED").
			With("account_id", id.String()).
			Wrap(err)
	}
	return nil
}

// EnableTwoFactor activates 2FA for an account with the given TOTP secret.
func (c *CredentialStore) EnableTwoFactor(ctx context.Context, id ulid.ULID, secret string) error {
	if secret == "" {
		return oops.Code("ACCOUNT_TWOFACTOR_INVALID").Errorf("secret cannot be empty")
	}
	if err := c.accounts.SetTwoFactor(ctx, id, true, secret); err != nil {
		return oops.Code("ACCOUNT_TWOFACTOR_FAILED").
			With("account_id", id.String()).
			Wrap(err)
	}
	return nil
}

// DisableTwoFactor deactivates 2FA and clears the stored secret.
func (c *CredentialStore) DisableTwoFactor(ctx context.Context, id ulid.ULID) error {
	if err := c.accounts.SetTwoFactor(ctx, id, false, ""); err != nil {
		return oops.Code("ACCOUNT_TWOFACTOR_FAILED").
			With("account_id", id.String()).
			Wrap(err)
	}
	return nil
}

// AddPasskey stores a registered passkey credential.
func (c *CredentialStore) AddPasskey(ctx context.Context, cred *PasskeyCredential) error {
	if err := c.accounts.AddPasskey(ctx, cred); err != nil {
		if errors.Is(err, ErrConflict) {
			return oops.Code("PASSKEY_CONFLICT").Wrap(err)
		}
		return oops.Code("PASSKEY_STORE_FAILED").
			With("account_id", cred.AccountID.String()).
			Wrap(err)
	}
	return nil
}

// ListPasskeys returns an account's registered passkeys in registration
// order.
func (c *CredentialStore) ListPasskeys(ctx context.Context, accountID ulid.ULID) ([]*PasskeyCredential, error) {
	creds, err := c.accounts.ListPasskeys(ctx, accountID)
	if err != nil {
		return nil, oops.Code("PASSKEY_LIST_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return creds, nil
}

// FindByCredentialID resolves a passkey credential ID to its account.
func (c *CredentialStore) FindByCredentialID(ctx context.Context, credentialID []byte) (*Account, error) {
	account, err := c.accounts.GetByCredentialID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("PASSKEY_UNKNOWN_CREDENTIAL").Wrap(err)
		}
		return nil, oops.Code("ACCOUNT_LOOKUP_FAILED").Wrap(err)
	}
	return account, nil
}

// DeleteAccount permanently removes an account and its owned records.
func (c *CredentialStore) DeleteAccount(ctx context.Context, id ulid.ULID) error {
	if err := c.accounts.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("ACCOUNT_NOT_FOUND").
				With("account_id", id.String()).
				Wrap(err)
		}
		return oops.Code("ACCOUNT_DELETE_FAILED").
			With("account_id", id.String()).
			Wrap(err)
	}
	return nil
}
