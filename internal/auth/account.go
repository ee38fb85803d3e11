// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Username validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
)

// usernameRegex matches usernames that start with a letter and contain only
// letters, numbers, and underscores.
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Account represents a user account. PasswordHash is empty for accounts
// created through an external identity provider or registered passkey-only.
type Account struct {
	ID               ulid.ULID
	Email            string
	Username         string // optional, empty if not chosen
	PasswordHash     string // empty if passwordless
	EmailVerified    bool
	TwoFactorEnabled bool
	TwoFactorSecret  string // base32 TOTP secret, set during enrollment
	FailedAttempts   int
	LockedUntil      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewAccount creates a validated Account. Username and passwordHash are
// optional and may be empty.
func NewAccount(email, username, passwordHash string) (*Account, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, oops.Code("ACCOUNT_INVALID_EMAIL").Errorf("email cannot be empty")
	}
	if username != "" {
		if err := ValidateUsername(username); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	return &Account{
		ID:           ulid.Make(),
		Email:        email,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// IsLocked returns true if the account is currently locked out.
func (a *Account) IsLocked() bool {
	return IsLockedOut(a.LockedUntil)
}

// RecordFailure increments the failure counter and sets lockout if the
// threshold is reached.
func (a *Account) RecordFailure() {
	a.FailedAttempts++
	a.LockedUntil = ComputeLockoutTime(a.FailedAttempts)
	a.UpdatedAt = time.Now()
}

// RecordSuccess resets the failure counter and lockout.
func (a *Account) RecordSuccess() {
	a.FailedAttempts = 0
	a.LockedUntil = nil
	a.UpdatedAt = time.Now()
}

// DisplayName returns the username if set, otherwise the email.
func (a *Account) DisplayName() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}

// ValidateUsername validates a username against the rules:
// - Length: MinUsernameLength to MaxUsernameLength characters
// - Must start with a letter
// - Can contain only letters, numbers, and underscores
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLength {
		return oops.Code("ACCOUNT_INVALID_USERNAME").
			With("min", MinUsernameLength).
			Errorf("username must be at least %d characters", MinUsernameLength)
	}
	if len(username) > MaxUsernameLength {
		return oops.Code("ACCOUNT_INVALID_USERNAME").
			With("max", MaxUsernameLength).
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return oops.Code("ACCOUNT_INVALID_USERNAME").
			Errorf("username must start with a letter and contain only letters, numbers, and underscores")
	}
	return nil
}

// PasskeyCredential is a registered public-key credential. Credential holds
// the marshaled webauthn credential (public key, attestation type, flags).
type PasskeyCredential struct {
	CredentialID []byte
	AccountID    ulid.ULID
	Credential   []byte
	CreatedAt    time.Time
}

// AccountRepository manages account persistence.
type AccountRepository interface {
	// Create stores a new account. Returns ErrConflict (wrapped) if the
	// email or username is already taken. The uniqueness check and insert
	// must be atomic.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// GetByEmail retrieves an account by email (case-insensitive).
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// GetByIdentifier retrieves an account by email or username
	// (case-insensitive).
	GetByIdentifier(ctx context.Context, identifier string) (*Account, error)

	// Update updates an existing account.
	Update(ctx context.Context, account *Account) error

	// UpdatePassword updates only the password hash.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error

	// SetEmailVerified marks the account's email as verified.
	SetEmailVerified(ctx context.Context, id ulid.ULID) error

	// SetTwoFactor updates the 2FA enabled flag and secret together.
	SetTwoFactor(ctx context.Context, id ulid.ULID, enabled bool, secret string) error

	// AddPasskey stores a passkey credential for an account. Returns
	// ErrConflict (wrapped) if the credential ID is already registered.
	AddPasskey(ctx context.Context, cred *PasskeyCredential) error

	// ListPasskeys returns the account's passkey credentials in
	// registration order.
	ListPasskeys(ctx context.Context, accountID ulid.ULID) ([]*PasskeyCredential, error)

	// GetByCredentialID retrieves the account owning a passkey credential.
	GetByCredentialID(ctx context.Context, credentialID []byte) (*Account, error)

	// Delete permanently removes an account.
	Delete(ctx context.Context, id ulid.ULID) error
}
