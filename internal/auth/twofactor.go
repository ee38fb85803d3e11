// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/samber/oops"
)

// Two-factor challenge configuration.
const (
	DefaultTwoFactorAttemptLimit = 5
	DefaultTwoFactorChallengeTTL = 5 * time.Minute

	totpPeriod = 30 // seconds per TOTP step
	totpSkew   = 1  // accepted steps of clock drift in each direction
)

// TwoFactorState is the lifecycle state of a pending challenge.
type TwoFactorState string

// Challenge states.
const (
	TwoFactorPending   TwoFactorState = "pending"
	TwoFactorSatisfied TwoFactorState = "satisfied"
	TwoFactorFailed    TwoFactorState = "failed"
)

// TwoFactorChallenge pairs a pending (untrusted) session with an expiry
// window and an attempt counter.
type TwoFactorChallenge struct {
	ID        ulid.ULID
	SessionID ulid.ULID
	AccountID ulid.ULID
	State     TwoFactorState
	Attempts  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired returns true if the challenge window has closed.
func (c *TwoFactorChallenge) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// Enrollment is a generated-but-unconfirmed TOTP secret. The secret only
// activates once the holder proves they can produce a correct code.
type Enrollment struct {
	Secret string
	URL    string // otpauth:// URL for QR rendering
}

// TwoFactorChallengeRepository manages challenge persistence.
type TwoFactorChallengeRepository interface {
	// Create stores a new challenge.
	Create(ctx context.Context, challenge *TwoFactorChallenge) error

	// GetByID retrieves a challenge.
	GetByID(ctx context.Context, id ulid.ULID) (*TwoFactorChallenge, error)

	// RecordAttempt atomically increments the attempt counter and returns
	// the new count.
	RecordAttempt(ctx context.Context, id ulid.ULID) (int, error)

	// SetState transitions the challenge state.
	SetState(ctx context.Context, id ulid.ULID, state TwoFactorState) error

	// DeleteExpired removes expired challenges and returns the count.
	DeleteExpired(ctx context.Context) (int64, error)
}

// TwoFactorService issues and verifies one-time codes bound to a pending
// session, and runs TOTP enrollment.
type TwoFactorService struct {
	challenges   TwoFactorChallengeRepository
	credentials  *CredentialStore
	sessions     *SessionManager
	issuer       string
	attemptLimit int
	challengeTTL time.Duration
}

// NewTwoFactorService creates a new TwoFactorService. attemptLimit and
// challengeTTL fall back to defaults when zero.
func NewTwoFactorService(
	challenges TwoFactorChallengeRepository,
	credentials *CredentialStore,
	sessions *SessionManager,
	issuer string,
	attemptLimit int,
	challengeTTL time.Duration,
) (*TwoFactorService, error) {
	if challenges == nil {
		return nil, oops.Code("TWOFACTOR_SERVICE_INVALID").Errorf("challenge repository is required")
	}
	if credentials == nil {
		return nil, oops.Code("TWOFACTOR_SERVICE_INVALID").Errorf("credential store is required")
	}
	if sessions == nil {
		return nil, oops.Code("TWOFACTOR_SERVICE_INVALID").Errorf("session manager is required")
	}
	if issuer == "" {
		return nil, oops.Code("TWOFACTOR_SERVICE_INVALID").Errorf("issuer is required")
	}
	if attemptLimit <= 0 {
		attemptLimit = DefaultTwoFactorAttemptLimit
	}
	if challengeTTL <= 0 {
		challengeTTL = DefaultTwoFactorChallengeTTL
	}
	return &TwoFactorService{
		challenges:   challenges,
		credentials:  credentials,
		sessions:     sessions,
		issuer:       issuer,
		attemptLimit: attemptLimit,
		challengeTTL: challengeTTL,
	}, nil
}

// StartEnrollment generates a TOTP secret for an account. The secret is not
// active until ConfirmEnrollment succeeds with a correct code.
func (s *TwoFactorService) StartEnrollment(account *Account) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: account.DisplayName(),
	})
	if err != nil {
		return nil, oops.Code("TWOFACTOR_ENROLL_FAILED").
			With("operation", "generate TOTP key").
			Wrap(err)
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// ConfirmEnrollment activates 2FA for the account if the code matches the
// pending secret.
func (s *TwoFactorService) ConfirmEnrollment(ctx context.Context, accountID ulid.ULID, secret, code string) error {
	if !validateTOTP(code, secret) {
		return oops.Code("TWOFACTOR_INVALID_CODE").Errorf("incorrect code")
	}
	return s.credentials.EnableTwoFactor(ctx, accountID, secret)
}

// Issue creates a pending challenge bound to an untrusted session.
func (s *TwoFactorService) Issue(ctx context.Context, session *Session) (*TwoFactorChallenge, error) {
	challenge := &TwoFactorChallenge{
		ID:        ulid.Make(),
		SessionID: session.ID,
		AccountID: session.AccountID,
		State:     TwoFactorPending,
		ExpiresAt: time.Now().Add(s.challengeTTL),
		CreatedAt: time.Now(),
	}
	if err := s.challenges.Create(ctx, challenge); err != nil {
		return nil, oops.Code("TWOFACTOR_ISSUE_FAILED").
			With("session_id", session.ID.String()).
			Wrap(err)
	}
	return challenge, nil
}

// Verify checks a one-time code against a pending challenge. On success the
// challenge moves to satisfied and the bound session is promoted to trusted.
// Reaching the attempt limit moves the challenge to failed permanently, even
// if a later code would have been correct; the caller must re-authenticate.
func (s *TwoFactorService) Verify(ctx context.Context, challengeID ulid.ULID, code string) error {
	challenge, err := s.challenges.GetByID(ctx, challengeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("TWOFACTOR_CHALLENGE_INVALID").Errorf("challenge not found")
		}
		return oops.Code("TWOFACTOR_VERIFY_FAILED").
			With("operation", "get challenge").
			Wrap(err)
	}

	switch challenge.State {
	case TwoFactorFailed:
		return oops.Code("TWOFACTOR_EXHAUSTED").Errorf("challenge failed; re-authenticate")
	case TwoFactorSatisfied:
		return oops.Code("TWOFACTOR_CHALLENGE_INVALID").Errorf("challenge already satisfied")
	case TwoFactorPending:
	}

	if challenge.IsExpired() {
		_ = s.challenges.SetState(ctx, challengeID, TwoFactorFailed) //nolint:errcheck // Best effort
		return oops.Code("TWOFACTOR_EXPIRED").Errorf("challenge window has closed")
	}

	if challenge.Attempts >= s.attemptLimit {
		// Defensive: state should already be failed when the limit was hit.
		_ = s.challenges.SetState(ctx, challengeID, TwoFactorFailed) //nolint:errcheck
		return oops.Code("TWOFACTOR_EXHAUSTED").Errorf("attempt limit reached")
	}

	account, err := s.credentials.GetAccount(ctx, challenge.AccountID)
	if err != nil {
		return err
	}

	if !validateTOTP(code, account.TwoFactorSecret) {
		attempts, recErr := s.challenges.RecordAttempt(ctx, challengeID)
		if recErr != nil {
			return oops.Code("TWOFACTOR_VERIFY_FAILED").
				With("operation", "record attempt").
				Wrap(recErr)
		}
		if attempts >= s.attemptLimit {
			if stateErr := s.challenges.SetState(ctx, challengeID, TwoFactorFailed); stateErr != nil {
				return oops.Code("TWOFACTOR_VERIFY_FAILED").
					With("operation", "fail challenge").
					Wrap(stateErr)
			}
			return oops.Code("TWOFACTOR_EXHAUSTED").Errorf("attempt limit reached")
		}
		return oops.Code("TWOFACTOR_INVALID_CODE").Errorf("incorrect code")
	}

	if err := s.challenges.SetState(ctx, challengeID, TwoFactorSatisfied); err != nil {
		return oops.Code("TWOFACTOR_VERIFY_FAILED").
			With("operation", "satisfy challenge").
			Wrap(err)
	}

	return s.sessions.PromoteTrust(ctx, challenge.SessionID)
}

// Sweep removes expired challenges and returns the count deleted.
func (s *TwoFactorService) Sweep(ctx context.Context) (int64, error) {
	n, err := s.challenges.DeleteExpired(ctx)
	if err != nil {
		return 0, oops.Code("TWOFACTOR_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}

// validateTOTP checks a code against a secret with a one-step grace window
// for clock drift. The underlying comparison is constant-time.
func validateTOTP(code, secret string) bool {
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
