// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/pkg/errutil"
)

// defaultNotifyTimeout bounds each asynchronous notifier invocation.
const defaultNotifyTimeout = 30 * time.Second

// FacadeConfig is the explicit configuration handed to the facade at
// construction; there is no ambient global.
type FacadeConfig struct {
	// RequireEmailVerification blocks password sign-in until the account's
	// email has been confirmed.
	RequireEmailVerification bool

	// FrontendBaseURL is the base for callback links embedded in
	// notification mails, e.g. "https://app.example.com".
	FrontendBaseURL string

	// NotifyTimeout bounds each notifier invocation. Zero means the
	// default of 30s.
	NotifyTimeout time.Duration
}

// Facade is the single entry point the transport layer calls. It composes
// the credential store, session manager, token service, and the two second
// factor providers, and enforces cross-cutting policy.
type Facade struct {
	credentials *CredentialStore
	sessions    *SessionManager
	tokens      *TokenService
	twoFactor   *TwoFactorService
	passkeys    *PasskeyService
	notifier    Notifier
	validate    *validator.Validate
	logger      *slog.Logger
	cfg         FacadeConfig
}

// NewFacade creates the facade. All components are required except the
// notifier, which may be nil in setups without outbound mail (notifications
// are then dropped with a log line).
func NewFacade(
	credentials *CredentialStore,
	sessions *SessionManager,
	tokens *TokenService,
	twoFactor *TwoFactorService,
	passkeys *PasskeyService,
	notifier Notifier,
	logger *slog.Logger,
	cfg FacadeConfig,
) (*Facade, error) {
	if credentials == nil {
		return nil, oops.Code("FACADE_INVALID").Errorf("credential store is required")
	}
	if sessions == nil {
		return nil, oops.Code("FACADE_INVALID").Errorf("session manager is required")
	}
	if tokens == nil {
		return nil, oops.Code("FACADE_INVALID").Errorf("token service is required")
	}
	if twoFactor == nil {
		return nil, oops.Code("FACADE_INVALID").Errorf("two-factor service is required")
	}
	if passkeys == nil {
		return nil, oops.Code("FACADE_INVALID").Errorf("passkey service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	return &Facade{
		credentials: credentials,
		sessions:    sessions,
		tokens:      tokens,
		twoFactor:   twoFactor,
		passkeys:    passkeys,
		notifier:    notifier,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		cfg:         cfg,
	}, nil
}

// SignUpInput are the fields accepted at registration.
type SignUpInput struct {
	Email    string `validate:"required,email,max=254"`
	Username string `validate:"omitempty,min=3,max=30"`
	Password string `validate:"required,min=8,max=128"`
}

// SignUpResult reports a completed registration.
type SignUpResult struct {
	AccountID            ulid.ULID
	VerificationRequired bool
}

// SignUp creates an unverified account and mails a verification link. No
// session is created; the caller signs in after (optionally) verifying.
func (f *Facade) SignUp(ctx context.Context, in SignUpInput) (*SignUpResult, error) {
	if err := f.validate.Struct(in); err != nil {
		return nil, oops.Code("AUTH_INVALID_INPUT").Wrap(err)
	}

	account, err := f.credentials.CreateAccount(ctx, in.Email, in.Username, in.Password)
	if err != nil {
		return nil, err
	}

	raw, _, err := f.tokens.Issue(ctx, TokenVerifyEmail, account.ID)
	if err != nil {
		return nil, err
	}
	f.notifyAsync(Message{
		Kind:        TokenVerifyEmail,
		Recipient:   account.Email,
		CallbackURL: f.callbackURL("/auth/verify-email", raw),
		Token:       raw,
	})

	return &SignUpResult{
		AccountID:            account.ID,
		VerificationRequired: f.cfg.RequireEmailVerification,
	}, nil
}

// VerifyEmail redeems a verify-email token and marks the account verified.
func (f *Facade) VerifyEmail(ctx context.Context, token string) error {
	accountID, err := f.tokens.Redeem(ctx, TokenVerifyEmail, token)
	if err != nil {
		return err
	}
	return f.credentials.SetEmailVerified(ctx, accountID)
}

// SignInStatus discriminates sign-in outcomes.
type SignInStatus string

// Sign-in outcomes.
const (
	SignInOK                   SignInStatus = "ok"
	SignInEmailUnverified      SignInStatus = "email-unverified"
	SignInSecondFactorRequired SignInStatus = "second-factor-required"
)

// SignInInput are the fields accepted at sign-in.
type SignInInput struct {
	Identifier string `validate:"required,max=254"`
	Password   string `validate:"required,max=128"`
}

// SignInResult reports a sign-in attempt. On SignInOK, SessionToken is the
// opaque cookie value for a trusted session. On SignInSecondFactorRequired,
// SessionToken belongs to the untrusted pending session (usable only to
// complete the challenge) and ChallengeID references the pending challenge.
// On SignInEmailUnverified no session exists.
type SignInResult struct {
	Status       SignInStatus
	Session      *Session
	SessionToken string
	ChallengeID  ulid.ULID
}

// SignIn performs primary password authentication.
func (f *Facade) SignIn(ctx context.Context, in SignInInput, meta SessionMetadata) (*SignInResult, error) {
	if err := f.validate.Struct(in); err != nil {
		return nil, oops.Code("AUTH_INVALID_INPUT").Wrap(err)
	}

	account, err := f.credentials.Authenticate(ctx, in.Identifier, in.Password)
	if err != nil {
		return nil, err
	}

	if f.cfg.RequireEmailVerification && !account.EmailVerified {
		return &SignInResult{Status: SignInEmailUnverified}, nil
	}

	trusted := !account.TwoFactorEnabled
	session, token, err := f.sessions.Create(ctx, account.ID, meta, trusted)
	if err != nil {
		return nil, err
	}

	if trusted {
		return &SignInResult{Status: SignInOK, Session: session, SessionToken: token}, nil
	}

	challenge, err := f.twoFactor.Issue(ctx, session)
	if err != nil {
		return nil, err
	}
	return &SignInResult{
		Status:       SignInSecondFactorRequired,
		Session:      session,
		SessionToken: token,
		ChallengeID:  challenge.ID,
	}, nil
}

// VerifyTwoFactor completes a pending challenge, promoting the bound
// session to trusted on success.
func (f *Facade) VerifyTwoFactor(ctx context.Context, challengeID ulid.ULID, code string) error {
	return f.twoFactor.Verify(ctx, challengeID, code)
}

// StartTwoFactorEnrollment generates a TOTP secret for the session's
// account. The secret activates only after ConfirmTwoFactorEnrollment.
func (f *Facade) StartTwoFactorEnrollment(ctx context.Context, sessionToken string) (*Enrollment, error) {
	session, err := f.requireTrusted(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	account, err := f.credentials.GetAccount(ctx, session.AccountID)
	if err != nil {
		return nil, err
	}
	return f.twoFactor.StartEnrollment(account)
}

// ConfirmTwoFactorEnrollment activates 2FA once the holder proves the
// enrollment secret with a correct code.
func (f *Facade) ConfirmTwoFactorEnrollment(ctx context.Context, sessionToken, secret, code string) error {
	session, err := f.requireTrusted(ctx, sessionToken)
	if err != nil {
		return err
	}
	return f.twoFactor.ConfirmEnrollment(ctx, session.AccountID, secret, code)
}

// DisableTwoFactor deactivates 2FA after a correct current code.
func (f *Facade) DisableTwoFactor(ctx context.Context, sessionToken, code string) error {
	session, err := f.requireTrusted(ctx, sessionToken)
	if err != nil {
		return err
	}
	account, err := f.credentials.GetAccount(ctx, session.AccountID)
	if err != nil {
		return err
	}
	if !account.TwoFactorEnabled {
		return oops.Code("TWOFACTOR_NOT_ENABLED").Errorf("two-factor is not enabled")
	}
	if !validateTOTP(code, account.TwoFactorSecret) {
		return oops.Code("TWOFACTOR_INVALID_CODE").Errorf("incorrect code")
	}
	return f.credentials.DisableTwoFactor(ctx, session.AccountID)
}

// RequestPasswordReset issues a reset token and mails it. Unknown emails
// no-op silently to avoid account enumeration.
func (f *Facade) RequestPasswordReset(ctx context.Context, email string) error {
	account, err := f.credentials.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return oops.Code("RESET_REQUEST_FAILED").
			With("operation", "get account by email").
			Wrap(err)
	}

	raw, _, err := f.tokens.Issue(ctx, TokenResetPassword, account.ID)
	if err != nil {
		return err
	}
	f.notifyAsync(Message{
		Kind:        TokenResetPassword,
		Recipient:   account.Email,
		CallbackURL: f.callbackURL("/auth/reset", raw),
		Token:       raw,
	})
	return nil
}

// CompletePasswordReset redeems a reset token, sets the new password, and
// revokes every session of the account, forcing re-authentication
// everywhere.
func (f *Facade) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 || len(newPassword) > 128 {
		return oops.Code("AUTH_INVALID_INPUT").Errorf("password must be 8-128 characters")
	}

	accountID, err := f.tokens.Redeem(ctx, TokenResetPassword, token)
	if err != nil {
		return err
	}

	if err := f.credentials.SetPassword(ctx, accountID, newPassword); err != nil {
		return err
	}

	// Cleanup; the reset already succeeded.
	_ = f.tokens.Invalidate(ctx, accountID, TokenResetPassword) //nolint:errcheck

	if _, err := f.sessions.RevokeAll(ctx, accountID); err != nil {
		return err
	}
	return nil
}

// RequestAccountDeletion issues a deletion-confirmation token and mails it.
func (f *Facade) RequestAccountDeletion(ctx context.Context, sessionToken string) error {
	session, err := f.requireTrusted(ctx, sessionToken)
	if err != nil {
		return err
	}
	account, err := f.credentials.GetAccount(ctx, session.AccountID)
	if err != nil {
		return err
	}

	raw, _, err := f.tokens.Issue(ctx, TokenDeleteAccount, account.ID)
	if err != nil {
		return err
	}
	f.notifyAsync(Message{
		Kind:        TokenDeleteAccount,
		Recipient:   account.Email,
		CallbackURL: f.callbackURL("/auth/delete-account", raw),
		Token:       raw,
	})
	return nil
}

// ConfirmAccountDeletion redeems a deletion token, revokes all sessions,
// and permanently removes the account.
func (f *Facade) ConfirmAccountDeletion(ctx context.Context, token string) error {
	accountID, err := f.tokens.Redeem(ctx, TokenDeleteAccount, token)
	if err != nil {
		return err
	}
	if _, err := f.sessions.RevokeAll(ctx, accountID); err != nil {
		return err
	}
	return f.credentials.DeleteAccount(ctx, accountID)
}

// BeginPasskeyRegistration starts a registration ceremony for the session's
// account.
func (f *Facade) BeginPasskeyRegistration(ctx context.Context, sessionToken string) (*protocol.CredentialCreation, ulid.ULID, error) {
	session, err := f.requireTrusted(ctx, sessionToken)
	if err != nil {
		return nil, ulid.ULID{}, err
	}
	return f.passkeys.BeginRegistration(ctx, session.AccountID)
}

// FinishPasskeyRegistration completes a registration ceremony.
func (f *Facade) FinishPasskeyRegistration(ctx context.Context, sessionToken string, challengeID ulid.ULID, response io.Reader) error {
	session, err := f.requireTrusted(ctx, sessionToken)
	if err != nil {
		return err
	}
	return f.passkeys.FinishRegistration(ctx, session.AccountID, challengeID, response)
}

// BeginPasskeyAuthentication starts an authentication ceremony. An empty
// identifier selects the discoverable-credential flow.
func (f *Facade) BeginPasskeyAuthentication(ctx context.Context, identifier string) (*protocol.CredentialAssertion, ulid.ULID, error) {
	return f.passkeys.BeginAuthentication(ctx, identifier)
}

// FinishPasskeyAuthentication completes an authentication ceremony and
// mints a trusted session.
func (f *Facade) FinishPasskeyAuthentication(ctx context.Context, challengeID ulid.ULID, response io.Reader, meta SessionMetadata) (*Session, string, error) {
	return f.passkeys.FinishAuthentication(ctx, challengeID, response, meta)
}

// SignInExternal accepts an externally-verified identity (OAuth/social
// sign-in handled entirely outside the core) and mints a trusted session,
// creating a passwordless account on first sight.
func (f *Facade) SignInExternal(ctx context.Context, email string, meta SessionMetadata) (*Session, string, error) {
	account, err := f.credentials.accounts.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, "", oops.Code("AUTH_LOOKUP_FAILED").Wrap(err)
		}
		account, err = f.credentials.CreateAccount(ctx, email, "", "")
		if err != nil {
			return nil, "", err
		}
		// The provider vouched for the address.
		if err := f.credentials.SetEmailVerified(ctx, account.ID); err != nil {
			return nil, "", err
		}
	}
	return f.sessions.Create(ctx, account.ID, meta, true)
}

// CurrentSession resolves a cookie value to a session. The caller inspects
// Trusted to decide whether the session may authorize protected operations.
func (f *Facade) CurrentSession(ctx context.Context, sessionToken string) (*Session, error) {
	return f.sessions.Validate(ctx, sessionToken)
}

// ListSessions returns the account's live sessions in creation order.
func (f *Facade) ListSessions(ctx context.Context, sessionToken string) ([]*Session, error) {
	session, err := f.requireTrusted(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	return f.sessions.List(ctx, session.AccountID)
}

// RevokeSession revokes one of the caller's own sessions.
func (f *Facade) RevokeSession(ctx context.Context, sessionToken string, sessionID ulid.ULID) error {
	session, err := f.requireTrusted(ctx, sessionToken)
	if err != nil {
		return err
	}
	target, err := f.sessions.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("SESSION_NOT_FOUND").Wrap(err)
		}
		return oops.Code("SESSION_REVOKE_FAILED").Wrap(err)
	}
	if target.AccountID.Compare(session.AccountID) != 0 {
		return oops.Code("SESSION_NOT_FOUND").Errorf("session does not belong to this account")
	}
	return f.sessions.Revoke(ctx, sessionID)
}

// RevokeOtherSessions revokes every session of the account except the
// caller's.
func (f *Facade) RevokeOtherSessions(ctx context.Context, sessionToken string) error {
	session, err := f.requireTrusted(ctx, sessionToken)
	if err != nil {
		return err
	}
	others, err := f.sessions.List(ctx, session.AccountID)
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.ID.Compare(session.ID) == 0 {
			continue
		}
		if err := f.sessions.Revoke(ctx, other.ID); err != nil {
			return err
		}
	}
	return nil
}

// SignOut revokes the caller's session. Unknown or already-revoked tokens
// are a no-op.
func (f *Facade) SignOut(ctx context.Context, sessionToken string) error {
	session, err := f.sessions.Validate(ctx, sessionToken)
	if err != nil {
		return nil //nolint:nilerr // Signing out an invalid session is not an error.
	}
	return f.sessions.Revoke(ctx, session.ID)
}

// requireTrusted validates a session token and rejects untrusted (pending
// second factor) sessions.
func (f *Facade) requireTrusted(ctx context.Context, sessionToken string) (*Session, error) {
	session, err := f.sessions.Validate(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if !session.Trusted {
		return nil, oops.Code("SESSION_UNTRUSTED").Errorf("second factor has not completed")
	}
	return session, nil
}

// notifyAsync invokes the notifier without blocking the primary operation.
// The send is detached from the request context: committed state stands
// even if the caller disconnects. Failures are logged, never propagated.
func (f *Facade) notifyAsync(msg Message) {
	if f.notifier == nil {
		f.logger.Warn("no notifier configured; dropping notification",
			"kind", string(msg.Kind),
		)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.NotifyTimeout)
		defer cancel()
		if err := f.notifier.Send(ctx, msg); err != nil {
			errutil.LogError(f.logger, fmt.Sprintf("failed to send %s notification", msg.Kind), err)
		}
	}()
}

func (f *Facade) callbackURL(path, token string) string {
	return f.cfg.FrontendBaseURL + path + "?token=" + url.QueryEscape(token)
}
