// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/auth/memory"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

// captureNotifier records sent messages on a channel so tests can wait for
// the facade's asynchronous delivery.
type captureNotifier struct {
	ch chan auth.Message
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{ch: make(chan auth.Message, 8)}
}

func (n *captureNotifier) Send(_ context.Context, msg auth.Message) error {
	n.ch <- msg
	return nil
}

func (n *captureNotifier) wait(t *testing.T) auth.Message {
	t.Helper()
	select {
	case msg := <-n.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return auth.Message{}
	}
}

func (n *captureNotifier) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case msg := <-n.ch:
		t.Fatalf("unexpected notification: %v", msg.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

type facadeFixture struct {
	facade   *auth.Facade
	notifier *captureNotifier
	store    *auth.CredentialStore
	sessions *auth.SessionManager
}

func newFacadeFixture(t *testing.T, cfg auth.FacadeConfig) *facadeFixture {
	t.Helper()

	store, err := auth.NewCredentialStore(memory.NewAccountRepository(), auth.NewArgon2idHasher())
	require.NoError(t, err)
	sessions, err := auth.NewSessionManager(memory.NewSessionRepository(), 0, 0)
	require.NoError(t, err)
	tokens, err := auth.NewTokenService(memory.NewTokenRepository(), auth.TokenTTLs{})
	require.NoError(t, err)
	twoFactor, err := auth.NewTwoFactorService(memory.NewTwoFactorChallengeRepository(), store, sessions, "Gatehouse", 0, 0)
	require.NoError(t, err)
	passkeys, err := auth.NewPasskeyService(
		auth.RelyingParty{ID: "example.com", Name: "Gatehouse", Origins: []string{"https://example.com"}},
		memory.NewPasskeyChallengeRepository(), store, sessions, 0,
	)
	require.NoError(t, err)

	if cfg.FrontendBaseURL == "" {
		cfg.FrontendBaseURL = "https://app.example.com"
	}
	notifier := newCaptureNotifier()
	facade, err := auth.NewFacade(store, sessions, tokens, twoFactor, passkeys, notifier, slog.Default(), cfg)
	require.NoError(t, err)

	return &facadeFixture{facade: facade, notifier: notifier, store: store, sessions: sessions}
}

func (f *facadeFixture) signUp(t *testing.T, email, password string) auth.Message {
	t.Helper()
	_, err := f.facade.SignUp(context.Background(), auth.SignUpInput{Email: email, Password: password})
	require.NoError(t, err)
	return f.notifier.wait(t)
}

func TestFacade_SignUpValidation(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{})

	tests := []struct {
		name  string
		input auth.SignUpInput
	}{
		{name: "missing email", input: auth.SignUpInput{Password: "password123"}},
		{name: "invalid email", input: auth.SignUpInput{Email: "not-an-email", Password: "password123"}},
		{name: "short password", input: auth.SignUpInput{Email: "a@example.com", Password: "short"}},
		{name: "short username", input: auth.SignUpInput{Email: "a@example.com", Username: "ab", Password: "password123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fixture.facade.SignUp(context.Background(), tt.input)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "AUTH_INVALID_INPUT")
		})
	}
}

func TestFacade_SignUpVerifySignIn(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{RequireEmailVerification: true})

	result, err := fixture.facade.SignUp(context.Background(), auth.SignUpInput{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "password123",
	})
	require.NoError(t, err)
	assert.True(t, result.VerificationRequired)

	msg := fixture.notifier.wait(t)
	assert.Equal(t, auth.TokenVerifyEmail, msg.Kind)
	assert.Equal(t, "alice@example.com", msg.Recipient)
	assert.Contains(t, msg.CallbackURL, "https://app.example.com/auth/verify-email?token=")

	// Sign-in is blocked until the email is verified; no session exists.
	signIn, err := fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "password123",
	}, auth.SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, auth.SignInEmailUnverified, signIn.Status)
	assert.Nil(t, signIn.Session)

	require.NoError(t, fixture.facade.VerifyEmail(context.Background(), msg.Token))

	signIn, err = fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "password123",
	}, auth.SessionMetadata{UserAgent: "test"})
	require.NoError(t, err)
	assert.Equal(t, auth.SignInOK, signIn.Status)
	require.NotNil(t, signIn.Session)
	assert.True(t, signIn.Session.Trusted)

	current, err := fixture.facade.CurrentSession(context.Background(), signIn.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, signIn.Session.ID, current.ID)
}

func TestFacade_VerifyEmailTokenSingleUse(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{RequireEmailVerification: true})
	msg := fixture.signUp(t, "alice@example.com", "password123")

	require.NoError(t, fixture.facade.VerifyEmail(context.Background(), msg.Token))

	err := fixture.facade.VerifyEmail(context.Background(), msg.Token)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TOKEN_ALREADY_USED")
}

func TestFacade_SignInWithoutVerificationRequirement(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{})
	fixture.signUp(t, "alice@example.com", "password123")

	signIn, err := fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "password123",
	}, auth.SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, auth.SignInOK, signIn.Status)
}

func TestFacade_TwoFactorFlow(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{})
	fixture.signUp(t, "alice@example.com", "password123")

	signIn, err := fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "password123",
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	enrollment, err := fixture.facade.StartTwoFactorEnrollment(context.Background(), signIn.SessionToken)
	require.NoError(t, err)
	code, err := totp.GenerateCode(enrollment.Secret, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, fixture.facade.ConfirmTwoFactorEnrollment(context.Background(), signIn.SessionToken, enrollment.Secret, code))

	// The next sign-in demands the second factor.
	pending, err := fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "password123",
	}, auth.SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, auth.SignInSecondFactorRequired, pending.Status)
	require.NotNil(t, pending.Session)
	assert.False(t, pending.Session.Trusted)
	assert.NotEqual(t, ulid.ULID{}, pending.ChallengeID)

	// The pending session cannot authorize protected operations.
	_, err = fixture.facade.ListSessions(context.Background(), pending.SessionToken)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SESSION_UNTRUSTED")

	code, err = totp.GenerateCode(enrollment.Secret, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, fixture.facade.VerifyTwoFactor(context.Background(), pending.ChallengeID, code))

	current, err := fixture.facade.CurrentSession(context.Background(), pending.SessionToken)
	require.NoError(t, err)
	assert.True(t, current.Trusted)

	_, err = fixture.facade.ListSessions(context.Background(), pending.SessionToken)
	assert.NoError(t, err)
}

func TestFacade_DisableTwoFactor(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{})
	fixture.signUp(t, "alice@example.com", "password123")

	signIn, err := fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "password123",
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	err = fixture.facade.DisableTwoFactor(context.Background(), signIn.SessionToken, "123456")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TWOFACTOR_NOT_ENABLED")

	enrollment, err := fixture.facade.StartTwoFactorEnrollment(context.Background(), signIn.SessionToken)
	require.NoError(t, err)
	code, err := totp.GenerateCode(enrollment.Secret, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, fixture.facade.ConfirmTwoFactorEnrollment(context.Background(), signIn.SessionToken, enrollment.Secret, code))

	code, err = totp.GenerateCode(enrollment.Secret, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, fixture.facade.DisableTwoFactor(context.Background(), signIn.SessionToken, code))

	// Password alone signs in again.
	signIn, err = fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "password123",
	}, auth.SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, auth.SignInOK, signIn.Status)
}

func TestFacade_PasswordReset(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{})
	fixture.signUp(t, "alice@example.com", "oldpassword")

	signIn, err := fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "oldpassword",
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, fixture.facade.RequestPasswordReset(context.Background(), "alice@example.com"))
	msg := fixture.notifier.wait(t)
	assert.Equal(t, auth.TokenResetPassword, msg.Kind)
	assert.Contains(t, msg.CallbackURL, "/auth/reset?token=")

	require.NoError(t, fixture.facade.CompletePasswordReset(context.Background(), msg.Token, "newpassword"))

	// Every session was revoked by the reset.
	_, err = fixture.facade.CurrentSession(context.Background(), signIn.SessionToken)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SESSION_REVOKED")

	_, err = fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "oldpassword",
	}, auth.SessionMetadata{})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "AUTH_INVALID_CREDENTIALS")

	reSignIn, err := fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "newpassword",
	}, auth.SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, auth.SignInOK, reSignIn.Status)

	// The token is spent.
	err = fixture.facade.CompletePasswordReset(context.Background(), msg.Token, "anotherpassword")
	require.Error(t, err)
}

func TestFacade_PasswordResetUnknownEmail(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{})

	// Unknown emails no-op to avoid account enumeration.
	require.NoError(t, fixture.facade.RequestPasswordReset(context.Background(), "nobody@example.com"))
	fixture.notifier.assertSilent(t)
}

func TestFacade_PasswordResetWeakPassword(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{})

	err := fixture.facade.CompletePasswordReset(context.Background(), "sometoken", "short")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "AUTH_INVALID_INPUT")
}

func TestFacade_AccountDeletion(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{})
	fixture.signUp(t, "alice@example.com", "password123")

	signIn, err := fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "password123",
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, fixture.facade.RequestAccountDeletion(context.Background(), signIn.SessionToken))
	msg := fixture.notifier.wait(t)
	assert.Equal(t, auth.TokenDeleteAccount, msg.Kind)

	require.NoError(t, fixture.facade.ConfirmAccountDeletion(context.Background(), msg.Token))

	_, err = fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "password123",
	}, auth.SessionMetadata{})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "AUTH_INVALID_CREDENTIALS")
}

func TestFacade_SignInExternal(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{RequireEmailVerification: true})

	session, token, err := fixture.facade.SignInExternal(context.Background(), "sso@example.com", auth.SessionMetadata{})
	require.NoError(t, err)
	assert.True(t, session.Trusted)
	assert.NotEmpty(t, token)

	// The provider-vouched account is verified and reused on repeat sign-in.
	account, err := fixture.store.GetAccount(context.Background(), session.AccountID)
	require.NoError(t, err)
	assert.True(t, account.EmailVerified)
	assert.Empty(t, account.PasswordHash)

	again, _, err := fixture.facade.SignInExternal(context.Background(), "sso@example.com", auth.SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, session.AccountID, again.AccountID)
}

func TestFacade_SessionManagement(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{})
	fixture.signUp(t, "alice@example.com", "password123")
	fixture.signUp(t, "mallory@example.com", "password123")

	signIn := func(identifier string) *auth.SignInResult {
		result, err := fixture.facade.SignIn(context.Background(), auth.SignInInput{
			Identifier: identifier,
			Password:   "password123",
		}, auth.SessionMetadata{})
		require.NoError(t, err)
		return result
	}

	first := signIn("alice@example.com")
	second := signIn("alice@example.com")
	mallory := signIn("mallory@example.com")

	sessions, err := fixture.facade.ListSessions(context.Background(), first.SessionToken)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	t.Run("cannot revoke someone else's session", func(t *testing.T) {
		err := fixture.facade.RevokeSession(context.Background(), mallory.SessionToken, first.Session.ID)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "SESSION_NOT_FOUND")

		_, err = fixture.facade.CurrentSession(context.Background(), first.SessionToken)
		assert.NoError(t, err)
	})

	t.Run("revoke own session", func(t *testing.T) {
		require.NoError(t, fixture.facade.RevokeSession(context.Background(), first.SessionToken, second.Session.ID))

		_, err := fixture.facade.CurrentSession(context.Background(), second.SessionToken)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "SESSION_REVOKED")
	})

	t.Run("revoke other sessions keeps caller", func(t *testing.T) {
		third := signIn("alice@example.com")
		require.NoError(t, fixture.facade.RevokeOtherSessions(context.Background(), first.SessionToken))

		_, err := fixture.facade.CurrentSession(context.Background(), first.SessionToken)
		assert.NoError(t, err)

		_, err = fixture.facade.CurrentSession(context.Background(), third.SessionToken)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "SESSION_REVOKED")
	})
}

func TestFacade_SignOut(t *testing.T) {
	fixture := newFacadeFixture(t, auth.FacadeConfig{})
	fixture.signUp(t, "alice@example.com", "password123")

	signIn, err := fixture.facade.SignIn(context.Background(), auth.SignInInput{
		Identifier: "alice@example.com",
		Password:   "password123",
	}, auth.SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, fixture.facade.SignOut(context.Background(), signIn.SessionToken))

	_, err = fixture.facade.CurrentSession(context.Background(), signIn.SessionToken)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SESSION_REVOKED")

	// Signing out again, or with garbage, is a no-op.
	assert.NoError(t, fixture.facade.SignOut(context.Background(), signIn.SessionToken))
	assert.NoError(t, fixture.facade.SignOut(context.Background(), "garbage"))
}
