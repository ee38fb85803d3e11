// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// DefaultPasskeyChallengeTTL bounds how long a ceremony may stay open.
const DefaultPasskeyChallengeTTL = 5 * time.Minute

// PasskeyChallenge is a server-issued WebAuthn challenge. AccountID is nil
// for discoverable-credential authentication, where the account is resolved
// from the credential the client returns. SessionData holds the marshaled
// webauthn session state. Challenges are single-use: completion, successful
// or not, consumes them.
type PasskeyChallenge struct {
	ID          ulid.ULID
	AccountID   *ulid.ULID
	SessionData []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// IsExpired returns true if the ceremony window has closed.
func (c *PasskeyChallenge) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// PasskeyChallengeRepository manages ceremony state persistence.
type PasskeyChallengeRepository interface {
	// Create stores a new challenge.
	Create(ctx context.Context, challenge *PasskeyChallenge) error

	// Consume atomically retrieves and removes a challenge, enforcing
	// single-use semantics: of two concurrent completions, exactly one
	// obtains the challenge. Returns ErrNotFound (wrapped) if the
	// challenge does not exist or was already consumed.
	Consume(ctx context.Context, id ulid.ULID) (*PasskeyChallenge, error)

	// DeleteExpired removes expired challenges and returns the count.
	DeleteExpired(ctx context.Context) (int64, error)
}

// RelyingParty configures the WebAuthn relying party.
type RelyingParty struct {
	ID      string   // domain, e.g. "example.com"
	Name    string   // shown by the authenticator UI
	Origins []string // allowed client origins
}

// PasskeyService runs WebAuthn registration and authentication ceremonies.
type PasskeyService struct {
	webAuthn     *webauthn.WebAuthn
	challenges   PasskeyChallengeRepository
	credentials  *CredentialStore
	sessions     *SessionManager
	challengeTTL time.Duration
}

// NewPasskeyService creates a new PasskeyService.
func NewPasskeyService(
	rp RelyingParty,
	challenges PasskeyChallengeRepository,
	credentials *CredentialStore,
	sessions *SessionManager,
	challengeTTL time.Duration,
) (*PasskeyService, error) {
	if challenges == nil {
		return nil, oops.Code("PASSKEY_SERVICE_INVALID").Errorf("challenge repository is required")
	}
	if credentials == nil {
		return nil, oops.Code("PASSKEY_SERVICE_INVALID").Errorf("credential store is required")
	}
	if sessions == nil {
		return nil, oops.Code("PASSKEY_SERVICE_INVALID").Errorf("session manager is required")
	}
	if challengeTTL <= 0 {
		challengeTTL = DefaultPasskeyChallengeTTL
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          rp.ID,
		RPDisplayName: rp.Name,
		RPOrigins:     rp.Origins,
	})
	if err != nil {
		return nil, oops.Code("PASSKEY_SERVICE_INVALID").
			With("rp_id", rp.ID).
			Wrap(err)
	}

	return &PasskeyService{
		webAuthn:     wa,
		challenges:   challenges,
		credentials:  credentials,
		sessions:     sessions,
		challengeTTL: challengeTTL,
	}, nil
}

// BeginRegistration issues a registration challenge bound to an account.
func (s *PasskeyService) BeginRegistration(ctx context.Context, accountID ulid.ULID) (*protocol.CredentialCreation, ulid.ULID, error) {
	user, err := s.webauthnUser(ctx, accountID)
	if err != nil {
		return nil, ulid.ULID{}, err
	}

	creation, sessionData, err := s.webAuthn.BeginRegistration(user)
	if err != nil {
		return nil, ulid.ULID{}, oops.Code("PASSKEY_BEGIN_FAILED").
			With("operation", "begin registration").
			Wrap(err)
	}

	challengeID, err := s.storeChallenge(ctx, &accountID, sessionData)
	if err != nil {
		return nil, ulid.ULID{}, err
	}
	return creation, challengeID, nil
}

// FinishRegistration verifies the client's attestation response and stores
// the new credential. The challenge is consumed whether or not verification
// succeeds; calling twice with the same challenge ID fails the second time.
func (s *PasskeyService) FinishRegistration(ctx context.Context, accountID, challengeID ulid.ULID, response io.Reader) error {
	challenge, sessionData, err := s.consumeChallenge(ctx, challengeID)
	if err != nil {
		return err
	}
	if challenge.AccountID == nil || challenge.AccountID.Compare(accountID) != 0 {
		return oops.Code("PASSKEY_CHALLENGE_MISMATCH").Errorf("challenge is bound to a different account")
	}

	user, err := s.webauthnUser(ctx, accountID)
	if err != nil {
		return err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(response)
	if err != nil {
		return oops.Code("PASSKEY_INVALID_RESPONSE").Wrap(err)
	}

	cred, err := s.webAuthn.CreateCredential(user, *sessionData, parsed)
	if err != nil {
		return oops.Code("PASSKEY_INVALID_SIGNATURE").Wrap(err)
	}

	blob, err := json.Marshal(cred)
	if err != nil {
		return oops.Code("PASSKEY_STORE_FAILED").
			With("operation", "marshal credential").
			Wrap(err)
	}

	return s.credentials.AddPasskey(ctx, &PasskeyCredential{
		CredentialID: cred.ID,
		AccountID:    accountID,
		Credential:   blob,
		CreatedAt:    time.Now(),
	})
}

// BeginAuthentication issues an authentication challenge. With an empty
// identifier the discoverable-credential flow is used and the account is
// resolved at finish time from the credential the client presents.
func (s *PasskeyService) BeginAuthentication(ctx context.Context, identifier string) (*protocol.CredentialAssertion, ulid.ULID, error) {
	var (
		assertion   *protocol.CredentialAssertion
		sessionData *webauthn.SessionData
		boundTo     *ulid.ULID
		err         error
	)

	if identifier == "" {
		assertion, sessionData, err = s.webAuthn.BeginDiscoverableLogin()
	} else {
		var account *Account
		account, err = s.credentials.FindByEmailOrUsername(ctx, identifier)
		if err != nil {
			return nil, ulid.ULID{}, err
		}
		var user *webauthnAccount
		user, err = s.webauthnUserFor(ctx, account)
		if err != nil {
			return nil, ulid.ULID{}, err
		}
		boundTo = &account.ID
		assertion, sessionData, err = s.webAuthn.BeginLogin(user)
	}
	if err != nil {
		return nil, ulid.ULID{}, oops.Code("PASSKEY_BEGIN_FAILED").
			With("operation", "begin authentication").
			Wrap(err)
	}

	challengeID, err := s.storeChallenge(ctx, boundTo, sessionData)
	if err != nil {
		return nil, ulid.ULID{}, err
	}
	return assertion, challengeID, nil
}

// FinishAuthentication verifies the client's assertion and mints a trusted
// session through the same cap-evicting path as password sign-in.
func (s *PasskeyService) FinishAuthentication(ctx context.Context, challengeID ulid.ULID, response io.Reader, meta SessionMetadata) (*Session, string, error) {
	challenge, sessionData, err := s.consumeChallenge(ctx, challengeID)
	if err != nil {
		return nil, "", err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(response)
	if err != nil {
		return nil, "", oops.Code("PASSKEY_INVALID_RESPONSE").Wrap(err)
	}

	var accountID ulid.ULID
	if challenge.AccountID != nil {
		accountID = *challenge.AccountID
		user, userErr := s.webauthnUser(ctx, accountID)
		if userErr != nil {
			return nil, "", userErr
		}
		if _, err = s.webAuthn.ValidateLogin(user, *sessionData, parsed); err != nil {
			return nil, "", oops.Code("PASSKEY_INVALID_SIGNATURE").Wrap(err)
		}
	} else {
		// The library flattens handler errors into formatted strings, so
		// the lookup failure has to be carried out of the closure to keep
		// the unknown-credential outcome distinguishable.
		var lookupErr error
		handler := func(rawID, _ []byte) (webauthn.User, error) {
			account, findErr := s.credentials.FindByCredentialID(ctx, rawID)
			if findErr != nil {
				lookupErr = findErr
				return nil, findErr
			}
			accountID = account.ID
			user, userErr := s.webauthnUserFor(ctx, account)
			if userErr != nil {
				lookupErr = userErr
				return nil, userErr
			}
			return user, nil
		}
		if _, err = s.webAuthn.ValidateDiscoverableLogin(handler, *sessionData, parsed); err != nil {
			if errors.Is(lookupErr, ErrNotFound) {
				return nil, "", oops.Code("PASSKEY_UNKNOWN_CREDENTIAL").Wrap(lookupErr)
			}
			if lookupErr != nil {
				return nil, "", lookupErr
			}
			return nil, "", oops.Code("PASSKEY_INVALID_SIGNATURE").Wrap(err)
		}
	}

	// A passkey proves possession; the session is trusted immediately.
	return s.sessions.Create(ctx, accountID, meta, true)
}

// Sweep removes expired challenges and returns the count deleted.
func (s *PasskeyService) Sweep(ctx context.Context) (int64, error) {
	n, err := s.challenges.DeleteExpired(ctx)
	if err != nil {
		return 0, oops.Code("PASSKEY_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}

func (s *PasskeyService) storeChallenge(ctx context.Context, accountID *ulid.ULID, sessionData *webauthn.SessionData) (ulid.ULID, error) {
	data, err := json.Marshal(sessionData)
	if err != nil {
		return ulid.ULID{}, oops.Code("PASSKEY_BEGIN_FAILED").
			With("operation", "marshal session data").
			Wrap(err)
	}
	challenge := &PasskeyChallenge{
		ID:          ulid.Make(),
		AccountID:   accountID,
		SessionData: data,
		ExpiresAt:   time.Now().Add(s.challengeTTL),
		CreatedAt:   time.Now(),
	}
	if err := s.challenges.Create(ctx, challenge); err != nil {
		return ulid.ULID{}, oops.Code("PASSKEY_BEGIN_FAILED").
			With("operation", "persist challenge").
			Wrap(err)
	}
	return challenge.ID, nil
}

// consumeChallenge enforces single-use and expiry. The challenge is removed
// even when expired; an expired ceremony can never complete.
func (s *PasskeyService) consumeChallenge(ctx context.Context, challengeID ulid.ULID) (*PasskeyChallenge, *webauthn.SessionData, error) {
	challenge, err := s.challenges.Consume(ctx, challengeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, oops.Code("PASSKEY_CHALLENGE_USED").Errorf("challenge not found or already used")
		}
		return nil, nil, oops.Code("PASSKEY_FINISH_FAILED").
			With("operation", "consume challenge").
			Wrap(err)
	}
	if challenge.IsExpired() {
		return nil, nil, oops.Code("PASSKEY_CHALLENGE_EXPIRED").Errorf("challenge has expired")
	}

	var sessionData webauthn.SessionData
	if err := json.Unmarshal(challenge.SessionData, &sessionData); err != nil {
		return nil, nil, oops.Code("PASSKEY_FINISH_FAILED").
			With("operation", "unmarshal session data").
			Wrap(err)
	}
	return challenge, &sessionData, nil
}

func (s *PasskeyService) webauthnUser(ctx context.Context, accountID ulid.ULID) (*webauthnAccount, error) {
	account, err := s.credentials.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.webauthnUserFor(ctx, account)
}

func (s *PasskeyService) webauthnUserFor(ctx context.Context, account *Account) (*webauthnAccount, error) {
	stored, err := s.credentials.ListPasskeys(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(stored))
	for _, pc := range stored {
		var cred webauthn.Credential
		if err := json.Unmarshal(pc.Credential, &cred); err != nil {
			return nil, oops.Code("PASSKEY_STORE_FAILED").
				With("operation", "unmarshal credential").
				Wrap(err)
		}
		creds = append(creds, cred)
	}
	return &webauthnAccount{account: account, creds: creds}, nil
}

// webauthnAccount adapts an Account to the webauthn.User interface.
type webauthnAccount struct {
	account *Account
	creds   []webauthn.Credential
}

func (u *webauthnAccount) WebAuthnID() []byte {
	id := u.account.ID
	return id[:]
}

func (u *webauthnAccount) WebAuthnName() string { return u.account.DisplayName() }

func (u *webauthnAccount) WebAuthnDisplayName() string { return u.account.DisplayName() }

func (u *webauthnAccount) WebAuthnCredentials() []webauthn.Credential { return u.creds }
