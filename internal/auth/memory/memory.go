// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package memory provides mutex-guarded in-memory implementations of the
// auth repositories. Used by the dev server and by tests that exercise the
// core's atomicity contracts without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// AccountRepository implements auth.AccountRepository in memory.
type AccountRepository struct {
	mu         sync.RWMutex
	byID       map[ulid.ULID]*auth.Account
	byEmail    map[string]ulid.ULID
	byUsername map[string]ulid.ULID
	passkeys   map[string]*auth.PasskeyCredential // keyed by credential ID
	passkeySeq []string                           // registration order
}

// NewAccountRepository creates an empty AccountRepository.
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byID:       make(map[ulid.ULID]*auth.Account),
		byEmail:    make(map[string]ulid.ULID),
		byUsername: make(map[string]ulid.ULID),
		passkeys:   make(map[string]*auth.PasskeyCredential),
	}
}

func copyAccount(a *auth.Account) *auth.Account {
	cp := *a
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		cp.LockedUntil = &t
	}
	return &cp
}

// Create stores a new account, enforcing email/username uniqueness
// atomically under the repository lock.
func (r *AccountRepository) Create(_ context.Context, account *auth.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := strings.ToLower(account.Email)
	if _, exists := r.byEmail[email]; exists {
		return auth.ErrConflict
	}
	username := strings.ToLower(account.Username)
	if username != "" {
		if _, exists := r.byUsername[username]; exists {
			return auth.ErrConflict
		}
	}

	r.byID[account.ID] = copyAccount(account)
	r.byEmail[email] = account.ID
	if username != "" {
		r.byUsername[username] = account.ID
	}
	return nil
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyAccount(account), nil
}

// GetByEmail retrieves an account by email (case-insensitive).
func (r *AccountRepository) GetByEmail(_ context.Context, email string) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyAccount(r.byID[id]), nil
}

// GetByIdentifier retrieves an account by email or username.
func (r *AccountRepository) GetByIdentifier(_ context.Context, identifier string) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := strings.ToLower(identifier)
	if id, ok := r.byEmail[key]; ok {
		return copyAccount(r.byID[id]), nil
	}
	if id, ok := r.byUsername[key]; ok {
		return copyAccount(r.byID[id]), nil
	}
	return nil, auth.ErrNotFound
}

// Update replaces an existing account.
func (r *AccountRepository) Update(_ context.Context, account *auth.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[account.ID]; !ok {
		return auth.ErrNotFound
	}
	r.byID[account.ID] = copyAccount(account)
	return nil
}

// UpdatePassword updates only the password hash.
func (r *AccountRepository) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = time.Now()
	return nil
}

// SetEmailVerified marks the account verified.
func (r *AccountRepository) SetEmailVerified(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	account.EmailVerified = true
	account.UpdatedAt = time.Now()
	return nil
}

// SetTwoFactor updates the 2FA flag and secret together.
func (r *AccountRepository) SetTwoFactor(_ context.Context, id ulid.ULID, enabled bool, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	account.TwoFactorEnabled = enabled
	account.TwoFactorSecret = secret
	account.UpdatedAt = time.Now()
	return nil
}

// AddPasskey stores a passkey credential.
func (r *AccountRepository) AddPasskey(_ context.Context, cred *auth.PasskeyCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(cred.CredentialID)
	if _, exists := r.passkeys[key]; exists {
		return auth.ErrConflict
	}
	cp := *cred
	cp.CredentialID = append([]byte(nil), cred.CredentialID...)
	cp.Credential = append([]byte(nil), cred.Credential...)
	r.passkeys[key] = &cp
	r.passkeySeq = append(r.passkeySeq, key)
	return nil
}

// ListPasskeys returns the account's credentials in registration order.
func (r *AccountRepository) ListPasskeys(_ context.Context, accountID ulid.ULID) ([]*auth.PasskeyCredential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var creds []*auth.PasskeyCredential
	for _, key := range r.passkeySeq {
		cred, ok := r.passkeys[key]
		if ok && cred.AccountID.Compare(accountID) == 0 {
			cp := *cred
			creds = append(creds, &cp)
		}
	}
	return creds, nil
}

// GetByCredentialID resolves a credential to its owning account.
func (r *AccountRepository) GetByCredentialID(_ context.Context, credentialID []byte) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, ok := r.passkeys[string(credentialID)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	account, ok := r.byID[cred.AccountID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyAccount(account), nil
}

// Delete permanently removes an account and its passkeys.
func (r *AccountRepository) Delete(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(r.byID, id)
	delete(r.byEmail, strings.ToLower(account.Email))
	if account.Username != "" {
		delete(r.byUsername, strings.ToLower(account.Username))
	}
	for key, cred := range r.passkeys {
		if cred.AccountID.Compare(id) == 0 {
			delete(r.passkeys, key)
		}
	}
	return nil
}

// SessionRepository implements auth.SessionRepository in memory.
type SessionRepository struct {
	mu      sync.Mutex
	byID    map[ulid.ULID]*auth.Session
	byHash  map[string]ulid.ULID
	seq     map[ulid.ULID]uint64 // insertion order, tiebreak for eviction
	nextSeq uint64
}

// NewSessionRepository creates an empty SessionRepository.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		byID:   make(map[ulid.ULID]*auth.Session),
		byHash: make(map[string]ulid.ULID),
		seq:    make(map[ulid.ULID]uint64),
	}
}

func copySession(s *auth.Session) *auth.Session {
	cp := *s
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

// CreateWithLimit inserts a session after revoking the oldest live sessions
// over the cap. Count, eviction, and insert happen under one lock.
func (r *SessionRepository) CreateWithLimit(_ context.Context, session *auth.Session, limit int) ([]ulid.ULID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.liveLocked(session.AccountID)

	var evicted []ulid.ULID
	for len(live) >= limit && limit > 0 {
		oldest := live[0]
		now := time.Now()
		oldest.RevokedAt = &now
		evicted = append(evicted, oldest.ID)
		live = live[1:]
	}

	r.byID[session.ID] = copySession(session)
	r.byHash[session.TokenHash] = session.ID
	r.seq[session.ID] = r.nextSeq
	r.nextSeq++
	return evicted, nil
}

// liveLocked returns non-revoked sessions of an account, oldest first.
func (r *SessionRepository) liveLocked(accountID ulid.ULID) []*auth.Session {
	var live []*auth.Session
	for _, s := range r.byID {
		if s.AccountID.Compare(accountID) == 0 && s.RevokedAt == nil {
			live = append(live, s)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return r.seq[live[i].ID] < r.seq[live[j].ID]
		}
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})
	return live
}

// GetByID retrieves a session by ID.
func (r *SessionRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copySession(session), nil
}

// GetByTokenHash retrieves a session by its token hash.
func (r *SessionRepository) GetByTokenHash(_ context.Context, tokenHash string) (*auth.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byHash[tokenHash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copySession(r.byID[id]), nil
}

// ListByAccount returns non-revoked sessions in creation order.
func (r *SessionRepository) ListByAccount(_ context.Context, accountID ulid.ULID) ([]*auth.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.liveLocked(accountID)
	out := make([]*auth.Session, 0, len(live))
	for _, s := range live {
		out = append(out, copySession(s))
	}
	return out, nil
}

// PromoteTrust sets trusted=true exactly once.
func (r *SessionRepository) PromoteTrust(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	if session.Trusted {
		return auth.ErrAlreadyUsed
	}
	session.Trusted = true
	return nil
}

// UpdateLastSeen updates the LastSeenAt timestamp.
func (r *SessionRepository) UpdateLastSeen(_ context.Context, id ulid.ULID, lastSeen time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	session.LastSeenAt = lastSeen
	return nil
}

// Revoke marks a session revoked.
func (r *SessionRepository) Revoke(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	if session.RevokedAt == nil {
		now := time.Now()
		session.RevokedAt = &now
	}
	return nil
}

// RevokeByAccount revokes all live sessions of an account.
func (r *SessionRepository) RevokeByAccount(_ context.Context, accountID ulid.ULID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now()
	for _, s := range r.byID {
		if s.AccountID.Compare(accountID) == 0 && s.RevokedAt == nil {
			s.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

// DeleteExpired removes expired sessions.
func (r *SessionRepository) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now()
	for id, s := range r.byID {
		if now.After(s.ExpiresAt) {
			delete(r.byID, id)
			delete(r.byHash, s.TokenHash)
			delete(r.seq, id)
			n++
		}
	}
	return n, nil
}

// TokenRepository implements auth.TokenRepository in memory.
type TokenRepository struct {
	mu     sync.Mutex
	byHash map[string]*auth.Token
}

// NewTokenRepository creates an empty TokenRepository.
func NewTokenRepository() *TokenRepository {
	return &TokenRepository{byHash: make(map[string]*auth.Token)}
}

// Create stores a new token.
func (r *TokenRepository) Create(_ context.Context, token *auth.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *token
	r.byHash[token.TokenHash] = &cp
	return nil
}

// Redeem atomically marks a token spent. Exactly one of two concurrent
// redemptions of the same value succeeds.
func (r *TokenRepository) Redeem(_ context.Context, kind auth.TokenKind, tokenHash string) (*auth.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byHash[tokenHash]
	if !ok || token.Kind != kind {
		return nil, auth.ErrNotFound
	}
	if token.UsedAt != nil {
		return nil, auth.ErrAlreadyUsed
	}
	now := time.Now()
	token.UsedAt = &now

	cp := *token
	used := *token.UsedAt
	cp.UsedAt = &used
	return &cp, nil
}

// DeleteByAccount removes all tokens of a kind for an account.
func (r *TokenRepository) DeleteByAccount(_ context.Context, accountID ulid.ULID, kind auth.TokenKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hash, token := range r.byHash {
		if token.AccountID.Compare(accountID) == 0 && token.Kind == kind {
			delete(r.byHash, hash)
		}
	}
	return nil
}

// DeleteExpired removes expired tokens.
func (r *TokenRepository) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now()
	for hash, token := range r.byHash {
		if now.After(token.ExpiresAt) {
			delete(r.byHash, hash)
			n++
		}
	}
	return n, nil
}

// TwoFactorChallengeRepository implements
// auth.TwoFactorChallengeRepository in memory.
type TwoFactorChallengeRepository struct {
	mu   sync.Mutex
	byID map[ulid.ULID]*auth.TwoFactorChallenge
}

// NewTwoFactorChallengeRepository creates an empty repository.
func NewTwoFactorChallengeRepository() *TwoFactorChallengeRepository {
	return &TwoFactorChallengeRepository{byID: make(map[ulid.ULID]*auth.TwoFactorChallenge)}
}

// Create stores a new challenge.
func (r *TwoFactorChallengeRepository) Create(_ context.Context, challenge *auth.TwoFactorChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *challenge
	r.byID[challenge.ID] = &cp
	return nil
}

// GetByID retrieves a challenge.
func (r *TwoFactorChallengeRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.TwoFactorChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	challenge, ok := r.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *challenge
	return &cp, nil
}

// RecordAttempt atomically increments the attempt counter.
func (r *TwoFactorChallengeRepository) RecordAttempt(_ context.Context, id ulid.ULID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	challenge, ok := r.byID[id]
	if !ok {
		return 0, auth.ErrNotFound
	}
	challenge.Attempts++
	return challenge.Attempts, nil
}

// SetState transitions the challenge state.
func (r *TwoFactorChallengeRepository) SetState(_ context.Context, id ulid.ULID, state auth.TwoFactorState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	challenge, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	challenge.State = state
	return nil
}

// DeleteExpired removes expired challenges.
func (r *TwoFactorChallengeRepository) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now()
	for id, c := range r.byID {
		if now.After(c.ExpiresAt) {
			delete(r.byID, id)
			n++
		}
	}
	return n, nil
}

// PasskeyChallengeRepository implements auth.PasskeyChallengeRepository in
// memory.
type PasskeyChallengeRepository struct {
	mu   sync.Mutex
	byID map[ulid.ULID]*auth.PasskeyChallenge
}

// NewPasskeyChallengeRepository creates an empty repository.
func NewPasskeyChallengeRepository() *PasskeyChallengeRepository {
	return &PasskeyChallengeRepository{byID: make(map[ulid.ULID]*auth.PasskeyChallenge)}
}

// Create stores a new challenge.
func (r *PasskeyChallengeRepository) Create(_ context.Context, challenge *auth.PasskeyChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *challenge
	cp.SessionData = append([]byte(nil), challenge.SessionData...)
	r.byID[challenge.ID] = &cp
	return nil
}

// Consume atomically retrieves and removes a challenge.
func (r *PasskeyChallengeRepository) Consume(_ context.Context, id ulid.ULID) (*auth.PasskeyChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	challenge, ok := r.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	delete(r.byID, id)
	return challenge, nil
}

// DeleteExpired removes expired challenges.
func (r *PasskeyChallengeRepository) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now()
	for id, c := range r.byID {
		if now.After(c.ExpiresAt) {
			delete(r.byID, id)
			n++
		}
	}
	return n, nil
}
