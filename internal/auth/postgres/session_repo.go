// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/auth"
)

// SessionRepository implements auth.SessionRepository using PostgreSQL.
type SessionRepository struct {
	pool dbPool
}

// NewSessionRepository creates a new PostgreSQL session repository.
func NewSessionRepository(pool dbPool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, account_id, token_hash, user_agent, ip_address,
	trusted, expires_at, created_at, last_seen_at, revoked_at`

// CreateWithLimit inserts a session inside a transaction that first locks
// the account's live sessions and revokes the oldest ones over the cap.
// Two concurrent sign-ins for the same account serialize on the row locks,
// so the cap holds under races.
func (r *SessionRepository) CreateWithLimit(ctx context.Context, session *auth.Session, limit int) ([]ulid.ULID, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, oops.Code("TX_BEGIN_FAILED").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx, `
		SELECT id FROM sessions
		WHERE account_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
		FOR UPDATE
	`, session.AccountID.String())
	if err != nil {
		return nil, oops.Code("SESSION_QUERY_FAILED").
			With("account_id", session.AccountID.String()).
			Wrap(err)
	}
	live, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}

	var evicted []ulid.ULID
	if limit > 0 && len(live) >= limit {
		over := live[:len(live)-limit+1]
		for _, id := range over {
			if _, err := tx.Exec(ctx, `
				UPDATE sessions SET revoked_at = NOW() WHERE id = $1
			`, id.String()); err != nil {
				return nil, oops.Code("SESSION_EVICT_FAILED").With("id", id.String()).Wrap(err)
			}
		}
		evicted = over
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, session.ID.String(), session.AccountID.String(), session.TokenHash,
		session.UserAgent, session.IPAddress, session.Trusted,
		session.ExpiresAt, session.CreatedAt, session.LastSeenAt, session.RevokedAt); err != nil {
		return nil, oops.Code("SESSION_CREATE_FAILED").With("id", session.ID.String()).Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, oops.Code("TX_COMMIT_FAILED").Wrap(err)
	}
	return evicted, nil
}

// GetByID retrieves a session by ID.
func (r *SessionRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1
	`, id.String())
	session, err := scanSessionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").With("id", id.String()).Wrap(err)
	}
	return session, nil
}

// GetByTokenHash retrieves a session by its token hash.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1
	`, tokenHash)
	session, err := scanSessionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").Wrap(err)
	}
	return session, nil
}

// ListByAccount returns non-revoked sessions in creation order.
func (r *SessionRepository) ListByAccount(ctx context.Context, accountID ulid.ULID) ([]*auth.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE account_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, accountID.String())
	if err != nil {
		return nil, oops.Code("SESSION_QUERY_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var sessions []*auth.Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, oops.Code("SESSION_SCAN_FAILED").Wrap(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("SESSION_ITERATE_FAILED").Wrap(err)
	}
	return sessions, nil
}

// PromoteTrust sets trusted=true exactly once.
func (r *SessionRepository) PromoteTrust(ctx context.Context, id ulid.ULID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE sessions SET trusted = TRUE WHERE id = $1 AND NOT trusted
	`, id.String())
	if err != nil {
		return oops.Code("SESSION_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		// Distinguish missing from already trusted.
		var trusted bool
		err := r.pool.QueryRow(ctx, `SELECT trusted FROM sessions WHERE id = $1`, id.String()).Scan(&trusted)
		if errors.Is(err, pgx.ErrNoRows) {
			return oops.Code("SESSION_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
		}
		if err != nil {
			return oops.Code("SESSION_GET_FAILED").With("id", id.String()).Wrap(err)
		}
		return oops.Code("SESSION_ALREADY_TRUSTED").With("id", id.String()).Wrap(auth.ErrAlreadyUsed)
	}
	return nil
}

// UpdateLastSeen updates the LastSeenAt timestamp.
func (r *SessionRepository) UpdateLastSeen(ctx context.Context, id ulid.ULID, lastSeen time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE sessions SET last_seen_at = $2 WHERE id = $1
	`, id.String(), lastSeen)
	if err != nil {
		return oops.Code("SESSION_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// Revoke marks a session revoked. Revoking twice is a no-op.
func (r *SessionRepository) Revoke(ctx context.Context, id ulid.ULID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = COALESCE(revoked_at, NOW()) WHERE id = $1
	`, id.String())
	if err != nil {
		return oops.Code("SESSION_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// RevokeByAccount revokes all live sessions of an account.
func (r *SessionRepository) RevokeByAccount(ctx context.Context, accountID ulid.ULID) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = NOW()
		WHERE account_id = $1 AND revoked_at IS NULL
	`, accountID.String())
	if err != nil {
		return 0, oops.Code("SESSION_UPDATE_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes expired sessions.
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_FAILED").Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanSessionRow scans a single session from a row.
func scanSessionRow(row pgx.Row) (*auth.Session, error) {
	var session auth.Session
	var idStr, accountIDStr string

	err := row.Scan(
		&idStr, &accountIDStr, &session.TokenHash, &session.UserAgent,
		&session.IPAddress, &session.Trusted, &session.ExpiresAt,
		&session.CreatedAt, &session.LastSeenAt, &session.RevokedAt,
	)
	if err != nil {
		return nil, err
	}

	session.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("SESSION_PARSE_FAILED").With("field", "id").With("value", idStr).Wrap(err)
	}
	session.AccountID, err = ulid.Parse(accountIDStr)
	if err != nil {
		return nil, oops.Code("SESSION_PARSE_FAILED").With("field", "account_id").With("value", accountIDStr).Wrap(err)
	}
	return &session, nil
}

// scanIDs collects ULIDs from a single-column result set.
func scanIDs(rows pgx.Rows) ([]ulid.ULID, error) {
	defer rows.Close()

	var ids []ulid.ULID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, oops.Code("SESSION_SCAN_FAILED").Wrap(err)
		}
		id, err := ulid.Parse(idStr)
		if err != nil {
			return nil, oops.Code("SESSION_PARSE_FAILED").With("value", idStr).Wrap(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("SESSION_ITERATE_FAILED").Wrap(err)
	}
	return ids, nil
}

// Compile-time interface check.
var _ auth.SessionRepository = (*SessionRepository)(nil)
