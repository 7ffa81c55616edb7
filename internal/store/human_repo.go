package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

// HumanRepo handles humans, their email proofs, sessions, and GitHub link states.
type HumanRepo struct{}

const humanColumns = `id, username, email, email_verified_at, github_id, github_login, github_verified_at, created_at, updated_at`

// Create inserts a new human.
func (r *HumanRepo) Create(ctx context.Context, q DBTX, h *domain.Human) error {
	const stmt = `INSERT INTO humans (` + humanColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, h.ID, h.Username, h.Email, optMs(h.EmailVerifiedAt), h.GithubID, h.GithubLogin,
		optMs(h.GithubVerifiedAt), ms(h.CreatedAt), ms(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create human: %w", err)
	}
	return nil
}

// Update overwrites the mutable columns of a human.
func (r *HumanRepo) Update(ctx context.Context, q DBTX, h *domain.Human) error {
	const stmt = `UPDATE humans SET username = ?, email_verified_at = ?, github_id = ?, github_login = ?,
	github_verified_at = ?, updated_at = ? WHERE id = ?`
	res, err := q.ExecContext(ctx, stmt, h.Username, optMs(h.EmailVerifiedAt), h.GithubID, h.GithubLogin,
		optMs(h.GithubVerifiedAt), ms(h.UpdatedAt), h.ID)
	if err != nil {
		return fmt.Errorf("update human: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrHumanNotFound
	}
	return nil
}

// GetByID retrieves a human by ID.
func (r *HumanRepo) GetByID(ctx context.Context, q DBTX, id string) (*domain.Human, error) {
	return r.getOne(ctx, q, `SELECT `+humanColumns+` FROM humans WHERE id = ?`, id)
}

// GetByEmail retrieves a human by normalized email.
func (r *HumanRepo) GetByEmail(ctx context.Context, q DBTX, email string) (*domain.Human, error) {
	return r.getOne(ctx, q, `SELECT `+humanColumns+` FROM humans WHERE email = ?`, email)
}

// GetByGithubID retrieves the human a GitHub account is linked to.
func (r *HumanRepo) GetByGithubID(ctx context.Context, q DBTX, githubID string) (*domain.Human, error) {
	return r.getOne(ctx, q, `SELECT `+humanColumns+` FROM humans WHERE github_id = ? AND github_id != ''`, githubID)
}

func (r *HumanRepo) getOne(ctx context.Context, q DBTX, stmt string, arg string) (*domain.Human, error) {
	var h domain.Human
	var emailAt, githubAt, created, updated int64
	err := q.QueryRowContext(ctx, stmt, arg).Scan(&h.ID, &h.Username, &h.Email, &emailAt, &h.GithubID, &h.GithubLogin,
		&githubAt, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrHumanNotFound
		}
		return nil, fmt.Errorf("get human: %w", err)
	}
	h.EmailVerifiedAt = optFromMs(emailAt)
	h.GithubVerifiedAt = optFromMs(githubAt)
	h.CreatedAt = fromMs(created)
	h.UpdatedAt = fromMs(updated)
	return &h, nil
}

// InsertEmailVerification stores a pending email code.
func (r *HumanRepo) InsertEmailVerification(ctx context.Context, q DBTX, v domain.EmailVerification) error {
	const stmt = `INSERT INTO email_verifications (id, email, code, expires_at, consumed_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, v.ID, v.Email, v.Code, ms(v.ExpiresAt), optMs(v.ConsumedAt), ms(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert email verification: %w", err)
	}
	return nil
}

// LatestOpenEmailVerification returns the newest unconsumed code for an email.
func (r *HumanRepo) LatestOpenEmailVerification(ctx context.Context, q DBTX, email string) (*domain.EmailVerification, error) {
	const stmt = `SELECT id, email, code, expires_at, created_at FROM email_verifications
WHERE email = ? AND consumed_at = 0 ORDER BY created_at DESC, rowid DESC LIMIT 1`

	var v domain.EmailVerification
	var expires, created int64
	err := q.QueryRowContext(ctx, stmt, email).Scan(&v.ID, &v.Email, &v.Code, &expires, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEmailVerificationNotFound
		}
		return nil, fmt.Errorf("get email verification: %w", err)
	}
	v.ExpiresAt = fromMs(expires)
	v.CreatedAt = fromMs(created)
	return &v, nil
}

// ConsumeEmailVerification marks a code used.
func (r *HumanRepo) ConsumeEmailVerification(ctx context.Context, q DBTX, id string, at time.Time) error {
	if _, err := q.ExecContext(ctx, `UPDATE email_verifications SET consumed_at = ? WHERE id = ?`, ms(at), id); err != nil {
		return fmt.Errorf("consume email verification: %w", err)
	}
	return nil
}

// InsertSession stores a human session.
func (r *HumanRepo) InsertSession(ctx context.Context, q DBTX, s domain.HumanSession) error {
	const stmt = `INSERT INTO human_sessions (token, human_id, expires_at, last_seen_at, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, s.Token, s.HumanID, ms(s.ExpiresAt), ms(s.LastSeenAt), ms(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns an unexpired session and refreshes its last-seen time.
func (r *HumanRepo) GetSession(ctx context.Context, q DBTX, token string, now time.Time) (*domain.HumanSession, error) {
	const stmt = `SELECT token, human_id, expires_at, last_seen_at, created_at FROM human_sessions WHERE token = ?`

	var s domain.HumanSession
	var expires, seen, created int64
	err := q.QueryRowContext(ctx, stmt, token).Scan(&s.Token, &s.HumanID, &expires, &seen, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionInvalid
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.ExpiresAt = fromMs(expires)
	s.CreatedAt = fromMs(created)
	if !now.Before(s.ExpiresAt) {
		return nil, domain.ErrSessionInvalid
	}
	if _, err := q.ExecContext(ctx, `UPDATE human_sessions SET last_seen_at = ? WHERE token = ?`, ms(now), token); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	s.LastSeenAt = now
	return &s, nil
}

// DeleteSession removes a session.
func (r *HumanRepo) DeleteSession(ctx context.Context, q DBTX, token string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM human_sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// InsertGithubState stores an OAuth state value.
func (r *HumanRepo) InsertGithubState(ctx context.Context, q DBTX, s domain.GithubLinkState) error {
	const stmt = `INSERT INTO github_link_states (state, human_id, expires_at, consumed_at) VALUES (?, ?, ?, ?)`
	if _, err := q.ExecContext(ctx, stmt, s.State, s.HumanID, ms(s.ExpiresAt), optMs(s.ConsumedAt)); err != nil {
		return fmt.Errorf("insert github state: %w", err)
	}
	return nil
}

// ConsumeGithubState marks an unexpired, unconsumed state used and returns it.
func (r *HumanRepo) ConsumeGithubState(ctx context.Context, q DBTX, state string, now time.Time) (*domain.GithubLinkState, error) {
	var s domain.GithubLinkState
	var expires int64
	err := q.QueryRowContext(ctx, `SELECT state, human_id, expires_at FROM github_link_states WHERE state = ? AND consumed_at = 0`, state).
		Scan(&s.State, &s.HumanID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrGithubStateInvalid
		}
		return nil, fmt.Errorf("get github state: %w", err)
	}
	s.ExpiresAt = fromMs(expires)
	if !now.Before(s.ExpiresAt) {
		return nil, domain.ErrGithubStateInvalid
	}
	if _, err := q.ExecContext(ctx, `UPDATE github_link_states SET consumed_at = ? WHERE state = ?`, ms(now), state); err != nil {
		return nil, fmt.Errorf("consume github state: %w", err)
	}
	s.ConsumedAt = &now
	return &s, nil
}
