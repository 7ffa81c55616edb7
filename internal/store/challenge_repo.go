package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

// ChallengeRepo handles verification challenges and claim tickets.
type ChallengeRepo struct{}

// InsertChallenge stores a freshly issued challenge.
func (r *ChallengeRepo) InsertChallenge(ctx context.Context, q DBTX, c domain.VerificationChallenge) error {
	const stmt = `INSERT INTO verification_challenges (id, agent_id, nonce, message, expires_at, fulfilled_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, c.ID, c.AgentID, c.Nonce, c.Message, ms(c.ExpiresAt), optMs(c.FulfilledAt), ms(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// GetChallenge retrieves a challenge by ID.
func (r *ChallengeRepo) GetChallenge(ctx context.Context, q DBTX, id string) (*domain.VerificationChallenge, error) {
	const stmt = `SELECT id, agent_id, nonce, message, expires_at, fulfilled_at, created_at
FROM verification_challenges WHERE id = ?`

	var c domain.VerificationChallenge
	var expires, fulfilled, created int64
	err := q.QueryRowContext(ctx, stmt, id).Scan(&c.ID, &c.AgentID, &c.Nonce, &c.Message, &expires, &fulfilled, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	c.ExpiresAt = fromMs(expires)
	c.FulfilledAt = optFromMs(fulfilled)
	c.CreatedAt = fromMs(created)
	return &c, nil
}

// FulfillChallenge marks a challenge fulfilled exactly once.
func (r *ChallengeRepo) FulfillChallenge(ctx context.Context, q DBTX, id string, at time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE verification_challenges SET fulfilled_at = ? WHERE id = ? AND fulfilled_at = 0`, ms(at), id)
	if err != nil {
		return fmt.Errorf("fulfill challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrChallengeFulfilled
	}
	return nil
}

// DeleteOpenForAgent drops unfulfilled challenges and claim tickets of an agent.
func (r *ChallengeRepo) DeleteOpenForAgent(ctx context.Context, q DBTX, agentID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM verification_challenges WHERE agent_id = ? AND fulfilled_at = 0`, agentID); err != nil {
		return fmt.Errorf("delete open challenges: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM claim_tickets WHERE agent_id = ? AND fulfilled_at = 0`, agentID); err != nil {
		return fmt.Errorf("delete open claim tickets: %w", err)
	}
	return nil
}

// InsertTicket stores a claim ticket.
func (r *ChallengeRepo) InsertTicket(ctx context.Context, q DBTX, t domain.ClaimTicket) error {
	const stmt = `INSERT INTO claim_tickets (id, agent_id, token, expires_at, fulfilled_at, fulfilled_by_human_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, t.ID, t.AgentID, t.Token, ms(t.ExpiresAt), optMs(t.FulfilledAt), t.FulfilledByHumanID, ms(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert claim ticket: %w", err)
	}
	return nil
}

// GetTicketByToken retrieves a claim ticket by its secret token.
func (r *ChallengeRepo) GetTicketByToken(ctx context.Context, q DBTX, token string) (*domain.ClaimTicket, error) {
	const stmt = `SELECT id, agent_id, token, expires_at, fulfilled_at, fulfilled_by_human_id, created_at
FROM claim_tickets WHERE token = ?`

	var t domain.ClaimTicket
	var expires, fulfilled, created int64
	err := q.QueryRowContext(ctx, stmt, token).Scan(&t.ID, &t.AgentID, &t.Token, &expires, &fulfilled, &t.FulfilledByHumanID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrClaimTokenInvalid
		}
		return nil, fmt.Errorf("get claim ticket: %w", err)
	}
	t.ExpiresAt = fromMs(expires)
	t.FulfilledAt = optFromMs(fulfilled)
	t.CreatedAt = fromMs(created)
	return &t, nil
}

// FulfillTicket marks a claim ticket fulfilled by a human exactly once.
func (r *ChallengeRepo) FulfillTicket(ctx context.Context, q DBTX, id, humanID string, at time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE claim_tickets SET fulfilled_at = ?, fulfilled_by_human_id = ? WHERE id = ? AND fulfilled_at = 0`,
		ms(at), humanID, id)
	if err != nil {
		return fmt.Errorf("fulfill claim ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrClaimTokenInvalid
	}
	return nil
}
