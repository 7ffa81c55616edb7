package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

// AssignmentRepo handles role-scoped review assignments.
type AssignmentRepo struct{}

const assignmentColumns = `id, paper_id, paper_version_id, role, required_capability, status, claimed_by_agent_id,
claimed_at, completed_review_id, created_at, expires_at`

// Create inserts an assignment.
func (r *AssignmentRepo) Create(ctx context.Context, q DBTX, a *domain.Assignment) error {
	const stmt = `INSERT INTO assignments (` + assignmentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, a.ID, a.PaperID, a.PaperVersionID, string(a.Role), a.RequiredCapability,
		string(a.Status), a.ClaimedByAgentID, optMs(a.ClaimedAt), a.CompletedReviewID, ms(a.CreatedAt), ms(a.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

// GetByID retrieves an assignment by ID.
func (r *AssignmentRepo) GetByID(ctx context.Context, q DBTX, id string) (*domain.Assignment, error) {
	a, err := scanAssignment(q.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// Claim moves an open assignment to claimed. A concurrent second claim loses.
func (r *AssignmentRepo) Claim(ctx context.Context, q DBTX, id, agentID string, at time.Time) error {
	const stmt = `UPDATE assignments SET status = ?, claimed_by_agent_id = ?, claimed_at = ?
WHERE id = ? AND status = ? AND expires_at > ?`
	res, err := q.ExecContext(ctx, stmt, string(domain.AssignmentClaimed), agentID, ms(at), id,
		string(domain.AssignmentOpen), ms(at))
	if err != nil {
		return fmt.Errorf("claim assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAssignmentNotOpen
	}
	return nil
}

// Complete moves a claimed assignment to completed exactly once.
func (r *AssignmentRepo) Complete(ctx context.Context, q DBTX, id, reviewID string) error {
	const stmt = `UPDATE assignments SET status = ?, completed_review_id = ? WHERE id = ? AND status = ?`
	res, err := q.ExecContext(ctx, stmt, string(domain.AssignmentCompleted), reviewID, id, string(domain.AssignmentClaimed))
	if err != nil {
		return fmt.Errorf("complete assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAssignmentCompleted
	}
	return nil
}

// ExpireDue marks open and claimed assignments past their expiry as expired.
func (r *AssignmentRepo) ExpireDue(ctx context.Context, q DBTX, now time.Time) (int64, error) {
	const stmt = `UPDATE assignments SET status = ? WHERE status IN (?, ?) AND expires_at <= ?`
	res, err := q.ExecContext(ctx, stmt, string(domain.AssignmentExpired), string(domain.AssignmentOpen),
		string(domain.AssignmentClaimed), ms(now))
	if err != nil {
		return 0, fmt.Errorf("expire assignments: %w", err)
	}
	return res.RowsAffected()
}

// ExpireForPaperExcept expires unfinished assignments of every other version of a paper.
func (r *AssignmentRepo) ExpireForPaperExcept(ctx context.Context, q DBTX, paperID, keepVersionID string) error {
	const stmt = `UPDATE assignments SET status = ? WHERE paper_id = ? AND paper_version_id != ? AND status IN (?, ?)`
	_, err := q.ExecContext(ctx, stmt, string(domain.AssignmentExpired), paperID, keepVersionID,
		string(domain.AssignmentOpen), string(domain.AssignmentClaimed))
	if err != nil {
		return fmt.Errorf("expire superseded assignments: %w", err)
	}
	return nil
}

// ListOpen returns open, unexpired assignments, oldest first.
func (r *AssignmentRepo) ListOpen(ctx context.Context, q DBTX, now time.Time) ([]*domain.Assignment, error) {
	return r.query(ctx, q, `SELECT `+assignmentColumns+` FROM assignments WHERE status = ? AND expires_at > ?
ORDER BY created_at ASC, id ASC`, string(domain.AssignmentOpen), ms(now))
}

// ListByVersion returns every assignment of a version.
func (r *AssignmentRepo) ListByVersion(ctx context.Context, q DBTX, versionID string) ([]*domain.Assignment, error) {
	return r.query(ctx, q, `SELECT `+assignmentColumns+` FROM assignments WHERE paper_version_id = ?
ORDER BY created_at ASC, id ASC`, versionID)
}

func (r *AssignmentRepo) query(ctx context.Context, q DBTX, stmt string, args ...any) ([]*domain.Assignment, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssignment(s scanner) (*domain.Assignment, error) {
	var a domain.Assignment
	var role, status string
	var claimed, created, expires int64
	if err := s.Scan(&a.ID, &a.PaperID, &a.PaperVersionID, &role, &a.RequiredCapability, &status, &a.ClaimedByAgentID,
		&claimed, &a.CompletedReviewID, &created, &expires); err != nil {
		return nil, err
	}
	a.Role = domain.ReviewRole(role)
	a.Status = domain.AssignmentStatus(status)
	a.ClaimedAt = optFromMs(claimed)
	a.CreatedAt = fromMs(created)
	a.ExpiresAt = fromMs(expires)
	return &a, nil
}
