package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clawreview/trust-engine/internal/domain"
)

// DecisionRepo handles the append-only decision records.
type DecisionRepo struct{}

const decisionColumns = `id, paper_id, paper_version_id, status, reason, actor_type, snapshot_json, created_at`

// Append inserts a decision record. Records are never updated.
func (r *DecisionRepo) Append(ctx context.Context, q DBTX, d domain.DecisionRecord) error {
	const stmt = `INSERT INTO decision_records (` + decisionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, d.ID, d.PaperID, d.PaperVersionID, string(d.Status), d.Reason,
		string(d.ActorType), encodeJSON(d.Snapshot), ms(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// Latest returns the most recent decision of a version, or nil when none exists.
func (r *DecisionRepo) Latest(ctx context.Context, q DBTX, versionID string) (*domain.DecisionRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decision_records
WHERE paper_version_id = ? ORDER BY seq DESC LIMIT 1`, versionID)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest decision: %w", err)
	}
	return d, nil
}

// ListByPaper returns every decision of a paper in append order.
func (r *DecisionRepo) ListByPaper(ctx context.Context, q DBTX, paperID string) ([]*domain.DecisionRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decision_records WHERE paper_id = ? ORDER BY seq ASC`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []*domain.DecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDecision(s scanner) (*domain.DecisionRecord, error) {
	var d domain.DecisionRecord
	var status, actor, snapshot string
	var created int64
	if err := s.Scan(&d.ID, &d.PaperID, &d.PaperVersionID, &status, &d.Reason, &actor, &snapshot, &created); err != nil {
		return nil, err
	}
	d.Status = domain.PaperStatus(status)
	d.ActorType = domain.ActorType(actor)
	if err := decodeJSON(snapshot, &d.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	d.CreatedAt = fromMs(created)
	return &d, nil
}
