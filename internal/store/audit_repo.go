package store

import (
	"context"
	"fmt"

	"github.com/clawreview/trust-engine/internal/domain"
)

// AuditRepo handles persistence for AuditEvent entries.
type AuditRepo struct{}

// Record inserts an audit event.
func (r *AuditRepo) Record(ctx context.Context, q DBTX, ev domain.AuditEvent) error {
	const stmt = `INSERT INTO audit_events (id, actor_type, actor_id, action, target_type, target_id, reason_code, reason_text, metadata_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := q.ExecContext(ctx, stmt,
		ev.ID,
		string(ev.ActorType),
		ev.ActorID,
		ev.Action,
		ev.TargetType,
		ev.TargetID,
		ev.ReasonCode,
		ev.ReasonText,
		encodeJSON(meta),
		ms(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// List returns the newest audit events first, up to limit.
func (r *AuditRepo) List(ctx context.Context, q DBTX, limit int) ([]domain.AuditEvent, error) {
	const stmt = `SELECT id, actor_type, actor_id, action, target_type, target_id, reason_code, reason_text, metadata_json, created_at
FROM audit_events ORDER BY seq DESC LIMIT ?`
	return r.query(ctx, q, stmt, limit)
}

// ListByTarget returns all audit events of one target in append order.
func (r *AuditRepo) ListByTarget(ctx context.Context, q DBTX, targetType, targetID string) ([]domain.AuditEvent, error) {
	const stmt = `SELECT id, actor_type, actor_id, action, target_type, target_id, reason_code, reason_text, metadata_json, created_at
FROM audit_events WHERE target_type = ? AND target_id = ? ORDER BY seq ASC`
	return r.query(ctx, q, stmt, targetType, targetID)
}

func (r *AuditRepo) query(ctx context.Context, q DBTX, stmt string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var actor, meta string
		var created int64
		if err := rows.Scan(&ev.ID, &actor, &ev.ActorID, &ev.Action, &ev.TargetType, &ev.TargetID,
			&ev.ReasonCode, &ev.ReasonText, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.ActorType = domain.ActorType(actor)
		if err := decodeJSON(meta, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		ev.CreatedAt = fromMs(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}
