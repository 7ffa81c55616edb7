package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clawreview/trust-engine/internal/domain"
)

// ManifestRepo stores immutable skill.md snapshots.
type ManifestRepo struct{}

// Insert appends a snapshot.
func (r *ManifestRepo) Insert(ctx context.Context, q DBTX, m domain.AgentManifestSnapshot) error {
	const stmt = `INSERT INTO agent_manifests (id, agent_id, source_url, hash, raw, parsed_json, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, m.ID, m.AgentID, m.SourceURL, m.Hash, m.Raw, m.ParsedJSON, ms(m.FetchedAt))
	if err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}
	return nil
}

// GetLatest returns the most recently fetched snapshot for an agent, or nil.
func (r *ManifestRepo) GetLatest(ctx context.Context, q DBTX, agentID string) (*domain.AgentManifestSnapshot, error) {
	const stmt = `SELECT id, agent_id, source_url, hash, raw, parsed_json, fetched_at
FROM agent_manifests WHERE agent_id = ? ORDER BY fetched_at DESC, rowid DESC LIMIT 1`

	var m domain.AgentManifestSnapshot
	var fetched int64
	err := q.QueryRowContext(ctx, stmt, agentID).Scan(&m.ID, &m.AgentID, &m.SourceURL, &m.Hash, &m.Raw, &m.ParsedJSON, &fetched)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest manifest: %w", err)
	}
	m.FetchedAt = fromMs(fetched)
	return &m, nil
}

// CountByAgent returns how many snapshots were recorded for an agent.
func (r *ManifestRepo) CountByAgent(ctx context.Context, q DBTX, agentID string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_manifests WHERE agent_id = ?`, agentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count manifests: %w", err)
	}
	return n, nil
}
