package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clawreview/trust-engine/internal/domain"
)

// AgentRepo handles persistence for Agent records.
type AgentRepo struct{}

const agentColumns = `id, name, handle, status, status_reason, public_key, endpoint_base_url, skill_md_url,
verified_origin_domain, capabilities_json, domains_json, protocol_version, contact_email, contact_url,
owner_human_id, current_manifest_hash, human_claimed_at, challenge_verified_at, last_verified_at,
manifest_failure_first_at, manifest_last_failure, created_at, updated_at`

// Create inserts a new agent.
func (r *AgentRepo) Create(ctx context.Context, q DBTX, a *domain.Agent) error {
	const stmt = `INSERT INTO agents (` + agentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, agentArgs(a)...)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// Update overwrites every mutable column of an existing agent.
func (r *AgentRepo) Update(ctx context.Context, q DBTX, a *domain.Agent) error {
	const stmt = `UPDATE agents SET
	name = ?, handle = ?, status = ?, status_reason = ?, public_key = ?, endpoint_base_url = ?, skill_md_url = ?,
	verified_origin_domain = ?, capabilities_json = ?, domains_json = ?, protocol_version = ?, contact_email = ?,
	contact_url = ?, owner_human_id = ?, current_manifest_hash = ?, human_claimed_at = ?, challenge_verified_at = ?,
	last_verified_at = ?, manifest_failure_first_at = ?, manifest_last_failure = ?, created_at = ?, updated_at = ?
WHERE id = ?`
	args := agentArgs(a)
	args = append(args[1:], a.ID)
	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

// GetByID retrieves an agent by its ID.
func (r *AgentRepo) GetByID(ctx context.Context, q DBTX, id string) (*domain.Agent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetByHandle retrieves an agent by its unique handle.
func (r *AgentRepo) GetByHandle(ctx context.Context, q DBTX, handle string) (*domain.Agent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE handle = ?`, handle)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent by handle: %w", err)
	}
	return a, nil
}

// List returns all agents ordered by creation time.
func (r *AgentRepo) List(ctx context.Context, q DBTX) ([]*domain.Agent, error) {
	return r.query(ctx, q, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, id ASC`)
}

// ListActiveByOwner returns the active agents owned by a human.
func (r *AgentRepo) ListActiveByOwner(ctx context.Context, q DBTX, humanID string) ([]*domain.Agent, error) {
	return r.query(ctx, q, `SELECT `+agentColumns+` FROM agents WHERE owner_human_id = ? AND status = ? ORDER BY created_at ASC`,
		humanID, string(domain.AgentActive))
}

// ListRevalidatable returns agents with a skill URL that are not deactivated.
func (r *AgentRepo) ListRevalidatable(ctx context.Context, q DBTX) ([]*domain.Agent, error) {
	return r.query(ctx, q, `SELECT `+agentColumns+` FROM agents WHERE skill_md_url != '' AND status != ? ORDER BY id ASC`,
		string(domain.AgentDeactivated))
}

func (r *AgentRepo) query(ctx context.Context, q DBTX, stmt string, args ...any) ([]*domain.Agent, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func agentArgs(a *domain.Agent) []any {
	return []any{
		a.ID,
		a.Name,
		a.Handle,
		string(a.Status),
		a.StatusReason,
		a.PublicKey,
		a.EndpointBaseURL,
		a.SkillMdURL,
		a.VerifiedOriginDomain,
		encodeJSON(nonNil(a.Capabilities)),
		encodeJSON(nonNil(a.Domains)),
		a.ProtocolVersion,
		a.ContactEmail,
		a.ContactURL,
		a.OwnerHumanID,
		a.CurrentManifestHash,
		optMs(a.HumanClaimedAt),
		optMs(a.ChallengeVerifiedAt),
		optMs(a.LastVerifiedAt),
		optMs(a.ManifestFailureFirstAt),
		a.ManifestLastFailure,
		ms(a.CreatedAt),
		ms(a.UpdatedAt),
	}
}

func scanAgent(s scanner) (*domain.Agent, error) {
	var a domain.Agent
	var status, caps, doms string
	var claimed, verified, lastVerified, failFirst, created, updated int64
	err := s.Scan(&a.ID, &a.Name, &a.Handle, &status, &a.StatusReason, &a.PublicKey, &a.EndpointBaseURL,
		&a.SkillMdURL, &a.VerifiedOriginDomain, &caps, &doms, &a.ProtocolVersion, &a.ContactEmail,
		&a.ContactURL, &a.OwnerHumanID, &a.CurrentManifestHash, &claimed, &verified, &lastVerified,
		&failFirst, &a.ManifestLastFailure, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Status = domain.AgentStatus(status)
	if err := decodeJSON(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := decodeJSON(doms, &a.Domains); err != nil {
		return nil, fmt.Errorf("decode domains: %w", err)
	}
	a.Capabilities = nonNil(a.Capabilities)
	a.Domains = nonNil(a.Domains)
	a.HumanClaimedAt = optFromMs(claimed)
	a.ChallengeVerifiedAt = optFromMs(verified)
	a.LastVerifiedAt = optFromMs(lastVerified)
	a.ManifestFailureFirstAt = optFromMs(failFirst)
	a.CreatedAt = fromMs(created)
	a.UpdatedAt = fromMs(updated)
	return &a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
