package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

// PaperRepo handles papers, their immutable versions, and purge records.
type PaperRepo struct{}

const paperColumns = `id, publisher_agent_id, current_version_id, latest_status, rejected_visible_until, purged_at,
quarantined_at, created_at, updated_at`

const versionColumns = `id, paper_id, version_number, title, abstract, domains_json, keywords_json, claim_types_json,
language, references_json, manuscript_source, manuscript_hash, source_repo_url, source_ref, review_cap,
review_window_ends_at, code_required, created_by_agent_id, created_at`

// Create inserts a new paper.
func (r *PaperRepo) Create(ctx context.Context, q DBTX, p *domain.Paper) error {
	const stmt = `INSERT INTO papers (` + paperColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, p.ID, p.PublisherAgentID, p.CurrentVersionID, string(p.LatestStatus),
		optMs(p.RejectedVisibleUntil), optMs(p.PurgedAt), optMs(p.QuarantinedAt), ms(p.CreatedAt), ms(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create paper: %w", err)
	}
	return nil
}

// Update overwrites the mutable columns of a paper.
func (r *PaperRepo) Update(ctx context.Context, q DBTX, p *domain.Paper) error {
	const stmt = `UPDATE papers SET current_version_id = ?, latest_status = ?, rejected_visible_until = ?, purged_at = ?,
	quarantined_at = ?, updated_at = ? WHERE id = ?`
	res, err := q.ExecContext(ctx, stmt, p.CurrentVersionID, string(p.LatestStatus), optMs(p.RejectedVisibleUntil),
		optMs(p.PurgedAt), optMs(p.QuarantinedAt), ms(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update paper: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrPaperNotFound
	}
	return nil
}

// GetByID retrieves a paper by ID.
func (r *PaperRepo) GetByID(ctx context.Context, q DBTX, id string) (*domain.Paper, error) {
	p, err := scanPaper(q.QueryRowContext(ctx, `SELECT `+paperColumns+` FROM papers WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPaperNotFound
		}
		return nil, fmt.Errorf("get paper: %w", err)
	}
	return p, nil
}

// List returns papers newest first, optionally filtered by status.
func (r *PaperRepo) List(ctx context.Context, q DBTX, status domain.PaperStatus) ([]*domain.Paper, error) {
	if status == "" {
		return r.query(ctx, q, `SELECT `+paperColumns+` FROM papers ORDER BY created_at DESC, id ASC`)
	}
	return r.query(ctx, q, `SELECT `+paperColumns+` FROM papers WHERE latest_status = ? ORDER BY created_at DESC, id ASC`, string(status))
}

// ListPurgeDue returns rejected, unpurged papers whose visibility window has passed.
func (r *PaperRepo) ListPurgeDue(ctx context.Context, q DBTX, now time.Time) ([]*domain.Paper, error) {
	return r.query(ctx, q, `SELECT `+paperColumns+` FROM papers
WHERE latest_status = ? AND purged_at = 0 AND rejected_visible_until != 0 AND rejected_visible_until <= ?
ORDER BY rejected_visible_until ASC`, string(domain.PaperRejected), ms(now))
}

func (r *PaperRepo) query(ctx context.Context, q DBTX, stmt string, args ...any) ([]*domain.Paper, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}
	defer rows.Close()

	var papers []*domain.Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, fmt.Errorf("scan paper: %w", err)
		}
		papers = append(papers, p)
	}
	return papers, rows.Err()
}

func scanPaper(s scanner) (*domain.Paper, error) {
	var p domain.Paper
	var status string
	var visible, purged, quarantined, created, updated int64
	if err := s.Scan(&p.ID, &p.PublisherAgentID, &p.CurrentVersionID, &status, &visible, &purged, &quarantined,
		&created, &updated); err != nil {
		return nil, err
	}
	p.LatestStatus = domain.PaperStatus(status)
	p.RejectedVisibleUntil = optFromMs(visible)
	p.PurgedAt = optFromMs(purged)
	p.QuarantinedAt = optFromMs(quarantined)
	p.CreatedAt = fromMs(created)
	p.UpdatedAt = fromMs(updated)
	return &p, nil
}

// CreateVersion inserts an immutable paper version.
func (r *PaperRepo) CreateVersion(ctx context.Context, q DBTX, v *domain.PaperVersion) error {
	const stmt = `INSERT INTO paper_versions (` + versionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	refs := v.References
	if refs == nil {
		refs = []domain.Reference{}
	}
	_, err := q.ExecContext(ctx, stmt, v.ID, v.PaperID, v.VersionNumber, v.Title, v.Abstract,
		encodeJSON(nonNil(v.Domains)), encodeJSON(nonNil(v.Keywords)), encodeJSON(nonNil(v.ClaimTypes)), v.Language,
		encodeJSON(refs), v.ManuscriptSource, v.ManuscriptHash, v.SourceRepoURL, v.SourceRef, v.ReviewCap,
		ms(v.ReviewWindowEndsAt), boolInt(v.CodeRequired), v.CreatedByAgentID, ms(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("create paper version: %w", err)
	}
	return nil
}

// GetVersion retrieves a paper version by ID.
func (r *PaperRepo) GetVersion(ctx context.Context, q DBTX, id string) (*domain.PaperVersion, error) {
	v, err := scanVersion(q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM paper_versions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrVersionNotFound
		}
		return nil, fmt.Errorf("get paper version: %w", err)
	}
	return v, nil
}

// ListVersions returns all versions of a paper in version order.
func (r *PaperRepo) ListVersions(ctx context.Context, q DBTX, paperID string) ([]*domain.PaperVersion, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+versionColumns+` FROM paper_versions WHERE paper_id = ? ORDER BY version_number ASC`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list paper versions: %w", err)
	}
	defer rows.Close()

	var versions []*domain.PaperVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan paper version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ExistsManuscriptHash reports whether a publisher already submitted identical content.
func (r *PaperRepo) ExistsManuscriptHash(ctx context.Context, q DBTX, agentID, hash string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM paper_versions WHERE created_by_agent_id = ? AND manuscript_hash = ?`,
		agentID, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check manuscript hash: %w", err)
	}
	return n > 0, nil
}

// BlankVersionContent removes the readable text of a version, keeping its metadata.
func (r *PaperRepo) BlankVersionContent(ctx context.Context, q DBTX, versionID string) error {
	const stmt = `UPDATE paper_versions SET abstract = '', manuscript_source = '', references_json = '[]' WHERE id = ?`
	if _, err := q.ExecContext(ctx, stmt, versionID); err != nil {
		return fmt.Errorf("blank version content: %w", err)
	}
	return nil
}

func scanVersion(s scanner) (*domain.PaperVersion, error) {
	var v domain.PaperVersion
	var doms, kws, claims, refs string
	var windowEnds, created int64
	var codeRequired int
	err := s.Scan(&v.ID, &v.PaperID, &v.VersionNumber, &v.Title, &v.Abstract, &doms, &kws, &claims, &v.Language, &refs,
		&v.ManuscriptSource, &v.ManuscriptHash, &v.SourceRepoURL, &v.SourceRef, &v.ReviewCap, &windowEnds,
		&codeRequired, &v.CreatedByAgentID, &created)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw string
		dst any
	}{{doms, &v.Domains}, {kws, &v.Keywords}, {claims, &v.ClaimTypes}, {refs, &v.References}} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode version json: %w", err)
		}
	}
	v.Domains = nonNil(v.Domains)
	v.Keywords = nonNil(v.Keywords)
	v.ClaimTypes = nonNil(v.ClaimTypes)
	if v.References == nil {
		v.References = []domain.Reference{}
	}
	v.ReviewWindowEndsAt = fromMs(windowEnds)
	v.CodeRequired = codeRequired != 0
	v.CreatedAt = fromMs(created)
	return &v, nil
}

// InsertPurgeRecord stores the audit hashes of purged content; re-purging is a no-op.
func (r *PaperRepo) InsertPurgeRecord(ctx context.Context, q DBTX, rec domain.PurgedPublicRecord) error {
	const stmt = `INSERT INTO purged_public_records (paper_id, paper_version_id, title, content_hash, decision_summary_hash, purged_at)
VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (paper_id, paper_version_id) DO NOTHING`
	_, err := q.ExecContext(ctx, stmt, rec.PaperID, rec.PaperVersionID, rec.Title, rec.ContentHash, rec.DecisionSummaryHash, ms(rec.PurgedAt))
	if err != nil {
		return fmt.Errorf("insert purge record: %w", err)
	}
	return nil
}

// ListPurgeRecords returns the purge records of a paper.
func (r *PaperRepo) ListPurgeRecords(ctx context.Context, q DBTX, paperID string) ([]domain.PurgedPublicRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT paper_id, paper_version_id, title, content_hash, decision_summary_hash, purged_at
FROM purged_public_records WHERE paper_id = ? ORDER BY paper_version_id`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list purge records: %w", err)
	}
	defer rows.Close()

	var recs []domain.PurgedPublicRecord
	for rows.Next() {
		var rec domain.PurgedPublicRecord
		var purged int64
		if err := rows.Scan(&rec.PaperID, &rec.PaperVersionID, &rec.Title, &rec.ContentHash, &rec.DecisionSummaryHash, &purged); err != nil {
			return nil, fmt.Errorf("scan purge record: %w", err)
		}
		rec.PurgedAt = fromMs(purged)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
