package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawreview/trust-engine/internal/domain"
)

// ReviewRepo handles structured reviews and comment-votes.
type ReviewRepo struct{}

const reviewColumns = `seq, id, paper_id, paper_version_id, assignment_id, reviewer_agent_id, reviewer_origin_domain, role,
guideline_version_id, recommendation, scores_json, summary, strengths_json, weaknesses_json, questions_json,
findings_json, skill_manifest_hash, counted_for_decision, created_at`

const commentColumns = `seq, id, paper_id, paper_version_id, reviewer_agent_id, reviewer_handle, reviewer_origin_domain,
body_markdown, recommendation, counted_for_decision, created_at`

// CreateReview inserts a review. A second review by the same agent on the same
// version yields ErrDuplicateReview.
func (r *ReviewRepo) CreateReview(ctx context.Context, q DBTX, rv *domain.Review) error {
	const stmt = `INSERT INTO reviews (id, paper_id, paper_version_id, assignment_id, reviewer_agent_id, reviewer_origin_domain,
	role, guideline_version_id, recommendation, scores_json, summary, strengths_json, weaknesses_json, questions_json,
	findings_json, skill_manifest_hash, counted_for_decision, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (paper_version_id, reviewer_agent_id) DO NOTHING`
	scores := rv.Scores
	if scores == nil {
		scores = map[string]float64{}
	}
	findings := rv.Findings
	if findings == nil {
		findings = []domain.Finding{}
	}
	res, err := q.ExecContext(ctx, stmt, rv.ID, rv.PaperID, rv.PaperVersionID, rv.AssignmentID, rv.ReviewerAgentID,
		rv.ReviewerOriginDomain, string(rv.Role), rv.GuidelineVersionID, string(rv.Recommendation), encodeJSON(scores),
		rv.Summary, encodeJSON(nonNil(rv.Strengths)), encodeJSON(nonNil(rv.Weaknesses)), encodeJSON(nonNil(rv.Questions)),
		encodeJSON(findings), rv.SkillManifestHash, boolInt(rv.CountedForDecision), ms(rv.CreatedAt))
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrDuplicateReview
	}
	return nil
}

// ListReviewsByVersion returns reviews in submission order.
func (r *ReviewRepo) ListReviewsByVersion(ctx context.Context, q DBTX, versionID string) ([]*domain.Review, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE paper_version_id = ?
ORDER BY created_at ASC, seq ASC`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []*domain.Review
	for rows.Next() {
		var rv domain.Review
		var role, rec, scores, strengths, weaknesses, questions, findings string
		var counted int
		var created int64
		if err := rows.Scan(&rv.Seq, &rv.ID, &rv.PaperID, &rv.PaperVersionID, &rv.AssignmentID, &rv.ReviewerAgentID,
			&rv.ReviewerOriginDomain, &role, &rv.GuidelineVersionID, &rec, &scores, &rv.Summary, &strengths,
			&weaknesses, &questions, &findings, &rv.SkillManifestHash, &counted, &created); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		rv.Role = domain.ReviewRole(role)
		rv.Recommendation = domain.Recommendation(rec)
		for _, f := range []struct {
			raw string
			dst any
		}{{scores, &rv.Scores}, {strengths, &rv.Strengths}, {weaknesses, &rv.Weaknesses}, {questions, &rv.Questions}, {findings, &rv.Findings}} {
			if err := decodeJSON(f.raw, f.dst); err != nil {
				return nil, fmt.Errorf("decode review json: %w", err)
			}
		}
		rv.Strengths = nonNil(rv.Strengths)
		rv.Weaknesses = nonNil(rv.Weaknesses)
		rv.Questions = nonNil(rv.Questions)
		if rv.Findings == nil {
			rv.Findings = []domain.Finding{}
		}
		rv.CountedForDecision = counted != 0
		rv.CreatedAt = fromMs(created)
		out = append(out, &rv)
	}
	return out, rows.Err()
}

// CreateComment inserts a comment-vote. A second comment by the same agent on the
// same version yields ErrDuplicateComment.
func (r *ReviewRepo) CreateComment(ctx context.Context, q DBTX, c *domain.ReviewComment) error {
	const stmt = `INSERT INTO review_comments (id, paper_id, paper_version_id, reviewer_agent_id, reviewer_handle,
	reviewer_origin_domain, body_markdown, recommendation, counted_for_decision, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (paper_version_id, reviewer_agent_id) DO NOTHING`
	res, err := q.ExecContext(ctx, stmt, c.ID, c.PaperID, c.PaperVersionID, c.ReviewerAgentID, c.ReviewerHandle,
		c.ReviewerOriginDomain, c.BodyMarkdown, string(c.Recommendation), boolInt(c.CountedForDecision), ms(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("create comment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrDuplicateComment
	}
	return nil
}

// ListCommentsByVersion returns comment-votes in submission order.
func (r *ReviewRepo) ListCommentsByVersion(ctx context.Context, q DBTX, versionID string) ([]*domain.ReviewComment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+commentColumns+` FROM review_comments WHERE paper_version_id = ?
ORDER BY created_at ASC, seq ASC`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []*domain.ReviewComment
	for rows.Next() {
		var c domain.ReviewComment
		var rec string
		var counted int
		var created int64
		if err := rows.Scan(&c.Seq, &c.ID, &c.PaperID, &c.PaperVersionID, &c.ReviewerAgentID, &c.ReviewerHandle,
			&c.ReviewerOriginDomain, &c.BodyMarkdown, &rec, &counted, &created); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.Recommendation = domain.Recommendation(rec)
		c.CountedForDecision = counted != 0
		c.CreatedAt = fromMs(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SetCounted flags exactly the given vote ids of a version as counted.
func (r *ReviewRepo) SetCounted(ctx context.Context, q DBTX, versionID string, countedIDs []string) error {
	for _, table := range []string{"reviews", "review_comments"} {
		if _, err := q.ExecContext(ctx, `UPDATE `+table+` SET counted_for_decision = 0 WHERE paper_version_id = ?`, versionID); err != nil {
			return fmt.Errorf("reset counted flags: %w", err)
		}
		if len(countedIDs) == 0 {
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(countedIDs)), ",")
		args := make([]any, 0, len(countedIDs)+1)
		args = append(args, versionID)
		for _, id := range countedIDs {
			args = append(args, id)
		}
		stmt := `UPDATE ` + table + ` SET counted_for_decision = 1 WHERE paper_version_id = ? AND id IN (` + placeholders + `)`
		if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("set counted flags: %w", err)
		}
	}
	return nil
}

// BlankVersionText removes review and comment text of a purged version.
func (r *ReviewRepo) BlankVersionText(ctx context.Context, q DBTX, versionID string) error {
	const reviews = `UPDATE reviews SET summary = '', strengths_json = '[]', weaknesses_json = '[]', questions_json = '[]',
	findings_json = '[]' WHERE paper_version_id = ?`
	if _, err := q.ExecContext(ctx, reviews, versionID); err != nil {
		return fmt.Errorf("blank review text: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE review_comments SET body_markdown = '' WHERE paper_version_id = ?`, versionID); err != nil {
		return fmt.Errorf("blank comment text: %w", err)
	}
	return nil
}
