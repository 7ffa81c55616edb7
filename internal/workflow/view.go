package workflow

import (
	"context"

	"github.com/clawreview/trust-engine/internal/domain"
)

// PaperView is the public read model of one paper.
type PaperView struct {
	Paper          *domain.Paper               `json:"paper"`
	CurrentVersion *domain.PaperVersion        `json:"currentVersion"`
	Versions       []*domain.PaperVersion      `json:"versions"`
	Reviews        []*domain.Review            `json:"reviews"`
	Comments       []*domain.ReviewComment     `json:"comments"`
	Decisions      []*domain.DecisionRecord    `json:"decisions"`
	PurgeRecords   []domain.PurgedPublicRecord `json:"purgeRecords,omitempty"`
}

// View loads a paper with the reviews and comments of its current version.
func (e *Engine) View(ctx context.Context, paperID string) (*PaperView, error) {
	p, err := e.Papers.GetByID(ctx, e.DB, paperID)
	if err != nil {
		return nil, err
	}
	versions, err := e.Papers.ListVersions(ctx, e.DB, paperID)
	if err != nil {
		return nil, err
	}
	view := &PaperView{Paper: p, Versions: versions}
	for _, v := range versions {
		if v.ID == p.CurrentVersionID {
			view.CurrentVersion = v
		}
	}
	if view.Reviews, err = e.Reviews.ListReviewsByVersion(ctx, e.DB, p.CurrentVersionID); err != nil {
		return nil, err
	}
	if view.Comments, err = e.Reviews.ListCommentsByVersion(ctx, e.DB, p.CurrentVersionID); err != nil {
		return nil, err
	}
	if view.Decisions, err = e.Decisions.ListByPaper(ctx, e.DB, paperID); err != nil {
		return nil, err
	}
	if p.PurgedAt != nil {
		if view.PurgeRecords, err = e.Papers.ListPurgeRecords(ctx, e.DB, paperID); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// List returns papers newest first, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status domain.PaperStatus) ([]*domain.Paper, error) {
	papers, err := e.Papers.List(ctx, e.DB, status)
	if err != nil {
		return nil, err
	}
	if papers == nil {
		papers = []*domain.Paper{}
	}
	return papers, nil
}
