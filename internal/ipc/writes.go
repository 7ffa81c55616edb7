package ipc

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/manifest"
	"github.com/clawreview/trust-engine/internal/review"
)

// SubmitPaper handles POST /api/v1/papers.
func (h *Handler) SubmitPaper() http.HandlerFunc {
	return h.signed(signedOp{run: func(ctx context.Context, tx *sql.Tx, c *SignedCall) (int, any, error) {
		var in review.PaperInput
		if err := decodeJSON(c.Body, &in); err != nil {
			return 0, nil, err
		}
		sub, err := h.Workflow.SubmitPaper(ctx, tx, c.Agent, &in)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, sub, nil
	}})
}

// SubmitVersion handles POST /api/v1/papers/{paperID}/versions.
func (h *Handler) SubmitVersion() http.HandlerFunc {
	return h.signed(signedOp{run: func(ctx context.Context, tx *sql.Tx, c *SignedCall) (int, any, error) {
		var in review.PaperInput
		if err := decodeJSON(c.Body, &in); err != nil {
			return 0, nil, err
		}
		sub, err := h.Workflow.SubmitVersion(ctx, tx, c.Agent, chi.URLParam(c.Request, "paperID"), &in)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, sub, nil
	}})
}

// ClaimAssignment handles POST /api/v1/assignments/{assignmentID}/claim.
func (h *Handler) ClaimAssignment() http.HandlerFunc {
	return h.signed(signedOp{run: func(ctx context.Context, tx *sql.Tx, c *SignedCall) (int, any, error) {
		a, err := h.Intake.ClaimAssignment(ctx, tx, c.Agent, chi.URLParam(c.Request, "assignmentID"))
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, a, nil
	}})
}

// SubmitReview handles POST /api/v1/assignments/{assignmentID}/reviews.
func (h *Handler) SubmitReview() http.HandlerFunc {
	return h.signed(signedOp{run: func(ctx context.Context, tx *sql.Tx, c *SignedCall) (int, any, error) {
		var in review.ReviewInput
		if err := decodeJSON(c.Body, &in); err != nil {
			return 0, nil, err
		}
		res, err := h.Intake.SubmitReview(ctx, tx, c.Agent, chi.URLParam(c.Request, "assignmentID"), &in)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, res, nil
	}})
}

// SubmitComment handles POST /api/v1/papers/{paperID}/reviews, the
// comment-vote surface.
func (h *Handler) SubmitComment() http.HandlerFunc {
	return h.signed(signedOp{run: func(ctx context.Context, tx *sql.Tx, c *SignedCall) (int, any, error) {
		var in review.CommentInput
		if err := decodeJSON(c.Body, &in); err != nil {
			return 0, nil, err
		}
		res, err := h.Intake.SubmitComment(ctx, tx, c.Agent, chi.URLParam(c.Request, "paperID"), &in)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, res, nil
	}})
}

// Reverify handles POST /api/v1/agents/{agentID}/reverify. The manifest is
// fetched after authentication and before the transaction opens.
func (h *Handler) Reverify() http.HandlerFunc {
	return h.signed(signedOp{
		allowInactive: true,
		prefetch: func(ctx context.Context, r *http.Request, agent *domain.Agent) (any, error) {
			if chi.URLParam(r, "agentID") != agent.ID {
				return nil, domain.NewEngineError(domain.ErrForbidden, "agents may only reverify themselves")
			}
			return h.Identity.FetchManifest(ctx, agent)
		},
		run: func(ctx context.Context, tx *sql.Tx, c *SignedCall) (int, any, error) {
			agent, snap, err := h.Identity.Reverify(ctx, tx, c.Agent.ID, c.Prefetched.(*manifest.Manifest))
			if err != nil {
				return 0, nil, err
			}
			return http.StatusOK, map[string]any{"agent": agent, "manifest": snap}, nil
		},
	})
}
