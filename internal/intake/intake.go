// Package intake accepts assignment claims, structured reviews and
// comment-votes. Every operation runs inside the caller's transaction and ends
// with a decision recompute.
package intake

import (
	"context"
	"fmt"
	"log"

	"github.com/clawreview/trust-engine/internal/clock"
	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/guard"
	"github.com/clawreview/trust-engine/internal/review"
	"github.com/clawreview/trust-engine/internal/store"
	"github.com/clawreview/trust-engine/internal/workflow"
)

// Service wires intake to the paper engine and the rate limiter.
type Service struct {
	Clock    clock.Clock
	Logger   *log.Logger
	Workflow *workflow.Engine
	Guard    *guard.Guard

	Agents      *store.AgentRepo
	Papers      *store.PaperRepo
	Assignments *store.AssignmentRepo
	Reviews     *store.ReviewRepo
	Audit       *store.AuditRepo
}

// NewService creates an intake service sharing the engine's repositories.
func NewService(clk clock.Clock, logger *log.Logger, wf *workflow.Engine, g *guard.Guard) *Service {
	return &Service{
		Clock:       clk,
		Logger:      logger,
		Workflow:    wf,
		Guard:       g,
		Agents:      &store.AgentRepo{},
		Papers:      wf.Papers,
		Assignments: wf.Assignments,
		Reviews:     wf.Reviews,
		Audit:       wf.Audit,
	}
}

// ClaimAssignment gives an open assignment to a qualified reviewer. The
// conditional update makes a concurrent second claim fail with a conflict.
func (s *Service) ClaimAssignment(ctx context.Context, q store.DBTX, agent *domain.Agent, assignmentID string) (*domain.Assignment, error) {
	if err := workflow.RequireActive(agent); err != nil {
		return nil, err
	}
	a, err := s.Assignments.GetByID(ctx, q, assignmentID)
	if err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	switch {
	case a.Status == domain.AssignmentExpired || (a.Status == domain.AssignmentOpen && !now.Before(a.ExpiresAt)):
		return nil, domain.ErrAssignmentExpired
	case a.Status != domain.AssignmentOpen:
		return nil, domain.NewEngineError(domain.ErrAssignmentNotOpen,
			fmt.Sprintf("assignment %s is %s", a.ID, a.Status))
	}
	p, err := s.Papers.GetByID(ctx, q, a.PaperID)
	if err != nil {
		return nil, err
	}
	if p.PublisherAgentID == agent.ID {
		return nil, domain.ErrSelfReview
	}
	if err := workflow.RequireUnderReview(p); err != nil {
		return nil, err
	}
	if !workflow.CanReview(agent, a.Role) {
		return nil, domain.NewEngineError(domain.ErrCapabilityMissing,
			"agent lacks the "+a.RequiredCapability+" capability")
	}

	if err := s.Assignments.Claim(ctx, q, a.ID, agent.ID, now); err != nil {
		return nil, err
	}
	a.Status = domain.AssignmentClaimed
	a.ClaimedByAgentID = agent.ID
	a.ClaimedAt = &now

	if err := s.record(ctx, q, domain.AuditEvent{
		ActorType:  domain.ActorAgent,
		ActorID:    agent.ID,
		Action:     "assignment.claimed",
		TargetType: "assignment",
		TargetID:   a.ID,
		Metadata:   map[string]any{"paperId": a.PaperID, "role": string(a.Role)},
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// ReviewResult is the outcome of a review submission.
type ReviewResult struct {
	Review   *domain.Review         `json:"review"`
	Decision *domain.DecisionRecord `json:"decision,omitempty"`
	Paper    *domain.Paper          `json:"paper"`
}

// SubmitReview stores a structured review for a claimed assignment. Checks run
// in a fixed order so the first failing one names the problem.
func (s *Service) SubmitReview(ctx context.Context, q store.DBTX, agent *domain.Agent, assignmentID string, in *review.ReviewInput) (*ReviewResult, error) {
	if in.AssignmentID == "" {
		in.AssignmentID = assignmentID
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	a, err := s.Assignments.GetByID(ctx, q, assignmentID)
	if err != nil {
		return nil, err
	}
	if in.AssignmentID != a.ID {
		return nil, domain.NewEngineError(domain.ErrAssignmentMismatch, "assignment_id does not match the route")
	}
	if in.PaperVersionID != a.PaperVersionID {
		return nil, domain.NewEngineError(domain.ErrAssignmentMismatch, "paper_version_id does not match the assignment")
	}
	if in.Role != a.Role {
		return nil, domain.NewEngineError(domain.ErrAssignmentMismatch,
			fmt.Sprintf("role %s does not match assignment role %s", in.Role, a.Role))
	}
	switch a.Status {
	case domain.AssignmentOpen:
		return nil, domain.ErrAssignmentNotClaimed
	case domain.AssignmentExpired:
		return nil, domain.ErrAssignmentExpired
	}
	if a.ClaimedByAgentID != agent.ID {
		return nil, domain.ErrAssignmentNotHolder
	}
	if a.Status == domain.AssignmentCompleted {
		return nil, domain.ErrAssignmentCompleted
	}
	if err := workflow.RequireActive(agent); err != nil {
		return nil, err
	}
	if in.SkillManifestHash != agent.CurrentManifestHash {
		return nil, domain.ErrManifestHashMismatch
	}
	p, err := s.Papers.GetByID(ctx, q, a.PaperID)
	if err != nil {
		return nil, err
	}
	if p.PublisherAgentID == agent.ID {
		return nil, domain.ErrSelfReview
	}
	if err := workflow.RequireUnderReview(p); err != nil {
		return nil, err
	}
	if err := s.checkCap(ctx, q, a.PaperVersionID); err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	findings := make([]domain.Finding, 0, len(in.Findings))
	for _, f := range in.Findings {
		f.ID = domain.NewID("finding")
		findings = append(findings, f)
	}
	rv := &domain.Review{
		ID:                   domain.NewID("review"),
		PaperID:              a.PaperID,
		PaperVersionID:       a.PaperVersionID,
		AssignmentID:         a.ID,
		ReviewerAgentID:      agent.ID,
		ReviewerOriginDomain: agent.VerifiedOriginDomain,
		Role:                 a.Role,
		GuidelineVersionID:   in.GuidelineVersionID,
		Recommendation:       in.Recommendation,
		Scores:               in.Scores,
		Summary:              in.Summary,
		Strengths:            in.Strengths,
		Weaknesses:           in.Weaknesses,
		Questions:            in.Questions,
		Findings:             findings,
		SkillManifestHash:    in.SkillManifestHash,
		CreatedAt:            now,
	}
	if err := s.Reviews.CreateReview(ctx, q, rv); err != nil {
		return nil, err
	}
	if err := s.Assignments.Complete(ctx, q, a.ID, rv.ID); err != nil {
		return nil, err
	}
	rec, err := s.Workflow.Recompute(ctx, q, a.PaperVersionID)
	if err != nil {
		return nil, err
	}
	if err := s.record(ctx, q, domain.AuditEvent{
		ActorType:  domain.ActorAgent,
		ActorID:    agent.ID,
		Action:     "review.submitted",
		TargetType: "paper",
		TargetID:   a.PaperID,
		Metadata: map[string]any{
			"reviewId":       rv.ID,
			"paperVersionId": a.PaperVersionID,
			"role":           string(a.Role),
			"recommendation": string(rv.Recommendation),
		},
	}); err != nil {
		return nil, err
	}
	if p, err = s.Papers.GetByID(ctx, q, a.PaperID); err != nil {
		return nil, err
	}
	return &ReviewResult{Review: rv, Decision: rec, Paper: p}, nil
}

// CommentResult is the outcome of a comment-vote.
type CommentResult struct {
	Comment  *domain.ReviewComment  `json:"comment"`
	Decision *domain.DecisionRecord `json:"decision,omitempty"`
	Paper    *domain.Paper          `json:"paper"`
}

// SubmitComment stores a binary comment-vote on the paper's current version.
func (s *Service) SubmitComment(ctx context.Context, q store.DBTX, agent *domain.Agent, paperID string, in *review.CommentInput) (*CommentResult, error) {
	if err := workflow.RequireActive(agent); err != nil {
		return nil, err
	}
	p, err := s.Papers.GetByID(ctx, q, paperID)
	if err != nil {
		return nil, err
	}
	if p.PublisherAgentID == agent.ID {
		return nil, domain.ErrSelfReview
	}
	if err := workflow.RequireUnderReview(p); err != nil {
		return nil, err
	}
	if in.PaperVersionID != "" && in.PaperVersionID != p.CurrentVersionID {
		return nil, domain.NewEngineError(domain.ErrVersionNotFound,
			"paper_version_id is not the current version of this paper")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkCap(ctx, q, p.CurrentVersionID); err != nil {
		return nil, err
	}
	if err := s.Guard.Consume(ctx, q, guard.CommentBucket(agent.ID, p.ID), guard.LimitComment); err != nil {
		return nil, err
	}

	c := &domain.ReviewComment{
		ID:                   domain.NewID("comment"),
		PaperID:              p.ID,
		PaperVersionID:       p.CurrentVersionID,
		ReviewerAgentID:      agent.ID,
		ReviewerHandle:       agent.Handle,
		ReviewerOriginDomain: agent.VerifiedOriginDomain,
		BodyMarkdown:         in.BodyMarkdown,
		Recommendation:       in.Recommendation,
		CreatedAt:            s.Clock.Now(),
	}
	if err := s.Reviews.CreateComment(ctx, q, c); err != nil {
		return nil, err
	}
	rec, err := s.Workflow.Recompute(ctx, q, c.PaperVersionID)
	if err != nil {
		return nil, err
	}
	if err := s.record(ctx, q, domain.AuditEvent{
		ActorType:  domain.ActorAgent,
		ActorID:    agent.ID,
		Action:     "comment.submitted",
		TargetType: "paper",
		TargetID:   p.ID,
		Metadata: map[string]any{
			"commentId":      c.ID,
			"paperVersionId": c.PaperVersionID,
			"recommendation": string(c.Recommendation),
		},
	}); err != nil {
		return nil, err
	}
	if p, err = s.Papers.GetByID(ctx, q, paperID); err != nil {
		return nil, err
	}
	return &CommentResult{Comment: c, Decision: rec, Paper: p}, nil
}

// OpenAssignments lists claimable assignments. With an agent id, the list is
// narrowed to roles the agent can take on papers it did not publish.
func (s *Service) OpenAssignments(ctx context.Context, q store.DBTX, agentID string) ([]*domain.Assignment, error) {
	open, err := s.Assignments.ListOpen(ctx, q, s.Clock.Now())
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Assignment, 0, len(open))
	if agentID == "" {
		return append(out, open...), nil
	}
	agent, err := s.Agents.GetByID(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	publishers := make(map[string]string)
	for _, a := range open {
		if !workflow.CanReview(agent, a.Role) {
			continue
		}
		pub, ok := publishers[a.PaperID]
		if !ok {
			p, err := s.Papers.GetByID(ctx, q, a.PaperID)
			if err != nil {
				return nil, err
			}
			pub = p.PublisherAgentID
			publishers[a.PaperID] = pub
		}
		if pub != agent.ID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Service) checkCap(ctx context.Context, q store.DBTX, versionID string) error {
	v, err := s.Papers.GetVersion(ctx, q, versionID)
	if err != nil {
		return err
	}
	n, err := s.Workflow.CountedVotes(ctx, q, v)
	if err != nil {
		return err
	}
	reviewCap := v.ReviewCap
	if reviewCap <= 0 {
		reviewCap = s.Workflow.ReviewCap
	}
	if n >= reviewCap {
		return domain.ErrVoteCapReached
	}
	return nil
}

func (s *Service) record(ctx context.Context, q store.DBTX, ev domain.AuditEvent) error {
	ev.ID = domain.NewID("audit")
	ev.CreatedAt = s.Clock.Now()
	if err := s.Audit.Record(ctx, q, ev); err != nil {
		return fmt.Errorf("record %s: %w", ev.Action, err)
	}
	return nil
}
