package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/clawreview/trust-engine/internal/clock"
	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/protocol"
	"github.com/clawreview/trust-engine/internal/review"
	"github.com/clawreview/trust-engine/internal/store"
)

// Lifecycle durations.
const (
	ReviewWindow        = 14 * 24 * time.Hour
	RejectionVisibility = 30 * 24 * time.Hour
)

// Engine owns paper state. Methods that take a store.DBTX run inside the
// caller's transaction; the others open their own.
type Engine struct {
	DB        *sql.DB
	Clock     clock.Clock
	Logger    *log.Logger
	ReviewCap int
	Locks     *VersionLocks

	Papers      *store.PaperRepo
	Assignments *store.AssignmentRepo
	Reviews     *store.ReviewRepo
	Decisions   *store.DecisionRepo
	Audit       *store.AuditRepo
}

// NewEngine creates a paper engine with all dependencies.
func NewEngine(db *sql.DB, clk clock.Clock, logger *log.Logger, reviewCap int) *Engine {
	if reviewCap <= 0 {
		reviewCap = review.DefaultReviewCap
	}
	return &Engine{
		DB:          db,
		Clock:       clk,
		Logger:      logger,
		ReviewCap:   reviewCap,
		Locks:       NewVersionLocks(),
		Papers:      &store.PaperRepo{},
		Assignments: &store.AssignmentRepo{},
		Reviews:     &store.ReviewRepo{},
		Decisions:   &store.DecisionRepo{},
		Audit:       &store.AuditRepo{},
	}
}

// Submission is the result of a paper or version submission.
type Submission struct {
	Paper       *domain.Paper          `json:"paper"`
	Version     *domain.PaperVersion   `json:"version"`
	Assignments []*domain.Assignment   `json:"assignments"`
	Decision    *domain.DecisionRecord `json:"decision,omitempty"`
}

// SubmitPaper creates a paper under review with its first version and one
// assignment per required role.
func (e *Engine) SubmitPaper(ctx context.Context, q store.DBTX, agent *domain.Agent, in *review.PaperInput) (*Submission, error) {
	if err := requirePublisher(agent); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := e.Clock.Now()
	hash, err := e.checkDuplicate(ctx, q, agent.ID, in)
	if err != nil {
		return nil, err
	}

	p := &domain.Paper{
		ID:               domain.NewID("paper"),
		PublisherAgentID: agent.ID,
		LatestStatus:     domain.PaperUnderReview,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	v := e.newVersion(p.ID, 1, agent.ID, hash, in, now)
	p.CurrentVersionID = v.ID

	if err := e.Papers.Create(ctx, q, p); err != nil {
		return nil, err
	}
	if err := e.Papers.CreateVersion(ctx, q, v); err != nil {
		return nil, err
	}
	assignments, err := e.createAssignments(ctx, q, v, now)
	if err != nil {
		return nil, err
	}
	if err := e.record(ctx, q, domain.AuditEvent{
		ActorType:  domain.ActorAgent,
		ActorID:    agent.ID,
		Action:     "paper.submitted",
		TargetType: "paper",
		TargetID:   p.ID,
		Metadata:   map[string]any{"paperVersionId": v.ID, "manuscriptHash": hash},
	}); err != nil {
		return nil, err
	}
	rec, err := e.Recompute(ctx, q, v.ID)
	if err != nil {
		return nil, err
	}
	e.logf("paper %s submitted by %s (%d assignments)", p.ID, agent.ID, len(assignments))
	return &Submission{Paper: p, Version: v, Assignments: assignments, Decision: rec}, nil
}

// SubmitVersion appends version N+1, resets the paper to under_review and
// replaces the assignments of older versions.
func (e *Engine) SubmitVersion(ctx context.Context, q store.DBTX, agent *domain.Agent, paperID string, in *review.PaperInput) (*Submission, error) {
	if err := requirePublisher(agent); err != nil {
		return nil, err
	}
	p, err := e.Papers.GetByID(ctx, q, paperID)
	if err != nil {
		return nil, err
	}
	if p.PublisherAgentID != agent.ID {
		return nil, domain.ErrNotPublisher
	}
	if err := checkTransition(p.LatestStatus, domain.PaperUnderReview); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	hash, err := e.checkDuplicate(ctx, q, agent.ID, in)
	if err != nil {
		return nil, err
	}
	versions, err := e.Papers.ListVersions(ctx, q, paperID)
	if err != nil {
		return nil, err
	}
	next := 1
	for _, v := range versions {
		if v.VersionNumber >= next {
			next = v.VersionNumber + 1
		}
	}

	now := e.Clock.Now()
	v := e.newVersion(p.ID, next, agent.ID, hash, in, now)
	if err := e.Papers.CreateVersion(ctx, q, v); err != nil {
		return nil, err
	}
	p.CurrentVersionID = v.ID
	p.LatestStatus = domain.PaperUnderReview
	p.RejectedVisibleUntil = nil
	p.PurgedAt = nil
	p.UpdatedAt = now
	if err := e.Papers.Update(ctx, q, p); err != nil {
		return nil, err
	}
	if err := e.Assignments.ExpireForPaperExcept(ctx, q, p.ID, v.ID); err != nil {
		return nil, err
	}
	assignments, err := e.createAssignments(ctx, q, v, now)
	if err != nil {
		return nil, err
	}
	if err := e.record(ctx, q, domain.AuditEvent{
		ActorType:  domain.ActorAgent,
		ActorID:    agent.ID,
		Action:     "paper.version_submitted",
		TargetType: "paper",
		TargetID:   p.ID,
		Metadata:   map[string]any{"paperVersionId": v.ID, "versionNumber": v.VersionNumber},
	}); err != nil {
		return nil, err
	}
	rec, err := e.Recompute(ctx, q, v.ID)
	if err != nil {
		return nil, err
	}
	return &Submission{Paper: p, Version: v, Assignments: assignments, Decision: rec}, nil
}

func (e *Engine) checkDuplicate(ctx context.Context, q store.DBTX, agentID string, in *review.PaperInput) (string, error) {
	hash := protocol.SHA256Hex(in.Manuscript.Source)
	dup, err := e.Papers.ExistsManuscriptHash(ctx, q, agentID, hash)
	if err != nil {
		return "", err
	}
	if dup {
		return "", domain.ErrPaperDuplicateExact
	}
	return hash, nil
}

func (e *Engine) newVersion(paperID string, number int, agentID, hash string, in *review.PaperInput, now time.Time) *domain.PaperVersion {
	refs := in.References
	if refs == nil {
		refs = []domain.Reference{}
	}
	return &domain.PaperVersion{
		ID:                 domain.NewID("version"),
		PaperID:            paperID,
		VersionNumber:      number,
		Title:              in.Title,
		Abstract:           in.Abstract,
		Domains:            in.Domains,
		Keywords:           in.Keywords,
		ClaimTypes:         in.ClaimTypes,
		Language:           in.Language,
		References:         refs,
		ManuscriptSource:   in.Manuscript.Source,
		ManuscriptHash:     hash,
		SourceRepoURL:      in.SourceRepoURL,
		SourceRef:          in.SourceRef,
		ReviewCap:          e.ReviewCap,
		ReviewWindowEndsAt: now.Add(ReviewWindow),
		CodeRequired:       review.CodeRequired(in.ClaimTypes),
		CreatedByAgentID:   agentID,
		CreatedAt:          now,
	}
}

func (e *Engine) createAssignments(ctx context.Context, q store.DBTX, v *domain.PaperVersion, now time.Time) ([]*domain.Assignment, error) {
	roles := review.RequiredRoles(v.CodeRequired)
	out := make([]*domain.Assignment, 0, len(roles))
	for _, role := range roles {
		a := &domain.Assignment{
			ID:                 domain.NewID("assignment"),
			PaperID:            v.PaperID,
			PaperVersionID:     v.ID,
			Role:               role,
			RequiredCapability: ReviewerCapability(role),
			Status:             domain.AssignmentOpen,
			CreatedAt:          now,
			ExpiresAt:          v.ReviewWindowEndsAt,
		}
		if err := e.Assignments.Create(ctx, q, a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Recompute re-evaluates the current version of a paper and appends a
// decision record when the status or reason changed. It returns nil when
// nothing was appended.
func (e *Engine) Recompute(ctx context.Context, q store.DBTX, versionID string) (*domain.DecisionRecord, error) {
	unlock := e.Locks.Lock(versionID)
	defer unlock()
	return e.evaluate(ctx, q, versionID, nil)
}

func (e *Engine) evaluate(ctx context.Context, q store.DBTX, versionID string, force *domain.OperatorReason) (*domain.DecisionRecord, error) {
	v, err := e.Papers.GetVersion(ctx, q, versionID)
	if err != nil {
		return nil, err
	}
	p, err := e.Papers.GetByID(ctx, q, v.PaperID)
	if err != nil {
		return nil, err
	}
	if p.LatestStatus == domain.PaperQuarantined {
		if force != nil {
			return nil, domain.ErrPaperQuarantined
		}
		return nil, nil
	}
	if p.CurrentVersionID != v.ID {
		return nil, nil
	}
	last, err := e.Decisions.Latest(ctx, q, v.ID)
	if err != nil {
		return nil, err
	}
	// An operator decision is final for its version.
	if force == nil && last != nil && last.ActorType == domain.ActorHumanOperator {
		return nil, nil
	}

	reviews, err := e.Reviews.ListReviewsByVersion(ctx, q, v.ID)
	if err != nil {
		return nil, err
	}
	comments, err := e.Reviews.ListCommentsByVersion(ctx, q, v.ID)
	if err != nil {
		return nil, err
	}
	out := review.Decide(review.Input{
		Reviews:      reviews,
		Comments:     comments,
		ReviewCap:    v.ReviewCap,
		CodeRequired: v.CodeRequired,
		ForceReject:  force,
	})
	if err := e.Reviews.SetCounted(ctx, q, v.ID, out.Snapshot.CountedVoteIDs); err != nil {
		return nil, err
	}
	if force == nil && last != nil && last.Status == out.Status && last.Reason == out.Reason {
		return nil, nil
	}
	if err := checkTransition(p.LatestStatus, out.Status); err != nil {
		return nil, err
	}

	now := e.Clock.Now()
	actor := domain.ActorSystem
	if force != nil {
		actor = domain.ActorHumanOperator
	}
	rec := &domain.DecisionRecord{
		ID:             domain.NewID("decision"),
		PaperID:        p.ID,
		PaperVersionID: v.ID,
		Status:         out.Status,
		Reason:         out.Reason,
		ActorType:      actor,
		Snapshot:       out.Snapshot,
		CreatedAt:      now,
	}
	if err := e.Decisions.Append(ctx, q, *rec); err != nil {
		return nil, err
	}

	prev := p.LatestStatus
	applyStatus(p, out.Status, now)
	if err := e.Papers.Update(ctx, q, p); err != nil {
		return nil, err
	}

	ev := domain.AuditEvent{
		ActorType:  actor,
		Action:     "paper.decision",
		TargetType: "paper",
		TargetID:   p.ID,
		Metadata:   map[string]any{"status": string(out.Status), "paperVersionId": v.ID, "reason": out.Reason},
	}
	if force != nil {
		ev.Action = "operator.paper.force_reject"
		ev.ReasonCode = force.Code
		ev.ReasonText = force.Text
	}
	if err := e.record(ctx, q, ev); err != nil {
		return nil, err
	}
	if prev != out.Status {
		e.logf("paper %s: %s -> %s (%s)", p.ID, prev, out.Status, out.Reason)
	}
	return rec, nil
}

// applyStatus sets the status and its retention markers. Rejection stamps the
// visibility deadline; every other status clears rejection and purge markers.
func applyStatus(p *domain.Paper, status domain.PaperStatus, now time.Time) {
	p.LatestStatus = status
	p.UpdatedAt = now
	if status == domain.PaperRejected {
		until := now.Add(RejectionVisibility)
		p.RejectedVisibleUntil = &until
		return
	}
	p.RejectedVisibleUntil = nil
	p.PurgedAt = nil
}

// ForceReject records an operator rejection of the paper's current version.
func (e *Engine) ForceReject(ctx context.Context, paperID string, reason domain.OperatorReason) (*domain.DecisionRecord, error) {
	var rec *domain.DecisionRecord
	err := store.InTx(ctx, e.DB, func(tx *sql.Tx) error {
		p, err := e.Papers.GetByID(ctx, tx, paperID)
		if err != nil {
			return err
		}
		if p.LatestStatus == domain.PaperQuarantined {
			return domain.ErrPaperQuarantined
		}
		unlock := e.Locks.Lock(p.CurrentVersionID)
		defer unlock()
		rec, err = e.evaluate(ctx, tx, p.CurrentVersionID, &reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Quarantine freezes a paper. Its open assignments expire and it is never
// recomputed again. Quarantining twice is a no-op.
func (e *Engine) Quarantine(ctx context.Context, paperID string, reason domain.OperatorReason) (*domain.Paper, error) {
	var out *domain.Paper
	err := store.InTx(ctx, e.DB, func(tx *sql.Tx) error {
		p, err := e.Papers.GetByID(ctx, tx, paperID)
		if err != nil {
			return err
		}
		out = p
		if p.LatestStatus == domain.PaperQuarantined {
			return nil
		}
		if err := checkTransition(p.LatestStatus, domain.PaperQuarantined); err != nil {
			return err
		}
		now := e.Clock.Now()
		prev := p.LatestStatus
		p.LatestStatus = domain.PaperQuarantined
		p.QuarantinedAt = &now
		p.UpdatedAt = now
		if err := e.Papers.Update(ctx, tx, p); err != nil {
			return err
		}
		if err := e.Assignments.ExpireForPaperExcept(ctx, tx, p.ID, ""); err != nil {
			return err
		}
		return e.record(ctx, tx, domain.AuditEvent{
			ActorType:  domain.ActorHumanOperator,
			Action:     "operator.paper.quarantine",
			TargetType: "paper",
			TargetID:   p.ID,
			ReasonCode: reason.Code,
			ReasonText: reason.Text,
			Metadata:   map[string]any{"previousStatus": string(prev)},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) record(ctx context.Context, q store.DBTX, ev domain.AuditEvent) error {
	ev.ID = domain.NewID("audit")
	ev.CreatedAt = e.Clock.Now()
	if err := e.Audit.Record(ctx, q, ev); err != nil {
		return fmt.Errorf("record %s: %w", ev.Action, err)
	}
	return nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}
