package intake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawreview/trust-engine/internal/clock"
	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/guard"
	"github.com/clawreview/trust-engine/internal/review"
	"github.com/clawreview/trust-engine/internal/store"
	"github.com/clawreview/trust-engine/internal/workflow"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	t   *testing.T
	db  *sql.DB
	clk *clock.Manual
	wf  *workflow.Engine
	svc *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clk := clock.NewManual(testStart)
	wf := workflow.NewEngine(db, clk, nil, 10)
	return &harness{t: t, db: db, clk: clk, wf: wf, svc: NewService(clk, nil, wf, guard.NewGuard(clk))}
}

func (h *harness) tx(fn func(tx *sql.Tx) error) error {
	h.t.Helper()
	return store.InTx(context.Background(), h.db, fn)
}

func agent(id string, caps ...string) *domain.Agent {
	return &domain.Agent{
		ID:                   id,
		Handle:               id,
		Status:               domain.AgentActive,
		VerifiedOriginDomain: id + ".example.org",
		Capabilities:         caps,
		CurrentManifestHash:  strings.Repeat("b", 64) + id,
	}
}

func paperInput() *review.PaperInput {
	var b strings.Builder
	for _, s := range review.RequiredSections {
		b.WriteString("## " + s + "\n\n" + strings.Repeat("Body text that fills the required section length. ", 6) + "\n\n")
	}
	return &review.PaperInput{
		Title:      "Agents reviewing agents",
		Abstract:   strings.Repeat("An abstract that is comfortably above the minimum. ", 2),
		Domains:    []string{"ml"},
		Keywords:   []string{"review"},
		ClaimTypes: []string{"theory"},
		Manuscript: review.ManuscriptInput{Format: "markdown", Source: b.String()},
	}
}

func (h *harness) submitPaper(pub *domain.Agent) *workflow.Submission {
	h.t.Helper()
	var sub *workflow.Submission
	err := h.tx(func(tx *sql.Tx) error {
		var err error
		sub, err = h.wf.SubmitPaper(context.Background(), tx, pub, paperInput())
		return err
	})
	if err != nil {
		h.t.Fatalf("SubmitPaper: %v", err)
	}
	return sub
}

func (h *harness) claim(a *domain.Agent, assignmentID string) (*domain.Assignment, error) {
	var out *domain.Assignment
	err := h.tx(func(tx *sql.Tx) error {
		var err error
		out, err = h.svc.ClaimAssignment(context.Background(), tx, a, assignmentID)
		return err
	})
	return out, err
}

func reviewInput(a *domain.Assignment, rv *domain.Agent, rec domain.Recommendation) *review.ReviewInput {
	return &review.ReviewInput{
		PaperVersionID:     a.PaperVersionID,
		Role:               a.Role,
		GuidelineVersionID: "guideline-base-v1",
		Recommendation:     rec,
		Summary:            "The method is sound but the evaluation is thin.",
		Findings: []domain.Finding{
			{Severity: "critical", Status: "open", Title: "No baseline", Detail: "Compare against a baseline."},
		},
		SkillManifestHash: rv.CurrentManifestHash,
	}
}

func (h *harness) submitReview(rv *domain.Agent, assignmentID string, in *review.ReviewInput) (*ReviewResult, error) {
	var out *ReviewResult
	err := h.tx(func(tx *sql.Tx) error {
		var err error
		out, err = h.svc.SubmitReview(context.Background(), tx, rv, assignmentID, in)
		return err
	})
	return out, err
}

func (h *harness) comment(a *domain.Agent, paperID string, rec domain.Recommendation) (*CommentResult, error) {
	var out *CommentResult
	err := h.tx(func(tx *sql.Tx) error {
		var err error
		out, err = h.svc.SubmitComment(context.Background(), tx, a, paperID, &review.CommentInput{
			BodyMarkdown:   strings.Repeat("Careful reading of the argument. ", 8),
			Recommendation: rec,
		})
		return err
	})
	return out, err
}

func TestClaimAssignment(t *testing.T) {
	h := newHarness(t)
	pub := agent("pub", "publisher")
	sub := h.submitPaper(pub)
	target := sub.Assignments[0]

	if _, err := h.claim(pub, target.ID); !errors.Is(err, domain.ErrSelfReview) {
		t.Errorf("publisher claim err = %v, want ErrSelfReview", err)
	}
	if _, err := h.claim(agent("nocap", "publisher"), target.ID); !errors.Is(err, domain.ErrCapabilityMissing) {
		t.Errorf("no-capability claim err = %v, want ErrCapabilityMissing", err)
	}
	inactive := agent("off", "reviewer")
	inactive.Status = domain.AgentSuspended
	if _, err := h.claim(inactive, target.ID); !errors.Is(err, domain.ErrAgentInactive) {
		t.Errorf("inactive claim err = %v, want ErrAgentInactive", err)
	}

	scoped := agent("scoped", workflow.ReviewerCapability(target.Role))
	got, err := h.claim(scoped, target.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Status != domain.AssignmentClaimed || got.ClaimedByAgentID != scoped.ID {
		t.Errorf("unexpected assignment %+v", got)
	}

	if _, err := h.claim(agent("late", "reviewer"), target.ID); !errors.Is(err, domain.ErrAssignmentNotOpen) {
		t.Errorf("second claim err = %v, want ErrAssignmentNotOpen", err)
	}
	if _, err := h.claim(agent("ghost", "reviewer"), "assignment_missing"); !errors.Is(err, domain.ErrAssignmentNotFound) {
		t.Errorf("missing claim err = %v, want ErrAssignmentNotFound", err)
	}
}

func TestClaimAssignment_Expired(t *testing.T) {
	h := newHarness(t)
	sub := h.submitPaper(agent("pub", "publisher"))
	h.clk.Advance(workflow.ReviewWindow)

	if _, err := h.claim(agent("rev", "reviewer"), sub.Assignments[0].ID); !errors.Is(err, domain.ErrAssignmentExpired) {
		t.Errorf("err = %v, want ErrAssignmentExpired", err)
	}
}

func TestSubmitReview_HappyPath(t *testing.T) {
	h := newHarness(t)
	sub := h.submitPaper(agent("pub", "publisher"))
	rv := agent("rev", "reviewer")
	a, err := h.claim(rv, sub.Assignments[1].ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := h.submitReview(rv, a.ID, reviewInput(a, rv, domain.RecommendWeakAccept))
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	if res.Review.ReviewerOriginDomain != rv.VerifiedOriginDomain || res.Review.Findings[0].ID == "" {
		t.Errorf("unexpected review %+v", res.Review)
	}
	if res.Decision == nil || res.Decision.Reason != "Awaiting 9 more reviews" {
		t.Errorf("unexpected decision %+v", res.Decision)
	}

	got, err := h.wf.Assignments.GetByID(context.Background(), h.db, a.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.AssignmentCompleted || got.CompletedReviewID != res.Review.ID {
		t.Errorf("assignment not completed: %+v", got)
	}

	if _, err := h.submitReview(rv, a.ID, reviewInput(a, rv, domain.RecommendAccept)); !errors.Is(err, domain.ErrAssignmentCompleted) {
		t.Errorf("resubmit err = %v, want ErrAssignmentCompleted", err)
	}
}

func TestSubmitReview_CheckOrder(t *testing.T) {
	h := newHarness(t)
	sub := h.submitPaper(agent("pub", "publisher"))
	rv := agent("rev", "reviewer")
	other := agent("other", "reviewer")
	open := sub.Assignments[2]
	a, err := h.claim(rv, sub.Assignments[0].ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	tests := []struct {
		name   string
		agent  *domain.Agent
		id     string
		mutate func(in *review.ReviewInput)
		want   error
	}{
		{"unknown assignment", rv, "assignment_missing", nil, domain.ErrAssignmentNotFound},
		{"version mismatch", rv, a.ID, func(in *review.ReviewInput) { in.PaperVersionID = "version_other" }, domain.ErrAssignmentMismatch},
		{"role mismatch", rv, a.ID, func(in *review.ReviewInput) { in.Role = domain.RoleCode }, domain.ErrAssignmentMismatch},
		{"route mismatch", rv, a.ID, func(in *review.ReviewInput) { in.AssignmentID = open.ID }, domain.ErrAssignmentMismatch},
		{"not claimed", rv, open.ID, func(in *review.ReviewInput) { in.Role = open.Role }, domain.ErrAssignmentNotClaimed},
		{"not holder", other, a.ID, nil, domain.ErrAssignmentNotHolder},
		{"stale manifest", rv, a.ID, func(in *review.ReviewInput) { in.SkillManifestHash = strings.Repeat("c", 64) }, domain.ErrManifestHashMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := reviewInput(a, tt.agent, domain.RecommendAccept)
			if tt.mutate != nil {
				tt.mutate(in)
			}
			_, err := h.submitReview(tt.agent, tt.id, in)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	var ve *domain.ValidationError
	bad := reviewInput(a, rv, "strong_accept")
	if _, err := h.submitReview(rv, a.ID, bad); !errors.As(err, &ve) {
		t.Errorf("invalid payload err = %v, want ValidationError", err)
	}
}

func TestSubmitReview_DuplicateAgentOnVersion(t *testing.T) {
	h := newHarness(t)
	sub := h.submitPaper(agent("pub", "publisher"))
	rv := agent("rev", "reviewer")

	first, err := h.claim(rv, sub.Assignments[0].ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.submitReview(rv, first.ID, reviewInput(first, rv, domain.RecommendAccept)); err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	second, err := h.claim(rv, sub.Assignments[1].ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = h.submitReview(rv, second.ID, reviewInput(second, rv, domain.RecommendAccept))
	if !errors.Is(err, domain.ErrDuplicateReview) {
		t.Fatalf("err = %v, want ErrDuplicateReview", err)
	}
	var ee *domain.EngineError
	if errors.As(err, &ee) && ee.Kind != "REVIEW_DUPLICATE_AGENT_ON_VERSION" {
		t.Errorf("kind = %s", ee.Kind)
	}
}

func TestSubmitComment_DecidesAtCap(t *testing.T) {
	h := newHarness(t)
	pub := agent("pub", "publisher")
	sub := h.submitPaper(pub)

	if _, err := h.comment(pub, sub.Paper.ID, domain.RecommendAccept); !errors.Is(err, domain.ErrSelfReview) {
		t.Errorf("publisher comment err = %v, want ErrSelfReview", err)
	}

	var last *CommentResult
	for i := 0; i < 10; i++ {
		h.clk.Advance(time.Second)
		rec := domain.RecommendAccept
		if i >= 9 {
			rec = domain.RecommendReject
		}
		res, err := h.comment(agent(fmt.Sprintf("voter%d", i)), sub.Paper.ID, rec)
		if err != nil {
			t.Fatalf("comment %d: %v", i, err)
		}
		last = res
	}
	if last.Paper.LatestStatus != domain.PaperAccepted {
		t.Fatalf("status = %s, want accepted", last.Paper.LatestStatus)
	}
	if last.Decision.Snapshot.Source != "comments" {
		t.Errorf("source = %s, want comments", last.Decision.Snapshot.Source)
	}

	if _, err := h.comment(agent("voter99"), sub.Paper.ID, domain.RecommendReject); !errors.Is(err, domain.ErrPaperNotUnderReview) {
		t.Errorf("post-decision comment err = %v, want ErrPaperNotUnderReview", err)
	}
}

func TestSubmitComment_DuplicateAndValidation(t *testing.T) {
	h := newHarness(t)
	sub := h.submitPaper(agent("pub", "publisher"))
	voter := agent("voter")

	if _, err := h.comment(voter, sub.Paper.ID, domain.RecommendAccept); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := h.comment(voter, sub.Paper.ID, domain.RecommendReject); !errors.Is(err, domain.ErrDuplicateComment) {
		t.Errorf("duplicate err = %v, want ErrDuplicateComment", err)
	}

	err := h.tx(func(tx *sql.Tx) error {
		_, err := h.svc.SubmitComment(context.Background(), tx, agent("short"), sub.Paper.ID,
			&review.CommentInput{BodyMarkdown: "too short", Recommendation: domain.RecommendAccept})
		return err
	})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("short body err = %v, want ValidationError", err)
	}
}

func TestSubmitComment_RateLimited(t *testing.T) {
	h := newHarness(t)
	sub := h.submitPaper(agent("pub", "publisher"))
	voter := agent("voter")
	bucket := guard.CommentBucket(voter.ID, sub.Paper.ID)

	err := h.tx(func(tx *sql.Tx) error {
		for i := 0; i < guard.LimitComment.Max; i++ {
			if err := h.svc.Guard.Consume(context.Background(), tx, bucket, guard.LimitComment); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("prefill: %v", err)
	}

	_, err = h.comment(voter, sub.Paper.ID, domain.RecommendAccept)
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", rl.RetryAfter)
	}
}

func TestOpenAssignments_FiltersForAgent(t *testing.T) {
	h := newHarness(t)
	pub := agent("pub", "publisher", "reviewer")
	sub := h.submitPaper(pub)
	ctx := context.Background()

	novelty := agent("novelty", workflow.ReviewerCapability(domain.RoleNovelty))
	for _, a := range []*domain.Agent{pub, novelty} {
		a.Name = a.ID
		a.PublicKey = "key-" + a.ID
		if err := h.svc.Agents.Create(ctx, h.db, a); err != nil {
			t.Fatalf("Create agent: %v", err)
		}
	}

	all, err := h.svc.OpenAssignments(ctx, h.db, "")
	if err != nil {
		t.Fatalf("OpenAssignments: %v", err)
	}
	if len(all) != len(sub.Assignments) {
		t.Errorf("all = %d, want %d", len(all), len(sub.Assignments))
	}

	mine, err := h.svc.OpenAssignments(ctx, h.db, novelty.ID)
	if err != nil {
		t.Fatalf("OpenAssignments: %v", err)
	}
	if len(mine) != 1 || mine[0].Role != domain.RoleNovelty {
		t.Errorf("novelty reviewer sees %+v", mine)
	}

	own, err := h.svc.OpenAssignments(ctx, h.db, pub.ID)
	if err != nil {
		t.Fatalf("OpenAssignments: %v", err)
	}
	if len(own) != 0 {
		t.Errorf("publisher sees %d of its own assignments", len(own))
	}
}
