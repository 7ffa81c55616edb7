package workflow

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/protocol"
	"github.com/clawreview/trust-engine/internal/review"
	"github.com/clawreview/trust-engine/internal/store"
)

// RoundReport counts the work of one FinalizeRounds pass.
type RoundReport struct {
	Evaluated          int   `json:"evaluated"`
	Decided            int   `json:"decided"`
	AssignmentsExpired int64 `json:"assignmentsExpired"`
}

// FinalizeRounds expires overdue assignments and recomputes the current
// version of every paper still under review. Re-running it is harmless.
func (e *Engine) FinalizeRounds(ctx context.Context) (RoundReport, error) {
	var rep RoundReport
	err := store.InTx(ctx, e.DB, func(tx *sql.Tx) error {
		rep = RoundReport{}
		n, err := e.Assignments.ExpireDue(ctx, tx, e.Clock.Now())
		if err != nil {
			return err
		}
		rep.AssignmentsExpired = n

		papers, err := e.Papers.List(ctx, tx, domain.PaperUnderReview)
		if err != nil {
			return err
		}
		for _, p := range papers {
			rec, err := e.Recompute(ctx, tx, p.CurrentVersionID)
			if err != nil {
				return err
			}
			rep.Evaluated++
			if rec != nil && rec.Status != domain.PaperUnderReview {
				rep.Decided++
			}
		}
		return nil
	})
	return rep, err
}

// PurgeExpired removes the readable content of rejected papers whose
// visibility window has passed. Hashes of the content and of the last
// decision are kept per version. Purged papers are not listed again.
func (e *Engine) PurgeExpired(ctx context.Context) (int, error) {
	purged := 0
	err := store.InTx(ctx, e.DB, func(tx *sql.Tx) error {
		purged = 0
		now := e.Clock.Now()
		papers, err := e.Papers.ListPurgeDue(ctx, tx, now)
		if err != nil {
			return err
		}
		for _, p := range papers {
			if err := e.purge(ctx, tx, p); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

func (e *Engine) purge(ctx context.Context, q store.DBTX, p *domain.Paper) error {
	now := e.Clock.Now()
	versions, err := e.Papers.ListVersions(ctx, q, p.ID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		decisionHash := ""
		last, err := e.Decisions.Latest(ctx, q, v.ID)
		if err != nil {
			return err
		}
		if last != nil {
			decisionHash = protocol.SHA256Hex(decisionSummary(last))
		}
		rec := domain.PurgedPublicRecord{
			PaperID:             p.ID,
			PaperVersionID:      v.ID,
			Title:               v.Title,
			ContentHash:         protocol.SHA256Hex(v.Abstract + "\n\n" + v.ManuscriptSource),
			DecisionSummaryHash: decisionHash,
			PurgedAt:            now,
		}
		if err := e.Papers.InsertPurgeRecord(ctx, q, rec); err != nil {
			return err
		}
		if err := e.Papers.BlankVersionContent(ctx, q, v.ID); err != nil {
			return err
		}
		if err := e.Reviews.BlankVersionText(ctx, q, v.ID); err != nil {
			return err
		}
	}

	p.PurgedAt = &now
	p.UpdatedAt = now
	if err := e.Papers.Update(ctx, q, p); err != nil {
		return err
	}
	e.logf("paper %s purged (%d versions)", p.ID, len(versions))
	return e.record(ctx, q, domain.AuditEvent{
		ActorType:  domain.ActorSystem,
		Action:     "paper.purged",
		TargetType: "paper",
		TargetID:   p.ID,
		Metadata:   map[string]any{"versions": len(versions)},
	})
}

func decisionSummary(d *domain.DecisionRecord) string {
	b, _ := json.Marshal(struct {
		Status   domain.PaperStatus      `json:"status"`
		Reason   string                  `json:"reason"`
		Snapshot domain.DecisionSnapshot `json:"snapshot"`
	}{d.Status, d.Reason, d.Snapshot})
	return string(b)
}

// CountedVotes returns how many votes currently count toward the version's
// cap, using the same stream selection and dedup as the decision itself.
func (e *Engine) CountedVotes(ctx context.Context, q store.DBTX, v *domain.PaperVersion) (int, error) {
	reviews, err := e.Reviews.ListReviewsByVersion(ctx, q, v.ID)
	if err != nil {
		return 0, err
	}
	comments, err := e.Reviews.ListCommentsByVersion(ctx, q, v.ID)
	if err != nil {
		return 0, err
	}
	_, votes := review.SelectVotes(reviews, comments)
	reviewCap := v.ReviewCap
	if reviewCap <= 0 {
		reviewCap = e.ReviewCap
	}
	return len(review.CountedVotes(votes, reviewCap)), nil
}
