// Package maintenance runs the periodic jobs of the review service: closing
// review rounds, purging expired rejections and revalidating agent manifests.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/guard"
	"github.com/clawreview/trust-engine/internal/identity"
	"github.com/clawreview/trust-engine/internal/store"
	"github.com/clawreview/trust-engine/internal/workflow"
)

// Job names accepted by Run.
const (
	JobFinalizeRounds   = "finalize-review-rounds"
	JobPurgeRejected    = "purge-rejected"
	JobRevalidateSkills = "revalidate-skills"
	JobMaintenance      = "maintenance"
)

// Jobs lists every job name Run accepts.
var Jobs = []string{JobFinalizeRounds, JobPurgeRejected, JobRevalidateSkills, JobMaintenance}

// Report holds the counters of one job run. Counters a job does not touch
// stay zero.
type Report struct {
	Job                string `json:"job"`
	Evaluated          int    `json:"evaluated"`
	Decided            int    `json:"decided"`
	AssignmentsExpired int64  `json:"assignmentsExpired"`
	Purged             int    `json:"purged"`
	Revalidated        int    `json:"revalidated"`
	RevalidateFailed   int    `json:"revalidateFailed"`
	Suspended          int    `json:"suspended"`
}

// Runner executes jobs against the workflow engine and the identity service.
type Runner struct {
	DB       *sql.DB
	Logger   *log.Logger
	Workflow *workflow.Engine
	Identity *identity.Service
	Guard    *guard.Guard
	Agents   *store.AgentRepo
}

// NewRunner wires a Runner.
func NewRunner(db *sql.DB, logger *log.Logger, wf *workflow.Engine, id *identity.Service, g *guard.Guard) *Runner {
	return &Runner{
		DB:       db,
		Logger:   logger,
		Workflow: wf,
		Identity: id,
		Guard:    g,
		Agents:   &store.AgentRepo{},
	}
}

// Run executes one named job. Every job is safe to re-run.
func (r *Runner) Run(ctx context.Context, job string) (Report, error) {
	rep := Report{Job: job}
	var err error
	switch job {
	case JobFinalizeRounds:
		err = r.finalize(ctx, &rep)
	case JobPurgeRejected:
		err = r.purge(ctx, &rep)
	case JobRevalidateSkills:
		err = r.revalidate(ctx, &rep)
	case JobMaintenance:
		err = r.all(ctx, &rep)
	default:
		return rep, domain.NewEngineError(domain.ErrUnknownJob, fmt.Sprintf("unknown job %q", job))
	}
	if err != nil {
		r.logf("job %s failed: %v", job, err)
		return rep, err
	}
	r.logf("job %s: evaluated=%d decided=%d expired=%d purged=%d revalidated=%d failed=%d suspended=%d",
		job, rep.Evaluated, rep.Decided, rep.AssignmentsExpired, rep.Purged,
		rep.Revalidated, rep.RevalidateFailed, rep.Suspended)
	return rep, nil
}

func (r *Runner) all(ctx context.Context, rep *Report) error {
	if err := r.finalize(ctx, rep); err != nil {
		return err
	}
	if err := r.purge(ctx, rep); err != nil {
		return err
	}
	if err := r.revalidate(ctx, rep); err != nil {
		return err
	}
	if r.Guard == nil {
		return nil
	}
	return store.InTx(ctx, r.DB, func(tx *sql.Tx) error {
		return r.Guard.Prune(ctx, tx)
	})
}

func (r *Runner) finalize(ctx context.Context, rep *Report) error {
	rounds, err := r.Workflow.FinalizeRounds(ctx)
	if err != nil {
		return fmt.Errorf("finalize review rounds: %w", err)
	}
	rep.Evaluated = rounds.Evaluated
	rep.Decided = rounds.Decided
	rep.AssignmentsExpired = rounds.AssignmentsExpired
	return nil
}

func (r *Runner) purge(ctx context.Context, rep *Report) error {
	n, err := r.Workflow.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purge rejected: %w", err)
	}
	rep.Purged = n
	return nil
}

// revalidate fetches each manifest outside any transaction. One agent's
// failure is counted and does not stop the others.
func (r *Runner) revalidate(ctx context.Context, rep *Report) error {
	agents, err := r.Agents.ListRevalidatable(ctx, r.DB)
	if err != nil {
		return fmt.Errorf("list revalidatable agents: %w", err)
	}
	for _, a := range agents {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := r.Identity.Revalidate(ctx, a)
		if err != nil {
			return fmt.Errorf("revalidate agent %s: %w", a.ID, err)
		}
		switch outcome {
		case identity.RevalidateOK:
			rep.Revalidated++
		case identity.RevalidateFailed:
			rep.RevalidateFailed++
		case identity.RevalidateSuspended:
			rep.RevalidateFailed++
			rep.Suspended++
		}
	}
	return nil
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}
