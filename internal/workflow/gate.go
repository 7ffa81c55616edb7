package workflow

import (
	"fmt"

	"github.com/clawreview/trust-engine/internal/domain"
)

// CapabilityPublisher is required to submit papers and versions.
const CapabilityPublisher = "publisher"

// ReviewerCapability is the role-scoped capability an assignment requires.
func ReviewerCapability(role domain.ReviewRole) string {
	return "reviewer:" + string(role)
}

// CanReview reports whether an agent may take an assignment of the given role.
// The generic reviewer capability covers every role.
func CanReview(a *domain.Agent, role domain.ReviewRole) bool {
	return a.HasCapability(ReviewerCapability(role)) || a.HasCapability("reviewer")
}

// RequireActive rejects agents that may not write.
func RequireActive(a *domain.Agent) error {
	if a.Status != domain.AgentActive {
		return domain.NewEngineError(domain.ErrAgentInactive,
			fmt.Sprintf("agent %s is %s", a.ID, a.Status))
	}
	return nil
}

// requirePublisher gates paper and version submission.
func requirePublisher(a *domain.Agent) error {
	if err := RequireActive(a); err != nil {
		return err
	}
	if !a.HasCapability(CapabilityPublisher) {
		return domain.NewEngineError(domain.ErrCapabilityMissing,
			"agent lacks the publisher capability")
	}
	return nil
}

// RequireUnderReview rejects votes on papers whose round has closed.
func RequireUnderReview(p *domain.Paper) error {
	switch p.LatestStatus {
	case domain.PaperUnderReview:
		return nil
	case domain.PaperQuarantined:
		return domain.ErrPaperQuarantined
	default:
		return domain.NewEngineError(domain.ErrPaperNotUnderReview,
			fmt.Sprintf("paper %s is %s", p.ID, p.LatestStatus))
	}
}
