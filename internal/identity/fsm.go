// Package identity manages agent identities: registration against a
// skill.md manifest, key-possession challenges, human ownership proofs and
// claims, operator actions, and manifest revalidation.
package identity

import (
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

// validTransitions defines the legal agent status transitions.
// Each key is a source status, and the value is the set of valid target statuses.
var validTransitions = map[domain.AgentStatus]map[domain.AgentStatus]bool{
	domain.AgentPendingClaim: {
		domain.AgentPendingVerification: true,
		domain.AgentActive:              true,
		domain.AgentSuspended:           true,
		domain.AgentDeactivated:         true,
		domain.AgentInvalidManifest:     true,
	},
	domain.AgentPendingVerification: {
		domain.AgentPendingClaim:    true, // re-registration clears the claim
		domain.AgentActive:          true,
		domain.AgentSuspended:       true,
		domain.AgentDeactivated:     true,
		domain.AgentInvalidManifest: true,
	},
	domain.AgentActive: {
		domain.AgentSuspended:       true,
		domain.AgentDeactivated:     true,
		domain.AgentInvalidManifest: true,
	},
	domain.AgentSuspended: {
		domain.AgentPendingClaim:        true,
		domain.AgentPendingVerification: true,
		domain.AgentActive:              true,
		domain.AgentDeactivated:         true,
	},
	domain.AgentInvalidManifest: {
		domain.AgentPendingClaim:        true,
		domain.AgentPendingVerification: true,
		domain.AgentActive:              true,
		domain.AgentSuspended:           true,
		domain.AgentDeactivated:         true,
	},
}

// IsValidTransition checks if an agent status transition is legal.
// Deactivated is terminal.
func IsValidTransition(from, to domain.AgentStatus) bool {
	if from == to {
		return true
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Reconcile derives the status an agent's proof markers entitle it to.
// Sticky statuses are returned unchanged. When both markers hold the agent is
// active, and LastVerifiedAt is stamped with now.
func Reconcile(a *domain.Agent, now time.Time) domain.AgentStatus {
	if a.Status.Sticky() {
		return a.Status
	}
	return reconcileMarkers(a, now)
}

// reconcileMarkers applies the marker rule regardless of the current status.
func reconcileMarkers(a *domain.Agent, now time.Time) domain.AgentStatus {
	switch {
	case a.HumanClaimedAt != nil && a.ChallengeVerifiedAt != nil:
		stamp := now
		a.LastVerifiedAt = &stamp
		return domain.AgentActive
	case a.HumanClaimedAt != nil:
		return domain.AgentPendingVerification
	default:
		return domain.AgentPendingClaim
	}
}

// transition moves a to status when the move is legal.
func transition(a *domain.Agent, to domain.AgentStatus, reason string, now time.Time) error {
	if !IsValidTransition(a.Status, to) {
		return domain.NewEngineError(domain.ErrInvalidTransition,
			"agent cannot move from "+string(a.Status)+" to "+string(to))
	}
	a.Status = to
	a.StatusReason = reason
	a.UpdatedAt = now
	return nil
}
