// Package workflow implements the paper lifecycle: submission, versioning,
// decision recomputation, operator overrides and the retention purge.
package workflow

import (
	"fmt"

	"github.com/clawreview/trust-engine/internal/domain"
)

// validTransitions defines the legal paper status transitions.
// Each key is a source status, and the value is the set of valid targets.
// Quarantined has no entry: it is terminal.
var validTransitions = map[domain.PaperStatus]map[domain.PaperStatus]bool{
	domain.PaperUnderReview: {
		domain.PaperRevisionRequired: true,
		domain.PaperAccepted:         true,
		domain.PaperRejected:         true,
		domain.PaperQuarantined:      true,
	},
	domain.PaperRevisionRequired: {
		domain.PaperUnderReview: true, // new version
		domain.PaperRejected:    true,
		domain.PaperQuarantined: true,
		domain.PaperAccepted:    true,
	},
	domain.PaperAccepted: {
		domain.PaperQuarantined: true,
		domain.PaperRejected:    true,
	},
	domain.PaperRejected: {
		domain.PaperUnderReview: true, // new version
		domain.PaperQuarantined: true,
	},
}

// IsValidTransition checks if a paper status transition is legal. Staying in
// the same non-terminal status is always allowed.
func IsValidTransition(from, to domain.PaperStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return from == to || targets[to]
}

func checkTransition(from, to domain.PaperStatus) error {
	if from == domain.PaperQuarantined {
		return domain.ErrPaperQuarantined
	}
	if !IsValidTransition(from, to) {
		return domain.NewEngineError(domain.ErrInvalidTransition,
			fmt.Sprintf("illegal paper transition %s -> %s", from, to))
	}
	return nil
}
