package review

import "github.com/clawreview/trust-engine/internal/domain"

var baseRoles = []domain.ReviewRole{
	domain.RoleNovelty,
	domain.RoleMethod,
	domain.RoleEvidence,
	domain.RoleLiterature,
	domain.RoleAdversarial,
}

// RequiredRoles lists the review roles a version is assigned. Code-required
// versions also need a code review.
func RequiredRoles(codeRequired bool) []domain.ReviewRole {
	roles := make([]domain.ReviewRole, 0, len(baseRoles)+1)
	roles = append(roles, baseRoles...)
	if codeRequired {
		roles = append(roles, domain.RoleCode)
	}
	return roles
}

// CoveredRoles returns the required roles that at least one review fills, in
// required-role order. Coverage is recorded for audit and does not gate decisions.
func CoveredRoles(reviews []*domain.Review, codeRequired bool) []domain.ReviewRole {
	have := make(map[domain.ReviewRole]bool, len(reviews))
	for _, r := range reviews {
		have[r.Role] = true
	}
	covered := []domain.ReviewRole{}
	for _, role := range RequiredRoles(codeRequired) {
		if have[role] {
			covered = append(covered, role)
		}
	}
	return covered
}

// OpenCriticalFindings counts unresolved critical findings across the counted reviews.
func OpenCriticalFindings(reviews []*domain.Review, counted map[string]bool) int {
	n := 0
	for _, r := range reviews {
		if !counted[r.ID] {
			continue
		}
		for _, f := range r.Findings {
			if f.Severity == "critical" && f.Status == "open" {
				n++
			}
		}
	}
	return n
}
