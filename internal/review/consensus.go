// Package review turns the structured reviews and comment-votes of one paper
// version into a decision, and validates the payloads that create them.
package review

import (
	"fmt"
	"sort"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

// DefaultReviewCap is the number of counted votes that closes a review round.
const DefaultReviewCap = 10

// Thresholds are the fixed vote counts evaluated once the cap is reached.
type Thresholds struct {
	Reject      int
	Accept      int
	RevisionMin int
	RevisionMax int
}

// DefaultThresholds returns the standard decision thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Reject: 5, Accept: 9, RevisionMin: 6, RevisionMax: 8}
}

// Source names the vote stream a decision was computed from.
type Source string

const (
	SourceReviews  Source = "reviews"
	SourceComments Source = "comments"
)

// Polarity is a recommendation collapsed to its direction.
type Polarity int

const (
	Neutral Polarity = iota
	Positive
	Negative
)

// PolarityOf collapses the five-level scale.
func PolarityOf(r domain.Recommendation) Polarity {
	switch r {
	case domain.RecommendAccept, domain.RecommendWeakAccept:
		return Positive
	case domain.RecommendWeakReject, domain.RecommendReject:
		return Negative
	default:
		return Neutral
	}
}

// Vote is the uniform projection of a review or comment-vote.
type Vote struct {
	ID           string
	Source       Source
	OriginDomain string
	CreatedAt    time.Time
	Seq          int64
	Polarity     Polarity
	Role         domain.ReviewRole
}

// FromReview projects a structured review.
func FromReview(r *domain.Review) Vote {
	return Vote{
		ID:           r.ID,
		Source:       SourceReviews,
		OriginDomain: r.ReviewerOriginDomain,
		CreatedAt:    r.CreatedAt,
		Seq:          r.Seq,
		Polarity:     PolarityOf(r.Recommendation),
		Role:         r.Role,
	}
}

// FromComment projects a comment-vote.
func FromComment(c *domain.ReviewComment) Vote {
	return Vote{
		ID:           c.ID,
		Source:       SourceComments,
		OriginDomain: c.ReviewerOriginDomain,
		CreatedAt:    c.CreatedAt,
		Seq:          c.Seq,
		Polarity:     PolarityOf(c.Recommendation),
	}
}

// SelectVotes picks the vote stream that decides a version. Comment-votes take
// precedence whenever any exist.
func SelectVotes(reviews []*domain.Review, comments []*domain.ReviewComment) (Source, []Vote) {
	if len(comments) > 0 {
		votes := make([]Vote, 0, len(comments))
		for _, c := range comments {
			votes = append(votes, FromComment(c))
		}
		return SourceComments, votes
	}
	votes := make([]Vote, 0, len(reviews))
	for _, r := range reviews {
		votes = append(votes, FromReview(r))
	}
	return SourceReviews, votes
}

// CountedVotes keeps the earliest vote per origin domain, orders the result by
// submission and returns at most reviewCap votes.
func CountedVotes(votes []Vote, reviewCap int) []Vote {
	ordered := make([]Vote, len(votes))
	copy(ordered, votes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].Seq < ordered[j].Seq
	})

	seen := make(map[string]bool, len(ordered))
	counted := make([]Vote, 0, reviewCap)
	for _, v := range ordered {
		if seen[v.OriginDomain] {
			continue
		}
		seen[v.OriginDomain] = true
		counted = append(counted, v)
		if len(counted) == reviewCap {
			break
		}
	}
	return counted
}

// Input is everything one evaluation depends on.
type Input struct {
	Reviews      []*domain.Review
	Comments     []*domain.ReviewComment
	ReviewCap    int
	CodeRequired bool
	Thresholds   Thresholds
	ForceReject  *domain.OperatorReason
}

// Outcome is the result of one evaluation.
type Outcome struct {
	Status   domain.PaperStatus
	Reason   string
	Snapshot domain.DecisionSnapshot
}

// Decide evaluates a version's votes. It is pure: the same input always yields
// the same outcome.
func Decide(in Input) Outcome {
	reviewCap := in.ReviewCap
	if reviewCap <= 0 {
		reviewCap = DefaultReviewCap
	}
	th := in.Thresholds
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}

	source, votes := SelectVotes(in.Reviews, in.Comments)
	counted := CountedVotes(votes, reviewCap)

	snap := domain.DecisionSnapshot{
		Source:         string(source),
		CountedVoteIDs: make([]string, 0, len(counted)),
		CountedCount:   len(counted),
		ReviewCap:      reviewCap,
		RequiredRoles:  RequiredRoles(in.CodeRequired),
		CoveredRoles:   CoveredRoles(in.Reviews, in.CodeRequired),
	}
	countedIDs := make(map[string]bool, len(counted))
	for _, v := range counted {
		snap.CountedVoteIDs = append(snap.CountedVoteIDs, v.ID)
		countedIDs[v.ID] = true
		switch v.Polarity {
		case Positive:
			snap.PositiveCount++
		case Negative:
			snap.NegativeCount++
		default:
			snap.NeutralCount++
		}
	}
	if source == SourceReviews {
		snap.OpenCriticalFindings = OpenCriticalFindings(in.Reviews, countedIDs)
	}

	out := Outcome{Snapshot: snap}
	switch {
	case in.ForceReject != nil:
		out.Status = domain.PaperRejected
		out.Reason = in.ForceReject.Code + ": " + in.ForceReject.Text
	case len(counted) < reviewCap:
		out.Status = domain.PaperUnderReview
		out.Reason = fmt.Sprintf("Awaiting %d more reviews", reviewCap-len(counted))
	case snap.NegativeCount >= th.Reject:
		out.Status = domain.PaperRejected
		out.Reason = fmt.Sprintf("Reached reject threshold at review cap (%d rejects, threshold %d)", snap.NegativeCount, th.Reject)
	case snap.PositiveCount >= th.Accept:
		out.Status = domain.PaperAccepted
		out.Reason = fmt.Sprintf("Reached accept threshold at review cap (%d accepts, threshold %d)", snap.PositiveCount, th.Accept)
	case snap.PositiveCount >= th.RevisionMin && snap.PositiveCount <= th.RevisionMax:
		out.Status = domain.PaperRevisionRequired
		out.Reason = fmt.Sprintf("Reached revision band at review cap (%d accepts)", snap.PositiveCount)
	default:
		out.Status = domain.PaperRejected
		out.Reason = "Review cap reached without meeting acceptance or revision thresholds"
	}
	return out
}
