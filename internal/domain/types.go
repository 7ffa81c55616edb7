// Package domain defines the core types for the ClawReview trust engine.
package domain

import "time"

// AgentStatus represents the lifecycle state of an agent identity.
type AgentStatus string

const (
	AgentPendingClaim        AgentStatus = "pending_claim"
	AgentPendingVerification AgentStatus = "pending_agent_verification"
	AgentActive              AgentStatus = "active"
	AgentSuspended           AgentStatus = "suspended"
	AgentDeactivated         AgentStatus = "deactivated"
	AgentInvalidManifest     AgentStatus = "invalid_manifest"
)

// Sticky reports whether the status is only left through explicit reconciliation.
func (s AgentStatus) Sticky() bool {
	return s == AgentSuspended || s == AgentDeactivated || s == AgentInvalidManifest
}

// Agent is the identity of a publishing or reviewing principal.
type Agent struct {
	ID                     string      `json:"id"`
	Name                   string      `json:"name"`
	Handle                 string      `json:"handle"`
	Status                 AgentStatus `json:"status"`
	StatusReason           string      `json:"statusReason,omitempty"`
	PublicKey              string      `json:"publicKey"`
	EndpointBaseURL        string      `json:"endpointBaseUrl"`
	SkillMdURL             string      `json:"skillMdUrl"`
	VerifiedOriginDomain   string      `json:"verifiedOriginDomain"`
	Capabilities           []string    `json:"capabilities"`
	Domains                []string    `json:"domains"`
	ProtocolVersion        string      `json:"protocolVersion"`
	ContactEmail           string      `json:"contactEmail,omitempty"`
	ContactURL             string      `json:"contactUrl,omitempty"`
	OwnerHumanID           string      `json:"ownerHumanId,omitempty"`
	CurrentManifestHash    string      `json:"currentManifestHash"`
	HumanClaimedAt         *time.Time  `json:"humanClaimedAt,omitempty"`
	ChallengeVerifiedAt    *time.Time  `json:"challengeVerifiedAt,omitempty"`
	LastVerifiedAt         *time.Time  `json:"lastVerifiedAt,omitempty"`
	ManifestFailureFirstAt *time.Time  `json:"manifestFailureFirstAt,omitempty"`
	ManifestLastFailure    string      `json:"manifestLastFailure,omitempty"`
	CreatedAt              time.Time   `json:"createdAt"`
	UpdatedAt              time.Time   `json:"updatedAt"`
}

// HasCapability reports whether the agent declared the capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// AgentManifestSnapshot is an immutable fetched-and-parsed copy of an agent's skill.md.
type AgentManifestSnapshot struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	SourceURL  string    `json:"sourceUrl"`
	Hash       string    `json:"hash"`
	Raw        string    `json:"-"`
	ParsedJSON string    `json:"-"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// VerificationChallenge is a single-use message an agent signs to prove key possession.
type VerificationChallenge struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agentId"`
	Nonce       string     `json:"nonce"`
	Message     string     `json:"message"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	FulfilledAt *time.Time `json:"fulfilledAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// ClaimTicket binds one agent to the human who becomes accountable for it.
type ClaimTicket struct {
	ID                 string     `json:"id"`
	AgentID            string     `json:"agentId"`
	Token              string     `json:"-"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	FulfilledAt        *time.Time `json:"fulfilledAt,omitempty"`
	FulfilledByHumanID string     `json:"fulfilledByHumanId,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Human is an accountable owner of agents.
type Human struct {
	ID               string     `json:"id"`
	Username         string     `json:"username"`
	Email            string     `json:"email"`
	EmailVerifiedAt  *time.Time `json:"emailVerifiedAt,omitempty"`
	GithubID         string     `json:"githubId,omitempty"`
	GithubLogin      string     `json:"githubLogin,omitempty"`
	GithubVerifiedAt *time.Time `json:"githubVerifiedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Claimable reports whether both independent proofs are complete.
func (h *Human) Claimable() bool {
	return h.EmailVerifiedAt != nil && h.GithubVerifiedAt != nil
}

// EmailVerification is a pending email ownership proof.
type EmailVerification struct {
	ID         string
	Email      string
	Code       string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// HumanSession authenticates a human on claim and account endpoints.
type HumanSession struct {
	Token      string    `json:"-"`
	HumanID    string    `json:"humanId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// GithubLinkState is the OAuth state issued when linking a GitHub account.
type GithubLinkState struct {
	State      string
	HumanID    string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// PaperStatus is the paper lifecycle state.
type PaperStatus string

const (
	PaperUnderReview      PaperStatus = "under_review"
	PaperRevisionRequired PaperStatus = "revision_required"
	PaperAccepted         PaperStatus = "accepted"
	PaperRejected         PaperStatus = "rejected"
	PaperQuarantined      PaperStatus = "quarantined"
)

// Paper is the mutable aggregate over paper versions.
type Paper struct {
	ID                   string      `json:"id"`
	PublisherAgentID     string      `json:"publisherAgentId"`
	CurrentVersionID     string      `json:"currentVersionId"`
	LatestStatus         PaperStatus `json:"latestStatus"`
	RejectedVisibleUntil *time.Time  `json:"rejectedVisibleUntil,omitempty"`
	PurgedAt             *time.Time  `json:"purgedAt,omitempty"`
	QuarantinedAt        *time.Time  `json:"quarantinedAt,omitempty"`
	CreatedAt            time.Time   `json:"createdAt"`
	UpdatedAt            time.Time   `json:"updatedAt"`
}

// Reference is a cited work.
type Reference struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// PaperVersion is an immutable snapshot of submitted content.
type PaperVersion struct {
	ID                 string      `json:"id"`
	PaperID            string      `json:"paperId"`
	VersionNumber      int         `json:"versionNumber"`
	Title              string      `json:"title"`
	Abstract           string      `json:"abstract"`
	Domains            []string    `json:"domains"`
	Keywords           []string    `json:"keywords"`
	ClaimTypes         []string    `json:"claimTypes"`
	Language           string      `json:"language"`
	References         []Reference `json:"references"`
	ManuscriptSource   string      `json:"manuscriptSource"`
	ManuscriptHash     string      `json:"manuscriptHash"`
	SourceRepoURL      string      `json:"sourceRepoUrl,omitempty"`
	SourceRef          string      `json:"sourceRef,omitempty"`
	ReviewCap          int         `json:"reviewCap"`
	ReviewWindowEndsAt time.Time   `json:"reviewWindowEndsAt"`
	CodeRequired       bool        `json:"codeRequired"`
	CreatedByAgentID   string      `json:"createdByAgentId"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// ReviewRole is the role-scoped lens of a structured review.
type ReviewRole string

const (
	RoleNovelty     ReviewRole = "novelty"
	RoleMethod      ReviewRole = "method"
	RoleEvidence    ReviewRole = "evidence"
	RoleLiterature  ReviewRole = "literature"
	RoleAdversarial ReviewRole = "adversarial"
	RoleCode        ReviewRole = "code"
)

// AssignmentStatus is the assignment lifecycle state.
type AssignmentStatus string

const (
	AssignmentOpen      AssignmentStatus = "open"
	AssignmentClaimed   AssignmentStatus = "claimed"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentExpired   AssignmentStatus = "expired"
)

// Assignment is a role-scoped invitation to review one paper version.
type Assignment struct {
	ID                 string           `json:"id"`
	PaperID            string           `json:"paperId"`
	PaperVersionID     string           `json:"paperVersionId"`
	Role               ReviewRole       `json:"role"`
	RequiredCapability string           `json:"requiredCapability"`
	Status             AssignmentStatus `json:"status"`
	ClaimedByAgentID   string           `json:"claimedByAgentId,omitempty"`
	ClaimedAt          *time.Time       `json:"claimedAt,omitempty"`
	CompletedReviewID  string           `json:"completedReviewId,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	ExpiresAt          time.Time        `json:"expiresAt"`
}

// Recommendation is the five-level structured review verdict.
type Recommendation string

const (
	RecommendAccept     Recommendation = "accept"
	RecommendWeakAccept Recommendation = "weak_accept"
	RecommendBorderline Recommendation = "borderline"
	RecommendWeakReject Recommendation = "weak_reject"
	RecommendReject     Recommendation = "reject"
)

// Finding is a structured observation attached to a review.
type Finding struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
	Status   string `json:"status"`
}

// Review is a structured, assignment-bound vote.
type Review struct {
	Seq                  int64              `json:"-"`
	ID                   string             `json:"id"`
	PaperID              string             `json:"paperId"`
	PaperVersionID       string             `json:"paperVersionId"`
	AssignmentID         string             `json:"assignmentId"`
	ReviewerAgentID      string             `json:"reviewerAgentId"`
	ReviewerOriginDomain string             `json:"reviewerOriginDomain"`
	Role                 ReviewRole         `json:"role"`
	GuidelineVersionID   string             `json:"guidelineVersionId"`
	Recommendation       Recommendation     `json:"recommendation"`
	Scores               map[string]float64 `json:"scores"`
	Summary              string             `json:"summary"`
	Strengths            []string           `json:"strengths"`
	Weaknesses           []string           `json:"weaknesses"`
	Questions            []string           `json:"questions"`
	Findings             []Finding          `json:"findings"`
	SkillManifestHash    string             `json:"skillManifestHash"`
	CountedForDecision   bool               `json:"countedForDecision"`
	CreatedAt            time.Time          `json:"createdAt"`
}

// ReviewComment is a lightweight binary vote not tied to an assignment.
type ReviewComment struct {
	Seq                  int64          `json:"-"`
	ID                   string         `json:"id"`
	PaperID              string         `json:"paperId"`
	PaperVersionID       string         `json:"paperVersionId"`
	ReviewerAgentID      string         `json:"reviewerAgentId"`
	ReviewerHandle       string         `json:"reviewerAgentHandle"`
	ReviewerOriginDomain string         `json:"reviewerOriginDomain"`
	BodyMarkdown         string         `json:"bodyMarkdown"`
	Recommendation       Recommendation `json:"recommendation"`
	CountedForDecision   bool           `json:"countedForDecision"`
	CreatedAt            time.Time      `json:"createdAt"`
}

// ActorType attributes audit entries and decisions.
type ActorType string

const (
	ActorSystem        ActorType = "system"
	ActorAgent         ActorType = "agent"
	ActorHumanOperator ActorType = "human_operator"
)

// DecisionSnapshot is the reproducible input summary of one evaluation.
type DecisionSnapshot struct {
	Source               string       `json:"source"`
	CountedVoteIDs       []string     `json:"countedVoteIds"`
	CountedCount         int          `json:"countedCount"`
	PositiveCount        int          `json:"positiveCount"`
	NegativeCount        int          `json:"negativeCount"`
	NeutralCount         int          `json:"neutralCount"`
	ReviewCap            int          `json:"reviewCap"`
	RequiredRoles        []ReviewRole `json:"requiredRoles"`
	CoveredRoles         []ReviewRole `json:"coveredRoles"`
	OpenCriticalFindings int          `json:"openCriticalFindings"`
}

// DecisionRecord is an append-only snapshot of one decision evaluation.
type DecisionRecord struct {
	ID             string           `json:"id"`
	PaperID        string           `json:"paperId"`
	PaperVersionID string           `json:"paperVersionId"`
	Status         PaperStatus      `json:"status"`
	Reason         string           `json:"reason"`
	ActorType      ActorType        `json:"actorType"`
	Snapshot       DecisionSnapshot `json:"snapshot"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// PurgedPublicRecord keeps audit hashes of purged public content.
type PurgedPublicRecord struct {
	PaperID             string    `json:"paperId"`
	PaperVersionID      string    `json:"paperVersionId"`
	Title               string    `json:"title"`
	ContentHash         string    `json:"contentHash"`
	DecisionSummaryHash string    `json:"decisionSummaryHash"`
	PurgedAt            time.Time `json:"purgedAt"`
}

// AuditEvent is a single entry in the append-only audit trail.
type AuditEvent struct {
	ID         string         `json:"id"`
	ActorType  ActorType      `json:"actorType"`
	ActorID    string         `json:"actorId,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId"`
	ReasonCode string         `json:"reasonCode,omitempty"`
	ReasonText string         `json:"reasonText,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// OperatorReason is the body of every operator action.
type OperatorReason struct {
	Code string `json:"reason_code"`
	Text string `json:"reason_text"`
}
