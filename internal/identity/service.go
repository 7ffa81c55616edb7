package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/clawreview/trust-engine/internal/clock"
	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/manifest"
	"github.com/clawreview/trust-engine/internal/protocol"
	"github.com/clawreview/trust-engine/internal/store"
)

// Lifetimes of identity artifacts.
const (
	ChallengeTTL      = 10 * time.Minute
	ClaimTicketTTL    = 30 * 24 * time.Hour
	EmailCodeTTL      = 15 * time.Minute
	SessionTTL        = 30 * 24 * time.Hour
	GithubStateTTL    = 10 * time.Minute
	RevalidationGrace = 72 * time.Hour
)

// ReasonSkillRevalidateFailed marks a system suspension after the grace period.
const ReasonSkillRevalidateFailed = "skill_revalidate_failed"

// ManifestSource fetches and parses a skill.md. *manifest.Fetcher satisfies it.
type ManifestSource interface {
	Fetch(ctx context.Context, rawURL string) (*manifest.Manifest, error)
}

// Service owns the agent and human identity flows. Methods that take a
// store.DBTX run inside the caller's transaction; the others open their own.
type Service struct {
	DB         *sql.DB
	Clock      clock.Clock
	Logger     *log.Logger
	Manifests  ManifestSource
	Mailer     Mailer
	Github     GithubExchanger
	AppBaseURL string
	DevMode    bool

	Agents     *store.AgentRepo
	Snapshots  *store.ManifestRepo
	Challenges *store.ChallengeRepo
	Humans     *store.HumanRepo
	Audit      *store.AuditRepo
}

// NewService wires a Service with its repositories.
func NewService(db *sql.DB, clk clock.Clock, logger *log.Logger, src ManifestSource) *Service {
	return &Service{
		DB:         db,
		Clock:      clk,
		Logger:     logger,
		Manifests:  src,
		Mailer:     &LogMailer{Logger: logger},
		Agents:     &store.AgentRepo{},
		Snapshots:  &store.ManifestRepo{},
		Challenges: &store.ChallengeRepo{},
		Humans:     &store.HumanRepo{},
		Audit:      &store.AuditRepo{},
	}
}

// RegisterInput is the registration payload. Every field except SkillMdURL is
// an optional override that must agree with the manifest.
type RegisterInput struct {
	SkillMdURL      string   `json:"skill_md_url"`
	AgentName       string   `json:"agent_name,omitempty"`
	AgentHandle     string   `json:"agent_handle,omitempty"`
	PublicKey       string   `json:"public_key,omitempty"`
	EndpointBaseURL string   `json:"endpoint_base_url,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Domains         []string `json:"domains,omitempty"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
	ContactEmail    string   `json:"contact_email,omitempty"`
	ContactURL      string   `json:"contact_url,omitempty"`
}

// Registration is the result of a successful Register.
type Registration struct {
	Agent     *domain.Agent
	Challenge domain.VerificationChallenge
	Ticket    domain.ClaimTicket
	ClaimURL  string
	Snapshot  domain.AgentManifestSnapshot
}

// Register fetches the manifest, then creates or replaces the pending agent
// for its handle and issues a challenge and a claim ticket. A claimed handle
// cannot be taken over.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Registration, error) {
	in.SkillMdURL = strings.TrimSpace(in.SkillMdURL)
	if in.SkillMdURL == "" {
		verr := domain.NewValidationError("Invalid agent registration")
		verr.Add("skill_md_url", "required", "url", "", "skill_md_url is required")
		return nil, verr
	}
	skillURL, err := url.Parse(in.SkillMdURL)
	if err != nil || skillURL.Hostname() == "" {
		return nil, domain.NewEngineError(domain.ErrUnsafeURL, "skill_md_url is not a valid URL")
	}

	m, err := s.Manifests.Fetch(ctx, in.SkillMdURL)
	if err != nil {
		return nil, err
	}
	fm := m.FrontMatter
	if err := checkOverrides(in, fm); err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	reg := &Registration{}
	err = store.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		agent, err := s.Agents.GetByHandle(ctx, tx, fm.AgentHandle)
		replaced := err == nil
		switch {
		case errors.Is(err, domain.ErrAgentNotFound):
			agent = &domain.Agent{ID: domain.NewID("agent"), CreatedAt: now}
		case err != nil:
			return err
		case agent.OwnerHumanID != "" || agent.HumanClaimedAt != nil:
			return domain.ErrHandleAlreadyClaimed
		case agent.Status == domain.AgentSuspended || agent.Status == domain.AgentDeactivated:
			return domain.NewEngineError(domain.ErrAgentInactive, "agent handle is "+string(agent.Status))
		}

		agent.Name = fm.AgentName
		agent.Handle = fm.AgentHandle
		agent.PublicKey = fm.PublicKey
		agent.EndpointBaseURL = fm.EndpointBaseURL
		agent.SkillMdURL = in.SkillMdURL
		agent.VerifiedOriginDomain = strings.ToLower(skillURL.Hostname())
		agent.Capabilities = firstNonEmpty(in.Capabilities, fm.Capabilities)
		agent.Domains = firstNonEmpty(in.Domains, fm.Domains)
		agent.ProtocolVersion = fm.ProtocolVersion
		agent.ContactEmail = firstString(in.ContactEmail, fm.ContactEmail)
		agent.ContactURL = firstString(in.ContactURL, fm.ContactURL)
		agent.Status = domain.AgentPendingClaim
		agent.StatusReason = ""
		agent.OwnerHumanID = ""
		agent.HumanClaimedAt = nil
		agent.ChallengeVerifiedAt = nil
		agent.LastVerifiedAt = nil
		agent.ManifestFailureFirstAt = nil
		agent.ManifestLastFailure = ""
		agent.CurrentManifestHash = m.Hash
		agent.UpdatedAt = now

		if replaced {
			if err := s.Challenges.DeleteOpenForAgent(ctx, tx, agent.ID); err != nil {
				return err
			}
			if err := s.Agents.Update(ctx, tx, agent); err != nil {
				return err
			}
		} else if err := s.Agents.Create(ctx, tx, agent); err != nil {
			return err
		}

		snap := snapshotOf(agent.ID, m, now)
		if err := s.Snapshots.Insert(ctx, tx, snap); err != nil {
			return err
		}
		challenge := newChallenge(agent.ID, now)
		if err := s.Challenges.InsertChallenge(ctx, tx, challenge); err != nil {
			return err
		}
		ticket := domain.ClaimTicket{
			ID:        domain.NewID("claim"),
			AgentID:   agent.ID,
			Token:     domain.NewSecret(),
			ExpiresAt: now.Add(ClaimTicketTTL),
			CreatedAt: now,
		}
		if err := s.Challenges.InsertTicket(ctx, tx, ticket); err != nil {
			return err
		}
		if err := s.record(ctx, tx, domain.AuditEvent{
			ActorType:  domain.ActorAgent,
			ActorID:    agent.ID,
			Action:     "agent.registered",
			TargetType: "agent",
			TargetID:   agent.ID,
			Metadata:   map[string]any{"handle": agent.Handle, "manifestHash": m.Hash, "replaced": replaced},
		}); err != nil {
			return err
		}

		reg.Agent = agent
		reg.Challenge = challenge
		reg.Ticket = ticket
		reg.ClaimURL = strings.TrimRight(s.AppBaseURL, "/") + "/claim/" + url.PathEscape(ticket.Token)
		reg.Snapshot = snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logf("agent %s registered (handle=%s)", reg.Agent.ID, reg.Agent.Handle)
	return reg, nil
}

func checkOverrides(in RegisterInput, fm manifest.FrontMatter) error {
	verr := domain.NewValidationError("Registration does not match skill.md")
	pairs := []struct{ field, got, want string }{
		{"agent_handle", in.AgentHandle, fm.AgentHandle},
		{"agent_name", in.AgentName, fm.AgentName},
		{"public_key", in.PublicKey, fm.PublicKey},
		{"endpoint_base_url", in.EndpointBaseURL, fm.EndpointBaseURL},
		{"protocol_version", in.ProtocolVersion, fm.ProtocolVersion},
	}
	for _, p := range pairs {
		if p.got != "" && p.got != p.want {
			verr.Add(p.field, "mismatch", p.want, p.got, p.field+" mismatch between payload and skill.md")
		}
	}
	return verr.Err()
}

// ChallengeMessage is the exact text an agent signs to prove key possession.
func ChallengeMessage(agentID, nonce string, issuedAt time.Time) string {
	return "clawreview-agent-verification\nagent_id=" + agentID + "\nnonce=" + nonce +
		"\nissued_at=" + issuedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func newChallenge(agentID string, now time.Time) domain.VerificationChallenge {
	nonce := domain.NewSecret()
	return domain.VerificationChallenge{
		ID:        domain.NewID("chal"),
		AgentID:   agentID,
		Nonce:     nonce,
		Message:   ChallengeMessage(agentID, nonce, now),
		ExpiresAt: now.Add(ChallengeTTL),
		CreatedAt: now,
	}
}

// VerifyChallenge checks a signature over an issued challenge and stamps the
// agent's key-possession marker.
func (s *Service) VerifyChallenge(ctx context.Context, agentID, challengeID, signature string) (*domain.Agent, error) {
	var agent *domain.Agent
	err := store.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		now := s.Clock.Now()
		c, err := s.Challenges.GetChallenge(ctx, tx, challengeID)
		if err != nil {
			return err
		}
		if c.AgentID != agentID {
			return domain.ErrChallengeNotFound
		}
		if c.FulfilledAt != nil {
			return domain.ErrChallengeFulfilled
		}
		if !now.Before(c.ExpiresAt) {
			return domain.ErrChallengeExpired
		}
		agent, err = s.Agents.GetByID(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if err := protocol.Verify(agent.PublicKey, c.Message, signature); err != nil {
			return err
		}
		if err := s.Challenges.FulfillChallenge(ctx, tx, c.ID, now); err != nil {
			return err
		}
		stamp := now
		agent.ChallengeVerifiedAt = &stamp
		if err := s.reconcile(agent, now); err != nil {
			return err
		}
		if err := s.Agents.Update(ctx, tx, agent); err != nil {
			return err
		}
		return s.record(ctx, tx, domain.AuditEvent{
			ActorType:  domain.ActorAgent,
			ActorID:    agent.ID,
			Action:     "agent.challenge_verified",
			TargetType: "agent",
			TargetID:   agent.ID,
			Metadata:   map[string]any{"challengeId": c.ID, "status": string(agent.Status)},
		})
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ClaimResult describes a fulfilled claim.
type ClaimResult struct {
	Agent       *domain.Agent
	Human       *domain.Human
	Ticket      *domain.ClaimTicket
	Deactivated []string
}

// Claim binds the agent behind token to a human holding both proofs. A human
// owns at most one active agent; replacing requires replaceExisting.
func (s *Service) Claim(ctx context.Context, humanID, token string, replaceExisting bool) (*ClaimResult, error) {
	res := &ClaimResult{}
	err := store.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		now := s.Clock.Now()
		human, err := s.Humans.GetByID(ctx, tx, humanID)
		if err != nil {
			return err
		}
		if human.EmailVerifiedAt == nil {
			return domain.ErrEmailNotVerified
		}
		if human.GithubVerifiedAt == nil {
			return domain.ErrGithubNotLinked
		}

		ticket, err := s.Challenges.GetTicketByToken(ctx, tx, strings.TrimSpace(token))
		if err != nil {
			return err
		}
		if ticket.FulfilledAt != nil {
			return domain.NewEngineError(domain.ErrClaimTokenInvalid, "claim token was already used")
		}
		if !now.Before(ticket.ExpiresAt) {
			return domain.ErrClaimTokenExpired
		}
		agent, err := s.Agents.GetByID(ctx, tx, ticket.AgentID)
		if err != nil {
			return err
		}
		if agent.Status == domain.AgentDeactivated || agent.Status == domain.AgentSuspended {
			return domain.NewEngineError(domain.ErrAgentInactive, "agent is "+string(agent.Status))
		}

		owned, err := s.Agents.ListActiveByOwner(ctx, tx, human.ID)
		if err != nil {
			return err
		}
		for _, other := range owned {
			if other.ID == agent.ID {
				continue
			}
			if !replaceExisting {
				return domain.NewEngineError(domain.ErrReplaceRequired,
					"human already owns active agent "+other.Handle+"; set replace_existing to replace it")
			}
			if err := transition(other, domain.AgentDeactivated, "replaced_by:"+agent.ID, now); err != nil {
				return err
			}
			if err := s.Agents.Update(ctx, tx, other); err != nil {
				return err
			}
			if err := s.record(ctx, tx, domain.AuditEvent{
				ActorType:  domain.ActorSystem,
				Action:     "agent.deactivated_by_replacement",
				TargetType: "agent",
				TargetID:   other.ID,
				Metadata:   map[string]any{"humanId": human.ID, "replacementAgentId": agent.ID},
			}); err != nil {
				return err
			}
			res.Deactivated = append(res.Deactivated, other.ID)
		}

		if err := s.Challenges.FulfillTicket(ctx, tx, ticket.ID, human.ID, now); err != nil {
			return err
		}
		stamp := now
		ticket.FulfilledAt = &stamp
		ticket.FulfilledByHumanID = human.ID

		agent.OwnerHumanID = human.ID
		agent.HumanClaimedAt = &stamp
		if err := s.reconcile(agent, now); err != nil {
			return err
		}
		if err := s.Agents.Update(ctx, tx, agent); err != nil {
			return err
		}
		if err := s.record(ctx, tx, domain.AuditEvent{
			ActorType:  domain.ActorSystem,
			Action:     "agent.claimed_by_human",
			TargetType: "agent",
			TargetID:   agent.ID,
			Metadata:   map[string]any{"humanId": human.ID, "ticketId": ticket.ID, "status": string(agent.Status)},
		}); err != nil {
			return err
		}
		res.Agent = agent
		res.Human = human
		res.Ticket = ticket
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logf("agent %s claimed by human %s (status=%s)", res.Agent.ID, res.Human.ID, res.Agent.Status)
	return res, nil
}

// ClaimStatus reports the ticket and agent behind a claim token without
// consuming it.
func (s *Service) ClaimStatus(ctx context.Context, token string) (*domain.ClaimTicket, *domain.Agent, error) {
	ticket, err := s.Challenges.GetTicketByToken(ctx, s.DB, strings.TrimSpace(token))
	if err != nil {
		return nil, nil, err
	}
	agent, err := s.Agents.GetByID(ctx, s.DB, ticket.AgentID)
	if err != nil {
		return nil, nil, err
	}
	return ticket, agent, nil
}

// Suspend is an operator action that makes an agent inactive.
func (s *Service) Suspend(ctx context.Context, agentID string, reason domain.OperatorReason) (*domain.Agent, error) {
	return s.operatorAction(ctx, agentID, reason, "agent.suspended", func(a *domain.Agent, now time.Time) error {
		return transition(a, domain.AgentSuspended, reason.Code, now)
	})
}

// Reactivate clears a suspended or invalid_manifest status and re-derives the
// status from the proof markers. The agent lands on active only when both
// proofs hold.
func (s *Service) Reactivate(ctx context.Context, agentID string, reason domain.OperatorReason) (*domain.Agent, error) {
	return s.operatorAction(ctx, agentID, reason, "agent.reactivated", func(a *domain.Agent, now time.Time) error {
		if a.Status == domain.AgentDeactivated {
			return domain.NewEngineError(domain.ErrInvalidTransition, "deactivated agents cannot be reactivated")
		}
		a.ManifestFailureFirstAt = nil
		a.ManifestLastFailure = ""
		return transition(a, reconcileMarkers(a, now), "", now)
	})
}

func (s *Service) operatorAction(ctx context.Context, agentID string, reason domain.OperatorReason, action string,
	apply func(*domain.Agent, time.Time) error) (*domain.Agent, error) {
	var agent *domain.Agent
	err := store.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		now := s.Clock.Now()
		var err error
		agent, err = s.Agents.GetByID(ctx, tx, agentID)
		if err != nil {
			return err
		}
		from := agent.Status
		if err := apply(agent, now); err != nil {
			return err
		}
		if err := s.Agents.Update(ctx, tx, agent); err != nil {
			return err
		}
		return s.record(ctx, tx, domain.AuditEvent{
			ActorType:  domain.ActorHumanOperator,
			Action:     action,
			TargetType: "agent",
			TargetID:   agent.ID,
			ReasonCode: reason.Code,
			ReasonText: reason.Text,
			Metadata:   map[string]any{"from": string(from), "to": string(agent.Status)},
		})
	})
	if err != nil {
		return nil, err
	}
	s.logf("operator %s on agent %s: %s", action, agentID, reason.Code)
	return agent, nil
}

// FetchManifest fetches the current skill.md of an agent. It performs network
// I/O and must run outside any transaction.
func (s *Service) FetchManifest(ctx context.Context, a *domain.Agent) (*manifest.Manifest, error) {
	return s.Manifests.Fetch(ctx, a.SkillMdURL)
}

// checkPinned rejects a manifest that no longer matches the agent record.
func checkPinned(a *domain.Agent, m *manifest.Manifest) error {
	if m.FrontMatter.PublicKey != a.PublicKey {
		return domain.NewEngineError(domain.ErrManifestMismatch, "public_key mismatch between skill.md and agent record")
	}
	if m.FrontMatter.EndpointBaseURL != a.EndpointBaseURL {
		return domain.NewEngineError(domain.ErrManifestMismatch, "endpoint_base_url mismatch between skill.md and agent record")
	}
	return nil
}

// Reverify applies a freshly fetched manifest on behalf of the agent itself.
// It runs inside the caller's transaction; a mismatch is returned to the caller.
func (s *Service) Reverify(ctx context.Context, q store.DBTX, agentID string, m *manifest.Manifest) (*domain.Agent, *domain.AgentManifestSnapshot, error) {
	now := s.Clock.Now()
	agent, err := s.Agents.GetByID(ctx, q, agentID)
	if err != nil {
		return nil, nil, err
	}
	if agent.Status == domain.AgentDeactivated {
		return nil, nil, domain.NewEngineError(domain.ErrAgentInactive, "agent is deactivated")
	}
	if err := checkPinned(agent, m); err != nil {
		return nil, nil, err
	}
	snap, err := s.applyManifest(ctx, q, agent, m, now)
	if err != nil {
		return nil, nil, err
	}
	err = s.record(ctx, q, domain.AuditEvent{
		ActorType:  domain.ActorAgent,
		ActorID:    agent.ID,
		Action:     "agent.skill.reverified",
		TargetType: "agent",
		TargetID:   agent.ID,
		Metadata:   map[string]any{"manifestHash": snap.Hash, "status": string(agent.Status)},
	})
	if err != nil {
		return nil, nil, err
	}
	return agent, &snap, nil
}

// applyManifest pins a new snapshot, clears failure markers and lifts a
// manifest-caused status.
func (s *Service) applyManifest(ctx context.Context, q store.DBTX, a *domain.Agent, m *manifest.Manifest, now time.Time) (domain.AgentManifestSnapshot, error) {
	snap := snapshotOf(a.ID, m, now)
	if err := s.Snapshots.Insert(ctx, q, snap); err != nil {
		return snap, err
	}
	a.CurrentManifestHash = m.Hash
	a.ManifestFailureFirstAt = nil
	a.ManifestLastFailure = ""
	a.UpdatedAt = now
	manifestCaused := a.Status == domain.AgentInvalidManifest ||
		(a.Status == domain.AgentSuspended && a.StatusReason == ReasonSkillRevalidateFailed)
	if manifestCaused {
		if err := transition(a, reconcileMarkers(a, now), "", now); err != nil {
			return snap, err
		}
	}
	return snap, s.Agents.Update(ctx, q, a)
}

// RevalidateOutcome is the result of one scheduled revalidation.
type RevalidateOutcome string

const (
	RevalidateOK        RevalidateOutcome = "revalidated"
	RevalidateFailed    RevalidateOutcome = "failed"
	RevalidateSuspended RevalidateOutcome = "suspended"
)

// Revalidate re-fetches an agent's manifest. Failures start a grace period;
// once it has elapsed the agent is suspended by the system.
func (s *Service) Revalidate(ctx context.Context, agent *domain.Agent) (RevalidateOutcome, error) {
	m, fetchErr := s.FetchManifest(ctx, agent)
	if fetchErr == nil {
		fetchErr = checkPinned(agent, m)
	}

	outcome := RevalidateOK
	err := store.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		now := s.Clock.Now()
		a, err := s.Agents.GetByID(ctx, tx, agent.ID)
		if err != nil {
			return err
		}
		if a.Status == domain.AgentDeactivated {
			return nil
		}
		if fetchErr == nil {
			snap, err := s.applyManifest(ctx, tx, a, m, now)
			if err != nil {
				return err
			}
			return s.record(ctx, tx, domain.AuditEvent{
				ActorType:  domain.ActorSystem,
				Action:     "agent.skill.revalidated",
				TargetType: "agent",
				TargetID:   a.ID,
				Metadata:   map[string]any{"manifestHash": snap.Hash},
			})
		}

		outcome = RevalidateFailed
		if a.ManifestFailureFirstAt == nil {
			stamp := now
			a.ManifestFailureFirstAt = &stamp
		}
		a.ManifestLastFailure = fetchErr.Error()
		a.UpdatedAt = now
		action := "agent.skill.revalidate_failed"
		if now.Sub(*a.ManifestFailureFirstAt) >= RevalidationGrace && a.Status != domain.AgentSuspended {
			if err := transition(a, domain.AgentSuspended, ReasonSkillRevalidateFailed, now); err != nil {
				return err
			}
			outcome = RevalidateSuspended
			action = "agent.suspended"
		}
		if err := s.Agents.Update(ctx, tx, a); err != nil {
			return err
		}
		return s.record(ctx, tx, domain.AuditEvent{
			ActorType:  domain.ActorSystem,
			Action:     action,
			TargetType: "agent",
			TargetID:   a.ID,
			ReasonCode: ReasonSkillRevalidateFailed,
			ReasonText: fetchErr.Error(),
			Metadata:   map[string]any{"failureFirstAt": a.ManifestFailureFirstAt.UnixMilli()},
		})
	})
	if err != nil {
		return "", err
	}
	if outcome != RevalidateOK {
		s.logf("agent %s revalidation %s: %v", agent.ID, outcome, fetchErr)
	}
	return outcome, nil
}

// reconcile re-derives a non-sticky status after a marker changed.
func (s *Service) reconcile(a *domain.Agent, now time.Time) error {
	next := Reconcile(a, now)
	if next == a.Status {
		a.UpdatedAt = now
		return nil
	}
	return transition(a, next, "", now)
}

func (s *Service) record(ctx context.Context, q store.DBTX, ev domain.AuditEvent) error {
	ev.ID = domain.NewID("audit")
	ev.CreatedAt = s.Clock.Now()
	if err := s.Audit.Record(ctx, q, ev); err != nil {
		return fmt.Errorf("record %s: %w", ev.Action, err)
	}
	return nil
}

func (s *Service) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func snapshotOf(agentID string, m *manifest.Manifest, now time.Time) domain.AgentManifestSnapshot {
	return domain.AgentManifestSnapshot{
		ID:         domain.NewID("manifest"),
		AgentID:    agentID,
		SourceURL:  m.SourceURL,
		Hash:       m.Hash,
		Raw:        m.Raw,
		ParsedJSON: m.FrontMatterJSON(),
		FetchedAt:  now,
	}
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}

func firstString(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
