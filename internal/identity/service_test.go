package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawreview/trust-engine/internal/clock"
	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/manifest"
	"github.com/clawreview/trust-engine/internal/store"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	docs  map[string]*manifest.Manifest
	errs  map[string]error
	calls int
}

func (f *fakeSource) Fetch(_ context.Context, rawURL string) (*manifest.Manifest, error) {
	f.calls++
	if err := f.errs[rawURL]; err != nil {
		return nil, err
	}
	m, ok := f.docs[rawURL]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrManifestFetchFailed, "failed to fetch skill.md (404)")
	}
	cp := *m
	cp.SourceURL = rawURL
	return &cp, nil
}

func newTestService(t *testing.T) (*Service, *clock.Manual, *fakeSource) {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewManual(testStart)
	src := &fakeSource{docs: map[string]*manifest.Manifest{}, errs: map[string]error{}}
	svc := NewService(db, clk, nil, src)
	svc.AppBaseURL = "https://clawreview.test"
	svc.DevMode = true
	return svc, clk, src
}

func skillURL(handle string) string {
	return "https://" + handle + ".example.org/skill.md"
}

// publish serves a fresh manifest for handle and returns its signing key.
func publish(t *testing.T, src *fakeSource, handle string) (*manifest.Manifest, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw := "---\nagent_handle: " + handle + "\npublic_key: " + hex.EncodeToString(pub) + "\n---\n"
	m := &manifest.Manifest{
		FrontMatter: manifest.FrontMatter{
			Schema:                  manifest.SchemaV1,
			AgentName:               "Agent " + handle,
			AgentHandle:             handle,
			PublicKey:               hex.EncodeToString(pub),
			ProtocolVersion:         "v1",
			Capabilities:            []string{"publisher", "reviewer"},
			Domains:                 []string{"machine-learning"},
			EndpointBaseURL:         "https://" + handle + ".example.org",
			ClawreviewCompatibility: true,
		},
		Raw:  raw,
		Hash: manifest.Hash(raw),
	}
	src.docs[skillURL(handle)] = m
	return m, priv
}

func register(t *testing.T, svc *Service, src *fakeSource, handle string) (*Registration, ed25519.PrivateKey) {
	t.Helper()
	_, priv := publish(t, src, handle)
	reg, err := svc.Register(context.Background(), RegisterInput{SkillMdURL: skillURL(handle)})
	if err != nil {
		t.Fatalf("Register(%s): %v", handle, err)
	}
	return reg, priv
}

func signChallenge(priv ed25519.PrivateKey, c domain.VerificationChallenge) string {
	return hex.EncodeToString(ed25519.Sign(priv, []byte(c.Message)))
}

// provenHuman creates a human with a verified email and a linked GitHub account.
func provenHuman(t *testing.T, svc *Service, name string) *domain.Human {
	t.Helper()
	ctx := context.Background()
	start, err := svc.StartEmailVerification(ctx, name+"@example.org", name)
	if err != nil {
		t.Fatalf("StartEmailVerification: %v", err)
	}
	if _, _, err := svc.VerifyEmail(ctx, name+"@example.org", start.DevCode); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	_, state, err := svc.StartGithubLink(ctx, start.Human.ID)
	if err != nil {
		t.Fatalf("StartGithubLink: %v", err)
	}
	h, err := svc.CompleteGithubLink(ctx, state, "", GithubIdentity{ID: "gh-" + name, Login: name})
	if err != nil {
		t.Fatalf("CompleteGithubLink: %v", err)
	}
	return h
}

// activeAgent registers, verifies and claims an agent for a new human.
func activeAgent(t *testing.T, svc *Service, src *fakeSource, handle string) (*domain.Agent, *domain.Human) {
	t.Helper()
	ctx := context.Background()
	reg, priv := register(t, svc, src, handle)
	if _, err := svc.VerifyChallenge(ctx, reg.Agent.ID, reg.Challenge.ID, signChallenge(priv, reg.Challenge)); err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	human := provenHuman(t, svc, "owner-"+handle)
	res, err := svc.Claim(ctx, human.ID, reg.Ticket.Token, false)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res.Agent.Status != domain.AgentActive {
		t.Fatalf("status after claim = %s, want active", res.Agent.Status)
	}
	return res.Agent, human
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to domain.AgentStatus
		want     bool
	}{
		{domain.AgentPendingClaim, domain.AgentPendingVerification, true},
		{domain.AgentPendingVerification, domain.AgentActive, true},
		{domain.AgentActive, domain.AgentSuspended, true},
		{domain.AgentSuspended, domain.AgentActive, true},
		{domain.AgentInvalidManifest, domain.AgentPendingClaim, true},
		{domain.AgentActive, domain.AgentPendingClaim, false},
		{domain.AgentDeactivated, domain.AgentActive, false},
		{domain.AgentDeactivated, domain.AgentSuspended, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestReconcile(t *testing.T) {
	now := testStart
	claimed := now.Add(-time.Hour)
	verified := now.Add(-2 * time.Hour)

	tests := []struct {
		name  string
		agent domain.Agent
		want  domain.AgentStatus
	}{
		{"no markers", domain.Agent{Status: domain.AgentPendingClaim}, domain.AgentPendingClaim},
		{"challenge only", domain.Agent{Status: domain.AgentPendingClaim, ChallengeVerifiedAt: &verified}, domain.AgentPendingClaim},
		{"claim only", domain.Agent{Status: domain.AgentPendingClaim, HumanClaimedAt: &claimed}, domain.AgentPendingVerification},
		{"both", domain.Agent{Status: domain.AgentPendingVerification, HumanClaimedAt: &claimed, ChallengeVerifiedAt: &verified}, domain.AgentActive},
		{"suspended is sticky", domain.Agent{Status: domain.AgentSuspended, HumanClaimedAt: &claimed, ChallengeVerifiedAt: &verified}, domain.AgentSuspended},
		{"invalid manifest is sticky", domain.Agent{Status: domain.AgentInvalidManifest, HumanClaimedAt: &claimed, ChallengeVerifiedAt: &verified}, domain.AgentInvalidManifest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.agent
			if got := Reconcile(&a, now); got != tt.want {
				t.Errorf("Reconcile = %s, want %s", got, tt.want)
			}
			if tt.want == domain.AgentActive && (a.LastVerifiedAt == nil || !a.LastVerifiedAt.Equal(now)) {
				t.Errorf("LastVerifiedAt = %v, want %v", a.LastVerifiedAt, now)
			}
		})
	}
}

func TestRegister_IssuesChallengeAndTicket(t *testing.T) {
	svc, _, src := newTestService(t)
	ctx := context.Background()

	reg, _ := register(t, svc, src, "alpha")
	a := reg.Agent
	if a.Status != domain.AgentPendingClaim {
		t.Errorf("status = %s, want pending_claim", a.Status)
	}
	if a.VerifiedOriginDomain != "alpha.example.org" {
		t.Errorf("origin domain = %q", a.VerifiedOriginDomain)
	}
	if a.CurrentManifestHash != src.docs[skillURL("alpha")].Hash {
		t.Errorf("manifest hash not pinned")
	}
	if !strings.HasPrefix(reg.ClaimURL, "https://clawreview.test/claim/") {
		t.Errorf("ClaimURL = %q", reg.ClaimURL)
	}
	if !reg.Challenge.ExpiresAt.Equal(testStart.Add(ChallengeTTL)) {
		t.Errorf("challenge expiry = %v", reg.Challenge.ExpiresAt)
	}
	wantMsg := "clawreview-agent-verification\nagent_id=" + a.ID + "\nnonce=" + reg.Challenge.Nonce +
		"\nissued_at=2026-03-02T09:00:00.000Z"
	if reg.Challenge.Message != wantMsg {
		t.Errorf("challenge message = %q, want %q", reg.Challenge.Message, wantMsg)
	}

	n, err := svc.Snapshots.CountByAgent(ctx, svc.DB, a.ID)
	if err != nil || n != 1 {
		t.Errorf("snapshots = %d (%v), want 1", n, err)
	}
	events, err := svc.Audit.ListByTarget(ctx, svc.DB, "agent", a.ID)
	if err != nil || len(events) != 1 || events[0].Action != "agent.registered" {
		t.Errorf("audit = %+v (%v)", events, err)
	}
}

func TestClaimStatus(t *testing.T) {
	svc, _, src := newTestService(t)
	ctx := context.Background()
	reg, _ := register(t, svc, src, "omega")

	ticket, agent, err := svc.ClaimStatus(ctx, " "+reg.Ticket.Token+" ")
	if err != nil {
		t.Fatalf("ClaimStatus: %v", err)
	}
	if agent.ID != reg.Agent.ID || ticket.FulfilledAt != nil {
		t.Errorf("ClaimStatus = %+v / %s", ticket, agent.ID)
	}
	if _, _, err := svc.ClaimStatus(ctx, "no-such-token"); !errors.Is(err, domain.ErrClaimTokenInvalid) {
		t.Errorf("unknown token = %v, want ErrClaimTokenInvalid", err)
	}
}

func TestRegister_OverrideMismatch(t *testing.T) {
	svc, _, src := newTestService(t)
	publish(t, src, "beta")

	_, err := svc.Register(context.Background(), RegisterInput{
		SkillMdURL:  skillURL("beta"),
		AgentHandle: "someone-else",
		PublicKey:   "not-the-key",
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Register = %v, want ValidationError", err)
	}
	if len(verr.Fields) != 2 {
		t.Errorf("field errors = %+v, want 2", verr.Fields)
	}
	if _, err := svc.Agents.GetByHandle(context.Background(), svc.DB, "beta"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("agent created despite mismatch: %v", err)
	}
}

func TestRegister_ManifestFailureCreatesNothing(t *testing.T) {
	svc, _, src := newTestService(t)
	src.errs[skillURL("gamma")] = domain.ErrManifestFetchFailed

	if _, err := svc.Register(context.Background(), RegisterInput{SkillMdURL: skillURL("gamma")}); !errors.Is(err, domain.ErrManifestFetchFailed) {
		t.Fatalf("Register = %v, want ErrManifestFetchFailed", err)
	}
	agents, err := svc.Agents.List(context.Background(), svc.DB)
	if err != nil || len(agents) != 0 {
		t.Errorf("agents = %d (%v), want none", len(agents), err)
	}
}

func TestRegister_ReplacesUnclaimedHandle(t *testing.T) {
	svc, clk, src := newTestService(t)
	ctx := context.Background()

	first, _ := register(t, svc, src, "delta")
	clk.Advance(time.Minute)
	second, _ := register(t, svc, src, "delta")

	if second.Agent.ID != first.Agent.ID {
		t.Errorf("re-registration changed id %s -> %s", first.Agent.ID, second.Agent.ID)
	}
	if second.Agent.PublicKey == first.Agent.PublicKey {
		t.Errorf("public key was not replaced")
	}
	if _, err := svc.Challenges.GetChallenge(ctx, svc.DB, first.Challenge.ID); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Errorf("old challenge = %v, want ErrChallengeNotFound", err)
	}
	if _, err := svc.Challenges.GetTicketByToken(ctx, svc.DB, first.Ticket.Token); !errors.Is(err, domain.ErrClaimTokenInvalid) {
		t.Errorf("old ticket = %v, want ErrClaimTokenInvalid", err)
	}
}

func TestRegister_ClaimedHandleRefused(t *testing.T) {
	svc, _, src := newTestService(t)
	activeAgent(t, svc, src, "epsilon")

	publish(t, src, "epsilon")
	_, err := svc.Register(context.Background(), RegisterInput{SkillMdURL: skillURL("epsilon")})
	if !errors.Is(err, domain.ErrHandleAlreadyClaimed) {
		t.Errorf("Register(claimed) = %v, want ErrHandleAlreadyClaimed", err)
	}
}

func TestVerifyChallenge(t *testing.T) {
	svc, clk, src := newTestService(t)
	ctx := context.Background()
	reg, priv := register(t, svc, src, "zeta")
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)

	if _, err := svc.VerifyChallenge(ctx, "agent_other", reg.Challenge.ID, signChallenge(priv, reg.Challenge)); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Errorf("wrong agent = %v, want ErrChallengeNotFound", err)
	}
	if _, err := svc.VerifyChallenge(ctx, reg.Agent.ID, reg.Challenge.ID, signChallenge(otherPriv, reg.Challenge)); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Errorf("wrong key = %v, want ErrInvalidSignature", err)
	}

	clk.Advance(time.Minute)
	a, err := svc.VerifyChallenge(ctx, reg.Agent.ID, reg.Challenge.ID, signChallenge(priv, reg.Challenge))
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if a.ChallengeVerifiedAt == nil || a.Status != domain.AgentPendingClaim {
		t.Errorf("after verify: status=%s verifiedAt=%v", a.Status, a.ChallengeVerifiedAt)
	}
	if _, err := svc.VerifyChallenge(ctx, reg.Agent.ID, reg.Challenge.ID, signChallenge(priv, reg.Challenge)); !errors.Is(err, domain.ErrChallengeFulfilled) {
		t.Errorf("second verify = %v, want ErrChallengeFulfilled", err)
	}
}

func TestVerifyChallenge_Expired(t *testing.T) {
	svc, clk, src := newTestService(t)
	reg, priv := register(t, svc, src, "eta")

	clk.Advance(ChallengeTTL)
	_, err := svc.VerifyChallenge(context.Background(), reg.Agent.ID, reg.Challenge.ID, signChallenge(priv, reg.Challenge))
	if !errors.Is(err, domain.ErrChallengeExpired) {
		t.Errorf("expired challenge = %v, want ErrChallengeExpired", err)
	}
}

func TestClaim_BeforeChallengeWaitsForVerification(t *testing.T) {
	svc, _, src := newTestService(t)
	ctx := context.Background()
	reg, priv := register(t, svc, src, "theta")
	human := provenHuman(t, svc, "ada")

	res, err := svc.Claim(ctx, human.ID, reg.Ticket.Token, false)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res.Agent.Status != domain.AgentPendingVerification {
		t.Errorf("status = %s, want pending_agent_verification", res.Agent.Status)
	}

	a, err := svc.VerifyChallenge(ctx, reg.Agent.ID, reg.Challenge.ID, signChallenge(priv, reg.Challenge))
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if a.Status != domain.AgentActive || a.LastVerifiedAt == nil {
		t.Errorf("status = %s lastVerified=%v, want active", a.Status, a.LastVerifiedAt)
	}

	if _, err := svc.Claim(ctx, human.ID, reg.Ticket.Token, false); !errors.Is(err, domain.ErrClaimTokenInvalid) {
		t.Errorf("reused ticket = %v, want ErrClaimTokenInvalid", err)
	}
}

func TestClaim_RequiresBothProofs(t *testing.T) {
	svc, _, src := newTestService(t)
	ctx := context.Background()
	reg, _ := register(t, svc, src, "iota")

	start, err := svc.StartEmailVerification(ctx, "Grace@Example.org", "")
	if err != nil {
		t.Fatalf("StartEmailVerification: %v", err)
	}
	if start.Human.Email != "grace@example.org" || !strings.HasPrefix(start.Human.Username, "human_") {
		t.Errorf("human = %+v", start.Human)
	}
	if _, err := svc.Claim(ctx, start.Human.ID, reg.Ticket.Token, false); !errors.Is(err, domain.ErrEmailNotVerified) {
		t.Errorf("unverified email = %v, want ErrEmailNotVerified", err)
	}
	if _, _, err := svc.VerifyEmail(ctx, "grace@example.org", start.DevCode); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if _, err := svc.Claim(ctx, start.Human.ID, reg.Ticket.Token, false); !errors.Is(err, domain.ErrGithubNotLinked) {
		t.Errorf("no github = %v, want ErrGithubNotLinked", err)
	}
}

func TestClaim_TokenExpired(t *testing.T) {
	svc, clk, src := newTestService(t)
	reg, _ := register(t, svc, src, "kappa")
	human := provenHuman(t, svc, "linus")

	clk.Advance(ClaimTicketTTL + time.Second)
	if _, err := svc.Claim(context.Background(), human.ID, reg.Ticket.Token, false); !errors.Is(err, domain.ErrClaimTokenExpired) {
		t.Errorf("expired ticket = %v, want ErrClaimTokenExpired", err)
	}
	if _, err := svc.Claim(context.Background(), human.ID, "no-such-token", false); !errors.Is(err, domain.ErrClaimTokenInvalid) {
		t.Errorf("unknown ticket = %v, want ErrClaimTokenInvalid", err)
	}
}

func TestClaim_ReplaceExisting(t *testing.T) {
	svc, _, src := newTestService(t)
	ctx := context.Background()
	first, human := activeAgent(t, svc, src, "lambda")

	reg, priv := register(t, svc, src, "mu")
	if _, err := svc.VerifyChallenge(ctx, reg.Agent.ID, reg.Challenge.ID, signChallenge(priv, reg.Challenge)); err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if _, err := svc.Claim(ctx, human.ID, reg.Ticket.Token, false); !errors.Is(err, domain.ErrReplaceRequired) {
		t.Fatalf("second claim = %v, want ErrReplaceRequired", err)
	}

	res, err := svc.Claim(ctx, human.ID, reg.Ticket.Token, true)
	if err != nil {
		t.Fatalf("Claim(replace): %v", err)
	}
	if res.Agent.Status != domain.AgentActive {
		t.Errorf("new agent status = %s, want active", res.Agent.Status)
	}
	if len(res.Deactivated) != 1 || res.Deactivated[0] != first.ID {
		t.Errorf("deactivated = %v, want [%s]", res.Deactivated, first.ID)
	}
	old, err := svc.Agents.GetByID(ctx, svc.DB, first.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if old.Status != domain.AgentDeactivated {
		t.Errorf("old agent status = %s, want deactivated", old.Status)
	}
}

func TestSuspendAndReactivate(t *testing.T) {
	svc, _, src := newTestService(t)
	ctx := context.Background()
	a, _ := activeAgent(t, svc, src, "nu")
	reason := domain.OperatorReason{Code: "abuse", Text: "spam reviews"}

	got, err := svc.Suspend(ctx, a.ID, reason)
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if got.Status != domain.AgentSuspended || got.StatusReason != "abuse" {
		t.Errorf("after suspend: %s/%s", got.Status, got.StatusReason)
	}

	got, err = svc.Reactivate(ctx, a.ID, domain.OperatorReason{Code: "appeal", Text: "resolved"})
	if err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	if got.Status != domain.AgentActive {
		t.Errorf("after reactivate: %s, want active", got.Status)
	}

	events, err := svc.Audit.ListByTarget(ctx, svc.DB, "agent", a.ID)
	if err != nil {
		t.Fatalf("ListByTarget: %v", err)
	}
	var operatorEvents int
	for _, ev := range events {
		if ev.ActorType == domain.ActorHumanOperator {
			operatorEvents++
		}
	}
	if operatorEvents != 2 {
		t.Errorf("operator audit events = %d, want 2", operatorEvents)
	}
}

func TestRevalidate_GracePeriodThenSuspend(t *testing.T) {
	svc, clk, src := newTestService(t)
	ctx := context.Background()
	a, _ := activeAgent(t, svc, src, "xi")

	good := src.docs[skillURL("xi")]
	delete(src.docs, skillURL("xi"))

	outcome, err := svc.Revalidate(ctx, a)
	if err != nil || outcome != RevalidateFailed {
		t.Fatalf("first failure = %s (%v), want failed", outcome, err)
	}
	got, _ := svc.Agents.GetByID(ctx, svc.DB, a.ID)
	if got.Status != domain.AgentActive || got.ManifestFailureFirstAt == nil {
		t.Fatalf("after first failure: %s firstAt=%v", got.Status, got.ManifestFailureFirstAt)
	}

	clk.Advance(RevalidationGrace)
	outcome, err = svc.Revalidate(ctx, got)
	if err != nil || outcome != RevalidateSuspended {
		t.Fatalf("after grace = %s (%v), want suspended", outcome, err)
	}
	got, _ = svc.Agents.GetByID(ctx, svc.DB, a.ID)
	if got.Status != domain.AgentSuspended || got.StatusReason != ReasonSkillRevalidateFailed {
		t.Fatalf("after grace: %s/%s", got.Status, got.StatusReason)
	}

	src.docs[skillURL("xi")] = good
	outcome, err = svc.Revalidate(ctx, got)
	if err != nil || outcome != RevalidateOK {
		t.Fatalf("recovery = %s (%v), want revalidated", outcome, err)
	}
	got, _ = svc.Agents.GetByID(ctx, svc.DB, a.ID)
	if got.Status != domain.AgentActive || got.ManifestFailureFirstAt != nil {
		t.Errorf("after recovery: %s firstAt=%v", got.Status, got.ManifestFailureFirstAt)
	}
}

func TestRevalidate_OperatorSuspensionIsKept(t *testing.T) {
	svc, _, src := newTestService(t)
	ctx := context.Background()
	a, _ := activeAgent(t, svc, src, "omicron")
	if _, err := svc.Suspend(ctx, a.ID, domain.OperatorReason{Code: "abuse", Text: "x"}); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	got, _ := svc.Agents.GetByID(ctx, svc.DB, a.ID)
	if outcome, err := svc.Revalidate(ctx, got); err != nil || outcome != RevalidateOK {
		t.Fatalf("Revalidate = %s (%v)", outcome, err)
	}
	got, _ = svc.Agents.GetByID(ctx, svc.DB, a.ID)
	if got.Status != domain.AgentSuspended {
		t.Errorf("status = %s, want operator suspension kept", got.Status)
	}
}

func TestReverify_KeyMismatchRejected(t *testing.T) {
	svc, _, src := newTestService(t)
	ctx := context.Background()
	a, _ := activeAgent(t, svc, src, "pi")

	rotated, _ := publish(t, src, "pi")
	if _, _, err := svc.Reverify(ctx, svc.DB, a.ID, rotated); !errors.Is(err, domain.ErrManifestMismatch) {
		t.Errorf("Reverify(rotated key) = %v, want ErrManifestMismatch", err)
	}

	current, err := svc.Snapshots.GetLatest(ctx, svc.DB, a.ID)
	if err != nil || current == nil {
		t.Fatalf("GetLatest: %v", err)
	}
	same := &manifest.Manifest{
		FrontMatter: manifest.FrontMatter{PublicKey: a.PublicKey, EndpointBaseURL: a.EndpointBaseURL},
		Raw:         "updated body",
		Hash:        manifest.Hash("updated body"),
	}
	updated, snap, err := svc.Reverify(ctx, svc.DB, a.ID, same)
	if err != nil {
		t.Fatalf("Reverify: %v", err)
	}
	if updated.CurrentManifestHash != snap.Hash || snap.Hash == current.Hash {
		t.Errorf("hash pin = %s, snapshot = %s", updated.CurrentManifestHash, snap.Hash)
	}
}

func TestVerifyEmail_Failures(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.VerifyEmail(ctx, "nobody@example.org", "123456"); !errors.Is(err, domain.ErrEmailVerificationNotFound) {
		t.Errorf("unknown email = %v, want ErrEmailVerificationNotFound", err)
	}
	start, err := svc.StartEmailVerification(ctx, "rho@example.org", "rho")
	if err != nil {
		t.Fatalf("StartEmailVerification: %v", err)
	}
	wrong := "000000"
	if start.DevCode == wrong {
		wrong = "111111"
	}
	if _, _, err := svc.VerifyEmail(ctx, "rho@example.org", wrong); !errors.Is(err, domain.ErrEmailCodeInvalid) {
		t.Errorf("wrong code = %v, want ErrEmailCodeInvalid", err)
	}
	clk.Advance(EmailCodeTTL)
	if _, _, err := svc.VerifyEmail(ctx, "rho@example.org", start.DevCode); !errors.Is(err, domain.ErrEmailVerificationExpired) {
		t.Errorf("expired code = %v, want ErrEmailVerificationExpired", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ctx := context.Background()
	start, err := svc.StartEmailVerification(ctx, "sigma@example.org", "sigma")
	if err != nil {
		t.Fatalf("StartEmailVerification: %v", err)
	}
	_, sess, err := svc.VerifyEmail(ctx, "sigma@example.org", start.DevCode)
	if err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	h, err := svc.Authenticate(ctx, sess.Token)
	if err != nil || h.ID != start.Human.ID {
		t.Fatalf("Authenticate = %v (%v)", h, err)
	}
	clk.Advance(SessionTTL)
	if _, err := svc.Authenticate(ctx, sess.Token); !errors.Is(err, domain.ErrSessionInvalid) {
		t.Errorf("expired session = %v, want ErrSessionInvalid", err)
	}
}

func TestLogout(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	start, err := svc.StartEmailVerification(ctx, "tau@example.org", "")
	if err != nil {
		t.Fatalf("StartEmailVerification: %v", err)
	}
	_, sess, err := svc.VerifyEmail(ctx, "tau@example.org", start.DevCode)
	if err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if err := svc.Logout(ctx, sess.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Authenticate(ctx, sess.Token); !errors.Is(err, domain.ErrSessionInvalid) {
		t.Errorf("session after logout = %v, want ErrSessionInvalid", err)
	}
}

func TestCompleteGithubLink_AlreadyLinked(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	provenHuman(t, svc, "tau")

	start, err := svc.StartEmailVerification(ctx, "upsilon@example.org", "upsilon")
	if err != nil {
		t.Fatalf("StartEmailVerification: %v", err)
	}
	_, state, err := svc.StartGithubLink(ctx, start.Human.ID)
	if err != nil {
		t.Fatalf("StartGithubLink: %v", err)
	}
	_, err = svc.CompleteGithubLink(ctx, state, "", GithubIdentity{ID: "gh-tau", Login: "tau"})
	if !errors.Is(err, domain.ErrGithubAlreadyLinked) {
		t.Errorf("linking taken account = %v, want ErrGithubAlreadyLinked", err)
	}
	if _, err := svc.CompleteGithubLink(ctx, state, "", GithubIdentity{ID: "gh-upsilon", Login: "upsilon"}); !errors.Is(err, domain.ErrGithubStateInvalid) {
		t.Errorf("reused state = %v, want ErrGithubStateInvalid", err)
	}
}
