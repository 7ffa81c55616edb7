// Package ipc provides the HTTP API of the ClawReview trust engine.
package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clawreview/trust-engine/internal/clock"
	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/guard"
	"github.com/clawreview/trust-engine/internal/identity"
	"github.com/clawreview/trust-engine/internal/intake"
	"github.com/clawreview/trust-engine/internal/maintenance"
	"github.com/clawreview/trust-engine/internal/protocol"
	"github.com/clawreview/trust-engine/internal/store"
	"github.com/clawreview/trust-engine/internal/workflow"
)

// SessionCookie carries the human session token.
const SessionCookie = "clawreview_session"

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	DB       *sql.DB
	Clock    clock.Clock
	Logger   *log.Logger
	Identity *identity.Service
	Workflow *workflow.Engine
	Intake   *intake.Service
	Guard    *guard.Guard
	Jobs     maintenance.JobRunner

	Agents    *store.AgentRepo
	Snapshots *store.ManifestRepo
	Audit     *store.AuditRepo

	OperatorToken    string
	JobToken         string
	AllowUnsignedDev bool
	MaxSkew          time.Duration
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok", "time": h.Clock.Now().UTC()})
}

// limitIP counts one request against an IP bucket in its own transaction, so
// the count survives a failed request.
func (h *Handler) limitIP(r *http.Request, bucket func(string) string, limit guard.Limit) error {
	return store.InTx(r.Context(), h.DB, func(tx *sql.Tx) error {
		return h.Guard.Consume(r.Context(), tx, bucket(guard.ClientIP(r)), limit)
	})
}

// replayable runs an unsigned write under an Idempotency-Key. The identity
// service commits its own transactions, so the lookup and the remembered
// response bracket fn in separate ones. An empty principal is the anonymous
// scope.
func (h *Handler) replayable(w http.ResponseWriter, r *http.Request, principal string, fn func(ctx context.Context) (int, any, error)) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(protocol.HeaderIdempotencyKey))
	scope := ""
	if key != "" {
		scope = guard.IdempotencyScope(principal, r.Method, r.URL.Path, key)
		var prev *store.IdempotencyRecord
		err := store.InTx(ctx, h.DB, func(tx *sql.Tx) error {
			var err error
			prev, err = h.Guard.Lookup(ctx, tx, scope)
			return err
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if prev != nil {
			w.Header().Set(protocol.HeaderReplay, "true")
			writeRaw(w, prev.Status, prev.Body)
			return
		}
	}

	status, data, err := fn(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := encodeOK(requestIDFrom(ctx), data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if scope != "" {
		err := store.InTx(ctx, h.DB, func(tx *sql.Tx) error {
			return h.Guard.Remember(ctx, tx, scope, status, body)
		})
		if err != nil {
			// The write has committed; answer it even though a retry will run again.
			h.logf("remember %s: %v", scope, err)
		}
	}
	writeRaw(w, status, body)
}

// RegistrationView is the response to a registration.
type RegistrationView struct {
	Agent        *domain.Agent                `json:"agent"`
	Challenge    challengeView                `json:"challenge"`
	ClaimURL     string                       `json:"claimUrl"`
	ClaimToken   string                       `json:"claimToken"`
	ClaimExpires time.Time                    `json:"claimExpiresAt"`
	Manifest     domain.AgentManifestSnapshot `json:"manifest"`
}

type challengeView struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RegisterAgent handles POST /api/v1/agents/register.
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var in identity.RegisterInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.limitIP(r, guard.RegisterIPBucket, guard.LimitRegisterIP); err != nil {
		writeError(w, r, err)
		return
	}
	h.replayable(w, r, "", func(ctx context.Context) (int, any, error) {
		reg, err := h.Identity.Register(ctx, in)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, RegistrationView{
			Agent: reg.Agent,
			Challenge: challengeView{
				ID:        reg.Challenge.ID,
				Message:   reg.Challenge.Message,
				ExpiresAt: reg.Challenge.ExpiresAt,
			},
			ClaimURL:     reg.ClaimURL,
			ClaimToken:   reg.Ticket.Token,
			ClaimExpires: reg.Ticket.ExpiresAt,
			Manifest:     reg.Snapshot,
		}, nil
	})
}

// VerifyChallengeRequest is the body of POST /api/v1/agents/verify-challenge.
type VerifyChallengeRequest struct {
	AgentID     string `json:"agent_id"`
	ChallengeID string `json:"challenge_id"`
	Signature   string `json:"signature"`
}

// VerifyChallenge handles POST /api/v1/agents/verify-challenge.
func (h *Handler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req VerifyChallengeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AgentID == "" || req.ChallengeID == "" || req.Signature == "" {
		writeError(w, r, domain.NewEngineError(domain.ErrBadRequest, "agent_id, challenge_id and signature are required"))
		return
	}
	if err := h.limitIP(r, guard.VerifyIPBucket, guard.LimitVerifyIP); err != nil {
		writeError(w, r, err)
		return
	}
	h.replayable(w, r, "", func(ctx context.Context) (int, any, error) {
		agent, err := h.Identity.VerifyChallenge(ctx, req.AgentID, req.ChallengeID, req.Signature)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{"agent": agent}, nil
	})
}

// ListAgents handles GET /api/v1/agents.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Agents.List(r.Context(), h.DB)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []*domain.Agent{}
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// GetAgent handles GET /api/v1/agents/{agentID}.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Agents.GetByID(r.Context(), h.DB, chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// GetAgentSkill handles GET /api/v1/agents/{agentID}/skill. It returns the
// pinned manifest snapshot including its raw text.
func (h *Handler) GetAgentSkill(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, err := h.Agents.GetByID(r.Context(), h.DB, agentID); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.Snapshots.GetLatest(r.Context(), h.DB, agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if snap == nil {
		writeError(w, r, domain.NewEngineError(domain.ErrNotFound, "no manifest snapshot for agent"))
		return
	}
	frontMatter := json.RawMessage("null")
	if snap.ParsedJSON != "" {
		frontMatter = json.RawMessage(snap.ParsedJSON)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"snapshot":    snap,
		"raw":         snap.Raw,
		"frontMatter": frontMatter,
	})
}

// ClaimStatus handles GET /api/v1/claims/{token}.
func (h *Handler) ClaimStatus(w http.ResponseWriter, r *http.Request) {
	ticket, agent, err := h.Identity.ClaimStatus(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"agent":     agent,
		"expiresAt": ticket.ExpiresAt,
		"fulfilled": ticket.FulfilledAt != nil,
		"expired":   !h.Clock.Now().Before(ticket.ExpiresAt),
	})
}

// StartEmailRequest is the body of POST /api/v1/humans/auth/start-email.
type StartEmailRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

// StartEmail handles POST /api/v1/humans/auth/start-email.
func (h *Handler) StartEmail(w http.ResponseWriter, r *http.Request) {
	var req StartEmailRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.limitIP(r, guard.HumanEmailIPBucket, guard.LimitHumanEmailIP); err != nil {
		writeError(w, r, err)
		return
	}
	start, err := h.Identity.StartEmailVerification(r.Context(), req.Email, req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := map[string]any{"humanId": start.Human.ID, "email": start.Human.Email, "expiresAt": start.ExpiresAt}
	if start.DevCode != "" {
		out["devCode"] = start.DevCode
	}
	writeJSON(w, r, http.StatusOK, out)
}

// VerifyEmailRequest is the body of POST /api/v1/humans/auth/verify-email.
type VerifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// VerifyEmail handles POST /api/v1/humans/auth/verify-email. A verified
// address opens a session delivered as a cookie and in the body.
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.limitIP(r, guard.HumanEmailIPBucket, guard.LimitHumanEmailIP); err != nil {
		writeError(w, r, err)
		return
	}
	human, session, err := h.Identity.VerifyEmail(r.Context(), req.Email, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, r, http.StatusOK, map[string]any{
		"human":            human,
		"sessionToken":     session.Token,
		"sessionExpiresAt": session.ExpiresAt,
	})
}

func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimSpace(r.Header.Get("X-Human-Session"))
}

type humanKey struct{}

// requireHuman resolves the session and stores the human in the context.
func (h *Handler) requireHuman(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		human, err := h.Identity.Authenticate(r.Context(), sessionToken(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), humanKey{}, human)))
	})
}

func humanFrom(r *http.Request) *domain.Human {
	human, _ := r.Context().Value(humanKey{}).(*domain.Human)
	return human
}

// Me handles GET /api/v1/humans/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	human := humanFrom(r)
	agents, err := h.Agents.ListActiveByOwner(r.Context(), h.DB, human.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []*domain.Agent{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"human":     human,
		"claimable": human.Claimable(),
		"agents":    agents,
	})
}

// Logout handles POST /api/v1/humans/auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Identity.Logout(r.Context(), sessionToken(r)); err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, r, http.StatusOK, map[string]any{"loggedOut": true})
}

// GithubStart handles GET /api/v1/humans/auth/github/start.
func (h *Handler) GithubStart(w http.ResponseWriter, r *http.Request) {
	authURL, state, err := h.Identity.StartGithubLink(r.Context(), humanFrom(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"authorizeUrl": authURL, "state": state})
}

// GithubCallback handles GET /api/v1/humans/auth/github/callback. The mock
// parameters are only honored in dev mode.
func (h *Handler) GithubCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") == "" {
		writeError(w, r, domain.ErrGithubStateInvalid)
		return
	}
	human, err := h.Identity.CompleteGithubLink(r.Context(), q.Get("state"), q.Get("code"),
		identity.GithubIdentity{ID: q.Get("mock_id"), Login: q.Get("mock_login")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"human": human})
}

// ClaimRequest is the body of POST /api/v1/agents/claim.
type ClaimRequest struct {
	Token           string `json:"token"`
	ReplaceExisting bool   `json:"replace_existing"`
}

// ClaimAgent handles POST /api/v1/agents/claim.
func (h *Handler) ClaimAgent(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.limitIP(r, guard.ClaimIPBucket, guard.LimitClaimIP); err != nil {
		writeError(w, r, err)
		return
	}
	human := humanFrom(r)
	// Keys are per human so one claimant never receives another's response.
	h.replayable(w, r, "human:"+human.ID, func(ctx context.Context) (int, any, error) {
		res, err := h.Identity.Claim(ctx, human.ID, req.Token, req.ReplaceExisting)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]any{
			"agent":       res.Agent,
			"human":       res.Human,
			"deactivated": res.Deactivated,
		}, nil
	})
}

// ListPapers handles GET /api/v1/papers?status=.
func (h *Handler) ListPapers(w http.ResponseWriter, r *http.Request) {
	papers, err := h.Workflow.List(r.Context(), domain.PaperStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, papers)
}

// GetPaper handles GET /api/v1/papers/{paperID}.
func (h *Handler) GetPaper(w http.ResponseWriter, r *http.Request) {
	view, err := h.Workflow.View(r.Context(), chi.URLParam(r, "paperID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// OpenAssignments handles GET /api/v1/assignments/open?agent_id=.
func (h *Handler) OpenAssignments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Intake.OpenAssignments(r.Context(), h.DB, r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}
