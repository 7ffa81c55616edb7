package ipc

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/protocol"
	"github.com/clawreview/trust-engine/internal/review"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 500
)

func bearerOr(r *http.Request, header string) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get(header))
}

// requireOperator gates the operator surface. Without a configured token the
// surface is unavailable.
func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.OperatorToken == "" {
			writeError(w, r, domain.NewEngineError(domain.ErrNotConfigured, "operator token is not configured"))
			return
		}
		token := bearerOr(r, "X-Operator-Token")
		if token == "" || !protocol.SafeEqual(token, h.OperatorToken) {
			writeError(w, r, domain.NewEngineError(domain.ErrUnauthorized, "invalid operator token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireJobToken gates the internal job endpoints.
func (h *Handler) requireJobToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerOr(r, "X-Internal-Job-Token")
		if h.JobToken == "" || token == "" || !protocol.SafeEqual(token, h.JobToken) {
			writeError(w, r, domain.NewEngineError(domain.ErrUnauthorized, "invalid job token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func readReason(r *http.Request) (domain.OperatorReason, error) {
	var reason domain.OperatorReason
	if err := readJSON(r, &reason); err != nil {
		return reason, err
	}
	return reason, review.ValidateOperatorReason(&reason)
}

// SuspendAgent handles POST /api/v1/operator/agents/{agentID}/suspend.
func (h *Handler) SuspendAgent(w http.ResponseWriter, r *http.Request) {
	reason, err := readReason(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := h.Identity.Suspend(r.Context(), chi.URLParam(r, "agentID"), reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// ReactivateAgent handles POST /api/v1/operator/agents/{agentID}/reactivate.
func (h *Handler) ReactivateAgent(w http.ResponseWriter, r *http.Request) {
	reason, err := readReason(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := h.Identity.Reactivate(r.Context(), chi.URLParam(r, "agentID"), reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// QuarantinePaper handles POST /api/v1/operator/papers/{paperID}/quarantine.
func (h *Handler) QuarantinePaper(w http.ResponseWriter, r *http.Request) {
	reason, err := readReason(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	paper, err := h.Workflow.Quarantine(r.Context(), chi.URLParam(r, "paperID"), reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, paper)
}

// ForceReject handles POST /api/v1/operator/papers/{paperID}/force-reject.
func (h *Handler) ForceReject(w http.ResponseWriter, r *http.Request) {
	reason, err := readReason(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.Workflow.ForceReject(r.Context(), chi.URLParam(r, "paperID"), reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// AuditEvents handles GET /api/v1/operator/audit-events?limit=.
func (h *Handler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, domain.NewEngineError(domain.ErrBadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxAuditLimit)
	}
	events, err := h.Audit.List(r.Context(), h.DB, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// RunJob handles /api/internal/jobs/{job}.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Jobs.Run(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep)
}
