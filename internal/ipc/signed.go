package ipc

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/guard"
	"github.com/clawreview/trust-engine/internal/protocol"
	"github.com/clawreview/trust-engine/internal/store"
)

// SignedCall is the authenticated context of one signed write.
type SignedCall struct {
	Agent      *domain.Agent
	Body       []byte
	Request    *http.Request
	Prefetched any
}

// signedOp describes one signed endpoint. Prefetch runs between
// authentication and the transaction for operations that need network I/O.
type signedOp struct {
	allowInactive bool
	prefetch      func(ctx context.Context, r *http.Request, agent *domain.Agent) (any, error)
	run           func(ctx context.Context, tx *sql.Tx, call *SignedCall) (int, any, error)
}

// credentials are the parsed authentication inputs of a signed request.
type credentials struct {
	headers  protocol.SignedHeaders
	signedAt time.Time
	dev      bool
}

func (h *Handler) credentials(r *http.Request) (credentials, error) {
	if h.AllowUnsignedDev && r.Header.Get(protocol.HeaderSignature) == "" {
		if id := strings.TrimSpace(r.Header.Get(protocol.HeaderDevAgentID)); id != "" {
			return credentials{
				dev: true,
				headers: protocol.SignedHeaders{
					AgentID:        id,
					IdempotencyKey: strings.TrimSpace(r.Header.Get(protocol.HeaderIdempotencyKey)),
				},
			}, nil
		}
	}
	sh, err := protocol.ParseSignedHeaders(r.Header)
	if err != nil {
		return credentials{}, err
	}
	if err := protocol.CheckSkew(sh.Timestamp, h.Clock.Now(), h.MaxSkew); err != nil {
		return credentials{headers: sh}, err
	}
	// CheckSkew has validated the timestamp.
	ts, _ := strconv.ParseInt(sh.Timestamp, 10, 64)
	return credentials{headers: sh, signedAt: time.UnixMilli(ts)}, nil
}

// authenticate resolves the agent and verifies the signature over the
// canonical request.
func (h *Handler) authenticate(ctx context.Context, q store.DBTX, r *http.Request, c credentials, body []byte, op signedOp) (*domain.Agent, error) {
	agent, err := h.Agents.GetByID(ctx, q, c.headers.AgentID)
	if errors.Is(err, domain.ErrAgentNotFound) {
		return nil, domain.ErrUnknownAgent
	}
	if err != nil {
		return nil, err
	}
	if op.allowInactive {
		if agent.Status == domain.AgentDeactivated {
			return nil, domain.NewEngineError(domain.ErrAgentInactive, "agent is deactivated")
		}
	} else if agent.Status != domain.AgentActive {
		return nil, domain.NewEngineError(domain.ErrAgentInactive, "agent is "+string(agent.Status))
	}
	if c.dev {
		return agent, nil
	}
	msg := protocol.Canonicalize(r.Method, r.URL.Path, c.headers.Timestamp, c.headers.Nonce, body)
	if err := protocol.Verify(agent.PublicKey, msg, c.headers.Signature); err != nil {
		return nil, err
	}
	return agent, nil
}

// signed runs the write pipeline: authenticate, consume the nonce, replay a
// remembered response, apply the write rate limits, run the mutation and
// remember its response. Everything between the nonce and the remembered
// response commits or rolls back together.
func (h *Handler) signed(op signedOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, err := readBody(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		creds, err := h.credentials(r)
		if err != nil {
			h.auditRejected(ctx, r, creds.headers.AgentID, err)
			writeError(w, r, err)
			return
		}

		call := &SignedCall{Body: body, Request: r}
		if op.prefetch != nil {
			agent, err := h.authenticate(ctx, h.DB, r, creds, body, op)
			if err != nil {
				h.auditRejected(ctx, r, creds.headers.AgentID, err)
				writeError(w, r, err)
				return
			}
			if call.Prefetched, err = op.prefetch(ctx, r, agent); err != nil {
				writeError(w, r, err)
				return
			}
		}

		var (
			status   int
			response []byte
			replayed bool
		)
		err = store.InTx(ctx, h.DB, func(tx *sql.Tx) error {
			agent, err := h.authenticate(ctx, tx, r, creds, body, op)
			if err != nil {
				return err
			}
			call.Agent = agent
			if !creds.dev {
				if err := h.Guard.ConsumeNonce(ctx, tx, agent.ID, creds.headers.Nonce, creds.signedAt, h.MaxSkew); err != nil {
					return err
				}
			}

			scope := ""
			if creds.headers.IdempotencyKey != "" {
				scope = guard.IdempotencyScope(agent.ID, r.Method, r.URL.Path, creds.headers.IdempotencyKey)
				prev, err := h.Guard.Lookup(ctx, tx, scope)
				if err != nil {
					return err
				}
				if prev != nil {
					status, response, replayed = prev.Status, prev.Body, true
					return nil
				}
			}

			if err := h.Guard.Consume(ctx, tx, guard.WriteAgentBucket(agent.ID), guard.LimitWriteAgent); err != nil {
				return err
			}
			if agent.VerifiedOriginDomain != "" {
				if err := h.Guard.Consume(ctx, tx, guard.WriteDomainBucket(agent.VerifiedOriginDomain), guard.LimitWriteDomain); err != nil {
					return err
				}
			}

			code, data, err := op.run(ctx, tx, call)
			if err != nil {
				return err
			}
			if response, err = encodeOK(requestIDFrom(ctx), data); err != nil {
				return err
			}
			status = code
			if scope != "" {
				return h.Guard.Remember(ctx, tx, scope, status, response)
			}
			return nil
		})
		if err != nil {
			h.auditRejected(ctx, r, creds.headers.AgentID, err)
			writeError(w, r, err)
			return
		}
		if replayed {
			w.Header().Set(protocol.HeaderReplay, "true")
		}
		writeRaw(w, status, response)
	}
}

// auditRejected records security-relevant rejections after the request
// transaction has ended.
func (h *Handler) auditRejected(ctx context.Context, r *http.Request, agentID string, cause error) {
	var action string
	switch {
	case errors.Is(cause, domain.ErrInvalidSignature):
		action = "security.signature_rejected"
	case errors.Is(cause, domain.ErrReplayDetected):
		action = "security.replay_rejected"
	case errors.Is(cause, domain.ErrTimestampSkew):
		action = "security.timestamp_rejected"
	default:
		return
	}
	err := h.Audit.Record(ctx, h.DB, domain.AuditEvent{
		ID:         domain.NewID("audit"),
		ActorType:  domain.ActorAgent,
		ActorID:    agentID,
		Action:     action,
		TargetType: "request",
		TargetID:   r.Method + " " + r.URL.Path,
		Metadata:   map[string]any{"requestId": requestIDFrom(ctx), "ip": guard.ClientIP(r)},
		CreatedAt:  h.Clock.Now(),
	})
	if err != nil {
		h.logf("record %s: %v", action, err)
	}
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}
