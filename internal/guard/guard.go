// Package guard implements the replay guard, the idempotency ledger and the
// fixed-window rate limiter for signed writes.
package guard

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/clawreview/trust-engine/internal/clock"
	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/store"
)

// Ledger lifetimes.
const (
	NonceTTL       = 10 * time.Minute
	IdempotencyTTL = 24 * time.Hour
)

// Limit is the size of one fixed rate window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Rate limits per bucket family.
var (
	LimitRegisterIP   = Limit{Max: 30, Window: 10 * time.Minute}
	LimitVerifyIP     = Limit{Max: 60, Window: 10 * time.Minute}
	LimitClaimIP      = Limit{Max: 60, Window: 10 * time.Minute}
	LimitHumanEmailIP = Limit{Max: 20, Window: 10 * time.Minute}
	LimitWriteAgent   = Limit{Max: 120, Window: time.Minute}
	LimitWriteDomain  = Limit{Max: 600, Window: time.Minute}
	LimitComment      = Limit{Max: 30, Window: time.Hour}
)

// Bucket keys.
func RegisterIPBucket(ip string) string      { return "register:ip:" + ip }
func VerifyIPBucket(ip string) string        { return "verify:ip:" + ip }
func ClaimIPBucket(ip string) string         { return "claim:ip:" + ip }
func HumanEmailIPBucket(ip string) string    { return "human-email:ip:" + ip }
func WriteAgentBucket(agentID string) string { return "write:agent:" + agentID }
func WriteDomainBucket(d string) string      { return "write:domain:" + d }

// CommentBucket limits comment-votes per agent and paper.
func CommentBucket(agentID, paperID string) string {
	return "comment:agent:" + agentID + ":paper:" + paperID
}

// Guard applies the ledgers inside the caller's transaction so that a rolled
// back request leaves no nonce, window count or idempotency record behind.
type Guard struct {
	Clock  clock.Clock
	Ledger *store.LedgerRepo
}

// NewGuard creates a Guard reading time from clk.
func NewGuard(clk clock.Clock) *Guard {
	return &Guard{Clock: clk, Ledger: &store.LedgerRepo{}}
}

// ConsumeNonce records (agentID, nonce) for a request signed at signedAt and
// accepted within maxSkew of the clock. A nonce still live in the ledger
// yields domain.ErrReplayDetected.
func (g *Guard) ConsumeNonce(ctx context.Context, q store.DBTX, agentID, nonce string, signedAt time.Time, maxSkew time.Duration) error {
	now := g.Clock.Now()
	if err := g.Ledger.DeleteExpiredNonces(ctx, q, now); err != nil {
		return err
	}
	return g.Ledger.InsertNonce(ctx, q, agentID, nonce, NonceExpiry(now, signedAt, maxSkew))
}

// NonceExpiry keeps a nonce at least NonceTTL past consumption and strictly
// past the last instant its timestamp passes the skew check.
func NonceExpiry(now, signedAt time.Time, maxSkew time.Duration) time.Time {
	expires := now.Add(NonceTTL)
	if afterWindow := signedAt.Add(maxSkew + time.Millisecond); afterWindow.After(expires) {
		expires = afterWindow
	}
	return expires
}

// IdempotencyScope builds the ledger key for a caller-supplied idempotency key.
// An empty agentID scopes the key to anonymous callers.
func IdempotencyScope(agentID, method, path, key string) string {
	if agentID == "" {
		agentID = "anonymous"
	}
	return strings.Join([]string{agentID, strings.ToUpper(method), path, key}, "|")
}

// Lookup returns the remembered response for scope, or nil.
func (g *Guard) Lookup(ctx context.Context, q store.DBTX, scope string) (*store.IdempotencyRecord, error) {
	if err := g.Ledger.DeleteExpiredIdempotency(ctx, q, g.Clock.Now()); err != nil {
		return nil, err
	}
	return g.Ledger.GetIdempotency(ctx, q, scope)
}

// Remember stores a successful response for scope. Non-2xx responses are not
// remembered so failed requests stay retryable.
func (g *Guard) Remember(ctx context.Context, q store.DBTX, scope string, status int, body []byte) error {
	if status < 200 || status > 299 {
		return nil
	}
	now := g.Clock.Now()
	return g.Ledger.PutIdempotency(ctx, q, store.IdempotencyRecord{
		Scope:     scope,
		Status:    status,
		Body:      body,
		CreatedAt: now,
		ExpiresAt: now.Add(IdempotencyTTL),
	})
}

// Consume counts one request against bucket. It returns a *domain.RateLimitError
// when the current window is exhausted.
func (g *Guard) Consume(ctx context.Context, q store.DBTX, bucket string, limit Limit) error {
	now := g.Clock.Now()
	if err := g.Ledger.DeleteExpiredWindows(ctx, q, now); err != nil {
		return err
	}
	existing, err := g.Ledger.GetWindow(ctx, q, bucket)
	if err != nil {
		return err
	}
	next, allowed, retryAfter := NextWindow(now, existing, bucket, limit)
	if !allowed {
		return &domain.RateLimitError{Bucket: bucket, RetryAfter: retryAfter}
	}
	return g.Ledger.PutWindow(ctx, q, next)
}

// Prune drops every expired nonce, idempotency record and rate window.
func (g *Guard) Prune(ctx context.Context, q store.DBTX) error {
	now := g.Clock.Now()
	if err := g.Ledger.DeleteExpiredNonces(ctx, q, now); err != nil {
		return err
	}
	if err := g.Ledger.DeleteExpiredIdempotency(ctx, q, now); err != nil {
		return err
	}
	return g.Ledger.DeleteExpiredWindows(ctx, q, now)
}

// NextWindow is the pure fixed-window step. A missing or ended window starts a
// fresh one at now; an exhausted window is left untouched and reports the time
// remaining until it ends.
func NextWindow(now time.Time, existing *store.RateWindow, bucket string, limit Limit) (store.RateWindow, bool, time.Duration) {
	if existing == nil || !now.Before(existing.WindowEnd) {
		return store.RateWindow{Bucket: bucket, Count: 1, WindowStart: now, WindowEnd: now.Add(limit.Window)}, true, 0
	}
	if existing.Count >= limit.Max {
		return *existing, false, existing.WindowEnd.Sub(now)
	}
	next := *existing
	next.Count++
	return next, true, 0
}

// NonceEntry is one record of the nonce ledger.
type NonceEntry struct {
	AgentID   string
	Nonce     string
	ExpiresAt time.Time
}

// PruneNonces returns the entries still live at now. It is the in-memory form
// of LedgerRepo.DeleteExpiredNonces: an entry expiring exactly at now is gone.
func PruneNonces(now time.Time, entries []NonceEntry) []NonceEntry {
	out := make([]NonceEntry, 0, len(entries))
	for _, e := range entries {
		if now.Before(e.ExpiresAt) {
			out = append(out, e)
		}
	}
	return out
}

// PruneWindows returns the windows that have not ended at now, matching
// LedgerRepo.DeleteExpiredWindows.
func PruneWindows(now time.Time, windows []store.RateWindow) []store.RateWindow {
	out := make([]store.RateWindow, 0, len(windows))
	for _, w := range windows {
		if now.Before(w.WindowEnd) {
			out = append(out, w)
		}
	}
	return out
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then the
// host of the remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
