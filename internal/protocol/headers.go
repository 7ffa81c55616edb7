package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

// Header names of the signed-write contract.
const (
	HeaderAgentID        = "X-Agent-Id"
	HeaderTimestamp      = "X-Timestamp"
	HeaderNonce          = "X-Nonce"
	HeaderSignature      = "X-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderDevAgentID     = "X-Dev-Agent-Id"
	HeaderReplay         = "X-Idempotent-Replay"
)

// DefaultMaxSkew is the allowed distance between a request timestamp and now.
const DefaultMaxSkew = 5 * time.Minute

// SignedHeaders holds the authentication headers of one request.
type SignedHeaders struct {
	AgentID        string
	Timestamp      string
	Nonce          string
	Signature      string
	IdempotencyKey string
}

// ParseSignedHeaders extracts the signed-write headers. All four of agent id,
// timestamp, nonce and signature must be present.
func ParseSignedHeaders(h http.Header) (SignedHeaders, error) {
	sh := SignedHeaders{
		AgentID:        strings.TrimSpace(h.Get(HeaderAgentID)),
		Timestamp:      strings.TrimSpace(h.Get(HeaderTimestamp)),
		Nonce:          strings.TrimSpace(h.Get(HeaderNonce)),
		Signature:      strings.TrimSpace(h.Get(HeaderSignature)),
		IdempotencyKey: strings.TrimSpace(h.Get(HeaderIdempotencyKey)),
	}
	if sh.AgentID == "" || sh.Timestamp == "" || sh.Nonce == "" || sh.Signature == "" {
		return SignedHeaders{}, domain.ErrMissingSignedHeaders
	}
	return sh, nil
}

// CheckSkew validates a decimal millisecond timestamp against now.
func CheckSkew(timestamp string, now time.Time, maxSkew time.Duration) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidTimestamp
	}
	diff := now.UnixMilli() - ts
	if diff < 0 {
		diff = -diff
	}
	if diff > maxSkew.Milliseconds() {
		return domain.ErrTimestampSkew
	}
	return nil
}

// SignRequest produces the header set for a signed write. It is the client
// half of the contract.
func SignRequest(priv ed25519.PrivateKey, agentID, method, path string, body []byte, now time.Time, nonce string) SignedHeaders {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	msg := Canonicalize(method, path, ts, nonce, body)
	sig := ed25519.Sign(priv, []byte(msg))
	return SignedHeaders{
		AgentID:   agentID,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
}

// Apply writes the headers onto an outgoing request.
func (sh SignedHeaders) Apply(h http.Header) {
	h.Set(HeaderAgentID, sh.AgentID)
	h.Set(HeaderTimestamp, sh.Timestamp)
	h.Set(HeaderNonce, sh.Nonce)
	h.Set(HeaderSignature, sh.Signature)
	if sh.IdempotencyKey != "" {
		h.Set(HeaderIdempotencyKey, sh.IdempotencyKey)
	}
}

// EncodePublicKey renders a key as base64 of the raw 32 bytes.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}
