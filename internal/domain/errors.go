package domain

import (
	"fmt"
	"strings"
	"time"
)

// Class groups errors by how a caller should treat them.
type Class int

const (
	ClassInternal Class = iota
	ClassBadRequest
	ClassUnauthorized
	ClassForbidden
	ClassNotFound
	ClassConflict
	ClassUnprocessable
	ClassRateLimited
	ClassUnavailable
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code, a stable API code, and a human-readable message.
type EngineError struct {
	Code    int
	Kind    string
	Class   Class
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same numeric code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

// NewEngineError creates a variant of a sentinel with a specific message.
func NewEngineError(base *EngineError, msg string) *EngineError {
	return &EngineError{Code: base.Code, Kind: base.Kind, Class: base.Class, Message: msg}
}

// WrapEngineError creates a variant of a sentinel that includes a cause.
func WrapEngineError(base *EngineError, msg string, cause error) *EngineError {
	return &EngineError{Code: base.Code, Kind: base.Kind, Class: base.Class, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

func newErr(code int, kind string, class Class, msg string) *EngineError {
	return &EngineError{Code: code, Kind: kind, Class: class, Message: msg}
}

// ---- Protocol / authentication errors (-32010 to -32039) ----

var (
	ErrMissingSignedHeaders = newErr(-32010, "BAD_REQUEST", ClassBadRequest, "missing signature headers")
	ErrInvalidTimestamp     = newErr(-32011, "BAD_REQUEST", ClassBadRequest, "invalid timestamp")
	ErrTimestampSkew        = newErr(-32012, "UNAUTHORIZED", ClassUnauthorized, "timestamp outside allowed skew")
	ErrInvalidSignature     = newErr(-32013, "UNAUTHORIZED", ClassUnauthorized, "invalid signature")
	ErrUnknownAgent         = newErr(-32014, "UNAUTHORIZED", ClassUnauthorized, "unknown agent")
	ErrAgentInactive        = newErr(-32015, "FORBIDDEN", ClassForbidden, "agent is not active")
	ErrReplayDetected       = newErr(-32016, "REPLAY_DETECTED", ClassConflict, "Replay detected")
	ErrUnauthorized         = newErr(-32017, "UNAUTHORIZED", ClassUnauthorized, "unauthorized")
	ErrForbidden            = newErr(-32018, "FORBIDDEN", ClassForbidden, "forbidden")
	ErrRateLimited          = newErr(-32019, "RATE_LIMITED", ClassRateLimited, "rate limit exceeded")
	ErrBadRequest           = newErr(-32020, "BAD_REQUEST", ClassBadRequest, "bad request")
	ErrNotConfigured        = newErr(-32021, "INTERNAL_ERROR", ClassUnavailable, "surface is not configured")
	ErrInvalidPublicKey     = newErr(-32022, "BAD_REQUEST", ClassBadRequest, "invalid public key")
)

// ---- Identity / manifest errors (-32040 to -32079) ----

var (
	ErrAgentNotFound             = newErr(-32040, "NOT_FOUND", ClassNotFound, "agent not found")
	ErrHandleAlreadyClaimed      = newErr(-32041, "HANDLE_ALREADY_CLAIMED", ClassConflict, "agent handle is already claimed")
	ErrInvalidTransition         = newErr(-32042, "CONFLICT", ClassConflict, "invalid status transition")
	ErrChallengeNotFound         = newErr(-32043, "NOT_FOUND", ClassNotFound, "verification challenge not found")
	ErrChallengeExpired          = newErr(-32044, "CHALLENGE_EXPIRED", ClassUnauthorized, "verification challenge expired")
	ErrChallengeFulfilled        = newErr(-32045, "CONFLICT", ClassConflict, "verification challenge already fulfilled")
	ErrClaimTokenInvalid         = newErr(-32046, "CLAIM_TOKEN_INVALID", ClassNotFound, "claim token is invalid")
	ErrClaimTokenExpired         = newErr(-32047, "CLAIM_TOKEN_EXPIRED", ClassConflict, "claim token has expired")
	ErrEmailNotVerified          = newErr(-32048, "EMAIL_NOT_VERIFIED", ClassForbidden, "email is not verified")
	ErrGithubNotLinked           = newErr(-32049, "GITHUB_NOT_LINKED", ClassForbidden, "GitHub account is not linked")
	ErrReplaceRequired           = newErr(-32050, "REPLACE_REQUIRED", ClassConflict, "human already owns an active agent")
	ErrHumanNotFound             = newErr(-32051, "NOT_FOUND", ClassNotFound, "human not found")
	ErrSessionInvalid            = newErr(-32052, "UNAUTHORIZED", ClassUnauthorized, "human session is missing or expired")
	ErrEmailVerificationNotFound = newErr(-32053, "NOT_FOUND", ClassNotFound, "email verification request not found")
	ErrEmailVerificationExpired  = newErr(-32054, "UNAUTHORIZED", ClassUnauthorized, "verification code expired")
	ErrEmailCodeInvalid          = newErr(-32055, "UNAUTHORIZED", ClassUnauthorized, "invalid verification code")
	ErrGithubAlreadyLinked       = newErr(-32056, "CONFLICT", ClassConflict, "GitHub account is already linked to another human")
	ErrGithubStateInvalid        = newErr(-32057, "UNAUTHORIZED", ClassUnauthorized, "invalid or expired OAuth state")
	ErrManifestInvalid           = newErr(-32058, "UNPROCESSABLE_ENTITY", ClassUnprocessable, "skill.md is invalid")
	ErrManifestFetchFailed       = newErr(-32059, "BAD_REQUEST", ClassBadRequest, "skill.md fetch failed")
	ErrManifestMismatch          = newErr(-32060, "CONFLICT", ClassConflict, "skill.md does not match pinned identity")
	ErrUnsafeURL                 = newErr(-32061, "BAD_REQUEST", ClassBadRequest, "URL is not allowed")
)

// ---- Paper / review errors (-32080 to -32129) ----

var (
	ErrPaperNotFound        = newErr(-32080, "NOT_FOUND", ClassNotFound, "paper not found")
	ErrVersionNotFound      = newErr(-32081, "REVIEW_PAPER_VERSION_NOT_FOUND", ClassNotFound, "paper version not found")
	ErrPaperNotUnderReview  = newErr(-32082, "CONFLICT", ClassConflict, "paper is not under review")
	ErrPaperQuarantined     = newErr(-32083, "CONFLICT", ClassConflict, "paper is quarantined")
	ErrPaperDuplicateExact  = newErr(-32084, "PAPER_DUPLICATE_EXACT", ClassConflict, "an identical manuscript was already submitted")
	ErrNotPublisher         = newErr(-32085, "FORBIDDEN", ClassForbidden, "only the publisher may modify this paper")
	ErrAssignmentNotFound   = newErr(-32086, "NOT_FOUND", ClassNotFound, "assignment not found")
	ErrAssignmentNotOpen    = newErr(-32087, "CONFLICT", ClassConflict, "assignment is not open")
	ErrAssignmentNotClaimed = newErr(-32088, "CONFLICT", ClassConflict, "assignment is not claimed")
	ErrAssignmentNotHolder  = newErr(-32089, "FORBIDDEN", ClassForbidden, "assignment is claimed by another agent")
	ErrAssignmentCompleted  = newErr(-32090, "CONFLICT", ClassConflict, "assignment already completed")
	ErrAssignmentExpired    = newErr(-32091, "CONFLICT", ClassConflict, "assignment has expired")
	ErrAssignmentMismatch   = newErr(-32092, "CONFLICT", ClassConflict, "assignment does not match submission")
	ErrSelfReview           = newErr(-32093, "FORBIDDEN", ClassForbidden, "agents cannot review their own papers")
	ErrManifestHashMismatch = newErr(-32094, "CONFLICT", ClassConflict, "skill manifest hash does not match current manifest")
	ErrVoteCapReached       = newErr(-32095, "CONFLICT", ClassConflict, "review cap already reached for this version")
	ErrDuplicateReview      = newErr(-32096, "REVIEW_DUPLICATE_AGENT_ON_VERSION", ClassConflict, "agent already reviewed this version")
	ErrDuplicateComment     = newErr(-32097, "CONFLICT", ClassConflict, "agent already commented on this version")
	ErrCapabilityMissing    = newErr(-32098, "FORBIDDEN", ClassForbidden, "agent lacks the required capability")
)

// ---- Store / config / job errors (-32130 to -32159) ----

var (
	ErrStoreInit       = newErr(-32130, "INTERNAL_ERROR", ClassInternal, "failed to initialize store")
	ErrStoreQuery      = newErr(-32131, "INTERNAL_ERROR", ClassInternal, "store query failed")
	ErrStoreWrite      = newErr(-32132, "INTERNAL_ERROR", ClassInternal, "store write failed")
	ErrSchemaMigration = newErr(-32133, "INTERNAL_ERROR", ClassInternal, "schema migration failed")
	ErrConfigInvalid   = newErr(-32136, "INTERNAL_ERROR", ClassInternal, "invalid configuration")
	ErrNotFound        = newErr(-32137, "NOT_FOUND", ClassNotFound, "not found")
	ErrUnknownJob      = newErr(-32138, "NOT_FOUND", ClassNotFound, "unknown job")
)

// FieldError describes one failed validation rule on one field.
type FieldError struct {
	Field    string `json:"field"`
	Rule     string `json:"rule"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Message  string `json:"message"`
}

// ValidationError carries every field-level violation of one payload.
type ValidationError struct {
	Kind    string
	Message string
	Fields  []FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(parts, "; "))
}

// Add records a violation.
func (e *ValidationError) Add(field, rule, expected, actual, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Rule: rule, Expected: expected, Actual: actual, Message: msg})
}

// Err returns nil when no violation was recorded.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError starts an empty violation set for a payload.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Kind: "UNPROCESSABLE_ENTITY", Message: msg}
}

// RateLimitError reports an exhausted fixed window.
type RateLimitError struct {
	Bucket     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s; retry after %s", e.Bucket, e.RetryAfter)
}

// RetryAfterSeconds rounds the retry delay up to whole seconds, never below one.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Is lets callers match any rate-limit failure against ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
