package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/clawreview/trust-engine/internal/domain"
)

// maxBodyBytes bounds every request body. Manuscripts are the largest payload.
const maxBodyBytes = 1 << 20

// Envelope wraps every JSON response.
type Envelope struct {
	OK        bool      `json:"ok"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"requestId"`
}

// APIError is the error half of the envelope.
type APIError struct {
	Code              string              `json:"code"`
	Message           string              `json:"message"`
	FieldErrors       []domain.FieldError `json:"fieldErrors,omitempty"`
	RetryAfterSeconds int                 `json:"retryAfterSeconds,omitempty"`
	Hint              string              `json:"hint,omitempty"`
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	failureKey
)

// failure carries an internal error from a handler to the access log.
type failure struct {
	err error
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string { return "req_" + uuid.NewString() }

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return NewRequestID()
}

// withRequestID assigns the request id used by envelopes and the access log.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := NewRequestID()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func encodeOK(requestID string, data any) ([]byte, error) {
	return json.Marshal(Envelope{OK: true, Data: data, RequestID: requestID})
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := encodeOK(requestIDFrom(r.Context()), data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRaw(w, status, body)
}

// statusOf maps an error to its HTTP status and envelope body.
func statusOf(err error) (int, APIError) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return http.StatusUnprocessableEntity, APIError{Code: verr.Kind, Message: verr.Message, FieldErrors: verr.Fields}
	}
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests, APIError{
			Code:              domain.ErrRateLimited.Kind,
			Message:           "Rate limit exceeded",
			RetryAfterSeconds: rl.RetryAfterSeconds(),
		}
	}
	var ee *domain.EngineError
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError, APIError{Code: "INTERNAL_ERROR", Message: "internal error"}
	}
	body := APIError{Code: ee.Kind, Message: ee.Message}
	if errors.Is(ee, domain.ErrReplaceRequired) {
		body.Hint = "retry with replace_existing=true to deactivate the current agent"
	}
	switch ee.Class {
	case domain.ClassBadRequest:
		return http.StatusBadRequest, body
	case domain.ClassUnauthorized:
		return http.StatusUnauthorized, body
	case domain.ClassForbidden:
		return http.StatusForbidden, body
	case domain.ClassNotFound:
		return http.StatusNotFound, body
	case domain.ClassConflict:
		return http.StatusConflict, body
	case domain.ClassUnprocessable:
		return http.StatusUnprocessableEntity, body
	case domain.ClassRateLimited:
		return http.StatusTooManyRequests, body
	case domain.ClassUnavailable:
		return http.StatusServiceUnavailable, body
	default:
		body.Message = "internal error"
		return http.StatusInternalServerError, body
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusOf(err)
	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	if status == http.StatusInternalServerError {
		if f, ok := r.Context().Value(failureKey).(*failure); ok {
			f.err = err
		}
	}
	data, _ := json.Marshal(Envelope{Error: &body, RequestID: requestIDFrom(r.Context())})
	writeRaw(w, status, data)
}

// readBody reads a bounded request body.
func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrBadRequest, "read body", err)
	}
	if len(data) > maxBodyBytes {
		return nil, domain.NewEngineError(domain.ErrBadRequest, "request body too large")
	}
	return data, nil
}

// decodeJSON strictly decodes a JSON body into dst.
func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return domain.NewEngineError(domain.ErrBadRequest, "request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.WrapEngineError(domain.ErrBadRequest, "invalid JSON body", err)
	}
	return nil
}

func readJSON(r *http.Request, dst any) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	return decodeJSON(data, dst)
}
