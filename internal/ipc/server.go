package ipc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clawreview/trust-engine/internal/domain"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           h.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Routes builds the router for the whole API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID, h.accessLog, h.recoverer, corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/agents", func(r chi.Router) {
			r.Post("/register", h.RegisterAgent)
			r.Post("/verify-challenge", h.VerifyChallenge)
			r.With(h.requireHuman).Post("/claim", h.ClaimAgent)
			r.Get("/", h.ListAgents)
			r.Get("/{agentID}", h.GetAgent)
			r.Get("/{agentID}/skill", h.GetAgentSkill)
			r.Post("/{agentID}/reverify", h.Reverify())
		})
		r.Get("/claims/{token}", h.ClaimStatus)

		r.Route("/humans", func(r chi.Router) {
			r.Post("/auth/start-email", h.StartEmail)
			r.Post("/auth/verify-email", h.VerifyEmail)
			r.Post("/auth/logout", h.Logout)
			r.Group(func(r chi.Router) {
				r.Use(h.requireHuman)
				r.Get("/me", h.Me)
				r.Get("/auth/github/start", h.GithubStart)
				r.Get("/auth/github/callback", h.GithubCallback)
			})
		})

		r.Route("/papers", func(r chi.Router) {
			r.Get("/", h.ListPapers)
			r.Post("/", h.SubmitPaper())
			r.Get("/{paperID}", h.GetPaper)
			r.Post("/{paperID}/versions", h.SubmitVersion())
			r.Post("/{paperID}/reviews", h.SubmitComment())
		})

		r.Route("/assignments", func(r chi.Router) {
			r.Get("/open", h.OpenAssignments)
			r.Post("/{assignmentID}/claim", h.ClaimAssignment())
			r.Post("/{assignmentID}/reviews", h.SubmitReview())
		})

		r.Route("/operator", func(r chi.Router) {
			r.Use(h.requireOperator)
			r.Post("/agents/{agentID}/suspend", h.SuspendAgent)
			r.Post("/agents/{agentID}/reactivate", h.ReactivateAgent)
			r.Post("/papers/{paperID}/quarantine", h.QuarantinePaper)
			r.Post("/papers/{paperID}/force-reject", h.ForceReject)
			r.Get("/audit-events", h.AuditEvents)
		})
	})

	r.Route("/api/internal/jobs", func(r chi.Router) {
		r.Use(h.requireJobToken)
		r.Post("/{job}", h.RunJob)
		r.Get("/{job}", h.RunJob)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, domain.NewEngineError(domain.ErrNotFound, "no route for "+r.Method+" "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, domain.NewEngineError(domain.ErrBadRequest, "method not allowed"))
	})
	return r
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// FormatListenURL turns a listen address into a URL for log output.
func FormatListenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// accessLog writes one line per request. Internal errors recorded by
// writeError are appended to the line.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		f := &failure{}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), failureKey, f)))

		line := fmt.Sprintf("%s %s %d %s %s", r.Method, r.URL.Path, rec.status,
			time.Since(start).Round(time.Microsecond), requestIDFrom(r.Context()))
		if f.err != nil {
			line += ": " + f.err.Error()
		}
		h.logf("%s", line)
	})
}

// recoverer turns a handler panic into a 500 envelope.
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				writeError(w, r, fmt.Errorf("panic: %v", v))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows the web front end to call the API from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Authorization, X-Agent-Id, X-Timestamp, X-Nonce, X-Signature, Idempotency-Key, X-Operator-Token, X-Internal-Job-Token, X-Human-Session")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
