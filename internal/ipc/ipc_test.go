package ipc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawreview/trust-engine/internal/clock"
	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/guard"
	"github.com/clawreview/trust-engine/internal/identity"
	"github.com/clawreview/trust-engine/internal/intake"
	"github.com/clawreview/trust-engine/internal/maintenance"
	"github.com/clawreview/trust-engine/internal/manifest"
	"github.com/clawreview/trust-engine/internal/protocol"
	"github.com/clawreview/trust-engine/internal/review"
	"github.com/clawreview/trust-engine/internal/store"
	"github.com/clawreview/trust-engine/internal/workflow"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type noManifests struct{}

func (noManifests) Fetch(context.Context, string) (*manifest.Manifest, error) {
	return nil, domain.NewEngineError(domain.ErrManifestFetchFailed, "failed to fetch skill.md (404)")
}

// staticManifests serves fixed skill.md documents by URL.
type staticManifests map[string]*manifest.Manifest

func (s staticManifests) Fetch(ctx context.Context, rawURL string) (*manifest.Manifest, error) {
	m, ok := s[rawURL]
	if !ok {
		return noManifests{}.Fetch(ctx, rawURL)
	}
	cp := *m
	cp.SourceURL = rawURL
	return &cp, nil
}

type testEnv struct {
	t      *testing.T
	h      *Handler
	router http.Handler
	clk    *clock.Manual
	db     *sql.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewManual(testStart)
	g := guard.NewGuard(clk)
	wf := workflow.NewEngine(db, clk, nil, 10)
	id := identity.NewService(db, clk, nil, noManifests{})
	id.DevMode = true

	h := &Handler{
		DB:            db,
		Clock:         clk,
		Identity:      id,
		Workflow:      wf,
		Intake:        intake.NewService(clk, nil, wf, g),
		Guard:         g,
		Jobs:          maintenance.NewRunner(db, nil, wf, id, g),
		Agents:        &store.AgentRepo{},
		Snapshots:     &store.ManifestRepo{},
		Audit:         &store.AuditRepo{},
		OperatorToken: "op-secret",
		JobToken:      "job-secret",
		MaxSkew:       protocol.DefaultMaxSkew,
	}
	return &testEnv{t: t, h: h, router: h.Routes(), clk: clk, db: db}
}

type testAgent struct {
	agent *domain.Agent
	priv  ed25519.PrivateKey
}

func (e *testEnv) addAgent(handle string, status domain.AgentStatus, caps ...string) *testAgent {
	e.t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		e.t.Fatalf("GenerateKey: %v", err)
	}
	a := &domain.Agent{
		ID:                   "agent_" + handle,
		Name:                 handle,
		Handle:               handle,
		Status:               status,
		PublicKey:            protocol.EncodePublicKey(pub),
		EndpointBaseURL:      "https://" + handle + ".example.org",
		SkillMdURL:           "https://" + handle + ".example.org/skill.md",
		VerifiedOriginDomain: handle + ".example.org",
		CurrentManifestHash:  strings.Repeat("a", 64),
		Capabilities:         caps,
		CreatedAt:            testStart,
		UpdatedAt:            testStart,
	}
	if err := e.h.Agents.Create(context.Background(), e.db, a); err != nil {
		e.t.Fatalf("create agent: %v", err)
	}
	return &testAgent{agent: a, priv: priv}
}

func paperBody(t *testing.T, title string) []byte {
	t.Helper()
	var b strings.Builder
	for _, s := range review.RequiredSections {
		b.WriteString("## " + s + "\n\n" + strings.Repeat("Section text for "+title+" that is long enough. ", 6) + "\n\n")
	}
	body, err := json.Marshal(review.PaperInput{
		Title:      title,
		Abstract:   strings.Repeat("An abstract that sits well above the length floor. ", 2),
		Domains:    []string{"ml"},
		Keywords:   []string{"agents"},
		ClaimTypes: []string{"theory"},
		Manuscript: review.ManuscriptInput{Format: "markdown", Source: b.String()},
	})
	if err != nil {
		t.Fatalf("marshal paper: %v", err)
	}
	return body
}

func (e *testEnv) signedRequest(a *testAgent, method, path string, body []byte, nonce string, signedAt time.Time) *http.Request {
	sh := protocol.SignRequest(a.priv, a.agent.ID, method, path, body, signedAt, nonce)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	sh.Apply(req.Header)
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	RequestID string          `json:"requestId"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope %q: %v", w.Body.String(), err)
	}
	return env
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) envelope {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
	env := decode(t, w)
	if env.OK || env.Error == nil {
		t.Fatalf("expected error envelope, got %s", w.Body.String())
	}
	if env.Error.Code != code {
		t.Errorf("code = %s, want %s", env.Error.Code, code)
	}
	return env
}

func (e *testEnv) hasAudit(action string) bool {
	e.t.Helper()
	events, err := e.h.Audit.List(context.Background(), e.db, 50)
	if err != nil {
		e.t.Fatalf("list audit: %v", err)
	}
	for _, ev := range events {
		if ev.Action == action {
			return true
		}
	}
	return false
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	env := decode(t, w)
	if !env.OK || !strings.HasPrefix(env.RequestID, "req_") {
		t.Errorf("envelope = %+v", env)
	}
	if got := w.Header().Get("X-Request-Id"); got != env.RequestID {
		t.Errorf("X-Request-Id = %s, want %s", got, env.RequestID)
	}
}

func TestUnknownRoute(t *testing.T) {
	e := newTestEnv(t)
	expectError(t, e.do(httptest.NewRequest(http.MethodGet, "/api/v1/nowhere", nil)), http.StatusNotFound, "NOT_FOUND")
}

func TestSignedSubmitPaper(t *testing.T) {
	e := newTestEnv(t)
	pub := e.addAgent("publisher", domain.AgentActive, workflow.CapabilityPublisher)

	body := paperBody(t, "Signed submission")
	w := e.do(e.signedRequest(pub, http.MethodPost, "/api/v1/papers", body, "nonce-1", e.clk.Now()))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sub workflow.Submission
	if err := json.Unmarshal(decode(t, w).Data, &sub); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	if sub.Paper == nil || sub.Paper.LatestStatus != domain.PaperUnderReview {
		t.Fatalf("paper = %+v", sub.Paper)
	}
	if len(sub.Assignments) == 0 {
		t.Error("expected assignments to be opened")
	}

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/papers/"+sub.Paper.ID, nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET paper: %d %s", w.Code, w.Body.String())
	}
}

func TestSigned_NonceReplay(t *testing.T) {
	e := newTestEnv(t)
	pub := e.addAgent("replayer", domain.AgentActive, workflow.CapabilityPublisher)
	body := paperBody(t, "Replayed submission")

	if w := e.do(e.signedRequest(pub, http.MethodPost, "/api/v1/papers", body, "same-nonce", e.clk.Now())); w.Code != http.StatusCreated {
		t.Fatalf("first request: %d %s", w.Code, w.Body.String())
	}
	w := e.do(e.signedRequest(pub, http.MethodPost, "/api/v1/papers", body, "same-nonce", e.clk.Now()))
	expectError(t, w, http.StatusConflict, "REPLAY_DETECTED")
	if !e.hasAudit("security.replay_rejected") {
		t.Error("replay was not audited")
	}
}

func TestSigned_ReplayAtSkewBoundary(t *testing.T) {
	tests := []struct {
		name  string
		skew  time.Duration
		ahead time.Duration
	}{
		{"future timestamp at default skew", protocol.DefaultMaxSkew, protocol.DefaultMaxSkew},
		{"wide skew", 15 * time.Minute, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.h.MaxSkew = tt.skew
			pub := e.addAgent("edge", domain.AgentActive, workflow.CapabilityPublisher)
			body := paperBody(t, "Boundary submission")
			signedAt := e.clk.Now().Add(tt.ahead)

			if w := e.do(e.signedRequest(pub, http.MethodPost, "/api/v1/papers", body, "edge-nonce", signedAt)); w.Code != http.StatusCreated {
				t.Fatalf("first request: %d %s", w.Code, w.Body.String())
			}
			e.clk.Set(signedAt.Add(tt.skew))
			w := e.do(e.signedRequest(pub, http.MethodPost, "/api/v1/papers", body, "edge-nonce", signedAt))
			expectError(t, w, http.StatusConflict, "REPLAY_DETECTED")
		})
	}
}

func TestSigned_IdempotentReplay(t *testing.T) {
	e := newTestEnv(t)
	pub := e.addAgent("idem", domain.AgentActive, workflow.CapabilityPublisher)
	body := paperBody(t, "Idempotent submission")

	send := func(nonce string) *httptest.ResponseRecorder {
		req := e.signedRequest(pub, http.MethodPost, "/api/v1/papers", body, nonce, e.clk.Now())
		req.Header.Set(protocol.HeaderIdempotencyKey, "submit-1")
		return e.do(req)
	}
	first := send("nonce-a")
	if first.Code != http.StatusCreated {
		t.Fatalf("first request: %d %s", first.Code, first.Body.String())
	}
	second := send("nonce-b")
	if second.Code != http.StatusCreated {
		t.Fatalf("replayed request: %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(protocol.HeaderReplay) != "true" {
		t.Error("missing replay header")
	}
	if first.Header().Get(protocol.HeaderReplay) != "" {
		t.Error("first response marked as replay")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("replayed body differs from the first response")
	}
}

func TestSigned_BadSignature(t *testing.T) {
	e := newTestEnv(t)
	pub := e.addAgent("forger", domain.AgentActive, workflow.CapabilityPublisher)
	body := paperBody(t, "Tampered submission")

	req := e.signedRequest(pub, http.MethodPost, "/api/v1/papers", body, "nonce-1", e.clk.Now())
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = ' '
	req.Body = io.NopCloser(bytes.NewReader(tampered))

	expectError(t, e.do(req), http.StatusUnauthorized, "UNAUTHORIZED")
	if !e.hasAudit("security.signature_rejected") {
		t.Error("bad signature was not audited")
	}
}

func TestSigned_AuthFailures(t *testing.T) {
	e := newTestEnv(t)
	active := e.addAgent("active", domain.AgentActive, workflow.CapabilityPublisher)
	suspended := e.addAgent("paused", domain.AgentSuspended, workflow.CapabilityPublisher)
	stranger := &testAgent{agent: &domain.Agent{ID: "agent_stranger"}, priv: active.priv}
	body := paperBody(t, "Auth failures")

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
		code   string
	}{
		{
			name: "missing headers",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/v1/papers", bytes.NewReader(body))
			},
			status: http.StatusBadRequest,
			code:   "BAD_REQUEST",
		},
		{
			name: "unknown agent",
			req: func() *http.Request {
				return e.signedRequest(stranger, http.MethodPost, "/api/v1/papers", body, "n-unknown", e.clk.Now())
			},
			status: http.StatusUnauthorized,
			code:   "UNAUTHORIZED",
		},
		{
			name: "inactive agent",
			req: func() *http.Request {
				return e.signedRequest(suspended, http.MethodPost, "/api/v1/papers", body, "n-inactive", e.clk.Now())
			},
			status: http.StatusForbidden,
			code:   "FORBIDDEN",
		},
		{
			name: "stale timestamp",
			req: func() *http.Request {
				return e.signedRequest(active, http.MethodPost, "/api/v1/papers", body, "n-stale", e.clk.Now().Add(-10*time.Minute))
			},
			status: http.StatusUnauthorized,
			code:   "UNAUTHORIZED",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, e.do(tt.req()), tt.status, tt.code)
		})
	}
	if !e.hasAudit("security.timestamp_rejected") {
		t.Error("stale timestamp was not audited")
	}
}

func TestSigned_ValidationError(t *testing.T) {
	e := newTestEnv(t)
	pub := e.addAgent("sloppy", domain.AgentActive, workflow.CapabilityPublisher)
	body := []byte(`{"title":"x","abstract":"short","manuscript":{"source":"none"}}`)

	env := expectError(t, e.do(e.signedRequest(pub, http.MethodPost, "/api/v1/papers", body, "n-1", e.clk.Now())),
		http.StatusUnprocessableEntity, "UNPROCESSABLE_ENTITY")
	if len(env.Error.FieldErrors) == 0 {
		t.Error("expected field errors")
	}

	// Unknown fields are rejected before validation.
	w := e.do(e.signedRequest(pub, http.MethodPost, "/api/v1/papers", []byte(`{"bogus":1}`), "n-2", e.clk.Now()))
	expectError(t, w, http.StatusBadRequest, "BAD_REQUEST")
}

func TestSigned_DevEscape(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent("devagent", domain.AgentActive, workflow.CapabilityPublisher)
	body := paperBody(t, "Unsigned dev submission")

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/papers", bytes.NewReader(body))
		req.Header.Set(protocol.HeaderDevAgentID, "agent_devagent")
		return req
	}

	expectError(t, e.do(newReq()), http.StatusBadRequest, "BAD_REQUEST")

	e.h.AllowUnsignedDev = true
	if w := e.do(newReq()); w.Code != http.StatusCreated {
		t.Fatalf("dev escape: %d %s", w.Code, w.Body.String())
	}
}

func TestOperatorAuth(t *testing.T) {
	e := newTestEnv(t)
	target := e.addAgent("target", domain.AgentActive)
	path := "/api/v1/operator/agents/" + target.agent.ID + "/suspend"
	reason := `{"reason_code":"abuse","reason_text":"spamming reviews"}`

	post := func(token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return e.do(req)
	}

	expectError(t, post("", reason), http.StatusUnauthorized, "UNAUTHORIZED")
	expectError(t, post("wrong", reason), http.StatusUnauthorized, "UNAUTHORIZED")
	expectError(t, post("op-secret", `{"reason_code":"","reason_text":""}`), http.StatusUnprocessableEntity, "UNPROCESSABLE_ENTITY")

	w := post("op-secret", reason)
	if w.Code != http.StatusOK {
		t.Fatalf("suspend: %d %s", w.Code, w.Body.String())
	}
	var agent domain.Agent
	if err := json.Unmarshal(decode(t, w).Data, &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if agent.Status != domain.AgentSuspended {
		t.Errorf("status = %s, want suspended", agent.Status)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/operator/audit-events?limit=5", nil)
	req.Header.Set("X-Operator-Token", "op-secret")
	if w := e.do(req); w.Code != http.StatusOK {
		t.Errorf("audit events: %d %s", w.Code, w.Body.String())
	}

	e.h.OperatorToken = ""
	expectError(t, post("op-secret", reason), http.StatusServiceUnavailable, "INTERNAL_ERROR")
}

func TestInternalJobs(t *testing.T) {
	e := newTestEnv(t)

	run := func(job, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/internal/jobs/"+job, nil)
		if token != "" {
			req.Header.Set("X-Internal-Job-Token", token)
		}
		return e.do(req)
	}

	expectError(t, run(maintenance.JobMaintenance, ""), http.StatusUnauthorized, "UNAUTHORIZED")
	expectError(t, run("reindex", "job-secret"), http.StatusNotFound, "NOT_FOUND")

	w := run(maintenance.JobMaintenance, "job-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("maintenance: %d %s", w.Code, w.Body.String())
	}
	var rep maintenance.Report
	if err := json.Unmarshal(decode(t, w).Data, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Job != maintenance.JobMaintenance {
		t.Errorf("job = %s", rep.Job)
	}
}

func TestRegister_RateLimited(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/register",
		strings.NewReader(`{"skill_md_url":"https://agent.example.org/skill.md"}`))

	ctx := context.Background()
	bucket := guard.RegisterIPBucket(guard.ClientIP(req))
	for i := 0; i < guard.LimitRegisterIP.Max; i++ {
		err := store.InTx(ctx, e.db, func(tx *sql.Tx) error {
			return e.h.Guard.Consume(ctx, tx, bucket, guard.LimitRegisterIP)
		})
		if err != nil {
			t.Fatalf("prefill %d: %v", i, err)
		}
	}

	w := e.do(req)
	env := expectError(t, w, http.StatusTooManyRequests, "RATE_LIMITED")
	if w.Header().Get("Retry-After") == "" || env.Error.RetryAfterSeconds <= 0 {
		t.Errorf("missing retry hint: header=%q body=%d", w.Header().Get("Retry-After"), env.Error.RetryAfterSeconds)
	}
}

func TestRegister_IdempotentRetry(t *testing.T) {
	e := newTestEnv(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	const url = "https://retry.example.org/skill.md"
	raw := "---\nagent_handle: retry\npublic_key: " + hex.EncodeToString(pub) + "\n---\n"
	e.h.Identity.Manifests = staticManifests{url: {
		FrontMatter: manifest.FrontMatter{
			Schema:                  manifest.SchemaV1,
			AgentName:               "Agent retry",
			AgentHandle:             "retry",
			PublicKey:               hex.EncodeToString(pub),
			ProtocolVersion:         "v1",
			Capabilities:            []string{"publisher", "reviewer"},
			Domains:                 []string{"machine-learning"},
			EndpointBaseURL:         "https://retry.example.org",
			ClawreviewCompatibility: true,
		},
		Raw:  raw,
		Hash: manifest.Hash(raw),
	}}

	post := func(path, key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set(protocol.HeaderIdempotencyKey, key)
		return e.do(req)
	}

	regBody := `{"skill_md_url":"` + url + `"}`
	first := post("/api/v1/agents/register", "register-1", regBody)
	if first.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", first.Code, first.Body.String())
	}
	retry := post("/api/v1/agents/register", "register-1", regBody)
	if retry.Code != http.StatusCreated || retry.Header().Get(protocol.HeaderReplay) != "true" {
		t.Fatalf("retried register: %d replay=%q", retry.Code, retry.Header().Get(protocol.HeaderReplay))
	}
	if !bytes.Equal(first.Body.Bytes(), retry.Body.Bytes()) {
		t.Fatal("retried register returned a different registration")
	}

	var reg struct {
		Agent     *domain.Agent `json:"agent"`
		Challenge struct {
			ID      string `json:"id"`
			Message string `json:"message"`
		} `json:"challenge"`
	}
	if err := json.Unmarshal(decode(t, first).Data, &reg); err != nil {
		t.Fatalf("decode registration: %v", err)
	}

	// The challenge from the first response must still be the live one.
	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(reg.Challenge.Message)))
	verifyBody := `{"agent_id":"` + reg.Agent.ID + `","challenge_id":"` + reg.Challenge.ID + `","signature":"` + sig + `"}`
	verified := post("/api/v1/agents/verify-challenge", "verify-1", verifyBody)
	if verified.Code != http.StatusOK {
		t.Fatalf("verify-challenge: %d %s", verified.Code, verified.Body.String())
	}
	again := post("/api/v1/agents/verify-challenge", "verify-1", verifyBody)
	if again.Code != http.StatusOK || again.Header().Get(protocol.HeaderReplay) != "true" {
		t.Fatalf("retried verify-challenge: %d %s", again.Code, again.Body.String())
	}
	if !bytes.Equal(verified.Body.Bytes(), again.Body.Bytes()) {
		t.Error("retried verify-challenge returned a different body")
	}
}

func TestHumanSessionFlow(t *testing.T) {
	e := newTestEnv(t)

	expectError(t, e.do(httptest.NewRequest(http.MethodGet, "/api/v1/humans/me", nil)), http.StatusUnauthorized, "UNAUTHORIZED")

	w := e.do(httptest.NewRequest(http.MethodPost, "/api/v1/humans/auth/start-email",
		strings.NewReader(`{"email":"Ada@Example.org","username":"ada"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("start-email: %d %s", w.Code, w.Body.String())
	}
	var start struct {
		DevCode string `json:"devCode"`
	}
	if err := json.Unmarshal(decode(t, w).Data, &start); err != nil || start.DevCode == "" {
		t.Fatalf("devCode missing: %v %s", err, w.Body.String())
	}

	w = e.do(httptest.NewRequest(http.MethodPost, "/api/v1/humans/auth/verify-email",
		strings.NewReader(`{"email":"ada@example.org","code":"`+start.DevCode+`"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("verify-email: %d %s", w.Code, w.Body.String())
	}
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatal("session cookie not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/humans/me", nil)
	req.AddCookie(cookie)
	w = e.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
	var me struct {
		Claimable bool            `json:"claimable"`
		Agents    []*domain.Agent `json:"agents"`
	}
	if err := json.Unmarshal(decode(t, w).Data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Claimable {
		t.Error("human without GitHub proof reported claimable")
	}
	if me.Agents == nil {
		t.Error("agents should be an empty list, not null")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/humans/auth/logout", nil)
	req.AddCookie(cookie)
	if w := e.do(req); w.Code != http.StatusOK {
		t.Fatalf("logout: %d %s", w.Code, w.Body.String())
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/humans/me", nil)
	req.Header.Set("X-Human-Session", cookie.Value)
	expectError(t, e.do(req), http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestFormatListenURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080"},
		{"0.0.0.0:9000", "http://localhost:9000"},
		{"127.0.0.1:3000", "http://127.0.0.1:3000"},
		{"reviews.internal:80", "http://reviews.internal:80"},
	}
	for _, tt := range tests {
		if got := FormatListenURL(tt.addr); got != tt.want {
			t.Errorf("FormatListenURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
