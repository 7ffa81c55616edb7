package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
	"github.com/clawreview/trust-engine/internal/store"
)

// Mailer delivers email verification codes.
type Mailer interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

// LogMailer records that a code was issued without revealing it.
type LogMailer struct {
	Logger *log.Logger
}

// SendVerificationCode implements Mailer.
func (m *LogMailer) SendVerificationCode(_ context.Context, email, _ string) error {
	if m.Logger != nil {
		m.Logger.Printf("email verification code issued for %s", email)
	}
	return nil
}

// EmailStart is the result of StartEmailVerification. DevCode is only set in
// dev mode.
type EmailStart struct {
	Human     *domain.Human
	ExpiresAt time.Time
	DevCode   string
}

// StartEmailVerification creates or updates the human for email and issues a
// six-digit code.
func (s *Service) StartEmailVerification(ctx context.Context, email, username string) (*EmailStart, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	verr := domain.NewValidationError("Invalid email verification request")
	if !strings.Contains(email, "@") || len(email) > 320 {
		verr.Add("email", "format", "email", email, "a valid email address is required")
	}
	if len(username) > 64 {
		verr.Add("username", "max_length", "64", strconv.Itoa(len(username)), "username is too long")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	code, err := sixDigitCode()
	if err != nil {
		return nil, err
	}
	out := &EmailStart{}
	err = store.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		now := s.Clock.Now()
		human, err := s.Humans.GetByEmail(ctx, tx, email)
		switch {
		case errors.Is(err, domain.ErrHumanNotFound):
			if username == "" {
				username = "human_" + strings.ReplaceAll(domain.NewSecret(), "-", "")[:6]
			}
			human = &domain.Human{ID: domain.NewID("human"), Username: username, Email: email, CreatedAt: now, UpdatedAt: now}
			if err := s.Humans.Create(ctx, tx, human); err != nil {
				return err
			}
		case err != nil:
			return err
		case username != "" && username != human.Username:
			human.Username = username
			human.UpdatedAt = now
			if err := s.Humans.Update(ctx, tx, human); err != nil {
				return err
			}
		}

		v := domain.EmailVerification{
			ID:        domain.NewID("emailver"),
			Email:     email,
			Code:      code,
			ExpiresAt: now.Add(EmailCodeTTL),
			CreatedAt: now,
		}
		if err := s.Humans.InsertEmailVerification(ctx, tx, v); err != nil {
			return err
		}
		out.Human = human
		out.ExpiresAt = v.ExpiresAt
		return s.record(ctx, tx, domain.AuditEvent{
			ActorType:  domain.ActorSystem,
			Action:     "human.email_verification.started",
			TargetType: "human",
			TargetID:   human.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	if s.Mailer != nil {
		if err := s.Mailer.SendVerificationCode(ctx, email, code); err != nil {
			return nil, domain.WrapEngineError(domain.ErrNotConfigured, "deliver verification code", err)
		}
	}
	if s.DevMode {
		out.DevCode = code
	}
	return out, nil
}

// VerifyEmail checks the newest code for email, stamps the proof and opens a session.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) (*domain.Human, *domain.HumanSession, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	code = strings.TrimSpace(code)
	var human *domain.Human
	var session domain.HumanSession
	err := store.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		now := s.Clock.Now()
		v, err := s.Humans.LatestOpenEmailVerification(ctx, tx, email)
		if err != nil {
			return err
		}
		if !now.Before(v.ExpiresAt) {
			return domain.ErrEmailVerificationExpired
		}
		if subtle.ConstantTimeCompare([]byte(v.Code), []byte(code)) != 1 {
			return domain.ErrEmailCodeInvalid
		}
		if err := s.Humans.ConsumeEmailVerification(ctx, tx, v.ID, now); err != nil {
			return err
		}
		human, err = s.Humans.GetByEmail(ctx, tx, email)
		if err != nil {
			return err
		}
		if human.EmailVerifiedAt == nil {
			stamp := now
			human.EmailVerifiedAt = &stamp
		}
		human.UpdatedAt = now
		if err := s.Humans.Update(ctx, tx, human); err != nil {
			return err
		}
		session = domain.HumanSession{
			Token:      domain.NewSecret(),
			HumanID:    human.ID,
			ExpiresAt:  now.Add(SessionTTL),
			LastSeenAt: now,
			CreatedAt:  now,
		}
		if err := s.Humans.InsertSession(ctx, tx, session); err != nil {
			return err
		}
		return s.record(ctx, tx, domain.AuditEvent{
			ActorType:  domain.ActorSystem,
			Action:     "human.email_verified",
			TargetType: "human",
			TargetID:   human.ID,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return human, &session, nil
}

// Authenticate resolves a session token to its human.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.Human, error) {
	if token == "" {
		return nil, domain.ErrSessionInvalid
	}
	var human *domain.Human
	err := store.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		sess, err := s.Humans.GetSession(ctx, tx, token, s.Clock.Now())
		if err != nil {
			return err
		}
		human, err = s.Humans.GetByID(ctx, tx, sess.HumanID)
		return err
	})
	if errors.Is(err, domain.ErrHumanNotFound) {
		return nil, domain.ErrSessionInvalid
	}
	return human, err
}

// Logout ends a session.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.Humans.DeleteSession(ctx, s.DB, token)
}

// GithubIdentity is the account proven by an OAuth exchange.
type GithubIdentity struct {
	ID    string
	Login string
}

// GithubExchanger performs the GitHub OAuth round trip.
type GithubExchanger interface {
	AuthorizeURL(state string) string
	Exchange(ctx context.Context, code string) (GithubIdentity, error)
}

// StartGithubLink issues an OAuth state for the human and returns the URL to
// send them to.
func (s *Service) StartGithubLink(ctx context.Context, humanID string) (string, string, error) {
	if s.Github == nil && !s.DevMode {
		return "", "", domain.NewEngineError(domain.ErrNotConfigured, "GitHub OAuth is not configured")
	}
	now := s.Clock.Now()
	state := domain.NewSecret()
	err := s.Humans.InsertGithubState(ctx, s.DB, domain.GithubLinkState{
		State:     state,
		HumanID:   humanID,
		ExpiresAt: now.Add(GithubStateTTL),
	})
	if err != nil {
		return "", "", err
	}
	if s.Github == nil {
		return strings.TrimRight(s.AppBaseURL, "/") + "/api/v1/humans/auth/github/callback?state=" +
			url.QueryEscape(state) + "&mock_id=dev-" + url.QueryEscape(humanID) + "&mock_login=dev", state, nil
	}
	return s.Github.AuthorizeURL(state), state, nil
}

// CompleteGithubLink consumes an OAuth state, exchanges code and links the
// account. In dev mode without an exchanger the mock identity is used.
func (s *Service) CompleteGithubLink(ctx context.Context, state, code string, mock GithubIdentity) (*domain.Human, error) {
	now := s.Clock.Now()
	// The state is consumed before the exchange.
	var linkState *domain.GithubLinkState
	err := store.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		var err error
		linkState, err = s.Humans.ConsumeGithubState(ctx, tx, state, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	var gh GithubIdentity
	switch {
	case s.Github != nil:
		if gh, err = s.Github.Exchange(ctx, code); err != nil {
			return nil, err
		}
	case s.DevMode && mock.ID != "":
		gh = mock
	default:
		return nil, domain.NewEngineError(domain.ErrNotConfigured, "GitHub OAuth is not configured")
	}

	var human *domain.Human
	err = store.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		now := s.Clock.Now()
		linked, err := s.Humans.GetByGithubID(ctx, tx, gh.ID)
		if err == nil && linked.ID != linkState.HumanID {
			return domain.ErrGithubAlreadyLinked
		}
		if err != nil && !errors.Is(err, domain.ErrHumanNotFound) {
			return err
		}
		human, err = s.Humans.GetByID(ctx, tx, linkState.HumanID)
		if err != nil {
			return err
		}
		stamp := now
		human.GithubID = gh.ID
		human.GithubLogin = gh.Login
		human.GithubVerifiedAt = &stamp
		human.UpdatedAt = now
		if err := s.Humans.Update(ctx, tx, human); err != nil {
			return err
		}
		return s.record(ctx, tx, domain.AuditEvent{
			ActorType:  domain.ActorSystem,
			Action:     "human.github_linked",
			TargetType: "human",
			TargetID:   human.ID,
			Metadata:   map[string]any{"githubLogin": gh.Login},
		})
	})
	if err != nil {
		return nil, err
	}
	return human, nil
}

// OAuthGithub exchanges codes against GitHub's OAuth and user endpoints.
type OAuthGithub struct {
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	AuthorizeEndpoint string
	TokenEndpoint     string
	UserEndpoint      string
	Client            *http.Client
}

// NewOAuthGithub creates an exchanger for the public GitHub endpoints.
func NewOAuthGithub(clientID, clientSecret, redirectURL string) *OAuthGithub {
	return &OAuthGithub{
		ClientID:          clientID,
		ClientSecret:      clientSecret,
		RedirectURL:       redirectURL,
		AuthorizeEndpoint: "https://github.com/login/oauth/authorize",
		TokenEndpoint:     "https://github.com/login/oauth/access_token",
		UserEndpoint:      "https://api.github.com/user",
		Client:            &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthorizeURL implements GithubExchanger.
func (g *OAuthGithub) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", g.ClientID)
	q.Set("redirect_uri", g.RedirectURL)
	q.Set("scope", "read:user")
	q.Set("state", state)
	return g.AuthorizeEndpoint + "?" + q.Encode()
}

// Exchange implements GithubExchanger.
func (g *OAuthGithub) Exchange(ctx context.Context, code string) (GithubIdentity, error) {
	form := url.Values{}
	form.Set("client_id", g.ClientID)
	form.Set("client_secret", g.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", g.RedirectURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return GithubIdentity{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	var tok struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := g.doJSON(req, &tok); err != nil {
		return GithubIdentity{}, err
	}
	if tok.AccessToken == "" {
		return GithubIdentity{}, domain.NewEngineError(domain.ErrGithubStateInvalid, "GitHub rejected the code: "+tok.Error)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, g.UserEndpoint, nil)
	if err != nil {
		return GithubIdentity{}, fmt.Errorf("build user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
	}
	if err := g.doJSON(req, &user); err != nil {
		return GithubIdentity{}, err
	}
	if user.ID == 0 || user.Login == "" {
		return GithubIdentity{}, domain.NewEngineError(domain.ErrBadRequest, "GitHub user response is incomplete")
	}
	return GithubIdentity{ID: strconv.FormatInt(user.ID, 10), Login: user.Login}, nil
}

func (g *OAuthGithub) doJSON(req *http.Request, v any) error {
	resp, err := g.Client.Do(req)
	if err != nil {
		return domain.WrapEngineError(domain.ErrBadRequest, "GitHub request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.WrapEngineError(domain.ErrBadRequest, "read GitHub response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.NewEngineError(domain.ErrBadRequest, fmt.Sprintf("GitHub responded %d", resp.StatusCode))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.WrapEngineError(domain.ErrBadRequest, "decode GitHub response", err)
	}
	return nil
}

func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
