package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

// Config holds the engine's runtime configuration.
type Config struct {
	DBPath                  string `json:"db_path"`
	ListenAddr              string `json:"listen_addr"`
	PublicBaseURL           string `json:"public_base_url"`
	OperatorToken           string `json:"operator_token"`
	InternalJobToken        string `json:"internal_job_token"`
	AllowUnsignedDev        bool   `json:"allow_unsigned_dev"`
	SignatureMaxSkewMs      int64  `json:"signature_max_skew_ms"`
	ManifestFetchTimeoutSec int    `json:"manifest_fetch_timeout_sec"`
	ManifestMaxRedirects    int    `json:"manifest_max_redirects"`
	MaintenanceIntervalSec  int    `json:"maintenance_interval_sec"`
	GithubClientID          string `json:"github_client_id"`
	GithubClientSecret      string `json:"github_client_secret"`
	ReviewCap               int    `json:"review_cap"`
}

// Load reads a JSON config file, applies defaults and environment overrides,
// and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}
	return finish(&cfg, os.Getenv)
}

// FromEnv builds a configuration from the environment alone.
func FromEnv() (*Config, error) {
	return finish(&Config{}, os.Getenv)
}

func finish(cfg *Config, getenv func(string) string) (*Config, error) {
	cfg.applyDefaults()
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "clawreview.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = "http://localhost:8080"
	}
	if c.SignatureMaxSkewMs == 0 {
		c.SignatureMaxSkewMs = 300000
	}
	if c.ManifestFetchTimeoutSec == 0 {
		c.ManifestFetchTimeoutSec = 8
	}
	if c.ManifestMaxRedirects == 0 {
		c.ManifestMaxRedirects = 3
	}
	if c.ReviewCap == 0 {
		c.ReviewCap = 10
	}
}

// applyEnv overrides file values with set environment variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&c.DBPath, "CLAWREVIEW_DB_PATH")
	setString(&c.ListenAddr, "CLAWREVIEW_LISTEN_ADDR")
	setString(&c.PublicBaseURL, "APP_BASE_URL")
	setString(&c.OperatorToken, "OPERATOR_TOKEN")
	setString(&c.InternalJobToken, "INTERNAL_JOB_TOKEN", "CRON_SECRET")
	setString(&c.GithubClientID, "GITHUB_CLIENT_ID")
	setString(&c.GithubClientSecret, "GITHUB_CLIENT_SECRET")

	var problems []string
	if v := strings.TrimSpace(getenv("ALLOW_UNSIGNED_DEV")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			problems = append(problems, "ALLOW_UNSIGNED_DEV must be a boolean")
		}
		c.AllowUnsignedDev = b
	}
	if v := strings.TrimSpace(getenv("SIGNATURE_MAX_SKEW_MS")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			problems = append(problems, "SIGNATURE_MAX_SKEW_MS must be an integer")
		}
		c.SignatureMaxSkewMs = n
	}
	if len(problems) > 0 {
		return configError(problems)
	}
	return nil
}

func (c *Config) validate() error {
	var problems []string

	if c.ListenAddr == "" {
		problems = append(problems, "listen_addr is required")
	}
	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.SignatureMaxSkewMs <= 0 {
		problems = append(problems, "signature_max_skew_ms must be positive")
	}
	if c.ReviewCap < 1 {
		problems = append(problems, "review_cap must be at least 1")
	}
	if c.ManifestFetchTimeoutSec < 0 {
		problems = append(problems, "manifest_fetch_timeout_sec must not be negative")
	}
	if c.ManifestMaxRedirects < 0 {
		problems = append(problems, "manifest_max_redirects must not be negative")
	}
	if c.MaintenanceIntervalSec < 0 {
		problems = append(problems, "maintenance_interval_sec must not be negative")
	}
	if (c.GithubClientID == "") != (c.GithubClientSecret == "") {
		problems = append(problems, "github_client_id and github_client_secret must be set together")
	}

	if len(problems) > 0 {
		return configError(problems)
	}
	return nil
}

func configError(problems []string) error {
	return domain.NewEngineError(domain.ErrConfigInvalid,
		fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems))
}

// MaxSkew is the accepted signature clock skew.
func (c *Config) MaxSkew() time.Duration {
	return time.Duration(c.SignatureMaxSkewMs) * time.Millisecond
}

// ManifestTimeout bounds one skill.md fetch.
func (c *Config) ManifestTimeout() time.Duration {
	return time.Duration(c.ManifestFetchTimeoutSec) * time.Second
}

// MaintenanceInterval is the scheduler period. Zero disables the scheduler.
func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSec) * time.Second
}

// GithubEnabled reports whether GitHub OAuth credentials are configured.
func (c *Config) GithubEnabled() bool {
	return c.GithubClientID != "" && c.GithubClientSecret != ""
}
