package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawreview/trust-engine/internal/domain"
)

var envKeys = []string{
	"CLAWREVIEW_DB_PATH", "CLAWREVIEW_LISTEN_ADDR", "APP_BASE_URL", "OPERATOR_TOKEN",
	"INTERNAL_JOB_TOKEN", "CRON_SECRET", "ALLOW_UNSIGNED_DEV", "SIGNATURE_MAX_SKEW_MS",
	"GITHUB_CLIENT_ID", "GITHUB_CLIENT_SECRET",
}

// clearEnv blanks every variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func expectConfigInvalid(t *testing.T, err error, fragment string) {
	t.Helper()
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
	if !strings.Contains(err.Error(), fragment) {
		t.Errorf("error %q does not mention %q", err, fragment)
	}
}

func TestLoad_Valid(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), `{
		"db_path": "/var/lib/clawreview/reviews.db",
		"listen_addr": "127.0.0.1:9100",
		"operator_token": "op",
		"review_cap": 12
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/clawreview/reviews.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.ListenAddr != "127.0.0.1:9100" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.ReviewCap != 12 {
		t.Errorf("ReviewCap = %d, want 12", cfg.ReviewCap)
	}
	if cfg.OperatorToken != "op" {
		t.Errorf("OperatorToken = %q", cfg.OperatorToken)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, t.TempDir(), `{}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "clawreview.db" {
		t.Errorf("DBPath = %q, want clawreview.db", cfg.DBPath)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.PublicBaseURL != "http://localhost:8080" {
		t.Errorf("PublicBaseURL = %q", cfg.PublicBaseURL)
	}
	if cfg.MaxSkew() != 5*time.Minute {
		t.Errorf("MaxSkew = %v, want 5m", cfg.MaxSkew())
	}
	if cfg.ManifestTimeout() != 8*time.Second || cfg.ManifestMaxRedirects != 3 {
		t.Errorf("manifest fetch = %v / %d", cfg.ManifestTimeout(), cfg.ManifestMaxRedirects)
	}
	if cfg.ReviewCap != 10 {
		t.Errorf("ReviewCap = %d, want 10", cfg.ReviewCap)
	}
	if cfg.MaintenanceInterval() != 0 {
		t.Errorf("MaintenanceInterval = %v, want disabled", cfg.MaintenanceInterval())
	}
	if cfg.GithubEnabled() {
		t.Error("GitHub should be disabled without credentials")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	if _, err := Load(writeConfig(t, t.TempDir(), `{not valid json}`)); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		fragment string
	}{
		{"negative skew", `{"signature_max_skew_ms": -1}`, "signature_max_skew_ms"},
		{"negative cap", `{"review_cap": -3}`, "review_cap"},
		{"negative redirects", `{"manifest_max_redirects": -1}`, "manifest_max_redirects"},
		{"negative interval", `{"maintenance_interval_sec": -60}`, "maintenance_interval_sec"},
		{"half github", `{"github_client_id": "abc"}`, "github_client_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, t.TempDir(), tt.json))
			expectConfigInvalid(t, err, tt.fragment)
		})
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := &Config{ListenAddr: "", DBPath: "x", SignatureMaxSkewMs: -1, ReviewCap: 0}
	err := cfg.validate()
	expectConfigInvalid(t, err, "listen_addr")
	for _, want := range []string{"signature_max_skew_ms", "review_cap"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg, err := finish(&Config{OperatorToken: "from-file"}, envFrom(map[string]string{
		"CLAWREVIEW_DB_PATH":    "/data/env.db",
		"OPERATOR_TOKEN":        "from-env",
		"CRON_SECRET":           "cron",
		"ALLOW_UNSIGNED_DEV":    "true",
		"SIGNATURE_MAX_SKEW_MS": "60000",
		"GITHUB_CLIENT_ID":      "id",
		"GITHUB_CLIENT_SECRET":  "secret",
	}))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if cfg.DBPath != "/data/env.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.OperatorToken != "from-env" {
		t.Errorf("OperatorToken = %q, want env override", cfg.OperatorToken)
	}
	if cfg.InternalJobToken != "cron" {
		t.Errorf("InternalJobToken = %q, want CRON_SECRET fallback", cfg.InternalJobToken)
	}
	if !cfg.AllowUnsignedDev {
		t.Error("AllowUnsignedDev not applied")
	}
	if cfg.MaxSkew() != time.Minute {
		t.Errorf("MaxSkew = %v, want 1m", cfg.MaxSkew())
	}
	if !cfg.GithubEnabled() {
		t.Error("GitHub credentials not applied")
	}
}

func TestApplyEnv_JobTokenPrecedence(t *testing.T) {
	cfg, err := finish(&Config{}, envFrom(map[string]string{
		"INTERNAL_JOB_TOKEN": "primary",
		"CRON_SECRET":        "fallback",
	}))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if cfg.InternalJobToken != "primary" {
		t.Errorf("InternalJobToken = %q, want primary", cfg.InternalJobToken)
	}
}

func TestApplyEnv_Malformed(t *testing.T) {
	_, err := finish(&Config{}, envFrom(map[string]string{
		"ALLOW_UNSIGNED_DEV":    "maybe",
		"SIGNATURE_MAX_SKEW_MS": "soon",
	}))
	expectConfigInvalid(t, err, "ALLOW_UNSIGNED_DEV")
	if !strings.Contains(err.Error(), "SIGNATURE_MAX_SKEW_MS") {
		t.Errorf("error %q does not mention SIGNATURE_MAX_SKEW_MS", err)
	}
}

func TestFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CLAWREVIEW_LISTEN_ADDR", ":9900")
	t.Setenv("OPERATOR_TOKEN", "op")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.ListenAddr != ":9900" || cfg.OperatorToken != "op" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.DBPath != "clawreview.db" {
		t.Errorf("DBPath = %q, want default", cfg.DBPath)
	}
}
