// Package main is the entry point for the ClawReview trust engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/clawreview/trust-engine/internal/clock"
	"github.com/clawreview/trust-engine/internal/config"
	"github.com/clawreview/trust-engine/internal/guard"
	"github.com/clawreview/trust-engine/internal/identity"
	"github.com/clawreview/trust-engine/internal/intake"
	"github.com/clawreview/trust-engine/internal/ipc"
	"github.com/clawreview/trust-engine/internal/maintenance"
	"github.com/clawreview/trust-engine/internal/manifest"
	"github.com/clawreview/trust-engine/internal/store"
	"github.com/clawreview/trust-engine/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration JSON file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("clawreview %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	logger := log.New(os.Stderr, "clawreview ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	clk := clock.Real{}
	g := guard.NewGuard(clk)

	fetcher := manifest.NewFetcher(cfg.ManifestTimeout(), cfg.ManifestMaxRedirects, cfg.AllowUnsignedDev)
	ids := identity.NewService(db, clk, logger, fetcher)
	ids.AppBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	ids.DevMode = cfg.AllowUnsignedDev
	if cfg.GithubEnabled() {
		ids.Github = identity.NewOAuthGithub(cfg.GithubClientID, cfg.GithubClientSecret,
			ids.AppBaseURL+"/api/v1/humans/auth/github/callback")
	}

	engine := workflow.NewEngine(db, clk, logger, cfg.ReviewCap)
	reviews := intake.NewService(clk, logger, engine, g)
	runner := maintenance.NewRunner(db, logger, engine, ids, g)

	handler := &ipc.Handler{
		DB:               db,
		Clock:            clk,
		Logger:           logger,
		Identity:         ids,
		Workflow:         engine,
		Intake:           reviews,
		Guard:            g,
		Jobs:             runner,
		Agents:           &store.AgentRepo{},
		Snapshots:        &store.ManifestRepo{},
		Audit:            &store.AuditRepo{},
		OperatorToken:    cfg.OperatorToken,
		JobToken:         cfg.InternalJobToken,
		AllowUnsignedDev: cfg.AllowUnsignedDev,
		MaxSkew:          cfg.MaxSkew(),
	}
	if cfg.OperatorToken == "" {
		logger.Printf("operator token not set; operator endpoints are disabled")
	}
	if cfg.AllowUnsignedDev {
		logger.Printf("WARNING: unsigned dev writes are enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var scheduler *maintenance.Scheduler
	if interval := cfg.MaintenanceInterval(); interval > 0 {
		scheduler = maintenance.NewScheduler(runner, interval)
		scheduler.StartMonitoring(ctx)
	}

	srv := ipc.NewServer(handler, cfg.ListenAddr)

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Println("shutting down...")

		if scheduler != nil {
			scheduler.StopMonitoring()
		}
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("server shutdown: %v", err)
		}
	}()

	logger.Printf("trust engine %s listening on %s", version, ipc.FormatListenURL(cfg.ListenAddr))

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server error: %v", err)
	}
}

// loadConfig resolves the config source: --config flag, CLAWREVIEW_CONFIG,
// config.json next to the executable, config.json in the cwd, and finally the
// environment alone.
func loadConfig(flagPath string) (*config.Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("CLAWREVIEW_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

// discoverConfig looks for config.json next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return ""
}
