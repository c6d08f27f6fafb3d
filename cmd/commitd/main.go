// commitd is the daemon that opens the commitment store, serves the
// proof protocol over a Unix-domain socket, and keeps anchor
// confirmations fresh.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commitmentd/internal/anchor"
	"commitmentd/internal/commitmentd"
	"commitmentd/internal/config"
	"commitmentd/internal/health"
	"commitmentd/internal/logging"
	"commitmentd/internal/metrics"
	"commitmentd/internal/proofsvc"
	"commitmentd/internal/ratelimit"
)

var (
	configPath = flag.String("config", "", "path to config file")
	healthAddr = flag.String("health-addr", "", "address to serve /healthz and /readyz on (empty disables)")
)

const version = "0.1.0"

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "commitd: load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "commitd: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&logging.Config{
		Level:     parseLevel(cfg.Logging.Level),
		Format:    logging.FormatJSON,
		Output:    "both",
		FilePath:  cfg.Logging.FilePath,
		Component: "commitd",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "commitd: init logging: %v\n", err)
		os.Exit(1)
	}

	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:  cfg.Logging.AuditPath,
		Component: "commitd",
	})
	if err != nil {
		logger.Error("init audit log", "error", err.Error())
		os.Exit(1)
	}
	defer audit.Close()

	registry := metrics.NewRegistry("commitd", "")
	commitdMetrics := metrics.NewCommitdMetrics(registry)

	store, err := commitmentd.Open(config.DataDir(), cfg, commitmentd.Deps{
		Logger:  logger,
		Audit:   audit,
		Metrics: commitdMetrics,
	})
	if err != nil {
		logger.Error("open store", "error", err.Error())
		os.Exit(1)
	}
	defer store.Close()

	checker := newChecker(cfg, store, registry)
	if *healthAddr != "" {
		checker.SetReady(true)
		go serveHealth(*healthAddr, checker, registry, logger)
	}

	audit.LogStartup(context.Background(), map[string]interface{}{"version": version})
	logger.Info("commitd starting", "version", version, "socket", cfg.ProofSvc.SocketPath)

	limiter := ratelimit.New(cfg.ProofSvc.RateLimitPerPeer, time.Duration(cfg.ProofSvc.RateLimitWindowMs)*time.Millisecond)
	dispatcher := proofsvc.NewDispatcher(store, limiter, cfg.ProofSvc.MaxQueryLimit, proofsvc.DispatcherDeps{
		Logger:  logger,
		Audit:   audit,
		Metrics: commitdMetrics,
	})

	serverCfg := proofsvc.DefaultConfig(cfg.ProofSvc.SocketPath)
	server := proofsvc.NewServer(serverCfg, dispatcher, logger)
	if err := server.Start(); err != nil {
		logger.Error("start proof service", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("proof service listening", "socket", server.SocketPath())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runConfirmationLoop(ctx, store, nil, cfg, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("commitd shutting down")
	audit.LogShutdown(context.Background(), nil)
	if err := server.Stop(); err != nil {
		logger.Error("stop proof service", "error", err.Error())
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// newChecker registers the liveness/readiness components spec §10
// asks for: store reachability, a root can be derived, and the backlog
// of commitments not yet covered by an anchor.
func newChecker(cfg *config.Config, store commitmentd.Store, registry *metrics.Registry) *health.Checker {
	checker := health.NewChecker()

	checker.RegisterFunc("store", true, func(ctx context.Context) health.CheckResult {
		if _, err := store.Count(ctx); err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error(), LastChecked: time.Now()}
		}
		return health.CheckResult{Status: health.StatusHealthy, LastChecked: time.Now()}
	})

	checker.RegisterFunc("root-derivable", true, func(ctx context.Context) health.CheckResult {
		if _, err := store.BuildAnchorPayload(ctx); err != nil {
			if err == anchor.ErrEmptyTree {
				return health.CheckResult{Status: health.StatusHealthy, Message: "tree empty", LastChecked: time.Now()}
			}
			if err != anchor.ErrNoNewCommitments {
				return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error(), LastChecked: time.Now()}
			}
		}
		return health.CheckResult{Status: health.StatusHealthy, LastChecked: time.Now()}
	})

	checker.RegisterFunc("anchor-lag", false, func(ctx context.Context) health.CheckResult {
		n, err := store.GetUnanchoredCount(ctx)
		if err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error(), LastChecked: time.Now()}
		}
		status := health.StatusHealthy
		if n > cfg.ProofSvc.MaxQueryLimit {
			status = health.StatusDegraded
		}
		return health.CheckResult{
			Status:      status,
			Details:     map[string]interface{}{"unanchoredCount": n},
			LastChecked: time.Now(),
		}
	})

	return checker
}

func serveHealth(addr string, checker *health.Checker, registry *metrics.Registry, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	mux.Handle("/health", checker.HealthHandler())
	mux.Handle("/metrics", registry.HTTPHandler())

	logger.Info("health endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("health endpoint stopped", "error", err.Error())
	}
}

// runConfirmationLoop polls every anchor still missing a block height
// and refreshes it (spec §4.4, "Confirmation refresh"). checker is
// the external block-explorer collaborator (spec's explicit
// non-goal); a nil checker means none is configured, and the loop
// idles rather than fabricating confirmations.
func runConfirmationLoop(ctx context.Context, store commitmentd.Store, checker anchor.ConfirmationChecker, cfg *config.Config, logger *logging.Logger) {
	interval := time.Duration(cfg.Anchor.ConfirmationPollSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if checker == nil {
				continue
			}
			refreshAnchors(ctx, store, checker, logger)
		}
	}
}

func refreshAnchors(ctx context.Context, store commitmentd.Store, checker anchor.ConfirmationChecker, logger *logging.Logger) {
	anchors, err := store.ListAnchors(ctx)
	if err != nil {
		logger.Error("list anchors for confirmation refresh", "error", err.Error())
		return
	}

	for _, a := range anchors {
		if a.BlockHeight != nil {
			continue
		}
		confirmed, height, err := checker.CheckConfirmation(ctx, a.Txid)
		if err != nil {
			logger.Error("check confirmation", "txid", a.Txid, "error", err.Error())
			continue
		}
		if !confirmed {
			continue
		}
		h := uint32(height)
		if _, err := store.RefreshAnchor(ctx, a.Txid, true, &h); err != nil {
			logger.Error("refresh anchor", "txid", a.Txid, "error", err.Error())
		}
	}
}
