// Package main provides the entry point for the bot runner.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/narvanalabs/botrunner/internal/analysis"
	"github.com/narvanalabs/botrunner/internal/api"
	"github.com/narvanalabs/botrunner/internal/deploy"
	"github.com/narvanalabs/botrunner/internal/entrypoint"
	"github.com/narvanalabs/botrunner/internal/installer"
	"github.com/narvanalabs/botrunner/internal/logs"
	"github.com/narvanalabs/botrunner/internal/metrics"
	"github.com/narvanalabs/botrunner/internal/ports"
	"github.com/narvanalabs/botrunner/internal/proc"
	"github.com/narvanalabs/botrunner/internal/registry"
	"github.com/narvanalabs/botrunner/internal/secrets"
	"github.com/narvanalabs/botrunner/internal/shutdown"
	"github.com/narvanalabs/botrunner/internal/store"
	"github.com/narvanalabs/botrunner/internal/store/memory"
	pgstore "github.com/narvanalabs/botrunner/internal/store/postgres"
	"github.com/narvanalabs/botrunner/internal/supervisor"
	"github.com/narvanalabs/botrunner/pkg/config"
	"github.com/narvanalabs/botrunner/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	slog.SetDefault(log.Logger)

	ctx := context.Background()

	st, err := openStore(ctx, cfg, log.Logger)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		log.Error("failed to create workspace", "path", cfg.WorkspaceRoot, "error", err)
		os.Exit(1)
	}

	allocator := ports.NewAllocator(
		ports.WithHost(cfg.Ports.Host),
		ports.WithStart(cfg.Ports.Start),
		ports.WithLogger(log.Logger),
	)
	m := metrics.New(allocator.Leased)

	// Journals feed the batcher (persistence) and the broker (live streams).
	batcher := logs.NewBatcher(st.Logs(), cfg.Logs.FlushInterval, cfg.Logs.BatchSize, log.Logger)
	batcher.Start()
	broker := logs.NewBroker(log.Logger)
	persister := deploy.NewPersister(st.Deployments(), log.Logger)

	reg := registry.New(registry.Config{
		Root:        cfg.WorkspaceRoot,
		MaxLogLines: cfg.Logs.MaxLines,
		OnChange:    persister.Save,
		Observers:   []logs.Observer{batcher.Observe, broker.Publish},
	})

	runner := proc.NewOSRunner()
	sup := supervisor.New(runner, allocator, entrypoint.NewResolver(), supervisor.Config{
		StartGrace:    cfg.Supervisor.StartGrace,
		TrialDelay:    cfg.Supervisor.TrialDelay,
		StopGrace:     cfg.Supervisor.StopGrace,
		RestartSettle: cfg.Supervisor.RestartSettle,
		AutoRestart: supervisor.AutoRestart{
			Enabled:     cfg.Supervisor.AutoRestart,
			MaxAttempts: cfg.Supervisor.MaxRestarts,
			Backoff:     cfg.Supervisor.RestartBackoff,
			Factor:      cfg.Supervisor.BackoffFactor,
			StableAfter: cfg.Supervisor.StableAfter,
		},
		Logger:  log.Logger,
		Metrics: m,
	})
	inst := installer.New(runner, installer.Config{
		StepTimeout: cfg.Installer.StepTimeout,
		Logger:      log.Logger,
		Metrics:     m,
	})

	svc := deploy.New(deploy.Config{
		MaxArchiveSize:   cfg.Limits.MaxArchiveSize,
		MaxFileSize:      cfg.Limits.MaxFileSize,
		SnapshotLogLines: cfg.Logs.SnapshotLines,
		Logger:           log.Logger,
		Metrics:          m,
	}, deploy.Deps{
		Registry:   reg,
		Supervisor: sup,
		Installer:  inst,
		Analyzer:   analysis.NewAnalyzer(log.Logger),
		Store:      st,
		Persister:  persister,
		Batcher:    batcher,
		Broker:     broker,
	})

	recoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if _, err := svc.Recover(recoverCtx); err != nil {
		log.Warn("failed to recover deployments", "error", err)
	}
	cancel()

	server := api.NewServer(cfg, api.Deps{
		Service: svc,
		Broker:  broker,
		Store:   st,
		Metrics: m,
		Logger:  log.Logger,
	})

	// Components stop in reverse order: HTTP first, then live streams, the
	// service, the batcher and finally the store.
	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.Server.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("store", st))
	coordinator.Register(batcher)
	coordinator.Register(svc)
	coordinator.Register(shutdown.NewFuncComponent("log-streams", func(ctx context.Context) error {
		broker.CloseAll()
		return nil
	}))
	coordinator.Register(shutdown.NewHTTPServerComponent("http-server", server.HTTPServer()))

	go func() {
		if err := server.Start(ctx); err != nil {
			log.Error("server error", "error", err)
			coordinator.Shutdown()
		}
	}()

	coordinator.WaitForSignal()
	log.Info("bot runner stopped", "exit_code", coordinator.ExitCode())
	os.Exit(coordinator.ExitCode())
}

// openStore selects Postgres when a DSN is configured and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.DatabaseDSN == "" {
		log.Warn("no database configured, deployment state will not survive restarts")
		return memory.New(), nil
	}

	sealer, err := secrets.NewSealer(secrets.Config{
		AgePublicKey:  cfg.Secrets.AgeRecipient,
		AgePrivateKey: cfg.Secrets.AgeIdentity,
	}, log)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return pgstore.NewPostgresStore(connectCtx, pgstore.DefaultConfig(cfg.DatabaseDSN), sealer, log)
}
