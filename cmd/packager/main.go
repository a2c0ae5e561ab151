package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/solution-packager/internal/adapters/docker"
	"github.com/manthysbr/solution-packager/internal/adapters/localexec"
	"github.com/manthysbr/solution-packager/internal/adapters/metrics"
	"github.com/manthysbr/solution-packager/internal/adapters/toolset"
	"github.com/manthysbr/solution-packager/internal/config"
	"github.com/manthysbr/solution-packager/internal/core/ports"
	"github.com/manthysbr/solution-packager/internal/core/services"
	"github.com/manthysbr/solution-packager/pkg/api"
)

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("failed to read .env", "error", err)
	}

	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	logger.Info("starting solution packager", "addr", cfg.Server.Addr, "runner", cfg.Tool.Runner)

	if err := run(logger, cfg); err != nil {
		logger.Error("packager stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	prom := metrics.NewProm("packager")

	workspaces, err := services.NewWorkspaceManager(cfg.Jobs.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("failed to init workspace manager: %w", err)
	}
	credentials, err := services.NewCredentialManager()
	if err != nil {
		return fmt.Errorf("failed to init credential manager: %w", err)
	}

	resolver, err := toolset.NewResolver(toolset.Config{
		Dir:               cfg.Tool.Dir,
		Interpreter:       cfg.Tool.Interpreter,
		Script:            cfg.Tool.Script,
		WorkDir:           cfg.Tool.WorkDir,
		LinkIntoWorkspace: cfg.Tool.LinkIntoWorkspace,
	})
	if err != nil {
		return fmt.Errorf("failed to init toolset: %w", err)
	}
	if _, err := os.Stat(resolver.ScriptPath()); err != nil {
		// Jobs fail individually until the toolset shows up.
		logger.Warn("packaging script not found", "script", resolver.ScriptPath(), "error", err)
	} else {
		logger.Info("packaging toolset", "command", resolver.Describe())
	}

	runner, closeRunner, err := newToolRunner(logger, cfg.Tool)
	if err != nil {
		return err
	}
	defer closeRunner()

	registry := services.NewJobRegistry(logger)
	scheduler := services.NewJobScheduler(logger, services.SchedulerConfig{MaxQueuedJobs: cfg.Jobs.MaxQueued})
	eventBus := services.NewEventBus(logger)
	validator := services.NewArchiveValidator(services.ArchiveLimits{
		MaxEntries:           cfg.Limits.MaxEntries,
		MaxUncompressedBytes: cfg.Limits.MaxUncompressedBytes,
	})

	lifecycle := services.NewPackagingLifecycle(logger, services.PackagingConfig{
		ToolTimeout:   cfg.Tool.Timeout,
		ConsumeResult: cfg.Jobs.ConsumeResult,
		PassEnv:       cfg.Tool.PassEnv,
	}, scheduler, registry, workspaces, credentials, validator, runner, resolver, eventBus, prom)

	sweeper := services.NewExpirySweeper(logger, registry, prom, services.SweeperConfig{
		TTL:      cfg.Jobs.TTL,
		Interval: cfg.Jobs.SweepInterval,
	})

	apiServer := api.NewServer(logger, lifecycle, prom, prom.Handler(), cfg.Limits.MaxUploadBytes).
		WithAllowedOrigins(cfg.Server.AllowedOrigins)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Packaging worker
	g.Go(func() error {
		return lifecycle.Run(gCtx)
	})

	// 2. Expiry sweeper
	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	// 3. API server
	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 4. Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	lifecycle.Shutdown()
	return err
}

func newToolRunner(logger *slog.Logger, cfg config.ToolConfig) (ports.ToolRunner, func(), error) {
	switch cfg.Runner {
	case "docker":
		r, err := docker.NewRunner(logger, docker.Config{
			Image:       cfg.Docker.Image,
			MemoryBytes: cfg.Docker.MemoryBytes,
			NanoCPUs:    cfg.Docker.NanoCPUs,
			PidsLimit:   cfg.Docker.PidsLimit,
			OutputLimit: cfg.OutputLimit,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init docker runner: %w", err)
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return localexec.NewRunner(logger, cfg.OutputLimit), func() {}, nil
	}
}
