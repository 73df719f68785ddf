// Package main is the entry point for the loom workflow daemon.
// It wires the runtime, background workers and admin HTTP server together.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/loom/internal/condition"
	"github.com/pitabwire/loom/internal/config"
	"github.com/pitabwire/loom/internal/definition"
	"github.com/pitabwire/loom/internal/notify"
	"github.com/pitabwire/loom/internal/observability"
	"github.com/pitabwire/loom/internal/outbox"
	"github.com/pitabwire/loom/internal/transport"
	"github.com/pitabwire/loom/internal/worker"
	"github.com/pitabwire/loom/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "loomd",
		Short:         "Run the loom workflow runtime and its background workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loomd %s (%s)\n", version, commit)
		},
	})
	root.AddCommand(newValidateCommand())
	return root
}

// newValidateCommand loads every definition file and compiles its graph
// without starting anything.
func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate DIR...",
		Short: "Parse and compile workflow definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := definition.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}
			store := workflow.NewMemoryStore()
			if _, err := definition.Seed(cmd.Context(), store, defs); err != nil {
				return err
			}
			registry := definition.NewRegistry(store, 0)
			failed := 0
			for _, def := range defs {
				if _, err := registry.Published(cmd.Context(), def.TenantID, def.ID); err != nil && def.IsPublished {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", def.ID, err)
					failed++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d definitions, %d invalid\n", len(defs), failed)
			if failed > 0 {
				return fmt.Errorf("%d invalid definitions", failed)
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// Step 1: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return err
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "loomd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	// Step 2: Open the store and the optional redis connection.
	store, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return err
	}
	defer storeCloser()

	redisClient, err := buildRedis(ctx, cfg)
	if err != nil {
		logger.Error("redis initialization failed", zap.Error(err))
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Step 3: Seed definitions from disk.
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return err
	}
	seeded, err := definition.Seed(ctx, store, defs)
	if err != nil {
		logger.Error("definition seeding failed", zap.Error(err))
		return err
	}
	metrics.SetDefinitionsLoaded(float64(len(defs)))
	definitions := definition.NewRegistry(store, cfg.Runtime.DefinitionTTL)

	// Step 4: Build the runtime.
	locker, err := buildLocker(cfg.Runtime.Lock, redisClient)
	if err != nil {
		logger.Error("lock initialization failed", zap.Error(err))
		return err
	}
	rt := workflow.NewRuntime(store, definitions, buildActions(cfg.Actions, logger),
		workflow.WithEvaluator(condition.NewEngine(cfg.Runtime.ScriptBudget)),
		workflow.WithLocker(locker, cfg.Runtime.Lock.TTL),
		workflow.WithNotifier(notify.NewLog(logger.Named("notify"))),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
		workflow.WithMaxHops(cfg.Runtime.MaxHops),
		workflow.WithConflictRetry(cfg.Runtime.ConflictRetries, cfg.Runtime.ConflictBackoff),
	)

	// Step 5: Start background workers.
	dispatcher, dispatcherCloser, err := buildDispatcher(cfg.Outbox, redisClient, logger)
	if err != nil {
		logger.Error("dispatcher initialization failed", zap.Error(err))
		return err
	}
	defer dispatcherCloser()

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var workers worker.Group
	if w := cfg.Workers.Timer; w.Enabled {
		scanner := workflow.NewTimerScanner(store, rt, w.BatchSize, w.Grace, logger)
		workers.Go(bgCtx, &worker.Loop{Name: "timer", Interval: w.Interval, Cycle: scanner.Scan, Logger: logger, Metrics: metrics})
	}
	if w := cfg.Workers.JoinTimeout; w.Enabled {
		scanner := workflow.NewJoinTimeoutScanner(store, rt, w.BatchSize, logger)
		workers.Go(bgCtx, &worker.Loop{Name: "join_timeout", Interval: w.Interval, Cycle: scanner.Scan, Logger: logger, Metrics: metrics})
	}
	if w := cfg.Workers.Outbox; w.Enabled {
		relay := outbox.NewWorker(store, dispatcher, w.BatchSize, w.MaxRetries, metrics, logger)
		workers.Go(bgCtx, &worker.Loop{Name: "outbox", Interval: w.Interval, Cycle: relay.Process, Logger: logger, Metrics: metrics})
	}

	// Step 6: Start the admin HTTP server.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(defs) > 0 },
		WorkflowStore:     store,
	}
	if redisClient != nil {
		readiness.Redis = observability.HealthCheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Gatherer:  registry,
		Readiness: readiness,
		Instances: rt,
	})
	srv := transport.NewServer(cfg.Admin, router)

	logger.Info("server started",
		zap.Int("port", cfg.Admin.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("definitions", len(defs)),
		zap.Int("seeded", seeded),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Admin.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let in-flight cycles finish before the store closes.
	bgCancel()
	workers.Wait()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}
