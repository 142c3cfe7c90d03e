// taskfoldd runs the work assignment engine over a document folder
// hierarchy.
//
// Usage:
//
//	taskfoldd serve                        # start the engine
//	taskfoldd serve --config taskfold.yaml # with a config file
//	taskfoldd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/taskfold/taskfold/api"
	"github.com/taskfold/taskfold/assign"
	"github.com/taskfold/taskfold/audit"
	"github.com/taskfold/taskfold/claim"
	"github.com/taskfold/taskfold/config"
	"github.com/taskfold/taskfold/internal/metrics"
	"github.com/taskfold/taskfold/reclaim"
	"github.com/taskfold/taskfold/registry"
	"github.com/taskfold/taskfold/router"
	"github.com/taskfold/taskfold/service"
	"github.com/taskfold/taskfold/vault"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Printf("taskfoldd %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskfoldd - folder-based work assignment engine

Usage:
  taskfoldd serve [--config path]   start the engine
  taskfoldd version                 print version info
  taskfoldd help                    show this help
`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "taskfold.yaml", "path to config file")
	fs.Parse(args)

	manager, err := config.NewManager(*configPath, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := manager.Snapshot()

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("starting taskfoldd",
		zap.String("version", Version),
		zap.String("vault_root", cfg.Vault.Root),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, manager, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("engine failed", zap.Error(err))
	}
	logger.Info("taskfoldd stopped")
}

func run(ctx context.Context, manager *config.Manager, logger *zap.Logger) error {
	cfg := manager.Snapshot()
	layout := cfg.Vault.Layout

	store, err := vault.NewFileStore(cfg.Vault.Root)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer store.Close()
	for _, dir := range layout.BaseDirs() {
		if err := store.EnsureDir(ctx, dir); err != nil {
			return fmt.Errorf("provision %s: %w", dir, err)
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("taskfold", promReg, logger)

	var sink audit.Sink = audit.NopSink{}
	if cfg.Audit.Path != "" {
		fileSink, err := audit.NewFileSink(cfg.Audit.Path, logger)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer fileSink.Close()
		sink = fileSink
	}

	agents := registry.New(store, layout, logger,
		registry.WithLimits(func() registry.Limits {
			snap := manager.Snapshot()
			return registry.Limits{
				MaxConcurrent: snap.Limits.MaxConcurrent,
				PerType:       snap.Limits.PerType,
			}
		}),
	)
	rt := router.New(agents, logger)

	locker, err := buildLocker(cfg, store, layout, logger)
	if err != nil {
		return err
	}

	claims := claim.NewManager(store, layout, locker, logger,
		claim.WithCapacityChecker(agents),
		claim.WithAuditSink(sink),
		claim.WithMetrics(collector),
		claim.WithRetry(func() claim.RetryConfig {
			snap := manager.Snapshot()
			return claim.RetryConfig{
				Attempts: snap.Claim.RetryAttempts,
				Backoff:  snap.Claim.RetryBackoff,
			}
		}),
		claim.WithReclaimLimit(func() int {
			return manager.Snapshot().Claim.ReclaimLimit
		}),
	)

	engine := assign.NewEngine(store, layout, claims, agents, rt, logger,
		assign.WithAuditSink(sink),
		assign.WithMetrics(collector),
		assign.WithPollInterval(cfg.Assign.PollInterval),
		assign.WithScanLimit(cfg.Assign.ScanPerSecond, 1),
		assign.WithBroadcastBuffer(cfg.Assign.BroadcastBuffer),
	)
	if err := engine.Strategies().Use(cfg.Assign.Strategy); err != nil {
		return err
	}
	manager.OnReload(func(_, current *config.Config) {
		if err := engine.Strategies().Use(current.Assign.Strategy); err != nil {
			logger.Warn("keeping previous assignment strategy", zap.Error(err))
		}
	})

	detector := reclaim.NewDetector(store, layout, agents, claims, logger,
		reclaim.WithAuditSink(sink),
		reclaim.WithConfig(func() reclaim.Config {
			snap := manager.Snapshot()
			return reclaim.Config{
				SweepInterval:     snap.Reclaim.SweepInterval,
				DefaultTimeout:    snap.Reclaim.DefaultTimeout,
				TypeTimeouts:      snap.Reclaim.TypeTimeouts,
				HeartbeatInterval: snap.Reclaim.HeartbeatInterval,
				MissedHeartbeats:  snap.Reclaim.MissedHeartbeats,
				LockMaxAge:        snap.Reclaim.LockMaxAge,
			}
		}),
	)

	svc := service.New(agents, engine, claims, logger, service.WithAuditSink(sink))

	apiMux := http.NewServeMux()
	api.NewHandler(svc, engine, logger).Register(apiMux)
	apiConfig := api.DefaultServerConfig()
	apiConfig.Addr = cfg.Server.ListenAddr
	apiConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	apiServer := api.NewServer(apiMux, apiConfig, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsConfig := api.DefaultServerConfig()
	metricsConfig.Addr = cfg.Server.MetricsAddr
	metricsConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	metricsServer := api.NewServer(metricsMux, metricsConfig, logger)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return engine.Run(ctx) })
	group.Go(func() error { return detector.Run(ctx) })
	group.Go(func() error { return apiServer.Run(ctx) })
	group.Go(func() error { return metricsServer.Run(ctx) })
	group.Go(func() error { return manager.Watch(ctx, 10*time.Second) })

	return group.Wait()
}

func buildLocker(cfg *config.Config, store vault.Store, layout vault.Layout, logger *zap.Logger) (claim.Locker, error) {
	switch cfg.Claim.Locker {
	case "redis":
		return claim.NewRedisLocker(claim.RedisLockerConfig{
			Addr:      cfg.Claim.Redis.Addr,
			Password:  cfg.Claim.Redis.Password,
			DB:        cfg.Claim.Redis.DB,
			KeyPrefix: cfg.Claim.Redis.KeyPrefix,
			TTL:       cfg.Claim.Redis.TTL,
		}, logger), nil
	case "file":
		return claim.NewFileLocker(store, layout, logger), nil
	default:
		return nil, fmt.Errorf("unknown locker %q", cfg.Claim.Locker)
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
