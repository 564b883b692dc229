// Package main is the entry point for the certflow server. It wires all
// dependencies together and starts the HTTP server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openattest/certflow/internal/config"
	"github.com/openattest/certflow/internal/definition"
	"github.com/openattest/certflow/internal/idempotency"
	"github.com/openattest/certflow/internal/lock"
	"github.com/openattest/certflow/internal/metadata"
	"github.com/openattest/certflow/internal/observability"
	"github.com/openattest/certflow/internal/transport"
	"github.com/openattest/certflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "certflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load workflow definitions and build registry.
	defs, err := definition.LoadFile(cfg.Definitions.File)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	// Step 5: Initialize instance and audit stores.
	instStore, auditStore, storeCloser, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Initialize the per-instance transition lock and the
	// idempotency replay store. Both share the lock driver choice.
	locker, replays, lockCloser, err := buildLocker(ctx, cfg.Lock, logger)
	if err != nil {
		logger.Error("lock initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Build the transition engine and status provider.
	engine := workflow.NewEngine(registry, instStore, auditStore, logger, metrics)
	statuses := metadata.NewStatusProvider()

	// Step 8: Build HTTP router.
	authenticator, err := transport.NewJWTAuthenticator(cfg.Identity)
	if err != nil {
		logger.Error("authenticator initialization failed", zap.Error(err))
		return 1
	}

	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
	}
	if hc, ok := instStore.(observability.HealthChecker); ok {
		readinessChecks.InstanceStore = hc
	}
	if hc, ok := locker.(observability.HealthChecker); ok {
		readinessChecks.LockStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticator:  authenticator,
		Engine:         engine,
		InstanceStore:  instStore,
		Locker:         locker,
		Idempotency:    replays,
		StatusProvider: statuses,
		Metrics:        metrics,
		Readiness:      readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	// Step 9: Start the SLA expiry sweep.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runExpirySweep(bgCtx, engine, cfg.SLA.CheckInterval.Std(), logger)

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout.Std()
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks.
	bgCancel()

	// Close stores and lock clients.
	if storeCloser != nil {
		storeCloser()
	}
	if lockCloser != nil {
		lockCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores creates the instance and audit stores based on config.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.InstanceStore, workflow.AuditStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		return workflow.NewMemoryInstanceStore(), workflow.NewMemoryAuditStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime.Std()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		return workflow.NewPgInstanceStore(pool), workflow.NewPgAuditStore(pool), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildLocker creates the per-instance locker and the idempotency replay
// store based on config. With the redis driver both share one client.
func buildLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (lock.Locker, idempotency.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-process transition lock")
		return lock.NewMemoryLocker(), idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("lock: %s environment variable not set", cfg.AddrEnv)
		}

		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("lock: redis ping: %w", err)
		}

		closer := func() { _ = client.Close() }
		return lock.NewRedisLocker(client, cfg.TTL.Std()), idempotency.NewRedisStore(client), closer, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported lock driver: %q", cfg.Driver)
	}
}

// runExpirySweep periodically expires instances past their SLA deadline.
func runExpirySweep(ctx context.Context, engine *workflow.Engine, interval time.Duration, logger *zap.Logger) {
	if interval == 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.ProcessExpired(ctx); err != nil {
				logger.Error("sla expiry sweep failed", zap.Error(err))
			}
		}
	}
}
