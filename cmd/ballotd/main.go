// Command ballotd runs the binary-authorization voting daemon: it constructs
// the Vote/Recount/Reset engine for an embedding request layer, serves an
// admin surface (health/metrics/debug), drains synthesized rules to the
// external policy API, and exports vote/rule/state analytics to Parquet.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"ballotd/config"
	"ballotd/internal/adminapi"
	"ballotd/internal/analytics"
	"ballotd/internal/bootstrap"
	"ballotd/internal/changeset"
	"ballotd/internal/installer"
	"ballotd/internal/policyapi"
	"ballotd/internal/store"
	"ballotd/internal/taskqueue"
	"ballotd/internal/voting"
	"ballotd/observability/logging"
	"ballotd/observability/tracing"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("ballotd: %v", err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/ballotd.yaml", "path to ballotd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BALLOTD_ENV"))
	logger := logging.Setup("ballotd", env)

	shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{
		ServiceName: "ballotd",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    true,
		Enabled:     strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) != "",
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	thresholds, err := cfg.Thresholds.Resolve()
	if err != nil {
		return fmt.Errorf("resolve thresholds: %w", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unwrap database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime.Duration)
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	entityStore := store.New(db, logger)
	taskStore := store.NewTaskStore(entityStore)

	sink, err := analytics.New(cfg.Analytics.StagePath, logger, analytics.WithBufferSize(cfg.Analytics.BufferSize))
	if err != nil {
		return fmt.Errorf("open analytics sink: %w", err)
	}
	defer func() { _ = sink.Close() }()

	tasks := taskqueue.New(taskStore, logger, nil)

	// BallotBox and the installer subsystem are this daemon's public Go API
	// (Vote/Recount/Reset/SetInstallerPolicy) for an embedding request layer
	// to call directly; no HTTP route exposes them here by design.
	_ = voting.New(entityStore, sink, tasks, thresholds, logger)
	_ = installer.New(entityStore, sink, tasks)

	apiClient := policyapi.New(cfg.Committer.PolicyAPIBaseURL, cfg.Committer.PolicyAPIToken, nil)
	limiter := rate.NewLimiter(rate.Limit(cfg.Committer.RequestsPerSecond), cfg.Committer.Burst)
	_, committerLog := logging.NewCommitterLogger(cfg.Committer.LogPath)
	committer := changeset.New(entityStore, apiClient, tasks, limiter, committerLog, cfg.Committer.HostFreshness.Duration, cfg.Committer.MinSyncPercent)
	committer.Register()

	bootstrapper := bootstrap.New(entityStore, logger)
	manifest, err := bootstrap.LoadManifest(cfg.Bootstrap.ManifestPath)
	if err != nil {
		return fmt.Errorf("load critical-rule manifest: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bootstrapper.Run(ctx, manifest); err != nil {
		return fmt.Errorf("bootstrap critical rules: %w", err)
	}

	go sink.Run(ctx)
	go sink.PeriodicFlush(ctx, cfg.Analytics.FlushInterval.Duration, cfg.Analytics.OutDir, cfg.Analytics.MaxBatch)
	go pollCommitter(ctx, tasks, cfg.Committer.PollInterval.Duration, cfg.Committer.BatchSize)

	adminRouter := adminapi.NewRouter(adminapi.Deps{
		Store:     entityStore,
		Analytics: sink,
		JWTSecret: cfg.Admin.JWTSecret,
		Log:       logger,
	})
	adminServer := &http.Server{
		Addr:         cfg.Admin.ListenAddress,
		Handler:      adminRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("ballotd admin surface listening", "addr", cfg.Admin.ListenAddress)
		errs <- adminServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			_ = adminServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		cancel()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// pollCommitter ticks the change-set queue's drain loop until ctx is
// cancelled, handing each due batch to the registered committer handler.
func pollCommitter(ctx context.Context, tasks *taskqueue.Queue, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tasks.PollOnce(ctx, voting.ChangeSetQueueName, batchSize)
		}
	}
}
