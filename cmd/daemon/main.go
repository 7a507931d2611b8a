// SPDX-License-Identifier: MIT
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

	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/audit"
	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/extract"
	"github.com/medvault/medvault/internal/health"
	"github.com/medvault/medvault/internal/ingest"
	"github.com/medvault/medvault/internal/keyring"
	mvlog "github.com/medvault/medvault/internal/log"
	"github.com/medvault/medvault/internal/persist"
	"github.com/medvault/medvault/internal/pipeline/store"
	"github.com/medvault/medvault/internal/pipeline/worker"
	"github.com/medvault/medvault/internal/retention"
	"github.com/medvault/medvault/internal/sched"
	"github.com/medvault/medvault/internal/telemetry"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	mvlog.Configure(mvlog.Config{
		Level:   cfg.LogLevel,
		Service: "medvault",
	})
	logger := mvlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "startup.check_failed").Msg("pre-flight checks failed")
	}

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTLPEndpoint != "",
		ServiceName:    "medvault",
		ServiceVersion: version,
		Environment:    os.Getenv("MEDVAULT_ENV"),
		ExporterType:   cfg.OTLPProtocol,
		Endpoint:       cfg.OTLPEndpoint,
		SamplingRate:   cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	st, err := store.Open(store.Options{
		Backend:   cfg.StoreBackend,
		Path:      cfg.BadgerDir(),
		RedisAddr: cfg.RedisAddr,
		RedisPass: cfg.RedisPassword,
		RedisDB:   cfg.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer func() { _ = st.Close() }()

	auditLog, err := audit.Open(cfg.AuditDir)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer func() { _ = auditLog.Close() }()

	keys, err := keyring.New(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("keyring: %w", err)
	}

	records, err := persist.OpenSQLite(cfg.RecordDBPath())
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	defer func() { _ = records.Close() }()

	clock := retention.RealClock()
	enforcer := &retention.Enforcer{
		Store: st,
		Audit: auditLog,
		Clock: clock,
		Owner: "daemon",
	}

	engine := extract.NewTesseract(cfg.OCRLanguages, cfg.OCRTimeout)

	orch := &worker.Orchestrator{
		Store:        st,
		Audit:        auditLog,
		Clock:        clock,
		Enforcer:     enforcer,
		Extractor:    engine,
		Keys:         keys,
		Records:      records,
		Workers:      cfg.Workers,
		QueueDepth:   cfg.QueueDepth,
		StageRetries: cfg.StageRetries,
		RetryBackoff: cfg.RetryBackoff,
	}
	orch.Start(ctx)

	ingester := &ingest.Ingester{
		Store:           st,
		Audit:           auditLog,
		Clock:           clock,
		SpoolDir:        cfg.SpoolDir,
		RetentionWindow: cfg.RetentionWindow,
		MaxBytes:        cfg.MaxUploadBytes,
		Limits:          ingest.NewOwnerLimits(cfg.UploadRate, cfg.UploadBurst),
		Enqueue:         orch.Enqueue,
		Source:          "intake",
	}

	scheduler := &sched.Scheduler{
		Store:          st,
		Audit:          auditLog,
		Enforcer:       enforcer,
		Clock:          clock,
		SweepInterval:  cfg.SweepInterval,
		VerifyInterval: cfg.VerifyInterval,
		VerifyGrace:    cfg.VerifyGrace,
		PruneInterval:  cfg.AuditPruneInterval,
		AuditRetention: cfg.AuditRetention,
		HealthInterval: cfg.HealthInterval,
		StuckThreshold: cfg.StuckThreshold,
		ErrorRateMax:   cfg.ErrorRateMax,
	}
	schedDone := make(chan error, 1)
	go func() { schedDone <- scheduler.Run(ctx) }()

	watcherDone := make(chan error, 1)
	if cfg.IntakeEnabled {
		watcher := &ingest.Watcher{Ingester: ingester, IntakeDir: cfg.IntakeDir()}
		go func() { watcherDone <- watcher.Run(ctx) }()
	} else {
		close(watcherDone)
	}

	hm := newHealthManager(cfg, st, auditLog, records)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(hm, orch),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvDone := make(chan error, 1)
	go func() {
		logger.Info().Str("event", "http.listen").Str("addr", cfg.ListenAddr).Msg("ops server listening")
		srvDone <- srv.ListenAndServe()
	}()

	// A signal cancels ctx, which also makes scheduler.Run return
	// ctx.Err(); whichever arrives first, a canceled scheduler still
	// means orderly shutdown and the drain below must run.
	schedExited := false
	select {
	case <-ctx.Done():
	case err := <-srvDone:
		return fmt.Errorf("http server: %w", err)
	case err := <-schedDone:
		schedExited = true
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	logger.Info().Str("event", "daemon.draining").Msg("shutting down, forcing cleanup of in-flight sessions")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown failed")
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Str("event", "daemon.drain_failed").Msg("drain left sessions behind")
		return err
	}
	if err := <-watcherDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("intake watcher exited with error")
	}
	if !schedExited {
		if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("scheduler exited with error")
		}
	}
	return nil
}
