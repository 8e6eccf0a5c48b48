package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/russellbrenner/chatpulse/internal/archive"
	"github.com/russellbrenner/chatpulse/internal/config"
	"github.com/russellbrenner/chatpulse/internal/ingest"
	"github.com/russellbrenner/chatpulse/internal/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	statsMode := flag.Bool("stats", false, "Print archive analytics as JSON and exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("service", cfg.Service.Name).
		Str("source", cfg.Source.Path).
		Str("postgres", fmt.Sprintf("%s:%d/%s", cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Database)).
		Msg("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *statsMode {
		if err := printStats(ctx, cfg); err != nil {
			log.Fatal().Err(err).Msg("stats failed")
		}
		return
	}

	if cfg.Ingest.IntervalSeconds == 0 {
		// One-shot: an external scheduler owns the cadence.
		if err := runOnce(ctx, cfg); err != nil {
			log.Fatal().Err(err).Msg("run failed")
		}
		return
	}

	runForever(ctx, cfg)
}

func runOnce(ctx context.Context, cfg *config.Config) error {
	started := time.Now()
	summary, err := ingest.Run(ctx, cfg.Source.Path, cfg.ConnectionString())
	observeOutcome(summary, err, time.Since(started))
	return err
}

// runForever polls the snapshot on a fixed interval, reusing one archive
// pool across runs. The shutdown signal is honored between runs only; the
// poller gives an in-flight run an uncancelled context so its transaction
// commits or rolls back on its own terms, and the grace period bounds how
// long that can take before a forced exit.
func runForever(ctx context.Context, cfg *config.Config) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	pool, err := archive.Connect(ctx, cfg.ConnectionString())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reach archive")
	}
	defer pool.Close()
	if err := archive.InitSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	go metrics.NewServer(cfg.Service.Name, pool).Serve(serverCtx, cfg.Service.HealthPort)

	interval := time.Duration(cfg.Ingest.IntervalSeconds) * time.Second
	poller := ingest.NewPoller(interval, func(runCtx context.Context) {
		started := time.Now()
		summary, err := ingest.RunWithPool(runCtx, cfg.Source.Path, pool)
		observeOutcome(summary, err, time.Since(started))
		if err != nil {
			logRunError(err)
		}
	})
	poller.Start(ctx)

	<-sigChan
	log.Info().Msg("shutdown signal received")

	grace := time.Duration(cfg.Ingest.ShutdownGraceSeconds) * time.Second
	if poller.Stop(grace) {
		log.Info().Msg("shutdown complete")
		return
	}
	log.Warn().Dur("grace", grace).Msg("grace period expired, forcing exit")
	os.Exit(1)
}

func observeOutcome(summary *ingest.RunSummary, err error, elapsed time.Duration) {
	if summary == nil {
		metrics.ObserveRun("failed", elapsed, 0, 0, time.Time{})
		return
	}
	outcome := "completed"
	watermarkAt := time.Time{}
	if err != nil {
		outcome = "failed"
	}
	if summary.Watermark != nil {
		watermarkAt = summary.Watermark.LastMessageAt
	}
	metrics.ObserveRun(outcome, elapsed, summary.MessagesIngested, summary.ContactsUpserted, watermarkAt)
	if err == nil {
		log.Info().
			Str("run_id", summary.RunID.String()).
			Int("messages_read", summary.MessagesRead).
			Int("messages_ingested", summary.MessagesIngested).
			Dur("elapsed", elapsed).
			Msg("run complete")
	}
}

// logRunError distinguishes retryable failures from ones that will repeat
// identically; in interval mode only config errors abort the process.
func logRunError(err error) {
	var cfgErr *ingest.ConfigError
	if errors.As(err, &cfgErr) {
		log.Fatal().Err(err).Msg("configuration error, not retrying")
	}
	var integrityErr *ingest.IntegrityError
	if errors.As(err, &integrityErr) {
		log.Error().Err(err).Msg("snapshot integrity violation, waiting for a fresh snapshot")
		return
	}
	log.Error().Err(err).Msg("run failed, will retry on next interval")
}

func printStats(ctx context.Context, cfg *config.Config) error {
	pool, err := archive.Connect(ctx, cfg.ConnectionString())
	if err != nil {
		return err
	}
	defer pool.Close()

	report, err := archive.NewStats(pool).BuildReport(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
