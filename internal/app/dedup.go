package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/incidentdedup/internal/cli"
	"horse.fit/incidentdedup/internal/config"
	"horse.fit/incidentdedup/internal/metrics"
	"horse.fit/incidentdedup/internal/pipeline"
)

func runDedup(args []string) int {
	fs := flag.NewFlagSet("dedup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	lookbackDays := fs.Int("lookback-days", -1, "Days of ingested records to load (default DEDUP_LOOKBACK_DAYS, 0 loads everything)")
	limit := fs.Int("limit", 0, "Maximum records per run (default DEDUP_BATCH_LIMIT)")

	cfg, logger, code := bootstrap(fs, envLoader, args, false)
	if code >= 0 {
		return code
	}
	if *limit < 0 {
		fmt.Fprintln(os.Stderr, "--limit must be >= 0")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := connectStore(ctx, cfg, logger, "dedup")
	if err != nil {
		return 1
	}
	defer pool.Close()

	eng, err := newEngine(ctx, cfg, logger, metrics.NewManager())
	if err != nil {
		logger.Error().Err(err).Msg("dedup engine setup failed")
		fmt.Fprintf(os.Stderr, "Dedup setup failed: %v\n", err)
		return 1
	}
	defer eng.Close()

	svc := pipeline.NewService(pool, logger, eng.serviceOptions(cfg)...)
	result, err := svc.DedupWindow(ctx, dedupOptions(cfg, *lookbackDays, *limit, "cli"))
	if err != nil {
		logger.Error().Err(err).Str("run_id", result.RunID).Msg("dedup failed")
		fmt.Fprintf(os.Stderr, "Dedup failed: %v\n", err)
		return 1
	}

	fmt.Println(result.Summary())
	return 0
}

// runDaemon repeats the dedup run on an interval until SIGINT or SIGTERM.
// A failed run is logged and the loop continues.
func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	interval := fs.Duration("interval", 0, "Time between runs (default DEDUP_INTERVAL)")
	runTimeout := fs.Duration("run-timeout", 10*time.Minute, "Timeout for a single run")
	lookbackDays := fs.Int("lookback-days", -1, "Days of ingested records to load (default DEDUP_LOOKBACK_DAYS)")
	limit := fs.Int("limit", 0, "Maximum records per run (default DEDUP_BATCH_LIMIT)")

	cfg, logger, code := bootstrap(fs, envLoader, args, false)
	if code >= 0 {
		return code
	}
	every := cfg.DaemonInterval
	if *interval > 0 {
		every = *interval
	}
	if every < time.Second {
		fmt.Fprintln(os.Stderr, "--interval must be at least 1s")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := connectStore(ctx, cfg, logger, "daemon")
	if err != nil {
		return 1
	}
	defer pool.Close()

	eng, err := newEngine(ctx, cfg, logger, metrics.NewManager())
	if err != nil {
		logger.Error().Err(err).Msg("daemon engine setup failed")
		fmt.Fprintf(os.Stderr, "Daemon setup failed: %v\n", err)
		return 1
	}
	defer eng.Close()

	svc := pipeline.NewService(pool, logger, eng.serviceOptions(cfg)...)
	opts := dedupOptions(cfg, *lookbackDays, *limit, "daemon")

	logger.Info().Dur("interval", every).Msg("dedup daemon started")
	runLoop(ctx, every, logger, func(ctx context.Context) {
		runCtx, cancel := context.WithTimeout(ctx, *runTimeout)
		defer cancel()
		if _, err := svc.DedupWindow(runCtx, opts); err != nil {
			logger.Error().Err(err).Msg("scheduled dedup run failed")
		}
	})
	logger.Info().Msg("dedup daemon stopped")
	return 0
}

// runLoop calls fn immediately and then once per interval until ctx ends.
func runLoop(ctx context.Context, interval time.Duration, logger zerolog.Logger, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug().Msg("dedup daemon tick")
		}
	}
}

func dedupOptions(cfg *config.Config, lookbackDays, limit int, triggeredBy string) pipeline.DedupOptions {
	lookback := cfg.LookbackWindow()
	if lookbackDays >= 0 {
		lookback = time.Duration(lookbackDays) * 24 * time.Hour
	}
	if limit <= 0 {
		limit = cfg.BatchLimit
	}
	return pipeline.DedupOptions{
		Lookback:    lookback,
		Limit:       limit,
		TriggeredBy: triggeredBy,
	}
}
