package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/incidentdedup/internal/cli"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	timeout := fs.Duration("timeout", 5*time.Second, "Database ping timeout")

	cfg, logger, code := bootstrap(fs, envLoader, args, false)
	if code >= 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := connectStore(ctx, cfg, logger, "health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		if cache := connectCache(ctx, cfg, logger); cache != nil {
			_ = cache.Close()
			fmt.Println("ok: arbiter cache reachable")
		} else {
			fmt.Println("warn: arbiter cache unreachable")
		}
	}

	stats := pool.Stats()
	logger.Info().
		Dur("timeout", *timeout).
		Int("open_conns", stats.Open).
		Int("in_use_conns", stats.InUse).
		Msg("database health check passed")
	fmt.Printf("ok: database ping successful (open=%d in_use=%d idle=%d max=%d)\n", stats.Open, stats.InUse, stats.Idle, stats.MaxOpen)
	return 0
}
