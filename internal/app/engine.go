package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/incidentdedup/internal/arbiter"
	"horse.fit/incidentdedup/internal/cli"
	"horse.fit/incidentdedup/internal/cluster"
	"horse.fit/incidentdedup/internal/config"
	"horse.fit/incidentdedup/internal/db"
	"horse.fit/incidentdedup/internal/logging"
	"horse.fit/incidentdedup/internal/merge"
	"horse.fit/incidentdedup/internal/metrics"
	"horse.fit/incidentdedup/internal/pipeline"
	"horse.fit/incidentdedup/internal/reader"
)

const redisPingTimeout = 2 * time.Second

// engine is the clustering stack shared by the offline and store-backed
// commands.
type engine struct {
	builder *cluster.Builder
	merger  *merge.Merger
	gateway *arbiter.Gateway
	audits  *pipeline.AuditBuffer
	metrics *metrics.Manager
	cache   *arbiter.RedisCache
}

func (e *engine) Close() {
	if e == nil || e.cache == nil {
		return
	}
	_ = e.cache.Close()
}

// serviceOptions wires the engine into a pipeline.Service.
func (e *engine) serviceOptions(cfg *config.Config) []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithBuilder(e.builder),
		pipeline.WithMerger(e.merger),
		pipeline.WithMetrics(e.metrics),
		pipeline.WithAuditBuffer(e.audits),
		pipeline.WithStoreRetries(cfg.StoreMaxRetries),
		pipeline.WithFetcher(newFetcher()),
	}
}

func newFetcher() *reader.HTTPFetcher {
	return reader.NewHTTPFetcher(reader.FetchOptions{Timeout: 15 * time.Second})
}

// newEngine resolves tuning and the arbiter provider. A configured Redis
// cache that cannot be reached is logged and skipped.
func newEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Manager) (*engine, error) {
	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		return nil, err
	}

	e := &engine{
		merger:  merge.NewMerger(),
		audits:  pipeline.NewAuditBuffer(),
		metrics: m,
	}

	registry := arbiter.NewRegistryFromSettings(arbiter.ProviderSettings{
		Provider: cfg.ArbiterProvider,
		Endpoint: cfg.ArbiterEndpoint,
		Model:    cfg.ArbiterModel,
		APIKey:   cfg.ArbiterAPIKey,
	})
	provider, err := registry.Provider(cfg.ArbiterProvider)
	if err != nil {
		return nil, fmt.Errorf("resolve arbiter: %w", err)
	}

	builderOpts := []cluster.Option{
		cluster.WithLogger(logging.Component(logger, "cluster")),
		cluster.WithObserver(m),
	}
	if provider != nil {
		gatewayOpts := []arbiter.Option{
			arbiter.WithTimeout(cfg.ArbiterTimeout),
			arbiter.WithMinConfidence(cfg.ArbiterMinConfidence),
			arbiter.WithRetry(cfg.ArbiterMaxAttempts, 0, 0),
			arbiter.WithConcurrency(cfg.ArbiterConcurrency),
			arbiter.WithAuditSink(e.audits),
			arbiter.WithObserver(m),
			arbiter.WithLogger(logging.Component(logger, "arbiter")),
			arbiter.WithAlgorithmVersion(cfg.AlgorithmVersion),
		}
		if cache := connectCache(ctx, cfg, logger); cache != nil {
			e.cache = cache
			gatewayOpts = append(gatewayOpts, arbiter.WithCache(cache))
		}
		e.gateway = arbiter.NewGateway(provider, gatewayOpts...)
		builderOpts = append(builderOpts, cluster.WithArbiter(e.gateway))
	}

	e.builder = cluster.NewBuilder(cluster.Config{
		Similarity:       tuning,
		AlgorithmVersion: cfg.AlgorithmVersion,
		Workers:          cfg.ScoringWorkers,
	}, builderOpts...)

	logger.Debug().
		Str("algorithm_version", cfg.AlgorithmVersion).
		Str("arbiter", e.gateway.Provider()).
		Bool("arbiter_cache", e.cache != nil).
		Int("scoring_workers", cfg.ScoringWorkers).
		Msg("dedup engine ready")
	return e, nil
}

func connectCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *arbiter.RedisCache {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}

	cache, err := arbiter.NewRedisCache(redisURL, cfg.ArbiterCacheTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("arbiter cache disabled")
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("arbiter cache unreachable; continuing without it")
		_ = cache.Close()
		return nil
	}
	return cache
}

// bootstrap parses flags, loads the env file and config, and builds the
// logger. A non-negative code means the command should exit with it.
func bootstrap(fs *flag.FlagSet, envLoader *cli.EnvLoader, args []string, offline bool) (*config.Config, zerolog.Logger, int) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, zerolog.Nop(), 0
		}
		return nil, zerolog.Nop(), 2
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	load := config.Load
	if offline {
		load = config.LoadOffline
	}
	cfg, err := load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, zerolog.Nop(), 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return nil, zerolog.Nop(), 1
	}
	return cfg, logger, -1
}

func connectStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, command string) (*db.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(connectCtx, cfg, logging.Component(logger, "store"))
	if err != nil {
		logger.Error().Err(err).Str("command", command).Msg("failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return nil, err
	}
	return pool, nil
}
