package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string        `envconfig:"DATABASE_URL"`
	DBMinConns  int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32         `envconfig:"DB_MAX_CONNS" default:"8"`
	DBSlowQuery time.Duration `envconfig:"DB_SLOW_QUERY" default:"500ms"`

	AlgorithmVersion string        `envconfig:"DEDUP_ALGORITHM_VERSION" default:"dedup-v2"`
	TuningFile       string        `envconfig:"DEDUP_TUNING_FILE" default:""`
	LookbackDays     int           `envconfig:"DEDUP_LOOKBACK_DAYS" default:"90"`
	ScoringWorkers   int           `envconfig:"DEDUP_SCORING_WORKERS" default:"8"`
	BatchLimit       int           `envconfig:"DEDUP_BATCH_LIMIT" default:"5000"`
	DaemonInterval   time.Duration `envconfig:"DEDUP_INTERVAL" default:"15m"`
	StoreMaxRetries  int           `envconfig:"STORE_MAX_RETRIES" default:"3"`

	ArbiterProvider      string        `envconfig:"ARBITER_PROVIDER" default:"none"`
	ArbiterEndpoint      string        `envconfig:"ARBITER_ENDPOINT" default:""`
	ArbiterModel         string        `envconfig:"ARBITER_MODEL" default:""`
	ArbiterAPIKey        string        `envconfig:"ARBITER_API_KEY" default:""`
	ArbiterTimeout       time.Duration `envconfig:"ARBITER_TIMEOUT" default:"20s"`
	ArbiterMinConfidence float64       `envconfig:"ARBITER_MIN_CONFIDENCE" default:"0.7"`
	ArbiterMaxAttempts   int           `envconfig:"ARBITER_MAX_ATTEMPTS" default:"3"`
	ArbiterConcurrency   int           `envconfig:"ARBITER_CONCURRENCY" default:"4"`

	RedisURL        string        `envconfig:"REDIS_URL" default:""`
	ArbiterCacheTTL time.Duration `envconfig:"ARBITER_CACHE_TTL" default:"168h"`

	OperatorTokenHash  string `envconfig:"OPERATOR_TOKEN_HASH" default:""`
	CORSAllowedOrigins string `envconfig:"HTTP_CORS_ORIGINS" default:""`
}

// Load reads and validates configuration for commands that use the store.
func Load() (*Config, error) {
	cfg, err := process()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadOffline is Load without the database requirement, for commands that
// work on files only.
func LoadOffline() (*Config, error) {
	cfg, err := process()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateEngine(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func process() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.StoreMaxRetries < 1 {
		return fmt.Errorf("STORE_MAX_RETRIES must be >= 1")
	}
	if c.BatchLimit < 1 {
		return fmt.Errorf("DEDUP_BATCH_LIMIT must be >= 1")
	}
	if c.DaemonInterval < time.Second {
		return fmt.Errorf("DEDUP_INTERVAL must be at least 1s")
	}
	return c.validateEngine()
}

func (c *Config) validateEngine() error {
	if strings.TrimSpace(c.AlgorithmVersion) == "" {
		return fmt.Errorf("DEDUP_ALGORITHM_VERSION is required")
	}
	if c.LookbackDays < 0 {
		return fmt.Errorf("DEDUP_LOOKBACK_DAYS must be >= 0")
	}
	if c.ScoringWorkers < 1 {
		return fmt.Errorf("DEDUP_SCORING_WORKERS must be >= 1")
	}
	if c.ArbiterTimeout <= 0 {
		return fmt.Errorf("ARBITER_TIMEOUT must be > 0")
	}
	if c.ArbiterMinConfidence < 0 || c.ArbiterMinConfidence > 1 {
		return fmt.Errorf("ARBITER_MIN_CONFIDENCE must be within [0,1]")
	}
	if c.ArbiterMaxAttempts < 1 {
		return fmt.Errorf("ARBITER_MAX_ATTEMPTS must be >= 1")
	}
	if c.ArbiterConcurrency < 1 {
		return fmt.Errorf("ARBITER_CONCURRENCY must be >= 1")
	}
	provider := strings.ToLower(strings.TrimSpace(c.ArbiterProvider))
	if provider == "chat" && strings.TrimSpace(c.ArbiterEndpoint) == "" {
		return fmt.Errorf("ARBITER_ENDPOINT is required when ARBITER_PROVIDER=chat")
	}
	return nil
}

// LookbackWindow returns how far back a dedup run reaches. Zero means no
// bound.
func (c *Config) LookbackWindow() time.Duration {
	if c == nil || c.LookbackDays <= 0 {
		return 0
	}
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
