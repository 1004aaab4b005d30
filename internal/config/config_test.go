package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"horse.fit/incidentdedup/internal/similarity"
)

func TestLoadTuningDefaults(t *testing.T) {
	cfg, err := LoadTuning("")
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	if cfg != similarity.DefaultConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadTuningFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	body := strings.Join([]string{
		"match_threshold: 0.75",
		"strong_threshold: 0.65",
		"weights:",
		"  title: 0.5",
		"date_factors:",
		"  missing: 0.9",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write tuning file: %v", err)
	}
	t.Setenv("DEDUP_STRONG_THRESHOLD", "0.62")
	t.Setenv("DEDUP_WEIGHTS__KEY_TERMS", "0.3")

	cfg, err := LoadTuning(path)
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	if cfg.MatchThreshold != 0.75 {
		t.Fatalf("file value not applied: %f", cfg.MatchThreshold)
	}
	if cfg.StrongThreshold != 0.62 {
		t.Fatalf("env should override file: %f", cfg.StrongThreshold)
	}
	if cfg.Weights.Title != 0.5 || cfg.Weights.KeyTerms != 0.3 || cfg.Weights.Description != 0.2 {
		t.Fatalf("unexpected weights: %+v", cfg.Weights)
	}
	if cfg.DateFactors.Missing != 0.9 || cfg.DateFactors.SameDay != 1 {
		t.Fatalf("unexpected date factors: %+v", cfg.DateFactors)
	}
	if cfg.EntityGate != 0.8 {
		t.Fatalf("untouched values must keep defaults: %f", cfg.EntityGate)
	}
}

func TestLoadTuningRejectsInvalidValues(t *testing.T) {
	t.Setenv("DEDUP_STRONG_THRESHOLD", "0.95")

	if _, err := LoadTuning(""); err == nil {
		t.Fatalf("expected strong threshold above match threshold to fail")
	}
}

func TestLoadTuningMissingFile(t *testing.T) {
	if _, err := LoadTuning(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing tuning file")
	}
}

func validConfig() Config {
	return Config{
		Environment:          "test",
		LogLevel:             "info",
		DatabaseURL:          "postgres://localhost/incidents",
		DBMinConns:           1,
		DBMaxConns:           4,
		AlgorithmVersion:     "dedup-v2",
		LookbackDays:         90,
		ScoringWorkers:       4,
		BatchLimit:           100,
		DaemonInterval:       time.Minute,
		StoreMaxRetries:      3,
		ArbiterProvider:      "none",
		ArbiterTimeout:       time.Second,
		ArbiterMinConfidence: 0.7,
		ArbiterMaxAttempts:   3,
		ArbiterConcurrency:   2,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing database", mutate: func(c *Config) { c.DatabaseURL = " " }, wantErr: "DATABASE_URL"},
		{name: "min above max", mutate: func(c *Config) { c.DBMinConns = 9 }, wantErr: "DB_MIN_CONNS"},
		{name: "no workers", mutate: func(c *Config) { c.ScoringWorkers = 0 }, wantErr: "DEDUP_SCORING_WORKERS"},
		{name: "confidence out of range", mutate: func(c *Config) { c.ArbiterMinConfidence = 1.5 }, wantErr: "ARBITER_MIN_CONFIDENCE"},
		{name: "chat without endpoint", mutate: func(c *Config) { c.ArbiterProvider = "Chat" }, wantErr: "ARBITER_ENDPOINT"},
		{name: "no store retries", mutate: func(c *Config) { c.StoreMaxRetries = 0 }, wantErr: "STORE_MAX_RETRIES"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestOfflineValidationSkipsDatabase(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.DatabaseURL = ""
	if err := cfg.validateEngine(); err != nil {
		t.Fatalf("offline validation should not require a database: %v", err)
	}
}

func TestLookbackWindowAndOrigins(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if got := cfg.LookbackWindow(); got != 90*24*time.Hour {
		t.Fatalf("unexpected window: %s", got)
	}
	cfg.LookbackDays = 0
	if got := cfg.LookbackWindow(); got != 0 {
		t.Fatalf("expected unbounded window, got %s", got)
	}

	cfg.CORSAllowedOrigins = " https://a.example, ,https://b.example,https://a.example"
	got := cfg.CORSAllowedOriginsList()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", got)
	}
}
