package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"horse.fit/incidentdedup/internal/similarity"
)

// TuningEnvPrefix scopes threshold overrides. Nested keys use a double
// underscore, e.g. DEDUP_WEIGHTS__TITLE.
const TuningEnvPrefix = "DEDUP_"

// LoadTuning layers thresholds, lowest precedence first:
//  1. similarity.DefaultConfig()
//  2. the YAML file at path, when set
//  3. DEDUP_* environment variables
func LoadTuning(path string) (similarity.Config, error) {
	k := koanf.New(".")

	if p := strings.TrimSpace(path); p != "" {
		if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
			return similarity.Config{}, fmt.Errorf("load tuning file %s: %w", p, err)
		}
	}

	envProvider := env.Provider(TuningEnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, TuningEnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return similarity.Config{}, fmt.Errorf("load tuning env: %w", err)
	}

	cfg := similarity.DefaultConfig()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return similarity.Config{}, fmt.Errorf("decode tuning: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return similarity.Config{}, fmt.Errorf("invalid tuning: %w", err)
	}
	return cfg, nil
}
