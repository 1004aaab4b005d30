// Package cli holds flag helpers shared by the incidentdedup commands.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultEnvPath = ".env"
	envFileVar     = "INCIDENTDEDUP_ENV_FILE"
)

// EnvLoader overlays a dotenv file onto the process environment before
// config.Load reads it.
type EnvLoader struct {
	path *string
}

// AddEnvFlag registers --env on flags.
func AddEnvFlag(flags *flag.FlagSet) *EnvLoader {
	if flags == nil {
		flags = flag.CommandLine
	}
	return &EnvLoader{
		path: flags.String("env", defaultEnvPath, "Path to a .env file overlaid onto the environment"),
	}
}

// Load overlays the first candidate that exists. INCIDENTDEDUP_ENV_FILE wins
// over --env. A missing default .env is not an error; a missing file that
// was asked for explicitly is.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", errors.New("env loader is nil")
	}

	candidates := l.candidates()
	for _, candidate := range candidates {
		err := godotenv.Overload(candidate)
		if err == nil {
			log.New(os.Stderr, "", log.LstdFlags).Printf("Loaded environment from %s", candidate)
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("load env file %s: %w", candidate, err)
		}
	}

	explicit := strings.TrimSpace(os.Getenv(envFileVar)) != "" || l.requested() != defaultEnvPath
	if explicit {
		return "", fmt.Errorf("env file not found (tried %s)", strings.Join(candidates, ", "))
	}
	return "", nil
}

func (l *EnvLoader) requested() string {
	if l.path == nil {
		return defaultEnvPath
	}
	if p := strings.TrimSpace(*l.path); p != "" {
		return p
	}
	return defaultEnvPath
}

// candidates lists paths in lookup order without duplicates: the override
// variable, the requested path, and the requested file name in the working
// directory.
func (l *EnvLoader) candidates() []string {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	if custom := os.Getenv(envFileVar); strings.TrimSpace(custom) != "" {
		add(custom)
	}
	requested := l.requested()
	add(requested)
	add(filepath.Base(requested))
	return out
}
