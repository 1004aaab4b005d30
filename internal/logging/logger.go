package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "incidentdedup"

// New builds the process logger. The local environment gets a console
// writer on stderr so that commands printing JSON to stdout stay parseable.
func New(environment, level string) (zerolog.Logger, error) {
	return newLogger(environment, level, nil)
}

func newLogger(environment, level string, out io.Writer) (zerolog.Logger, error) {
	parsedLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse LOG_LEVEL=%q: %w", level, err)
	}
	if out == nil {
		out = os.Stderr
	}

	env := strings.ToLower(strings.TrimSpace(environment))
	writer := out
	if env == "local" {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(writer).
		Level(parsedLevel).
		With().
		Timestamp().
		Str("service", serviceName)
	if env != "" && env != "local" {
		ctx = ctx.Str("environment", env)
	}
	return ctx.Logger(), nil
}

// Component tags a subsystem logger, e.g. component=arbiter.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
