package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New("production", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestJSONLoggerCarriesServiceAndComponent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger("production", "info", &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	componentLogger := Component(logger, "arbiter")
	componentLogger.Info().Msg("verdict cached")
	logger.Debug().Msg("dropped below level")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"service":     "incidentdedup",
		"environment": "production",
		"component":   "arbiter",
		"message":     "verdict cached",
	}
	for key, value := range want {
		if entry[key] != value {
			t.Fatalf("unexpected %s: got %v want %q", key, entry[key], value)
		}
	}
}
