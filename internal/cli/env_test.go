package cli

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvLoaderOverlaysRequestedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedup.env")
	if err := os.WriteFile(path, []byte("INCIDENTDEDUP_TEST_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv(envFileVar, "")
	t.Setenv("INCIDENTDEDUP_TEST_LEVEL", "info")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs)
	if err := fs.Parse([]string{"--env", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	loaded, err := loader.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != path {
		t.Fatalf("unexpected loaded path: %q", loaded)
	}
	if got := os.Getenv("INCIDENTDEDUP_TEST_LEVEL"); got != "debug" {
		t.Fatalf("expected overlay to win, got %q", got)
	}
}

func TestEnvLoaderMissingFiles(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envFileVar, "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if loaded, err := loader.Load(); err != nil || loaded != "" {
		t.Fatalf("missing default .env should be skipped, got %q err=%v", loaded, err)
	}

	t.Setenv(envFileVar, filepath.Join(t.TempDir(), "absent.env"))
	if _, err := loader.Load(); err == nil {
		t.Fatalf("expected error for missing override file")
	}
}

func TestEnvLoaderCandidatesDeduplicate(t *testing.T) {
	t.Setenv(envFileVar, "")

	path := ".env"
	loader := &EnvLoader{path: &path}
	if got := loader.candidates(); len(got) != 1 || got[0] != ".env" {
		t.Fatalf("unexpected candidates: %v", got)
	}

	path = "/etc/incidentdedup/prod.env"
	got := loader.candidates()
	if len(got) != 2 || got[1] != "prod.env" {
		t.Fatalf("expected basename fallback, got %v", got)
	}
}
