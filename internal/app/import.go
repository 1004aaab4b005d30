package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"horse.fit/incidentdedup/internal/cli"
	"horse.fit/incidentdedup/internal/metrics"
	"horse.fit/incidentdedup/internal/pipeline"
)

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	file := fs.String("file", "", "Path to a JSON batch of event records (- for stdin)")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	fetchMissing := fs.Bool("fetch-missing", false, "Fill empty descriptions from the record URL")
	fetchWorkers := fs.Int("fetch-workers", pipeline.DefaultFetchWorkers, "Concurrent description fetches")
	keyTerms := fs.Int("key-terms", pipeline.DefaultKeyTermLimit, "Key terms derived for records that have none")
	strict := fs.Bool("strict", false, "Exit non-zero when any record is rejected")

	cfg, logger, code := bootstrap(fs, envLoader, args, false)
	if code >= 0 {
		return code
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		return 2
	}
	if *fetchWorkers <= 0 || *keyTerms <= 0 {
		fmt.Fprintln(os.Stderr, "--fetch-workers and --key-terms must be > 0")
		return 2
	}

	payload, err := readInput(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", *file, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := connectStore(ctx, cfg, logger, "import")
	if err != nil {
		return 1
	}
	defer pool.Close()

	svc := pipeline.NewService(pool, logger,
		pipeline.WithMetrics(metrics.NewManager()),
		pipeline.WithStoreRetries(cfg.StoreMaxRetries),
		pipeline.WithFetcher(newFetcher()),
	)
	result, err := svc.ImportRecords(ctx, payload, pipeline.ImportOptions{
		FetchMissing: *fetchMissing,
		KeyTermLimit: *keyTerms,
		FetchWorkers: *fetchWorkers,
	})
	for _, failure := range result.Failures {
		fmt.Fprintf(os.Stderr, "REJECTED %s\n", failure.Error())
	}
	if err != nil {
		logger.Error().Err(err).Str("file", *file).Msg("import failed")
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"import received=%d invalid=%d inserted=%d skipped=%d fetched=%d fetch_failed=%d\n",
		result.Received,
		result.Invalid,
		result.Inserted,
		result.Skipped,
		result.Fetched,
		result.FetchFailed,
	)
	if *strict && result.Invalid > 0 {
		return 1
	}
	return 0
}

func readInput(path string) ([]byte, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(trimmed)
}
