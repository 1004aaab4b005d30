package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/incidentdedup/internal/arbiter"
	"horse.fit/incidentdedup/internal/cli"
	"horse.fit/incidentdedup/internal/incident"
	"horse.fit/incidentdedup/internal/metrics"
	"horse.fit/incidentdedup/internal/pipeline"
	payloadschema "horse.fit/incidentdedup/schema"
)

const offlineRunID = "offline"

// clusterOutput is what the offline cluster command prints.
type clusterOutput struct {
	pipeline.Plan
	Invalid      []payloadschema.RecordError `json:"invalid,omitempty"`
	Arbitrations []arbiter.AuditEntry        `json:"arbitrations,omitempty"`
}

// runCluster clusters a JSON file without touching the store.
func runCluster(args []string) int {
	fs := flag.NewFlagSet("cluster", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs)
	file := fs.String("file", "", "Path to a JSON batch of event records (- for stdin)")
	since := fs.String("since", "", "Only cluster records whose event date is on or after this date (YYYY-MM-DD)")
	until := fs.String("until", "", "Only cluster records whose event date is on or before this date (YYYY-MM-DD)")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	pretty := fs.Bool("pretty", true, "Indent the JSON output")

	cfg, logger, code := bootstrap(fs, envLoader, args, true)
	if code >= 0 {
		return code
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		return 2
	}
	window, err := parseWindow(*since, *until)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	payload, err := readInput(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", *file, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	eng, err := newEngine(ctx, cfg, logger, metrics.NewManager())
	if err != nil {
		logger.Error().Err(err).Msg("cluster engine setup failed")
		fmt.Fprintf(os.Stderr, "Cluster setup failed: %v\n", err)
		return 1
	}
	defer eng.Close()

	out, err := clusterPayload(ctx, eng, payload, window)
	if err != nil {
		logger.Error().Err(err).Str("file", *file).Msg("offline cluster failed")
		fmt.Fprintf(os.Stderr, "Cluster failed: %v\n", err)
		return 1
	}

	encoder := json.NewEncoder(os.Stdout)
	if *pretty {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		return 1
	}

	logger.Info().
		Int("records", out.Stats.Records).
		Int("invalid", len(out.Invalid)).
		Int("clusters", len(out.Clusters)).
		Int("singletons", out.Stats.Singletons).
		Int("arbiter_calls", out.Stats.ArbiterCalls).
		Msg("offline cluster completed")
	return 0
}

func clusterPayload(ctx context.Context, eng *engine, payload []byte, window incident.TimeRange) (clusterOutput, error) {
	records, invalid, err := payloadschema.ValidateBatch(payload)
	if err != nil {
		return clusterOutput{}, err
	}

	ctx = arbiter.ContextWithRunID(ctx, offlineRunID)
	plan, err := pipeline.BuildPlan(ctx, eng.builder, eng.merger, records, window)
	if err != nil {
		return clusterOutput{}, err
	}

	return clusterOutput{
		Plan:         plan,
		Invalid:      invalid,
		Arbitrations: eng.audits.Drain(offlineRunID),
	}, nil
}

func parseWindow(since, until string) (incident.TimeRange, error) {
	var window incident.TimeRange
	if s := strings.TrimSpace(since); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return window, fmt.Errorf("--since must be YYYY-MM-DD")
		}
		window.Start = t.UTC()
	}
	if u := strings.TrimSpace(until); u != "" {
		t, err := time.Parse(time.DateOnly, u)
		if err != nil {
			return window, fmt.Errorf("--until must be YYYY-MM-DD")
		}
		window.End = t.UTC().Add(24*time.Hour - time.Nanosecond)
	}
	if !window.Start.IsZero() && !window.End.IsZero() && window.End.Before(window.Start) {
		return window, fmt.Errorf("--until must not be before --since")
	}
	return window, nil
}
