package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/incidentdedup/internal/arbiter"
	"horse.fit/incidentdedup/internal/cluster"
	"horse.fit/incidentdedup/internal/db"
	"horse.fit/incidentdedup/internal/globaltime"
	"horse.fit/incidentdedup/internal/incident"
	"horse.fit/incidentdedup/internal/merge"
	"horse.fit/incidentdedup/internal/metrics"
	"horse.fit/incidentdedup/internal/reader"
	"horse.fit/incidentdedup/internal/retry"
)

const (
	DefaultDedupLimit    = 5000
	DefaultLookbackDays  = 90
	DefaultStoreAttempts = 3

	triggeredByCLI = "cli"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

type Service struct {
	pool       *db.Pool
	logger     zerolog.Logger
	builder    *cluster.Builder
	merger     *merge.Merger
	metrics    *metrics.Manager
	audits     *AuditBuffer
	storeRetry retry.Policy
	fetcher    reader.Fetcher
}

type Option func(*Service)

func WithBuilder(b *cluster.Builder) Option {
	return func(s *Service) {
		if b != nil {
			s.builder = b
		}
	}
}

func WithMerger(m *merge.Merger) Option {
	return func(s *Service) {
		if m != nil {
			s.merger = m
		}
	}
}

func WithMetrics(m *metrics.Manager) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAuditBuffer shares the buffer the arbiter gateway writes into.
func WithAuditBuffer(b *AuditBuffer) Option {
	return func(s *Service) {
		if b != nil {
			s.audits = b
		}
	}
}

func WithStoreRetries(attempts int) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.storeRetry.Attempts = attempts
		}
	}
}

// WithFetcher enables filling empty descriptions from the record URL on
// import.
func WithFetcher(f reader.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

func NewService(pool *db.Pool, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		pool:    pool,
		logger:  logger,
		builder: cluster.NewBuilder(cluster.DefaultConfig(), cluster.WithLogger(logger)),
		merger:  merge.NewMerger(),
		audits:  NewAuditBuffer(),
		storeRetry: retry.Policy{
			Attempts:  DefaultStoreAttempts,
			Initial:   100 * time.Millisecond,
			Max:       2 * time.Second,
			Retryable: isRetryableStoreError,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) algorithmVersion() string {
	return s.builder.Config().AlgorithmVersion
}

type DedupOptions struct {
	// Lookback bounds the records a run loads. Zero loads everything.
	Lookback    time.Duration
	Limit       int
	TriggeredBy string
}

type DedupResult struct {
	RunID         string        `json:"run_id"`
	Records       int           `json:"records"`
	Companions    int           `json:"companions"`
	Pinned        int           `json:"pinned"`
	Rejected      int           `json:"rejected"`
	Clusters      int           `json:"clusters"`
	Singletons    int           `json:"singletons"`
	PairsScored   int           `json:"pairs_scored"`
	ArbiterCalls  int           `json:"arbiter_calls"`
	ArbiterFailed int           `json:"arbiter_failed"`
	Overrides     int           `json:"overrides"`
	Created       int           `json:"created"`
	Unchanged     int           `json:"unchanged"`
	Superseded    int           `json:"superseded"`
	SkippedManual int           `json:"skipped_manual"`
	Duration      time.Duration `json:"duration"`
}

// record tallies the outcome of writing one canonical event.
func (r *DedupResult) record(outcome applyOutcome, superseded int) {
	r.Superseded += superseded
	switch outcome {
	case outcomeCreated:
		r.Created++
	case outcomeUnchanged:
		r.Unchanged++
	case outcomeSkippedManual:
		r.SkippedManual++
	}
}

func (r DedupResult) Summary() string {
	return fmt.Sprintf(
		"dedup run=%s records=%d companions=%d pinned=%d rejected=%d clusters=%d singletons=%d pairs=%d arbiter_calls=%d arbiter_failed=%d overrides=%d created=%d unchanged=%d superseded=%d skipped_manual=%d duration=%s",
		r.RunID,
		r.Records,
		r.Companions,
		r.Pinned,
		r.Rejected,
		r.Clusters,
		r.Singletons,
		r.PairsScored,
		r.ArbiterCalls,
		r.ArbiterFailed,
		r.Overrides,
		r.Created,
		r.Unchanged,
		r.Superseded,
		r.SkippedManual,
		r.Duration.Round(time.Millisecond),
	)
}

func (r DedupResult) metricsSummary() metrics.RunSummary {
	return metrics.RunSummary{
		Records:    r.Records,
		Rejected:   r.Rejected,
		Clusters:   r.Clusters,
		Singletons: r.Singletons,
		Superseded: r.Superseded,
		Overrides:  r.Overrides,
	}
}

// DedupWindow clusters the records of the lookback window, merges every
// cluster and persists the canonical events in a single transaction.
func (s *Service) DedupWindow(ctx context.Context, opts DedupOptions) (DedupResult, error) {
	if s.pool == nil {
		return DedupResult{}, fmt.Errorf("store is not configured")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultDedupLimit
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = triggeredByCLI
	}

	started := time.Now()
	now := globaltime.UTC()
	runID := uuid.NewString()
	window := incident.TimeRange{Start: globaltime.LookbackStart(now, opts.Lookback), End: now}

	log := s.logger.With().Str("run_id", runID).Logger()
	result := DedupResult{RunID: runID}

	if err := s.withStoreRetry(ctx, "start dedup run", func(ctx context.Context) error {
		return insertRun(ctx, s.pool, runID, s.algorithmVersion(), opts.TriggeredBy, window, now)
	}); err != nil {
		return result, err
	}
	defer s.audits.Drain(runID)

	err := s.dedup(ctx, runID, window, opts, &result)
	result.Duration = time.Since(started)
	if err != nil {
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if failErr := failRun(failCtx, s.pool, runID, result, err, globaltime.UTC()); failErr != nil {
			log.Warn().Err(failErr).Msg("could not mark dedup run failed")
		}
		s.metrics.ObserveRun(runStatusFailed, result.metricsSummary(), result.Duration)
		log.Error().Err(err).Dur("elapsed", result.Duration).Msg("dedup run failed")
		return result, err
	}

	s.metrics.ObserveRun(runStatusSucceeded, result.metricsSummary(), result.Duration)
	log.Info().
		Int("records", result.Records).
		Int("clusters", result.Clusters).
		Int("created", result.Created).
		Int("unchanged", result.Unchanged).
		Int("superseded", result.Superseded).
		Int("skipped_manual", result.SkippedManual).
		Dur("elapsed", result.Duration).
		Msg("dedup run completed")
	return result, nil
}

func (s *Service) dedup(ctx context.Context, runID string, window incident.TimeRange, opts DedupOptions, result *DedupResult) error {
	records, err := s.pool.LoadWindowRecords(ctx, db.WindowOptions{Since: window.Start, Limit: opts.Limit})
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	companions, err := s.pool.LoadCompanionRecords(ctx, ids)
	if err != nil {
		return err
	}
	result.Companions = len(companions)
	records = append(records, companions...)
	sortByIngestion(records)

	pinned, err := s.pool.ManualMemberIDs(ctx)
	if err != nil {
		return err
	}
	records, result.Pinned = withoutPinned(records, pinned)

	// The window picked the records; companions dated before it must still
	// recluster with their co-members, so the builder sees an open window.
	plan, err := BuildPlan(arbiter.ContextWithRunID(ctx, runID), s.builder, s.merger, records, incident.TimeRange{})
	if err != nil {
		return err
	}

	result.Records = plan.Stats.Records
	result.Rejected = plan.Stats.Rejected
	result.Clusters = plan.Stats.Clusters
	result.Singletons = plan.Stats.Singletons
	result.PairsScored = plan.Stats.PairsScored
	result.ArbiterCalls = plan.Stats.ArbiterCalls
	result.ArbiterFailed = plan.Stats.ArbiterFailed
	result.Overrides = plan.Stats.Overrides

	audits := s.audits.Drain(runID)
	return s.persistPlan(ctx, runID, plan, audits, result)
}

func (s *Service) persistPlan(ctx context.Context, runID string, plan Plan, audits []arbiter.AuditEntry, result *DedupResult) error {
	return s.withStoreRetry(ctx, "persist dedup run", func(ctx context.Context) error {
		attempt := *result
		attempt.Created, attempt.Unchanged, attempt.Superseded, attempt.SkippedManual = 0, 0, 0, 0
		now := globaltime.UTC()

		err := s.pool.WithTx(ctx, db.TxOptions{}, func(tx db.Tx) error {
			if err := lockDedupTx(ctx, tx); err != nil {
				return err
			}

			for i, ev := range plan.Canonical {
				outcome, superseded, err := applyCanonicalTx(ctx, tx, runID, ev, now)
				if err != nil {
					return err
				}
				attempt.record(outcome, superseded)
				if outcome == outcomeSkippedManual {
					s.logger.Debug().Str("canonical_id", ev.ID).Msg("cluster overlaps a manual canonical event, skipped")
					continue
				}
				if err := insertClusterAuditTx(ctx, tx, runID, ev.ID, plan.Clusters[i], now); err != nil {
					return err
				}
			}

			for _, entry := range audits {
				if err := insertArbitrationTx(ctx, tx, runID, entry); err != nil {
					return err
				}
			}
			for _, o := range plan.Overrides {
				if err := insertOverrideTx(ctx, tx, runID, o, now); err != nil {
					return err
				}
			}

			return finishRunTx(ctx, tx, runID, attempt, now)
		})
		if err != nil {
			return fmt.Errorf("dedup transaction: %w", err)
		}
		*result = attempt
		return nil
	})
}

// withStoreRetry reruns fn in a fresh transaction on transient store
// failures.
func (s *Service) withStoreRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	calls := 0
	_, err := retry.Do(ctx, s.storeRetry, func(ctx context.Context) error {
		calls++
		if calls > 1 {
			s.metrics.IncStoreRetry()
			s.logger.Warn().Str("op", op).Int("attempt", calls).Msg("retrying store operation")
		}
		return fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func sortByIngestion(records []incident.EventRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].IngestedAt, records[j].IngestedAt
		switch {
		case a == nil && b == nil:
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return records[i].ID < records[j].ID
	})
}

func withoutPinned(records []incident.EventRecord, pinned map[string]struct{}) ([]incident.EventRecord, int) {
	if len(pinned) == 0 {
		return records, 0
	}
	kept := records[:0:0]
	dropped := 0
	for _, r := range records {
		if _, ok := pinned[r.ID]; ok {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}

// AuditBuffer collects arbitration outcomes per run until the run persists
// them. One buffer serves every run sharing a gateway.
type AuditBuffer struct {
	mu      sync.Mutex
	entries map[string][]arbiter.AuditEntry
}

func NewAuditBuffer() *AuditBuffer {
	return &AuditBuffer{entries: make(map[string][]arbiter.AuditEntry)}
}

func (b *AuditBuffer) RecordArbitration(entry arbiter.AuditEntry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.RunID] = append(b.entries[entry.RunID], entry)
}

// Drain returns and forgets the entries recorded for runID.
func (b *AuditBuffer) Drain(runID string) []arbiter.AuditEntry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries[runID]
	delete(b.entries, runID)
	return out
}
