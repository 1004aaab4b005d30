package arbiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"horse.fit/incidentdedup/internal/globaltime"
	"horse.fit/incidentdedup/internal/incident"
	"horse.fit/incidentdedup/internal/retry"
)

const (
	DefaultTimeout       = 20 * time.Second
	DefaultMinConfidence = 0.7
	DefaultMaxAttempts   = 3
	DefaultConcurrency   = 4
	defaultInitialDelay  = 500 * time.Millisecond
	defaultMaxDelay      = 4 * time.Second
)

// Outcome labels reported to the observer.
const (
	OutcomeSame          = "same"
	OutcomeDifferent     = "different"
	OutcomeLowConfidence = "low_confidence"
	OutcomeError         = "error"
)

type Gateway struct {
	arbiter          Arbiter
	timeout          time.Duration
	minConfidence    float64
	policy           retry.Policy
	sem              *semaphore.Weighted
	cache            Cache
	sink             AuditSink
	observer         Observer
	logger           zerolog.Logger
	algorithmVersion string
	runID            string
}

type Option func(*Gateway)

func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithMinConfidence(v float64) Option {
	return func(g *Gateway) {
		if v >= 0 && v <= 1 {
			g.minConfidence = v
		}
	}
}

func WithRetry(attempts int, initial, maxDelay time.Duration) Option {
	return func(g *Gateway) {
		if attempts > 0 {
			g.policy.Attempts = attempts
		}
		if initial > 0 {
			g.policy.Initial = initial
		}
		if maxDelay > 0 {
			g.policy.Max = maxDelay
		}
	}
}

// WithConcurrency bounds in-flight arbiter calls across all callers.
func WithConcurrency(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithCache(c Cache) Option {
	return func(g *Gateway) { g.cache = c }
}

func WithAuditSink(s AuditSink) Option {
	return func(g *Gateway) { g.sink = s }
}

func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func WithAlgorithmVersion(v string) Option {
	return func(g *Gateway) {
		if v != "" {
			g.algorithmVersion = v
		}
	}
}

func WithRunID(id string) Option {
	return func(g *Gateway) { g.runID = id }
}

func NewGateway(a Arbiter, opts ...Option) *Gateway {
	g := &Gateway{
		arbiter:       a,
		timeout:       DefaultTimeout,
		minConfidence: DefaultMinConfidence,
		policy: retry.Policy{
			Attempts: DefaultMaxAttempts,
			Initial:  defaultInitialDelay,
			Max:      defaultMaxDelay,
		},
		sem:              semaphore.NewWeighted(DefaultConcurrency),
		logger:           zerolog.Nop(),
		algorithmVersion: incident.DefaultAlgorithmVersion,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Provider() string {
	if g == nil || g.arbiter == nil {
		return ""
	}
	return g.arbiter.Name()
}

// Decide never returns an error: failures, timeouts and low-confidence
// answers all resolve to "different".
func (g *Gateway) Decide(ctx context.Context, a, b incident.EventRecord, local incident.SimilarityResult) Outcome {
	if g == nil || g.arbiter == nil {
		return Outcome{FailedSoft: true, Err: ErrUnavailable, Reasoning: "no arbiter configured"}
	}

	started := time.Now()
	left, right := SummaryFor(a), SummaryFor(b)
	key := g.cacheKey(a.ID, b.ID)

	outcome := Outcome{Provider: g.arbiter.Name()}
	verdict, ok := g.cached(ctx, key)
	if ok {
		outcome.FromCache = true
	} else {
		var err error
		verdict, outcome.Attempts, err = g.call(ctx, left, right)
		if err != nil {
			outcome.Err = err
			outcome.FailedSoft = true
			outcome.Reasoning = "arbiter failed: " + err.Error()
		} else if g.cache != nil {
			if err := g.cache.Set(ctx, key, verdict); err != nil {
				g.logger.Warn().Err(err).Str("cache_key", key).Msg("arbiter cache write failed")
			}
		}
	}

	label := OutcomeError
	if outcome.Err == nil {
		outcome.Confidence = verdict.Confidence
		outcome.Reasoning = verdict.Reasoning
		switch {
		case verdict.Confidence < g.minConfidence:
			label = OutcomeLowConfidence
			outcome.FailedSoft = true
			outcome.Reasoning = fmt.Sprintf("confidence %.2f below floor %.2f: %s", verdict.Confidence, g.minConfidence, verdict.Reasoning)
		case verdict.Same:
			label = OutcomeSame
			outcome.Same = true
		default:
			label = OutcomeDifferent
		}
	}
	outcome.Latency = time.Since(started)

	g.audit(ctx, left, right, local, outcome, label)
	return outcome
}

func (g *Gateway) call(ctx context.Context, left, right Summary) (Verdict, int, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Verdict{}, 0, fmt.Errorf("acquire arbiter slot: %w", err)
	}
	defer g.sem.Release(1)

	var verdict Verdict
	attempts, err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		v, err := g.arbiter.SameIncident(callCtx, left, right)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("arbiter timed out after %s: %w", g.timeout, err)
			}
			return err
		}
		verdict = v
		return nil
	})
	return verdict, attempts, err
}

func (g *Gateway) cached(ctx context.Context, key string) (Verdict, bool) {
	if g.cache == nil {
		return Verdict{}, false
	}
	v, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.Warn().Err(err).Str("cache_key", key).Msg("arbiter cache read failed")
		return Verdict{}, false
	}
	return v, ok
}

func (g *Gateway) audit(ctx context.Context, left, right Summary, local incident.SimilarityResult, outcome Outcome, label string) {
	event := g.logger.Info()
	if outcome.FailedSoft {
		event = g.logger.Warn()
	}
	event.
		Str("left_id", left.RecordID).
		Str("right_id", right.RecordID).
		Str("left_org", left.Organization).
		Str("right_org", right.Organization).
		Str("left_date", left.Date).
		Str("right_date", right.Date).
		Float64("local_score", local.Score).
		Str("provider", outcome.Provider).
		Str("outcome", label).
		Bool("same", outcome.Same).
		Float64("confidence", outcome.Confidence).
		Int("attempts", outcome.Attempts).
		Bool("from_cache", outcome.FromCache).
		Int64("latency_ms", outcome.Latency.Milliseconds()).
		Err(outcome.Err).
		Msg("arbitration completed")

	if g.observer != nil {
		g.observer.ObserveArbitration(label, outcome.Latency)
	}
	if g.sink == nil {
		return
	}
	runID := RunIDFromContext(ctx)
	if runID == "" {
		runID = g.runID
	}
	entry := AuditEntry{
		RunID:      runID,
		LeftID:     left.RecordID,
		RightID:    right.RecordID,
		Provider:   outcome.Provider,
		LocalScore: local.Score,
		Same:       outcome.Same,
		Confidence: outcome.Confidence,
		Reasoning:  outcome.Reasoning,
		Attempts:   outcome.Attempts,
		LatencyMs:  outcome.Latency.Milliseconds(),
		FromCache:  outcome.FromCache,
		FailedSoft: outcome.FailedSoft,
		CreatedAt:  globaltime.UTC(),
	}
	if outcome.Err != nil {
		entry.Error = outcome.Err.Error()
	}
	g.sink.RecordArbitration(entry)
}

// cacheKey is order-insensitive so (a,b) and (b,a) share a verdict.
func (g *Gateway) cacheKey(leftID, rightID string) string {
	if leftID > rightID {
		leftID, rightID = rightID, leftID
	}
	sum := sha256.Sum256([]byte(g.algorithmVersion + "\x00" + leftID + "\x00" + rightID))
	return "incidentdedup:arbiter:" + hex.EncodeToString(sum[:])
}
