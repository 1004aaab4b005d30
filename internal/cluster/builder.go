// Package cluster partitions a batch of event records into groups that
// describe the same incident.
package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/incidentdedup/internal/arbiter"
	"horse.fit/incidentdedup/internal/incident"
	"horse.fit/incidentdedup/internal/similarity"
)

const DefaultWorkers = 8

const (
	RejectMissingID   = "missing id"
	RejectDuplicateID = "duplicate id"
)

type Config struct {
	Similarity       similarity.Config
	AlgorithmVersion string
	Workers          int
}

func DefaultConfig() Config {
	return Config{
		Similarity:       similarity.DefaultConfig(),
		AlgorithmVersion: incident.DefaultAlgorithmVersion,
		Workers:          DefaultWorkers,
	}
}

// Observer is notified of every locally scored pair.
type Observer interface {
	ObservePair(result incident.SimilarityResult)
}

type Builder struct {
	cfg      Config
	scorer   *similarity.Scorer
	gateway  *arbiter.Gateway
	logger   zerolog.Logger
	observer Observer
}

type Option func(*Builder)

// WithArbiter routes undecided pairs through the gateway. Without one they
// resolve to no match.
func WithArbiter(g *arbiter.Gateway) Option {
	return func(b *Builder) { b.gateway = g }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(b *Builder) { b.observer = o }
}

func WithScorer(s *similarity.Scorer) Option {
	return func(b *Builder) {
		if s != nil {
			b.scorer = s
		}
	}
}

func NewBuilder(cfg Config, opts ...Option) *Builder {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if strings.TrimSpace(cfg.AlgorithmVersion) == "" {
		cfg.AlgorithmVersion = incident.DefaultAlgorithmVersion
	}
	b := &Builder{
		cfg:    cfg,
		scorer: similarity.NewScorer(cfg.Similarity),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) Config() Config { return b.cfg }

type Rejection struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// Override records a joiner split back out of a tentative cluster.
type Override struct {
	SeedID        string  `json:"seed_id"`
	RecordID      string  `json:"record_id"`
	ConflictingID string  `json:"conflicting_id"`
	Score         float64 `json:"score"`
	Reason        string  `json:"reason"`
}

type Stats struct {
	Records       int `json:"records"`
	Rejected      int `json:"rejected"`
	Clusters      int `json:"clusters"`
	Singletons    int `json:"singletons"`
	OutOfWindow   int `json:"out_of_window"`
	PairsScored   int `json:"pairs_scored"`
	Undecided     int `json:"undecided"`
	ArbiterCalls  int `json:"arbiter_calls"`
	ArbiterFailed int `json:"arbiter_failed"`
	ArbiterMerges int `json:"arbiter_merges"`
	Overrides     int `json:"overrides"`
}

type Result struct {
	Clusters  []incident.Cluster `json:"clusters"`
	Rejected  []Rejection        `json:"rejected,omitempty"`
	Overrides []Override         `json:"overrides,omitempty"`
	Stats     Stats              `json:"stats"`
}

// candidate is one unassigned record compared against the current seed.
type candidate struct {
	idx     int
	result  incident.SimilarityResult
	outcome *arbiter.Outcome
}

// Cluster groups records greedily in input order. Each unassigned record
// seeds a cluster and claims every later unassigned record it matches.
// Records dated outside window stay singletons. The only error is context
// cancellation.
func (b *Builder) Cluster(ctx context.Context, records []incident.EventRecord, window incident.TimeRange) (Result, error) {
	var res Result
	res.Stats.Records = len(records)

	valid, rejected := b.admit(records)
	res.Rejected = rejected
	res.Stats.Rejected = len(rejected)

	assigned := make([]bool, len(valid))
	inWindow := make([]bool, len(valid))
	for i := range valid {
		inWindow[i] = b.inWindow(valid[i], window)
		if !inWindow[i] {
			res.Stats.OutOfWindow++
		}
	}

	for seed := range valid {
		if assigned[seed] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		assigned[seed] = true

		if !inWindow[seed] {
			res.Clusters = append(res.Clusters, b.build(valid, seed, nil))
			continue
		}

		pool := make([]int, 0, len(valid)-seed)
		for j := seed + 1; j < len(valid); j++ {
			if !assigned[j] && inWindow[j] {
				pool = append(pool, j)
			}
		}

		candidates, err := b.scoreAgainst(ctx, valid, seed, pool)
		if err != nil {
			return Result{}, err
		}
		res.Stats.PairsScored += len(candidates)

		if err := b.arbitrate(ctx, valid, seed, candidates, &res.Stats); err != nil {
			return Result{}, err
		}

		joiners := b.resolveConflicts(valid, seed, candidates, &res)
		for _, c := range joiners {
			assigned[c.idx] = true
		}
		res.Clusters = append(res.Clusters, b.build(valid, seed, joiners))
	}

	res.Stats.Clusters = len(res.Clusters)
	for _, c := range res.Clusters {
		if c.Size() == 1 {
			res.Stats.Singletons++
		}
	}
	return res, nil
}

func (b *Builder) admit(records []incident.EventRecord) ([]incident.EventRecord, []Rejection) {
	valid := make([]incident.EventRecord, 0, len(records))
	var rejected []Rejection
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		id := strings.TrimSpace(r.ID)
		reason := ""
		switch {
		case id == "":
			reason = RejectMissingID
		default:
			if _, dup := seen[id]; dup {
				reason = RejectDuplicateID
			}
		}
		if reason != "" {
			b.logger.Warn().Int("index", i).Str("record_id", id).Str("reason", reason).Msg("event record rejected")
			rejected = append(rejected, Rejection{Index: i, RecordID: id, Reason: reason})
			continue
		}
		seen[id] = struct{}{}
		r.ID = id
		valid = append(valid, r)
	}
	return valid, rejected
}

func (b *Builder) inWindow(r incident.EventRecord, window incident.TimeRange) bool {
	if window.IsZero() || r.EventDate == nil {
		return true
	}
	return window.Contains(*r.EventDate)
}

// scoreAgainst scores the seed against the pool in parallel. Results land
// in pool order so assignment stays deterministic.
func (b *Builder) scoreAgainst(ctx context.Context, records []incident.EventRecord, seed int, pool []int) ([]candidate, error) {
	out := make([]candidate, len(pool))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)
	for i, idx := range pool {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = candidate{idx: idx, result: b.scorer.Score(records[seed], records[idx])}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("score pairs for %s: %w", records[seed].ID, err)
	}
	if b.observer != nil {
		for _, c := range out {
			b.observer.ObservePair(c.result)
		}
	}
	return out, nil
}

// arbitrate resolves undecided pairs. The gateway bounds concurrency and
// never fails, so only cancellation aborts the batch.
func (b *Builder) arbitrate(ctx context.Context, records []incident.EventRecord, seed int, candidates []candidate, stats *Stats) error {
	var pending []int
	for i := range candidates {
		if candidates[i].result.Decision == incident.DecisionUndecided {
			pending = append(pending, i)
		}
	}
	stats.Undecided += len(pending)
	if len(pending) == 0 || b.gateway == nil {
		return nil
	}

	outcomes := make([]arbiter.Outcome, len(pending))
	var g errgroup.Group
	for n, i := range pending {
		g.Go(func() error {
			c := candidates[i]
			outcomes[n] = b.gateway.Decide(ctx, records[seed], records[c.idx], c.result)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for n, i := range pending {
		outcome := outcomes[n]
		candidates[i].outcome = &outcome
		stats.ArbiterCalls++
		if outcome.Err != nil {
			stats.ArbiterFailed++
		}
		if outcome.Same {
			stats.ArbiterMerges++
		}
	}
	return nil
}

func (c candidate) matched() bool {
	switch c.result.Decision {
	case incident.DecisionMatch:
		return true
	case incident.DecisionUndecided:
		return c.outcome != nil && c.outcome.Same
	default:
		return false
	}
}

// resolveConflicts drops a joiner that the different-incident rule vetoes
// against an earlier accepted member. Dropped records return to the pool.
func (b *Builder) resolveConflicts(records []incident.EventRecord, seed int, candidates []candidate, res *Result) []candidate {
	var accepted []candidate
	for _, c := range candidates {
		if !c.matched() {
			continue
		}
		conflict := false
		for _, prev := range accepted {
			veto, reason := b.scorer.Conflict(records[prev.idx], records[c.idx])
			if !veto {
				continue
			}
			conflict = true
			o := Override{
				SeedID:        records[seed].ID,
				RecordID:      records[c.idx].ID,
				ConflictingID: records[prev.idx].ID,
				Score:         c.result.Score,
				Reason:        reason,
			}
			res.Overrides = append(res.Overrides, o)
			res.Stats.Overrides++
			b.logger.Info().
				Str("seed_id", o.SeedID).
				Str("record_id", o.RecordID).
				Str("conflicting_id", o.ConflictingID).
				Str("reason", reason).
				Msg("cluster split on conflicting joiner")
			break
		}
		if !conflict {
			accepted = append(accepted, c)
		}
	}
	return accepted
}

func (b *Builder) build(records []incident.EventRecord, seed int, joiners []candidate) incident.Cluster {
	seedRecord := records[seed]
	c := incident.Cluster{
		MemberIDs:        make([]string, 0, len(joiners)+1),
		Members:          make([]incident.Member, 0, len(joiners)+1),
		AlgorithmVersion: b.cfg.AlgorithmVersion,
	}
	c.MemberIDs = append(c.MemberIDs, seedRecord.ID)
	c.Members = append(c.Members, incident.Member{
		RecordID:    seedRecord.ID,
		Score:       1,
		Basis:       incident.BasisHeuristic,
		EntityGated: strings.TrimSpace(seedRecord.OrganizationName) != "",
	})

	sum := 0.0
	for _, j := range joiners {
		basis := j.result.DecisionBasis
		if j.result.Decision == incident.DecisionUndecided {
			basis = incident.BasisArbiter
		}
		c.MemberIDs = append(c.MemberIDs, records[j.idx].ID)
		c.Members = append(c.Members, incident.Member{
			RecordID:    records[j.idx].ID,
			Score:       j.result.Score,
			Basis:       basis,
			EntityGated: j.result.EntityGated,
			Detector:    j.result.Detector,
		})
		sum += j.result.Score
	}

	if len(joiners) == 0 {
		c.AverageSimilarity = 1
	} else {
		c.AverageSimilarity = sum / float64(len(joiners))
	}
	c.ClusterID = incident.ClusterID(c.AlgorithmVersion, c.MemberIDs)
	return c
}
