// Package similarity scores whether two event records describe the same
// incident.
package similarity

import (
	"math"
	"strings"

	"horse.fit/incidentdedup/internal/entity"
	"horse.fit/incidentdedup/internal/incident"
	"horse.fit/incidentdedup/internal/normalize"
)

const ReasonEntityMismatch = "entity_mismatch"

type Scorer struct {
	cfg       Config
	detectors []Detector
}

type Option func(*Scorer)

// WithDetectors replaces the detector chain.
func WithDetectors(detectors []Detector) Option {
	return func(s *Scorer) {
		s.detectors = detectors
	}
}

func NewScorer(cfg Config, opts ...Option) *Scorer {
	s := &Scorer{
		cfg:       cfg,
		detectors: DefaultDetectors(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scorer) Config() Config { return s.cfg }

// pair holds the per-record features derived once per comparison.
type pair struct {
	a, b *incident.EventRecord

	entityScore float64
	bothNamed   bool
	sameOrg     bool

	leftTitle, rightTitle             string
	leftTitleTokens, rightTitleTokens []string

	left, right Indicators

	leftCount, rightCount int64

	datesKnown bool
	daysApart  int

	leftGeneric, rightGeneric int
}

func (p *pair) countRatio() (float64, bool) {
	if p.leftCount <= 0 || p.rightCount <= 0 {
		return 0, false
	}
	hi, lo := float64(p.leftCount), float64(p.rightCount)
	if lo > hi {
		hi, lo = lo, hi
	}
	return hi / lo, true
}

func newPair(cfg Config, a, b *incident.EventRecord) *pair {
	leftText := a.Title + " " + a.Description
	rightText := b.Title + " " + b.Description

	p := &pair{
		a:                a,
		b:                b,
		entityScore:      entity.Score(a.OrganizationName, b.OrganizationName),
		bothNamed:        strings.TrimSpace(a.OrganizationName) != "" && strings.TrimSpace(b.OrganizationName) != "",
		leftTitle:        normalize.Title(a.Title),
		rightTitle:       normalize.Title(b.Title),
		leftTitleTokens:  normalize.Tokens(a.Title),
		rightTitleTokens: normalize.Tokens(b.Title),
		left:             extractIndicators(leftText),
		right:            extractIndicators(rightText),
		leftCount:        recordCount(a, leftText),
		rightCount:       recordCount(b, rightText),
		leftGeneric:      genericTermCount(leftText),
		rightGeneric:     genericTermCount(rightText),
	}
	p.sameOrg = p.bothNamed && p.entityScore >= cfg.EntityGate
	if a.EventDate != nil && b.EventDate != nil {
		p.datesKnown = true
		p.daysApart = normalize.DaysApart(*a.EventDate, *b.EventDate)
	}
	return p
}

func recordCount(r *incident.EventRecord, text string) int64 {
	if r.RecordsAffected != nil && *r.RecordsAffected > 0 {
		return *r.RecordsAffected
	}
	return statedRecordCount(text)
}

// Score compares two records locally. Pairs landing in the ambiguous band
// come back undecided; the caller owns arbitration.
func (s *Scorer) Score(a, b incident.EventRecord) incident.SimilarityResult {
	cfg := s.cfg
	p := newPair(cfg, &a, &b)

	result := incident.SimilarityResult{
		EntityScore:   p.entityScore,
		DecisionBasis: incident.BasisHeuristic,
		Threshold:     cfg.MatchThreshold,
	}
	result.DateFactor = s.dateFactor(p)

	identicalTitles := p.leftTitle != "" && p.leftTitle == p.rightTitle
	if p.bothNamed && p.entityScore < cfg.EntityGate {
		if !identicalTitles {
			result.Score = clamp(p.entityScore * cfg.EntityMismatchCeiling)
			result.Decision = incident.DecisionNoMatch
			result.Reason = ReasonEntityMismatch
			return result
		}
		result.DecisionBasis = incident.BasisIdenticalTitle
		p.sameOrg = true
	}
	result.EntityGated = p.sameOrg

	score := s.composite(p) * result.DateFactor

	shared := p.left.overlap(p.right)
	threshold := cfg.MatchThreshold
	if len(shared) > 0 {
		result.IsStrongIndicatorMatch = true
		result.Indicators = shared
		score = clamp(score + cfg.StrongBoostPerCategory*float64(len(shared)))
		threshold = cfg.StrongThreshold
	}

	var reasons []string
	forced := incident.Decision("")
	for _, d := range s.detectors {
		out := d.Apply(cfg, p, score)
		if !out.Applies {
			continue
		}
		if result.Detector == "" {
			result.Detector = d.Name
		}
		reasons = append(reasons, d.Name+": "+out.Reason)
		if d.Name == DetectorIdenticalTitle {
			result.DecisionBasis = incident.BasisIdenticalTitle
		}
		if out.Verdict != "" {
			result.Detector = d.Name
			score = out.Score
			forced = out.Verdict
			break
		}
		score = max(score, out.Score)
		if out.Threshold > 0 && out.Threshold < threshold {
			threshold = out.Threshold
		}
	}

	result.Score = clamp(score)
	result.Threshold = threshold
	result.Reason = strings.Join(reasons, "; ")

	switch {
	case forced != "":
		result.Decision = forced
	case result.Score >= threshold:
		result.Decision = incident.DecisionMatch
	case result.Score >= cfg.AmbiguousFloor:
		result.Decision = incident.DecisionUndecided
	default:
		result.Decision = incident.DecisionNoMatch
	}
	return result
}

// Conflict reports whether the different-incident rule vetoes the pair.
// The cluster builder uses it to split tentative clusters.
func (s *Scorer) Conflict(a, b incident.EventRecord) (bool, string) {
	p := newPair(s.cfg, &a, &b)
	out := detectDifferentIncident(s.cfg, p, 1)
	return out.Applies, out.Reason
}

func (s *Scorer) composite(p *pair) float64 {
	w := s.cfg.Weights
	total := w.KeyTerms + w.Title + w.Description + w.EventType
	if total <= 0 {
		return 0
	}

	keyTerms := jaccard(s.keyTerms(p.a), s.keyTerms(p.b))
	title := cosine(normalize.TokenSet(p.a.Title), normalize.TokenSet(p.b.Title))
	description := cosine(normalize.TokenSet(p.a.Description), normalize.TokenSet(p.b.Description))
	eventType := 0.0
	if p.a.EventType != "" && p.a.EventType == p.b.EventType {
		eventType = 1
	}

	sum := w.KeyTerms*keyTerms + w.Title*title + w.Description*description + w.EventType*eventType
	return clamp(sum / total)
}

// keyTerms falls back to terms derived from the text when the record
// carries none.
func (s *Scorer) keyTerms(r *incident.EventRecord) map[string]struct{} {
	if set := normalize.TermSet(r.KeyTerms); len(set) > 0 {
		return set
	}
	return normalize.TermSet(normalize.KeyTerms(r.Title+" "+r.Description, r.Language, s.cfg.DerivedKeyTermLimit))
}

func (s *Scorer) dateFactor(p *pair) float64 {
	f := s.cfg.DateFactors
	if !p.datesKnown {
		return f.Missing
	}
	switch d := p.daysApart; {
	case d == 0:
		return f.SameDay
	case d <= 7:
		return f.Week
	case d <= 30:
		return f.Month
	case d <= 90:
		return f.Quarter
	default:
		return f.Beyond
	}
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union <= 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func cosine(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	return float64(intersection) / math.Sqrt(float64(len(a))*float64(len(b)))
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
