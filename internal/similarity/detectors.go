package similarity

import (
	"fmt"
	"strings"

	"horse.fit/incidentdedup/internal/incident"
)

// Detector names, also used as audit reasons.
const (
	DetectorDifferentIncident = "different_incident"
	DetectorIdenticalTitle    = "identical_title"
	DetectorIncidentUpdate    = "incident_update"
	DetectorTruncation        = "truncation"
	DetectorGenericSummary    = "generic_summary"
)

// Outcome is what a detector concluded about a pair. A non-empty Verdict
// ends evaluation; otherwise Score acts as a floor and Threshold, when set,
// replaces the active acceptance threshold if it is lower.
type Outcome struct {
	Applies   bool
	Score     float64
	Verdict   incident.Decision
	Threshold float64
	Reason    string
}

// Detector is one named special-case rule.
type Detector struct {
	Name  string
	Apply func(cfg Config, p *pair, score float64) Outcome
}

// DefaultDetectors returns the rules in precedence order. The
// different-incident veto runs before the update rule so a pair that trips
// both is split.
func DefaultDetectors() []Detector {
	return []Detector{
		{Name: DetectorDifferentIncident, Apply: detectDifferentIncident},
		{Name: DetectorIdenticalTitle, Apply: detectIdenticalTitle},
		{Name: DetectorIncidentUpdate, Apply: detectIncidentUpdate},
		{Name: DetectorTruncation, Apply: detectTruncation},
		{Name: DetectorGenericSummary, Apply: detectGenericSummary},
	}
}

func detectDifferentIncident(cfg Config, p *pair, score float64) Outcome {
	if !p.sameOrg {
		return Outcome{}
	}
	ratio, ok := p.countRatio()
	if !ok || ratio <= cfg.DifferentMinRatio {
		return Outcome{}
	}
	if len(p.left.Methods) == 0 || len(p.right.Methods) == 0 || sameSet(p.left.Methods, p.right.Methods) {
		return Outcome{}
	}
	if !p.datesKnown || p.daysApart <= cfg.DifferentMinGapDays {
		return Outcome{}
	}
	return Outcome{
		Applies: true,
		Score:   min(score, cfg.EntityMismatchCeiling),
		Verdict: incident.DecisionNoMatch,
		Reason: fmt.Sprintf(
			"record counts differ %.1fx, methods %s vs %s, %d days apart",
			ratio,
			strings.Join(sortedKeys(p.left.Methods), ","),
			strings.Join(sortedKeys(p.right.Methods), ","),
			p.daysApart,
		),
	}
}

func detectIdenticalTitle(cfg Config, p *pair, score float64) Outcome {
	if p.leftTitle == "" || p.leftTitle != p.rightTitle {
		return Outcome{}
	}
	return Outcome{
		Applies: true,
		Score:   max(score, cfg.IdenticalTitleScore),
		Reason:  "titles are identical",
	}
}

func detectIncidentUpdate(cfg Config, p *pair, score float64) Outcome {
	if !p.sameOrg || !intersects(p.left.Methods, p.right.Methods) {
		return Outcome{}
	}
	ratio, ok := p.countRatio()
	if !ok || ratio < cfg.UpdateMinRatio || ratio > cfg.UpdateMaxRatio {
		return Outcome{}
	}
	return Outcome{
		Applies: true,
		Score:   max(score, cfg.UpdateScore),
		Reason:  fmt.Sprintf("record count revised %.1fx with shared methods", ratio),
	}
}

func detectTruncation(cfg Config, p *pair, score float64) Outcome {
	shorter, longer := p.leftTitle, p.rightTitle
	if len(p.leftTitleTokens) > len(p.rightTitleTokens) {
		shorter, longer = longer, shorter
	}
	shortTokens := strings.Fields(shorter)
	if len(shortTokens) < cfg.TruncationMinTokens || shorter == longer {
		return Outcome{}
	}

	// Contiguous containment only: shared headline wording around a
	// different victim name is not a truncation.
	if !strings.Contains(" "+longer+" ", " "+shorter+" ") {
		return Outcome{}
	}
	return Outcome{
		Applies: true,
		Score:   max(score, cfg.TruncationScore),
		Reason:  "shorter title is contained in the longer title",
	}
}

func detectGenericSummary(cfg Config, p *pair, _ float64) Outcome {
	if p.leftGeneric < cfg.GenericMinTerms || p.rightGeneric < cfg.GenericMinTerms {
		return Outcome{}
	}
	return Outcome{
		Applies:   true,
		Threshold: cfg.GenericSummaryThreshold,
		Reason:    fmt.Sprintf("both records read as roundups (%d and %d boilerplate terms)", p.leftGeneric, p.rightGeneric),
	}
}
