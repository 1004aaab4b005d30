package similarity

import "fmt"

// Weights are the composite score weights. They are normalized by their sum
// so a tuning file can express them in any scale.
type Weights struct {
	KeyTerms    float64 `koanf:"key_terms"`
	Title       float64 `koanf:"title"`
	Description float64 `koanf:"description"`
	EventType   float64 `koanf:"event_type"`
}

// DateFactors multiply the composite by how close the two event dates are.
type DateFactors struct {
	SameDay float64 `koanf:"same_day"`
	Week    float64 `koanf:"week"`
	Month   float64 `koanf:"month"`
	Quarter float64 `koanf:"quarter"`
	Beyond  float64 `koanf:"beyond"`
	Missing float64 `koanf:"missing"`
}

// Config carries every tunable threshold. It is passed by value into the
// scorer and the cluster builder; nothing here is package state.
type Config struct {
	EntityGate              float64 `koanf:"entity_gate"`
	EntityMismatchCeiling   float64 `koanf:"entity_mismatch_ceiling"`
	MatchThreshold          float64 `koanf:"match_threshold"`
	StrongThreshold         float64 `koanf:"strong_threshold"`
	AmbiguousFloor          float64 `koanf:"ambiguous_floor"`
	GenericSummaryThreshold float64 `koanf:"generic_summary_threshold"`
	StrongBoostPerCategory  float64 `koanf:"strong_boost_per_category"`

	IdenticalTitleScore float64 `koanf:"identical_title_score"`
	TruncationScore     float64 `koanf:"truncation_score"`
	TruncationMinTokens int     `koanf:"truncation_min_tokens"`
	GenericMinTerms     int     `koanf:"generic_min_terms"`
	UpdateScore         float64 `koanf:"update_score"`
	UpdateMinRatio      float64 `koanf:"update_min_ratio"`
	UpdateMaxRatio      float64 `koanf:"update_max_ratio"`
	DifferentMinRatio   float64 `koanf:"different_min_ratio"`
	DifferentMinGapDays int     `koanf:"different_min_gap_days"`
	DerivedKeyTermLimit int     `koanf:"derived_key_term_limit"`

	Weights     Weights     `koanf:"weights"`
	DateFactors DateFactors `koanf:"date_factors"`
}

func DefaultConfig() Config {
	return Config{
		EntityGate:              0.8,
		EntityMismatchCeiling:   0.3,
		MatchThreshold:          0.7,
		StrongThreshold:         0.6,
		AmbiguousFloor:          0.5,
		GenericSummaryThreshold: 0.5,
		StrongBoostPerCategory:  0.05,
		IdenticalTitleScore:     0.95,
		TruncationScore:         0.9,
		TruncationMinTokens:     3,
		GenericMinTerms:         3,
		UpdateScore:             0.9,
		UpdateMinRatio:          2,
		UpdateMaxRatio:          50,
		DifferentMinRatio:       10,
		DifferentMinGapDays:     90,
		DerivedKeyTermLimit:     12,
		Weights: Weights{
			KeyTerms:    0.4,
			Title:       0.3,
			Description: 0.2,
			EventType:   0.1,
		},
		DateFactors: DateFactors{
			SameDay: 1.0,
			Week:    0.95,
			Month:   0.85,
			Quarter: 0.70,
			Beyond:  0.50,
			Missing: 0.80,
		},
	}
}

func (c Config) Validate() error {
	unit := map[string]float64{
		"entity_gate":               c.EntityGate,
		"entity_mismatch_ceiling":   c.EntityMismatchCeiling,
		"match_threshold":           c.MatchThreshold,
		"strong_threshold":          c.StrongThreshold,
		"ambiguous_floor":           c.AmbiguousFloor,
		"generic_summary_threshold": c.GenericSummaryThreshold,
		"identical_title_score":     c.IdenticalTitleScore,
		"truncation_score":          c.TruncationScore,
		"update_score":              c.UpdateScore,
	}
	for name, v := range unit {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %f", name, v)
		}
	}
	if c.AmbiguousFloor > c.StrongThreshold {
		return fmt.Errorf("ambiguous_floor (%f) cannot exceed strong_threshold (%f)", c.AmbiguousFloor, c.StrongThreshold)
	}
	if c.StrongThreshold > c.MatchThreshold {
		return fmt.Errorf("strong_threshold (%f) cannot exceed match_threshold (%f)", c.StrongThreshold, c.MatchThreshold)
	}
	if c.UpdateMinRatio < 1 || c.UpdateMaxRatio < c.UpdateMinRatio {
		return fmt.Errorf("update ratio band [%f,%f] is invalid", c.UpdateMinRatio, c.UpdateMaxRatio)
	}
	if c.DifferentMinRatio < 1 {
		return fmt.Errorf("different_min_ratio must be >= 1")
	}
	if c.DifferentMinGapDays < 0 {
		return fmt.Errorf("different_min_gap_days must be >= 0")
	}
	if c.GenericMinTerms < 1 {
		return fmt.Errorf("generic_min_terms must be >= 1")
	}
	w := c.Weights
	if w.KeyTerms < 0 || w.Title < 0 || w.Description < 0 || w.EventType < 0 {
		return fmt.Errorf("weights must be non-negative")
	}
	if w.KeyTerms+w.Title+w.Description+w.EventType <= 0 {
		return fmt.Errorf("weights must not all be zero")
	}
	return nil
}
