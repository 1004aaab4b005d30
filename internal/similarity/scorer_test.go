package similarity

import (
	"strings"
	"testing"
	"time"

	"horse.fit/incidentdedup/internal/incident"
)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestScoreTruncatedTitle(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig())
	a := incident.EventRecord{ID: "a", Title: "Medibank confirms breach", OrganizationName: "Medibank", EventType: incident.EventTypeDataBreach}
	b := incident.EventRecord{ID: "b", Title: "Medibank confirms breach affecting customers", OrganizationName: "Medibank", EventType: incident.EventTypeDataBreach}

	result := scorer.Score(a, b)
	if result.Score < 0.9 {
		t.Fatalf("expected truncated headline to score >= 0.9, got %f (%s)", result.Score, result.Reason)
	}
	if result.Decision != incident.DecisionMatch {
		t.Fatalf("unexpected decision: got %q want %q", result.Decision, incident.DecisionMatch)
	}
	if result.Detector != DetectorTruncation {
		t.Fatalf("unexpected detector: got %q want %q", result.Detector, DetectorTruncation)
	}

	unnamed := scorer.Score(
		incident.EventRecord{ID: "c", Title: a.Title},
		incident.EventRecord{ID: "d", Title: b.Title},
	)
	if unnamed.Score < 0.9 {
		t.Fatalf("expected truncation to apply without organization names, got %f", unnamed.Score)
	}
}

func TestScoreSharedHeadlineWordingIsNotTruncation(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig())
	tests := []struct {
		name string
		a, b incident.EventRecord
	}{
		{
			name: "different victim at the end",
			a:    incident.EventRecord{ID: "a", Title: "Ransomware attack hits Latitude Financial"},
			b:    incident.EventRecord{ID: "b", Title: "Ransomware attack hits Toll"},
		},
		{
			name: "different victim at the start",
			a:    incident.EventRecord{ID: "a", Title: "Optus data breach exposes customers"},
			b:    incident.EventRecord{ID: "b", Title: "Medibank data breach exposes customers"},
		},
		{
			name: "only one side named",
			a:    incident.EventRecord{ID: "a", Title: "Optus data breach exposes customers", OrganizationName: "Optus"},
			b:    incident.EventRecord{ID: "b", Title: "Medibank data breach exposes customers"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			result := scorer.Score(tc.a, tc.b)
			if result.Detector == DetectorTruncation {
				t.Fatalf("truncation applied to %q vs %q: %s", tc.a.Title, tc.b.Title, result.Reason)
			}
			if result.Decision == incident.DecisionMatch {
				t.Fatalf("unexpected match: score=%f reason=%s", result.Score, result.Reason)
			}
		})
	}
}

func TestDetectTruncationRequiresContiguousRun(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	tests := []struct {
		short, long string
		applies     bool
	}{
		{short: "Medibank confirms breach", long: "Medibank confirms breach affecting customers", applies: true},
		{short: "confirms breach affecting", long: "Medibank confirms breach affecting customers", applies: true},
		{short: "Medibank breach customers", long: "Medibank confirms breach affecting customers", applies: false},
		{short: "Medibank confirms brea", long: "Medibank confirms breach affecting customers", applies: false},
	}
	for _, tc := range tests {
		a := incident.EventRecord{Title: tc.short}
		b := incident.EventRecord{Title: tc.long}
		out := detectTruncation(cfg, newPair(cfg, &a, &b), 0)
		if out.Applies != tc.applies {
			t.Fatalf("detectTruncation(%q, %q) applies=%t, want %t", tc.short, tc.long, out.Applies, tc.applies)
		}
	}
}

func TestScoreEntityGateMonotonicity(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig())
	base := incident.EventRecord{
		ID:               "optus",
		Title:            "Optus hit by massive data breach",
		Description:      "Hackers accessed passport and driver licence numbers of millions of customers.",
		EventType:        incident.EventTypeDataBreach,
		EventDate:        day(2022, time.September, 22),
		OrganizationName: "Optus",
		KeyTerms:         []string{"breach", "passport", "licence", "customers"},
	}

	others := []incident.EventRecord{
		{ID: "m1", Title: "Medibank hit by data breach", OrganizationName: "Medibank"},
		{ID: "m2", Title: "Medibank hit by massive data breach", OrganizationName: "Medibank", EventType: base.EventType, KeyTerms: base.KeyTerms},
		{
			ID:               "m3",
			Title:            "Medibank hit by massive data breach today",
			Description:      base.Description,
			EventType:        base.EventType,
			EventDate:        base.EventDate,
			OrganizationName: "Medibank Private",
			KeyTerms:         base.KeyTerms,
		},
	}
	for _, other := range others {
		result := scorer.Score(base, other)
		if result.Decision != incident.DecisionNoMatch {
			t.Fatalf("%s: expected entity gate to reject, got %q (score=%f)", other.ID, result.Decision, result.Score)
		}
		if result.Score >= DefaultConfig().AmbiguousFloor {
			t.Fatalf("%s: expected gated score below ambiguous floor, got %f", other.ID, result.Score)
		}
		if result.Reason != ReasonEntityMismatch {
			t.Fatalf("%s: unexpected reason %q", other.ID, result.Reason)
		}
	}
}

func TestScoreIdenticalTitleBypassesEntityGate(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig())
	a := incident.EventRecord{ID: "a", Title: "Latitude Financial data breach", OrganizationName: "Latitude Financial"}
	b := incident.EventRecord{ID: "b", Title: "Latitude  financial data breach", OrganizationName: "Personal Loans Co"}

	result := scorer.Score(a, b)
	if result.DecisionBasis != incident.BasisIdenticalTitle {
		t.Fatalf("unexpected decision basis: got %q want %q", result.DecisionBasis, incident.BasisIdenticalTitle)
	}
	if result.Decision != incident.DecisionMatch {
		t.Fatalf("expected identical headlines to match, got %q (score=%f)", result.Decision, result.Score)
	}
}

func TestScoreDifferentIncidentGuard(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig())
	a := incident.EventRecord{
		ID:               "lat-1",
		Title:            "Latitude Financial phishing attack exposes 500 customer records",
		Description:      "A phishing campaign gave attackers access to a staff mailbox.",
		EventType:        incident.EventTypeDataBreach,
		EventDate:        day(2023, time.January, 10),
		OrganizationName: "Latitude Financial",
	}
	b := incident.EventRecord{
		ID:               "lat-2",
		Title:            "Latitude Financial hit by LockBit ransomware, 8,000 customers affected",
		Description:      "The LockBit gang claimed the attack on Latitude Financial.",
		EventType:        incident.EventTypeDataBreach,
		EventDate:        day(2023, time.June, 20),
		OrganizationName: "Latitude Financial",
	}

	result := scorer.Score(a, b)
	if result.Decision != incident.DecisionNoMatch {
		t.Fatalf("expected different-incident veto, got %q (score=%f, reason=%s)", result.Decision, result.Score, result.Reason)
	}
	if result.Detector != DetectorDifferentIncident {
		t.Fatalf("unexpected detector: got %q want %q", result.Detector, DetectorDifferentIncident)
	}

	conflict, reason := scorer.Conflict(a, b)
	if !conflict || reason == "" {
		t.Fatalf("expected Conflict to report the veto, got conflict=%t reason=%q", conflict, reason)
	}
}

func TestScoreIncidentUpdate(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig())
	a := incident.EventRecord{
		ID:               "optus-1",
		Title:            "Optus confirms LockBit attack exposed 10,000 customers",
		EventType:        incident.EventTypeDataBreach,
		EventDate:        day(2022, time.September, 22),
		OrganizationName: "Optus",
	}
	b := incident.EventRecord{
		ID:               "optus-2",
		Title:            "Optus says 150,000 customers hit in LockBit breach",
		EventType:        incident.EventTypeDataBreach,
		EventDate:        day(2022, time.October, 3),
		OrganizationName: "Optus",
	}

	result := scorer.Score(a, b)
	if result.Score < 0.9 {
		t.Fatalf("expected update detection to score >= 0.9, got %f (%s)", result.Score, result.Reason)
	}
	if result.Decision != incident.DecisionMatch {
		t.Fatalf("unexpected decision: got %q want %q", result.Decision, incident.DecisionMatch)
	}
	if !strings.Contains(result.Reason, DetectorIncidentUpdate) {
		t.Fatalf("expected incident_update in reason, got %q", result.Reason)
	}
}

func TestScoreDifferentIncidentTakesPrecedenceOverUpdate(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig())
	a := incident.EventRecord{
		ID:               "x-1",
		Title:            "Acme phishing and LockBit extortion hits 1,000 customers",
		EventDate:        day(2023, time.January, 1),
		OrganizationName: "Acme",
	}
	b := incident.EventRecord{
		ID:               "x-2",
		Title:            "Acme LockBit attack affects 20,000 customers",
		EventDate:        day(2023, time.August, 1),
		OrganizationName: "Acme",
	}

	result := scorer.Score(a, b)
	if result.Decision != incident.DecisionNoMatch || result.Detector != DetectorDifferentIncident {
		t.Fatalf("expected different-incident to win, got decision=%q detector=%q", result.Decision, result.Detector)
	}
}

func TestScoreTollScenario(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig())
	a := incident.EventRecord{
		ID:               "toll-1",
		Title:            "Toll hit by Mailto ransomware",
		Description:      "Australian logistics company Toll has shut down systems after a Mailto ransomware attack encrypted servers.",
		EventType:        incident.EventTypeRansomware,
		EventDate:        day(2020, time.May, 1),
		OrganizationName: "Toll",
		KeyTerms:         []string{"toll", "ransomware", "mailto"},
	}
	b := incident.EventRecord{
		ID:               "toll-2",
		Title:            "Toll Group ransomware attack disrupts operations",
		Description:      "Toll Group confirmed the Mailto ransomware attack forced it to shut down systems and disrupted deliveries.",
		EventType:        incident.EventTypeRansomware,
		EventDate:        day(2020, time.May, 5),
		OrganizationName: "Toll Group",
		KeyTerms:         []string{"toll", "ransomware", "mailto", "operations"},
	}

	result := scorer.Score(a, b)
	if result.EntityScore != 0.95 {
		t.Fatalf("unexpected entity score: got %f want 0.95", result.EntityScore)
	}
	if result.DateFactor != 0.95 {
		t.Fatalf("unexpected date factor: got %f want 0.95", result.DateFactor)
	}
	if !result.IsStrongIndicatorMatch {
		t.Fatalf("expected shared Mailto mention to count as a strong indicator")
	}
	if result.Decision != incident.DecisionMatch {
		t.Fatalf("expected Toll records to match, got %q (score=%f threshold=%f)", result.Decision, result.Score, result.Threshold)
	}
}

func TestScoreDateFactor(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig())
	anchor := day(2024, time.March, 10)
	cases := []struct {
		other *time.Time
		want  float64
	}{
		{other: day(2024, time.March, 10), want: 1.0},
		{other: day(2024, time.March, 17), want: 0.95},
		{other: day(2024, time.April, 2), want: 0.85},
		{other: day(2024, time.May, 30), want: 0.70},
		{other: day(2024, time.December, 1), want: 0.50},
		{other: nil, want: 0.80},
	}
	for _, tc := range cases {
		result := scorer.Score(
			incident.EventRecord{ID: "a", Title: "alpha", EventDate: anchor},
			incident.EventRecord{ID: "b", Title: "beta", EventDate: tc.other},
		)
		if result.DateFactor != tc.want {
			t.Fatalf("unexpected date factor for %v: got %f want %f", tc.other, result.DateFactor, tc.want)
		}
	}
}

func TestScoreStrongIndicatorLowersThreshold(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig())
	result := scorer.Score(
		incident.EventRecord{ID: "a", Title: "University staff data stolen via MOVEit flaw"},
		incident.EventRecord{ID: "b", Title: "Hackers exploit MOVEit to raid payroll files"},
	)
	if !result.IsStrongIndicatorMatch {
		t.Fatalf("expected shared platform to be a strong indicator")
	}
	if result.Threshold != DefaultConfig().StrongThreshold {
		t.Fatalf("unexpected threshold: got %f want %f", result.Threshold, DefaultConfig().StrongThreshold)
	}
	if len(result.Indicators) != 1 || result.Indicators[0] != IndicatorPlatform {
		t.Fatalf("unexpected indicators: %v", result.Indicators)
	}
}

func TestScoreAmbiguousBandIsUndecided(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Weights = Weights{EventType: 1}
	cfg.MatchThreshold = 0.9
	cfg.StrongThreshold = 0.85

	scorer := NewScorer(cfg)
	result := scorer.Score(
		incident.EventRecord{ID: "a", Title: "Alpha incident one", EventType: incident.EventTypeMalware},
		incident.EventRecord{ID: "b", Title: "Beta event two", EventType: incident.EventTypeMalware},
	)
	if result.Score < 0.79 || result.Score > 0.81 {
		t.Fatalf("expected type-only composite scaled by missing-date factor, got %f", result.Score)
	}
	if result.Decision != incident.DecisionUndecided {
		t.Fatalf("unexpected decision: got %q want %q", result.Decision, incident.DecisionUndecided)
	}

	relaxed := NewScorer(DefaultConfig())
	if got := relaxed.Score(
		incident.EventRecord{ID: "a", Title: "Alpha incident one", EventType: incident.EventTypeMalware},
		incident.EventRecord{ID: "b", Title: "Beta event two", EventType: incident.EventTypeMalware},
	); got.Decision != incident.DecisionNoMatch {
		t.Fatalf("expected default weights to reject, got %q (score=%f)", got.Decision, got.Score)
	}
}

func TestScoreGenericSummaryLowersThreshold(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	scorer := NewScorer(cfg)
	result := scorer.Score(
		incident.EventRecord{
			ID:          "g1",
			Title:       "Monthly data breach roundup March 2024",
			Description: "Our monthly recap of notifiable data breaches reported to the OAIC.",
		},
		incident.EventRecord{
			ID:          "g2",
			Title:       "Weekly cyber digest for March 2024",
			Description: "A digest of breaches and campaigns seen this week.",
		},
	)
	if result.Threshold != cfg.GenericSummaryThreshold {
		t.Fatalf("unexpected threshold: got %f want %f", result.Threshold, cfg.GenericSummaryThreshold)
	}
	if !strings.Contains(result.Reason, DetectorGenericSummary) {
		t.Fatalf("expected generic_summary in reason, got %q", result.Reason)
	}
}

func TestIsGenericCountsMay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want bool
	}{
		{text: "Data breach roundup for May 2024", want: true},
		{text: "Attackers may have accessed Optus customer data", want: false},
		{text: "Hackers may have stolen Medibank records, it may take weeks to confirm", want: false},
	}
	for _, tc := range tests {
		if got := IsGeneric(tc.text, 0); got != tc.want {
			t.Fatalf("IsGeneric(%q) = %t, want %t (terms=%d)", tc.text, got, tc.want, genericTermCount(tc.text))
		}
	}
}

func TestWithDetectorsReplacesChain(t *testing.T) {
	t.Parallel()

	scorer := NewScorer(DefaultConfig(), WithDetectors(nil))
	result := scorer.Score(
		incident.EventRecord{ID: "a", Title: "Medibank confirms breach"},
		incident.EventRecord{ID: "b", Title: "Medibank confirms breach affecting customers"},
	)
	if result.Detector != "" {
		t.Fatalf("expected no detector to apply, got %q", result.Detector)
	}
	if result.Score >= 0.9 {
		t.Fatalf("expected unboosted score, got %f", result.Score)
	}
}

func TestStatedRecordCount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want int64
	}{
		{text: "Optus says 9.7 million customers affected", want: 9_700_000},
		{text: "attack exposed 10,000 customers", want: 10_000},
		{text: "500 customer records leaked", want: 500},
		{text: "details of 150,000 current and former customers", want: 150_000},
		{text: "no figures here", want: 0},
	}
	for _, tc := range cases {
		if got := statedRecordCount(tc.text); got != tc.want {
			t.Fatalf("unexpected count for %q: got %d want %d", tc.text, got, tc.want)
		}
	}
}

func TestExplicitDates(t *testing.T) {
	t.Parallel()

	dates := explicitDates("Detected on 12 March 2024, disclosed March 12, 2024 (2024-03-12).")
	if len(dates) != 1 {
		t.Fatalf("expected the three spellings to collapse to one date, got %v", dates)
	}
	if _, ok := dates["2024-03-12"]; !ok {
		t.Fatalf("expected 2024-03-12, got %v", dates)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	bad := DefaultConfig()
	bad.StrongThreshold = 0.8
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected strong threshold above match threshold to be rejected")
	}

	bad = DefaultConfig()
	bad.Weights = Weights{}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected all-zero weights to be rejected")
	}
}
