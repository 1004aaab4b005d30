// Package arbiter asks an external text-understanding service whether two
// borderline records describe the same incident, and turns every failure
// into the conservative "different" answer.
package arbiter

import (
	"context"
	"errors"
	"strings"
	"time"

	"horse.fit/incidentdedup/internal/incident"
)

const summaryDescriptionLimit = 400

var ErrUnavailable = errors.New("arbiter unavailable")

// Summary is the compact view of a record sent to the arbiter.
type Summary struct {
	RecordID     string `json:"record_id"`
	Organization string `json:"organization"`
	Date         string `json:"date"`
	Title        string `json:"title"`
	Description  string `json:"description"`
}

func SummaryFor(r incident.EventRecord) Summary {
	s := Summary{
		RecordID:     r.ID,
		Organization: strings.TrimSpace(r.OrganizationName),
		Title:        strings.TrimSpace(r.Title),
		Description:  truncateRunes(strings.TrimSpace(r.Description), summaryDescriptionLimit),
	}
	if r.EventDate != nil {
		s.Date = r.EventDate.UTC().Format("2006-01-02")
	}
	return s
}

type Verdict struct {
	Same       bool    `json:"same"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Arbiter is the injected same-incident capability.
type Arbiter interface {
	Name() string
	SameIncident(ctx context.Context, a, b Summary) (Verdict, error)
}

// Outcome is the gateway's final answer for one pair. Same is only true
// when the arbiter answered in time and above the confidence floor.
type Outcome struct {
	Same       bool
	Confidence float64
	Reasoning  string
	Provider   string
	Attempts   int
	Latency    time.Duration
	FromCache  bool
	FailedSoft bool
	Err        error
}

// AuditEntry is one arbitration, persisted for offline review.
type AuditEntry struct {
	RunID      string
	LeftID     string
	RightID    string
	Provider   string
	LocalScore float64
	Same       bool
	Confidence float64
	Reasoning  string
	Attempts   int
	LatencyMs  int64
	FromCache  bool
	FailedSoft bool
	Error      string
	CreatedAt  time.Time
}

// AuditSink receives every arbitration outcome.
type AuditSink interface {
	RecordArbitration(entry AuditEntry)
}

type runIDKey struct{}

// ContextWithRunID tags arbitrations made under ctx with a run id, so one
// gateway can serve concurrent runs.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Cache stores raw verdicts between runs.
type Cache interface {
	Get(ctx context.Context, key string) (Verdict, bool, error)
	Set(ctx context.Context, key string, v Verdict) error
}

// Observer is notified of each outcome label and its latency.
type Observer interface {
	ObserveArbitration(outcome string, latency time.Duration)
}

// Func adapts a function to the Arbiter interface.
type Func func(ctx context.Context, a, b Summary) (Verdict, error)

func (f Func) Name() string { return "func" }

func (f Func) SameIncident(ctx context.Context, a, b Summary) (Verdict, error) {
	return f(ctx, a, b)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
