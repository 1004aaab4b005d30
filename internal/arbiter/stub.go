package arbiter

import (
	"context"
	"sync"
	"time"

	"horse.fit/incidentdedup/internal/entity"
	"horse.fit/incidentdedup/internal/normalize"
)

const (
	stubSameOrgScore = 0.9
	stubMaxDayGap    = 30
	stubConfidence   = 0.8
)

// Stub is a deterministic offline arbiter. Pairs can be pinned with Set;
// anything else is answered from organisation and date agreement.
type Stub struct {
	mu       sync.RWMutex
	verdicts map[[2]string]Verdict
}

func NewStub() *Stub {
	return &Stub{verdicts: make(map[[2]string]Verdict)}
}

func (s *Stub) Name() string {
	return "stub"
}

// Set pins the verdict for a record pair in either order.
func (s *Stub) Set(leftID, rightID string, v Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[stubKey(leftID, rightID)] = v
}

func (s *Stub) SameIncident(ctx context.Context, a, b Summary) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	s.mu.RLock()
	v, ok := s.verdicts[stubKey(a.RecordID, b.RecordID)]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	if entity.Score(a.Organization, b.Organization) < stubSameOrgScore {
		return Verdict{Same: false, Confidence: stubConfidence, Reasoning: "organisations differ"}, nil
	}
	left, lok := parseSummaryDate(a.Date)
	right, rok := parseSummaryDate(b.Date)
	if lok && rok && normalize.DaysApart(left, right) > stubMaxDayGap {
		return Verdict{Same: false, Confidence: stubConfidence, Reasoning: "same organisation, dates too far apart"}, nil
	}
	return Verdict{Same: true, Confidence: stubConfidence, Reasoning: "same organisation, dates agree"}, nil
}

func parseSummaryDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func stubKey(leftID, rightID string) [2]string {
	if leftID > rightID {
		leftID, rightID = rightID, leftID
	}
	return [2]string{leftID, rightID}
}
