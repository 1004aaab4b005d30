package pipeline

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"horse.fit/incidentdedup/internal/arbiter"
	"horse.fit/incidentdedup/internal/cluster"
	"horse.fit/incidentdedup/internal/incident"
	"horse.fit/incidentdedup/internal/merge"
)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func tollBatch() []incident.EventRecord {
	return []incident.EventRecord{
		{
			ID:               "toll-1",
			Title:            "Toll hit by Mailto ransomware",
			Description:      "Australian logistics company Toll has shut down systems after a Mailto ransomware attack encrypted servers.",
			EventType:        incident.EventTypeRansomware,
			EventDate:        day(2020, time.May, 1),
			OrganizationName: "Toll",
			KeyTerms:         []string{"toll", "ransomware", "mailto"},
			SourceWeight:     0.6,
		},
		{
			ID:               "toll-2",
			Title:            "Toll Group ransomware attack disrupts operations",
			Description:      "Toll Group confirmed the Mailto ransomware attack forced it to shut down systems and disrupted deliveries.",
			EventType:        incident.EventTypeRansomware,
			EventDate:        day(2020, time.May, 5),
			OrganizationName: "Toll Group",
			KeyTerms:         []string{"toll", "ransomware", "mailto", "operations"},
			SourceWeight:     0.9,
		},
		{
			ID:               "lone",
			Title:            "Regional council reports phishing attempt",
			OrganizationName: "Shire of Nowhere",
			EventType:        incident.EventTypePhishing,
			SourceWeight:     0.5,
		},
	}
}

func TestBuildPlanMergesEveryCluster(t *testing.T) {
	t.Parallel()

	records := tollBatch()
	plan, err := BuildPlan(context.Background(), cluster.NewBuilder(cluster.DefaultConfig()), merge.NewMerger(), records, incident.TimeRange{})
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if len(plan.Clusters) != 2 || len(plan.Canonical) != 2 {
		t.Fatalf("expected two clusters and canonical events, got %d/%d", len(plan.Clusters), len(plan.Canonical))
	}
	for i, c := range plan.Clusters {
		ev := plan.Canonical[i]
		if ev.ID != c.ClusterID {
			t.Fatalf("canonical %d id %s does not match cluster %s", i, ev.ID, c.ClusterID)
		}
		if ev.ContributingRecordCount != c.Size() {
			t.Fatalf("canonical %d counts %d members, cluster has %d", i, ev.ContributingRecordCount, c.Size())
		}
	}
	if plan.Canonical[0].Members[0].Role != incident.RolePrimary && plan.Canonical[0].Members[1].Role != incident.RolePrimary {
		t.Fatalf("toll canonical has no primary: %+v", plan.Canonical[0].Members)
	}
	if plan.Stats.Records != 3 || plan.Stats.Singletons != 1 {
		t.Fatalf("unexpected stats: %+v", plan.Stats)
	}
}

func TestBuildPlanRequiresEngine(t *testing.T) {
	t.Parallel()

	if _, err := BuildPlan(context.Background(), nil, merge.NewMerger(), nil, incident.TimeRange{}); err == nil {
		t.Fatalf("expected error without builder")
	}
}

func TestBuildPlanHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BuildPlan(ctx, cluster.NewBuilder(cluster.DefaultConfig()), merge.NewMerger(), tollBatch(), incident.TimeRange{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSupersessionReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                     string
		oldCount, shared, newCnt int
		want                     string
	}{
		{name: "old grows", oldCount: 2, shared: 2, newCnt: 3, want: reasonMerged},
		{name: "old shrinks", oldCount: 3, shared: 2, newCnt: 2, want: reasonSplit},
		{name: "partial overlap", oldCount: 3, shared: 2, newCnt: 3, want: reasonReclustered},
		{name: "same size different members", oldCount: 2, shared: 1, newCnt: 2, want: reasonReclustered},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := supersessionReason(tc.oldCount, tc.shared, tc.newCnt); got != tc.want {
				t.Fatalf("supersessionReason(%d,%d,%d) = %q, want %q", tc.oldCount, tc.shared, tc.newCnt, got, tc.want)
			}
		})
	}
}

func TestIsRetryableStoreError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "deadlock wrapped", err: fmt.Errorf("upsert: %w", &pgconn.PgError{Code: "40P01"}), want: true},
		{name: "lock timeout", err: &pgconn.PgError{Code: "55P03"}, want: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "bad conn", err: driver.ErrBadConn, want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "invalid input", err: ErrInvalidInput, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isRetryableStoreError(tc.err); got != tc.want {
				t.Fatalf("isRetryableStoreError(%v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}

func TestWithStoreRetryRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	s := NewService(nil, zerolog.Nop(), WithStoreRetries(3))
	s.storeRetry.Initial = time.Millisecond
	s.storeRetry.Max = time.Millisecond

	calls := 0
	err := s.withStoreRetry(context.Background(), "test op", func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestWithStoreRetryStopsOnPermanentErrors(t *testing.T) {
	t.Parallel()

	s := NewService(nil, zerolog.Nop(), WithStoreRetries(5))
	s.storeRetry.Initial = time.Millisecond

	calls := 0
	err := s.withStoreRetry(context.Background(), "merge", func(context.Context) error {
		calls++
		return fmt.Errorf("%w: not active", ErrConflict)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
	if !strings.HasPrefix(err.Error(), "merge: ") {
		t.Fatalf("expected operation prefix, got %q", err.Error())
	}
}

func TestAuditBufferSeparatesRuns(t *testing.T) {
	t.Parallel()

	buf := NewAuditBuffer()
	buf.RecordArbitration(arbiter.AuditEntry{RunID: "run-a", LeftID: "1", RightID: "2"})
	buf.RecordArbitration(arbiter.AuditEntry{RunID: "run-b", LeftID: "3", RightID: "4"})
	buf.RecordArbitration(arbiter.AuditEntry{RunID: "run-a", LeftID: "1", RightID: "5"})

	a := buf.Drain("run-a")
	if len(a) != 2 || a[1].RightID != "5" {
		t.Fatalf("unexpected run-a entries: %+v", a)
	}
	if again := buf.Drain("run-a"); len(again) != 0 {
		t.Fatalf("drain should forget entries, got %+v", again)
	}
	if b := buf.Drain("run-b"); len(b) != 1 {
		t.Fatalf("unexpected run-b entries: %+v", b)
	}

	var nilBuf *AuditBuffer
	nilBuf.RecordArbitration(arbiter.AuditEntry{})
	if nilBuf.Drain("x") != nil {
		t.Fatalf("nil buffer should drain nothing")
	}
}

func TestWithoutPinnedDropsManualMembers(t *testing.T) {
	t.Parallel()

	records := tollBatch()
	kept, dropped := withoutPinned(records, map[string]struct{}{"toll-2": {}})
	if dropped != 1 || len(kept) != 2 || kept[0].ID != "toll-1" || kept[1].ID != "lone" {
		t.Fatalf("unexpected result: dropped=%d kept=%+v", dropped, kept)
	}
	if len(records) != 3 || records[1].ID != "toll-2" {
		t.Fatalf("input slice was modified: %+v", records)
	}
}

func TestSortByIngestionOrdersUndatedLast(t *testing.T) {
	t.Parallel()

	early := day(2024, time.January, 1)
	late := day(2024, time.February, 1)
	records := []incident.EventRecord{
		{ID: "c", IngestedAt: nil},
		{ID: "b", IngestedAt: late},
		{ID: "z", IngestedAt: early},
		{ID: "a", IngestedAt: early},
	}
	sortByIngestion(records)

	got := make([]string, 0, len(records))
	for _, r := range records {
		got = append(got, r.ID)
	}
	if strings.Join(got, ",") != "a,z,b,c" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestDedupResultSummary(t *testing.T) {
	t.Parallel()

	line := DedupResult{RunID: "r1", Records: 10, Clusters: 4, Created: 3, Unchanged: 1, Duration: 1500 * time.Millisecond}.Summary()
	for _, want := range []string{"run=r1", "records=10", "clusters=4", "created=3", "unchanged=1", "duration=1.5s"} {
		if !strings.Contains(line, want) {
			t.Fatalf("summary %q missing %q", line, want)
		}
	}
}

func TestStoreOperationsRequirePool(t *testing.T) {
	t.Parallel()

	s := NewService(nil, zerolog.Nop())
	if _, err := s.DedupWindow(context.Background(), DedupOptions{}); err == nil {
		t.Fatalf("expected dedup error without store")
	}
	if _, err := s.ImportRecords(context.Background(), []byte(`[]`), ImportOptions{}); err == nil {
		t.Fatalf("expected import error without store")
	}
	if _, err := s.ManualMerge(context.Background(), ManualMergeRequest{}); err == nil {
		t.Fatalf("expected manual merge error without store")
	}
}
