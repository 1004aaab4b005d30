package db

import (
	"context"
	"fmt"
	"time"
)

// EventTypeCount is the number of active canonical events per type.
type EventTypeCount struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

// StoreTotals stores row counts across the incidents schema.
type StoreTotals struct {
	EventRecords        int64 `json:"event_records"`
	UnassignedRecords   int64 `json:"unassigned_records"`
	ActiveCanonical     int64 `json:"active_canonical"`
	SupersededCanonical int64 `json:"superseded_canonical"`
	ManualCanonical     int64 `json:"manual_canonical"`
	Overrides           int64 `json:"overrides"`
	ArbitrationCalls    int64 `json:"arbitration_calls"`
	ArbitrationFailed   int64 `json:"arbitration_failed"`
}

// DedupStats is the read model returned by the stats endpoint.
type DedupStats struct {
	Totals     StoreTotals      `json:"totals"`
	EventTypes []EventTypeCount `json:"event_types"`
	LastRun    *RunSummary      `json:"last_run,omitempty"`
}

// QueryDedupStats returns store totals, the active event-type breakdown and
// the latest run.
func (p *Pool) QueryDedupStats(ctx context.Context) (*DedupStats, error) {
	stats := &DedupStats{
		EventTypes: make([]EventTypeCount, 0, 8),
	}

	const totalsQuery = `
SELECT
	(SELECT COUNT(*) FROM incidents.event_records) AS event_records,
	(SELECT COUNT(*) FROM incidents.event_records er
		WHERE NOT EXISTS (
			SELECT 1
			FROM incidents.canonical_members cm
			JOIN incidents.canonical_events ce
				ON ce.canonical_id = cm.canonical_id
			WHERE cm.member_record_id = er.record_id
			  AND ce.status = 'active'
		)) AS unassigned_records,
	(SELECT COUNT(*) FROM incidents.canonical_events WHERE status = 'active') AS active_canonical,
	(SELECT COUNT(*) FROM incidents.canonical_events WHERE status = 'superseded') AS superseded_canonical,
	(SELECT COUNT(*) FROM incidents.canonical_events WHERE status = 'active' AND method = 'manual') AS manual_canonical,
	(SELECT COUNT(*) FROM incidents.dedup_overrides) AS overrides,
	(SELECT COUNT(*) FROM incidents.arbitration_log) AS arbitration_calls,
	(SELECT COUNT(*) FROM incidents.arbitration_log WHERE failed_soft) AS arbitration_failed
`

	if err := p.QueryRow(ctx, totalsQuery).Scan(
		&stats.Totals.EventRecords,
		&stats.Totals.UnassignedRecords,
		&stats.Totals.ActiveCanonical,
		&stats.Totals.SupersededCanonical,
		&stats.Totals.ManualCanonical,
		&stats.Totals.Overrides,
		&stats.Totals.ArbitrationCalls,
		&stats.Totals.ArbitrationFailed,
	); err != nil {
		return nil, fmt.Errorf("query store totals: %w", err)
	}

	const typesQuery = `
SELECT ce.event_type, COUNT(*)::BIGINT
FROM incidents.canonical_events ce
WHERE ce.status = 'active'
GROUP BY ce.event_type
ORDER BY 2 DESC, 1
`

	rows, err := p.Query(ctx, typesQuery)
	if err != nil {
		return nil, fmt.Errorf("query event type counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row EventTypeCount
		if err := rows.Scan(&row.EventType, &row.Count); err != nil {
			return nil, fmt.Errorf("scan event type row: %w", err)
		}
		stats.EventTypes = append(stats.EventTypes, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event type rows: %w", err)
	}

	runs, err := p.ListDedupRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		stats.LastRun = &runs[0]
	}

	return stats, nil
}

// RunSummary is one incidents.dedup_runs row.
type RunSummary struct {
	RunID              string     `json:"run_id"`
	AlgorithmVersion   string     `json:"algorithm_version"`
	TriggeredBy        string     `json:"triggered_by"`
	Status             string     `json:"status"`
	WindowStart        *time.Time `json:"window_start,omitempty"`
	WindowEnd          *time.Time `json:"window_end,omitempty"`
	Records            int        `json:"records"`
	Rejected           int        `json:"rejected"`
	Clusters           int        `json:"clusters"`
	Singletons         int        `json:"singletons"`
	PairsScored        int        `json:"pairs_scored"`
	ArbiterCalls       int        `json:"arbiter_calls"`
	ArbiterFailed      int        `json:"arbiter_failed"`
	Overrides          int        `json:"overrides"`
	CanonicalCreated   int        `json:"canonical_created"`
	CanonicalUnchanged int        `json:"canonical_unchanged"`
	Superseded         int        `json:"superseded"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// ListDedupRuns returns the most recent runs first.
func (p *Pool) ListDedupRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	const q = `
SELECT
	dr.run_id::text,
	dr.algorithm_version,
	dr.triggered_by,
	dr.status,
	dr.window_start,
	dr.window_end,
	dr.records,
	dr.rejected,
	dr.clusters,
	dr.singletons,
	dr.pairs_scored,
	dr.arbiter_calls,
	dr.arbiter_failed,
	dr.overrides,
	dr.canonical_created,
	dr.canonical_unchanged,
	dr.superseded,
	dr.error_message,
	dr.started_at,
	dr.finished_at
FROM incidents.dedup_runs dr
ORDER BY dr.started_at DESC, dr.run_id
LIMIT $1
`

	rows, err := p.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query dedup runs: %w", err)
	}
	defer rows.Close()

	items := make([]RunSummary, 0, limit)
	for rows.Next() {
		var row RunSummary
		if err := rows.Scan(
			&row.RunID,
			&row.AlgorithmVersion,
			&row.TriggeredBy,
			&row.Status,
			&row.WindowStart,
			&row.WindowEnd,
			&row.Records,
			&row.Rejected,
			&row.Clusters,
			&row.Singletons,
			&row.PairsScored,
			&row.ArbiterCalls,
			&row.ArbiterFailed,
			&row.Overrides,
			&row.CanonicalCreated,
			&row.CanonicalUnchanged,
			&row.Superseded,
			&row.ErrorMessage,
			&row.StartedAt,
			&row.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dedup run row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dedup run rows: %w", err)
	}
	return items, nil
}
