package pipeline

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"horse.fit/incidentdedup/internal/arbiter"
	"horse.fit/incidentdedup/internal/cluster"
	"horse.fit/incidentdedup/internal/db"
	"horse.fit/incidentdedup/internal/incident"
)

// dedupLockKey serializes every writer of canonical events.
const dedupLockKey int64 = 0x696e6364_65647570

const (
	runStatusRunning   = "running"
	runStatusSucceeded = "succeeded"
	runStatusFailed    = "failed"
)

const (
	reasonMerged      = "merged"
	reasonSplit       = "split"
	reasonReclustered = "reclustered"
	reasonManualMerge = "manual_merge"
)

// existingCanonical is a stored canonical event that shares members with a
// canonical event about to be written.
type existingCanonical struct {
	CanonicalID    string
	MembershipHash string
	Method         string
	Status         string
	MemberCount    int
	Shared         int
}

type applyOutcome int

const (
	outcomeCreated applyOutcome = iota
	outcomeUnchanged
	outcomeSkippedManual
)

func lockDedupTx(ctx context.Context, tx db.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, dedupLockKey); err != nil {
		return fmt.Errorf("acquire dedup lock: %w", err)
	}
	return nil
}

// lockOverlappingCanonicalsTx locks every active canonical event holding any
// of memberIDs, plus those this run already superseded.
func lockOverlappingCanonicalsTx(ctx context.Context, tx db.Tx, runID string, memberIDs []string) ([]existingCanonical, error) {
	const q = `
SELECT
	ce.canonical_id::text,
	ce.membership_hash,
	ce.method,
	ce.status,
	ce.contributing_record_count,
	(
		SELECT COUNT(*)
		FROM incidents.canonical_members shared
		WHERE shared.canonical_id = ce.canonical_id
		  AND shared.member_record_id = ANY($1::text[])
	) AS shared_count
FROM incidents.canonical_events ce
WHERE ce.canonical_id IN (
	SELECT cm.canonical_id
	FROM incidents.canonical_members cm
	WHERE cm.member_record_id = ANY($1::text[])
)
  AND (
	ce.status = 'active'
	OR ce.canonical_id IN (
		SELECT cs.old_canonical_id
		FROM incidents.canonical_supersessions cs
		WHERE cs.run_id = $2::uuid
	)
  )
ORDER BY ce.canonical_id
FOR UPDATE OF ce
`

	rows, err := tx.Query(ctx, q, db.TextArray(memberIDs), runID)
	if err != nil {
		return nil, fmt.Errorf("lock overlapping canonical events: %w", err)
	}
	defer rows.Close()

	var out []existingCanonical
	for rows.Next() {
		var row existingCanonical
		if err := rows.Scan(
			&row.CanonicalID,
			&row.MembershipHash,
			&row.Method,
			&row.Status,
			&row.MemberCount,
			&row.Shared,
		); err != nil {
			return nil, fmt.Errorf("scan overlapping canonical: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overlapping canonicals: %w", err)
	}
	return out, nil
}

// supersession is one old -> new edge written for a canonical event.
// Deactivate is false when the old event was already superseded earlier in
// the same run, e.g. the second half of a split.
type supersession struct {
	OldID      string
	Reason     string
	Deactivate bool
}

type applyPlan struct {
	Outcome    applyOutcome
	Supersedes []supersession
}

// planApply decides what writing ev means given the stored canonical events
// sharing its members. An active event with the same membership hash leaves
// the store unchanged; an active manual event is never displaced by an
// automatic one.
func planApply(ev incident.CanonicalEvent, memberCount int, overlaps []existingCanonical) applyPlan {
	for _, o := range overlaps {
		if o.Status != string(incident.StatusActive) {
			continue
		}
		if o.MembershipHash == ev.MembershipHash {
			return applyPlan{Outcome: outcomeUnchanged}
		}
		if o.Method == string(incident.MethodManual) && ev.Method != incident.MethodManual {
			return applyPlan{Outcome: outcomeSkippedManual}
		}
	}

	plan := applyPlan{Outcome: outcomeCreated}
	for _, o := range overlaps {
		if o.CanonicalID == ev.ID {
			continue
		}
		reason := supersessionReason(o.MemberCount, o.Shared, memberCount)
		if ev.Method == incident.MethodManual {
			reason = reasonManualMerge
		}
		plan.Supersedes = append(plan.Supersedes, supersession{
			OldID:      o.CanonicalID,
			Reason:     reason,
			Deactivate: o.Status == string(incident.StatusActive),
		})
	}
	return plan
}

// applyCanonicalTx writes ev unless an identical active membership already
// exists, then supersedes every canonical event it replaces.
func applyCanonicalTx(ctx context.Context, tx db.Tx, runID string, ev incident.CanonicalEvent, now time.Time) (applyOutcome, int, error) {
	memberIDs := canonicalMemberIDs(ev)
	overlaps, err := lockOverlappingCanonicalsTx(ctx, tx, runID, memberIDs)
	if err != nil {
		return outcomeCreated, 0, err
	}

	plan := planApply(ev, len(memberIDs), overlaps)
	if plan.Outcome != outcomeCreated {
		return plan.Outcome, 0, nil
	}

	if err := upsertCanonicalTx(ctx, tx, runID, ev, now); err != nil {
		return outcomeCreated, 0, err
	}
	if err := replaceMembersTx(ctx, tx, ev); err != nil {
		return outcomeCreated, 0, err
	}

	superseded := 0
	for _, sup := range plan.Supersedes {
		if sup.Deactivate {
			if err := supersedeCanonicalTx(ctx, tx, sup.OldID, ev.ID, now); err != nil {
				return outcomeCreated, superseded, err
			}
			superseded++
		}
		if err := insertSupersessionTx(ctx, tx, sup.OldID, ev.ID, runID, sup.Reason, now); err != nil {
			return outcomeCreated, superseded, err
		}
	}
	return outcomeCreated, superseded, nil
}

// supersessionReason labels how an old membership relates to its successor.
func supersessionReason(oldCount, shared, newCount int) string {
	switch {
	case shared == oldCount && newCount > oldCount:
		return reasonMerged
	case shared == newCount && oldCount > newCount:
		return reasonSplit
	default:
		return reasonReclustered
	}
}

func upsertCanonicalTx(ctx context.Context, tx db.Tx, runID string, ev incident.CanonicalEvent, now time.Time) error {
	const q = `
INSERT INTO incidents.canonical_events (
	canonical_id,
	membership_hash,
	title,
	description,
	event_type,
	event_date,
	organization_name,
	affected_entities,
	data_sources,
	contributing_record_count,
	similarity_score,
	method,
	algorithm_version,
	status,
	superseded_by,
	superseded_at,
	run_id,
	created_at,
	updated_at
)
VALUES (
	$1::uuid,
	$2,
	$3,
	$4,
	$5,
	$6,
	$7,
	$8::jsonb,
	$9::jsonb,
	$10,
	$11,
	$12,
	$13,
	'active',
	NULL,
	NULL,
	$14::uuid,
	$15,
	$15
)
ON CONFLICT (membership_hash) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	event_type = EXCLUDED.event_type,
	event_date = EXCLUDED.event_date,
	organization_name = EXCLUDED.organization_name,
	affected_entities = EXCLUDED.affected_entities,
	data_sources = EXCLUDED.data_sources,
	contributing_record_count = EXCLUDED.contributing_record_count,
	similarity_score = EXCLUDED.similarity_score,
	method = EXCLUDED.method,
	status = 'active',
	superseded_by = NULL,
	superseded_at = NULL,
	run_id = EXCLUDED.run_id,
	updated_at = EXCLUDED.updated_at
`

	entities, err := json.Marshal(nonNilEntities(ev.AffectedEntities))
	if err != nil {
		return fmt.Errorf("marshal affected entities: %w", err)
	}
	sources, err := json.Marshal(nonNilStrings(ev.DataSources))
	if err != nil {
		return fmt.Errorf("marshal data sources: %w", err)
	}

	_, err = tx.Exec(
		ctx,
		q,
		ev.ID,
		ev.MembershipHash,
		ev.Title,
		ev.Description,
		string(ev.EventType),
		ev.EventDate,
		nullableString(ev.OrganizationName),
		string(entities),
		string(sources),
		ev.ContributingRecordCount,
		ev.SimilarityScore,
		string(ev.Method),
		ev.AlgorithmVersion,
		runID,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert canonical event %s: %w", ev.ID, err)
	}
	return nil
}

func replaceMembersTx(ctx context.Context, tx db.Tx, ev incident.CanonicalEvent) error {
	if _, err := tx.Exec(ctx, `DELETE FROM incidents.canonical_members WHERE canonical_id = $1::uuid`, ev.ID); err != nil {
		return fmt.Errorf("clear members of %s: %w", ev.ID, err)
	}

	const q = `
INSERT INTO incidents.canonical_members (
	canonical_id,
	member_record_id,
	role,
	similarity_score
)
VALUES ($1::uuid, $2, $3, $4)
`
	for _, m := range ev.Members {
		if _, err := tx.Exec(ctx, q, ev.ID, m.RecordID, string(m.Role), m.SimilarityScore); err != nil {
			return fmt.Errorf("insert member %s of %s: %w", m.RecordID, ev.ID, err)
		}
	}
	return nil
}

func supersedeCanonicalTx(ctx context.Context, tx db.Tx, oldID, newID string, now time.Time) error {
	const q = `
UPDATE incidents.canonical_events
SET
	status = 'superseded',
	superseded_by = $2::uuid,
	superseded_at = $3,
	updated_at = $3
WHERE canonical_id = $1::uuid
  AND status = 'active'
`
	if _, err := tx.Exec(ctx, q, oldID, newID, now); err != nil {
		return fmt.Errorf("supersede canonical %s: %w", oldID, err)
	}
	return nil
}

func insertSupersessionTx(ctx context.Context, tx db.Tx, oldID, newID, runID, reason string, now time.Time) error {
	const q = `
INSERT INTO incidents.canonical_supersessions (
	old_canonical_id,
	new_canonical_id,
	run_id,
	reason,
	created_at
)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5)
ON CONFLICT (old_canonical_id, new_canonical_id) DO NOTHING
`
	if _, err := tx.Exec(ctx, q, oldID, newID, runID, reason, now); err != nil {
		return fmt.Errorf("insert supersession %s -> %s: %w", oldID, newID, err)
	}
	return nil
}

func insertClusterAuditTx(ctx context.Context, tx db.Tx, runID, canonicalID string, c incident.Cluster, now time.Time) error {
	const q = `
INSERT INTO incidents.cluster_audit (
	run_id,
	cluster_id,
	canonical_id,
	member_count,
	average_similarity,
	algorithm_version,
	members,
	created_at
)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5, $6, $7::jsonb, $8)
`
	members, err := json.Marshal(c.Members)
	if err != nil {
		return fmt.Errorf("marshal cluster members: %w", err)
	}
	if _, err := tx.Exec(ctx, q, runID, c.ClusterID, canonicalID, c.Size(), c.AverageSimilarity, c.AlgorithmVersion, string(members), now); err != nil {
		return fmt.Errorf("insert cluster audit %s: %w", c.ClusterID, err)
	}
	return nil
}

func insertArbitrationTx(ctx context.Context, tx db.Tx, runID string, entry arbiter.AuditEntry) error {
	const q = `
INSERT INTO incidents.arbitration_log (
	run_id,
	left_record_id,
	right_record_id,
	provider,
	local_score,
	same,
	confidence,
	reasoning,
	attempts,
	latency_ms,
	from_cache,
	failed_soft,
	error_message,
	created_at
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := tx.Exec(
		ctx,
		q,
		runID,
		entry.LeftID,
		entry.RightID,
		entry.Provider,
		entry.LocalScore,
		entry.Same,
		entry.Confidence,
		entry.Reasoning,
		entry.Attempts,
		entry.LatencyMs,
		entry.FromCache,
		entry.FailedSoft,
		nullableString(entry.Error),
		createdAt,
	); err != nil {
		return fmt.Errorf("insert arbitration %s/%s: %w", entry.LeftID, entry.RightID, err)
	}
	return nil
}

func insertOverrideTx(ctx context.Context, tx db.Tx, runID string, o cluster.Override, now time.Time) error {
	const q = `
INSERT INTO incidents.dedup_overrides (
	run_id,
	seed_record_id,
	record_id,
	conflicting_record_id,
	score,
	reason,
	created_at
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
`
	if _, err := tx.Exec(ctx, q, runID, o.SeedID, o.RecordID, o.ConflictingID, o.Score, o.Reason, now); err != nil {
		return fmt.Errorf("insert override %s: %w", o.RecordID, err)
	}
	return nil
}

func insertRun(ctx context.Context, pool db.Querier, runID, algorithmVersion, triggeredBy string, window incident.TimeRange, now time.Time) error {
	const q = `
INSERT INTO incidents.dedup_runs (
	run_id,
	algorithm_version,
	triggered_by,
	status,
	window_start,
	window_end,
	started_at
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
`
	if _, err := pool.Exec(ctx, q, runID, algorithmVersion, triggeredBy, runStatusRunning, nullableTime(window.Start), nullableTime(window.End), now); err != nil {
		return fmt.Errorf("insert dedup run %s: %w", runID, err)
	}
	return nil
}

func finishRunTx(ctx context.Context, tx db.Tx, runID string, r DedupResult, now time.Time) error {
	const q = `
UPDATE incidents.dedup_runs
SET
	status = $2,
	records = $3,
	rejected = $4,
	clusters = $5,
	singletons = $6,
	pairs_scored = $7,
	arbiter_calls = $8,
	arbiter_failed = $9,
	overrides = $10,
	canonical_created = $11,
	canonical_unchanged = $12,
	superseded = $13,
	error_message = NULL,
	finished_at = $14
WHERE run_id = $1::uuid
`
	if _, err := tx.Exec(
		ctx,
		q,
		runID,
		runStatusSucceeded,
		r.Records,
		r.Rejected,
		r.Clusters,
		r.Singletons,
		r.PairsScored,
		r.ArbiterCalls,
		r.ArbiterFailed,
		r.Overrides,
		r.Created,
		r.Unchanged,
		r.Superseded,
		now,
	); err != nil {
		return fmt.Errorf("finish dedup run %s: %w", runID, err)
	}
	return nil
}

func failRun(ctx context.Context, pool db.Querier, runID string, r DedupResult, runErr error, now time.Time) error {
	const q = `
UPDATE incidents.dedup_runs
SET
	status = $2,
	records = $3,
	rejected = $4,
	error_message = $5,
	finished_at = $6
WHERE run_id = $1::uuid
`
	if _, err := pool.Exec(ctx, q, runID, runStatusFailed, r.Records, r.Rejected, runErr.Error(), now); err != nil {
		return fmt.Errorf("mark dedup run %s failed: %w", runID, err)
	}
	return nil
}

// isRetryableStoreError reports transient failures worth a fresh
// transaction: serialization failures, deadlocks, lock timeouts and dropped
// connections.
func isRetryableStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

func canonicalMemberIDs(ev incident.CanonicalEvent) []string {
	ids := make([]string, 0, len(ev.Members))
	for _, m := range ev.Members {
		ids = append(ids, m.RecordID)
	}
	return ids
}

func nullableString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func nullableTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func nonNilEntities(v []incident.AffectedEntity) []incident.AffectedEntity {
	if v == nil {
		return []incident.AffectedEntity{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
