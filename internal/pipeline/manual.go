package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"horse.fit/incidentdedup/internal/db"
	"horse.fit/incidentdedup/internal/globaltime"
	"horse.fit/incidentdedup/internal/incident"
)

type ManualMergeRequest struct {
	CanonicalIDs []string `json:"canonical_ids"`
	Reason       string   `json:"reason"`
	Operator     string   `json:"-"`
}

type ManualMergeResult struct {
	RunID      string                  `json:"run_id"`
	Canonical  incident.CanonicalEvent `json:"canonical_event"`
	Superseded []string                `json:"superseded"`
}

// memberGroup is the stored membership of one canonical event being merged.
type memberGroup struct {
	CanonicalID string
	Members     []storedMember
}

type storedMember struct {
	RecordID        string
	Role            string
	SimilarityScore float64
}

// ManualMerge folds two or more active canonical events into one operator
// curated event. Automatic runs will not recluster its records afterwards.
func (s *Service) ManualMerge(ctx context.Context, req ManualMergeRequest) (ManualMergeResult, error) {
	if s.pool == nil {
		return ManualMergeResult{}, fmt.Errorf("store is not configured")
	}
	ids, err := normalizeCanonicalIDs(req.CanonicalIDs)
	if err != nil {
		return ManualMergeResult{}, err
	}
	operator := strings.TrimSpace(req.Operator)
	if operator == "" {
		operator = "operator"
	}

	started := time.Now()
	now := globaltime.UTC()
	runID := uuid.NewString()
	log := s.logger.With().Str("run_id", runID).Str("operator", operator).Logger()

	if err := s.withStoreRetry(ctx, "start manual merge run", func(ctx context.Context) error {
		return insertRun(ctx, s.pool, runID, s.algorithmVersion(), "manual:"+operator, incident.TimeRange{}, now)
	}); err != nil {
		return ManualMergeResult{}, err
	}

	var out ManualMergeResult
	var counts DedupResult
	err = s.withStoreRetry(ctx, "persist manual merge", func(ctx context.Context) error {
		res, c, err := s.manualMergeTx(ctx, runID, ids)
		if err != nil {
			return err
		}
		out, counts = res, c
		return nil
	})
	counts.RunID = runID
	counts.Duration = time.Since(started)
	if err != nil {
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if failErr := failRun(failCtx, s.pool, runID, counts, err, globaltime.UTC()); failErr != nil {
			log.Warn().Err(failErr).Msg("could not mark manual merge run failed")
		}
		s.metrics.ObserveRun(runStatusFailed, counts.metricsSummary(), counts.Duration)
		return ManualMergeResult{}, err
	}

	s.metrics.ObserveRun(runStatusSucceeded, counts.metricsSummary(), counts.Duration)
	log.Info().
		Str("canonical_id", out.Canonical.ID).
		Strs("superseded", out.Superseded).
		Str("reason", strings.TrimSpace(req.Reason)).
		Msg("manual merge completed")
	return out, nil
}

func (s *Service) manualMergeTx(ctx context.Context, runID string, ids []string) (ManualMergeResult, DedupResult, error) {
	now := globaltime.UTC()
	var (
		counts DedupResult
		ev     incident.CanonicalEvent
	)

	err := s.pool.WithTx(ctx, db.TxOptions{}, func(tx db.Tx) error {
		if err := lockDedupTx(ctx, tx); err != nil {
			return err
		}
		if err := lockActiveCanonicalsTx(ctx, tx, ids); err != nil {
			return err
		}
		groups, err := loadMemberGroupsTx(ctx, tx, ids)
		if err != nil {
			return err
		}

		c := buildManualCluster(s.algorithmVersion(), groups)
		records, err := s.pool.LoadRecordsByID(ctx, tx, c.MemberIDs)
		if err != nil {
			return err
		}
		ev, err = s.merger.Merge(c, records)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		ev.Method = incident.MethodManual

		outcome, superseded, err := applyCanonicalTx(ctx, tx, runID, ev, now)
		if err != nil {
			return err
		}
		counts.record(outcome, superseded)
		if outcome != outcomeSkippedManual {
			if err := insertClusterAuditTx(ctx, tx, runID, ev.ID, c, now); err != nil {
				return err
			}
		}

		counts.Records = c.Size()
		counts.Clusters = 1
		return finishRunTx(ctx, tx, runID, counts, now)
	})
	if err != nil {
		return ManualMergeResult{}, counts, fmt.Errorf("manual merge transaction: %w", err)
	}
	return ManualMergeResult{RunID: runID, Canonical: ev, Superseded: ids}, counts, nil
}

func normalizeCanonicalIDs(raw []string) ([]string, error) {
	ids := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, value := range raw {
		parsed, err := uuid.Parse(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("%w: canonical id %q is not a UUID", ErrInvalidInput, value)
		}
		id := parsed.String()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return nil, fmt.Errorf("%w: at least two distinct canonical ids are required", ErrInvalidInput)
	}
	return ids, nil
}

func lockActiveCanonicalsTx(ctx context.Context, tx db.Tx, ids []string) error {
	const q = `
SELECT ce.canonical_id::text, ce.status
FROM incidents.canonical_events ce
WHERE ce.canonical_id = ANY($1::uuid[])
ORDER BY ce.canonical_id
FOR UPDATE
`
	rows, err := tx.Query(ctx, q, db.TextArray(ids))
	if err != nil {
		return fmt.Errorf("lock canonical events: %w", err)
	}
	defer rows.Close()

	found := make(map[string]string, len(ids))
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return fmt.Errorf("scan canonical status: %w", err)
		}
		found[id] = status
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate canonical status rows: %w", err)
	}

	for _, id := range ids {
		status, ok := found[id]
		if !ok {
			return fmt.Errorf("canonical event %s: %w", id, db.ErrNotFound)
		}
		if status != string(incident.StatusActive) {
			return fmt.Errorf("%w: canonical event %s is %s", ErrConflict, id, status)
		}
	}
	return nil
}

func loadMemberGroupsTx(ctx context.Context, tx db.Tx, ids []string) ([]memberGroup, error) {
	const q = `
SELECT cm.canonical_id::text, cm.member_record_id, cm.role, cm.similarity_score
FROM incidents.canonical_members cm
WHERE cm.canonical_id = ANY($1::uuid[])
ORDER BY
	cm.canonical_id,
	CASE cm.role WHEN 'primary' THEN 0 WHEN 'duplicate' THEN 1 ELSE 2 END,
	cm.member_record_id
`
	rows, err := tx.Query(ctx, q, db.TextArray(ids))
	if err != nil {
		return nil, fmt.Errorf("query canonical members: %w", err)
	}
	defer rows.Close()

	byID := make(map[string][]storedMember, len(ids))
	for rows.Next() {
		var canonicalID string
		var m storedMember
		if err := rows.Scan(&canonicalID, &m.RecordID, &m.Role, &m.SimilarityScore); err != nil {
			return nil, fmt.Errorf("scan canonical member: %w", err)
		}
		byID[canonicalID] = append(byID[canonicalID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canonical members: %w", err)
	}

	groups := make([]memberGroup, 0, len(ids))
	for _, id := range ids {
		groups = append(groups, memberGroup{CanonicalID: id, Members: byID[id]})
	}
	return groups, nil
}

// buildManualCluster concatenates the member lists in request order, each
// primary first, so the first requested event's primary seeds the cluster.
func buildManualCluster(algorithmVersion string, groups []memberGroup) incident.Cluster {
	c := incident.Cluster{AlgorithmVersion: algorithmVersion}
	seen := make(map[string]struct{})
	var total float64
	for _, g := range groups {
		for _, m := range g.Members {
			if _, dup := seen[m.RecordID]; dup {
				continue
			}
			seen[m.RecordID] = struct{}{}
			c.MemberIDs = append(c.MemberIDs, m.RecordID)
			c.Members = append(c.Members, incident.Member{
				RecordID: m.RecordID,
				Score:    m.SimilarityScore,
				Basis:    incident.BasisManual,
			})
			total += m.SimilarityScore
		}
	}
	if len(c.MemberIDs) > 0 {
		c.AverageSimilarity = total / float64(len(c.MemberIDs))
	}
	c.ClusterID = incident.ClusterID(algorithmVersion, c.MemberIDs)
	return c
}
