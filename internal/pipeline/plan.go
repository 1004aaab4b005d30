package pipeline

import (
	"context"
	"fmt"

	"horse.fit/incidentdedup/internal/cluster"
	"horse.fit/incidentdedup/internal/incident"
	"horse.fit/incidentdedup/internal/merge"
)

// Plan is the in-memory outcome of clustering and merging one batch, before
// anything is written.
type Plan struct {
	Clusters  []incident.Cluster        `json:"clusters"`
	Canonical []incident.CanonicalEvent `json:"canonical_events"`
	Rejected  []cluster.Rejection       `json:"rejected,omitempty"`
	Overrides []cluster.Override        `json:"overrides,omitempty"`
	Stats     cluster.Stats             `json:"stats"`
}

// BuildPlan clusters records and merges every cluster. It needs no store, so
// the offline cluster command and the store-backed run share it.
func BuildPlan(
	ctx context.Context,
	builder *cluster.Builder,
	merger *merge.Merger,
	records []incident.EventRecord,
	window incident.TimeRange,
) (Plan, error) {
	if builder == nil || merger == nil {
		return Plan{}, fmt.Errorf("builder and merger are required")
	}

	result, err := builder.Cluster(ctx, records, window)
	if err != nil {
		return Plan{}, fmt.Errorf("cluster records: %w", err)
	}

	plan := Plan{
		Clusters:  result.Clusters,
		Canonical: make([]incident.CanonicalEvent, 0, len(result.Clusters)),
		Rejected:  result.Rejected,
		Overrides: result.Overrides,
		Stats:     result.Stats,
	}
	for _, c := range result.Clusters {
		ev, err := merger.Merge(c, records)
		if err != nil {
			return Plan{}, fmt.Errorf("merge cluster %s: %w", c.ClusterID, err)
		}
		plan.Canonical = append(plan.Canonical, ev)
	}
	return plan, nil
}
