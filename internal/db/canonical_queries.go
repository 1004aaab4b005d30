package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// CanonicalSummary is the list read model for canonical events.
type CanonicalSummary struct {
	CanonicalID             string     `json:"canonical_id"`
	Title                   string     `json:"title"`
	EventType               string     `json:"event_type"`
	EventDate               *time.Time `json:"event_date,omitempty"`
	OrganizationName        *string    `json:"organization_name,omitempty"`
	ContributingRecordCount int        `json:"contributing_record_count"`
	SimilarityScore         float64    `json:"similarity_score"`
	Method                  string     `json:"method"`
	Status                  string     `json:"status"`
	SupersededBy            *string    `json:"superseded_by,omitempty"`
	AlgorithmVersion        string     `json:"algorithm_version"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// CanonicalListOptions filters ListCanonicalEvents. Empty strings match all.
type CanonicalListOptions struct {
	Status    string
	EventType string
	Query     string
	Limit     int
	Offset    int
}

// CanonicalDetail is one canonical event with its members and the
// supersession rows that point at or away from it.
type CanonicalDetail struct {
	Canonical     CanonicalHeader       `json:"canonical"`
	Members       []CanonicalMemberView `json:"members"`
	Supersessions []SupersessionView    `json:"supersessions"`
}

type CanonicalHeader struct {
	CanonicalSummary
	Description      string          `json:"description"`
	MembershipHash   string          `json:"membership_hash"`
	AffectedEntities json.RawMessage `json:"affected_entities"`
	DataSources      json.RawMessage `json:"data_sources"`
	RunID            *string         `json:"run_id,omitempty"`
}

type CanonicalMemberView struct {
	RecordID        string     `json:"record_id"`
	Role            string     `json:"role"`
	SimilarityScore float64    `json:"similarity_score"`
	Title           string     `json:"title"`
	Source          *string    `json:"source,omitempty"`
	URL             *string    `json:"url,omitempty"`
	EventDate       *time.Time `json:"event_date,omitempty"`
	SourceWeight    float64    `json:"source_weight"`
}

type SupersessionView struct {
	OldCanonicalID string    `json:"old_canonical_id"`
	NewCanonicalID string    `json:"new_canonical_id"`
	RunID          *string   `json:"run_id,omitempty"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// NormalizeListOptions clamps paging and lowercases the enum filters.
func NormalizeListOptions(opts CanonicalListOptions) CanonicalListOptions {
	opts.Status = strings.ToLower(strings.TrimSpace(opts.Status))
	opts.EventType = strings.ToLower(strings.TrimSpace(opts.EventType))
	opts.Query = strings.TrimSpace(opts.Query)
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}

// ListCanonicalEvents returns canonical events ordered by most recent update.
func (p *Pool) ListCanonicalEvents(ctx context.Context, opts CanonicalListOptions) ([]CanonicalSummary, error) {
	opts = NormalizeListOptions(opts)

	search := ""
	if opts.Query != "" {
		search = "%" + opts.Query + "%"
	}

	const q = `
SELECT
	ce.canonical_id::text,
	ce.title,
	ce.event_type,
	ce.event_date,
	ce.organization_name,
	ce.contributing_record_count,
	ce.similarity_score,
	ce.method,
	ce.status,
	ce.superseded_by::text,
	ce.algorithm_version,
	ce.created_at,
	ce.updated_at
FROM incidents.canonical_events ce
WHERE ($1 = '' OR ce.status = $1)
  AND ($2 = '' OR ce.event_type = $2)
  AND ($3 = '' OR ce.title ILIKE $3 OR ce.organization_name ILIKE $3)
ORDER BY ce.updated_at DESC, ce.canonical_id
LIMIT $4
OFFSET $5
`

	rows, err := p.Query(ctx, q, opts.Status, opts.EventType, search, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("query canonical events: %w", err)
	}
	defer rows.Close()

	items := make([]CanonicalSummary, 0, opts.Limit)
	for rows.Next() {
		var row CanonicalSummary
		if err := scanCanonicalSummary(rows, &row); err != nil {
			return nil, err
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canonical events: %w", err)
	}
	return items, nil
}

// GetCanonicalDetail returns ErrNotFound when no canonical event has the id.
func (p *Pool) GetCanonicalDetail(ctx context.Context, canonicalID string) (*CanonicalDetail, error) {
	trimmedID := strings.TrimSpace(canonicalID)
	if trimmedID == "" {
		return nil, fmt.Errorf("canonical id is required")
	}

	const headerQuery = `
SELECT
	ce.canonical_id::text,
	ce.title,
	ce.event_type,
	ce.event_date,
	ce.organization_name,
	ce.contributing_record_count,
	ce.similarity_score,
	ce.method,
	ce.status,
	ce.superseded_by::text,
	ce.algorithm_version,
	ce.created_at,
	ce.updated_at,
	ce.description,
	ce.membership_hash,
	ce.affected_entities,
	ce.data_sources,
	ce.run_id::text
FROM incidents.canonical_events ce
WHERE ce.canonical_id = $1::uuid
`

	var header CanonicalHeader
	var entities, sources []byte
	if err := p.QueryRow(ctx, headerQuery, trimmedID).Scan(
		&header.CanonicalID,
		&header.Title,
		&header.EventType,
		&header.EventDate,
		&header.OrganizationName,
		&header.ContributingRecordCount,
		&header.SimilarityScore,
		&header.Method,
		&header.Status,
		&header.SupersededBy,
		&header.AlgorithmVersion,
		&header.CreatedAt,
		&header.UpdatedAt,
		&header.Description,
		&header.MembershipHash,
		&entities,
		&sources,
		&header.RunID,
	); err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query canonical detail header: %w", err)
	}
	header.AffectedEntities = json.RawMessage(entities)
	header.DataSources = json.RawMessage(sources)

	const membersQuery = `
SELECT
	cm.member_record_id,
	cm.role,
	cm.similarity_score,
	COALESCE(er.title, ''),
	er.source,
	er.url,
	er.event_date,
	COALESCE(er.source_weight, 0)
FROM incidents.canonical_members cm
LEFT JOIN incidents.event_records er
	ON er.record_id = cm.member_record_id
WHERE cm.canonical_id = $1::uuid
ORDER BY
	CASE cm.role WHEN 'primary' THEN 0 WHEN 'duplicate' THEN 1 ELSE 2 END,
	cm.similarity_score DESC,
	cm.member_record_id
`

	rows, err := p.Query(ctx, membersQuery, trimmedID)
	if err != nil {
		return nil, fmt.Errorf("query canonical members: %w", err)
	}
	defer rows.Close()

	members := make([]CanonicalMemberView, 0, header.ContributingRecordCount)
	for rows.Next() {
		var member CanonicalMemberView
		if err := rows.Scan(
			&member.RecordID,
			&member.Role,
			&member.SimilarityScore,
			&member.Title,
			&member.Source,
			&member.URL,
			&member.EventDate,
			&member.SourceWeight,
		); err != nil {
			return nil, fmt.Errorf("scan canonical member: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canonical members: %w", err)
	}

	const supersessionQuery = `
SELECT
	cs.old_canonical_id::text,
	cs.new_canonical_id::text,
	cs.run_id::text,
	cs.reason,
	cs.created_at
FROM incidents.canonical_supersessions cs
WHERE cs.old_canonical_id = $1::uuid
   OR cs.new_canonical_id = $1::uuid
ORDER BY cs.created_at, cs.supersession_id
`

	historyRows, err := p.Query(ctx, supersessionQuery, trimmedID)
	if err != nil {
		return nil, fmt.Errorf("query canonical supersessions: %w", err)
	}
	defer historyRows.Close()

	history := make([]SupersessionView, 0, 4)
	for historyRows.Next() {
		var item SupersessionView
		if err := historyRows.Scan(
			&item.OldCanonicalID,
			&item.NewCanonicalID,
			&item.RunID,
			&item.Reason,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan canonical supersession: %w", err)
		}
		history = append(history, item)
	}
	if err := historyRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canonical supersessions: %w", err)
	}

	return &CanonicalDetail{
		Canonical:     header,
		Members:       members,
		Supersessions: history,
	}, nil
}

func scanCanonicalSummary(rows *Rows, row *CanonicalSummary) error {
	if err := rows.Scan(
		&row.CanonicalID,
		&row.Title,
		&row.EventType,
		&row.EventDate,
		&row.OrganizationName,
		&row.ContributingRecordCount,
		&row.SimilarityScore,
		&row.Method,
		&row.Status,
		&row.SupersededBy,
		&row.AlgorithmVersion,
		&row.CreatedAt,
		&row.UpdatedAt,
	); err != nil {
		return fmt.Errorf("scan canonical summary row: %w", err)
	}
	return nil
}
