package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"horse.fit/incidentdedup/internal/incident"
)

// WindowOptions selects the records a dedup run considers.
type WindowOptions struct {
	Since time.Time
	Limit int
}

// LoadWindowRecords returns records dated or ingested at or after Since,
// oldest ingestion first. When more than Limit records qualify, the most
// recently ingested Limit are kept.
func (p *Pool) LoadWindowRecords(ctx context.Context, opts WindowOptions) ([]incident.EventRecord, error) {
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	var since *time.Time
	if !opts.Since.IsZero() {
		utc := opts.Since.UTC()
		since = &utc
	}

	const q = `
SELECT * FROM (
	SELECT
		er.record_id,
		er.title,
		er.description,
		er.event_type,
		er.event_date,
		er.organization_name,
		er.key_terms,
		er.source_weight,
		er.records_affected,
		er.affected_entities,
		er.source,
		er.url,
		er.language,
		er.ingested_at
	FROM incidents.event_records er
	WHERE $1::timestamptz IS NULL
	   OR er.event_date >= $1::timestamptz
	   OR er.ingested_at >= $1::timestamptz
	ORDER BY er.ingested_at DESC, er.record_id DESC
	LIMIT $2
) recent
ORDER BY recent.ingested_at, recent.record_id
`

	rows, err := p.Query(ctx, q, since, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("query window records: %w", err)
	}
	defer rows.Close()

	return scanEventRecords(rows, opts.Limit)
}

// LoadRecordsByID returns the stored records for ids in the order given.
// Unknown ids are skipped.
func (p *Pool) LoadRecordsByID(ctx context.Context, tx Tx, ids []string) ([]incident.EventRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const q = `
SELECT
	er.record_id,
	er.title,
	er.description,
	er.event_type,
	er.event_date,
	er.organization_name,
	er.key_terms,
	er.source_weight,
	er.records_affected,
	er.affected_entities,
	er.source,
	er.url,
	er.language,
	er.ingested_at
FROM incidents.event_records er
WHERE er.record_id = ANY($1::text[])
`

	var (
		rows *Rows
		err  error
	)
	if tx != nil {
		rows, err = tx.Query(ctx, q, TextArray(ids))
	} else {
		rows, err = p.Query(ctx, q, TextArray(ids))
	}
	if err != nil {
		return nil, fmt.Errorf("query records by id: %w", err)
	}
	defer rows.Close()

	loaded, err := scanEventRecords(rows, len(ids))
	if err != nil {
		return nil, err
	}

	byID := make(map[string]incident.EventRecord, len(loaded))
	for _, record := range loaded {
		byID[record.ID] = record
	}
	ordered := make([]incident.EventRecord, 0, len(ids))
	for _, id := range ids {
		if record, ok := byID[id]; ok {
			ordered = append(ordered, record)
		}
	}
	return ordered, nil
}

// LoadCompanionRecords returns the records that share an active canonical
// event with any of ids but are not among them. A run that reclusters part
// of a canonical event needs the rest of it too.
func (p *Pool) LoadCompanionRecords(ctx context.Context, ids []string) ([]incident.EventRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const q = `
SELECT
	er.record_id,
	er.title,
	er.description,
	er.event_type,
	er.event_date,
	er.organization_name,
	er.key_terms,
	er.source_weight,
	er.records_affected,
	er.affected_entities,
	er.source,
	er.url,
	er.language,
	er.ingested_at
FROM incidents.event_records er
WHERE er.record_id IN (
	SELECT companion.member_record_id
	FROM incidents.canonical_members cm
	JOIN incidents.canonical_events ce
		ON ce.canonical_id = cm.canonical_id
	   AND ce.status = 'active'
	JOIN incidents.canonical_members companion
		ON companion.canonical_id = cm.canonical_id
	WHERE cm.member_record_id = ANY($1::text[])
)
  AND NOT (er.record_id = ANY($1::text[]))
ORDER BY er.ingested_at, er.record_id
`

	rows, err := p.Query(ctx, q, TextArray(ids))
	if err != nil {
		return nil, fmt.Errorf("query companion records: %w", err)
	}
	defer rows.Close()

	return scanEventRecords(rows, 0)
}

// ManualMemberIDs returns the records held by active manual canonical
// events. Automatic runs leave them where an operator put them.
func (p *Pool) ManualMemberIDs(ctx context.Context) (map[string]struct{}, error) {
	const q = `
SELECT cm.member_record_id
FROM incidents.canonical_members cm
JOIN incidents.canonical_events ce
	ON ce.canonical_id = cm.canonical_id
WHERE ce.status = 'active'
  AND ce.method = 'manual'
`

	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query manual members: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan manual member row: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate manual member rows: %w", err)
	}
	return ids, nil
}

func scanEventRecords(rows *Rows, capacity int) ([]incident.EventRecord, error) {
	items := make([]incident.EventRecord, 0, max(capacity, 0))
	for rows.Next() {
		var (
			record     incident.EventRecord
			eventType  string
			org        *string
			keyTerms   []byte
			entities   []byte
			source     *string
			rawURL     *string
			ingestedAt time.Time
		)
		if err := rows.Scan(
			&record.ID,
			&record.Title,
			&record.Description,
			&eventType,
			&record.EventDate,
			&org,
			&keyTerms,
			&record.SourceWeight,
			&record.RecordsAffected,
			&entities,
			&source,
			&rawURL,
			&record.Language,
			&ingestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event record row: %w", err)
		}

		record.EventType = incident.ParseEventType(eventType)
		record.OrganizationName = derefString(org)
		record.Source = derefString(source)
		record.URL = derefString(rawURL)
		if record.EventDate != nil {
			utc := record.EventDate.UTC()
			record.EventDate = &utc
		}
		ingested := ingestedAt.UTC()
		record.IngestedAt = &ingested

		if len(keyTerms) > 0 {
			if err := json.Unmarshal(keyTerms, &record.KeyTerms); err != nil {
				return nil, fmt.Errorf("decode key_terms for %s: %w", record.ID, err)
			}
		}
		if len(entities) > 0 {
			if err := json.Unmarshal(entities, &record.AffectedEntities); err != nil {
				return nil, fmt.Errorf("decode affected_entities for %s: %w", record.ID, err)
			}
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event record rows: %w", err)
	}
	return items, nil
}

// TextArray renders values as a Postgres text[] literal.
func TextArray(values []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, value := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		for _, r := range value {
			if r == '"' || r == '\\' {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
