package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"horse.fit/incidentdedup/internal/db"
	"horse.fit/incidentdedup/internal/globaltime"
	"horse.fit/incidentdedup/internal/incident"
	"horse.fit/incidentdedup/internal/langdetect"
	"horse.fit/incidentdedup/internal/normalize"
	payloadschema "horse.fit/incidentdedup/schema"
)

const (
	DefaultKeyTermLimit = 12
	DefaultFetchWorkers = 4
)

type ImportOptions struct {
	// FetchMissing fills empty descriptions from the record URL.
	FetchMissing bool
	KeyTermLimit int
	FetchWorkers int
}

type ImportResult struct {
	Received    int                         `json:"received"`
	Invalid     int                         `json:"invalid"`
	Inserted    int                         `json:"inserted"`
	Skipped     int                         `json:"skipped"`
	Fetched     int                         `json:"fetched"`
	FetchFailed int                         `json:"fetch_failed"`
	Failures    []payloadschema.RecordError `json:"failures,omitempty"`
}

// ImportRecords validates a JSON batch, enriches the valid records and
// stores them. Records are immutable: ids already stored are skipped.
func (s *Service) ImportRecords(ctx context.Context, payload []byte, opts ImportOptions) (ImportResult, error) {
	if s.pool == nil {
		return ImportResult{}, fmt.Errorf("store is not configured")
	}

	records, failures, err := payloadschema.ValidateBatch(payload)
	if err != nil {
		return ImportResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	result := ImportResult{
		Received: len(records) + len(failures),
		Invalid:  len(failures),
		Failures: failures,
	}

	if err := s.enrichAll(ctx, records, opts, &result); err != nil {
		return result, err
	}

	inserted := 0
	err = s.withStoreRetry(ctx, "store event records", func(ctx context.Context) error {
		n, err := s.insertRecords(ctx, records)
		if err != nil {
			return err
		}
		inserted = n
		return nil
	})
	if err != nil {
		return result, err
	}
	result.Inserted = inserted
	result.Skipped = len(records) - inserted

	s.logger.Info().
		Int("received", result.Received).
		Int("invalid", result.Invalid).
		Int("inserted", result.Inserted).
		Int("skipped", result.Skipped).
		Int("fetched", result.Fetched).
		Int("fetch_failed", result.FetchFailed).
		Msg("event records imported")
	return result, nil
}

func (s *Service) enrichAll(ctx context.Context, records []incident.EventRecord, opts ImportOptions, result *ImportResult) error {
	workers := opts.FetchWorkers
	if workers <= 0 {
		workers = DefaultFetchWorkers
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range records {
		g.Go(func() error {
			fetched, fetchErr := s.enrichRecord(gctx, &records[i], opts)
			if fetchErr != nil {
				s.logger.Warn().Err(fetchErr).Str("record_id", records[i].ID).Str("url", records[i].URL).Msg("description fetch failed")
			}
			mu.Lock()
			defer mu.Unlock()
			if fetched {
				result.Fetched++
			}
			if fetchErr != nil {
				result.FetchFailed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// enrichRecord fills derived fields in place. A failed fetch leaves the
// description empty and is reported, not returned as fatal.
func (s *Service) enrichRecord(ctx context.Context, r *incident.EventRecord, opts ImportOptions) (bool, error) {
	var fetched bool
	var fetchErr error
	if opts.FetchMissing && s.fetcher != nil && strings.TrimSpace(r.Description) == "" && r.URL != "" {
		text, err := s.fetcher.FetchDescription(ctx, r.URL, r.Title)
		if err != nil {
			fetchErr = err
		} else {
			r.Description = text
			fetched = true
		}
	}

	if r.Language == "" {
		r.Language = langdetect.DetectRecord(r.Title, r.Description)
	}

	if len(r.KeyTerms) == 0 {
		limit := opts.KeyTermLimit
		if limit <= 0 {
			limit = DefaultKeyTermLimit
		}
		language := r.Language
		if language == langdetect.Undetermined {
			language = ""
		}
		r.KeyTerms = normalize.KeyTerms(r.Title+" "+r.Description, language, limit)
	}

	if r.IngestedAt == nil {
		now := globaltime.UTC()
		r.IngestedAt = &now
	}
	return fetched, fetchErr
}

func (s *Service) insertRecords(ctx context.Context, records []incident.EventRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	const q = `
INSERT INTO incidents.event_records (
	record_id,
	title,
	description,
	event_type,
	event_date,
	organization_name,
	key_terms,
	source_weight,
	records_affected,
	affected_entities,
	source,
	url,
	language,
	ingested_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10::jsonb, $11, $12, $13, $14)
ON CONFLICT (record_id) DO NOTHING
`

	inserted := 0
	err := s.pool.WithTx(ctx, db.TxOptions{}, func(tx db.Tx) error {
		for _, r := range records {
			keyTerms, err := json.Marshal(nonNilStrings(r.KeyTerms))
			if err != nil {
				return fmt.Errorf("marshal key terms for %s: %w", r.ID, err)
			}
			entities, err := json.Marshal(nonNilEntities(r.AffectedEntities))
			if err != nil {
				return fmt.Errorf("marshal affected entities for %s: %w", r.ID, err)
			}
			language := r.Language
			if language == "" {
				language = langdetect.Undetermined
			}

			tag, err := tx.Exec(
				ctx,
				q,
				r.ID,
				r.Title,
				r.Description,
				string(r.EventType),
				r.EventDate,
				nullableString(r.OrganizationName),
				string(keyTerms),
				r.SourceWeight,
				r.RecordsAffected,
				string(entities),
				nullableString(r.Source),
				nullableString(r.URL),
				language,
				r.IngestedAt,
			)
			if err != nil {
				return fmt.Errorf("insert event record %s: %w", r.ID, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("import transaction: %w", err)
	}
	return inserted, nil
}
