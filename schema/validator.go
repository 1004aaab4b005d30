package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"horse.fit/incidentdedup/internal/incident"
	"horse.fit/incidentdedup/internal/normalize"
)

//go:embed event_record.schema.json
var eventRecordSchemaJSON string

// DefaultSourceWeight applies when a record does not state how much its
// feed is trusted.
const DefaultSourceWeight = 0.5

// EventRecordPayload is the wire shape of one upstream record.
type EventRecordPayload struct {
	ID               string                  `json:"id"`
	Title            string                  `json:"title"`
	Description      *string                 `json:"description,omitempty"`
	EventType        *string                 `json:"event_type,omitempty"`
	EventDate        *string                 `json:"event_date,omitempty"`
	OrganizationName *string                 `json:"organization_name,omitempty"`
	KeyTerms         []string                `json:"key_terms,omitempty"`
	SourceWeight     *float64                `json:"source_weight,omitempty"`
	RecordsAffected  *int64                  `json:"records_affected,omitempty"`
	AffectedEntities []AffectedEntityPayload `json:"affected_entities,omitempty"`
	Source           *string                 `json:"source,omitempty"`
	URL              *string                 `json:"url,omitempty"`
	Language         *string                 `json:"language,omitempty"`
	IngestedAt       *string                 `json:"ingested_at,omitempty"`
}

type AffectedEntityPayload struct {
	Name       string  `json:"name"`
	EntityType *string `json:"entity_type,omitempty"`
	IsPrimary  *bool   `json:"is_primary,omitempty"`
}

// RecordError reports one record of a batch that failed validation.
type RecordError struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id,omitempty"`
	Message  string `json:"error"`
}

func (e RecordError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("record %d: %s", e.Index, e.Message)
	}
	return fmt.Sprintf("record %d (%s): %s", e.Index, e.RecordID, e.Message)
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// ValidateEventRecord validates a single JSON object and converts it.
func ValidateEventRecord(payload json.RawMessage) (*incident.EventRecord, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}
	return validateValue(value)
}

// ValidateBatch accepts a JSON array of records or an object with a
// "records" array. Invalid records and repeated ids are reported and
// skipped; the error is reserved for a payload that is not a batch at all.
func ValidateBatch(payload []byte) ([]incident.EventRecord, []RecordError, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decode batch JSON: %w", err)
	}

	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case map[string]any:
		inner, ok := v["records"].([]any)
		if !ok {
			return nil, nil, fmt.Errorf("batch object must contain a records array")
		}
		items = inner
	default:
		return nil, nil, fmt.Errorf("batch must be an array or an object with records")
	}

	records := make([]incident.EventRecord, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	var failures []RecordError
	for i, item := range items {
		record, err := validateValue(item)
		if err != nil {
			failures = append(failures, RecordError{Index: i, RecordID: peekID(item), Message: err.Error()})
			continue
		}
		if _, dup := seen[record.ID]; dup {
			failures = append(failures, RecordError{Index: i, RecordID: record.ID, Message: "duplicate id in batch"})
			continue
		}
		seen[record.ID] = struct{}{}
		records = append(records, *record)
	}
	return records, failures, nil
}

func validateValue(value any) (*incident.EventRecord, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var item EventRecordPayload
	if err := json.Unmarshal(normalized, &item); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	return toEventRecord(&item)
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("event_record.schema.json", strings.NewReader(eventRecordSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("event_record.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

// toEventRecord applies the checks the schema cannot express and converts
// the payload into the engine's record type.
func toEventRecord(item *EventRecordPayload) (*incident.EventRecord, error) {
	if item == nil {
		return nil, fmt.Errorf("payload is nil")
	}

	id := strings.TrimSpace(item.ID)
	if id == "" {
		return nil, fmt.Errorf("id must not be empty")
	}
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil, fmt.Errorf("title must not be empty")
	}

	record := &incident.EventRecord{
		ID:               id,
		Title:            title,
		Description:      trimmed(item.Description),
		EventType:        incident.ParseEventType(trimmed(item.EventType)),
		OrganizationName: trimmed(item.OrganizationName),
		SourceWeight:     DefaultSourceWeight,
		RecordsAffected:  item.RecordsAffected,
		Source:           trimmed(item.Source),
		Language:         normalize.LanguageCode(trimmed(item.Language)),
	}
	if item.SourceWeight != nil {
		record.SourceWeight = *item.SourceWeight
	}

	if raw := trimmed(item.EventDate); raw != "" {
		date, ok := normalize.ParseDate(raw)
		if !ok {
			return nil, fmt.Errorf("event_date %q is not a recognised date", raw)
		}
		record.EventDate = &date
	}

	if raw := trimmed(item.URL); raw != "" {
		if err := validateURI("url", raw); err != nil {
			return nil, err
		}
		record.URL = raw
	}

	if raw := trimmed(item.IngestedAt); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("ingested_at must be RFC3339: %w", err)
		}
		utc := ts.UTC()
		record.IngestedAt = &utc
	}

	for i, term := range item.KeyTerms {
		normalized := normalize.Text(term)
		if normalized == "" {
			return nil, fmt.Errorf("key_terms[%d] must not be empty", i)
		}
		record.KeyTerms = append(record.KeyTerms, normalized)
	}

	for i, e := range item.AffectedEntities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, fmt.Errorf("affected_entities[%d].name must not be empty", i)
		}
		entity := incident.AffectedEntity{Name: name, EntityType: trimmed(e.EntityType)}
		if e.IsPrimary != nil {
			entity.IsPrimary = *e.IsPrimary
		}
		record.AffectedEntities = append(record.AffectedEntities, entity)
	}

	return record, nil
}

func validateURI(fieldName, value string) error {
	trimmedValue := strings.TrimSpace(value)
	if trimmedValue == "" {
		return fmt.Errorf("%s must not be empty", fieldName)
	}
	parsed, err := url.ParseRequestURI(trimmedValue)
	if err != nil {
		return fmt.Errorf("%s is not a valid URI: %w", fieldName, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", fieldName)
	}
	return nil
}

func trimmed(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func peekID(value any) string {
	obj, ok := value.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := obj["id"].(string)
	return strings.TrimSpace(id)
}
