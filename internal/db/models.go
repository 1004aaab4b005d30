package db

import (
	"encoding/json"
	"time"
)

// EventRecord maps incidents.event_records. Rows are written once by import
// and never updated by the engine.
type EventRecord struct {
	RecordID         string          `gorm:"column:record_id;type:text;primaryKey"`
	Title            string          `gorm:"column:title;type:text;not null"`
	Description      string          `gorm:"column:description;type:text;not null;default:''"`
	EventType        string          `gorm:"column:event_type;type:text;not null;default:other"`
	EventDate        *time.Time      `gorm:"column:event_date;type:timestamptz"`
	OrganizationName *string         `gorm:"column:organization_name;type:text"`
	KeyTerms         json.RawMessage `gorm:"column:key_terms;type:jsonb;not null;default:'[]'"`
	SourceWeight     float64         `gorm:"column:source_weight;type:double precision;not null;default:0.5"`
	RecordsAffected  *int64          `gorm:"column:records_affected;type:bigint"`
	AffectedEntities json.RawMessage `gorm:"column:affected_entities;type:jsonb;not null;default:'[]'"`
	Source           *string         `gorm:"column:source;type:text"`
	URL              *string         `gorm:"column:url;type:text"`
	Language         string          `gorm:"column:language;type:text;not null;default:und"`
	IngestedAt       time.Time       `gorm:"column:ingested_at;type:timestamptz;not null;default:now()"`
}

func (EventRecord) TableName() string { return "incidents.event_records" }

// CanonicalEvent maps incidents.canonical_events.
type CanonicalEvent struct {
	CanonicalID             string          `gorm:"column:canonical_id;type:uuid;primaryKey"`
	MembershipHash          string          `gorm:"column:membership_hash;type:text;not null;unique"`
	Title                   string          `gorm:"column:title;type:text;not null"`
	Description             string          `gorm:"column:description;type:text;not null;default:''"`
	EventType               string          `gorm:"column:event_type;type:text;not null"`
	EventDate               *time.Time      `gorm:"column:event_date;type:timestamptz"`
	OrganizationName        *string         `gorm:"column:organization_name;type:text"`
	AffectedEntities        json.RawMessage `gorm:"column:affected_entities;type:jsonb;not null;default:'[]'"`
	DataSources             json.RawMessage `gorm:"column:data_sources;type:jsonb;not null;default:'[]'"`
	ContributingRecordCount int             `gorm:"column:contributing_record_count;type:integer;not null"`
	SimilarityScore         float64         `gorm:"column:similarity_score;type:double precision;not null"`
	Method                  string          `gorm:"column:method;type:text;not null"`
	AlgorithmVersion        string          `gorm:"column:algorithm_version;type:text;not null"`
	Status                  string          `gorm:"column:status;type:text;not null;default:active"`
	SupersededBy            *string         `gorm:"column:superseded_by;type:uuid"`
	SupersededAt            *time.Time      `gorm:"column:superseded_at;type:timestamptz"`
	RunID                   *string         `gorm:"column:run_id;type:uuid"`
	CreatedAt               time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt               time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (CanonicalEvent) TableName() string { return "incidents.canonical_events" }

// CanonicalMember maps incidents.canonical_members.
type CanonicalMember struct {
	CanonicalID     string    `gorm:"column:canonical_id;type:uuid;primaryKey"`
	MemberRecordID  string    `gorm:"column:member_record_id;type:text;primaryKey"`
	Role            string    `gorm:"column:role;type:text;not null"`
	SimilarityScore float64   `gorm:"column:similarity_score;type:double precision;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (CanonicalMember) TableName() string { return "incidents.canonical_members" }

// ClusterAudit maps incidents.cluster_audit.
type ClusterAudit struct {
	ClusterAuditID    int64           `gorm:"column:cluster_audit_id;primaryKey;autoIncrement"`
	RunID             string          `gorm:"column:run_id;type:uuid;not null"`
	ClusterID         string          `gorm:"column:cluster_id;type:uuid;not null"`
	CanonicalID       string          `gorm:"column:canonical_id;type:uuid;not null"`
	MemberCount       int             `gorm:"column:member_count;type:integer;not null"`
	AverageSimilarity float64         `gorm:"column:average_similarity;type:double precision;not null"`
	AlgorithmVersion  string          `gorm:"column:algorithm_version;type:text;not null"`
	Members           json.RawMessage `gorm:"column:members;type:jsonb;not null"`
	CreatedAt         time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ClusterAudit) TableName() string { return "incidents.cluster_audit" }

// CanonicalSupersession maps incidents.canonical_supersessions.
type CanonicalSupersession struct {
	SupersessionID int64     `gorm:"column:supersession_id;primaryKey;autoIncrement"`
	OldCanonicalID string    `gorm:"column:old_canonical_id;type:uuid;not null;uniqueIndex:canonical_supersessions_pair_key"`
	NewCanonicalID string    `gorm:"column:new_canonical_id;type:uuid;not null;uniqueIndex:canonical_supersessions_pair_key"`
	RunID          *string   `gorm:"column:run_id;type:uuid"`
	Reason         string    `gorm:"column:reason;type:text;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (CanonicalSupersession) TableName() string { return "incidents.canonical_supersessions" }

// ArbitrationLog maps incidents.arbitration_log.
type ArbitrationLog struct {
	ArbitrationID int64     `gorm:"column:arbitration_id;primaryKey;autoIncrement"`
	RunID         string    `gorm:"column:run_id;type:uuid;not null"`
	LeftRecordID  string    `gorm:"column:left_record_id;type:text;not null"`
	RightRecordID string    `gorm:"column:right_record_id;type:text;not null"`
	Provider      string    `gorm:"column:provider;type:text;not null"`
	LocalScore    float64   `gorm:"column:local_score;type:double precision;not null"`
	Same          bool      `gorm:"column:same;type:boolean;not null"`
	Confidence    float64   `gorm:"column:confidence;type:double precision;not null;default:0"`
	Reasoning     string    `gorm:"column:reasoning;type:text;not null;default:''"`
	Attempts      int       `gorm:"column:attempts;type:integer;not null;default:0"`
	LatencyMS     int64     `gorm:"column:latency_ms;type:bigint;not null;default:0"`
	FromCache     bool      `gorm:"column:from_cache;type:boolean;not null;default:false"`
	FailedSoft    bool      `gorm:"column:failed_soft;type:boolean;not null;default:false"`
	ErrorMessage  *string   `gorm:"column:error_message;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ArbitrationLog) TableName() string { return "incidents.arbitration_log" }

// DedupOverride maps incidents.dedup_overrides. Each row is one joiner split
// out of a tentative cluster.
type DedupOverride struct {
	OverrideID          int64     `gorm:"column:override_id;primaryKey;autoIncrement"`
	RunID               string    `gorm:"column:run_id;type:uuid;not null"`
	SeedRecordID        string    `gorm:"column:seed_record_id;type:text;not null"`
	RecordID            string    `gorm:"column:record_id;type:text;not null"`
	ConflictingRecordID string    `gorm:"column:conflicting_record_id;type:text;not null"`
	Score               float64   `gorm:"column:score;type:double precision;not null"`
	Reason              string    `gorm:"column:reason;type:text;not null"`
	CreatedAt           time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (DedupOverride) TableName() string { return "incidents.dedup_overrides" }

// DedupRun maps incidents.dedup_runs.
type DedupRun struct {
	RunID              string     `gorm:"column:run_id;type:uuid;primaryKey"`
	AlgorithmVersion   string     `gorm:"column:algorithm_version;type:text;not null"`
	TriggeredBy        string     `gorm:"column:triggered_by;type:text;not null;default:cli"`
	Status             string     `gorm:"column:status;type:text;not null;default:running"`
	WindowStart        *time.Time `gorm:"column:window_start;type:timestamptz"`
	WindowEnd          *time.Time `gorm:"column:window_end;type:timestamptz"`
	Records            int        `gorm:"column:records;type:integer;not null;default:0"`
	Rejected           int        `gorm:"column:rejected;type:integer;not null;default:0"`
	Clusters           int        `gorm:"column:clusters;type:integer;not null;default:0"`
	Singletons         int        `gorm:"column:singletons;type:integer;not null;default:0"`
	PairsScored        int        `gorm:"column:pairs_scored;type:integer;not null;default:0"`
	ArbiterCalls       int        `gorm:"column:arbiter_calls;type:integer;not null;default:0"`
	ArbiterFailed      int        `gorm:"column:arbiter_failed;type:integer;not null;default:0"`
	Overrides          int        `gorm:"column:overrides;type:integer;not null;default:0"`
	CanonicalCreated   int        `gorm:"column:canonical_created;type:integer;not null;default:0"`
	CanonicalUnchanged int        `gorm:"column:canonical_unchanged;type:integer;not null;default:0"`
	Superseded         int        `gorm:"column:superseded;type:integer;not null;default:0"`
	ErrorMessage       *string    `gorm:"column:error_message;type:text"`
	StartedAt          time.Time  `gorm:"column:started_at;type:timestamptz;not null;default:now()"`
	FinishedAt         *time.Time `gorm:"column:finished_at;type:timestamptz"`
}

func (DedupRun) TableName() string { return "incidents.dedup_runs" }

func autoMigrateModels() []any {
	return []any{
		&EventRecord{},
		&CanonicalEvent{},
		&CanonicalMember{},
		&ClusterAudit{},
		&CanonicalSupersession{},
		&ArbitrationLog{},
		&DedupOverride{},
		&DedupRun{},
	}
}
