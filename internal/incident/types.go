// Package incident holds the records exchanged between the clustering
// engine, the merger and the store.
package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultAlgorithmVersion is mixed into cluster ids and membership hashes.
const DefaultAlgorithmVersion = "dedup-v2"

var clusterNamespace = uuid.MustParse("6f1c2b9e-3d4a-5e8f-9a0b-1c2d3e4f5a6b")

type EventType string

const (
	EventTypeRansomware         EventType = "ransomware"
	EventTypeDataBreach         EventType = "data_breach"
	EventTypePhishing           EventType = "phishing"
	EventTypeMalware            EventType = "malware"
	EventTypeDDoS               EventType = "ddos"
	EventTypeCredentialStuffing EventType = "credential_stuffing"
	EventTypeInsider            EventType = "insider"
	EventTypeOther              EventType = "other"
)

var eventTypeAliases = map[string]EventType{
	"ransomware":          EventTypeRansomware,
	"data_breach":         EventTypeDataBreach,
	"data breach":         EventTypeDataBreach,
	"data-breach":         EventTypeDataBreach,
	"breach":              EventTypeDataBreach,
	"phishing":            EventTypePhishing,
	"malware":             EventTypeMalware,
	"ddos":                EventTypeDDoS,
	"denial_of_service":   EventTypeDDoS,
	"credential_stuffing": EventTypeCredentialStuffing,
	"credential stuffing": EventTypeCredentialStuffing,
	"insider":             EventTypeInsider,
	"insider_threat":      EventTypeInsider,
	"other":               EventTypeOther,
}

// ParseEventType maps free-form category labels onto the known set.
// Unknown labels become EventTypeOther.
func ParseEventType(raw string) EventType {
	key := strings.ToLower(strings.TrimSpace(raw))
	if t, ok := eventTypeAliases[key]; ok {
		return t
	}
	return EventTypeOther
}

type AffectedEntity struct {
	Name       string `json:"name"`
	EntityType string `json:"entity_type,omitempty"`
	IsPrimary  bool   `json:"is_primary"`
}

// EventRecord is one enriched record produced by the extraction stage.
// The engine never mutates it.
type EventRecord struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	Description      string           `json:"description"`
	EventType        EventType        `json:"event_type"`
	EventDate        *time.Time       `json:"event_date,omitempty"`
	OrganizationName string           `json:"organization_name,omitempty"`
	KeyTerms         []string         `json:"key_terms,omitempty"`
	SourceWeight     float64          `json:"source_weight"`
	RecordsAffected  *int64           `json:"records_affected,omitempty"`
	AffectedEntities []AffectedEntity `json:"affected_entities,omitempty"`
	Source           string           `json:"source,omitempty"`
	URL              string           `json:"url,omitempty"`
	Language         string           `json:"language,omitempty"`
	IngestedAt       *time.Time       `json:"ingested_at,omitempty"`
}

type DecisionBasis string

const (
	BasisHeuristic      DecisionBasis = "heuristic"
	BasisArbiter        DecisionBasis = "arbiter"
	BasisIdenticalTitle DecisionBasis = "identical_title"
	BasisManual         DecisionBasis = "manual"
)

type Decision string

const (
	DecisionMatch     Decision = "match"
	DecisionNoMatch   Decision = "no_match"
	DecisionUndecided Decision = "undecided"
)

// SimilarityResult is computed per pair and only kept for audit logging.
type SimilarityResult struct {
	Score                  float64       `json:"score"`
	EntityScore            float64       `json:"entity_score"`
	DateFactor             float64       `json:"date_factor"`
	IsStrongIndicatorMatch bool          `json:"is_strong_indicator_match"`
	DecisionBasis          DecisionBasis `json:"decision_basis"`
	Decision               Decision      `json:"decision"`
	Threshold              float64       `json:"threshold"`
	EntityGated            bool          `json:"entity_gated"`
	Detector               string        `json:"detector,omitempty"`
	Reason                 string        `json:"reason,omitempty"`
	Indicators             []string      `json:"indicators,omitempty"`
}

type Member struct {
	RecordID    string        `json:"record_id"`
	Score       float64       `json:"score"`
	Basis       DecisionBasis `json:"basis"`
	EntityGated bool          `json:"entity_gated"`
	Detector    string        `json:"detector,omitempty"`
}

// Cluster is a set of records judged to describe one incident. The first
// member is the seed.
type Cluster struct {
	ClusterID         string   `json:"cluster_id"`
	MemberIDs         []string `json:"member_ids"`
	Members           []Member `json:"members"`
	AverageSimilarity float64  `json:"average_similarity"`
	AlgorithmVersion  string   `json:"algorithm_version"`
}

func (c Cluster) Size() int { return len(c.MemberIDs) }

type Method string

const (
	MethodEntityMatch     Method = "entity_match"
	MethodTitleSimilarity Method = "title_similarity"
	MethodManual          Method = "manual"
)

type MemberRole string

const (
	RolePrimary    MemberRole = "primary"
	RoleSupporting MemberRole = "supporting"
	RoleDuplicate  MemberRole = "duplicate"
)

type CanonicalStatus string

const (
	StatusActive     CanonicalStatus = "active"
	StatusSuperseded CanonicalStatus = "superseded"
)

type CanonicalMember struct {
	RecordID        string     `json:"record_id"`
	Role            MemberRole `json:"role"`
	SimilarityScore float64    `json:"similarity_score"`
}

// CanonicalEvent is the merged representation of one cluster.
type CanonicalEvent struct {
	ID                      string            `json:"id"`
	Title                   string            `json:"title"`
	Description             string            `json:"description"`
	EventType               EventType         `json:"event_type"`
	EventDate               *time.Time        `json:"event_date,omitempty"`
	OrganizationName        string            `json:"organization_name,omitempty"`
	AffectedEntities        []AffectedEntity  `json:"affected_entities"`
	DataSources             []string          `json:"data_sources"`
	ContributingRecordCount int               `json:"contributing_record_count"`
	SimilarityScore         float64           `json:"similarity_score"`
	Method                  Method            `json:"method"`
	MembershipHash          string            `json:"membership_hash"`
	AlgorithmVersion        string            `json:"algorithm_version"`
	Members                 []CanonicalMember `json:"members"`
}

// TimeRange bounds a processing window. A zero bound is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// MembershipHash is the content hash of a membership set. Member order does
// not matter.
func MembershipHash(algorithmVersion string, memberIDs []string) string {
	sorted := append([]string(nil), memberIDs...)
	sort.Strings(sorted)

	h := sha256.New()
	_, _ = h.Write([]byte(strings.TrimSpace(algorithmVersion)))
	for _, id := range sorted {
		_, _ = h.Write([]byte{'\n'})
		_, _ = h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ClusterID derives a stable UUIDv5 from the membership hash, so re-running
// identical input yields identical ids.
func ClusterID(algorithmVersion string, memberIDs []string) string {
	return uuid.NewSHA1(clusterNamespace, []byte(MembershipHash(algorithmVersion, memberIDs))).String()
}
