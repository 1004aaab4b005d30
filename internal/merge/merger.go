// Package merge collapses a cluster of event records into one canonical
// event.
package merge

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"horse.fit/incidentdedup/internal/entity"
	"horse.fit/incidentdedup/internal/incident"
	"horse.fit/incidentdedup/internal/normalize"
	"horse.fit/incidentdedup/internal/similarity"
)

const (
	DefaultDuplicateScore = 0.95
	entityTypeOrg         = "organization"
)

var ErrMissingRecord = errors.New("cluster member has no record")

type Merger struct {
	duplicateScore  float64
	genericMinTerms int
}

type Option func(*Merger)

// WithDuplicateScore sets the member score at or above which a member is
// labelled a duplicate rather than supporting evidence.
func WithDuplicateScore(v float64) Option {
	return func(m *Merger) {
		if v > 0 && v <= 1 {
			m.duplicateScore = v
		}
	}
}

func WithGenericMinTerms(n int) Option {
	return func(m *Merger) {
		if n > 0 {
			m.genericMinTerms = n
		}
	}
}

func NewMerger(opts ...Option) *Merger {
	m := &Merger{
		duplicateScore:  DefaultDuplicateScore,
		genericMinTerms: similarity.DefaultConfig().GenericMinTerms,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// member pairs a record with its cluster membership entry.
type member struct {
	record incident.EventRecord
	meta   incident.Member
}

// Merge builds the canonical event for c. records may hold more than the
// cluster's members; every member id must be present.
func (m *Merger) Merge(c incident.Cluster, records []incident.EventRecord) (incident.CanonicalEvent, error) {
	if c.Size() == 0 {
		return incident.CanonicalEvent{}, fmt.Errorf("merge cluster %s: no members", c.ClusterID)
	}

	// First occurrence wins, matching how the builder admits duplicates.
	byID := make(map[string]incident.EventRecord, len(records))
	for _, r := range records {
		r.ID = strings.TrimSpace(r.ID)
		if _, seen := byID[r.ID]; !seen {
			byID[r.ID] = r
		}
	}
	meta := make(map[string]incident.Member, len(c.Members))
	for _, mem := range c.Members {
		meta[mem.RecordID] = mem
	}

	members := make([]member, 0, c.Size())
	for _, id := range c.MemberIDs {
		r, ok := byID[id]
		if !ok {
			return incident.CanonicalEvent{}, fmt.Errorf("merge cluster %s: %w: %s", c.ClusterID, ErrMissingRecord, id)
		}
		mem, ok := meta[id]
		if !ok {
			mem = incident.Member{RecordID: id, Score: 1, Basis: incident.BasisHeuristic}
		}
		members = append(members, member{record: r, meta: mem})
	}

	primary := m.choosePrimary(members)
	primaryRecord := members[primary].record

	names := make([]string, 0, len(members))
	for _, mem := range members {
		names = append(names, mem.record.OrganizationName)
	}
	organization := entity.Resolve(names)

	memberIDs := make([]string, 0, len(members))
	for _, mem := range members {
		memberIDs = append(memberIDs, mem.record.ID)
	}

	ev := incident.CanonicalEvent{
		ID:                      incident.ClusterID(c.AlgorithmVersion, memberIDs),
		Title:                   m.pickText(primaryRecord.Title, members, func(r incident.EventRecord) string { return r.Title }),
		Description:             m.pickText(primaryRecord.Description, members, func(r incident.EventRecord) string { return r.Description }),
		EventType:               majorityType(members, primaryRecord.EventType),
		EventDate:               chooseDate(members),
		OrganizationName:        organization,
		AffectedEntities:        unionEntities(organization, members),
		DataSources:             dataSources(members),
		ContributingRecordCount: len(members),
		SimilarityScore:         c.AverageSimilarity,
		Method:                  method(members),
		MembershipHash:          incident.MembershipHash(c.AlgorithmVersion, memberIDs),
		AlgorithmVersion:        c.AlgorithmVersion,
		Members:                 m.roles(members, primary),
	}
	return ev, nil
}

// choosePrimary ranks by source weight, then prefers specific over generic
// titles, then longer titles. Cluster order breaks remaining ties.
func (m *Merger) choosePrimary(members []member) int {
	best := 0
	for i := 1; i < len(members); i++ {
		if m.outranks(members[i].record, members[best].record) {
			best = i
		}
	}
	return best
}

func (m *Merger) outranks(a, b incident.EventRecord) bool {
	if a.SourceWeight != b.SourceWeight {
		return a.SourceWeight > b.SourceWeight
	}
	aGeneric := similarity.IsGeneric(a.Title, m.genericMinTerms)
	bGeneric := similarity.IsGeneric(b.Title, m.genericMinTerms)
	if aGeneric != bGeneric {
		return !aGeneric
	}
	return len([]rune(strings.TrimSpace(a.Title))) > len([]rune(strings.TrimSpace(b.Title)))
}

// pickText keeps the primary's text unless it is empty, then falls back to
// the longest non-generic text among members.
func (m *Merger) pickText(preferred string, members []member, field func(incident.EventRecord) string) string {
	if text := strings.TrimSpace(preferred); text != "" {
		return text
	}
	best, bestGeneric := "", true
	for _, mem := range members {
		text := strings.TrimSpace(field(mem.record))
		if text == "" {
			continue
		}
		generic := similarity.IsGeneric(text, m.genericMinTerms)
		switch {
		case best == "":
		case bestGeneric && !generic:
		case generic == bestGeneric && len([]rune(text)) > len([]rune(best)):
		default:
			continue
		}
		best, bestGeneric = text, generic
	}
	return best
}

// chooseDate prefers the earliest specific date. Dates on the 1st of a
// month are placeholders and only win when nothing else is known.
func chooseDate(members []member) *time.Time {
	var specific, fallback *time.Time
	for _, mem := range members {
		if mem.record.EventDate == nil {
			continue
		}
		d := normalize.Day(*mem.record.EventDate)
		target := &specific
		if normalize.IsFallbackDate(d) {
			target = &fallback
		}
		if *target == nil || d.Before(**target) {
			*target = &d
		}
	}
	if specific != nil {
		return specific
	}
	return fallback
}

// majorityType counts non-other types. Ties go to the primary's type when it
// is among them, else to the earliest tied type in cluster order.
func majorityType(members []member, primary incident.EventType) incident.EventType {
	counts := make(map[incident.EventType]int)
	var order []incident.EventType
	for _, mem := range members {
		t := mem.record.EventType
		if t == "" || t == incident.EventTypeOther {
			continue
		}
		if counts[t] == 0 {
			order = append(order, t)
		}
		counts[t]++
	}
	if len(order) == 0 {
		return incident.EventTypeOther
	}

	top := 0
	for _, n := range counts {
		top = max(top, n)
	}
	if counts[primary] == top {
		return primary
	}
	for _, t := range order {
		if counts[t] == top {
			return t
		}
	}
	return incident.EventTypeOther
}

// unionEntities dedups by case-insensitive name with first-seen entries
// winning. Organization names matching the resolved name collapse into it.
func unionEntities(organization string, members []member) []incident.AffectedEntity {
	out := make([]incident.AffectedEntity, 0)
	seen := make(map[string]struct{})
	add := func(e incident.AffectedEntity) {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		e.Name = name
		out = append(out, e)
	}

	if organization != "" {
		add(incident.AffectedEntity{Name: organization, EntityType: entityTypeOrg, IsPrimary: true})
	}
	for _, mem := range members {
		name := strings.TrimSpace(mem.record.OrganizationName)
		if name != "" && (organization == "" || entity.Score(organization, name) < entity.ScoreSubset) {
			add(incident.AffectedEntity{Name: name, EntityType: entityTypeOrg, IsPrimary: organization == ""})
		}
	}
	for _, mem := range members {
		for _, e := range mem.record.AffectedEntities {
			if organization != "" && strings.EqualFold(e.EntityType, entityTypeOrg) && entity.Score(organization, e.Name) >= entity.ScoreSubset {
				continue
			}
			add(e)
		}
	}
	return out
}

func dataSources(members []member) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(members))
	for _, mem := range members {
		source := strings.TrimSpace(mem.record.Source)
		if source == "" {
			source = hostOf(mem.record.URL)
		}
		if source == "" {
			continue
		}
		if _, ok := seen[source]; ok {
			continue
		}
		seen[source] = struct{}{}
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// method is entity_match when every merge decision passed the entity gate
// with both names present. A singleton qualifies when it names a victim.
func method(members []member) incident.Method {
	if len(members) == 1 {
		if strings.TrimSpace(members[0].record.OrganizationName) != "" {
			return incident.MethodEntityMatch
		}
		return incident.MethodTitleSimilarity
	}
	for _, mem := range members[1:] {
		if !mem.meta.EntityGated {
			return incident.MethodTitleSimilarity
		}
	}
	return incident.MethodEntityMatch
}

// roles labels the primary, then splits the rest into duplicates and
// supporting records by their merge score. The seed's score is the score
// that joined the primary to it.
func (m *Merger) roles(members []member, primary int) []incident.CanonicalMember {
	primaryTitle := normalize.Title(members[primary].record.Title)
	out := make([]incident.CanonicalMember, 0, len(members))
	for i, mem := range members {
		if i == primary {
			out = append(out, incident.CanonicalMember{RecordID: mem.record.ID, Role: incident.RolePrimary, SimilarityScore: 1})
			continue
		}
		score := mem.meta.Score
		if i == 0 {
			score = members[primary].meta.Score
		}
		role := incident.RoleSupporting
		if score >= m.duplicateScore || (primaryTitle != "" && normalize.Title(mem.record.Title) == primaryTitle) {
			role = incident.RoleDuplicate
		}
		out = append(out, incident.CanonicalMember{RecordID: mem.record.ID, Role: role, SimilarityScore: score})
	}
	return out
}
