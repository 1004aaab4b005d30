package merge

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"horse.fit/incidentdedup/internal/incident"
)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func clusterOf(members ...incident.Member) incident.Cluster {
	c := incident.Cluster{AlgorithmVersion: incident.DefaultAlgorithmVersion, Members: members}
	sum := 0.0
	for i, m := range members {
		c.MemberIDs = append(c.MemberIDs, m.RecordID)
		if i > 0 {
			sum += m.Score
		}
	}
	if len(members) > 1 {
		c.AverageSimilarity = sum / float64(len(members)-1)
	} else {
		c.AverageSimilarity = 1
	}
	c.ClusterID = incident.ClusterID(c.AlgorithmVersion, c.MemberIDs)
	return c
}

func TestMergePrefersSpecificDateOverPlaceholder(t *testing.T) {
	t.Parallel()

	records := []incident.EventRecord{
		{ID: "a", Title: "Breach at clinic", EventDate: day(2024, time.March, 1)},
		{ID: "b", Title: "Clinic breach confirmed", EventDate: day(2024, time.March, 17)},
	}
	c := clusterOf(incident.Member{RecordID: "a", Score: 1}, incident.Member{RecordID: "b", Score: 0.8})

	ev, err := NewMerger().Merge(c, records)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if ev.EventDate == nil || !ev.EventDate.Equal(*day(2024, time.March, 17)) {
		t.Fatalf("unexpected date: %v", ev.EventDate)
	}
}

func TestChooseDate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		dates []*time.Time
		want  *time.Time
	}{
		{name: "earliest specific", dates: []*time.Time{day(2024, 3, 20), day(2024, 3, 1), day(2024, 3, 9)}, want: day(2024, 3, 9)},
		{name: "earliest fallback", dates: []*time.Time{day(2024, 4, 1), day(2024, 3, 1)}, want: day(2024, 3, 1)},
		{name: "missing dates ignored", dates: []*time.Time{nil, day(2023, 12, 1)}, want: day(2023, 12, 1)},
		{name: "none", dates: []*time.Time{nil, nil}, want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			members := make([]member, 0, len(tc.dates))
			for _, d := range tc.dates {
				members = append(members, member{record: incident.EventRecord{EventDate: d}})
			}
			got := chooseDate(members)
			switch {
			case tc.want == nil && got != nil:
				t.Fatalf("expected no date, got %v", got)
			case tc.want != nil && (got == nil || !got.Equal(*tc.want)):
				t.Fatalf("unexpected date: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestMergeTollScenario(t *testing.T) {
	t.Parallel()

	records := []incident.EventRecord{
		{
			ID:               "toll-1",
			Title:            "Toll hit by Mailto ransomware",
			EventType:        incident.EventTypeRansomware,
			EventDate:        day(2020, time.May, 1),
			OrganizationName: "Toll",
			Source:           "itnews",
		},
		{
			ID:               "toll-2",
			Title:            "Toll Group ransomware attack disrupts operations",
			EventType:        incident.EventTypeRansomware,
			EventDate:        day(2020, time.May, 5),
			OrganizationName: "Toll Group",
			URL:              "https://www.zdnet.com/article/toll-group",
			AffectedEntities: []incident.AffectedEntity{
				{Name: "toll group", EntityType: "organization"},
				{Name: "Australia Post", EntityType: "organization"},
			},
		},
	}
	c := clusterOf(
		incident.Member{RecordID: "toll-1", Score: 1, EntityGated: true},
		incident.Member{RecordID: "toll-2", Score: 0.66, EntityGated: true},
	)

	ev, err := NewMerger().Merge(c, records)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if ev.EventDate == nil || !ev.EventDate.Equal(*day(2020, time.May, 5)) {
		t.Fatalf("unexpected date: %v", ev.EventDate)
	}
	if ev.OrganizationName != "Toll Group" {
		t.Fatalf("unexpected organization: %q", ev.OrganizationName)
	}
	if ev.Method != incident.MethodEntityMatch {
		t.Fatalf("unexpected method: %q", ev.Method)
	}
	if ev.Title != "Toll Group ransomware attack disrupts operations" {
		t.Fatalf("unexpected title: %q", ev.Title)
	}
	if ev.ContributingRecordCount != 2 || ev.SimilarityScore != 0.66 {
		t.Fatalf("unexpected provenance: count=%d score=%f", ev.ContributingRecordCount, ev.SimilarityScore)
	}
	if ev.ID != c.ClusterID || ev.MembershipHash != incident.MembershipHash(c.AlgorithmVersion, c.MemberIDs) {
		t.Fatalf("canonical id must follow membership")
	}

	wantEntities := []incident.AffectedEntity{
		{Name: "Toll Group", EntityType: "organization", IsPrimary: true},
		{Name: "Australia Post", EntityType: "organization"},
	}
	if !reflect.DeepEqual(ev.AffectedEntities, wantEntities) {
		t.Fatalf("unexpected entities: %+v", ev.AffectedEntities)
	}
	if want := []string{"itnews", "zdnet.com"}; !reflect.DeepEqual(ev.DataSources, want) {
		t.Fatalf("unexpected sources: %v", ev.DataSources)
	}

	wantMembers := []incident.CanonicalMember{
		{RecordID: "toll-1", Role: incident.RoleSupporting, SimilarityScore: 0.66},
		{RecordID: "toll-2", Role: incident.RolePrimary, SimilarityScore: 1},
	}
	if !reflect.DeepEqual(ev.Members, wantMembers) {
		t.Fatalf("unexpected members: %+v", ev.Members)
	}
}

func TestMergePrefersHighestSourceWeight(t *testing.T) {
	t.Parallel()

	records := []incident.EventRecord{
		{ID: "a", Title: "A very long but low-trust headline about the incident", Description: "Low trust text.", SourceWeight: 0.2},
		{ID: "b", Title: "Short trusted headline", SourceWeight: 0.9},
		{ID: "c", Title: "Short trusted headline", Description: "Trusted body with the full details.", SourceWeight: 0.9},
	}
	c := clusterOf(
		incident.Member{RecordID: "a", Score: 1},
		incident.Member{RecordID: "b", Score: 0.72},
		incident.Member{RecordID: "c", Score: 0.97},
	)
	ev, err := NewMerger().Merge(c, records)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if ev.Title != "Short trusted headline" {
		t.Fatalf("unexpected title: %q", ev.Title)
	}
	if ev.Description != "Trusted body with the full details." {
		t.Fatalf("expected description fallback to the longest non-generic text, got %q", ev.Description)
	}
	if ev.Method != incident.MethodTitleSimilarity {
		t.Fatalf("unexpected method: %q", ev.Method)
	}
	roles := map[string]incident.MemberRole{}
	for _, m := range ev.Members {
		roles[m.RecordID] = m.Role
	}
	want := map[string]incident.MemberRole{"a": incident.RoleSupporting, "b": incident.RolePrimary, "c": incident.RoleDuplicate}
	if !reflect.DeepEqual(roles, want) {
		t.Fatalf("unexpected roles: %v", roles)
	}
}

func TestPickTextSkipsGenericText(t *testing.T) {
	t.Parallel()

	members := []member{
		{record: incident.EventRecord{Description: "Monthly roundup of March 2024 breaches and incidents reported this week"}},
		{record: incident.EventRecord{Description: "Hospital confirms ransomware."}},
	}
	got := NewMerger().pickText("", members, func(r incident.EventRecord) string { return r.Description })
	if got != "Hospital confirms ransomware." {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestMajorityType(t *testing.T) {
	t.Parallel()

	mk := func(types ...incident.EventType) []member {
		out := make([]member, 0, len(types))
		for _, et := range types {
			out = append(out, member{record: incident.EventRecord{EventType: et}})
		}
		return out
	}
	cases := []struct {
		name    string
		members []member
		primary incident.EventType
		want    incident.EventType
	}{
		{name: "majority", members: mk(incident.EventTypeDataBreach, incident.EventTypeRansomware, incident.EventTypeRansomware), primary: incident.EventTypeDataBreach, want: incident.EventTypeRansomware},
		{name: "tie to primary", members: mk(incident.EventTypeDataBreach, incident.EventTypeRansomware), primary: incident.EventTypeRansomware, want: incident.EventTypeRansomware},
		{name: "other ignored", members: mk(incident.EventTypeOther, incident.EventTypeOther, incident.EventTypePhishing), primary: incident.EventTypeOther, want: incident.EventTypePhishing},
		{name: "all other", members: mk(incident.EventTypeOther, ""), primary: "", want: incident.EventTypeOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := majorityType(tc.members, tc.primary); got != tc.want {
				t.Fatalf("unexpected type: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestMergeSingleton(t *testing.T) {
	t.Parallel()

	records := []incident.EventRecord{{ID: "solo", Title: "Clinic breach", OrganizationName: "Clinic Pty Ltd"}}
	ev, err := NewMerger().Merge(clusterOf(incident.Member{RecordID: "solo", Score: 1, EntityGated: true}), records)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if ev.Method != incident.MethodEntityMatch || ev.SimilarityScore != 1 || ev.ContributingRecordCount != 1 {
		t.Fatalf("unexpected singleton: %+v", ev)
	}
	if len(ev.Members) != 1 || ev.Members[0].Role != incident.RolePrimary {
		t.Fatalf("unexpected members: %+v", ev.Members)
	}
}

func TestMergeMissingRecord(t *testing.T) {
	t.Parallel()

	c := clusterOf(incident.Member{RecordID: "a", Score: 1}, incident.Member{RecordID: "ghost", Score: 0.9})
	_, err := NewMerger().Merge(c, []incident.EventRecord{{ID: "a", Title: "A"}})
	if !errors.Is(err, ErrMissingRecord) {
		t.Fatalf("expected ErrMissingRecord, got %v", err)
	}
}
