package normalize

import (
	"testing"
	"time"
)

func TestOrganizationName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "Toll Group", want: "toll"},
		{in: "  Medibank Private Ltd. ", want: "medibank private"},
		{in: "Commonwealth Bank of Australia", want: "commonwealth of australia"},
		{in: "Latitude Financial Services Pty Ltd", want: "latitude financial services"},
		{in: "ACME, Inc.", want: "acme"},
		{in: "Bank Group", want: "bank group"},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := OrganizationName(tc.in); got != tc.want {
			t.Fatalf("unexpected normalized name for %q: got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Time
	}{
		{in: "2024-03-17", want: time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC)},
		{in: "2024-03-17T22:15:00+10:00", want: time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC)},
		{in: "17 March 2024", want: time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC)},
		{in: "March 2024", want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2024-03", want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, ok := ParseDate(tc.in)
		if !ok {
			t.Fatalf("expected %q to parse", tc.in)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("unexpected date for %q: got %s want %s", tc.in, got, tc.want)
		}
	}

	if _, ok := ParseDate("sometime last year"); ok {
		t.Fatalf("expected free text date to be rejected")
	}
}

func TestIsFallbackDate(t *testing.T) {
	t.Parallel()

	if !IsFallbackDate(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected 1st of month to be a fallback date")
	}
	if IsFallbackDate(time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected 17th to be a specific date")
	}
}

func TestDaysApart(t *testing.T) {
	t.Parallel()

	a := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2020, 5, 5, 13, 0, 0, 0, time.UTC)
	if got := DaysApart(a, b); got != 4 {
		t.Fatalf("unexpected day distance: got %d want 4", got)
	}
	if got := DaysApart(b, a); got != 4 {
		t.Fatalf("expected symmetric day distance, got %d", got)
	}
}

func TestContentTokensDropsStopwords(t *testing.T) {
	t.Parallel()

	got := ContentTokens("Toll hit by Mailto ransomware")
	want := []string{"toll", "hit", "mailto", "ransomware"}
	if len(got) != len(want) {
		t.Fatalf("unexpected tokens: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected token %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestTitleIgnoresCaseAndSpacing(t *testing.T) {
	t.Parallel()

	if Title("Optus  Data Breach!") != Title("optus data breach") {
		t.Fatalf("expected titles to normalize identically")
	}
}

func TestKeyTermsOrdersByFrequency(t *testing.T) {
	t.Parallel()

	terms := KeyTerms("Ransomware gang leaks data. The ransomware attack hit Toll.", "en", 2)
	if len(terms) != 2 {
		t.Fatalf("expected 2 key terms, got %v", terms)
	}
	if terms[0] != "ransomware" {
		t.Fatalf("expected most frequent term first, got %v", terms)
	}
}

func TestLanguageCode(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"EN":      "en",
		"en-US":   "en",
		"pt_BR":   "pt",
		" de ":    "de",
		"und":     "und",
		"":        "",
		"e":       "",
		"en1":     "",
		"-en":     "",
		"zh-Hant": "zh",
	}
	for raw, want := range cases {
		if got := LanguageCode(raw); got != want {
			t.Fatalf("LanguageCode(%q) = %q, want %q", raw, got, want)
		}
	}
}
