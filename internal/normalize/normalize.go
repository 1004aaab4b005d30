// Package normalize canonicalizes organization names, dates and free text
// pulled from upstream event records. Everything here is pure.
package normalize

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

var legalSuffixes = map[string]struct{}{
	"group":        {},
	"company":      {},
	"co":           {},
	"corp":         {},
	"corporation":  {},
	"inc":          {},
	"incorporated": {},
	"ltd":          {},
	"limited":      {},
	"llc":          {},
	"pty":          {},
	"bank":         {},
	"insurance":    {},
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "been": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "had": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {}, "will": {},
	"with": {}, "after": {}, "over": {}, "says": {}, "said": {}, "new": {},
	"their": {}, "they": {}, "than": {}, "but": {}, "not": {}, "up": {},
}

// Text lower-cases, collapses whitespace and drops control characters.
func Text(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	lastSpace := false
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

// Tokens splits text into lower-case letter/digit runs.
func Tokens(text string) []string {
	normalized := Text(text)
	if normalized == "" {
		return nil
	}
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// ContentTokens is Tokens without stopwords.
func ContentTokens(text string) []string {
	tokens := Tokens(text)
	out := tokens[:0]
	for _, token := range tokens {
		if IsStopword(token) {
			continue
		}
		out = append(out, token)
	}
	return out
}

func IsStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}

// TokenSet returns the distinct content tokens of text.
func TokenSet(text string) map[string]struct{} {
	tokens := ContentTokens(text)
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

// Title compares titles case- and whitespace-insensitively.
func Title(title string) string {
	return strings.Join(Tokens(title), " ")
}

// OrganizationName lower-cases the name, strips punctuation and removes
// legal-entity suffix tokens. A name made only of suffix words is kept as is
// so "Bank Group" does not collapse to nothing.
func OrganizationName(name string) string {
	tokens := Tokens(name)
	if len(tokens) == 0 {
		return ""
	}
	kept := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, ok := legalSuffixes[token]; ok {
			continue
		}
		kept = append(kept, token)
	}
	if len(kept) == 0 {
		return strings.Join(tokens, " ")
	}
	return strings.Join(kept, " ")
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"02/01/2006",
}

var monthLayouts = []string{
	"2006-01",
	"January 2006",
	"Jan 2006",
}

// ParseDate accepts the date shapes the extraction stage emits. Month-only
// inputs resolve to the 1st of the month, which is a fallback date.
func ParseDate(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return Day(t), true
		}
	}
	for _, layout := range monthLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return Day(t), true
		}
	}
	return time.Time{}, false
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// IsFallbackDate reports whether t looks like a "month only" placeholder.
func IsFallbackDate(t time.Time) bool {
	return t.Day() == 1
}

// DaysApart is the absolute whole-day distance between two dates.
func DaysApart(a, b time.Time) int {
	diff := Day(a).Sub(Day(b)).Hours() / 24
	if diff < 0 {
		diff = -diff
	}
	return int(diff + 0.5)
}

// KeyTerms derives salient tokens from text when the extraction stage did not
// supply any. English text drops stopwords; other languages fall back to a
// length filter.
func KeyTerms(text, language string, limit int) []string {
	var tokens []string
	if language == "" || strings.EqualFold(language, "en") {
		tokens = ContentTokens(text)
	} else {
		for _, token := range Tokens(text) {
			if len([]rune(token)) >= 4 {
				tokens = append(tokens, token)
			}
		}
	}

	counts := make(map[string]int, len(tokens))
	order := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if len([]rune(token)) < 3 {
			continue
		}
		if counts[token] == 0 {
			order = append(order, token)
		}
		counts[token]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	return order
}

// TermSet lower-cases and de-duplicates a key-term list.
func TermSet(terms []string) map[string]struct{} {
	if len(terms) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		normalized := Text(term)
		if normalized == "" {
			continue
		}
		set[normalized] = struct{}{}
	}
	return set
}

// LanguageCode reduces a BCP 47 style tag to its primary subtag, so "EN_us"
// and "en" compare equal. Malformed tags yield "".
func LanguageCode(raw string) string {
	tag := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
	primary, _, _ := strings.Cut(tag, "-")
	if len(primary) < 2 || len(primary) > 3 {
		return ""
	}
	for _, r := range primary {
		if r < 'a' || r > 'z' {
			return ""
		}
	}
	return primary
}
