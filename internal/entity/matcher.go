// Package entity scores how likely two organization mentions name the same
// victim.
package entity

import (
	"strings"

	"horse.fit/incidentdedup/internal/normalize"
)

const (
	ScoreExact      = 1.0
	ScoreNormalized = 0.95
	ScoreSubset     = 0.95
)

// Score compares two organization names. Exact and subset rules run before
// the fuzzy fallback because sequence similarity under-scores short
// legitimate variants such as "Toll" and "Toll Holdings".
func Score(a, b string) float64 {
	left := strings.TrimSpace(a)
	right := strings.TrimSpace(b)
	if left == "" || right == "" {
		return 0
	}
	if strings.EqualFold(left, right) {
		return ScoreExact
	}

	normLeft := normalize.OrganizationName(left)
	normRight := normalize.OrganizationName(right)
	if normLeft != "" && normLeft == normRight {
		return ScoreNormalized
	}
	if tokenSubset(normLeft, normRight) {
		return ScoreSubset
	}

	normalizedRatio := lcsRatio(normLeft, normRight)
	originalRatio := lcsRatio(strings.ToLower(left), strings.ToLower(right))
	return max(normalizedRatio, originalRatio)
}

// tokenSubset reports whether every token of the shorter name appears in
// the longer one.
func tokenSubset(a, b string) bool {
	left := strings.Fields(a)
	right := strings.Fields(b)
	if len(left) == 0 || len(right) == 0 {
		return false
	}
	if len(left) > len(right) {
		left, right = right, left
	}

	present := make(map[string]struct{}, len(right))
	for _, token := range right {
		present[token] = struct{}{}
	}
	for _, token := range left {
		if _, ok := present[token]; !ok {
			return false
		}
	}
	return true
}

// lcsRatio is 2*LCS/(len(a)+len(b)) over runes.
func lcsRatio(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 0
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			switch {
			case ra[i-1] == rb[j-1]:
				curr[j] = prev[j-1] + 1
			case prev[j] >= curr[j-1]:
				curr[j] = prev[j]
			default:
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return 2 * float64(prev[len(rb)]) / float64(total)
}

// Resolve picks the formal name for a cluster: among the names that match
// the first non-empty one, the variant with the most tokens wins, earlier
// mentions break ties.
func Resolve(names []string) string {
	first := ""
	for _, name := range names {
		if strings.TrimSpace(name) != "" {
			first = strings.TrimSpace(name)
			break
		}
	}
	if first == "" {
		return ""
	}

	best := first
	bestTokens := len(normalize.Tokens(first))
	for _, name := range names {
		candidate := strings.TrimSpace(name)
		if candidate == "" || Score(first, candidate) < ScoreSubset {
			continue
		}
		if tokens := len(normalize.Tokens(candidate)); tokens > bestTokens {
			best = candidate
			bestTokens = tokens
		}
	}
	return best
}
