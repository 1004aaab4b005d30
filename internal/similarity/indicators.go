package similarity

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"horse.fit/incidentdedup/internal/normalize"
)

// Indicator categories, in reporting order.
const (
	IndicatorPlatform = "platform"
	IndicatorDate     = "explicit_date"
	IndicatorDataType = "data_type"
	IndicatorAttacker = "attacker_method"
)

var platformTerms = []string{
	"moveit", "citrix", "exchange server", "microsoft exchange", "sharepoint",
	"okta", "snowflake", "salesforce", "fortinet", "fortigate", "vmware",
	"esxi", "confluence", "jira", "github", "gitlab", "aws", "s3 bucket",
	"azure", "office 365", "microsoft 365", "goanywhere", "accellion",
	"solarwinds", "kaseya", "ivanti", "pulse secure", "cleo", "zendesk",
	"atlassian", "oracle", "sap", "wordpress", "magento",
}

var dataTypeTerms = []string{
	"personal information", "medicare", "passport", "driver licence",
	"drivers licence", "driver license", "credit card", "bank account",
	"tax file number", "email address", "phone number", "date of birth",
	"health information", "health records", "medical records", "password",
	"passwords", "social security",
	"financial information", "customer data", "employee data", "identity documents",
}

var attackerTerms = []string{
	"lockbit", "alphv", "blackcat", "clop", "cl0p", "revil", "sodinokibi",
	"conti", "mailto", "netwalker", "medusa", "akira", "blackbasta",
	"black basta", "lapsus", "scattered spider", "rhysida", "8base",
	"bianlian", "royal", "hive", "ragnar locker", "maze", "egregor",
	"phishing", "credential stuffing", "sql injection", "zero day",
	"brute force", "misconfigured", "misconfiguration", "insider",
	"supply chain", "third party", "malware", "ddos", "extortion",
}

var genericTerms = []string{
	"january", "february", "march", "april", "may", "june", "july",
	"august", "september", "october", "november", "december",
	"weekly", "monthly", "quarterly", "annual", "roundup", "round up",
	"recap", "wrap", "digest", "summary", "report", "statistics", "trends",
	"year in review", "this week", "this month", "notifiable data breaches",
	"oaic", "acsc", "quarter", "q1", "q2", "q3", "q4", "h1", "h2",
	"campaign", "campaigns", "breaches", "incidents",
}

var monthByPrefix = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

var (
	dayMonthYearRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)
	monthDayYearRe = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	isoDateRe      = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	yearRe         = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	recordCountRe  = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+|\d+(?:\.\d+)?)\s*(million|billion|thousand|m|k)?\s+(?:[a-z'-]+\s+){0,3}?(records|customers|people|individuals|accounts|users|patients|members|clients|employees|students|persons|identities|policyholders)\b`)
)

// Indicators are the specific incident signals found in a record's text.
type Indicators struct {
	Platforms map[string]struct{}
	Dates     map[string]struct{}
	DataTypes map[string]struct{}
	Methods   map[string]struct{}
}

func extractIndicators(text string) Indicators {
	padded := paddedTokens(text)
	return Indicators{
		Platforms: matchPhrases(padded, platformTerms),
		Dates:     explicitDates(text),
		DataTypes: matchPhrases(padded, dataTypeTerms),
		Methods:   matchPhrases(padded, attackerTerms),
	}
}

// overlap returns the categories both indicator sets share.
func (i Indicators) overlap(other Indicators) []string {
	var shared []string
	if intersects(i.Platforms, other.Platforms) {
		shared = append(shared, IndicatorPlatform)
	}
	if intersects(i.Dates, other.Dates) {
		shared = append(shared, IndicatorDate)
	}
	if intersects(i.DataTypes, other.DataTypes) {
		shared = append(shared, IndicatorDataType)
	}
	if intersects(i.Methods, other.Methods) {
		shared = append(shared, IndicatorAttacker)
	}
	return shared
}

// genericTermCount counts distinct boilerplate terms, with any four-digit
// year counting once.
func genericTermCount(text string) int {
	count := len(matchPhrases(paddedTokens(text), genericTerms))
	if yearRe.MatchString(text) {
		count++
	}
	return count
}

// IsGeneric reports whether text reads as a periodic roundup rather than a
// report of one incident.
func IsGeneric(text string, minTerms int) bool {
	if minTerms <= 0 {
		minTerms = DefaultConfig().GenericMinTerms
	}
	return genericTermCount(text) >= minTerms
}

// statedRecordCount returns the largest affected-record figure in the text,
// or 0 when none is stated.
func statedRecordCount(text string) int64 {
	var best int64
	for _, m := range recordCountRe.FindAllStringSubmatch(text, -1) {
		n := parseCount(m[1], m[2])
		if n > best {
			best = n
		}
	}
	return best
}

func parseCount(number, unit string) int64 {
	value, err := strconv.ParseFloat(strings.ReplaceAll(number, ",", ""), 64)
	if err != nil || value <= 0 {
		return 0
	}
	switch strings.ToLower(unit) {
	case "billion":
		value *= 1_000_000_000
	case "million", "m":
		value *= 1_000_000
	case "thousand", "k":
		value *= 1_000
	}
	return int64(math.Round(value))
}

func explicitDates(text string) map[string]struct{} {
	out := map[string]struct{}{}
	add := func(year, month, day string) {
		y, errY := strconv.Atoi(year)
		d, errD := strconv.Atoi(day)
		if errY != nil || errD != nil {
			return
		}
		m, ok := monthByPrefix[strings.ToLower(month)]
		if !ok {
			mi, err := strconv.Atoi(month)
			if err != nil || mi < 1 || mi > 12 {
				return
			}
			m = time.Month(mi)
		}
		if d < 1 || d > 31 {
			return
		}
		out[time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Format("2006-01-02")] = struct{}{}
	}
	for _, m := range dayMonthYearRe.FindAllStringSubmatch(text, -1) {
		add(m[3], m[2], m[1])
	}
	for _, m := range monthDayYearRe.FindAllStringSubmatch(text, -1) {
		add(m[3], m[1], m[2])
	}
	for _, m := range isoDateRe.FindAllStringSubmatch(text, -1) {
		add(m[1], m[2], m[3])
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func paddedTokens(text string) string {
	tokens := normalize.Tokens(text)
	if len(tokens) == 0 {
		return ""
	}
	return " " + strings.Join(tokens, " ") + " "
}

func matchPhrases(padded string, phrases []string) map[string]struct{} {
	if padded == "" {
		return nil
	}
	var out map[string]struct{}
	for _, phrase := range phrases {
		if strings.Contains(padded, " "+phrase+" ") {
			if out == nil {
				out = map[string]struct{}{}
			}
			out[phrase] = struct{}{}
		}
	}
	return out
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
