package external

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	inclusionHeader = regexp.MustCompile(`(?i)inclusion\s+criteria\s*:?`)
	exclusionHeader = regexp.MustCompile(`(?i)exclusion\s+criteria\s*:?`)
	bulletPrefix    = regexp.MustCompile(`^\s*[\*\-•]\s*`)
	agePattern      = regexp.MustCompile(`(\d+)\s*(year|month|week|day)`)
)

// SplitEligibilityCriteria parses a free-text eligibility block into
// inclusion and exclusion criterion lists. Registry text usually
// carries "Inclusion Criteria:" and "Exclusion Criteria:" headers with
// bulleted items under each.
func SplitEligibilityCriteria(text string) (inclusion, exclusion []string) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	inclusionText := text
	exclusionText := ""

	if loc := exclusionHeader.FindStringIndex(text); loc != nil {
		inclusionText = text[:loc[0]]
		exclusionText = text[loc[1]:]
	}
	if loc := inclusionHeader.FindStringIndex(inclusionText); loc != nil {
		inclusionText = inclusionText[loc[1]:]
	}

	return parseCriteriaList(inclusionText), parseCriteriaList(exclusionText)
}

// parseCriteriaList splits a criteria section into individual items.
// Bulleted lines become one item each; bare lines are kept as-is.
func parseCriteriaList(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		items = append(items, line)
	}
	return items
}

// AgeEligible reports whether an age falls inside a trial's age window.
// Registry bounds arrive as strings like "18 Years" or "6 Months";
// missing or unparseable bounds are treated as unbounded.
func AgeEligible(age int, minimumAge, maximumAge string) bool {
	if min, ok := parseAgeYears(minimumAge); ok && age < min {
		return false
	}
	if max, ok := parseAgeYears(maximumAge); ok && age > max {
		return false
	}
	return true
}

// parseAgeYears converts a registry age bound to whole years
func parseAgeYears(raw string) (int, bool) {
	m := agePattern.FindStringSubmatch(strings.ToLower(raw))
	if m == nil {
		return 0, false
	}
	value, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	switch m[2] {
	case "year":
		return value, true
	case "month":
		return value / 12, true
	case "week", "day":
		return 0, true
	}
	return 0, false
}
