package decisions

import (
	"strings"
	"unicode"
)

// Default thresholds for the set-theoretic duplicate check.
const (
	defaultJaccardThreshold     = 0.50
	defaultContainmentThreshold = 0.70
)

// Dedup rule names, used as the metric attribute on discarded duplicates.
const (
	ruleJaccard     = "jaccard"
	ruleContainment = "containment"
	ruleLLM         = "llm"
)

// tokenize extracts the significant word tokens of a summary: lowercased,
// non-alphanumeric characters stripped, words longer than 3 characters kept.
func tokenize(s string) map[string]struct{} {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	tokens := make(map[string]struct{})
	for _, w := range strings.Fields(b.String()) {
		if len(w) > 3 {
			tokens[w] = struct{}{}
		}
	}
	return tokens
}

// duplicateRule reports which dedup rule, if any, marks the two summaries as
// duplicates. Jaccard is the symmetric shared/union ratio; containment is
// shared over the smaller token set, which catches paraphrases that embed one
// summary inside a longer one. Two empty token sets count as duplicates, one
// empty set does not.
func duplicateRule(a, b string, jaccardThreshold, containmentThreshold float64) string {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 && len(tb) == 0 {
		return ruleJaccard
	}
	if len(ta) == 0 || len(tb) == 0 {
		return ""
	}

	shared := 0
	for w := range ta {
		if _, ok := tb[w]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared

	if float64(shared)/float64(union) >= jaccardThreshold {
		return ruleJaccard
	}
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	if float64(shared)/float64(smaller) >= containmentThreshold {
		return ruleContainment
	}
	return ""
}
