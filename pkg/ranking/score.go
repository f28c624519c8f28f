// Package ranking scores vault attributes against short, interactive
// queries and orders credentials by the result.
//
// The base metric is a character-multiset overlap ratio: for every distinct
// rune the smaller of its counts in query and candidate is summed, and the
// ratio is 2*matches/(len(query)+len(candidate)). A candidate that starts
// with the query is floored at PrefixFloor. A query made of lower-case
// letters only is matched case-insensitively.
package ranking

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MinPriority is the score an entry must exceed to be returned.
	MinPriority = 0.4

	// PrefixFloor is the lowest score of a candidate that starts with the query.
	PrefixFloor = 0.8
)

// Matcher scores candidates against one query. The query is folded and
// counted once so it can be reused for every attribute of every entry.
type Matcher struct {
	query  string
	fold   bool
	counts map[rune]int
	length int
}

// NewMatcher prepares query for scoring.
func NewMatcher(query string) *Matcher {
	m := &Matcher{fold: isLower(query)}
	if m.fold {
		query = strings.ToLower(query)
	}
	m.query = query
	m.counts = runeCounts(query)
	m.length = utf8.RuneCountInString(query)
	return m
}

// Query returns the query as it is compared, after case folding.
func (m *Matcher) Query() string {
	return m.query
}

// Score returns the similarity of candidate to the query, in [0,1].
func (m *Matcher) Score(candidate string) float64 {
	if m.fold {
		candidate = strings.ToLower(candidate)
	}
	ratio := overlap(m.counts, m.length, candidate)
	if ratio < PrefixFloor && strings.HasPrefix(candidate, m.query) {
		return PrefixFloor
	}
	return ratio
}

// Score returns the similarity of candidate to query with case folding and
// the prefix floor applied.
func Score(query, candidate string) float64 {
	return NewMatcher(query).Score(candidate)
}

// QuickRatio is the bare overlap ratio of a and b. It is symmetric and
// case-sensitive.
func QuickRatio(a, b string) float64 {
	return overlap(runeCounts(a), utf8.RuneCountInString(a), b)
}

func overlap(counts map[rune]int, length int, candidate string) float64 {
	total := length + utf8.RuneCountInString(candidate)
	if total == 0 {
		return 1.0
	}
	avail := make(map[rune]int, len(counts))
	matches := 0
	for _, r := range candidate {
		n, seen := avail[r]
		if !seen {
			n = counts[r]
		}
		if n > 0 {
			matches++
		}
		avail[r] = n - 1
	}
	return 2.0 * float64(matches) / float64(total)
}

func runeCounts(s string) map[rune]int {
	counts := make(map[rune]int, len(s))
	for _, r := range s {
		counts[r]++
	}
	return counts
}

// isLower reports whether s has at least one cased rune and no upper or
// title case runes.
func isLower(s string) bool {
	cased := false
	for _, r := range s {
		if unicode.IsUpper(r) || unicode.IsTitle(r) {
			return false
		}
		if unicode.IsLower(r) {
			cased = true
		}
	}
	return cased
}
