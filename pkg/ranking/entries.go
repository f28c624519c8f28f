package ranking

import (
	"cmp"
	"slices"
	"strings"

	"github.com/forest6511/passrunner/pkg/vault"
)

// maxSubtext is the number of attributes joined into an entry subtext.
const maxSubtext = 3

// RankEntries scores every entry against query, drops those scoring at or
// below MinPriority and returns the rest ordered by descending priority.
// Entries with equal priority keep their input order. Priority and Subtext
// are set on each entry.
func RankEntries(query string, entries []*vault.Entry) []*vault.Entry {
	m := NewMatcher(query)
	ranked := make([]*vault.Entry, 0, len(entries))
	for _, e := range entries {
		m.ScoreEntry(e)
		if e.Priority > MinPriority {
			ranked = append(ranked, e)
		}
	}
	slices.SortStableFunc(ranked, func(a, b *vault.Entry) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return ranked
}

type scored struct {
	value string
	score float64
}

// ScoreEntry sets e.Priority to the best score over all of its search
// strings and e.Subtext to its best matching attributes. The password takes
// part in the priority but never in the subtext.
func (m *Matcher) ScoreEntry(e *vault.Entry) {
	best := 0.0
	scores := make(map[string]float64, len(e.Attributes)+3)
	for _, s := range e.SearchStrings() {
		sc, ok := scores[s]
		if !ok {
			sc = m.Score(s)
			scores[s] = sc
		}
		best = max(best, sc)
	}

	attrs := make([]scored, 0, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs = append(attrs, scored{value: a, score: scores[a]})
	}
	slices.SortStableFunc(attrs, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})

	top := make([]string, 0, maxSubtext)
	for _, a := range attrs[:min(len(attrs), maxSubtext)] {
		top = append(top, a.value)
	}
	e.Priority = best
	e.Subtext = strings.Join(top, " ")
}
