package ranking

import (
	"cmp"
	"slices"

	"github.com/forest6511/passrunner/pkg/vault"
)

// Aggregate scores every term's label and value against query and folds the
// matching terms into one RankedGroup per identity.
//
// A group's priority is the best label or value score of its terms, and its
// pairs are ordered by value score. Groups at or below MinPriority are
// never produced. Terms whose label differs from the label already seen for
// their identity are returned as dropped and take no part in the result.
func Aggregate(query string, terms []vault.Term) (groups []vault.RankedGroup, dropped []vault.Term) {
	m := NewMatcher(query)
	index := make(map[string]int)
	labels := make(map[string]string)

	for _, t := range terms {
		if label, seen := labels[t.Identity]; seen && label != t.Label {
			dropped = append(dropped, t)
			continue
		}
		labels[t.Identity] = t.Label

		valueScore := m.Score(t.Value)
		best := max(m.Score(t.Label), valueScore)
		if best <= MinPriority {
			continue
		}
		i, ok := index[t.Identity]
		if !ok {
			i = len(groups)
			index[t.Identity] = i
			groups = append(groups, vault.RankedGroup{Identity: t.Identity, Label: t.Label})
		}
		g := &groups[i]
		g.Priority = max(g.Priority, best)
		g.Pairs = append(g.Pairs, vault.Pair{Attribute: t.Attribute, Value: t.Value, Score: valueScore})
	}

	for i := range groups {
		slices.SortStableFunc(groups[i].Pairs, func(a, b vault.Pair) int {
			return cmp.Compare(b.Score, a.Score)
		})
	}
	slices.SortStableFunc(groups, func(a, b vault.RankedGroup) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return groups, dropped
}
