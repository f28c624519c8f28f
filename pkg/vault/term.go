package vault

import "strings"

// Term is one searchable attribute of a secret-storage item.
type Term struct {
	Label     string
	Identity  string
	Attribute string
	Value     string
}

// Pair is one attribute of a RankedGroup together with its match score.
type Pair struct {
	Attribute string
	Value     string
	Score     float64
}

// RankedGroup is the set of matching Terms sharing one Identity.
type RankedGroup struct {
	Identity string
	Label    string
	Priority float64

	// Pairs are ordered by descending score, ties in scan order.
	Pairs []Pair
}

// maxSubtextValues is how many attribute values make up a subtext.
const maxSubtextValues = 3

// Subtext joins the values of the best scoring pairs.
func (g RankedGroup) Subtext() string {
	n := min(len(g.Pairs), maxSubtextValues)
	values := make([]string, 0, n)
	for _, p := range g.Pairs[:n] {
		values = append(values, p.Value)
	}
	return strings.Join(values, " ")
}

// Result is a ranked credential ready for the launcher.
//
// Username and Password are kept in process memory only so the default and
// alternate actions can run; they are never sent to the launcher.
type Result struct {
	ID       string
	Label    string
	Subtext  string
	Priority float64
	Username string
	Password string
}
