package ranking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/passrunner/pkg/vault"
)

func names(entries []*vault.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestRankEntriesPrefixTie(t *testing.T) {
	entries := []*vault.Entry{
		{Name: "github", Username: "joe", Attributes: []string{"github", "https://github.com/login"}},
		{Name: "gitlab", Username: "joe", Attributes: []string{"gitlab"}},
	}

	got := RankEntries("git", entries)

	require.Len(t, got, 2)
	assert.Equal(t, []string{"github", "gitlab"}, names(got))
	assert.InDelta(t, 0.8, got[0].Priority, 1e-9)
	assert.InDelta(t, 0.8, got[1].Priority, 1e-9)
}

func TestRankEntriesFloorAndOrder(t *testing.T) {
	entries := []*vault.Entry{
		{Name: "xab"},
		{Name: "abcdef"},
		{Name: "axx"},
		{Name: "zzz", Username: "qqq"},
		{Name: "ab"},
	}

	got := RankEntries("ab", entries)

	assert.Equal(t, []string{"ab", "xab", "abcdef"}, names(got))
	for _, e := range got {
		assert.Greater(t, e.Priority, MinPriority)
	}
}

func TestRankEntriesEmpty(t *testing.T) {
	assert.Empty(t, RankEntries("git", nil))
}

func TestScoreEntrySubtext(t *testing.T) {
	e := &vault.Entry{
		Name:       "code",
		Password:   "git",
		Attributes: []string{"https://x.org", "github", "gitlab", "zzz"},
	}

	NewMatcher("git").ScoreEntry(e)

	assert.InDelta(t, 1.0, e.Priority, 1e-9)
	assert.Equal(t, "github gitlab https://x.org", e.Subtext)
	assert.NotContains(t, e.Subtext, "zzz")
}

func TestScoreEntryUsesSearchStrings(t *testing.T) {
	entries := []*vault.Entry{
		{Name: "Mail", Username: "joe"},
		{Name: "Bank", Username: "mallory", Attributes: []string{"https://bank.example"}},
		{Name: "x", Attributes: []string{"mail", "mail"}},
	}
	m := NewMatcher("mail")
	for _, e := range entries {
		want := 0.0
		for _, s := range e.SearchStrings() {
			want = max(want, m.Score(s))
		}

		m.ScoreEntry(e)

		assert.InDelta(t, want, e.Priority, 1e-9, e.Name)
	}
}
