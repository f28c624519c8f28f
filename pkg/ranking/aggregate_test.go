package ranking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/passrunner/pkg/vault"
)

func TestAggregateGroupsByIdentity(t *testing.T) {
	terms := []vault.Term{
		{Label: "GitHub", Identity: "/i/1", Attribute: "url", Value: "https://github.com"},
		{Label: "GitHub", Identity: "/i/1", Attribute: "user", Value: "gitter"},
		{Label: "Bank", Identity: "/i/2", Attribute: "user", Value: "zzz"},
		{Label: "Other", Identity: "/i/1", Attribute: "x", Value: "git"},
	}

	groups, dropped := Aggregate("git", terms)

	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, "/i/1", g.Identity)
	assert.Equal(t, "GitHub", g.Label)
	assert.InDelta(t, 0.8, g.Priority, 1e-9)
	require.Len(t, g.Pairs, 2)
	assert.Equal(t, "user", g.Pairs[0].Attribute)
	assert.Equal(t, "url", g.Pairs[1].Attribute)
	assert.Equal(t, "gitter https://github.com", g.Subtext())

	require.Len(t, dropped, 1)
	assert.Equal(t, "Other", dropped[0].Label)
}

func TestAggregateOrdersGroups(t *testing.T) {
	terms := []vault.Term{
		{Label: "gxt", Identity: "a", Attribute: "k", Value: "x"},
		{Label: "git", Identity: "b", Attribute: "k", Value: "y"},
	}

	groups, dropped := Aggregate("git", terms)

	assert.Empty(t, dropped)
	require.Len(t, groups, 2)
	assert.Equal(t, "b", groups[0].Identity)
	assert.Equal(t, "a", groups[1].Identity)
	assert.Greater(t, groups[0].Priority, groups[1].Priority)
}

func TestAggregateLabelMismatchBelowFloor(t *testing.T) {
	terms := []vault.Term{
		{Label: "zzz", Identity: "a", Attribute: "k", Value: "qqq"},
		{Label: "git", Identity: "a", Attribute: "k", Value: "git"},
	}

	groups, dropped := Aggregate("git", terms)

	assert.Empty(t, groups)
	assert.Len(t, dropped, 1)
}
