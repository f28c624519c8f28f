package runner

import (
	"github.com/forest6511/passrunner/pkg/vault"
)

// MatchType is the launcher's query match category.
type MatchType int32

const (
	NoMatch            MatchType = 0
	CompletionMatch    MatchType = 10
	PossibleMatch      MatchType = 30
	InformationalMatch MatchType = 50
	HelperMatch        MatchType = 70
	ExactMatch         MatchType = 100
)

// Sentinel match identifiers. Running either one starts an unlock.
const (
	UnlockID      = "_UNLOCK_"
	UnavailableID = "_UNAVAILABLE_"
)

// ActionCopyUsername is the alternate action that copies the username.
const ActionCopyUsername = "trigger_shift_alternative"

// Match is one row of the launcher result list.
type Match struct {
	ID         string
	Text       string
	Icon       string
	Type       MatchType
	Relevance  float64
	Properties map[string]string
}

// Action is an alternate action offered for every match.
type Action struct {
	ID   string
	Text string
	Icon string
}

// Tier maps a match priority to a MatchType.
func Tier(priority float64) MatchType {
	switch {
	case priority > 0.75:
		return ExactMatch
	case priority > 0.5:
		return HelperMatch
	default:
		return CompletionMatch
	}
}

func (r *Runner) resultMatch(res vault.Result) Match {
	m := Match{
		ID:        res.ID,
		Text:      res.Label,
		Icon:      r.opts.Icon,
		Type:      Tier(res.Priority),
		Relevance: res.Priority,
	}
	if res.Subtext != "" {
		m.Properties = map[string]string{"subtext": res.Subtext}
	}
	return m
}

// statusMatch is the pseudo-result shown instead of searching.
func (r *Runner) statusMatch(status vault.Status) Match {
	switch status {
	case vault.StatusNoProvider:
		return Match{ID: UnavailableID, Text: "No password manager found", Icon: r.opts.Icon, Type: InformationalMatch, Relevance: 0.1}
	case vault.StatusUnlocking:
		return Match{ID: UnlockID, Text: "Unlocking password manager", Icon: r.opts.Icon, Type: InformationalMatch, Relevance: 1}
	default:
		return Match{ID: UnlockID, Text: "Unlock password manager", Icon: r.opts.Icon, Type: HelperMatch, Relevance: 1}
	}
}

// IsSentinel reports whether id names a pseudo-result.
func IsSentinel(id string) bool {
	return id == UnlockID || id == UnavailableID
}
