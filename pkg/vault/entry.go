package vault

import (
	"strings"

	"github.com/samber/lo"
	"golang.org/x/text/unicode/norm"
)

// Entry is one logical credential returned by a CLI backend.
type Entry struct {
	// ID is the backend's stable item identifier.
	ID string

	// Name is the display label.
	Name string

	Username string

	// Password is the secret. It is never logged.
	Password string

	// Attributes are additional searchable strings: the record name,
	// URLs, folder/collection/organization names. Order is insertion order.
	Attributes []string

	// GroupIDs are folder/organization/collection identifiers that are
	// resolved to display names once the name cache is filled.
	GroupIDs []string

	// Priority is the last computed match score.
	Priority float64

	// Subtext is built from the best matching attributes.
	Subtext string
}

// AddAttribute appends a searchable string. Values are NFC-normalized and
// trimmed; empty values and duplicates are ignored.
func (e *Entry) AddAttribute(value string) {
	value = Normalize(value)
	if value == "" || lo.Contains(e.Attributes, value) {
		return
	}
	e.Attributes = append(e.Attributes, value)
}

// Usable reports whether the entry carries a username or a password.
// Records failing this check are dropped while parsing.
func (e *Entry) Usable() bool {
	return e.Username != "" || e.Password != ""
}

// Decorate resolves GroupIDs through names and adds the display names as
// attributes. Unknown identifiers are skipped.
func (e *Entry) Decorate(names map[string]string) {
	for _, id := range e.GroupIDs {
		if name, ok := names[id]; ok {
			e.AddAttribute(name)
		}
	}
}

// SearchStrings returns every string the ranking engine scores for this entry.
func (e *Entry) SearchStrings() []string {
	out := make([]string, 0, len(e.Attributes)+3)
	for _, s := range []string{e.Username, e.Name, e.Password} {
		if s != "" {
			out = append(out, s)
		}
	}
	return append(out, e.Attributes...)
}

// Result converts a ranked entry into the launcher-facing result.
func (e *Entry) Result() Result {
	return Result{
		ID:       e.ID,
		Label:    e.Name,
		Subtext:  e.Subtext,
		Priority: e.Priority,
		Username: e.Username,
		Password: e.Password,
	}
}

// Normalize applies NFC normalization and trims surrounding whitespace.
func Normalize(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
