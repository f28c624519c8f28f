package secretservice

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultExclude lists attributes that are never searched.
var DefaultExclude = []string{"Path", "Notes", "Title", "Uuid"}

// DefaultUsernameAttributes are tried in order for the copy-username action.
var DefaultUsernameAttributes = []string{"UserName", "username", "user", "login", "email"}

// ValidatePatterns checks the syntax of attribute exclusion patterns.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("invalid pattern '%s': %w", p, err)
		}
	}
	return nil
}

// excluded reports whether attribute name matches any pattern. Patterns
// without glob characters match exactly.
func excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[") {
			if p == name {
				return true
			}
			continue
		}
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
