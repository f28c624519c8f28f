// Package vault defines the credential model shared by every passrunner
// backend: entries, attribute terms, ranked results and the provider
// capabilities a backend adapter implements.
//
// Values in this package are ephemeral. They are rebuilt on every backend
// fetch and never persisted.
package vault

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by backend adapters and the session layer.
var (
	// ErrSessionInvalid indicates there is no session, or it has expired.
	ErrSessionInvalid = errors.New("vault: session invalid")

	// ErrBackendUnavailable indicates the vault tool is missing or the
	// secret-storage provider is not running.
	ErrBackendUnavailable = errors.New("vault: backend unavailable")

	// ErrMalformedResponse indicates the backend answered with data that
	// could not be parsed into records.
	ErrMalformedResponse = errors.New("vault: malformed backend response")

	// ErrSecretDecode indicates a secret payload that is not valid text.
	ErrSecretDecode = errors.New("vault: secret is not valid text")

	// ErrLoginFailed indicates the unlock collaborator rejected the login.
	ErrLoginFailed = errors.New("vault: login failed")

	// ErrLocked indicates the vault is locked and the operation needs a session.
	ErrLocked = errors.New("vault: vault is locked")
)

// Status is the usability of a backend as seen by the query gate.
type Status int

const (
	// StatusOK means searches may run against the backend.
	StatusOK Status = iota
	// StatusLocked means a login or unlock is needed first.
	StatusLocked
	// StatusUnlocking means a login is in progress.
	StatusUnlocking
	// StatusNoProvider means no backend could be reached at all.
	StatusNoProvider
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusLocked:
		return "locked"
	case StatusUnlocking:
		return "unlocking"
	case StatusNoProvider:
		return "no-provider"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Usable reports whether searches may run.
func (s Status) Usable() bool {
	return s == StatusOK
}

// Invalidates reports whether err should reset the session state.
// Secret decode failures degrade a single secret and leave the session alone.
func Invalidates(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrSecretDecode)
}
