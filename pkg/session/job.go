// Package session tracks whether a vault backend may be trusted and
// produces the search jobs the query coordinator runs.
//
// Two shapes are provided. Session drives CLI backends through
// NoSession, Unlocking and Unlocked. TermCache keeps a snapshot of
// secret-storage terms and derives OK, Locked or NoProvider from it.
//
// All methods must be called on the event loop that owns the value.
// Backend calls run on the loop's worker pool.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/forest6511/passrunner/pkg/eventloop"
	"github.com/forest6511/passrunner/pkg/vault"
)

// Defaults for Options and TermOptions.
const (
	DefaultSyncInterval    = 10 * time.Minute
	DefaultRefreshInterval = 50 * time.Second
	DefaultIdleLock        = time.Hour
	DefaultTimeout         = 30 * time.Second
)

// Job is a search that runs off the loop.
type Job func(ctx context.Context) Outcome

// Outcome is the result of a Job.
type Outcome struct {
	// Results are ranked best first.
	Results []vault.Result

	Err error

	// Commit, when set, must be run on the loop once the job finished,
	// whether or not its results are still wanted.
	Commit func()
}

// ignorable reports errors that say nothing about backend health.
func ignorable(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, eventloop.ErrBusy)
}

func withTimeout(d time.Duration, fn func(context.Context) error) func(context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return struct{}{}, fn(ctx)
	}
}
