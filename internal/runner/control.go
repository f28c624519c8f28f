package runner

import (
	"context"

	"github.com/forest6511/passrunner/pkg/session"
	"github.com/forest6511/passrunner/pkg/vault"
)

// The methods below are blocking entry points for the command line and MCP
// tools. They must not be called from the loop goroutine.

// Query searches for text right away, without trigger or debounce, and
// waits for the matches.
func (r *Runner) Query(ctx context.Context, text string) ([]Match, error) {
	text = vault.Normalize(text)
	if text == "" {
		return nil, nil
	}

	var status vault.Status
	var job session.Job
	if err := r.loop.Call(ctx, func() {
		r.session.Touch()
		status = r.session.Status()
		if status.Usable() {
			job = r.session.SearchJob(text)
		}
	}); err != nil {
		return nil, err
	}
	if job == nil {
		return []Match{r.statusMatch(status)}, nil
	}

	out := job(ctx)
	var matches []Match
	if err := r.loop.Call(ctx, func() {
		if out.Commit != nil {
			out.Commit()
		}
		matches = r.deliver(out.Results, out.Err)
	}); err != nil {
		return nil, err
	}
	return matches, out.Err
}

// Status returns the session status.
func (r *Runner) Status(ctx context.Context) (vault.Status, error) {
	var status vault.Status
	err := r.loop.Call(ctx, func() { status = r.session.Status() })
	return status, err
}

// Unlock runs the unlock flow and waits for it.
func (r *Runner) Unlock(ctx context.Context) error {
	return r.await(ctx, r.session.Unlock)
}

// Sync refreshes the backend cache and waits for it.
func (r *Runner) Sync(ctx context.Context) error {
	return r.await(ctx, r.session.Sync)
}

// Lock locks the session and waits for the backend to lock. The clipboard
// is cleared if a secret is exposed.
func (r *Runner) Lock(ctx context.Context) error {
	return r.await(ctx, r.session.Lock)
}

func (r *Runner) await(ctx context.Context, start func(func(error))) error {
	done := make(chan error, 1)
	if err := r.loop.Call(ctx, func() {
		start(func(err error) { done <- err })
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
