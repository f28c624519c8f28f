package session

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/forest6511/passrunner/pkg/crypto"
	"github.com/forest6511/passrunner/pkg/eventloop"
	"github.com/forest6511/passrunner/pkg/ranking"
	"github.com/forest6511/passrunner/pkg/vault"
)

// TermOptions configures a TermCache.
type TermOptions struct {
	// Exclude lists attribute names, or glob patterns, never searched.
	Exclude []string

	// UsernameAttributes are attribute names whose value is offered by the
	// copy-username action, in order of preference.
	UsernameAttributes []string

	// RefreshInterval is how long a snapshot is trusted.
	RefreshInterval time.Duration

	// IdleLock drops the snapshot after this long without a query.
	// Zero disables it.
	IdleLock time.Duration

	// Timeout bounds every backend call except unlock.
	Timeout time.Duration
}

// TermCache keeps the searchable terms of a secret-storage provider.
type TermCache struct {
	loop     *eventloop.Loop
	provider vault.TermProvider
	opts     TermOptions
	log      *zap.Logger

	terms      []vault.Term
	usernames  map[string]string
	status     vault.Status
	stale      bool
	refreshing bool
	gen        uint64
	onLock     []func()

	staleTimer *eventloop.Timer
	idleTimer  *eventloop.Timer
	retryTimer *eventloop.Timer
}

// NewTermCache returns an empty cache. The first Status call starts a
// background refresh.
func NewTermCache(loop *eventloop.Loop, provider vault.TermProvider, opts TermOptions, log *zap.Logger) *TermCache {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &TermCache{
		loop:       loop,
		provider:   provider,
		opts:       opts,
		log:        log,
		status:     vault.StatusLocked,
		stale:      true,
		staleTimer: loop.NewTimer(),
		idleTimer:  loop.NewTimer(),
		retryTimer: loop.NewTimer(),
	}
}

// Status reports OK when terms are cached. With no terms it reports why,
// and starts a refresh without unlocking if none is running. After a failed
// refresh the next one waits for RefreshInterval.
func (c *TermCache) Status() vault.Status {
	if len(c.terms) > 0 {
		return vault.StatusOK
	}
	if !c.refreshing && !c.retryTimer.Armed() {
		c.Refresh(false, nil)
	}
	return c.status
}

// Terms returns the cached snapshot.
func (c *TermCache) Terms() []vault.Term {
	return c.terms
}

// OnLock registers fn to run whenever the cache is locked or dropped.
func (c *TermCache) OnLock(fn func()) {
	c.onLock = append(c.onLock, fn)
}

// Unlock refreshes the snapshot, unlocking collections as needed.
func (c *TermCache) Unlock(done func(error)) {
	c.Refresh(true, done)
}

// Sync refreshes the snapshot without unlocking.
func (c *TermCache) Sync(done func(error)) {
	c.Refresh(false, done)
}

// Refresh fetches a new snapshot. done, if set, is called on the loop.
func (c *TermCache) Refresh(unlock bool, done func(error)) {
	gen := c.gen
	c.refreshing = true
	timeout := c.opts.Timeout
	if unlock {
		// Unlocking waits for the user to answer a prompt.
		timeout = 0
	}

	eventloop.Offload(c.loop, context.Background(), func(ctx context.Context) (snapshot, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return c.fetch(ctx, unlock)
	}, func(snap snapshot, err error) {
		c.refreshing = false
		if gen == c.gen {
			if err != nil {
				c.fail(err)
			} else {
				c.install(snap)
			}
		}
		if done != nil {
			done(err)
		}
	})
}

type snapshot struct {
	status    vault.Status
	terms     []vault.Term
	usernames map[string]string
}

func (c *TermCache) fetch(ctx context.Context, unlock bool) (snapshot, error) {
	status, terms, err := c.provider.FetchTerms(ctx, c.opts.Exclude, unlock)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{
		status:    status,
		terms:     terms,
		usernames: usernameIndex(terms, c.opts.UsernameAttributes),
	}, nil
}

func (c *TermCache) install(snap snapshot) {
	c.terms = snap.terms
	c.usernames = snap.usernames
	c.status = snap.status
	if len(snap.terms) > 0 {
		c.status = vault.StatusOK
	} else if c.status == vault.StatusOK {
		c.status = vault.StatusLocked
	}
	c.stale = false
	c.retryTimer.Cancel()
	c.staleTimer.Arm(c.opts.RefreshInterval, func() { c.stale = true })
	c.log.Debug("terms refreshed", zap.Int("terms", len(c.terms)), zap.Stringer("status", c.status))
	c.Touch()
}

func (c *TermCache) fail(err error) {
	if ignorable(err) {
		return
	}
	c.log.Warn("term refresh failed", zap.Error(err))
	c.drop()
	if errors.Is(err, vault.ErrBackendUnavailable) {
		c.status = vault.StatusNoProvider
	}
	c.retryTimer.Arm(c.opts.RefreshInterval, func() {})
}

// drop forgets the snapshot.
func (c *TermCache) drop() {
	c.gen++
	c.terms = nil
	c.usernames = nil
	c.status = vault.StatusLocked
	c.stale = true
	c.staleTimer.Cancel()
	c.idleTimer.Cancel()
	for _, fn := range c.onLock {
		fn()
	}
}

// Invalidate drops the snapshot after a backend failure.
func (c *TermCache) Invalidate(err error) {
	if !vault.Invalidates(err) || ignorable(err) {
		return
	}
	c.fail(err)
}

// Lock drops the snapshot and locks every collection. done, if set,
// receives the provider result on the loop.
func (c *TermCache) Lock(done func(error)) {
	c.drop()
	eventloop.Offload(c.loop, context.Background(), withTimeout(c.opts.Timeout, c.provider.Lock), func(_ struct{}, err error) {
		if err != nil {
			c.log.Warn("collection lock failed", zap.Error(err))
		} else {
			c.log.Info("collections locked")
		}
		if done != nil {
			done(err)
		}
	})
}

// Touch records user activity. An idle cache forgets its terms without
// locking the provider, which other applications share.
func (c *TermCache) Touch() {
	if c.opts.IdleLock <= 0 || len(c.terms) == 0 {
		return
	}
	c.idleTimer.Arm(c.opts.IdleLock, func() {
		c.log.Info("idle timeout reached, dropping terms")
		c.drop()
	})
}

// SearchJob returns a job that aggregates the snapshot for query. A stale
// snapshot is refreshed first and installed when the job commits.
func (c *TermCache) SearchJob(query string) Job {
	gen := c.gen
	snap := snapshot{status: c.status, terms: c.terms, usernames: c.usernames}
	stale := c.stale
	return func(ctx context.Context) Outcome {
		var out Outcome
		if stale {
			fctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			fresh, err := c.fetch(fctx, false)
			cancel()
			switch {
			case err != nil && ignorable(err):
				return Outcome{Err: err}
			case err != nil:
				return Outcome{Err: err, Commit: func() {
					if gen == c.gen {
						c.Invalidate(err)
					}
				}}
			default:
				snap = fresh
				out.Commit = func() {
					if gen == c.gen {
						c.install(fresh)
					}
				}
			}
		}

		groups, dropped := ranking.Aggregate(query, snap.terms)
		for _, t := range dropped {
			c.log.Error("malformed term: label differs within item",
				zap.String("identity", t.Identity), zap.String("label", t.Label))
		}
		out.Results = make([]vault.Result, 0, len(groups))
		for _, g := range groups {
			out.Results = append(out.Results, vault.Result{
				ID:       g.Identity,
				Label:    g.Label,
				Subtext:  g.Subtext(),
				Priority: g.Priority,
				Username: snap.usernames[g.Identity],
			})
		}
		return out
	}
}

// Reveal fetches the secret of r and hands it to done on the loop. A secret
// that cannot be decoded is reported as empty.
func (c *TermCache) Reveal(r vault.Result, done func(string)) {
	gen := c.gen
	eventloop.Offload(c.loop, context.Background(), func(ctx context.Context) ([]byte, error) {
		status, secret, err := c.provider.FetchSecret(ctx, r.ID)
		if err == nil && status != vault.StatusOK {
			err = vault.ErrLocked
		}
		return secret, err
	}, func(secret []byte, err error) {
		switch {
		case err == nil && gen != c.gen:
			// Locked or dropped while fetching.
			crypto.SecureWipe(secret)
			c.log.Warn("secret discarded, terms dropped during fetch", zap.String("identity", r.ID))
			done("")
		case errors.Is(err, vault.ErrSecretDecode):
			c.log.Warn("secret is not text, treating as empty", zap.String("identity", r.ID))
			done("")
		case err != nil:
			c.log.Error("failed to fetch secret", zap.String("identity", r.ID), zap.Error(err))
			if gen == c.gen {
				c.Invalidate(err)
			}
			done("")
		default:
			done(string(secret))
		}
	})
}

// usernameIndex maps each identity to the value of its preferred username
// attribute.
func usernameIndex(terms []vault.Term, attrs []string) map[string]string {
	rank := make(map[string]int, len(attrs))
	for i, a := range attrs {
		rank[a] = i
	}
	best := make(map[string]int)
	out := make(map[string]string)
	for _, t := range lo.Filter(terms, func(t vault.Term, _ int) bool {
		_, ok := rank[t.Attribute]
		return ok && t.Value != ""
	}) {
		r := rank[t.Attribute]
		if prev, seen := best[t.Identity]; seen && prev <= r {
			continue
		}
		best[t.Identity] = r
		out[t.Identity] = t.Value
	}
	return out
}
