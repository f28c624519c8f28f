// Package runner turns launcher queries into ranked vault matches.
//
// A Runner owns the single pending query slot. Queries that do not start
// with the trigger are rejected synchronously. Accepted queries are
// debounced; a newer query supersedes the pending or in-flight one, whose
// reply is then called with no matches. Every submitted query gets exactly
// one reply.
package runner

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/forest6511/passrunner/internal/logging"
	"github.com/forest6511/passrunner/pkg/clipboard"
	"github.com/forest6511/passrunner/pkg/eventloop"
	"github.com/forest6511/passrunner/pkg/session"
	"github.com/forest6511/passrunner/pkg/vault"
)

// Defaults for Options.
const (
	DefaultTrigger    = "pass "
	DefaultMaxMatches = 4
	DefaultDebounce   = 200 * time.Millisecond
	DefaultIcon       = "changes-allow-symbolic"
)

// Session is the backend state a Runner gates queries on. Every method is
// called on the loop.
type Session interface {
	Status() vault.Status
	SearchJob(query string) session.Job
	Reveal(r vault.Result, done func(secret string))
	Unlock(done func(error))
	Lock(done func(error))
	Sync(done func(error))
	Touch()
	OnLock(fn func())
}

// Reply receives the matches for one query.
type Reply func([]Match)

// Options configures a Runner.
type Options struct {
	Trigger          string
	MinQueryLength   int
	MaxMatches       int
	Debounce         time.Duration
	ClipboardTimeout time.Duration
	Icon             string
}

func (o *Options) setDefaults() {
	if o.Trigger == "" {
		o.Trigger = DefaultTrigger
	}
	if o.MinQueryLength <= 0 {
		o.MinQueryLength = 1
	}
	if o.MaxMatches <= 0 {
		o.MaxMatches = DefaultMaxMatches
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.ClipboardTimeout <= 0 {
		o.ClipboardTimeout = clipboard.DefaultTimeout
	}
	if o.Icon == "" {
		o.Icon = DefaultIcon
	}
}

// pending is the query waiting for its debounce or its search.
type pending struct {
	query  string
	reply  Reply
	cancel context.CancelFunc
}

// Runner coordinates queries, the session and the clipboard.
type Runner struct {
	loop    *eventloop.Loop
	session Session
	lease   *clipboard.Lease
	opts    Options
	log     *zap.Logger

	pending  *pending
	debounce *eventloop.Timer
	last     map[string]vault.Result
	// locks counts session locks. A reveal that straddles one is dropped.
	locks uint64
}

// New creates a Runner. lease is released whenever the session locks.
func New(loop *eventloop.Loop, sess Session, lease *clipboard.Lease, opts Options, log *zap.Logger) *Runner {
	opts.setDefaults()
	r := &Runner{
		loop:     loop,
		session:  sess,
		lease:    lease,
		opts:     opts,
		log:      log,
		debounce: loop.NewTimer(),
	}
	loop.Post(func() {
		sess.OnLock(func() {
			lease.Release()
			r.last = nil
			r.locks++
		})
	})
	return r
}

// Options returns the effective options.
func (r *Runner) Options() Options {
	return r.opts
}

// strip removes the trigger and reports whether query is for this runner.
func (r *Runner) strip(query string) (string, bool) {
	rest, ok := strings.CutPrefix(query, r.opts.Trigger)
	if !ok {
		return "", false
	}
	rest = vault.Normalize(rest)
	if utf8.RuneCountInString(rest) < r.opts.MinQueryLength {
		return "", false
	}
	return rest, true
}

// Match submits a launcher query. reply is called exactly once, possibly
// before Match returns. Match may be called from any goroutine.
func (r *Runner) Match(query string, reply Reply) {
	text, ok := r.strip(query)
	if !ok {
		reply(nil)
		return
	}
	if !r.loop.Post(func() { r.submit(text, reply) }) {
		reply(nil)
	}
}

func (r *Runner) submit(text string, reply Reply) {
	r.supersede()
	r.session.Touch()

	if status := r.session.Status(); !status.Usable() {
		r.log.Debug("query gated", zap.Stringer("status", status))
		reply([]Match{r.statusMatch(status)})
		return
	}

	r.pending = &pending{query: text, reply: reply}
	r.debounce.Arm(r.opts.Debounce, r.fire)
}

// supersede answers the pending query with no matches.
func (r *Runner) supersede() {
	p := r.pending
	if p == nil {
		return
	}
	r.pending = nil
	r.debounce.Cancel()
	if p.cancel != nil {
		p.cancel()
		r.log.Debug("in-flight search superseded", zap.Int("query_len", len(p.query)))
	}
	p.reply(nil)
}

func (r *Runner) fire() {
	p := r.pending
	if p == nil || p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	job := r.session.SearchJob(p.query)
	started := r.loop.Clock().Now()

	eventloop.Offload(r.loop, ctx, func(ctx context.Context) (session.Outcome, error) {
		return job(ctx), nil
	}, func(out session.Outcome, err error) {
		cancel()
		if out.Commit != nil {
			out.Commit()
		}
		if r.pending != p {
			r.log.Info("search discarded, superseded by a newer query")
			return
		}
		r.pending = nil
		if err == nil {
			err = out.Err
		}
		p.reply(r.deliver(out.Results, err))
		r.log.Debug("search finished",
			zap.Int("results", len(out.Results)),
			zap.Duration("took", r.loop.Clock().Now().Sub(started)))
	})
}

// deliver turns search results into matches and remembers them for Run.
func (r *Runner) deliver(results []vault.Result, err error) []Match {
	if err != nil {
		r.log.Warn("search failed", zap.Error(err))
		if errors.Is(err, vault.ErrBackendUnavailable) {
			return []Match{r.statusMatch(vault.StatusNoProvider)}
		}
		return nil
	}
	results = results[:min(len(results), r.opts.MaxMatches)]
	r.last = make(map[string]vault.Result, len(results))
	matches := make([]Match, 0, len(results))
	for _, res := range results {
		r.last[res.ID] = res
		matches = append(matches, r.resultMatch(res))
	}
	return matches
}

// Actions lists the alternate actions.
func (r *Runner) Actions() []Action {
	return []Action{{ID: ActionCopyUsername, Text: "Copy username", Icon: r.opts.Icon}}
}

// Run executes action on the match with id data. An empty action copies
// the password and arms the clipboard lease. Run may be called from any
// goroutine and does not wait for the action to finish.
func (r *Runner) Run(data, action string) {
	r.loop.Post(func() { r.run(data, action) })
}

func (r *Runner) run(data, action string) {
	r.session.Touch()
	if IsSentinel(data) {
		r.log.Info("unlock requested")
		r.session.Unlock(nil)
		return
	}
	res, ok := r.last[data]
	if !ok {
		r.log.Warn("run for unknown match", zap.String("action", action))
		return
	}

	switch action {
	case "":
		locks := r.locks
		r.session.Reveal(res, func(secret string) {
			if locks != r.locks {
				r.log.Warn("session locked while revealing, clipboard left untouched", zap.String("label", res.Label))
				return
			}
			if secret == "" {
				r.log.Warn("empty secret, clipboard left untouched", zap.String("label", res.Label))
				return
			}
			r.log.Debug("revealed secret", zap.String("label", res.Label), logging.Redacted("secret", secret))
			r.lease.Expose(secret, r.opts.ClipboardTimeout)
		})
	case ActionCopyUsername:
		if res.Username == "" {
			r.log.Warn("match has no username", zap.String("label", res.Label))
			return
		}
		r.lease.Put(res.Username)
	default:
		r.log.Warn("unknown action", zap.String("action", action))
	}
}
