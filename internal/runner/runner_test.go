package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forest6511/passrunner/pkg/clipboard"
	"github.com/forest6511/passrunner/pkg/eventloop"
	"github.com/forest6511/passrunner/pkg/session"
	"github.com/forest6511/passrunner/pkg/vault"
)

const waitFor = 2 * time.Second

// fakeSession is only touched on the loop, except for the search function
// which runs on a worker.
type fakeSession struct {
	status  vault.Status
	search  func(ctx context.Context, query string) session.Outcome
	secret  string
	queries []string
	unlocks int
	locks   int
	touches int
	onLock  []func()

	// holdReveal keeps the reveal callback in revealed instead of calling it.
	holdReveal bool
	revealed   func(string)
	// lockGate delays the backend part of Lock until it is closed.
	lockGate chan struct{}
	loop     *eventloop.Loop
}

func (f *fakeSession) Status() vault.Status { return f.status }

func (f *fakeSession) SearchJob(query string) session.Job {
	f.queries = append(f.queries, query)
	search := f.search
	return func(ctx context.Context) session.Outcome { return search(ctx, query) }
}

func (f *fakeSession) Reveal(_ vault.Result, done func(string)) {
	if f.holdReveal {
		f.revealed = done
		return
	}
	done(f.secret)
}

func (f *fakeSession) Unlock(done func(error)) {
	f.unlocks++
	if done != nil {
		done(nil)
	}
}

func (f *fakeSession) Lock(done func(error)) {
	f.locks++
	for _, fn := range f.onLock {
		fn()
	}
	if f.lockGate == nil {
		done(nil)
		return
	}
	gate, loop := f.lockGate, f.loop
	go func() {
		<-gate
		loop.Post(func() { done(nil) })
	}()
}

func (f *fakeSession) Sync(done func(error)) { done(nil) }
func (f *fakeSession) Touch()                { f.touches++ }
func (f *fakeSession) OnLock(fn func())      { f.onLock = append(f.onLock, fn) }

type clip struct {
	mu  sync.Mutex
	ops []string
}

func (c *clip) Put(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "put:"+text)
}

func (c *clip) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "clear")
}

func (c *clip) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

type fixture struct {
	loop   *eventloop.Loop
	clock  *eventloop.ManualClock
	sess   *fakeSession
	clip   *clip
	runner *Runner
}

func results(labels ...string) []vault.Result {
	out := make([]vault.Result, 0, len(labels))
	for i, l := range labels {
		out = append(out, vault.Result{
			ID:       fmt.Sprintf("id-%d", i),
			Label:    l,
			Subtext:  "sub " + l,
			Priority: 1 - float64(i)*0.1,
			Username: "user-" + l,
			Password: "pw-" + l,
		})
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := eventloop.NewManualClock(time.Unix(0, 0))
	loop, err := eventloop.New(eventloop.WithClock(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	sess := &fakeSession{
		status: vault.StatusOK,
		search: func(_ context.Context, query string) session.Outcome {
			return session.Outcome{Results: results(query)}
		},
	}
	sess.loop = loop
	c := &clip{}
	lease := clipboard.NewLease(loop, c, zap.NewNop())
	return &fixture{
		loop:   loop,
		clock:  clock,
		sess:   sess,
		clip:   c,
		runner: New(loop, sess, lease, Options{}, zap.NewNop()),
	}
}

func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.loop.Call(context.Background(), fn))
}

// advance waits for posted work to settle, then moves the clock.
func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.do(t, func() {})
	f.clock.Advance(d)
}

// replies collects every reply of one query.
type replies struct {
	mu    sync.Mutex
	calls [][]Match
	ch    chan []Match
}

func newReplies() *replies {
	return &replies{ch: make(chan []Match, 4)}
}

func (r *replies) reply(m []Match) {
	r.mu.Lock()
	r.calls = append(r.calls, m)
	r.mu.Unlock()
	r.ch <- m
}

func (r *replies) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *replies) next(t *testing.T) []Match {
	t.Helper()
	select {
	case m := <-r.ch:
		return m
	case <-time.After(waitFor):
		t.Fatal("no reply")
	}
	return nil
}

func TestMatchIgnoresNonTrigger(t *testing.T) {
	for _, status := range []vault.Status{vault.StatusOK, vault.StatusLocked, vault.StatusNoProvider} {
		f := newFixture(t)
		f.do(t, func() { f.sess.status = status })

		for _, q := range []string{"foo", "pas", "passgit", "pass ", "pass    "} {
			r := newReplies()
			f.runner.Match(q, r.reply)
			require.Equal(t, 1, r.count(), "query %q must be answered synchronously", q)
			assert.Empty(t, r.calls[0])
		}
		f.do(t, func() { assert.Empty(t, f.sess.queries) })
	}
}

func TestMatchGatesLockedSession(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() { f.sess.status = vault.StatusLocked })

	r := newReplies()
	f.runner.Match("pass git", r.reply)
	got := r.next(t)

	require.Len(t, got, 1)
	assert.Equal(t, UnlockID, got[0].ID)
	assert.Equal(t, "Unlock password manager", got[0].Text)
	assert.Equal(t, HelperMatch, got[0].Type)
	f.do(t, func() { assert.Empty(t, f.sess.queries) })
	assert.Equal(t, 1, r.count())
}

func TestMatchGatesMissingProvider(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() { f.sess.status = vault.StatusNoProvider })

	r := newReplies()
	f.runner.Match("pass git", r.reply)
	got := r.next(t)

	require.Len(t, got, 1)
	assert.Equal(t, UnavailableID, got[0].ID)
	assert.Equal(t, InformationalMatch, got[0].Type)
	assert.InDelta(t, 0.1, got[0].Relevance, 1e-9)
}

func TestMatchDebounceSupersedes(t *testing.T) {
	f := newFixture(t)

	first, second := newReplies(), newReplies()
	f.runner.Match("pass mar", first.reply)
	f.runner.Match("pass mart", second.reply)

	assert.Empty(t, first.next(t))
	f.advance(t, DefaultDebounce)
	got := second.next(t)

	require.Len(t, got, 1)
	assert.Equal(t, "mart", got[0].Text)
	f.do(t, func() { assert.Equal(t, []string{"mart"}, f.sess.queries) })
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}

func TestMatchBeforeDebounceDoesNotSearch(t *testing.T) {
	f := newFixture(t)

	r := newReplies()
	f.runner.Match("pass git", r.reply)
	f.advance(t, DefaultDebounce-time.Millisecond)
	f.do(t, func() {})

	assert.Zero(t, r.count())
	f.do(t, func() { assert.Empty(t, f.sess.queries) })
}

func TestMatchSupersedesInFlightSearch(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	cancelled := make(chan struct{})
	f.do(t, func() {
		f.sess.search = func(ctx context.Context, query string) session.Outcome {
			if query == "slow" {
				close(started)
				<-ctx.Done()
				close(cancelled)
				<-release
				return session.Outcome{Results: results("stale"), Err: ctx.Err()}
			}
			return session.Outcome{Results: results(query)}
		}
	})

	slow, fast := newReplies(), newReplies()
	f.runner.Match("pass slow", slow.reply)
	f.advance(t, DefaultDebounce)
	<-started

	f.runner.Match("pass fast", fast.reply)
	assert.Empty(t, slow.next(t))
	<-cancelled
	close(release)

	f.advance(t, DefaultDebounce)
	got := fast.next(t)
	require.Len(t, got, 1)
	assert.Equal(t, "fast", got[0].Text)

	f.do(t, func() {})
	assert.Equal(t, 1, slow.count())
	assert.Equal(t, 1, fast.count())
}

func TestMatchTopKAndTiers(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() {
		f.sess.search = func(context.Context, string) session.Outcome {
			res := results("a", "b", "c", "d", "e")
			res[0].Priority = 0.9
			res[1].Priority = 0.7
			res[2].Priority = 0.5
			res[3].Priority = 0.45
			return session.Outcome{Results: res}
		}
	})

	r := newReplies()
	f.runner.Match("pass x", r.reply)
	f.advance(t, DefaultDebounce)
	got := r.next(t)

	require.Len(t, got, DefaultMaxMatches)
	assert.Equal(t, []MatchType{ExactMatch, HelperMatch, CompletionMatch, CompletionMatch},
		[]MatchType{got[0].Type, got[1].Type, got[2].Type, got[3].Type})
	assert.InDelta(t, 0.9, got[0].Relevance, 1e-9)
	assert.Equal(t, "sub a", got[0].Properties["subtext"])
	assert.Equal(t, DefaultIcon, got[0].Icon)
	assert.Equal(t, "id-0", got[0].ID)
}

func TestMatchBackendUnavailable(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() {
		f.sess.search = func(context.Context, string) session.Outcome {
			return session.Outcome{Err: vault.ErrBackendUnavailable}
		}
	})

	r := newReplies()
	f.runner.Match("pass git", r.reply)
	f.advance(t, DefaultDebounce)
	got := r.next(t)

	require.Len(t, got, 1)
	assert.Equal(t, UnavailableID, got[0].ID)
}

func TestMatchMalformedYieldsEmpty(t *testing.T) {
	f := newFixture(t)
	committed := false
	f.do(t, func() {
		f.sess.search = func(context.Context, string) session.Outcome {
			return session.Outcome{Err: vault.ErrMalformedResponse, Commit: func() { committed = true }}
		}
	})

	r := newReplies()
	f.runner.Match("pass git", r.reply)
	f.advance(t, DefaultDebounce)

	assert.Empty(t, r.next(t))
	f.do(t, func() { assert.True(t, committed) })
}

func search(t *testing.T, f *fixture, query string) []Match {
	t.Helper()
	r := newReplies()
	f.runner.Match("pass "+query, r.reply)
	f.advance(t, DefaultDebounce)
	return r.next(t)
}

func TestRunCopiesPasswordWithLease(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() { f.sess.secret = "pw-git" })
	got := search(t, f, "git")
	require.Len(t, got, 1)

	f.runner.Run(got[0].ID, "")
	f.do(t, func() {})
	assert.Equal(t, []string{"put:pw-git"}, f.clip.calls())

	f.advance(t, clipboard.DefaultTimeout)
	f.do(t, func() {})
	assert.Equal(t, []string{"put:pw-git", "clear"}, f.clip.calls())
}

func TestRunCopiesUsername(t *testing.T) {
	f := newFixture(t)
	got := search(t, f, "git")
	require.Len(t, got, 1)

	f.runner.Run(got[0].ID, ActionCopyUsername)
	f.do(t, func() {})
	f.advance(t, time.Minute)
	f.do(t, func() {})

	assert.Equal(t, []string{"put:user-git"}, f.clip.calls())
}

func TestRunEmptySecretLeavesClipboard(t *testing.T) {
	f := newFixture(t)
	got := search(t, f, "git")
	require.Len(t, got, 1)

	f.runner.Run(got[0].ID, "")
	f.do(t, func() {})

	assert.Empty(t, f.clip.calls())
}

func TestRunSentinelUnlocks(t *testing.T) {
	f := newFixture(t)

	f.runner.Run(UnlockID, "")
	f.runner.Run(UnavailableID, "")
	f.do(t, func() {})

	f.do(t, func() { assert.Equal(t, 2, f.sess.unlocks) })
	assert.Empty(t, f.clip.calls())
}

func TestRunUnknownMatch(t *testing.T) {
	f := newFixture(t)

	f.runner.Run("nope", "")
	f.do(t, func() {})

	assert.Empty(t, f.clip.calls())
}

func TestLockReleasesClipboard(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() { f.sess.secret = "pw-git" })
	got := search(t, f, "git")
	f.runner.Run(got[0].ID, "")
	f.do(t, func() {})

	require.NoError(t, f.runner.Lock(context.Background()))

	assert.Equal(t, []string{"put:pw-git", "clear"}, f.clip.calls())
	f.do(t, func() { assert.Equal(t, 1, f.sess.locks) })

	// Results from before the lock are forgotten.
	f.runner.Run(got[0].ID, ActionCopyUsername)
	f.do(t, func() {})
	assert.Len(t, f.clip.calls(), 2)
}

func TestLockWaitsForBackend(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.do(t, func() { f.sess.lockGate = gate })

	done := make(chan error, 1)
	go func() { done <- f.runner.Lock(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("Lock returned %v before the backend locked", err)
	case <-time.After(50 * time.Millisecond):
	}
	f.do(t, func() { assert.Equal(t, 1, f.sess.locks) })

	close(gate)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Lock did not return after the backend locked")
	}
}

func TestRunRevealAfterLockLeavesClipboard(t *testing.T) {
	f := newFixture(t)
	f.do(t, func() { f.sess.holdReveal = true })
	got := search(t, f, "git")
	require.Len(t, got, 1)

	f.runner.Run(got[0].ID, "")
	f.do(t, func() { require.NotNil(t, f.sess.revealed) })
	require.NoError(t, f.runner.Lock(context.Background()))

	f.do(t, func() { f.sess.revealed("hunter2") })
	f.advance(t, clipboard.DefaultTimeout)
	f.do(t, func() {})

	assert.Empty(t, f.clip.calls())
}

func TestQuery(t *testing.T) {
	f := newFixture(t)

	got, err := f.runner.Query(context.Background(), " github ")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "github", got[0].Text)

	f.do(t, func() { f.sess.status = vault.StatusLocked })
	got, err = f.runner.Query(context.Background(), "github")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, UnlockID, got[0].ID)
}

func TestStatusAndUnlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.runner.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusOK, st)

	require.NoError(t, f.runner.Unlock(ctx))
	require.NoError(t, f.runner.Sync(ctx))
	f.do(t, func() { assert.Equal(t, 1, f.sess.unlocks) })
}

func TestTier(t *testing.T) {
	tests := []struct {
		priority float64
		want     MatchType
	}{
		{1.0, ExactMatch},
		{0.76, ExactMatch},
		{0.75, HelperMatch},
		{0.51, HelperMatch},
		{0.5, CompletionMatch},
		{0.0, CompletionMatch},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Tier(tt.priority), "Tier(%v)", tt.priority)
	}
}

func TestActions(t *testing.T) {
	f := newFixture(t)
	actions := f.runner.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, ActionCopyUsername, actions[0].ID)
	assert.Equal(t, "Copy username", actions[0].Text)
}
