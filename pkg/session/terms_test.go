package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/forest6511/passrunner/pkg/vault"
)

type fakeTerms struct {
	mu        sync.Mutex
	status    vault.Status
	terms     []vault.Term
	err       error
	secret    []byte
	secretErr error
	// secretGate, when set, holds FetchSecret until it is closed.
	secretGate chan struct{}
	fetches    int
	unlocks    int
	excluded   []string
}

func (f *fakeTerms) FetchTerms(_ context.Context, exclude []string, unlock bool) (vault.Status, []vault.Term, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if unlock {
		f.unlocks++
	}
	f.excluded = exclude
	return f.status, f.terms, f.err
}

func (f *fakeTerms) FetchSecret(context.Context, string) (vault.Status, []byte, error) {
	f.mu.Lock()
	gate := f.secretGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return vault.StatusOK, f.secret, f.secretErr
}

func (f *fakeTerms) Lock(context.Context) error { return nil }

func (f *fakeTerms) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeTerms) set(fn func(f *fakeTerms)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

var githubTerms = []vault.Term{
	{Label: "GitHub", Identity: "/item/1", Attribute: "url", Value: "https://github.com"},
	{Label: "GitHub", Identity: "/item/1", Attribute: "UserName", Value: "joe"},
	{Label: "GitHub", Identity: "/item/1", Attribute: "email", Value: "joe@example.com"},
	{Label: "Bank", Identity: "/item/2", Attribute: "url", Value: "https://bank.example"},
}

func refresh(t *testing.T, h *harness, c *TermCache, unlock bool) error {
	t.Helper()
	done := make(chan error, 1)
	h.do(t, func() { c.Refresh(unlock, func(err error) { done <- err }) })
	return wait(t, done)
}

func runTermJob(t *testing.T, h *harness, c *TermCache, query string) Outcome {
	t.Helper()
	var job Job
	h.do(t, func() { job = c.SearchJob(query) })
	out := job(context.Background())
	if out.Commit != nil {
		h.do(t, out.Commit)
	}
	return out
}

func TestTermCacheStatus(t *testing.T) {
	tests := []struct {
		name   string
		status vault.Status
		terms  []vault.Term
		err    error
		want   vault.Status
	}{
		{"terms available", vault.StatusOK, githubTerms, nil, vault.StatusOK},
		{"locked collections", vault.StatusLocked, nil, nil, vault.StatusLocked},
		{"no provider", vault.StatusNoProvider, nil, nil, vault.StatusNoProvider},
		{"provider missing", vault.StatusOK, nil, fmt.Errorf("dbus: %w", vault.ErrBackendUnavailable), vault.StatusNoProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := &fakeTerms{status: tt.status, terms: tt.terms, err: tt.err}
			c := NewTermCache(h.loop, p, TermOptions{}, h.log)

			_ = refresh(t, h, c, false)

			h.do(t, func() { assert.Equal(t, tt.want, c.Status()) })
		})
	}
}

func TestTermCacheStatusStartsRefresh(t *testing.T) {
	h := newHarness(t)
	p := &fakeTerms{status: vault.StatusOK, terms: githubTerms}
	c := NewTermCache(h.loop, p, TermOptions{Exclude: []string{"Notes"}}, h.log)

	h.do(t, func() {
		assert.Equal(t, vault.StatusLocked, c.Status())
		// A second call while refreshing does not start another fetch.
		c.Status()
	})

	require.Eventually(t, func() bool {
		var st vault.Status
		_ = h.loop.Call(context.Background(), func() { st = c.Status() })
		return st == vault.StatusOK
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1, p.Fetches())
	p.set(func(f *fakeTerms) { assert.Equal(t, []string{"Notes"}, f.excluded) })
}

func TestTermCacheUnlock(t *testing.T) {
	h := newHarness(t)
	p := &fakeTerms{status: vault.StatusOK, terms: githubTerms}
	c := NewTermCache(h.loop, p, TermOptions{}, h.log)

	h.do(t, func() { c.Unlock(nil) })

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.unlocks == 1
	}, waitFor, time.Millisecond)
}

func TestTermCacheSearchUsesFreshSnapshot(t *testing.T) {
	h := newHarness(t)
	p := &fakeTerms{status: vault.StatusOK, terms: githubTerms}
	c := NewTermCache(h.loop, p, TermOptions{UsernameAttributes: []string{"UserName", "email"}}, h.log)
	require.NoError(t, refresh(t, h, c, false))

	out := runTermJob(t, h, c, "git")

	require.NoError(t, out.Err)
	require.Len(t, out.Results, 1)
	r := out.Results[0]
	assert.Equal(t, "/item/1", r.ID)
	assert.Equal(t, "GitHub", r.Label)
	assert.Equal(t, "joe", r.Username)
	assert.Empty(t, r.Password)
	assert.Equal(t, 1, p.Fetches())
}

func TestTermCacheSearchRefreshesStale(t *testing.T) {
	h := newHarness(t)
	p := &fakeTerms{status: vault.StatusOK, terms: githubTerms[:1]}
	c := NewTermCache(h.loop, p, TermOptions{RefreshInterval: 50 * time.Second}, h.log)
	require.NoError(t, refresh(t, h, c, false))

	p.set(func(f *fakeTerms) { f.terms = githubTerms })
	h.advance(t, 50*time.Second)

	out := runTermJob(t, h, c, "bank")

	require.Len(t, out.Results, 1)
	assert.Equal(t, "/item/2", out.Results[0].ID)
	assert.Equal(t, 2, p.Fetches())
	h.do(t, func() { assert.Len(t, c.Terms(), len(githubTerms)) })
}

func TestTermCacheSearchLogsMalformed(t *testing.T) {
	h := newHarness(t)
	terms := append([]vault.Term{}, githubTerms...)
	terms = append(terms, vault.Term{Label: "Other", Identity: "/item/1", Attribute: "x", Value: "git"})
	p := &fakeTerms{status: vault.StatusOK, terms: terms}
	c := NewTermCache(h.loop, p, TermOptions{}, h.log)
	require.NoError(t, refresh(t, h, c, false))

	runTermJob(t, h, c, "git")

	assert.Equal(t, 1, h.logs.FilterLevelExact(zapcore.ErrorLevel).FilterMessage("malformed term: label differs within item").Len())
}

func TestTermCacheSearchFailureDropsTerms(t *testing.T) {
	h := newHarness(t)
	p := &fakeTerms{status: vault.StatusOK, terms: githubTerms}
	c := NewTermCache(h.loop, p, TermOptions{}, h.log)
	require.NoError(t, refresh(t, h, c, false))

	p.set(func(f *fakeTerms) { f.err = vault.ErrBackendUnavailable })
	h.advance(t, DefaultRefreshInterval)
	out := runTermJob(t, h, c, "git")

	assert.ErrorIs(t, out.Err, vault.ErrBackendUnavailable)
	h.do(t, func() { assert.Empty(t, c.Terms()) })
}

func TestTermCacheRevealDecodeFailure(t *testing.T) {
	h := newHarness(t)
	p := &fakeTerms{status: vault.StatusOK, terms: githubTerms, secretErr: vault.ErrSecretDecode}
	c := NewTermCache(h.loop, p, TermOptions{}, h.log)
	require.NoError(t, refresh(t, h, c, false))

	got := make(chan string, 1)
	h.do(t, func() { c.Reveal(vault.Result{ID: "/item/1"}, func(s string) { got <- s }) })

	assert.Equal(t, "", wait(t, got))
	h.do(t, func() { assert.Equal(t, vault.StatusOK, c.Status()) })
}

func TestTermCacheRevealFailureDropsTerms(t *testing.T) {
	h := newHarness(t)
	p := &fakeTerms{status: vault.StatusOK, terms: githubTerms, secretErr: vault.ErrSessionInvalid}
	c := NewTermCache(h.loop, p, TermOptions{}, h.log)
	require.NoError(t, refresh(t, h, c, false))

	got := make(chan string, 1)
	h.do(t, func() { c.Reveal(vault.Result{ID: "/item/1"}, func(s string) { got <- s }) })

	assert.Equal(t, "", wait(t, got))
	h.do(t, func() { assert.Empty(t, c.Terms()) })
}

func TestTermCacheReveal(t *testing.T) {
	h := newHarness(t)
	p := &fakeTerms{status: vault.StatusOK, terms: githubTerms, secret: []byte("hunter2")}
	c := NewTermCache(h.loop, p, TermOptions{}, h.log)

	got := make(chan string, 1)
	h.do(t, func() { c.Reveal(vault.Result{ID: "/item/1"}, func(s string) { got <- s }) })

	assert.Equal(t, "hunter2", wait(t, got))
}

func TestTermCacheRevealDroppedByLock(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	p := &fakeTerms{status: vault.StatusOK, terms: githubTerms, secret: []byte("hunter2"), secretGate: gate}
	c := NewTermCache(h.loop, p, TermOptions{}, h.log)
	require.NoError(t, refresh(t, h, c, false))

	got := make(chan string, 1)
	h.do(t, func() {
		c.Reveal(vault.Result{ID: "/item/1"}, func(s string) { got <- s })
		c.Lock(nil)
	})
	close(gate)

	assert.Equal(t, "", wait(t, got))
	assert.Equal(t, 1, h.logs.FilterMessage("secret discarded, terms dropped during fetch").Len())
}

func TestTermCacheFailedRefreshThrottlesRetries(t *testing.T) {
	h := newHarness(t)
	p := &fakeTerms{err: fmt.Errorf("dbus: %w", vault.ErrBackendUnavailable)}
	c := NewTermCache(h.loop, p, TermOptions{}, h.log)
	require.Error(t, refresh(t, h, c, false))

	h.do(t, func() {
		assert.Equal(t, vault.StatusNoProvider, c.Status())
		assert.Equal(t, vault.StatusNoProvider, c.Status())
	})
	h.do(t, func() {})
	assert.Equal(t, 1, p.Fetches())

	h.advance(t, DefaultRefreshInterval)
	h.do(t, func() { c.Status() })
	require.Eventually(t, func() bool { return p.Fetches() == 2 }, waitFor, time.Millisecond)
}

func TestTermCacheIdleDropsTerms(t *testing.T) {
	h := newHarness(t)
	p := &fakeTerms{status: vault.StatusOK, terms: githubTerms}
	c := NewTermCache(h.loop, p, TermOptions{IdleLock: time.Hour, RefreshInterval: 2 * time.Hour}, h.log)
	require.NoError(t, refresh(t, h, c, false))

	h.advance(t, time.Hour)

	h.do(t, func() { assert.Empty(t, c.Terms()) })
}

func TestUsernameIndex(t *testing.T) {
	terms := []vault.Term{
		{Identity: "a", Attribute: "email", Value: "a@example.com"},
		{Identity: "a", Attribute: "UserName", Value: "alice"},
		{Identity: "b", Attribute: "email", Value: "b@example.com"},
		{Identity: "c", Attribute: "UserName", Value: ""},
	}

	got := usernameIndex(terms, []string{"UserName", "email"})

	assert.Equal(t, map[string]string{"a": "alice", "b": "b@example.com"}, got)
}
