package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forest6511/passrunner/pkg/eventloop"
	"github.com/forest6511/passrunner/pkg/ranking"
	"github.com/forest6511/passrunner/pkg/vault"
)

// State is the lifecycle of a CLI backend session.
type State int

const (
	NoSession State = iota
	Unlocking
	Unlocked
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "no-session"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Session.
type Options struct {
	// SyncInterval is the period of backend syncs while unlocked.
	SyncInterval time.Duration

	// IdleLock locks the session after this long without a query.
	// Zero disables it.
	IdleLock time.Duration

	// Timeout bounds every backend call except login.
	Timeout time.Duration
}

// Session is the state machine for CLI backends.
type Session struct {
	loop     *eventloop.Loop
	provider vault.EntryProvider
	opts     Options
	log      *zap.Logger

	state   State
	gen     uint64
	names   map[string]string
	lastErr error

	cancelLogin context.CancelFunc
	waiters     []func(error)
	onLock      []func()

	syncTimer *eventloop.Timer
	idleTimer *eventloop.Timer
}

// New returns a Session in NoSession.
func New(loop *eventloop.Loop, provider vault.EntryProvider, opts Options, log *zap.Logger) *Session {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Session{
		loop:      loop,
		provider:  provider,
		opts:      opts,
		log:       log,
		syncTimer: loop.NewTimer(),
		idleTimer: loop.NewTimer(),
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// HasSession reports whether the session is Unlocked.
func (s *Session) HasSession() bool {
	return s.state == Unlocked
}

// LastError returns the failure that last reset the session, if any.
func (s *Session) LastError() error {
	return s.lastErr
}

// Status maps the state to the query gate status.
func (s *Session) Status() vault.Status {
	switch s.state {
	case Unlocked:
		return vault.StatusOK
	case Unlocking:
		return vault.StatusUnlocking
	}
	if errors.Is(s.lastErr, vault.ErrBackendUnavailable) {
		return vault.StatusNoProvider
	}
	return vault.StatusLocked
}

// OnLock registers fn to run whenever the session is locked or reset.
func (s *Session) OnLock(fn func()) {
	s.onLock = append(s.onLock, fn)
}

// Unlock starts a login. done, if set, receives its result on the loop.
func (s *Session) Unlock(done func(error)) {
	s.Login(done)
}

// Login runs the backend unlock flow and refreshes the identifier-name
// cache. done, if set, is called on the loop with the login result.
// Concurrent logins share the one in flight.
func (s *Session) Login(done func(error)) {
	switch s.state {
	case Unlocked:
		if done != nil {
			done(nil)
		}
		return
	case Unlocking:
		if done != nil {
			s.waiters = append(s.waiters, done)
		}
		return
	}

	s.state = Unlocking
	s.gen++
	gen := s.gen
	if done != nil {
		s.waiters = append(s.waiters, done)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelLogin = cancel
	s.log.Info("login started", zap.String("backend", s.provider.Name()))

	eventloop.Offload(s.loop, ctx, s.login, func(names map[string]string, err error) {
		cancel()
		if gen != s.gen {
			return
		}
		s.cancelLogin = nil
		if err != nil {
			s.state = NoSession
			s.lastErr = err
			if errors.Is(err, vault.ErrBackendUnavailable) {
				s.log.Error("vault tool not found", zap.String("backend", s.provider.Name()), zap.Error(err))
			} else {
				s.log.Warn("login failed", zap.Error(err))
			}
			s.finishLogin(err)
			return
		}
		s.unlocked(names)
		s.log.Info("login succeeded", zap.Int("names", len(names)))
		s.finishLogin(nil)
	})
}

func (s *Session) login(ctx context.Context) (map[string]string, error) {
	if err := s.provider.Login(ctx); err != nil {
		return nil, err
	}
	return s.fetchNames(ctx), nil
}

// fetchNames is opportunistic: a failure leaves entries undecorated.
func (s *Session) fetchNames(ctx context.Context) map[string]string {
	np, ok := s.provider.(vault.NameProvider)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	names, err := np.FetchNames(ctx)
	if err != nil {
		s.log.Warn("failed to fetch identifier names", zap.Error(err))
		return nil
	}
	return names
}

func (s *Session) finishLogin(err error) {
	waiters := s.waiters
	s.waiters = nil
	for _, w := range waiters {
		w(err)
	}
}

func (s *Session) unlocked(names map[string]string) {
	s.state = Unlocked
	s.names = names
	s.lastErr = nil
	s.syncTimer.Arm(s.opts.SyncInterval, s.periodicSync)
	s.Touch()
}

// Resume adopts a session the backend already holds, e.g. an unlocked
// agent. done, if set, reports whether the session is now Unlocked.
func (s *Session) Resume(done func(bool)) {
	if s.state != NoSession {
		if done != nil {
			done(s.state == Unlocked)
		}
		return
	}
	gen := s.gen
	eventloop.Offload(s.loop, context.Background(), func(ctx context.Context) (map[string]string, error) {
		ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
		ok, err := s.provider.HasSession(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, vault.ErrSessionInvalid
		}
		return s.fetchNames(ctx), nil
	}, func(names map[string]string, err error) {
		resumed := err == nil && gen == s.gen && s.state == NoSession
		if resumed {
			s.unlocked(names)
			s.log.Info("resumed existing session", zap.String("backend", s.provider.Name()))
		} else if err != nil && !errors.Is(err, vault.ErrSessionInvalid) {
			s.lastErr = err
			s.log.Warn("session check failed", zap.Error(err))
		}
		if done != nil {
			done(s.state == Unlocked)
		}
	})
}

// Sync asks the backend to refresh its cache. A failure is logged and
// leaves the session as it is.
func (s *Session) Sync(done func(error)) {
	if s.state != Unlocked {
		if done != nil {
			done(vault.ErrSessionInvalid)
		}
		return
	}
	eventloop.Offload(s.loop, context.Background(), withTimeout(s.opts.Timeout, s.provider.Sync), func(_ struct{}, err error) {
		if err != nil {
			s.log.Warn("sync failed", zap.Error(err))
		} else {
			s.log.Debug("sync finished")
		}
		if done != nil {
			done(err)
		}
	})
}

func (s *Session) periodicSync() {
	s.Sync(nil)
	if s.state == Unlocked {
		s.syncTimer.Arm(s.opts.SyncInterval, s.periodicSync)
	}
}

// Lock resets the session to NoSession and asks the backend to lock. The
// local reset happens even if the backend call fails. done, if set,
// receives the backend result on the loop.
func (s *Session) Lock(done func(error)) {
	s.reset(nil)
	eventloop.Offload(s.loop, context.Background(), withTimeout(s.opts.Timeout, s.provider.Lock), func(_ struct{}, err error) {
		if err != nil {
			s.log.Warn("backend lock failed", zap.Error(err))
		} else {
			s.log.Info("backend locked")
		}
		if done != nil {
			done(err)
		}
	})
}

// Invalidate resets the session after a backend failure. Cancellations,
// pool overload and secret decode failures leave it untouched.
func (s *Session) Invalidate(err error) {
	if !vault.Invalidates(err) || ignorable(err) {
		return
	}
	if s.state == NoSession && s.lastErr != nil {
		return
	}
	s.log.Warn("session invalidated", zap.Error(err))
	s.reset(err)
}

func (s *Session) reset(err error) {
	s.gen++
	if s.cancelLogin != nil {
		s.cancelLogin()
		s.cancelLogin = nil
	}
	s.state = NoSession
	s.names = nil
	s.lastErr = err
	s.syncTimer.Cancel()
	s.idleTimer.Cancel()
	s.finishLogin(vault.ErrSessionInvalid)
	for _, fn := range s.onLock {
		fn()
	}
}

// Touch records user activity for the idle lock.
func (s *Session) Touch() {
	if s.opts.IdleLock <= 0 || s.state != Unlocked {
		return
	}
	s.idleTimer.Arm(s.opts.IdleLock, func() {
		s.log.Info("idle timeout reached, locking", zap.Duration("idle", s.opts.IdleLock))
		s.Lock(nil)
	})
}

// SearchJob returns a job that fetches, decorates and ranks entries for
// query. A backend failure invalidates the session when the job commits,
// unless the session changed in the meantime.
func (s *Session) SearchJob(query string) Job {
	gen := s.gen
	names := s.names
	return func(ctx context.Context) Outcome {
		ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()

		entries, err := s.provider.FetchEntries(ctx, query)
		if err != nil {
			return Outcome{Err: err, Commit: func() {
				if gen == s.gen {
					s.Invalidate(err)
				}
			}}
		}
		for _, e := range entries {
			e.Decorate(names)
		}
		ranked := ranking.RankEntries(query, entries)
		results := make([]vault.Result, 0, len(ranked))
		for _, e := range ranked {
			results = append(results, e.Result())
		}
		return Outcome{Results: results}
	}
}

// Reveal hands the password of r to done. CLI results carry it already.
func (s *Session) Reveal(r vault.Result, done func(string)) {
	done(r.Password)
}
