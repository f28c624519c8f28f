// Package eventloop provides the single logical thread that owns all
// mutable runner state: the pending query, the session and the clipboard
// lease.
//
// Functions posted to a Loop run one at a time, in posting order, on the
// goroutine that called Run. Blocking backend calls are offloaded to a
// bounded worker pool and their completions are posted back to the loop,
// so the loop stays responsive to the next keystroke.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 4

var (
	// ErrClosed is returned when posting to a stopped loop.
	ErrClosed = errors.New("eventloop: loop closed")

	// ErrBusy is reported to an offload completion when every worker is busy.
	ErrBusy = errors.New("eventloop: worker pool busy")
)

// Loop is a serial executor with a worker pool for blocking calls.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}

	pool  *ants.Pool
	clock Clock
	log   *zap.Logger
}

// Option configures a Loop.
type Option func(*options)

type options struct {
	workers int
	clock   Clock
	log     *zap.Logger
}

// WithWorkers sets the number of concurrent offloaded calls.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithClock replaces the wall clock used by timers.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger used for worker failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// New creates a loop. It does nothing until Run is called.
func New(opts ...Option) (*Loop, error) {
	o := options{workers: DefaultWorkers, clock: WallClock(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		o.workers = DefaultWorkers
	}

	pool, err := ants.NewPool(o.workers,
		ants.WithNonblocking(true),
		ants.WithLogger(zap.NewStdLog(o.log)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Loop{
		wake:  make(chan struct{}, 1),
		pool:  pool,
		clock: o.clock,
		log:   o.log,
	}, nil
}

// Post queues fn to run on the loop. It never blocks and may be called from
// any goroutine, including the loop itself. It reports false once the loop
// is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to finish. It must not be
// called from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted functions until ctx is done, then closes the loop.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
		for {
			fn := l.next()
			if fn == nil {
				break
			}
			fn()
		}
	}
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

// Close stops accepting work and releases the worker pool. Queued functions
// that have not run are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	l.pool.Release()
}

// Clock returns the clock timers of this loop use.
func (l *Loop) Clock() Clock {
	return l.clock
}

// Offload runs work on the worker pool and posts done with its result back
// to the loop. done is always called exactly once unless the loop closes
// first. A panic in work is reported to done as an error. Offload must be
// called on the loop.
func Offload[T any](l *Loop, ctx context.Context, work func(context.Context) (T, error), done func(T, error)) {
	err := l.pool.Submit(func() {
		v, err := protect(ctx, work)
		l.Post(func() { done(v, err) })
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			err = ErrBusy
		}
		l.log.Warn("offload rejected", zap.Error(err))
		var zero T
		l.Post(func() { done(zero, err) })
	}
}

func protect[T any](ctx context.Context, work func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventloop: offloaded call panicked: %v", r)
		}
	}()
	return work(ctx)
}
