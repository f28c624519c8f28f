// Package clipboard places credentials on the desktop clipboard and makes
// sure secrets do not stay there.
package clipboard

import (
	"time"

	"go.uber.org/zap"

	"github.com/forest6511/passrunner/pkg/eventloop"
)

// DefaultTimeout is how long an exposed secret stays on the clipboard.
const DefaultTimeout = 5 * time.Second

// Clipboard is the desktop clipboard. Both calls are fire-and-forget.
type Clipboard interface {
	Put(text string)
	Clear()
}

// Lease guards at most one secret on the clipboard. All methods must be
// called on the loop that created it.
type Lease struct {
	clip  Clipboard
	timer *eventloop.Timer
	log   *zap.Logger
}

// NewLease creates a lease whose expiry timer runs on loop.
func NewLease(loop *eventloop.Loop, clip Clipboard, log *zap.Logger) *Lease {
	return &Lease{
		clip:  clip,
		timer: loop.NewTimer(),
		log:   log,
	}
}

// Expose writes secret to the clipboard and clears it after d. An
// outstanding lease is renewed, not stacked.
func (l *Lease) Expose(secret string, d time.Duration) {
	l.timer.Cancel()
	l.clip.Put(secret)
	l.timer.Arm(d, l.expire)
	l.log.Info("secret copied to clipboard", zap.Duration("timeout", d))
}

// Put writes non-sensitive text without arming a clear. Any outstanding
// lease is dropped since the secret it guards has been overwritten.
func (l *Lease) Put(text string) {
	l.timer.Cancel()
	l.clip.Put(text)
	l.log.Info("text copied to clipboard")
}

// Release clears the clipboard now if a secret is still exposed.
func (l *Lease) Release() {
	if !l.timer.Armed() {
		return
	}
	l.timer.Cancel()
	l.clip.Clear()
	l.log.Info("clipboard cleared early")
}

// Active reports whether a secret is currently exposed.
func (l *Lease) Active() bool {
	return l.timer.Armed()
}

func (l *Lease) expire() {
	l.clip.Clear()
	l.log.Info("clipboard cleared")
}
