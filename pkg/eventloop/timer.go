package eventloop

import "time"

// Timer is a one-shot timer owned by loop state. Arm, Cancel and Armed must
// be called on the loop. A fire that was scheduled before the latest Arm or
// Cancel is discarded by generation, so a cancelled callback never runs even
// if the underlying clock already fired.
type Timer struct {
	loop  *Loop
	gen   uint64
	armed bool
	stop  func() bool
}

// NewTimer returns an unarmed timer bound to l.
func (l *Loop) NewTimer() *Timer {
	return &Timer{loop: l}
}

// Arm schedules fn to run on the loop after d. A previously armed schedule
// is cancelled first.
func (t *Timer) Arm(d time.Duration, fn func()) {
	t.Cancel()
	gen := t.gen
	t.armed = true
	t.stop = t.loop.clock.AfterFunc(d, func() {
		t.loop.Post(func() {
			if !t.armed || t.gen != gen {
				return
			}
			t.armed = false
			t.stop = nil
			fn()
		})
	})
}

// Cancel disarms the timer. It is safe to call on an unarmed timer.
func (t *Timer) Cancel() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	t.armed = false
	t.gen++
}

// Armed reports whether a fire is outstanding.
func (t *Timer) Armed() bool {
	return t.armed
}
