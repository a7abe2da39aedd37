// Package timers implements the reset-style timer abstraction spec.md
// §4.6 describes for a writer's deadline, lifespan and liveliness
// timers: "cancel, update interval, restart ... dispatched on the
// participant's event loop." A single generic Timer backs all three;
// the writer-specific semantics (what fires, what the next due time is)
// live in the fire callback the writer supplies, so this package stays
// a thin, reusable scheduling primitive rather than three near-copies.
package timers

import (
	"sync"
	"time"

	"github.com/estuary/ddspub/internal/clock"
)

// FireFunc runs once per firing, already posted onto the participant's
// single-threaded event loop (spec.md §5 "a callback posted from thread
// A may run on the event-loop thread at any later time and must
// acquire the writer mutex" — FireFunc is expected to take that mutex
// itself). It returns the next time the timer should fire and whether
// it should rearm at all.
type FireFunc func() (next time.Time, rearm bool)

// Timer is one reset-style, event-loop-dispatched timer.
type Timer struct {
	now  clock.Source
	post func(func()) bool
	fire FireFunc

	mu      sync.Mutex
	pending *time.Timer
	closed  bool
}

// New constructs a Timer. post is normally *participant.EventLoop.Post;
// it returns false if the event loop has begun shutting down, in which
// case the firing is simply dropped (spec.md §5 "Closing a writer
// drains pending timer callbacks").
func New(now clock.Source, post func(func()) bool, fire FireFunc) *Timer {
	return &Timer{now: now, post: post, fire: fire}
}

// Reset (re)arms the timer to fire at `at`. A zero `at` disarms it,
// equivalent to Cancel.
func (t *Timer) Reset(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	if t.closed || at.IsZero() {
		return
	}
	var d = at.Sub(t.now())
	if d < 0 {
		d = 0
	}
	t.pending = time.AfterFunc(d, t.onFire)
}

// Cancel disarms the timer without closing it; a later Reset rearms it.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Close disarms the timer permanently; subsequent Reset calls are
// no-ops (spec.md §5 "they observe a closed flag and no-op").
func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.stopLocked()
}

func (t *Timer) stopLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *Timer) onFire() {
	t.mu.Lock()
	var closed = t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.post(func() {
		t.mu.Lock()
		var closed = t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		next, rearm := t.fire()
		if rearm {
			t.Reset(next)
		}
	})
}
