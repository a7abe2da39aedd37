package writer

import (
	"time"

	"github.com/estuary/ddspub/qos"
)

// fireDeadline is deadlineTimer's FireFunc (spec.md §4.6, §4.3
// "get_earliest_deadline"). If the earliest-due instance's deadline has
// actually elapsed, it raises OfferedDeadlineMissed and re-arms a fresh
// period from now; otherwise (a write already moved the deadline out
// from under a stale firing) it simply re-arms at the current due time.
func (w *DataWriter) fireDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return time.Time{}, false
	}
	inst, due, ok := w.history.GetNextDeadline()
	if !ok {
		return time.Time{}, false
	}
	if !w.now().Before(due) {
		w.status.fireDeadlineMissed(w, inst.Handle)
		var next = w.now().Add(w.qos.Deadline.Period)
		w.history.SetNextDeadline(inst, next)
		return next, true
	}
	return due, true
}

// fireLifespan is lifespanTimer's FireFunc (spec.md §4.6, §4.3
// "Lifespan"): expires and releases every sample whose lifespan has
// elapsed, then re-arms for the next sample's expiry.
func (w *DataWriter) fireLifespan() (time.Time, bool) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return time.Time{}, false
	}
	var expired = w.history.ExpireOlderThan(w.now())
	for _, c := range expired {
		w.maybeRemoveInstanceLocked(c.InstanceHandle)
	}
	next, ok := w.history.NextExpiry()
	w.mu.Unlock()

	for _, c := range expired {
		w.unlinkAndRelease(c)
	}
	if !ok {
		return time.Time{}, false
	}
	return next, true
}

// fireCleanup is cleanupTimer's FireFunc (spec.md §4.2
// "durability_service.cleanup_delay"): removes every instance whose
// deferred-removal time has elapsed, re-checking Removable() since a
// later write can revive an instance out of New/terminal state before
// its delay expires, then re-arms for the next-soonest pending removal.
func (w *DataWriter) fireCleanup() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return time.Time{}, false
	}
	var now = w.now()
	for handle, due := range w.pendingCleanup {
		if due.After(now) {
			continue
		}
		delete(w.pendingCleanup, handle)
		if inst, ok := w.history.Lookup(handle); ok && inst.Removable() {
			w.history.RemoveInstance(handle)
		}
	}

	var earliest time.Time
	for _, due := range w.pendingCleanup {
		if earliest.IsZero() || due.Before(earliest) {
			earliest = due
		}
	}
	if earliest.IsZero() {
		return time.Time{}, false
	}
	return earliest, true
}

// fireLiveliness is livelinessTimer's FireFunc (spec.md §4.6). For
// Automatic liveliness it re-asserts on every announcement period. For
// manual liveliness it checks whether the lease has lapsed since the
// last explicit assertion and raises LivelinessLost if so.
func (w *DataWriter) fireLiveliness() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return time.Time{}, false
	}
	switch w.qos.Liveliness.Kind {
	case qos.Automatic:
		w.assertLivelinessLocked()
		return w.now().Add(w.qos.Liveliness.AnnouncementPeriod), true
	default:
		if w.qos.Liveliness.LeaseDuration > 0 &&
			w.now().Sub(w.lastLivelinessAssert) > w.qos.Liveliness.LeaseDuration {
			w.status.fireLivelinessLost(w)
		}
		return w.now().Add(w.qos.Liveliness.LeaseDuration), true
	}
}
