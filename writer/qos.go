package writer

import "github.com/estuary/ddspub/qos"

// QoS returns the writer's current QoS bundle.
func (w *DataWriter) QoS() qos.WriterQoS {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.qos
}

// SetQoS applies next, rejecting any change to a policy outside the
// changeable subset (SPEC_FULL.md C.2: resource_limits, deadline,
// liveliness) via WriterQoS.Diff.
func (w *DataWriter) SetQoS(next qos.WriterQoS) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return qos.AlreadyDeleted
	}
	if err := w.qos.Diff(next); err != nil {
		return err
	}
	var deadlineChanged = w.qos.Deadline != next.Deadline
	var livelinessChanged = w.qos.Liveliness != next.Liveliness
	w.qos = next

	if deadlineChanged {
		if next.Deadline.Enabled() {
			if _, due, ok := w.history.GetNextDeadline(); ok {
				w.deadlineTimer.Reset(due)
			}
		} else {
			w.deadlineTimer.Cancel()
		}
	}
	if livelinessChanged {
		if next.Liveliness.Kind == qos.Automatic && next.Liveliness.AnnouncementPeriod > 0 {
			w.livelinessTimer.Reset(w.now().Add(next.Liveliness.AnnouncementPeriod))
		} else if next.Liveliness.LeaseDuration > 0 {
			w.livelinessTimer.Reset(w.now().Add(next.Liveliness.LeaseDuration))
		} else {
			w.livelinessTimer.Cancel()
		}
	}
	return nil
}
