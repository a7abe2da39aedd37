package writer

import (
	"sync"

	"github.com/estuary/ddspub/guid"
)

// StatusKind is a bitmask over the four writer listener callbacks
// (spec.md §6 "Writer listener callbacks"). SPEC_FULL.md C.6 enables a
// writer to install a listener for only a subset, letting the rest fall
// through to the Publisher's (then the Participant's) listener.
type StatusKind uint32

const (
	OfferedDeadlineMissed StatusKind = 1 << iota
	OfferedIncompatibleQos
	LivelinessLost
	PublicationMatched

	AllStatuses = OfferedDeadlineMissed | OfferedIncompatibleQos | LivelinessLost | PublicationMatched
)

// OfferedDeadlineMissedStatus's TotalCountChange is reset to zero as each
// notification is captured, before the listener is invoked with the
// captured copy; TotalCount stays cumulative (spec.md §6 "invoked after
// the corresponding status has been reset").
type OfferedDeadlineMissedStatus struct {
	TotalCount       int32
	TotalCountChange int32
	LastInstance     guid.InstanceHandle
}

type OfferedIncompatibleQosStatus struct {
	TotalCount       int32
	TotalCountChange int32
	LastReader       guid.Guid
}

type LivelinessLostStatus struct {
	TotalCount       int32
	TotalCountChange int32
}

type PublicationMatchedStatus struct {
	TotalCount        int32
	TotalCountChange  int32
	CurrentCount      int32
	CurrentCountChange int32
	LastReader        guid.Guid
}

// Listener receives writer status notifications (spec.md §6).
type Listener interface {
	OnOfferedDeadlineMissed(w *DataWriter, status OfferedDeadlineMissedStatus)
	OnOfferedIncompatibleQos(w *DataWriter, status OfferedIncompatibleQosStatus)
	OnLivelinessLost(w *DataWriter, status LivelinessLostStatus)
	OnPublicationMatched(w *DataWriter, status PublicationMatchedStatus)
}

// ParentListener resolves the next listener in the writer → publisher →
// participant fallback chain for the given status kind (SPEC_FULL.md
// C.6), or returns nil if no ancestor handles it either.
type ParentListener func(kind StatusKind) Listener

// statusTracker holds the cumulative counters for one writer's four
// statuses and resolves, for each kind, which listener (if any) should
// receive the next notification.
type statusTracker struct {
	mu sync.Mutex

	deadlineMissed      OfferedDeadlineMissedStatus
	incompatibleQos     OfferedIncompatibleQosStatus
	livelinessLost      LivelinessLostStatus
	publicationMatched  PublicationMatchedStatus

	listener Listener
	mask     StatusKind
	parent   ParentListener
}

func (s *statusTracker) resolve(kind StatusKind) Listener {
	if s.listener != nil && s.mask&kind != 0 {
		return s.listener
	}
	if s.parent != nil {
		return s.parent(kind)
	}
	return nil
}

// fireDeadlineMissed increments the cumulative counter, captures the
// delta, resets it, and invokes whichever listener the chain resolves
// to. The caller must hold the owning DataWriter's mutex, matching every
// other timer/reliability callback's locking discipline.
func (s *statusTracker) fireDeadlineMissed(w *DataWriter, instance guid.InstanceHandle) {
	s.mu.Lock()
	s.deadlineMissed.TotalCount++
	s.deadlineMissed.TotalCountChange++
	s.deadlineMissed.LastInstance = instance
	var status = s.deadlineMissed
	s.deadlineMissed.TotalCountChange = 0
	var l = s.resolve(OfferedDeadlineMissed)
	s.mu.Unlock()

	if l != nil {
		l.OnOfferedDeadlineMissed(w, status)
	}
}

func (s *statusTracker) fireIncompatibleQos(w *DataWriter, reader guid.Guid) {
	s.mu.Lock()
	s.incompatibleQos.TotalCount++
	s.incompatibleQos.TotalCountChange++
	s.incompatibleQos.LastReader = reader
	var status = s.incompatibleQos
	s.incompatibleQos.TotalCountChange = 0
	var l = s.resolve(OfferedIncompatibleQos)
	s.mu.Unlock()

	if l != nil {
		l.OnOfferedIncompatibleQos(w, status)
	}
}

func (s *statusTracker) fireLivelinessLost(w *DataWriter) {
	s.mu.Lock()
	s.livelinessLost.TotalCount++
	s.livelinessLost.TotalCountChange++
	var status = s.livelinessLost
	s.livelinessLost.TotalCountChange = 0
	var l = s.resolve(LivelinessLost)
	s.mu.Unlock()

	if l != nil {
		l.OnLivelinessLost(w, status)
	}
}

func (s *statusTracker) firePublicationMatched(w *DataWriter, reader guid.Guid, currentDelta int32) {
	s.mu.Lock()
	s.publicationMatched.TotalCount++
	s.publicationMatched.TotalCountChange++
	s.publicationMatched.CurrentCount += currentDelta
	s.publicationMatched.CurrentCountChange = currentDelta
	s.publicationMatched.LastReader = reader
	var status = s.publicationMatched
	s.publicationMatched.TotalCountChange = 0
	s.publicationMatched.CurrentCountChange = 0
	var l = s.resolve(PublicationMatched)
	s.mu.Unlock()

	if l != nil {
		l.OnPublicationMatched(w, status)
	}
}
