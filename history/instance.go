package history

import (
	"container/list"
	"time"

	"github.com/estuary/ddspub/guid"
)

// State is a point in the instance lifecycle state machine (spec.md §4.2).
type State int

const (
	New State = iota
	Alive
	Disposed
	Unregistered
	DisposedUnregistered
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Disposed:
		return "disposed"
	case Unregistered:
		return "unregistered"
	case DisposedUnregistered:
		return "disposed_unregistered"
	default:
		return "new"
	}
}

// Instance is the (topic, key, registering-writer) triple of spec.md §3,
// with its lifecycle state, live-sample count, next-deadline time and
// (for exclusive-ownership topics) the registering writer's ownership
// strength.
type Instance struct {
	Handle            guid.InstanceHandle
	KeyBytes          []byte
	State             State
	OwnershipStrength int32

	// liveSampleCount is the number of samples of this instance currently
	// held in the writer history (not yet removed/released).
	liveSampleCount int

	// nextDeadline is the last-write time plus the writer's deadline
	// period; zero when the deadline QoS is disabled or no sample has
	// been written yet.
	nextDeadline time.Time
	// heapIndex is maintained by the deadline heap (deadline.go).
	heapIndex int

	lastWriteTime time.Time

	// subqueue orders this instance's samples by sequence number, which
	// (per spec.md §4.1's writer-wide monotonic source_timestamp rule) is
	// also source_timestamp order.
	subqueue  *list.List
	elemBySeq map[guid.SequenceNumber]*list.Element
}

func newInstance(handle guid.InstanceHandle, key []byte, registeringWriter guid.Guid) *Instance {
	return &Instance{
		Handle:    handle,
		KeyBytes:  append([]byte(nil), key...),
		State:     New,
		subqueue:  list.New(),
		elemBySeq: make(map[guid.SequenceNumber]*list.Element),
		heapIndex: -1,
	}
}

// LiveSampleCount returns the number of samples of this instance
// currently retained in the history.
func (inst *Instance) LiveSampleCount() int { return inst.liveSampleCount }

// Terminal reports whether the instance is in a removable terminal
// state per spec.md §4.2 ("Terminal states are removed from the writer
// when the instance has no pending samples in history and no remote
// reader still holds unacked samples").
func (inst *Instance) Terminal() bool {
	return inst.State == Disposed || inst.State == Unregistered || inst.State == DisposedUnregistered
}

// Removable reports whether the instance may be dropped from the
// writer's instance index: terminal, with no samples left in history.
// The caller (DataWriter) is additionally responsible for confirming no
// matched reader still holds an unacked sample for it, and for honoring
// any durability-service cleanup delay (spec.md §4.2).
func (inst *Instance) Removable() bool {
	return inst.Terminal() && inst.liveSampleCount == 0
}
