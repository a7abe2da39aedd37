// Package flowcontrol implements the FlowController of spec.md §4.5: it
// decouples DataWriter.Write from the transport by scheduling samples
// onto a worker (or the caller thread, for PureSync) under a bandwidth
// budget and a configurable scheduling policy, and named controllers are
// shared across writers exactly like the teacher's flow.Coordinator
// shares one worker across many concurrent shuffle reads
// (go/flow/coordinator.go).
package flowcontrol

import (
	"context"
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/pool"
)

// PublishMode selects how a controller moves a sample from write() to
// the transport (spec.md §4.5 "Publish modes").
type PublishMode int

const (
	// PureSync delivers inline on the caller's goroutine. The
	// controller does not check a writer's reliability kind, so
	// reliable writers are accepted in this mode as well.
	PureSync PublishMode = iota
	// Sync attempts inline delivery first, falling back to the async
	// queue if the transport would block.
	Sync
	// Async always enqueues; a worker goroutine delivers.
	Async
	// LimitedAsync is Async bounded by a max_bytes_per_period budget.
	LimitedAsync
)

func (m PublishMode) String() string {
	switch m {
	case PureSync:
		return "pure_sync"
	case Sync:
		return "sync"
	case LimitedAsync:
		return "limited_async"
	default:
		return "async"
	}
}

// SchedulingPolicy selects how a controller picks among schedulable
// samples from multiple writers (spec.md §4.5 "Scheduling policies").
type SchedulingPolicy int

const (
	FIFO SchedulingPolicy = iota
	RoundRobin
	HighPriority
	PriorityWithReservation
)

func (p SchedulingPolicy) String() string {
	switch p {
	case RoundRobin:
		return "round_robin"
	case HighPriority:
		return "high_priority"
	case PriorityWithReservation:
		return "priority_with_reservation"
	default:
		return "fifo"
	}
}

// Result is the outcome of one Deliverer.DeliverSampleNTS call
// (spec.md §4.5 "Worker main loop").
type Result int

const (
	// Delivered means the sample was handed to the transport (and, for
	// reliable samples, now owned by the ReliabilityEngine's unacked
	// state) and should not be re-linked.
	Delivered Result = iota
	// NotDelivered means the transport would block; the sample is
	// re-linked at the head of its queue for a later attempt.
	NotDelivered
	// ExceededLimit means a transport-level budget was hit; the sample
	// is re-linked and the worker begins force-waiting.
	ExceededLimit
)

// Deliverer is the per-writer collaborator a Controller calls back into
// to actually hand a sample to the transport (spec.md §4.5 worker loop:
// "lock the owning writer ... attempt deliver_sample_nts"). Lock/Unlock
// are the writer's own non-reentrant mutex (spec.md §5 "Deadlock
// discipline": the worker always takes the writer lock before the
// controller's own queues are touched again).
type Deliverer interface {
	Lock()
	Unlock()
	DeliverSampleNTS(ctx context.Context, change *pool.CacheChange, deadline time.Time) (Result, error)
}

// Config bundles one Controller's construction parameters.
type Config struct {
	Name              string
	Mode              PublishMode
	Policy            SchedulingPolicy
	MaxBytesPerPeriod int // 0 disables the LimitedAsync budget
	Period            time.Duration
}

// writerEntry is a controller's per-writer bookkeeping: its deliverer,
// scheduling weight, and (for every policy but FIFO) its own new/old
// sub-queues.
type writerEntry struct {
	guid      guid.Guid
	deliverer Deliverer

	priority               int32
	reservedBytesPerPeriod int
	usedThisPeriod         int

	newQ, oldQ queueList
}
