package qos

import (
	"fmt"
	"time"
)

// ReliabilityKind selects best-effort or reliable delivery (spec.md §3).
type ReliabilityKind int

const (
	BestEffort ReliabilityKind = iota
	Reliable
)

// DurabilityKind is the writer-side retention policy for delivered
// samples (spec.md §3, GLOSSARY).
type DurabilityKind int

const (
	Volatile DurabilityKind = iota
	TransientLocal
	Transient
	Persistent
)

// HistoryKind selects per-instance retention depth.
type HistoryKind int

const (
	KeepLast HistoryKind = iota
	KeepAll
)

// LivelinessKind selects who is responsible for periodic assertion.
type LivelinessKind int

const (
	Automatic LivelinessKind = iota
	ManualByParticipant
	ManualByTopic
)

// DestinationOrderKind selects how readers order received samples.
type DestinationOrderKind int

const (
	ByReceptionTimestamp DestinationOrderKind = iota
	BySourceTimestamp
)

// PresentationScope bounds a Publisher's coherent-access scope.
type PresentationScope int

const (
	ScopeInstance PresentationScope = iota
	ScopeTopic
	ScopeGroup
)

// ResourceLimits bounds a WriterHistory's size (spec.md §3).
// A value of 0 means "unbounded" for that field, matching the DDS
// LENGTH_UNLIMITED convention.
type ResourceLimits struct {
	MaxSamples           int
	MaxInstances         int
	MaxSamplesPerInstance int
}

// Unlimited reports whether n represents "no bound".
func Unlimited(n int) bool { return n <= 0 }

// History bounds per-instance retention depth and, per SPEC_FULL.md C.4,
// a minimum inter-sample separation independent of Deadline.
type History struct {
	Kind              HistoryKind
	Depth             int // meaningful only when Kind == KeepLast
	MinimumSeparation time.Duration
}

// Deadline bounds the maximum period between samples of one instance.
// Period == 0 disables the deadline.
type Deadline struct {
	Period time.Duration
}

func (d Deadline) Enabled() bool { return d.Period > 0 }

// Lifespan bounds how long a sample remains valid after its source
// timestamp. Duration == 0 disables expiry.
type Lifespan struct {
	Duration time.Duration
}

func (l Lifespan) Enabled() bool { return l.Duration > 0 }

// Liveliness controls periodic liveliness assertion.
type Liveliness struct {
	Kind               LivelinessKind
	LeaseDuration      time.Duration
	AnnouncementPeriod time.Duration
}

// Ownership controls exclusive vs. shared instance ownership.
type Ownership struct {
	Exclusive bool
	Strength  int32
}

// Presentation is the Publisher-level coherent-access context (spec.md §3).
type Presentation struct {
	CoherentAccess bool
	OrderedAccess  bool
	Scope          PresentationScope
}

// DataLifecycle controls automatic instance cleanup on writer deletion.
type DataLifecycle struct {
	AutoDisposeUnregisteredInstances bool
}

// WriterQoS is the full, immutable-unless-noted QoS bundle of a
// DataWriter (spec.md §3). Only the fields SPEC_FULL.md C.2 names may be
// changed after creation via DataWriter.SetQoS; all others are fixed for
// the writer's lifetime.
type WriterQoS struct {
	Reliability       ReliabilityKind
	MaxBlockingTime   time.Duration
	Durability        DurabilityKind
	History           History
	ResourceLimits    ResourceLimits
	Deadline          Deadline
	Lifespan          Lifespan
	Liveliness        Liveliness
	Ownership         Ownership
	DestinationOrder  DestinationOrderKind
	DataLifecycle     DataLifecycle

	// FlowControllerName selects the named FlowController (SPEC_FULL.md
	// C.3) this writer schedules onto. Empty selects "default".
	FlowControllerName string
	// TransportPriority influences HighPriority/PriorityWithReservation
	// scheduling (spec.md §4.5); higher runs first.
	TransportPriority int32
	// Asynchronous selects whether oversized samples may be fragmented
	// (spec.md §4.1 "Fragmentation policy"); false rejects them instead.
	Asynchronous bool

	// DurabilityServiceCleanupDelay additionally delays terminal-state
	// instance removal for Transient/Persistent durability (spec.md §4.2).
	DurabilityServiceCleanupDelay time.Duration
}

// DefaultWriterQoS returns the conservative, broadly-compatible default
// bundle: best-effort, volatile, keep_last(1), no deadline/lifespan,
// automatic liveliness with no lease.
func DefaultWriterQoS() WriterQoS {
	return WriterQoS{
		Reliability:     BestEffort,
		MaxBlockingTime: 100 * time.Millisecond,
		Durability:      Volatile,
		History:         History{Kind: KeepLast, Depth: 1},
		ResourceLimits:  ResourceLimits{},
		Liveliness:      Liveliness{Kind: Automatic},
		Asynchronous:    true,
	}
}

// Validate checks internal consistency (spec.md §6 InconsistentPolicy /
// §6 BadParameter), independent of any Publisher-level coherent-access
// constraint (checked separately by the publisher package, since it needs
// information this type does not have).
func (q WriterQoS) Validate() error {
	if q.History.Kind == KeepLast && q.History.Depth <= 0 {
		return Wrap(BadParameter, "history.depth must be positive for keep_last")
	}
	if !Unlimited(q.ResourceLimits.MaxSamplesPerInstance) &&
		q.History.Kind == KeepLast &&
		q.History.Depth > q.ResourceLimits.MaxSamplesPerInstance {
		return Wrap(InconsistentPolicy,
			"history.depth (%d) exceeds resource_limits.max_samples_per_instance (%d)",
			q.History.Depth, q.ResourceLimits.MaxSamplesPerInstance)
	}
	if !Unlimited(q.ResourceLimits.MaxSamples) &&
		!Unlimited(q.ResourceLimits.MaxSamplesPerInstance) &&
		q.ResourceLimits.MaxSamplesPerInstance > q.ResourceLimits.MaxSamples {
		return Wrap(InconsistentPolicy,
			"resource_limits.max_samples_per_instance (%d) exceeds max_samples (%d)",
			q.ResourceLimits.MaxSamplesPerInstance, q.ResourceLimits.MaxSamples)
	}
	if q.Deadline.Enabled() && q.Liveliness.Kind != Automatic &&
		q.Liveliness.LeaseDuration > 0 && q.Liveliness.LeaseDuration < q.Deadline.Period {
		return Wrap(InconsistentPolicy,
			"liveliness.lease_duration (%s) is shorter than deadline.period (%s)",
			q.Liveliness.LeaseDuration, q.Deadline.Period)
	}
	if q.Reliability == BestEffort && q.Asynchronous == false {
		// Synchronous best-effort is legal (spec.md only restricts
		// PureSync flow-controller mode to best-effort, not the reverse).
	}
	return nil
}

// mutableFields enumerates the SPEC_FULL.md C.2 subset of policies that
// may change after writer creation.
type mutableFields struct {
	ResourceLimits bool
	Deadline       bool
	Liveliness     bool
}

// Diff reports, for each field that differs between q (the current QoS)
// and next (the proposed QoS), whether that field belongs to the
// changeable subset. It returns a nil error if every differing field is
// changeable and the result would still be internally consistent;
// otherwise ImmutablePolicy or InconsistentPolicy.
func (q WriterQoS) Diff(next WriterQoS) error {
	var changeable = next
	changeable.ResourceLimits = q.ResourceLimits
	changeable.Deadline = q.Deadline
	changeable.Liveliness = q.Liveliness

	if changeable != q {
		return Wrap(ImmutablePolicy, "only resource_limits, deadline and liveliness may change after creation")
	}
	if !Unlimited(next.ResourceLimits.MaxSamples) && (Unlimited(q.ResourceLimits.MaxSamples) ||
		next.ResourceLimits.MaxSamples < q.ResourceLimits.MaxSamples) {
		return Wrap(InconsistentPolicy, "resource_limits may only widen, not shrink")
	}
	if !Unlimited(next.ResourceLimits.MaxInstances) && (Unlimited(q.ResourceLimits.MaxInstances) ||
		next.ResourceLimits.MaxInstances < q.ResourceLimits.MaxInstances) {
		return Wrap(InconsistentPolicy, "resource_limits may only widen, not shrink")
	}
	if !Unlimited(next.ResourceLimits.MaxSamplesPerInstance) && (Unlimited(q.ResourceLimits.MaxSamplesPerInstance) ||
		next.ResourceLimits.MaxSamplesPerInstance < q.ResourceLimits.MaxSamplesPerInstance) {
		return Wrap(InconsistentPolicy, "resource_limits may only widen, not shrink")
	}
	return next.Validate()
}

func (r ReliabilityKind) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "best-effort"
}

func (d DurabilityKind) String() string {
	switch d {
	case TransientLocal:
		return "transient-local"
	case Transient:
		return "transient"
	case Persistent:
		return "persistent"
	default:
		return "volatile"
	}
}

func (e ResourceLimits) String() string {
	return fmt.Sprintf("{max_samples=%d max_instances=%d max_samples_per_instance=%d}",
		e.MaxSamples, e.MaxInstances, e.MaxSamplesPerInstance)
}
