// Package history implements the ordered, per-instance-partitioned
// container of pending samples for one writer (spec.md §2 "WriterHistory",
// §4.3), including keep_last/keep_all capacity enforcement, deadline and
// lifespan bookkeeping.
//
// WriterHistory is not independently synchronized: per spec.md §5 it is
// one of the pieces of state protected by the owning DataWriter's
// writer mutex, so every exported method here assumes the
// caller already holds that lock. This mirrors the teacher's
// *messageWriterImpl-adjacent reference file, where the queue is a plain
// field guarded by the enclosing type's mutex rather than having its own.
package history

import (
	"container/list"
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/qos"
	log "github.com/sirupsen/logrus"
)

// Eviction describes a sample that Insert evicted to make room under
// keep_last, so the caller can release it via the ChangePool and signal
// affected readers "lost" (spec.md §4.3).
type Eviction struct {
	Change *pool.CacheChange
	// Unacked is true if at least one matched reader had not yet acked
	// the evicted change; the caller uses this to decide whether to
	// raise a SampleLost(Removed) notification (spec.md §8 scenario S2).
	Unacked bool
}

// WriterHistory is the ordered container of one writer's pending changes.
type WriterHistory struct {
	writerGUID guid.Guid
	qosHistory qos.History
	limits     qos.ResourceLimits
	lifespan   time.Duration

	main      *list.List // of *pool.CacheChange, in sequence/insertion order
	elemBySeq map[guid.SequenceNumber]*list.Element

	instances map[guid.InstanceHandle]*Instance
	deadlines deadlineHeap

	// everKnown records every handle this writer has ever registered, and
	// is never pruned when an instance is later removed. It lets Lookup
	// callers distinguish a handle this writer once recognized (now
	// stale, since removed) from one it never did (spec.md §4.1
	// "PreconditionNotMet (stale handle)").
	everKnown map[guid.InstanceHandle]struct{}

	// ownershipStrength is the registering writer's ownership strength
	// (spec.md §3 "ownership-strength value"), copied onto every
	// instance created after SetOwnershipStrength is called. Ownership
	// is immutable for a writer's lifetime, so this is set once.
	ownershipStrength int32

	// unackedLookup reports, for keep_last eviction, whether a change
	// still has any matched reader that hasn't acked it. Supplied by the
	// DataWriter (backed by the ReliabilityEngine) since WriterHistory
	// has no visibility into reader state itself.
	unackedLookup func(*pool.CacheChange) bool
}

// New constructs a WriterHistory for writerGUID under the given History
// and ResourceLimits QoS, with lifespan (0 disables expiry) and a
// callback used to determine eviction "lost" status.
func New(writerGUID guid.Guid, h qos.History, limits qos.ResourceLimits, lifespan time.Duration, unackedLookup func(*pool.CacheChange) bool) *WriterHistory {
	if unackedLookup == nil {
		unackedLookup = func(*pool.CacheChange) bool { return false }
	}
	return &WriterHistory{
		writerGUID:    writerGUID,
		qosHistory:    h,
		limits:        limits,
		lifespan:      lifespan,
		main:          list.New(),
		elemBySeq:     make(map[guid.SequenceNumber]*list.Element),
		instances:     make(map[guid.InstanceHandle]*Instance),
		everKnown:     make(map[guid.InstanceHandle]struct{}),
		unackedLookup: unackedLookup,
	}
}

// SetOwnershipStrength records the registering writer's ownership
// strength, copied onto every instance created after this call. The
// owning DataWriter calls this once, immediately after New.
func (h *WriterHistory) SetOwnershipStrength(strength int32) {
	h.ownershipStrength = strength
}

// Instance returns the instance registered under handle, creating it
// (state New) if this is the first time it is seen. ok is false and no
// instance is created when the instance is unknown and max_instances has
// already been reached (OutOfResources at the DataWriter level).
func (h *WriterHistory) Instance(handle guid.InstanceHandle, keyBytes []byte, registeringWriter guid.Guid) (inst *Instance, ok bool) {
	if inst, found := h.instances[handle]; found {
		return inst, true
	}
	if !qos.Unlimited(h.limits.MaxInstances) && len(h.instances) >= h.limits.MaxInstances {
		return nil, false
	}
	inst = newInstance(handle, keyBytes, registeringWriter)
	inst.OwnershipStrength = h.ownershipStrength
	h.instances[handle] = inst
	h.everKnown[handle] = struct{}{}
	return inst, true
}

// Lookup returns the instance already registered under handle, if any,
// without creating one (backs DataWriter.LookupInstance).
func (h *WriterHistory) Lookup(handle guid.InstanceHandle) (*Instance, bool) {
	inst, ok := h.instances[handle]
	return inst, ok
}

// Known reports whether handle has ever been registered with this
// writer, even if the instance has since been removed.
func (h *WriterHistory) Known(handle guid.InstanceHandle) bool {
	_, ok := h.everKnown[handle]
	return ok
}

// ErrFull is returned by Insert when a keep_all history has reached a
// resource limit. The DataWriter returns it to its caller at once as
// OutOfResources; it does not block on a full history or retry the
// insert (only an exhausted change/payload pool makes a write wait up
// to max_blocking_time).
var ErrFull = qos.Wrap(qos.OutOfResources, "writer history is at capacity")

// ErrTooSoon is returned by Insert when SPEC_FULL.md C.4's
// minimum_separation has not yet elapsed since the instance's previous
// sample.
var ErrTooSoon = qos.Wrap(qos.Error, "write arrived before history.minimum_separation elapsed")

// Insert adds c (already assigned its sequence number and instance) to
// the history. On keep_last eviction it returns the evicted sample(s);
// on keep_all exhaustion or a minimum-separation violation it returns
// (nil, err) without modifying the history.
func (h *WriterHistory) Insert(c *pool.CacheChange, inst *Instance, now time.Time) ([]Eviction, error) {
	if h.qosHistory.MinimumSeparation > 0 && !inst.lastWriteTime.IsZero() &&
		now.Sub(inst.lastWriteTime) < h.qosHistory.MinimumSeparation {
		return nil, ErrTooSoon
	}

	var evictions []Eviction

	switch h.qosHistory.Kind {
	case qos.KeepLast:
		for inst.subqueue.Len() >= max(1, h.qosHistory.Depth) {
			var evicted, ok = h.popOldestOfInstance(inst)
			if !ok {
				break
			}
			evictions = append(evictions, Eviction{Change: evicted, Unacked: h.unackedLookup(evicted)})
		}
	case qos.KeepAll:
		if !qos.Unlimited(h.limits.MaxSamples) && h.main.Len() >= h.limits.MaxSamples {
			return nil, ErrFull
		}
		if !qos.Unlimited(h.limits.MaxSamplesPerInstance) && inst.subqueue.Len() >= h.limits.MaxSamplesPerInstance {
			return nil, ErrFull
		}
	}

	var elem = h.main.PushBack(c)
	h.elemBySeq[c.SequenceNumber] = elem
	var ielem = inst.subqueue.PushBack(c)
	inst.elemBySeq[c.SequenceNumber] = ielem
	inst.liveSampleCount++
	inst.lastWriteTime = now

	log.WithFields(log.Fields{
		"writer":   h.writerGUID.String(),
		"instance": inst.Handle.String(),
		"sequence": c.SequenceNumber,
	}).Debug("inserted sample into writer history")

	return evictions, nil
}

// popOldestOfInstance removes and returns the oldest sample of inst,
// unlinking it from both the per-instance sub-queue and the main list.
func (h *WriterHistory) popOldestOfInstance(inst *Instance) (*pool.CacheChange, bool) {
	var front = inst.subqueue.Front()
	if front == nil {
		return nil, false
	}
	var c = front.Value.(*pool.CacheChange)
	inst.subqueue.Remove(front)
	delete(inst.elemBySeq, c.SequenceNumber)
	inst.liveSampleCount--

	if mainElem, ok := h.elemBySeq[c.SequenceNumber]; ok {
		h.main.Remove(mainElem)
		delete(h.elemBySeq, c.SequenceNumber)
	}
	return c, true
}

// Remove removes and returns the sample with the given sequence number,
// if present.
func (h *WriterHistory) Remove(seq guid.SequenceNumber) (*pool.CacheChange, bool) {
	elem, ok := h.elemBySeq[seq]
	if !ok {
		return nil, false
	}
	var c = elem.Value.(*pool.CacheChange)
	h.main.Remove(elem)
	delete(h.elemBySeq, seq)

	if inst, ok := h.instances[c.InstanceHandle]; ok {
		if ielem, ok := inst.elemBySeq[seq]; ok {
			inst.subqueue.Remove(ielem)
			delete(inst.elemBySeq, seq)
			inst.liveSampleCount--
		}
	}
	return c, true
}

// RemoveMin removes and returns the earliest (lowest sequence number)
// sample in the history.
func (h *WriterHistory) RemoveMin() (*pool.CacheChange, bool) {
	var front = h.main.Front()
	if front == nil {
		return nil, false
	}
	return h.Remove(front.Value.(*pool.CacheChange).SequenceNumber)
}

// Earliest returns the earliest sample without removing it.
func (h *WriterHistory) Earliest() (*pool.CacheChange, bool) {
	var front = h.main.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*pool.CacheChange), true
}

// Iterate returns the samples with sequence numbers in [from, to]
// (inclusive), in sequence order.
func (h *WriterHistory) Iterate(from, to guid.SequenceNumber) []*pool.CacheChange {
	var out []*pool.CacheChange
	for e := h.main.Front(); e != nil; e = e.Next() {
		var c = e.Value.(*pool.CacheChange)
		if c.SequenceNumber < from {
			continue
		}
		if c.SequenceNumber > to {
			break
		}
		out = append(out, c)
	}
	return out
}

// Size returns the total number of samples currently retained.
func (h *WriterHistory) Size() int { return h.main.Len() }

// BySeq returns the sample with the given sequence number without
// removing it, used by the ReliabilityEngine's acked-by-all callback to
// mark a still-retained sample (spec.md §4.3).
func (h *WriterHistory) BySeq(seq guid.SequenceNumber) (*pool.CacheChange, bool) {
	elem, ok := h.elemBySeq[seq]
	if !ok {
		return nil, false
	}
	return elem.Value.(*pool.CacheChange), true
}

// GetNextDeadline returns the earliest armed instance deadline, if any
// instance has one (spec.md §4.3 "get_earliest_deadline").
func (h *WriterHistory) GetNextDeadline() (*Instance, time.Time, bool) {
	if len(h.deadlines) == 0 {
		return nil, time.Time{}, false
	}
	var inst = h.deadlines[0]
	return inst, inst.nextDeadline, true
}

// SetNextDeadline arms (or re-arms) inst's deadline to when. A zero when
// disarms it.
func (h *WriterHistory) SetNextDeadline(inst *Instance, when time.Time) {
	if when.IsZero() {
		removeDeadline(&h.deadlines, inst)
		inst.nextDeadline = time.Time{}
		return
	}
	fixDeadline(&h.deadlines, inst, when)
}

// ExpireOlderThan removes and returns all samples whose lifespan has
// elapsed as of now, oldest first (spec.md §4.3 "Lifespan"). It relies on
// the writer-wide monotonic-source_timestamp invariant (spec.md §4.1): in
// sequence order, source_timestamp (and therefore expiry) is
// non-decreasing, so this only ever needs to inspect the head of the
// main list.
func (h *WriterHistory) ExpireOlderThan(now time.Time) []*pool.CacheChange {
	if h.lifespan <= 0 {
		return nil
	}
	var expired []*pool.CacheChange
	for {
		c, ok := h.Earliest()
		if !ok {
			break
		}
		if c.SourceTimestamp.Add(h.lifespan).After(now) {
			break
		}
		h.Remove(c.SequenceNumber)
		expired = append(expired, c)
	}
	return expired
}

// NextExpiry returns the expiry time of the earliest sample, used by the
// lifespan timer to (re)schedule its next fire.
func (h *WriterHistory) NextExpiry() (time.Time, bool) {
	if h.lifespan <= 0 {
		return time.Time{}, false
	}
	c, ok := h.Earliest()
	if !ok {
		return time.Time{}, false
	}
	return c.SourceTimestamp.Add(h.lifespan), true
}

// RemoveInstance drops inst from the index. The caller must have already
// confirmed Instance.Removable().
func (h *WriterHistory) RemoveInstance(handle guid.InstanceHandle) {
	if inst, ok := h.instances[handle]; ok {
		removeDeadline(&h.deadlines, inst)
		delete(h.instances, handle)
	}
}
