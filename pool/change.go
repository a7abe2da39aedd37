package pool

import (
	"sync"
	"time"

	"github.com/estuary/ddspub/guid"
)

// ChangeKind is the sample kind (spec.md §3).
type ChangeKind int

const (
	Alive ChangeKind = iota
	NotAliveDisposed
	NotAliveUnregistered
	NotAliveDisposedUnregistered
)

func (k ChangeKind) String() string {
	switch k {
	case NotAliveDisposed:
		return "not_alive_disposed"
	case NotAliveUnregistered:
		return "not_alive_unregistered"
	case NotAliveDisposedUnregistered:
		return "not_alive_disposed_unregistered"
	default:
		return "alive"
	}
}

// writerInfo holds the scheduling-intrusive fields of a CacheChange
// (spec.md §3 "writer_info"): the FlowController queue links and the
// count of times this sample has been handed to the transport. previous
// and next are nil at the ends of a queue (both nil for a queue's only
// member), so membership itself is recorded in linked, which SetLinks
// sets and Unlink clears (spec.md §8 invariant 2); all three transition
// atomically under the owning writer's mutex, never under writerInfo's
// own lock, by design (§5 "Deadlock discipline").
type writerInfo struct {
	previous, next   *CacheChange
	linked           bool
	submessagesSent  int
}

// CacheChange is one published sample (spec.md §3 "Sample (CacheChange)").
// A CacheChange is always owned by exactly one of: the ChangePool's free
// list, a WriterHistory, or (transiently, while being constructed) the
// DataWriter preparing it. Its PayloadOwner outlives its inclusion in any
// history or queue (spec.md §3 invariant).
type CacheChange struct {
	WriterGUID      guid.Guid
	SequenceNumber  guid.SequenceNumber
	InstanceHandle  guid.InstanceHandle
	Kind            ChangeKind
	SourceTimestamp time.Time
	VendorID        uint16
	FragmentSize    uint32 // 0 if unfragmented

	// CoherentSetID tags the sample with the id of the coherent
	// change-set open on its Publisher at write time (spec.md §4.1 "the
	// writer marks each sample in the coherent span with the same
	// coherent-set id"); zero means the sample was written outside any
	// open coherent-change set.
	CoherentSetID uint64

	// SerializedPayload is the typed sample bytes, absent (nil) for pure
	// dispose/unregister samples unless the type requires key
	// serialization for compute_key on the reader side.
	SerializedPayload []byte
	payloadReserved   int // bytes reserved from PayloadOwner for SerializedPayload

	// PayloadOwner is the pool that allocated SerializedPayload's backing
	// buffer; Release returns it there. Weak/borrow relation (spec.md §9
	// "Cyclic ownership"): the pool outlives every sample by construction.
	PayloadOwner *PayloadPool

	info writerInfo

	// ackedByAll is derived by the ReliabilityEngine (spec.md §4.3) and
	// read by WriterHistory to decide removal eligibility.
	ackedByAll bool
}

// Linked reports whether the change currently sits in some
// FlowController queue (spec.md §8 invariant 2).
func (c *CacheChange) Linked() bool { return c.info.linked }

// Previous and Next expose the intrusive links for FlowController's use.
// Callers must hold the owning writer's mutex.
func (c *CacheChange) Previous() *CacheChange { return c.info.previous }
func (c *CacheChange) Next() *CacheChange     { return c.info.next }

// SetLinks is used exclusively by flowcontrol to splice/unsplice a
// change into its queues. Callers must hold the owning writer's mutex.
func (c *CacheChange) SetLinks(previous, next *CacheChange) {
	c.info.previous, c.info.next = previous, next
	c.info.linked = true
}

// Unlink clears both links and marks the change as no longer queued,
// atomically (as observed under the writer mutex).
func (c *CacheChange) Unlink() { c.info.previous, c.info.next, c.info.linked = nil, nil, false }

func (c *CacheChange) IncSubmessagesSent() { c.info.submessagesSent++ }
func (c *CacheChange) SubmessagesSent() int { return c.info.submessagesSent }

func (c *CacheChange) AckedByAll() bool     { return c.ackedByAll }
func (c *CacheChange) SetAckedByAll(v bool) { c.ackedByAll = v }

func (c *CacheChange) reset() {
	*c = CacheChange{PayloadOwner: c.PayloadOwner}
}

// ChangePool is the pre-allocated reservoir of CacheChange entries
// (spec.md §2). It is bounded by the owning WriterHistory's resource
// limits: Reserve fails (returns false) once the configured ceiling of
// outstanding, unreleased changes is hit, which the writer maps to
// OutOfResources or blocks on per spec.md §4.1.
type ChangePool struct {
	mu       sync.Mutex
	max      int // 0 == unbounded
	out      int
	freeList []*CacheChange
	payloads *PayloadPool

	// notifyCh is closed and replaced on every Release, so a writer
	// blocked in Reserve (bounded by max_blocking_time) can wait on it
	// instead of busy-polling, the same broadcast-channel pattern
	// reliability.Engine uses for WaitForAcknowledgments.
	notifyCh chan struct{}
}

// NewChangePool constructs a pool bounded by max outstanding changes
// (0 disables the bound) and backed by payloads for serialized bytes.
func NewChangePool(max int, payloads *PayloadPool) *ChangePool {
	return &ChangePool{max: max, payloads: payloads, notifyCh: make(chan struct{})}
}

// Wait returns a channel closed the next time any change is released.
func (p *ChangePool) Wait() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifyCh
}

// Reserve returns a fresh or recycled CacheChange, or false if the pool's
// outstanding-change budget is exhausted.
func (p *ChangePool) Reserve() (*CacheChange, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.max > 0 && p.out >= p.max {
		return nil, false
	}
	p.out++

	if n := len(p.freeList); n > 0 {
		var c = p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		c.reset()
		return c, true
	}
	return &CacheChange{PayloadOwner: p.payloads}, true
}

// Release returns c to the pool for reuse. It is a programming error
// (spec.md §7) to release a change still linked into any FlowController
// queue, or to release the same change twice; both panic rather than
// silently corrupting pool accounting (spec.md §8 invariant 6).
func (p *ChangePool) Release(c *CacheChange) {
	if c.Linked() {
		panic("pool: release of a change still linked in a flow-controller queue")
	}
	if c.SerializedPayload != nil && c.PayloadOwner != nil {
		c.PayloadOwner.Release(c.SerializedPayload, c.payloadReserved)
		c.SerializedPayload = nil
		c.payloadReserved = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, free := range p.freeList {
		if free == c {
			panic("pool: release of a change already in the free list (double-release)")
		}
	}
	if p.out == 0 {
		panic("pool: release exceeds outstanding reservation (double-release)")
	}
	p.out--
	p.freeList = append(p.freeList, c)
	close(p.notifyCh)
	p.notifyCh = make(chan struct{})
}

// ReservePayload reserves size bytes from the pool's PayloadPool and
// records the reservation on c so Release can return it later.
func (p *ChangePool) ReservePayload(c *CacheChange, size int) ([]byte, bool) {
	buf, ok := p.payloads.Reserve(size)
	if !ok {
		return nil, false
	}
	c.payloadReserved = size
	return buf, true
}

// Outstanding reports the number of changes currently reserved (not yet
// released), for diagnostics and tests.
func (p *ChangePool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}
