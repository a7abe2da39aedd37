package flowcontrol

import (
	"context"
	"sync"
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/qos"
	log "github.com/sirupsen/logrus"
)

// Controller is one named FlowController instance (spec.md §4.5,
// SPEC_FULL.md C.3 "named FlowController registry"). Controllers are
// shared across every writer configured to use them; RegisterWriter /
// UnregisterWriter are called by the writer on creation/close
// (spec.md §6 "register_writer(writer) / unregister_writer(writer)").
type Controller struct {
	name              string
	mode              PublishMode
	policy            SchedulingPolicy
	maxBytesPerPeriod int
	period            time.Duration

	mu      sync.Mutex
	writers map[guid.Guid]*writerEntry
	order   []guid.Guid // registration order; also the round-robin cycle
	rrIdx   int

	// fifoNew/fifoOld are used only under the FIFO policy: a single
	// cross-writer list preserves strict global insertion order, which
	// per-writer sub-queues cannot by themselves (spec.md §4.5 "FIFO:
	// strict insertion order across all writers sharing the controller").
	fifoNew, fifoOld queueList

	// deadlines records the caller-supplied per-sample deadline passed to
	// AddNewSample/AddOldSample, looked up when the worker finally
	// delivers that sample (spec.md §4.5 "deliver_sample_nts(writer,
	// sample, deadline)").
	deadlines map[*pool.CacheChange]time.Time

	removeInterest int // "writers_interested_in_remove" (spec.md §4.5)
	inDelivery     *pool.CacheChange
	deliveryDoneCh chan struct{}

	forceWait      bool
	periodDeadline time.Time
	usedThisPeriod int

	signalCh chan struct{}
	closed   bool
}

// New constructs a Controller from cfg. The caller registers it with a
// Registry and arranges for Run to execute on an EventLoop worker slot
// (participant.EventLoop.QueueWorker), unless Mode is PureSync, for
// which no worker is ever needed.
func New(cfg Config) *Controller {
	return &Controller{
		name:              cfg.Name,
		mode:              cfg.Mode,
		policy:            cfg.Policy,
		maxBytesPerPeriod: cfg.MaxBytesPerPeriod,
		period:            cfg.Period,
		writers:           make(map[guid.Guid]*writerEntry),
		deadlines:         make(map[*pool.CacheChange]time.Time),
		deliveryDoneCh:    make(chan struct{}),
		signalCh:          make(chan struct{}, 1),
	}
}

func (c *Controller) Name() string             { return c.name }
func (c *Controller) Mode() PublishMode        { return c.mode }
func (c *Controller) Policy() SchedulingPolicy { return c.policy }

// RegisterWriter adds writerGUID as a scheduling participant. priority
// feeds HighPriority/PriorityWithReservation; reservedBytesPerPeriod is
// only meaningful under PriorityWithReservation.
func (c *Controller) RegisterWriter(writerGUID guid.Guid, d Deliverer, priority int32, reservedBytesPerPeriod int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writers[writerGUID] = &writerEntry{
		guid:                   writerGUID,
		deliverer:              d,
		priority:               priority,
		reservedBytesPerPeriod: reservedBytesPerPeriod,
	}
	c.order = append(c.order, writerGUID)
	log.WithFields(log.Fields{"controller": c.name, "writer": writerGUID.String()}).Debug("registered writer with flow controller")
}

// UnregisterWriter drops writerGUID. Any of its samples still queued are
// discarded from the controller's bookkeeping (the writer itself owns
// their release back to the pools, as part of closing).
func (c *Controller) UnregisterWriter(writerGUID guid.Guid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var queues = []*queueList{&c.fifoNew, &c.fifoOld}
	if entry, ok := c.writers[writerGUID]; ok {
		queues = append(queues, &entry.newQ, &entry.oldQ)
	}
	for _, q := range queues {
		for ch := q.head; ch != nil; {
			var next = ch.Next()
			if ch.WriterGUID == writerGUID {
				q.remove(ch)
				delete(c.deadlines, ch)
			}
			ch = next
		}
	}
	delete(c.writers, writerGUID)
	for i, g := range c.order {
		if g == writerGUID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Submit routes one freshly-written sample according to the
// controller's publish mode (spec.md §4.5 "Publish modes"). It is the
// single entry point DataWriter.Write calls after appending to history.
func (c *Controller) Submit(ctx context.Context, writerGUID guid.Guid, change *pool.CacheChange, deadline time.Time) (Result, error) {
	switch c.mode {
	case PureSync:
		return c.deliverInline(ctx, writerGUID, change, deadline)
	case Sync:
		result, err := c.deliverInline(ctx, writerGUID, change, deadline)
		if err == nil && result == Delivered {
			return result, nil
		}
		c.AddNewSample(writerGUID, change, deadline)
		return result, err
	default: // Async, LimitedAsync
		c.AddNewSample(writerGUID, change, deadline)
		return NotDelivered, nil
	}
}

func (c *Controller) deliverInline(ctx context.Context, writerGUID guid.Guid, change *pool.CacheChange, deadline time.Time) (Result, error) {
	c.mu.Lock()
	entry, ok := c.writers[writerGUID]
	c.mu.Unlock()
	if !ok {
		return NotDelivered, qos.Wrap(qos.PreconditionNotMet, "flowcontrol: writer %s not registered with controller %q", writerGUID, c.name)
	}
	entry.deliverer.Lock()
	defer entry.deliverer.Unlock()
	return entry.deliverer.DeliverSampleNTS(ctx, change, deadline)
}

// AddNewSample stores change on the "new" list for later delivery by the
// worker and wakes it (spec.md §4.5 "add_new_sample").
func (c *Controller) AddNewSample(writerGUID guid.Guid, change *pool.CacheChange, deadline time.Time) {
	c.mu.Lock()
	c.deadlines[change] = deadline
	if c.policy == FIFO {
		c.fifoNew.pushBack(change)
	} else if entry, ok := c.writers[writerGUID]; ok {
		entry.newQ.pushBack(change)
	}
	c.mu.Unlock()
	c.wake()
}

// AddOldSample re-enqueues change for retransmission (spec.md §4.5
// "add_old_sample"), used by the ReliabilityEngine on nack. It lands in
// the separate "old" list the scheduler interleaves ahead of new
// samples within each round.
func (c *Controller) AddOldSample(writerGUID guid.Guid, change *pool.CacheChange) {
	c.mu.Lock()
	if _, ok := c.deadlines[change]; !ok {
		c.deadlines[change] = time.Time{} // no deadline: retransmit carries none of its own
	}
	if c.policy == FIFO {
		c.fifoOld.pushBack(change)
	} else if entry, ok := c.writers[writerGUID]; ok {
		entry.oldQ.pushBack(change)
	}
	c.mu.Unlock()
	c.wake()
}

// RemoveChange unlinks change from whichever queue holds it (spec.md
// §4.5 "remove_change"). If the worker is mid-delivery of this exact
// change, RemoveChange blocks until that delivery completes, bounded by
// maxWait. Returns false on timeout.
func (c *Controller) RemoveChange(change *pool.CacheChange, maxWait time.Duration, now func() time.Time) bool {
	var deadline = now().Add(maxWait)

	c.mu.Lock()
	c.removeInterest++
	defer func() {
		c.mu.Lock()
		c.removeInterest--
		c.mu.Unlock()
	}()

	for {
		if change.Linked() {
			c.removeLinkedLocked(change)
			c.mu.Unlock()
			return true
		}
		if c.inDelivery != change {
			// Neither queued nor mid-delivery: already delivered/removed.
			c.mu.Unlock()
			return true
		}
		var doneCh = c.deliveryDoneCh
		c.mu.Unlock()

		var remaining = deadline.Sub(now())
		if remaining <= 0 {
			return false
		}
		select {
		case <-doneCh:
		case <-time.After(remaining):
			return false
		}
		c.mu.Lock()
	}
}

// removeLinkedLocked unlinks change from whichever of the controller's
// queues currently holds it (a change belongs to at most one, per
// spec.md §8 invariant 2). The caller holds c.mu.
func (c *Controller) removeLinkedLocked(change *pool.CacheChange) {
	for _, q := range c.allQueuesLocked() {
		if containsLocked(q, change) {
			q.remove(change)
			delete(c.deadlines, change)
			return
		}
	}
}

func containsLocked(q *queueList, c *pool.CacheChange) bool {
	for cur := q.head; cur != nil; cur = cur.Next() {
		if cur == c {
			return true
		}
	}
	return false
}

func (c *Controller) allQueuesLocked() []*queueList {
	var qs = []*queueList{&c.fifoNew, &c.fifoOld}
	for _, e := range c.writers {
		qs = append(qs, &e.newQ, &e.oldQ)
	}
	return qs
}

func (c *Controller) wake() {
	select {
	case c.signalCh <- struct{}{}:
	default:
	}
}

// Close begins shutdown: the worker loop (if any) exits once it next
// wakes with no schedulable sample.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wake()
}

// Run is the controller's worker main loop (spec.md §4.5 "Worker main
// loop"). It is a no-op for PureSync controllers, which never need a
// worker. Callers register it via participant.EventLoop.QueueWorker so
// its lifecycle is governed by the same task.Group as everything else
// (SPEC_FULL.md Design Note 9: "a bounded thread pool for
// flow-controller workers ... one per registered controller name").
func (c *Controller) Run(ctx context.Context) error {
	if c.mode == PureSync {
		return nil
	}
	for {
		entry, change, wasOld, ok := c.waitForSchedulable(ctx)
		if !ok {
			return nil // context cancelled or controller closed
		}

		c.mu.Lock()
		var deadline = c.deadlines[change]
		delete(c.deadlines, change)
		c.mu.Unlock()

		entry.deliverer.Lock()
		result, err := entry.deliverer.DeliverSampleNTS(ctx, change, deadline)
		entry.deliverer.Unlock()

		c.mu.Lock()
		c.inDelivery = nil
		close(c.deliveryDoneCh)
		c.deliveryDoneCh = make(chan struct{})

		switch {
		case err != nil, result == NotDelivered:
			c.deadlines[change] = deadline
			c.relinkFrontLocked(entry, change, wasOld)
		case result == ExceededLimit:
			c.forceWait = true
			c.deadlines[change] = deadline
			c.relinkFrontLocked(entry, change, wasOld)
		default:
			if c.maxBytesPerPeriod > 0 {
				c.usedThisPeriod += len(change.SerializedPayload)
			}
		}
		c.mu.Unlock()

		if err != nil {
			log.WithFields(log.Fields{"controller": c.name, "writer": change.WriterGUID.String(), "sequence": change.SequenceNumber}).
				WithError(err).Warn("flowcontrol: delivery attempt failed")
		}
	}
}

func (c *Controller) relinkFrontLocked(entry *writerEntry, change *pool.CacheChange, wasOld bool) {
	if c.policy == FIFO {
		if wasOld {
			c.fifoOld.pushFront(change)
		} else {
			c.fifoNew.pushFront(change)
		}
		return
	}
	if wasOld {
		entry.oldQ.pushFront(change)
	} else {
		entry.newQ.pushFront(change)
	}
}

// waitForSchedulable blocks until a sample is available to deliver (or
// the controller is closed / ctx is cancelled), enforcing the
// LimitedAsync per-period budget's force-wait. The returned bool is
// whether the sample came off an "old" (retransmit) queue, needed so a
// failed delivery attempt can be re-linked into the right queue.
func (c *Controller) waitForSchedulable(ctx context.Context) (*writerEntry, *pool.CacheChange, bool, bool) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, nil, false, false
		}
		if c.maxBytesPerPeriod > 0 && time.Now().After(c.periodDeadline) {
			c.periodDeadline = time.Now().Add(c.period)
			c.usedThisPeriod = 0
			c.forceWait = false
			for _, e := range c.writers {
				e.usedThisPeriod = 0
			}
		}
		if !c.forceWait && (c.maxBytesPerPeriod == 0 || c.usedThisPeriod < c.maxBytesPerPeriod) {
			if entry, change, wasOld, ok := c.pickLocked(); ok {
				c.inDelivery = change
				c.mu.Unlock()
				return entry, change, wasOld, true
			}
		}
		c.mu.Unlock()

		var waitFor = 50 * time.Millisecond
		if c.forceWait && !c.periodDeadline.IsZero() {
			if remaining := time.Until(c.periodDeadline); remaining > 0 {
				waitFor = remaining
			}
		}
		select {
		case <-ctx.Done():
			return nil, nil, false, false
		case <-c.signalCh:
		case <-time.After(waitFor):
		}
	}
}

// pickLocked selects the next schedulable (entry, change) pair per the
// controller's policy, preferring "old" (retransmit) samples over "new"
// ones within a round (spec.md §4.5 "Enqueue contract"). The caller
// holds c.mu.
func (c *Controller) pickLocked() (*writerEntry, *pool.CacheChange, bool, bool) {
	if c.policy == FIFO {
		if change := c.fifoOld.popFront(); change != nil {
			return c.writers[change.WriterGUID], change, true, true
		}
		if change := c.fifoNew.popFront(); change != nil {
			return c.writers[change.WriterGUID], change, false, true
		}
		return nil, nil, false, false
	}

	if entry, change := c.pickAcrossWritersLocked(true); change != nil {
		return entry, change, true, true
	}
	if entry, change := c.pickAcrossWritersLocked(false); change != nil {
		return entry, change, false, true
	}
	return nil, nil, false, false
}

func (c *Controller) pickAcrossWritersLocked(old bool) (*writerEntry, *pool.CacheChange) {
	switch c.policy {
	case RoundRobin:
		return c.pickRoundRobinLocked(old)
	case HighPriority, PriorityWithReservation:
		return c.pickByPriorityLocked(old)
	default:
		return nil, nil
	}
}

func (c *Controller) pickRoundRobinLocked(old bool) (*writerEntry, *pool.CacheChange) {
	var n = len(c.order)
	if n == 0 {
		return nil, nil
	}
	for i := 0; i < n; i++ {
		var idx = (c.rrIdx + i) % n
		var entry = c.writers[c.order[idx]]
		var q = &entry.newQ
		if old {
			q = &entry.oldQ
		}
		if change := q.popFront(); change != nil {
			c.rrIdx = (idx + 1) % n
			return entry, change
		}
	}
	return nil, nil
}

// pickByPriorityLocked implements HighPriority directly, and
// PriorityWithReservation as HighPriority among writers that have
// exhausted their reserved per-period share, preferring any writer
// still within its reservation first (spec.md §4.5
// "PriorityWithReservation: each writer has a reserved share ... at its
// priority; leftover bandwidth is distributed by priority"). Ties break
// by registration order, which approximates cross-writer FIFO since the
// controller does not stamp a separate global sequence number on
// samples scheduled under these two policies.
func (c *Controller) pickByPriorityLocked(old bool) (*writerEntry, *pool.CacheChange) {
	var best *writerEntry
	var bestHasReservation bool
	for _, g := range c.order {
		var entry = c.writers[g]
		var q = &entry.newQ
		if old {
			q = &entry.oldQ
		}
		if q.empty() {
			continue
		}
		var withinReservation = c.policy == PriorityWithReservation &&
			entry.reservedBytesPerPeriod > 0 &&
			entry.usedThisPeriod < entry.reservedBytesPerPeriod

		switch {
		case best == nil:
			best, bestHasReservation = entry, withinReservation
		case withinReservation && !bestHasReservation:
			best, bestHasReservation = entry, true
		case withinReservation == bestHasReservation && entry.priority > best.priority:
			best = entry
		}
	}
	if best == nil {
		return nil, nil
	}
	var q = &best.newQ
	if old {
		q = &best.oldQ
	}
	var change = q.popFront()
	if change != nil && c.policy == PriorityWithReservation {
		best.usedThisPeriod += len(change.SerializedPayload)
	}
	return best, change
}
