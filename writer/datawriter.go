// Package writer implements DataWriter (spec.md §4.1, §4.2): the
// publication-side handle applications use to write samples, manage
// instance lifecycle, and observe delivery status. It is the core's
// largest component, wiring WriterHistory, the ReliabilityEngine and a
// named FlowController together under one writer mutex (spec.md §5).
package writer

import (
	"sync"
	"time"

	"github.com/estuary/ddspub/flowcontrol"
	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/history"
	"github.com/estuary/ddspub/internal/clock"
	"github.com/estuary/ddspub/participant"
	"github.com/estuary/ddspub/persistence"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/qos"
	"github.com/estuary/ddspub/reliability"
	"github.com/estuary/ddspub/timers"
)

// defaultPayloadMax is the largest sample a writer sends in one
// transport message before fragmentation is considered, chosen to fit a
// typical UDP datagram under IP fragmentation (matching the eProsima
// Fast-DDS default of 65500 less RTPS submessage overhead, rounded down).
const defaultPayloadMax = 65000

// defaultFragmentSize is the chunk size used once a sample exceeds
// payloadMax and the writer is asynchronous, matching Fast-DDS's default
// DATA_FRAG payload size.
const defaultFragmentSize = 1344

// Config bundles everything New needs to construct a DataWriter. Fields
// left zero take a sensible default; Changes, Controller, Transport and
// Types are required collaborators supplied by the Publisher/Participant
// that owns this writer (spec.md §6). EventLoop may be nil, in which
// case timer callbacks run inline on the timer's own goroutine.
type Config struct {
	WriterGUID guid.Guid
	TopicName  string
	Keyed      bool
	QoS        qos.WriterQoS

	Changes    *pool.ChangePool
	Controller *flowcontrol.Controller
	// ReservedBytesPerPeriod is only meaningful when Controller's policy
	// is PriorityWithReservation (spec.md §4.5).
	ReservedBytesPerPeriod int

	EventLoop *participant.EventLoop
	Transport participant.Transport
	Types     participant.TypeSupport
	Readers   participant.MatchedReaderSource

	// CoherentSet, if set, is polled by Write and the lifecycle-sample
	// operations to tag each published CacheChange with the owning
	// Publisher's currently open coherent-change-set id (spec.md §4.1).
	// Supplied by Publisher.CreateDataWriter; nil for a writer created
	// outside any Publisher, in which case samples are never tagged.
	CoherentSet func() (id uint64, active bool)

	Now clock.Source

	// Store, if non-nil, backs persistent durability (spec.md §6
	// "Persisted state"): every Persistent-durability sample is written
	// through it, and New replays prior state from it before the writer
	// is usable.
	Store persistence.Store

	Listener     Listener
	ListenerMask StatusKind
	Parent       ParentListener

	PayloadMax   int
	FragmentSize int
}

// DataWriter is the per-topic publication handle (spec.md §2 "DataWriter").
// Every exported method that is not itself a constructor or Close takes
// the writer mutex (`mu`) for its own duration; private helpers suffixed
// `Locked` assume the caller already holds it. Go has no reentrant mutex,
// so unlike the eProsima Fast-DDS C++ original's recursive writer mutex,
// re-entrant call chains here are expressed by factoring shared logic
// into `xxxLocked` methods rather than by locking twice.
type DataWriter struct {
	guid            guid.Guid
	topic           string
	keyed           bool
	singletonHandle guid.InstanceHandle

	types     participant.TypeSupport
	transport participant.Transport
	eventLoop *participant.EventLoop
	readers   participant.MatchedReaderSource

	cancelSubscribe func()

	changes    *pool.ChangePool
	controller *flowcontrol.Controller
	store      persistence.Store

	coherentSet func() (uint64, bool)

	now clock.Source

	payloadMax   int
	fragmentSize int

	mu      sync.Mutex
	qos     qos.WriterQoS
	enabled bool
	closed  bool

	lastSeq              guid.SequenceNumber
	lastSourceTimestamp  time.Time
	lastLivelinessAssert time.Time

	history     *history.WriterHistory
	reliability *reliability.Engine

	deadlineTimer   *timers.Timer
	lifespanTimer   *timers.Timer
	livelinessTimer *timers.Timer

	// pendingCleanup holds, for terminal instances awaiting
	// DurabilityServiceCleanupDelay, the handle's scheduled removal time
	// (spec.md §4.2); cleanupTimer fires at the earliest of these, the
	// same single-timer-over-a-set pattern history's deadline heap uses.
	pendingCleanup map[guid.InstanceHandle]time.Time
	cleanupTimer   *timers.Timer

	status *statusTracker
}

// New constructs, enables and registers a DataWriter. The writer is
// immediately live: matched readers may be notified, timers are armed,
// and it is registered with its FlowController before New returns.
func New(cfg Config) (*DataWriter, error) {
	if err := cfg.QoS.Validate(); err != nil {
		return nil, err
	}
	if cfg.PayloadMax <= 0 {
		cfg.PayloadMax = defaultPayloadMax
	}
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = defaultFragmentSize
	}
	if cfg.Now == nil {
		cfg.Now = clock.Real()
	}

	var w = &DataWriter{
		guid:         cfg.WriterGUID,
		topic:        cfg.TopicName,
		keyed:        cfg.Keyed,
		types:        cfg.Types,
		transport:    cfg.Transport,
		eventLoop:    cfg.EventLoop,
		readers:      cfg.Readers,
		changes:      cfg.Changes,
		controller:   cfg.Controller,
		store:        cfg.Store,
		coherentSet:  cfg.CoherentSet,
		now:          cfg.Now,
		payloadMax:   cfg.PayloadMax,
		fragmentSize: cfg.FragmentSize,
		qos:          cfg.QoS,
		enabled:      true,
		status: &statusTracker{
			listener: cfg.Listener,
			mask:     cfg.ListenerMask,
			parent:   cfg.Parent,
		},
	}
	if !w.keyed {
		w.singletonHandle = guid.DeriveHandle(w.guid, []byte(cfg.TopicName))
	}

	w.history = history.New(cfg.WriterGUID, cfg.QoS.History, cfg.QoS.ResourceLimits,
		cfg.QoS.Lifespan.Duration, func(c *pool.CacheChange) bool { return !c.AckedByAll() })
	w.history.SetOwnershipStrength(cfg.QoS.Ownership.Strength)
	w.reliability = reliability.NewEngine(cfg.WriterGUID, w.onAckedByAllLocked)

	if w.store != nil && cfg.QoS.Durability == qos.Persistent {
		result, err := persistence.Replay(w.store, w.guid, w.history, w.changes)
		if err != nil {
			return nil, qos.Wrap(qos.Error, "replay persisted state: %v", err)
		}
		w.lastSeq = result.HighestSequence
		w.lastSourceTimestamp = result.HighestTimestamp
	}

	w.deadlineTimer = timers.New(w.now, w.post, w.fireDeadline)
	w.lifespanTimer = timers.New(w.now, w.post, w.fireLifespan)
	w.livelinessTimer = timers.New(w.now, w.post, w.fireLiveliness)
	w.cleanupTimer = timers.New(w.now, w.post, w.fireCleanup)

	if w.readers != nil {
		w.cancelSubscribe = w.readers.Subscribe(w.guid, w.handleReaderMatched, w.handleReaderUnmatched)
	}

	w.controller.RegisterWriter(w.guid, w, cfg.QoS.TransportPriority, cfg.ReservedBytesPerPeriod)

	if w.qos.Liveliness.Kind == qos.Automatic && w.qos.Liveliness.AnnouncementPeriod > 0 {
		w.mu.Lock()
		w.lastLivelinessAssert = w.now()
		w.mu.Unlock()
		w.livelinessTimer.Reset(w.now().Add(w.qos.Liveliness.AnnouncementPeriod))
	}

	return w, nil
}

// Guid returns the writer's identity.
func (w *DataWriter) Guid() guid.Guid { return w.guid }

// Topic returns the writer's topic name.
func (w *DataWriter) Topic() string { return w.topic }

// post forwards to the configured EventLoop, or runs fn inline if none
// was supplied (tests construct writers without a live EventLoop).
func (w *DataWriter) post(fn func()) bool {
	if w.eventLoop == nil {
		fn()
		return true
	}
	return w.eventLoop.Post(fn)
}

// Close disables the writer, drains its timers, unregisters it from
// discovery and its FlowController, and releases every sample still held
// in history back to the pools (spec.md §5 "Closing a writer drains
// pending timer callbacks").
func (w *DataWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return qos.AlreadyDeleted
	}
	w.closed = true
	w.enabled = false

	var pending []*pool.CacheChange
	for {
		c, ok := w.history.RemoveMin()
		if !ok {
			break
		}
		pending = append(pending, c)
	}
	w.mu.Unlock()

	w.deadlineTimer.Close()
	w.lifespanTimer.Close()
	w.livelinessTimer.Close()
	w.cleanupTimer.Close()

	if w.cancelSubscribe != nil {
		w.cancelSubscribe()
	}
	w.controller.UnregisterWriter(w.guid)

	for _, c := range pending {
		w.unlinkAndRelease(c)
	}
	return nil
}

// unlinkAndRelease removes c from the FlowController's queues (blocking
// if a worker is mid-delivery of it) and returns it to the ChangePool.
// Callers must NOT hold w.mu: RemoveChange's bounded wait can only be
// satisfied by a concurrent Run() worker that itself needs to acquire
// w.mu (via Deliverer.Lock) to finish that delivery.
func (w *DataWriter) unlinkAndRelease(c *pool.CacheChange) {
	w.controller.RemoveChange(c, w.qos.MaxBlockingTime, w.now)
	if w.store != nil && w.qos.Durability == qos.Persistent {
		w.store.Delete(c.WriterGUID, c.SequenceNumber)
	}
	w.changes.Release(c)
}

// reserveChangeLocked reserves a CacheChange and a payloadLen-sized
// buffer, blocking (bounded by max_blocking_time) while either pool is
// exhausted. It temporarily releases w.mu while waiting, since release
// of pool capacity is driven by other writers/goroutines and would
// otherwise never observably happen. The caller must hold w.mu on entry
// and is guaranteed to hold it again on return, including on error.
func (w *DataWriter) reserveChangeLocked(payloadLen int) (*pool.CacheChange, []byte, error) {
	var deadline time.Time
	if w.qos.MaxBlockingTime > 0 {
		deadline = w.now().Add(w.qos.MaxBlockingTime)
	}
	for {
		if c, ok := w.changes.Reserve(); ok {
			if buf, ok := w.changes.ReservePayload(c, payloadLen); ok {
				return c, buf, nil
			}
			w.changes.Release(c)
		}
		if deadline.IsZero() {
			return nil, nil, qos.OutOfResources
		}
		var remaining = deadline.Sub(w.now())
		if remaining <= 0 {
			return nil, nil, qos.Timeout
		}
		var changesWait, payloadWait = w.changes.Wait(), w.changes.Wait()
		w.mu.Unlock()
		select {
		case <-changesWait:
		case <-payloadWait:
		case <-time.After(remaining):
		}
		w.mu.Lock()
		if w.closed {
			return nil, nil, qos.AlreadyDeleted
		}
	}
}

// onAckedByAllLocked is the ReliabilityEngine's OnAckedByAll callback. It
// always runs with w.mu already held, because every path that can
// complete a sample (Ack, UnmatchReader, TrackNewChange) is itself only
// ever invoked from a DataWriter method holding w.mu (spec.md §5).
func (w *DataWriter) onAckedByAllLocked(seq guid.SequenceNumber) {
	c, ok := w.history.BySeq(seq)
	if !ok {
		return
	}
	c.SetAckedByAll(true)
	if w.qos.Durability != qos.Volatile {
		return
	}
	w.history.Remove(seq)
	w.maybeRemoveInstanceLocked(c.InstanceHandle)
	go w.unlinkAndRelease(c)
}

// maybeRemoveInstanceLocked drops handle from the instance index once it
// is terminal and carries no live samples (spec.md §4.2). For
// Transient/Persistent durability with a nonzero
// DurabilityServiceCleanupDelay, removal is deferred instead of
// immediate, mirroring the deadline/lifespan timers' reset-and-rearm
// pattern.
func (w *DataWriter) maybeRemoveInstanceLocked(handle guid.InstanceHandle) {
	inst, ok := w.history.Lookup(handle)
	if !ok || !inst.Removable() {
		return
	}
	if delay := w.qos.DurabilityServiceCleanupDelay; delay > 0 &&
		(w.qos.Durability == qos.Transient || w.qos.Durability == qos.Persistent) {
		w.scheduleCleanupLocked(handle, w.now().Add(delay))
		return
	}
	w.history.RemoveInstance(handle)
}

// scheduleCleanupLocked arms (or tightens) handle's deferred removal,
// re-using the earliest-due entry already pending if it is sooner.
func (w *DataWriter) scheduleCleanupLocked(handle guid.InstanceHandle, due time.Time) {
	if w.pendingCleanup == nil {
		w.pendingCleanup = make(map[guid.InstanceHandle]time.Time)
	}
	if existing, ok := w.pendingCleanup[handle]; ok && !due.After(existing) {
		return
	}
	w.pendingCleanup[handle] = due
	w.rearmCleanupTimerLocked()
}

// rearmCleanupTimerLocked resets cleanupTimer to the earliest pending
// cleanup due time, or disarms it if none remain.
func (w *DataWriter) rearmCleanupTimerLocked() {
	var earliest time.Time
	for _, due := range w.pendingCleanup {
		if earliest.IsZero() || due.Before(earliest) {
			earliest = due
		}
	}
	w.cleanupTimer.Reset(earliest)
}

// assertLivelinessLocked records an explicit liveliness assertion,
// whether driven by a successful write or by AssertLiveliness.
func (w *DataWriter) assertLivelinessLocked() {
	w.lastLivelinessAssert = w.now()
}
