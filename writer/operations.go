package writer

import (
	"context"
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/history"
	"github.com/estuary/ddspub/persistence"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/qos"
)

// persistLocked durably records c for Persistent-durability writers
// (spec.md §6 "Persisted state"). Callers hold w.mu throughout, matching
// every other history mutation.
func (w *DataWriter) persistLocked(c *pool.CacheChange, keyBytes []byte) error {
	if w.store == nil || w.qos.Durability != qos.Persistent {
		return nil
	}
	return w.store.Put(persistence.Record{
		WriterGUID:      c.WriterGUID,
		SequenceNumber:  c.SequenceNumber,
		InstanceHandle:  c.InstanceHandle,
		KeyBytes:        keyBytes,
		Kind:            c.Kind,
		SourceTimestamp: c.SourceTimestamp,
		Payload:         c.SerializedPayload,
	})
}

// stampCoherentSetLocked tags c with the owning Publisher's open
// coherent-change-set id, if any (spec.md §4.1 "the writer marks each
// sample in the coherent span with the same coherent-set id").
func (w *DataWriter) stampCoherentSetLocked(c *pool.CacheChange) {
	if w.coherentSet == nil {
		return
	}
	if id, active := w.coherentSet(); active {
		c.CoherentSetID = id
	}
}

// Write publishes one sample of the instance identified by handle (or,
// if handle is the nil handle, the instance derived from the sample's
// key fields) with the given source_timestamp (spec.md §4.1). A zero
// timestamp takes the writer's current clock reading.
func (w *DataWriter) Write(sample interface{}, timestamp time.Time, handle guid.InstanceHandle) error {
	payload, err := w.types.Serialize(sample)
	if err != nil {
		return qos.Wrap(qos.Error, "serialize: %v", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return qos.AlreadyDeleted
	}
	if !w.enabled {
		w.mu.Unlock()
		return qos.NotEnabled
	}

	if timestamp.IsZero() {
		timestamp = w.now()
	}
	if !w.lastSourceTimestamp.IsZero() && timestamp.Before(w.lastSourceTimestamp) {
		w.mu.Unlock()
		return qos.Wrap(qos.Error, "source_timestamp %s precedes previously accepted %s", timestamp, w.lastSourceTimestamp)
	}
	if len(payload) > w.payloadMax && !w.qos.Asynchronous {
		w.mu.Unlock()
		return qos.Wrap(qos.Error, "sample of %d bytes exceeds payload_max %d for a non-asynchronous writer", len(payload), w.payloadMax)
	}

	var resolvedHandle = handle
	var keyBytes []byte
	if w.keyed {
		if resolvedHandle.IsNil() {
			keyBytes, err = w.types.ComputeKey(sample)
			if err != nil {
				w.mu.Unlock()
				return qos.Wrap(qos.Error, "compute_key: %v", err)
			}
			resolvedHandle = guid.DeriveHandle(w.guid, keyBytes)
		}
	} else {
		resolvedHandle = w.singletonHandle
	}

	inst, ok := w.history.Instance(resolvedHandle, keyBytes, w.guid)
	if !ok {
		w.mu.Unlock()
		return qos.OutOfResources
	}
	if inst.State == history.New || inst.Terminal() {
		inst.State = history.Alive
	}

	c, buf, err := w.reserveChangeLocked(len(payload))
	if err != nil {
		w.mu.Unlock()
		return err
	}
	copy(buf, payload)

	w.lastSeq = guid.NextSequenceNumber(w.lastSeq)
	c.WriterGUID = w.guid
	c.SequenceNumber = w.lastSeq
	c.InstanceHandle = resolvedHandle
	c.Kind = pool.Alive
	c.SourceTimestamp = timestamp
	c.SerializedPayload = buf
	if len(payload) > w.payloadMax {
		c.FragmentSize = uint32(w.fragmentSize)
	}
	w.stampCoherentSetLocked(c)

	evictions, err := w.history.Insert(c, inst, timestamp)
	if err != nil {
		w.changes.Release(c)
		w.mu.Unlock()
		return err
	}
	if err := w.persistLocked(c, keyBytes); err != nil {
		w.mu.Unlock()
		return qos.Wrap(qos.Error, "persist: %v", err)
	}

	w.lastSourceTimestamp = timestamp
	w.reliability.TrackNewChange(c.SequenceNumber)
	w.assertLivelinessLocked()

	if w.qos.Deadline.Enabled() {
		var next = timestamp.Add(w.qos.Deadline.Period)
		w.history.SetNextDeadline(inst, next)
		w.deadlineTimer.Reset(next)
	}
	if w.qos.Lifespan.Enabled() {
		if next, ok := w.history.NextExpiry(); ok {
			w.lifespanTimer.Reset(next)
		}
	}

	var deadline time.Time
	if w.qos.MaxBlockingTime > 0 {
		deadline = w.now().Add(w.qos.MaxBlockingTime)
	}
	w.mu.Unlock()

	for _, ev := range evictions {
		w.unlinkAndRelease(ev.Change)
	}

	_, err = w.controller.Submit(context.Background(), w.guid, c, deadline)
	return err
}

// RegisterInstance registers the instance identified by keySample's key
// fields, without writing a sample, and returns its handle (spec.md
// §4.1 "register_instance"). For an unkeyed topic it returns the
// writer's single implicit instance handle.
func (w *DataWriter) RegisterInstance(keySample interface{}, timestamp time.Time) (guid.InstanceHandle, error) {
	if !w.keyed {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			return guid.Nil, qos.AlreadyDeleted
		}
		if inst, ok := w.history.Instance(w.singletonHandle, nil, w.guid); ok {
			if inst.State == history.New {
				inst.State = history.Alive
			}
		}
		return w.singletonHandle, nil
	}

	keyBytes, err := w.types.ComputeKey(keySample)
	if err != nil {
		return guid.Nil, qos.Wrap(qos.Error, "compute_key: %v", err)
	}
	var handle = guid.DeriveHandle(w.guid, keyBytes)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return guid.Nil, qos.AlreadyDeleted
	}
	inst, ok := w.history.Instance(handle, keyBytes, w.guid)
	if !ok {
		return guid.Nil, qos.OutOfResources
	}
	if inst.State == history.New {
		inst.State = history.Alive
	}
	return handle, nil
}

// UnregisterInstance publishes an unregister control sample for handle
// (spec.md §4.1, §4.2).
func (w *DataWriter) UnregisterInstance(handle guid.InstanceHandle, timestamp time.Time) error {
	return w.publishLifecycleSample(handle, false, true, timestamp)
}

// DisposeInstance publishes a dispose control sample for handle
// (spec.md §4.1, §4.2).
func (w *DataWriter) DisposeInstance(handle guid.InstanceHandle, timestamp time.Time) error {
	return w.publishLifecycleSample(handle, true, false, timestamp)
}

// publishLifecycleSample implements both UnregisterInstance and
// DisposeInstance: it transitions the instance state machine (spec.md
// §4.2) and publishes the corresponding no-payload control sample so
// matched readers observe the transition.
func (w *DataWriter) publishLifecycleSample(handle guid.InstanceHandle, dispose, unregister bool, timestamp time.Time) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return qos.AlreadyDeleted
	}
	if !w.enabled {
		w.mu.Unlock()
		return qos.NotEnabled
	}
	inst, ok := w.history.Lookup(handle)
	if !ok {
		w.mu.Unlock()
		return qos.Wrap(qos.BadParameter, "unknown instance handle")
	}
	if timestamp.IsZero() {
		timestamp = w.now()
	}
	if !w.lastSourceTimestamp.IsZero() && timestamp.Before(w.lastSourceTimestamp) {
		w.mu.Unlock()
		return qos.Wrap(qos.Error, "source_timestamp %s precedes previously accepted %s", timestamp, w.lastSourceTimestamp)
	}

	var alreadyUnregistered = inst.State == history.Unregistered || inst.State == history.DisposedUnregistered
	var alreadyDisposed = inst.State == history.Disposed || inst.State == history.DisposedUnregistered

	var kind pool.ChangeKind
	var nextState history.State
	switch {
	case (dispose || alreadyDisposed) && (unregister || alreadyUnregistered):
		kind, nextState = pool.NotAliveDisposedUnregistered, history.DisposedUnregistered
	case dispose:
		kind, nextState = pool.NotAliveDisposed, history.Disposed
	default:
		kind, nextState = pool.NotAliveUnregistered, history.Unregistered
	}

	c, _, err := w.reserveChangeLocked(0)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.lastSeq = guid.NextSequenceNumber(w.lastSeq)
	c.WriterGUID = w.guid
	c.SequenceNumber = w.lastSeq
	c.InstanceHandle = handle
	c.Kind = kind
	c.SourceTimestamp = timestamp
	w.stampCoherentSetLocked(c)

	evictions, err := w.history.Insert(c, inst, timestamp)
	if err != nil {
		w.changes.Release(c)
		w.mu.Unlock()
		return err
	}
	if err := w.persistLocked(c, inst.KeyBytes); err != nil {
		w.mu.Unlock()
		return qos.Wrap(qos.Error, "persist: %v", err)
	}
	inst.State = nextState
	w.lastSourceTimestamp = timestamp
	w.reliability.TrackNewChange(c.SequenceNumber)

	var deadline time.Time
	if w.qos.MaxBlockingTime > 0 {
		deadline = w.now().Add(w.qos.MaxBlockingTime)
	}
	w.mu.Unlock()

	for _, ev := range evictions {
		w.unlinkAndRelease(ev.Change)
	}

	_, err = w.controller.Submit(context.Background(), w.guid, c, deadline)
	return err
}

// KeyValue returns the key bytes of the instance identified by handle
// (spec.md §4.1 "key_value"). The core's TypeSupport boundary only
// defines Serialize/ComputeKey, not a reverse deserialize; callers that
// need a fully-typed reconstruction apply their own codec to the
// returned bytes.
func (w *DataWriter) KeyValue(handle guid.InstanceHandle) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inst, ok := w.history.Lookup(handle); ok {
		return append([]byte(nil), inst.KeyBytes...), nil
	}
	// A handle this writer once registered and has since removed (e.g.
	// terminal cleanup, or durability_service.cleanup_delay expiring) is
	// stale rather than wholly unrecognized: distinguish it from a
	// handle this writer never saw at all, which is more likely to have
	// been derived by a different writer (spec.md §3 "Handles are not
	// interchangeable across writers").
	if w.history.Known(handle) {
		return nil, qos.Wrap(qos.PreconditionNotMet, "instance handle was previously removed from this writer's history")
	}
	return nil, qos.Wrap(qos.BadParameter, "unknown instance handle")
}

// LookupInstance returns the handle already registered for keySample's
// key fields, or the nil handle if no such instance is currently known
// (spec.md §4.1 "lookup_instance").
func (w *DataWriter) LookupInstance(keySample interface{}) (guid.InstanceHandle, error) {
	if !w.keyed {
		return w.singletonHandle, nil
	}
	keyBytes, err := w.types.ComputeKey(keySample)
	if err != nil {
		return guid.Nil, qos.Wrap(qos.Error, "compute_key: %v", err)
	}
	var handle = guid.DeriveHandle(w.guid, keyBytes)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.history.Lookup(handle); !ok {
		return guid.Nil, nil
	}
	return handle, nil
}

// WaitForAcknowledgments blocks until every matched reliable reader has
// acknowledged every sample written before this call, or maxWait elapses
// (spec.md §4.1 "wait_for_acknowledgments").
func (w *DataWriter) WaitForAcknowledgments(maxWait time.Duration) error {
	w.mu.Lock()
	var highest = w.lastSeq
	w.mu.Unlock()
	return w.reliability.WaitForAcknowledgments(highest, maxWait, w.now)
}

// AssertLiveliness explicitly asserts this writer's liveliness, for use
// with ManualByParticipant/ManualByTopic liveliness kinds (spec.md §4.1
// "assert_liveliness").
func (w *DataWriter) AssertLiveliness() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return qos.AlreadyDeleted
	}
	w.assertLivelinessLocked()
	return nil
}
