package writer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/estuary/ddspub/flowcontrol"
	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/participant"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/qos"
	"github.com/stretchr/testify/require"
)

type kv struct {
	key, value string
}

type fakeTypes struct{}

func (fakeTypes) Serialize(sample interface{}) ([]byte, error) {
	switch s := sample.(type) {
	case string:
		return []byte(s), nil
	case kv:
		return []byte(s.value), nil
	default:
		panic("unsupported sample type in test")
	}
}

func (fakeTypes) ComputeKey(sample interface{}) ([]byte, error) {
	return []byte(sample.(kv).key), nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (t *fakeTransport) Send(_ context.Context, buffers [][]byte, _ int, _ guid.Guid, _ []string, _ time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var buf []byte
	for _, b := range buffers {
		buf = append(buf, b...)
	}
	t.sent = append(t.sent, buf)
	return true, nil
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

var testWriterGUID = guid.Guid{1, 2, 3}
var testReaderGUID = guid.Guid{9, 9, 9}

func newTestWriter(t *testing.T, q qos.WriterQoS, keyed bool, transport *fakeTransport) *DataWriter {
	t.Helper()
	var controller = flowcontrol.New(flowcontrol.Config{Name: "default", Mode: flowcontrol.PureSync, Policy: flowcontrol.FIFO})
	var changes = pool.NewChangePool(0, pool.NewPayloadPool(0))

	w, err := New(Config{
		WriterGUID: testWriterGUID,
		TopicName:  "test-topic",
		Keyed:      keyed,
		QoS:        q,
		Changes:    changes,
		Controller: controller,
		Transport:  transport,
		Types:      fakeTypes{},
	})
	require.NoError(t, err)
	return w
}

func TestWriteDeliversToMatchedReaderInline(t *testing.T) {
	var transport = &fakeTransport{}
	var q = qos.DefaultWriterQoS()
	var w = newTestWriter(t, q, false, transport)

	w.handleReaderMatched(participant.MatchedReaderInfo{
		ReaderGUID: testReaderGUID, Locators: []string{"udp://127.0.0.1:7400"},
		Reliability: qos.BestEffort, Durability: qos.Volatile, Compatible: true,
	})

	require.NoError(t, w.Write("hello", time.Time{}, guid.Nil))
	require.Equal(t, 1, transport.count())
	require.Equal(t, []byte("hello"), transport.sent[0])
}

func TestSourceTimestampRegressionRejected(t *testing.T) {
	var transport = &fakeTransport{}
	var w = newTestWriter(t, qos.DefaultWriterQoS(), false, transport)

	var t1 = time.Now()
	var t0 = t1.Add(-time.Second)

	require.NoError(t, w.Write("first", t1, guid.Nil))
	var err = w.Write("second", t0, guid.Nil)
	require.ErrorIs(t, err, qos.Error)
}

func TestOversizedSyncSampleRejected(t *testing.T) {
	var transport = &fakeTransport{}
	var q = qos.DefaultWriterQoS()
	q.Asynchronous = false

	var controller = flowcontrol.New(flowcontrol.Config{Name: "default", Mode: flowcontrol.PureSync, Policy: flowcontrol.FIFO})
	w, err := New(Config{
		WriterGUID: testWriterGUID,
		TopicName:  "test-topic",
		Keyed:      false,
		QoS:        q,
		Changes:    pool.NewChangePool(0, pool.NewPayloadPool(0)),
		Controller: controller,
		Transport:  transport,
		Types:      fakeTypes{},
		PayloadMax: 4,
	})
	require.NoError(t, err)

	err = w.Write("hello", time.Time{}, guid.Nil)
	require.ErrorIs(t, err, qos.Error)
}

func TestRegisterDisposeUnregisterLifecycle(t *testing.T) {
	var transport = &fakeTransport{}
	var w = newTestWriter(t, qos.DefaultWriterQoS(), true, transport)

	// A matched, never-acking reliable reader keeps every sample pending
	// rather than instantly acked-by-all, so the instance survives between
	// the dispose and unregister calls below.
	w.handleReaderMatched(participant.MatchedReaderInfo{
		ReaderGUID: testReaderGUID, Locators: []string{"udp://127.0.0.1:7400"},
		Reliability: qos.Reliable, Durability: qos.Volatile, Compatible: true,
	})

	handle, err := w.RegisterInstance(kv{key: "a"}, time.Time{})
	require.NoError(t, err)
	require.False(t, handle.IsNil())

	require.NoError(t, w.Write(kv{key: "a", value: "v1"}, time.Time{}, guid.Nil))
	require.NoError(t, w.DisposeInstance(handle, time.Time{}))
	require.NoError(t, w.UnregisterInstance(handle, time.Time{}))

	// write + dispose + unregister each produce one transport send.
	require.Equal(t, 3, transport.count())

	// A handle unknown to the writer is rejected.
	err = w.DisposeInstance(guid.InstanceHandle{7, 7}, time.Time{})
	require.ErrorIs(t, err, qos.BadParameter)
}

func TestKeyValueDistinguishesUnknownFromStaleHandle(t *testing.T) {
	var transport = &fakeTransport{}
	var w = newTestWriter(t, qos.DefaultWriterQoS(), true, transport)

	handle, err := w.RegisterInstance(kv{key: "a"}, time.Time{})
	require.NoError(t, err)

	key, err := w.KeyValue(handle)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), key)

	// Never registered with this writer at all: unknown, not stale.
	_, err = w.KeyValue(guid.InstanceHandle{7, 7, 7})
	require.ErrorIs(t, err, qos.BadParameter)

	// Disposing with no matched reader completes and removes the instance
	// inline (default Volatile durability, nothing to wait acknowledgment
	// on): the handle is now stale rather than unknown.
	require.NoError(t, w.DisposeInstance(handle, time.Time{}))
	_, err = w.KeyValue(handle)
	require.ErrorIs(t, err, qos.PreconditionNotMet)
}

func TestWriteStampsOpenCoherentSetID(t *testing.T) {
	var transport = &fakeTransport{}
	var controller = flowcontrol.New(flowcontrol.Config{Name: "default", Mode: flowcontrol.PureSync, Policy: flowcontrol.FIFO})
	var active = true
	var setID uint64 = 7

	w, err := New(Config{
		WriterGUID:  testWriterGUID,
		TopicName:   "test-topic",
		QoS:         qos.DefaultWriterQoS(),
		Changes:     pool.NewChangePool(0, pool.NewPayloadPool(0)),
		Controller:  controller,
		Transport:   transport,
		Types:       fakeTypes{},
		CoherentSet: func() (uint64, bool) { return setID, active },
	})
	require.NoError(t, err)

	// A matched, never-acking reliable reader keeps every written sample
	// in history so it can be inspected afterward.
	w.handleReaderMatched(participant.MatchedReaderInfo{
		ReaderGUID: testReaderGUID, Locators: []string{"udp://127.0.0.1:7400"},
		Reliability: qos.Reliable, Durability: qos.Volatile, Compatible: true,
	})

	require.NoError(t, w.Write("hello", time.Time{}, guid.Nil))
	c, ok := w.history.BySeq(1)
	require.True(t, ok)
	require.Equal(t, setID, c.CoherentSetID)

	active = false
	require.NoError(t, w.Write("world", time.Time{}, guid.Nil))
	c2, ok := w.history.BySeq(2)
	require.True(t, ok)
	require.Zero(t, c2.CoherentSetID)
}

func TestDurabilityServiceCleanupDelayDefersInstanceRemoval(t *testing.T) {
	var transport = &fakeTransport{}
	var q = qos.DefaultWriterQoS()
	q.Durability = qos.Transient
	q.DurabilityServiceCleanupDelay = 40 * time.Millisecond
	var w = newTestWriter(t, q, true, transport)

	handle, err := w.RegisterInstance(kv{key: "a"}, time.Time{})
	require.NoError(t, err)
	require.NoError(t, w.Write(kv{key: "a", value: "v1"}, time.Time{}, guid.Nil))
	require.NoError(t, w.DisposeInstance(handle, time.Time{}))
	require.NoError(t, w.UnregisterInstance(handle, time.Time{}))

	// Transient durability never acks samples away on its own (only
	// Volatile's onAckedByAllLocked path removes them), so drain history
	// directly to bring the instance to Removable without relying on a
	// reader's acknowledgment.
	w.mu.Lock()
	for {
		if _, ok := w.history.RemoveMin(); !ok {
			break
		}
	}
	w.maybeRemoveInstanceLocked(handle)
	w.mu.Unlock()

	// Still present immediately: the cleanup delay has not elapsed yet.
	_, err = w.KeyValue(handle)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = w.KeyValue(handle)
	require.ErrorIs(t, err, qos.PreconditionNotMet)
}

func TestWriteBlocksThenTimesOutWhenChangePoolAtCapacity(t *testing.T) {
	var transport = &fakeTransport{}
	var q = qos.DefaultWriterQoS()
	q.Reliability = qos.Reliable
	q.History = qos.History{Kind: qos.KeepAll}
	q.ResourceLimits = qos.ResourceLimits{MaxSamples: 1}
	q.MaxBlockingTime = 50 * time.Millisecond

	var controller = flowcontrol.New(flowcontrol.Config{Name: "default", Mode: flowcontrol.PureSync, Policy: flowcontrol.FIFO})
	w, err := New(Config{
		WriterGUID: testWriterGUID,
		TopicName:  "test-topic",
		QoS:        q,
		Changes:    pool.NewChangePool(1, pool.NewPayloadPool(0)),
		Controller: controller,
		Transport:  transport,
		Types:      fakeTypes{},
	})
	require.NoError(t, err)

	// Matched reliable reader that never acks, so the first sample's
	// CacheChange is never released back to the pool.
	w.handleReaderMatched(participant.MatchedReaderInfo{
		ReaderGUID: testReaderGUID, Locators: []string{"udp://127.0.0.1:7400"},
		Reliability: qos.Reliable, Durability: qos.Volatile, Compatible: true,
	})

	require.NoError(t, w.Write("first", time.Time{}, guid.Nil))

	var started = time.Now()
	var err2 = w.Write("second", time.Time{}, guid.Nil)
	require.ErrorIs(t, err2, qos.Timeout)

	var elapsed = time.Since(started)
	require.GreaterOrEqual(t, elapsed, q.MaxBlockingTime)
	require.Less(t, elapsed, q.MaxBlockingTime+500*time.Millisecond)
}

func TestWaitForAcknowledgmentsUnblocksOnAck(t *testing.T) {
	var transport = &fakeTransport{}
	var q = qos.DefaultWriterQoS()
	q.Reliability = qos.Reliable
	var w = newTestWriter(t, q, false, transport)

	w.handleReaderMatched(participant.MatchedReaderInfo{
		ReaderGUID: testReaderGUID, Locators: []string{"udp://127.0.0.1:7400"},
		Reliability: qos.Reliable, Durability: qos.Volatile, Compatible: true,
	})
	require.NoError(t, w.Write("hello", time.Time{}, guid.Nil))

	require.ErrorIs(t, w.WaitForAcknowledgments(20*time.Millisecond), qos.Timeout)

	var done = make(chan error, 1)
	go func() { done <- w.WaitForAcknowledgments(time.Second) }()

	time.Sleep(10 * time.Millisecond)
	w.OnReaderAck(testReaderGUID, 1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait_for_acknowledgments did not unblock after ack")
	}
}

func TestIncompatibleQosReaderFiresListener(t *testing.T) {
	var transport = &fakeTransport{}
	var fired int
	var w = newTestWriter(t, qos.DefaultWriterQoS(), false, transport)
	w.status.listener = &recordingListener{incompatible: &fired}
	w.status.mask = AllStatuses

	w.handleReaderMatched(participant.MatchedReaderInfo{
		ReaderGUID: testReaderGUID, Reliability: qos.Reliable, Compatible: false,
	})
	require.Equal(t, 1, fired)
}

type recordingListener struct {
	incompatible *int
}

func (l *recordingListener) OnOfferedDeadlineMissed(*DataWriter, OfferedDeadlineMissedStatus)     {}
func (l *recordingListener) OnOfferedIncompatibleQos(*DataWriter, OfferedIncompatibleQosStatus) {
	*l.incompatible++
}
func (l *recordingListener) OnLivelinessLost(*DataWriter, LivelinessLostStatus)          {}
func (l *recordingListener) OnPublicationMatched(*DataWriter, PublicationMatchedStatus) {}
