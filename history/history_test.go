package history

import (
	"testing"
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/qos"
	"github.com/stretchr/testify/require"
)

func testChange(seq guid.SequenceNumber, handle guid.InstanceHandle, ts time.Time) *pool.CacheChange {
	return &pool.CacheChange{SequenceNumber: seq, InstanceHandle: handle, SourceTimestamp: ts}
}

func TestKeepLastEvictsOldest(t *testing.T) {
	var handle = guid.InstanceHandle{1}
	var h = New(guid.Guid{}, qos.History{Kind: qos.KeepLast, Depth: 2}, qos.ResourceLimits{}, 0, nil)
	inst, ok := h.Instance(handle, []byte("k"), guid.Guid{})
	require.True(t, ok)

	var now = time.Unix(0, 0)
	for i := 1; i <= 5; i++ {
		evicted, err := h.Insert(testChange(guid.SequenceNumber(i), handle, now), inst, now)
		require.NoError(t, err)
		if i <= 2 {
			require.Empty(t, evicted)
		} else {
			require.Len(t, evicted, 1)
			require.Equal(t, guid.SequenceNumber(i-2), evicted[0].Change.SequenceNumber)
		}
		require.LessOrEqual(t, inst.LiveSampleCount(), 2)
	}
	require.Equal(t, 2, h.Size())

	var remaining = h.Iterate(0, 100)
	require.Len(t, remaining, 2)
	require.Equal(t, guid.SequenceNumber(4), remaining[0].SequenceNumber)
	require.Equal(t, guid.SequenceNumber(5), remaining[1].SequenceNumber)
}

func TestKeepAllRespectsMaxSamples(t *testing.T) {
	var handle = guid.InstanceHandle{1}
	var h = New(guid.Guid{}, qos.History{Kind: qos.KeepAll},
		qos.ResourceLimits{MaxSamples: 2}, 0, nil)
	inst, _ := h.Instance(handle, nil, guid.Guid{})

	var now = time.Unix(0, 0)
	_, err := h.Insert(testChange(1, handle, now), inst, now)
	require.NoError(t, err)
	_, err = h.Insert(testChange(2, handle, now), inst, now)
	require.NoError(t, err)
	_, err = h.Insert(testChange(3, handle, now), inst, now)
	require.ErrorIs(t, err, qos.OutOfResources)
}

func TestMaxInstancesLimit(t *testing.T) {
	var h = New(guid.Guid{}, qos.History{Kind: qos.KeepLast, Depth: 1},
		qos.ResourceLimits{MaxInstances: 1}, 0, nil)

	_, ok := h.Instance(guid.InstanceHandle{1}, nil, guid.Guid{})
	require.True(t, ok)
	_, ok = h.Instance(guid.InstanceHandle{2}, nil, guid.Guid{})
	require.False(t, ok)

	// Repeated lookup of the already-registered instance still succeeds.
	_, ok = h.Instance(guid.InstanceHandle{1}, nil, guid.Guid{})
	require.True(t, ok)
}

func TestMinimumSeparation(t *testing.T) {
	var handle = guid.InstanceHandle{1}
	var h = New(guid.Guid{}, qos.History{Kind: qos.KeepAll, MinimumSeparation: time.Second},
		qos.ResourceLimits{}, 0, nil)
	inst, _ := h.Instance(handle, nil, guid.Guid{})

	var t0 = time.Unix(100, 0)
	_, err := h.Insert(testChange(1, handle, t0), inst, t0)
	require.NoError(t, err)

	_, err = h.Insert(testChange(2, handle, t0.Add(500*time.Millisecond)), inst, t0.Add(500*time.Millisecond))
	require.ErrorIs(t, err, ErrTooSoon)

	_, err = h.Insert(testChange(2, handle, t0.Add(time.Second)), inst, t0.Add(time.Second))
	require.NoError(t, err)
}

func TestLifespanExpiry(t *testing.T) {
	var handle = guid.InstanceHandle{1}
	var h = New(guid.Guid{}, qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{}, 200*time.Millisecond, nil)
	inst, _ := h.Instance(handle, nil, guid.Guid{})

	var t0 = time.Unix(0, 0)
	_, err := h.Insert(testChange(1, handle, t0), inst, t0)
	require.NoError(t, err)
	_, err = h.Insert(testChange(2, handle, t0.Add(50*time.Millisecond)), inst, t0.Add(50*time.Millisecond))
	require.NoError(t, err)

	require.Empty(t, h.ExpireOlderThan(t0.Add(100*time.Millisecond)))

	var expired = h.ExpireOlderThan(t0.Add(200 * time.Millisecond))
	require.Len(t, expired, 1)
	require.Equal(t, guid.SequenceNumber(1), expired[0].SequenceNumber)

	expired = h.ExpireOlderThan(t0.Add(250 * time.Millisecond))
	require.Len(t, expired, 1)
	require.Equal(t, guid.SequenceNumber(2), expired[0].SequenceNumber)
	require.Equal(t, 0, h.Size())
}

func TestDeadlineHeapOrdering(t *testing.T) {
	var h = New(guid.Guid{}, qos.History{Kind: qos.KeepLast, Depth: 1}, qos.ResourceLimits{}, 0, nil)
	instA, _ := h.Instance(guid.InstanceHandle{1}, nil, guid.Guid{})
	instB, _ := h.Instance(guid.InstanceHandle{2}, nil, guid.Guid{})

	var base = time.Unix(1000, 0)
	h.SetNextDeadline(instA, base.Add(200*time.Millisecond))
	h.SetNextDeadline(instB, base.Add(100*time.Millisecond))

	inst, when, ok := h.GetNextDeadline()
	require.True(t, ok)
	require.Same(t, instB, inst)
	require.Equal(t, base.Add(100*time.Millisecond), when)

	h.SetNextDeadline(instB, time.Time{}) // disarm
	inst, _, ok = h.GetNextDeadline()
	require.True(t, ok)
	require.Same(t, instA, inst)
}

func TestRemoveAndRemoveMin(t *testing.T) {
	var handle = guid.InstanceHandle{1}
	var h = New(guid.Guid{}, qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{}, 0, nil)
	inst, _ := h.Instance(handle, nil, guid.Guid{})

	var now = time.Unix(0, 0)
	for i := 1; i <= 3; i++ {
		_, err := h.Insert(testChange(guid.SequenceNumber(i), handle, now), inst, now)
		require.NoError(t, err)
	}

	c, ok := h.Remove(2)
	require.True(t, ok)
	require.Equal(t, guid.SequenceNumber(2), c.SequenceNumber)
	require.Equal(t, 2, inst.LiveSampleCount())

	c, ok = h.RemoveMin()
	require.True(t, ok)
	require.Equal(t, guid.SequenceNumber(1), c.SequenceNumber)

	require.Equal(t, 1, h.Size())
}
