package persistence

import (
	"testing"
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/history"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/qos"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetRangeDelete(t *testing.T) {
	var s = NewMemoryStore()
	var w = guid.Guid{1}

	require.NoError(t, s.Put(Record{WriterGUID: w, SequenceNumber: 1, Kind: pool.Alive, Payload: []byte("a")}))
	require.NoError(t, s.Put(Record{WriterGUID: w, SequenceNumber: 3, Kind: pool.Alive, Payload: []byte("c")}))
	require.NoError(t, s.Put(Record{WriterGUID: w, SequenceNumber: 2, Kind: pool.Alive, Payload: []byte("b")}))

	recs, err := s.GetRange(w, 1, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, []byte("a"), recs[0].Payload)
	require.Equal(t, []byte("b"), recs[1].Payload)
	require.Equal(t, []byte("c"), recs[2].Payload)

	require.NoError(t, s.Delete(w, 2))
	recs, err = s.GetRange(w, 1, 3)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestMemoryStorePutCopiesBuffers(t *testing.T) {
	var s = NewMemoryStore()
	var w = guid.Guid{2}
	var payload = []byte("mutate-me")

	require.NoError(t, s.Put(Record{WriterGUID: w, SequenceNumber: 1, Payload: payload}))
	payload[0] = 'X'

	recs, err := s.GetRange(w, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("mutate-me"), recs[0].Payload)
}

func TestReplayLoadsRecordsIntoHistoryInOrder(t *testing.T) {
	var s = NewMemoryStore()
	var w = guid.Guid{3}
	var base = time.Now()

	require.NoError(t, s.Put(Record{WriterGUID: w, SequenceNumber: 2, InstanceHandle: guid.InstanceHandle{1}, Kind: pool.Alive, SourceTimestamp: base.Add(time.Second), Payload: []byte("v2")}))
	require.NoError(t, s.Put(Record{WriterGUID: w, SequenceNumber: 1, InstanceHandle: guid.InstanceHandle{1}, Kind: pool.Alive, SourceTimestamp: base, Payload: []byte("v1")}))

	var h = history.New(w, qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{}, 0,
		func(c *pool.CacheChange) bool { return !c.AckedByAll() })
	var changes = pool.NewChangePool(0, pool.NewPayloadPool(0))

	result, err := Replay(s, w, h, changes)
	require.NoError(t, err)
	require.Equal(t, guid.SequenceNumber(2), result.HighestSequence)
	require.True(t, result.HighestTimestamp.Equal(base.Add(time.Second)))
	require.Equal(t, 2, h.Size())
}
