package persistence

import (
	"math"
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/history"
	"github.com/estuary/ddspub/pool"
)

// Result summarizes what Replay loaded, giving a writer the watermarks it
// needs to resume: the next sequence number to assign and the
// monotonicity floor for source_timestamp.
type Result struct {
	HighestSequence  guid.SequenceNumber
	HighestTimestamp time.Time
}

// Replay reads every record for writerGUID out of store in sequence-number
// order and loads it into h, before the writer is enabled (spec.md §6
// "on writer restart the backend is read in sequence-number order and
// loaded into the history before enabling").
func Replay(store Store, writerGUID guid.Guid, h *history.WriterHistory, changes *pool.ChangePool) (Result, error) {
	var records, err = store.GetRange(writerGUID, 1, guid.SequenceNumber(math.MaxUint64))
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, rec := range records {
		inst, ok := h.Instance(rec.InstanceHandle, rec.KeyBytes, writerGUID)
		if !ok {
			continue // resource_limits already exhausted by an earlier replayed instance
		}

		c, ok := changes.Reserve()
		if !ok {
			continue // ChangePool exhausted; remaining records stay durable, just unloaded
		}
		buf, ok := changes.ReservePayload(c, len(rec.Payload))
		if !ok {
			changes.Release(c)
			continue
		}
		copy(buf, rec.Payload)

		c.WriterGUID = writerGUID
		c.SequenceNumber = rec.SequenceNumber
		c.InstanceHandle = rec.InstanceHandle
		c.Kind = rec.Kind
		c.SourceTimestamp = rec.SourceTimestamp
		c.SerializedPayload = buf
		// A replayed sample's presence in the persistence backend is
		// itself its acknowledgment record for durability purposes; mark
		// it acked so a Volatile-equivalent completion path (were this
		// writer ever switched to Volatile) wouldn't re-deliver it.
		c.SetAckedByAll(true)

		if _, err := h.Insert(c, inst, rec.SourceTimestamp); err != nil {
			changes.Release(c)
			continue
		}
		if rec.SequenceNumber > result.HighestSequence {
			result.HighestSequence = rec.SequenceNumber
		}
		if rec.SourceTimestamp.After(result.HighestTimestamp) {
			result.HighestTimestamp = rec.SourceTimestamp
		}
	}
	return result, nil
}
