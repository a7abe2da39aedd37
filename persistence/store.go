// Package persistence implements the narrow persisted-state contract
// (spec.md §6 "Persisted state"): samples written by a
// persistent-durability writer are durably recorded keyed by
// (writer_guid, sequence_number), and replayed in sequence-number order
// into a WriterHistory on restart, before the writer is enabled. The
// store's own API is intentionally narrow (`put`/`get_range`/`delete`);
// anything beyond that contract — compaction, replication, the actual
// backend — is out of the core's scope.
package persistence

import (
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/pool"
)

// Record is one durably-recorded sample (spec.md §6): the payload, kind
// and source_timestamp needed to reconstruct a CacheChange on replay.
type Record struct {
	WriterGUID      guid.Guid
	SequenceNumber  guid.SequenceNumber
	InstanceHandle  guid.InstanceHandle
	KeyBytes        []byte
	Kind            pool.ChangeKind
	SourceTimestamp time.Time
	Payload         []byte
}

// Store is the narrow KV contract a persistence backend must satisfy
// (spec.md §6). Implementations need not support concurrent calls for
// the same writer_guid; the core only ever calls Store from within the
// writer mutex of the writer it concerns.
type Store interface {
	// Put durably records rec, replacing any prior record at the same
	// (WriterGUID, SequenceNumber).
	Put(rec Record) error
	// GetRange returns every record for writerGUID with sequence number
	// in [from, to], ordered by ascending sequence number.
	GetRange(writerGUID guid.Guid, from, to guid.SequenceNumber) ([]Record, error)
	// Delete removes the record for (writerGUID, seq), if any.
	Delete(writerGUID guid.Guid, seq guid.SequenceNumber) error
}
