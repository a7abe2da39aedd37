// Package participant defines the boundary contract between the
// publication core and its surrounding collaborators (spec.md §6):
// transport send, the event loop, discovery-maintained matched-reader
// sets, and the type descriptor's serialize/compute_key operations.
// Only the contracts are defined here; participant bootstrap, transport
// binding and discovery are explicitly out of the core's scope
// (spec.md §1).
package participant

import (
	"context"
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/qos"
)

// Transport is the send-side boundary collaborator: one call per RTPS-style
// outbound message (spec.md §6 "send").
type Transport interface {
	Send(ctx context.Context, buffers [][]byte, totalBytes int, senderGUID guid.Guid, locators []string, deadline time.Time) (bool, error)
}

// WriterRegistry describes the register/unregister contract for the
// writers a flow controller schedules for (spec.md §6
// "register_writer(writer) / unregister_writer(writer)"). Nothing in the
// core consumes it: flowcontrol.Controller has its own RegisterWriter and
// UnregisterWriter, which also take scheduling parameters.
type WriterRegistry interface {
	RegisterWriter(writerGUID guid.Guid)
	UnregisterWriter(writerGUID guid.Guid)
}

// TypeSupport is supplied by the registered type descriptor and used by
// the writer to serialize samples and extract instance keys (spec.md §6
// "serialize(sample) → payload, compute_key(sample) → key_bytes").
type TypeSupport interface {
	Serialize(sample interface{}) ([]byte, error)
	ComputeKey(sample interface{}) ([]byte, error)
}

// MatchedReaderInfo describes one discovered, QoS-compatible (or
// rejected) remote reader, as delivered by the discovery-maintained
// matched-reader set (spec.md §3 "MatchedReader (ReaderProxy)").
type MatchedReaderInfo struct {
	ReaderGUID  guid.Guid
	Locators    []string
	Reliability qos.ReliabilityKind
	Durability  qos.DurabilityKind
	// Compatible is false when the reader's requested QoS is
	// incompatible with what this writer offers (spec.md §4.4
	// "OfferedIncompatibleQos").
	Compatible bool
}

// MatchedReaderSource is the discovery-maintained set of matched readers
// for one writer (spec.md §6 "matched_readers(writer) → iter<MatchedReader>").
// Discovery itself is out of scope; the core only consumes match/unmatch
// notifications delivered under the writer mutex.
type MatchedReaderSource interface {
	// Subscribe registers callbacks invoked under the writer mutex as
	// readers are matched and unmatched (spec.md §6 "on_reader_matched" /
	// "on_reader_unmatched"). It returns a function that cancels the
	// subscription.
	Subscribe(writerGUID guid.Guid, onMatched, onUnmatched func(MatchedReaderInfo)) (cancel func())
}
