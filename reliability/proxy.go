// Package reliability implements the per-matched-reader reliability
// bookkeeping of spec.md §4.4: acked/unacked sequence-number tracking,
// heartbeat/acknack protocol state, liveliness lease tracking, and
// per-sample acked-by-all futures (Engine.AckedByAll).
// DataWriter.WaitForAcknowledgments does not use those futures; it
// waits through Engine.WaitForAcknowledgments.
package reliability

import (
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/qos"
)

// FragmentBitmap tracks which fragments of one (as-yet-fully-unacked)
// fragmented sample remain outstanding with one matched reader, per
// SPEC_FULL.md C.5. Bit i is set while fragment i is still unacked.
type FragmentBitmap []bool

func NewFragmentBitmap(numFragments int) FragmentBitmap {
	var b = make(FragmentBitmap, numFragments)
	for i := range b {
		b[i] = true
	}
	return b
}

func (b FragmentBitmap) Ack(fragment int) {
	if fragment >= 0 && fragment < len(b) {
		b[fragment] = false
	}
}

func (b FragmentBitmap) AllAcked() bool {
	for _, pending := range b {
		if pending {
			return false
		}
	}
	return true
}

// ReaderProxy is the writer-side state held for one matched reader
// (spec.md §3 "MatchedReader (ReaderProxy)").
type ReaderProxy struct {
	ReaderGUID guid.Guid
	Locators   []string

	Reliability qos.ReliabilityKind
	Durability  qos.DurabilityKind

	// HighestSent is the highest sequence number the writer has handed
	// the transport for this reader.
	HighestSent guid.SequenceNumber
	// HighestAcked is the highest sequence number this reader has
	// positively acknowledged; meaningful only for reliable readers.
	HighestAcked guid.SequenceNumber

	LastHeartbeatTime    time.Time
	LastSentTime         time.Time
	LastLivelinessAssert time.Time

	// PendingFragments maps a partially-acked sample's sequence number to
	// its outstanding-fragment bitmap (SPEC_FULL.md C.5).
	PendingFragments map[guid.SequenceNumber]FragmentBitmap

	// incompatibleQoS records that this reader rejected the writer's
	// offered QoS on match (spec.md §4.4); such a reader is tracked for
	// listener reporting but excluded from the unacked set.
	incompatibleQoS bool
}

func NewReaderProxy(readerGUID guid.Guid, reliability qos.ReliabilityKind, durability qos.DurabilityKind, locators []string) *ReaderProxy {
	return &ReaderProxy{
		ReaderGUID:       readerGUID,
		Locators:         append([]string(nil), locators...),
		Reliability:      reliability,
		Durability:       durability,
		PendingFragments: make(map[guid.SequenceNumber]FragmentBitmap),
	}
}

func (r *ReaderProxy) IsReliable() bool { return r.Reliability == qos.Reliable }

func (r *ReaderProxy) MarkIncompatible() { r.incompatibleQoS = true }
func (r *ReaderProxy) Incompatible() bool { return r.incompatibleQoS }
