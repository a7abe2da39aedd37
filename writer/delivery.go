package writer

import (
	"context"
	"time"

	"github.com/estuary/ddspub/flowcontrol"
	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/participant"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/reliability"
)

// Lock and Unlock satisfy flowcontrol.Deliverer: the FlowController
// worker (or an inline Submit caller) always takes this lock before
// calling DeliverSampleNTS (spec.md §4.5 "lock the owning writer").
func (w *DataWriter) Lock()   { w.mu.Lock() }
func (w *DataWriter) Unlock() { w.mu.Unlock() }

// DeliverSampleNTS hands c to the transport for every currently matched,
// QoS-compatible reader (spec.md §4.4 steps 1-2, §4.5 "deliver_sample_nts").
// The caller already holds w.mu (per the Deliverer contract), so this
// reads as just another `Locked` method despite the exported name
// flowcontrol.Deliverer requires.
func (w *DataWriter) DeliverSampleNTS(ctx context.Context, c *pool.CacheChange, deadline time.Time) (flowcontrol.Result, error) {
	if w.closed {
		return flowcontrol.Delivered, nil
	}

	var locators []string
	var reliableTargets []guid.Guid
	for _, p := range w.reliability.MatchedReaders() {
		if p.Incompatible() {
			continue
		}
		locators = append(locators, p.Locators...)
		if p.IsReliable() {
			reliableTargets = append(reliableTargets, p.ReaderGUID)
		}
	}
	if len(locators) == 0 {
		return flowcontrol.Delivered, nil
	}

	var buffers [][]byte
	if c.FragmentSize > 0 && len(c.SerializedPayload) > int(c.FragmentSize) {
		for start := 0; start < len(c.SerializedPayload); start += int(c.FragmentSize) {
			var end = start + int(c.FragmentSize)
			if end > len(c.SerializedPayload) {
				end = len(c.SerializedPayload)
			}
			buffers = append(buffers, c.SerializedPayload[start:end])
		}
	} else {
		buffers = [][]byte{c.SerializedPayload}
	}

	ok, err := w.transport.Send(ctx, buffers, len(c.SerializedPayload), w.guid, locators, deadline)
	if err != nil {
		return flowcontrol.NotDelivered, err
	}
	if !ok {
		return flowcontrol.NotDelivered, nil
	}

	c.IncSubmessagesSent()
	var now = w.now()
	for _, g := range reliableTargets {
		w.reliability.MarkSent(g, c.SequenceNumber, now)
		if len(buffers) > 1 {
			if p, ok := w.reliability.Reader(g); ok {
				p.PendingFragments[c.SequenceNumber] = reliability.NewFragmentBitmap(len(buffers))
			}
		}
	}
	return flowcontrol.Delivered, nil
}

// handleReaderMatched and handleReaderUnmatched back the
// participant.MatchedReaderSource subscription installed in New. They
// take w.mu themselves rather than assuming the discovery collaborator
// already holds it, matching the boundary contract's "invoked under the
// writer mutex" as an outcome rather than a precondition on the caller.
func (w *DataWriter) handleReaderMatched(info participant.MatchedReaderInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	var proxy = reliability.NewReaderProxy(info.ReaderGUID, info.Reliability, info.Durability, info.Locators)
	if !info.Compatible {
		w.reliability.RejectReader(proxy)
		w.status.fireIncompatibleQos(w, info.ReaderGUID)
		return
	}
	w.reliability.MatchReader(proxy)
	w.status.firePublicationMatched(w, info.ReaderGUID, 1)
}

func (w *DataWriter) handleReaderUnmatched(info participant.MatchedReaderInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.reliability.UnmatchReader(info.ReaderGUID)
	w.status.firePublicationMatched(w, info.ReaderGUID, -1)
}

// OnReaderAck processes a received ACKNACK's positive acknowledgment
// (spec.md §4.4 step 4). Receiving and parsing the wire message is a
// transport/participant concern out of this package's scope; this is
// the entry point the host process calls once it has decoded one.
func (w *DataWriter) OnReaderAck(readerGUID guid.Guid, upto guid.SequenceNumber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.reliability.Ack(readerGUID, upto)
}

// OnReaderNack processes a received ACKNACK's negative acknowledgments,
// re-enqueuing every still-outstanding sample for retransmission
// (spec.md §4.4 step 3 "add_old_sample").
func (w *DataWriter) OnReaderNack(readerGUID guid.Guid, seqs []guid.SequenceNumber) {
	w.mu.Lock()
	var outstanding = w.reliability.Nack(readerGUID, seqs)
	var toRetransmit = make([]*pool.CacheChange, 0, len(outstanding))
	for _, seq := range outstanding {
		if c, ok := w.history.BySeq(seq); ok {
			toRetransmit = append(toRetransmit, c)
		}
	}
	w.mu.Unlock()

	for _, c := range toRetransmit {
		w.controller.AddOldSample(w.guid, c)
	}
}

// OnReaderAckFragment acks one fragment of a partially-delivered sample
// for reader (SPEC_FULL.md C.5). Once every fragment is acked it folds
// into the ordinary whole-sample Ack path.
func (w *DataWriter) OnReaderAckFragment(readerGUID guid.Guid, seq guid.SequenceNumber, fragment int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	p, ok := w.reliability.Reader(readerGUID)
	if !ok {
		return
	}
	bitmap, ok := p.PendingFragments[seq]
	if !ok {
		return
	}
	bitmap.Ack(fragment)
	if bitmap.AllAcked() {
		delete(p.PendingFragments, seq)
		w.reliability.Ack(readerGUID, seq)
	}
}
