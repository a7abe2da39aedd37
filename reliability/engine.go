package reliability

import (
	"sync"
	"time"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/qos"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/broker/client"
)

// OnAckedByAll is invoked once, the moment a tracked sample transitions
// to acked-by-all (spec.md §4.3 "eligible for history removal").
type OnAckedByAll func(seq guid.SequenceNumber)

// Engine is the per-writer ReliabilityEngine (spec.md §4.4). It is
// protected by the owning DataWriter's writer mutex, like WriterHistory;
// its own mutex guards the data for callers that do not hold the writer
// mutex (e.g. DataWriter.WaitForAcknowledgments, which releases the
// writer mutex before waiting here).
type Engine struct {
	writerGUID guid.Guid
	onAcked    OnAckedByAll

	mu      sync.Mutex
	readers map[guid.Guid]*ReaderProxy

	// pending maps a sample's sequence number to the set of matched
	// reliable readers that have not yet acked it. An entry is removed
	// (and onAcked fired) once the set empties.
	pending map[guid.SequenceNumber]map[guid.Guid]struct{}

	// ackFutures holds the lazily-created acked-by-all future for a
	// sample, for callers (DataWriter) that want a one-shot wait without
	// the polling-friendly WaitForAcknowledgments API.
	ackFutures map[guid.SequenceNumber]*client.AsyncOperation

	// changedCh is closed and replaced on every state change that could
	// satisfy a blocked WaitForAcknowledgments call (Go's standard
	// broadcast-channel pattern for a condition variable that composes
	// with time.After for bounded waits, which sync.Cond cannot do).
	changedCh chan struct{}
}

func NewEngine(writerGUID guid.Guid, onAcked OnAckedByAll) *Engine {
	if onAcked == nil {
		onAcked = func(guid.SequenceNumber) {}
	}
	return &Engine{
		writerGUID: writerGUID,
		onAcked:    onAcked,
		readers:    make(map[guid.Guid]*ReaderProxy),
		pending:    make(map[guid.SequenceNumber]map[guid.Guid]struct{}),
		ackFutures: make(map[guid.SequenceNumber]*client.AsyncOperation),
		changedCh:  make(chan struct{}),
	}
}

// MatchReader adds a newly-discovered, QoS-compatible reader (spec.md §6
// "on_reader_matched").
func (e *Engine) MatchReader(p *ReaderProxy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readers[p.ReaderGUID] = p
	log.WithFields(log.Fields{"writer": e.writerGUID.String(), "reader": p.ReaderGUID.String()}).
		Debug("matched reader")
}

// RejectReader records that a discovered reader offered incompatible QoS
// (spec.md §4.4): it is tracked for listener status but excluded from
// every sample's unacked set.
func (e *Engine) RejectReader(p *ReaderProxy) {
	p.MarkIncompatible()
	e.MatchReader(p)
}

// UnmatchReader drops a reader's proxy and removes it from every
// sample's pending-ack set, which may complete some samples'
// acked-by-all transition (spec.md §6 "on_reader_unmatched").
func (e *Engine) UnmatchReader(readerGUID guid.Guid) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.readers, readerGUID)

	for seq, set := range e.pending {
		if _, ok := set[readerGUID]; ok {
			delete(set, readerGUID)
			if len(set) == 0 {
				e.completeLocked(seq)
			}
		}
	}
	e.broadcastLocked()
}

// Reader returns the proxy for readerGUID, if matched.
func (e *Engine) Reader(readerGUID guid.Guid) (*ReaderProxy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.readers[readerGUID]
	return p, ok
}

// MatchedReaders returns a snapshot of all currently matched readers.
func (e *Engine) MatchedReaders() []*ReaderProxy {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out = make([]*ReaderProxy, 0, len(e.readers))
	for _, p := range e.readers {
		out = append(out, p)
	}
	return out
}

// TrackNewChange declares seq unacked for every currently-matched,
// QoS-compatible reliable reader (spec.md §4.4 step 1). Best-effort
// readers and readers with incompatible QoS are never part of the
// pending set: best-effort samples are immediately eligible for removal
// once delivered (spec.md §4.4 "Best-effort protocol").
func (e *Engine) TrackNewChange(seq guid.SequenceNumber) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var set = make(map[guid.Guid]struct{})
	for g, p := range e.readers {
		if p.IsReliable() && !p.Incompatible() {
			set[g] = struct{}{}
		}
	}
	if len(set) == 0 {
		e.completeLocked(seq)
		return
	}
	e.pending[seq] = set
}

// MarkSent records that seq was handed to the transport for reader
// (spec.md §4.4 step 2).
func (e *Engine) MarkSent(readerGUID guid.Guid, seq guid.SequenceNumber, when time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.readers[readerGUID]; ok {
		if seq > p.HighestSent {
			p.HighestSent = seq
		}
		p.LastSentTime = when
	}
}

// Ack advances reader's HighestAcked to upto and releases every pending
// sample at or below it for that reader (spec.md §4.4 step 4).
func (e *Engine) Ack(readerGUID guid.Guid, upto guid.SequenceNumber) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.readers[readerGUID]
	if !ok {
		return
	}
	if upto > p.HighestAcked {
		p.HighestAcked = upto
	}

	for seq, set := range e.pending {
		if seq > upto {
			continue
		}
		if _, present := set[readerGUID]; !present {
			continue
		}
		delete(set, readerGUID)
		if len(set) == 0 {
			e.completeLocked(seq)
		}
	}
	e.broadcastLocked()
}

// Nack reports which of the requested sequence numbers are still
// outstanding (not yet acked) for reader and so must be re-enqueued onto
// the FlowController at elevated priority (spec.md §4.4 step 3).
func (e *Engine) Nack(readerGUID guid.Guid, seqs []guid.SequenceNumber) []guid.SequenceNumber {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []guid.SequenceNumber
	for _, seq := range seqs {
		if set, ok := e.pending[seq]; ok {
			if _, present := set[readerGUID]; present {
				out = append(out, seq)
			}
		}
	}
	return out
}

// completeLocked fires onAcked and resolves the sample's ack future. The
// caller must hold e.mu.
func (e *Engine) completeLocked(seq guid.SequenceNumber) {
	delete(e.pending, seq)
	if fut, ok := e.ackFutures[seq]; ok {
		fut.Resolve(nil)
		delete(e.ackFutures, seq)
	}
	log.WithFields(log.Fields{"writer": e.writerGUID.String(), "sequence": seq}).
		Debug("sample acked by all matched reliable readers")
	e.onAcked(seq)
}

func (e *Engine) broadcastLocked() {
	close(e.changedCh)
	e.changedCh = make(chan struct{})
}

// AckedByAll returns a future resolved the moment seq is acknowledged
// by every matched reliable reader (or immediately, if it already has
// no outstanding readers). Modeled on the teacher's
// ingestCommit.commit *client.AsyncOperation pattern (go/flow/ingest.go).
func (e *Engine) AckedByAll(seq guid.SequenceNumber) *client.AsyncOperation {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, pending := e.pending[seq]; !pending {
		var fut = client.NewAsyncOperation()
		fut.Resolve(nil)
		return fut
	}
	if fut, ok := e.ackFutures[seq]; ok {
		return fut
	}
	var fut = client.NewAsyncOperation()
	e.ackFutures[seq] = fut
	return fut
}

// WaitForAcknowledgments blocks until every matched reliable reader's
// HighestAcked is at least highestSeqAtEntry, or maxWait elapses
// (spec.md §4.4 "wait_for_acknowledgments semantics", §8 invariant 3).
func (e *Engine) WaitForAcknowledgments(highestSeqAtEntry guid.SequenceNumber, maxWait time.Duration, now func() time.Time) error {
	var deadline = now().Add(maxWait)
	for {
		e.mu.Lock()
		if e.allAckedLocked(highestSeqAtEntry) {
			e.mu.Unlock()
			return nil
		}
		var ch = e.changedCh
		e.mu.Unlock()

		var remaining = deadline.Sub(now())
		if remaining <= 0 {
			return qos.Timeout
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			return qos.Timeout
		}
	}
}

func (e *Engine) allAckedLocked(seq guid.SequenceNumber) bool {
	for _, p := range e.readers {
		if p.IsReliable() && !p.Incompatible() && p.HighestAcked < seq {
			return false
		}
	}
	return true
}
