package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/participant"
	"github.com/estuary/ddspub/qos"
)

// loopbackTransport logs every delivery instead of putting bytes on a
// wire. ddspubd has no real transport binding: spec.md §1 places the
// transport layer out of the core's scope, so this stands in for one
// during manual exercise of the writer pipeline.
type loopbackTransport struct{}

func (loopbackTransport) Send(_ context.Context, buffers [][]byte, totalBytes int, senderGUID guid.Guid, locators []string, _ time.Time) (bool, error) {
	log.WithFields(log.Fields{
		"writer": senderGUID.String(), "locators": locators,
		"bytes": totalBytes, "fragments": len(buffers),
	}).Debug("delivered sample")
	return true, nil
}

// loopbackReaders reports one fixed reader matched the instant a writer
// subscribes, requesting reliability/durability compatible with the
// demo QoS, and never unmatches it. Discovery itself is out of scope
// (spec.md §1); a real Participant would plug in SPDP/SEDP here instead.
type loopbackReaders struct {
	reader      guid.Guid
	reliability qos.ReliabilityKind
	durability  qos.DurabilityKind
}

func newLoopbackReaders(reliability qos.ReliabilityKind, durability qos.DurabilityKind) *loopbackReaders {
	var r = loopbackReaders{reliability: reliability, durability: durability}
	copy(r.reader[:], []byte("ddspubd-demo-reader"))
	return &r
}

func (l *loopbackReaders) Subscribe(writerGUID guid.Guid, onMatched, onUnmatched func(participant.MatchedReaderInfo)) func() {
	onMatched(participant.MatchedReaderInfo{
		ReaderGUID:  l.reader,
		Locators:    []string{"loopback://demo"},
		Reliability: l.reliability,
		Durability:  l.durability,
		Compatible:  true,
	})
	return func() {
		onUnmatched(participant.MatchedReaderInfo{ReaderGUID: l.reader})
	}
}
