// Package guid defines the core's identity types: the writer-global
// identifier, per-writer sequence numbers, and the per-writer instance
// handle used to address keyed-topic instances.
package guid

import (
	"encoding/hex"
	"fmt"

	"github.com/minio/highwayhash"
)

// Guid is an opaque, globally-unique identifier for a participant,
// writer or reader, as assigned by discovery (out of the core's scope;
// the core only stores and compares them).
type Guid [16]byte

func (g Guid) String() string { return hex.EncodeToString(g[:]) }

// SequenceNumber is a writer-local, strictly increasing, 1-based sample
// counter. Zero is reserved to mean "no sequence number assigned".
type SequenceNumber uint64

// Unset is the reserved zero SequenceNumber.
const Unset SequenceNumber = 0

// InstanceHandle identifies a (topic, key) pair as seen by one writer.
// Handles are writer-local: the same underlying key on two different
// writers produces unrelated handles. The zero value is reserved to mean
// "derive the instance from the sample's key fields".
type InstanceHandle [16]byte

// Nil is the reserved zero-valued handle.
var Nil InstanceHandle

func (h InstanceHandle) IsNil() bool { return h == Nil }

func (h InstanceHandle) String() string {
	if h.IsNil() {
		return "<nil-handle>"
	}
	return hex.EncodeToString(h[:])
}

// hashKey is the 256-bit HighwayHash key used to derive default instance
// handles from serialized key bytes. It is fixed and process-wide: the
// handle only needs to be stable for the lifetime of one writer process,
// not interoperable across processes or writers (spec.md §3: "Handles are
// not interchangeable across writers").
var hashKey = [32]byte{
	0x64, 0x64, 0x73, 0x70, 0x75, 0x62, 0x2d, 0x69,
	0x6e, 0x73, 0x74, 0x61, 0x6e, 0x63, 0x65, 0x2d,
	0x68, 0x61, 0x6e, 0x64, 0x6c, 0x65, 0x2d, 0x6b,
	0x65, 0x79, 0x2d, 0x76, 0x31, 0x00, 0x00, 0x00,
}

// DeriveHandle computes the default InstanceHandle for a writer
// identified by writerGuid and the serialized key bytes of an instance.
// Type descriptors may instead supply their own compute_key
// implementation (participant.TypeSupport); this is the fallback used
// when none is registered.
func DeriveHandle(writerGuid Guid, keyBytes []byte) InstanceHandle {
	var buf = make([]byte, 0, len(writerGuid)+len(keyBytes))
	buf = append(buf, writerGuid[:]...)
	buf = append(buf, keyBytes...)

	var sum = highwayhash.Sum(buf, hashKey[:])
	var h InstanceHandle
	copy(h[:], sum[:16])
	return h
}

// NextSequenceNumber returns the sequence number that follows prev. It
// performs no check itself; Validate asserts the monotonic-contiguous
// invariant of spec.md §8.1.
func NextSequenceNumber(prev SequenceNumber) SequenceNumber {
	return prev + 1
}

// Validate panics if seq does not immediately follow prev. This is a
// programming-error assertion (spec.md §7), not a recoverable API error:
// callers are expected to only ever call it with sequence numbers they
// themselves just allocated under the writer mutex.
func Validate(prev, seq SequenceNumber) {
	if seq != prev+1 {
		panic(fmt.Sprintf("sequence number invariant violated: prev=%d seq=%d", prev, seq))
	}
}
