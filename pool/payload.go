// Package pool implements the pre-allocated cache-entry and byte-buffer
// reservoirs used by writers (spec.md §2 "ChangePool + PayloadPool",
// §9 "Cyclic ownership"). Both pools are bounded by the owning writer's
// resource-limits QoS and are internally synchronized, non-blocking
// reserve/release under normal operation (spec.md §5 "Shared resources").
package pool

import "sync"

// Arena is an append-only byte buffer with stable, offset-addressed
// slices, modeled on the teacher's pf.Arena (go/shuffle/subscriber.go's
// staged.Arena.Add pattern): many small payloads are packed into one
// backing array and referenced by (offset, length) pairs, amortizing
// allocation across an entire batch of samples instead of one alloc per
// payload.
type Arena struct {
	bytes []byte
}

// Slice is an (offset, length) reference into an Arena.
type Slice struct {
	begin, end uint32
}

func (s Slice) Len() int { return int(s.end - s.begin) }

// Add appends b to the arena and returns a Slice referencing it.
func (a *Arena) Add(b []byte) Slice {
	var begin = uint32(len(a.bytes))
	a.bytes = append(a.bytes, b...)
	return Slice{begin: begin, end: uint32(len(a.bytes))}
}

// Bytes returns the bytes referenced by s. The returned slice aliases
// the arena's backing array and must not be retained past the arena's
// next Reset.
func (a *Arena) Bytes(s Slice) []byte { return a.bytes[s.begin:s.end] }

// Reset truncates the arena for reuse, retaining its backing allocation.
func (a *Arena) Reset() { a.bytes = a.bytes[:0] }

// Len returns the number of bytes currently held.
func (a *Arena) Len() int { return len(a.bytes) }

// PayloadPool reserves and releases serialized-payload byte buffers for
// one writer (or one participant, per configuration; spec.md §5). It is
// deliberately not a sync.Pool: reservations must be boundable and
// rejectable with OutOfResources, which sync.Pool cannot express since it
// never refuses an allocation.
type PayloadPool struct {
	mu        sync.Mutex
	maxBytes  int // 0 == unbounded
	reserved  int
	freeList  [][]byte
	notifyCh  chan struct{}
}

// NewPayloadPool constructs a pool bounded by maxBytes total outstanding
// reserved bytes (0 disables the bound).
func NewPayloadPool(maxBytes int) *PayloadPool {
	return &PayloadPool{maxBytes: maxBytes, notifyCh: make(chan struct{})}
}

// Wait returns a channel closed the next time any payload is released.
func (p *PayloadPool) Wait() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifyCh
}

// Reserve returns a []byte of at least size capacity, reusing a released
// buffer when one of sufficient capacity is free. It reports false when
// the pool's byte budget is exhausted (caller maps this to OutOfResources).
func (p *PayloadPool) Reserve(size int) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxBytes > 0 && p.reserved+size > p.maxBytes {
		return nil, false
	}
	p.reserved += size

	for i, buf := range p.freeList {
		if cap(buf) >= size {
			p.freeList[i] = p.freeList[len(p.freeList)-1]
			p.freeList = p.freeList[:len(p.freeList)-1]
			return buf[:size], true
		}
	}
	return make([]byte, size), true
}

// Release returns buf to the pool, recording its reservation as freed.
// Calling Release twice on the same buffer is a programming error
// (spec.md §7 "pool double-release") and panics rather than silently
// corrupting the free list's accounting.
func (p *PayloadPool) Release(buf []byte, reservedSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cap(buf) > 0 {
		for _, free := range p.freeList {
			if cap(free) > 0 && &free[:1][0] == &buf[:1][0] {
				panic("pool: release of a buffer already in the free list (double-release)")
			}
		}
	}
	p.reserved -= reservedSize
	if p.reserved < 0 {
		panic("pool: release exceeds outstanding reservation (double-release)")
	}
	p.freeList = append(p.freeList, buf)
	close(p.notifyCh)
	p.notifyCh = make(chan struct{})
}

// ReservedBytes reports currently outstanding reserved bytes, for
// diagnostics and tests.
func (p *PayloadPool) ReservedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved
}
