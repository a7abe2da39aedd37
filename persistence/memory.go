package persistence

import (
	"sort"
	"sync"

	"github.com/estuary/ddspub/guid"
)

// MemoryStore is an in-process reference Store, used by tests and by
// deployments that accept losing persistent/transient durability across
// process restarts. A production deployment plugs in a real backend
// (e.g. etcd) behind the same narrow interface.
type MemoryStore struct {
	mu      sync.Mutex
	records map[guid.Guid]map[guid.SequenceNumber]Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[guid.Guid]map[guid.SequenceNumber]Record)}
}

// Put implements Store.
func (s *MemoryStore) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var byWriter, ok = s.records[rec.WriterGUID]
	if !ok {
		byWriter = make(map[guid.SequenceNumber]Record)
		s.records[rec.WriterGUID] = byWriter
	}
	// Copy payload and key bytes: the caller's buffers may come from a
	// pool slot that's reused as soon as Put returns.
	rec.Payload = append([]byte(nil), rec.Payload...)
	rec.KeyBytes = append([]byte(nil), rec.KeyBytes...)
	byWriter[rec.SequenceNumber] = rec
	return nil
}

// GetRange implements Store.
func (s *MemoryStore) GetRange(writerGUID guid.Guid, from, to guid.SequenceNumber) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var byWriter = s.records[writerGUID]
	var out []Record
	for seq, rec := range byWriter {
		if seq >= from && seq <= to {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(writerGUID guid.Guid, seq guid.SequenceNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byWriter, ok := s.records[writerGUID]; ok {
		delete(byWriter, seq)
	}
	return nil
}
