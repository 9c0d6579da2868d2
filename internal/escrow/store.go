package escrow

import (
	"bytes"
	"sort"

	"EscrowLedger/internal/ledger"
)

// RecordStore holds escrow instances. The transition engine is the sole
// writer; Get returns the live record and must not be mutated by callers
// outside the engine.
type RecordStore interface {
	Get(id ledger.InstanceID) (*Instance, bool)
	Put(inst *Instance)
	Len() int

	// All returns every instance sorted by id for deterministic snapshots.
	All() []*Instance
}

// MemoryStore is the in-memory RecordStore used by the deterministic core.
// Not thread-safe: single-writer access only.
type MemoryStore struct {
	instances map[ledger.InstanceID]*Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[ledger.InstanceID]*Instance),
	}
}

func (s *MemoryStore) Get(id ledger.InstanceID) (*Instance, bool) {
	inst, ok := s.instances[id]
	return inst, ok
}

func (s *MemoryStore) Put(inst *Instance) {
	s.instances[inst.ID] = inst
}

func (s *MemoryStore) Len() int {
	return len(s.instances)
}

func (s *MemoryStore) All() []*Instance {
	out := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}
