package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/google/btree"

	"caspaxos/internal/register"
	"caspaxos/internal/replog"
)

const btreeDegree = 32

type logSlot struct {
	index int64
	state replog.State
}

func lessSlot(a, b logSlot) bool { return a.index < b.index }

// LogStore is an in-memory log replica. Slots are kept ordered by index so
// the last written index is the maximum of the tree.
type LogStore struct {
	mu    sync.RWMutex
	slots *btree.BTreeG[logSlot]
}

// NewLogStore creates an empty in-memory log replica.
func NewLogStore() *LogStore {
	return &LogStore{slots: btree.NewG(btreeDegree, lessSlot)}
}

// Read returns the slot at index, or replog.Empty.
func (s *LogStore) Read(_ context.Context, index int64) (replog.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.slots.Get(logSlot{index: index})
	if !ok {
		return replog.Empty, nil
	}
	return cloneLogState(slot.state), nil
}

// CompareAndSet replaces the slot iff it holds expect's (Proposal, Accepted).
func (s *LogStore) CompareAndSet(_ context.Context, index int64, update, expect replog.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots.Get(logSlot{index: index})
	if !ok || slot.state.Proposal != expect.Proposal || slot.state.Accepted != expect.Accepted {
		return false, nil
	}
	s.slots.ReplaceOrInsert(logSlot{index: index, state: cloneLogState(update)})
	return true, nil
}

// PutIfAbsent stores update iff the slot was never written.
func (s *LogStore) PutIfAbsent(_ context.Context, index int64, update replog.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slots.Has(logSlot{index: index}) {
		return false, nil
	}
	s.slots.ReplaceOrInsert(logSlot{index: index, state: cloneLogState(update)})
	return true, nil
}

// ReadLastIndex returns the highest written index, or 0.
func (s *LogStore) ReadLastIndex(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last, ok := s.slots.Max()
	if !ok {
		return 0, nil
	}
	return last.index, nil
}

// RegisterStore is an in-memory register replica holding any number of
// registers by key.
type RegisterStore struct {
	id int64

	mu   sync.RWMutex
	data map[string]register.State
}

// NewRegisterStore creates an empty register replica with the given id.
func NewRegisterStore(id int64) *RegisterStore {
	return &RegisterStore{id: id, data: make(map[string]register.State)}
}

func (s *RegisterStore) ID() int64 { return s.id }

// Read returns the state stored under key, or register.Empty.
func (s *RegisterStore) Read(_ context.Context, key string) (register.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[key]
	if !ok {
		return register.Empty, nil
	}
	return cloneRegisterState(state), nil
}

// CompareAndSet replaces the state iff it holds expect's (Proposal, Accepted).
func (s *RegisterStore) CompareAndSet(_ context.Context, key string, update, expect register.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[key]
	if !ok || current.Proposal != expect.Proposal || current.Accepted != expect.Accepted {
		return false, nil
	}
	s.data[key] = cloneRegisterState(update)
	return true, nil
}

// PutIfAbsent stores update iff nothing is stored under key.
func (s *RegisterStore) PutIfAbsent(_ context.Context, key string, update register.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return false, nil
	}
	s.data[key] = cloneRegisterState(update)
	return true, nil
}

// Close is a no-op; the store lives as long as its owner keeps it.
func (s *RegisterStore) Close() error { return nil }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func cloneLogState(s replog.State) replog.State {
	s.Value = cloneBytes(s.Value)
	return s
}

func cloneRegisterState(s register.State) register.State {
	s.Value = cloneBytes(s.Value)
	s.Replicas = slices.Clone(s.Replicas)
	return s
}
