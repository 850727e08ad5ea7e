package replog

import (
	"context"
)

// State is the contents of one log slot on one replica.
//
// Value == nil means no value; []byte{} is a present, empty value.
type State struct {
	Proposal int32
	Accepted int32
	Value    []byte
}

// Empty is the state of a slot that was never written.
var Empty = State{}

// IsEmpty reports whether s is the never-written state.
func (s State) IsEmpty() bool {
	return s.Proposal == 0 && s.Accepted == 0 && s.Value == nil
}

// Replica is the conditional-write contract a log replica must satisfy.
// Any method may fail to signal an unreachable or overloaded replica.
type Replica interface {
	// Read returns the slot at index, or Empty if it was never written.
	Read(ctx context.Context, index int64) (State, error)
	// CompareAndSet replaces the slot with update iff its current Proposal
	// and Accepted equal those of expect.
	CompareAndSet(ctx context.Context, index int64, update, expect State) (bool, error)
	// PutIfAbsent stores update iff the slot was never written.
	PutIfAbsent(ctx context.Context, index int64, update State) (bool, error)
	// ReadLastIndex returns the highest written index, or 0 for an empty log.
	ReadLastIndex(ctx context.Context) (int64, error)
}

// writeAtomic applies update conditioned on expect. An empty expectation
// means the slot must not exist yet.
func writeAtomic(ctx context.Context, r Replica, index int64, update, expect State) (bool, error) {
	if expect.Proposal == 0 {
		return r.PutIfAbsent(ctx, index, update)
	}
	return r.CompareAndSet(ctx, index, update, expect)
}
