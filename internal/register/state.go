package register

import (
	"context"
	"fmt"
	"slices"
)

// Change is the kind of membership delta carried by a register state.
type Change uint8

const (
	Unmodified     Change = 0
	ReplicaRemoved Change = 1
	ReplicaAdded   Change = 2
)

func (c Change) String() string {
	switch c {
	case Unmodified:
		return "unmodified"
	case ReplicaRemoved:
		return "replica-removed"
	case ReplicaAdded:
		return "replica-added"
	default:
		return fmt.Sprintf("change(%d)", uint8(c))
	}
}

// ReplicaUpdate is a single-replica membership delta.
type ReplicaUpdate struct {
	Change  Change
	Replica int64
}

// NoChange leaves membership as it is.
func NoChange() ReplicaUpdate { return ReplicaUpdate{} }

// AddReplica adds replica id to the membership.
func AddReplica(id int64) ReplicaUpdate { return ReplicaUpdate{Change: ReplicaAdded, Replica: id} }

// RemoveReplica removes replica id from the membership.
func RemoveReplica(id int64) ReplicaUpdate { return ReplicaUpdate{Change: ReplicaRemoved, Replica: id} }

func (u ReplicaUpdate) String() string {
	if u.Change == Unmodified {
		return u.Change.String()
	}
	return fmt.Sprintf("%s(%d)", u.Change, u.Replica)
}

// apply returns ids with the delta applied. It never modifies ids.
func (u ReplicaUpdate) apply(ids []int64) []int64 {
	switch u.Change {
	case ReplicaAdded:
		if slices.Contains(ids, u.Replica) {
			return ids
		}
		return append(slices.Clone(ids), u.Replica)
	case ReplicaRemoved:
		return slices.DeleteFunc(slices.Clone(ids), func(id int64) bool { return id == u.Replica })
	default:
		return ids
	}
}

// State is the contents of a register slot on one replica.
//
// Replicas is the membership in force when the state was accepted and
// Pending a delta decided in that round that the next round must complete.
type State struct {
	Proposal int64
	Accepted int64
	Value    []byte
	Replicas []int64
	Pending  ReplicaUpdate
}

// members returns the membership in force once the pending delta of s is
// complete.
func (s State) members() []int64 {
	return s.Pending.apply(s.Replicas)
}

// Empty is the state of a register that was never written.
var Empty = State{}

// Replica is the conditional-write contract a register replica must satisfy.
type Replica interface {
	// ID identifies the replica in membership lists.
	ID() int64
	// Read returns the state stored under key, or Empty.
	Read(ctx context.Context, key string) (State, error)
	// CompareAndSet replaces the state iff its Proposal and Accepted equal
	// those of expect.
	CompareAndSet(ctx context.Context, key string, update, expect State) (bool, error)
	// PutIfAbsent stores update iff nothing is stored under key.
	PutIfAbsent(ctx context.Context, key string, update State) (bool, error)
	// Close releases the replica handle.
	Close() error
}

func writeAtomic(ctx context.Context, r Replica, key string, update, expect State) (bool, error) {
	if expect.Proposal == 0 {
		return r.PutIfAbsent(ctx, key, update)
	}
	return r.CompareAndSet(ctx, key, update, expect)
}
