package nemesis

import (
	"context"

	"caspaxos/internal/register"
	"caspaxos/internal/replog"
)

// LogReplica injects faults into calls to a log replica.
type LogReplica struct {
	injector
	next replog.Replica
}

// WrapLog wraps next with the given faults.
func WrapLog(next replog.Replica, faults Faults) *LogReplica {
	return &LogReplica{injector: injector{faults: faults}, next: next}
}

func (r *LogReplica) Read(ctx context.Context, index int64) (replog.State, error) {
	if err := r.before(ctx); err != nil {
		return replog.State{}, err
	}
	return r.next.Read(ctx, index)
}

func (r *LogReplica) CompareAndSet(ctx context.Context, index int64, update, expect replog.State) (bool, error) {
	if err := r.before(ctx); err != nil {
		return false, err
	}
	return r.next.CompareAndSet(ctx, index, update, expect)
}

func (r *LogReplica) PutIfAbsent(ctx context.Context, index int64, update replog.State) (bool, error) {
	if err := r.before(ctx); err != nil {
		return false, err
	}
	return r.next.PutIfAbsent(ctx, index, update)
}

func (r *LogReplica) ReadLastIndex(ctx context.Context) (int64, error) {
	if err := r.before(ctx); err != nil {
		return 0, err
	}
	return r.next.ReadLastIndex(ctx)
}

// RegisterReplica injects faults into calls to a register replica. ID and
// Close are never faulted.
type RegisterReplica struct {
	injector
	next register.Replica
}

// WrapRegister wraps next with the given faults.
func WrapRegister(next register.Replica, faults Faults) *RegisterReplica {
	return &RegisterReplica{injector: injector{faults: faults}, next: next}
}

func (r *RegisterReplica) ID() int64 { return r.next.ID() }

func (r *RegisterReplica) Read(ctx context.Context, key string) (register.State, error) {
	if err := r.before(ctx); err != nil {
		return register.State{}, err
	}
	return r.next.Read(ctx, key)
}

func (r *RegisterReplica) CompareAndSet(ctx context.Context, key string, update, expect register.State) (bool, error) {
	if err := r.before(ctx); err != nil {
		return false, err
	}
	return r.next.CompareAndSet(ctx, key, update, expect)
}

func (r *RegisterReplica) PutIfAbsent(ctx context.Context, key string, update register.State) (bool, error) {
	if err := r.before(ctx); err != nil {
		return false, err
	}
	return r.next.PutIfAbsent(ctx, key, update)
}

func (r *RegisterReplica) Close() error { return r.next.Close() }
