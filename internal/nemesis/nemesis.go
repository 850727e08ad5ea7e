// Package nemesis wraps replicas with injected faults: random failures,
// random delays and a switch that takes the replica offline. It is used to
// exercise the clients under the partial failures they are built to survive.
package nemesis

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

var (
	// ErrInjected is returned by calls chosen to fail.
	ErrInjected = errors.New("injected replica failure")
	// ErrDisabled is returned by every call while a replica is disabled.
	ErrDisabled = errors.New("replica disabled")
)

// Faults describes what to inject into each call.
type Faults struct {
	// FailureProbability is the chance that a call fails without reaching
	// the replica.
	FailureProbability float64
	// DelayProbability is the chance that a call is delayed by up to MaxDelay
	// before it reaches the replica.
	DelayProbability float64
	MaxDelay         time.Duration
}

type injector struct {
	faults   Faults
	disabled atomic.Bool
}

// SetEnabled takes the replica offline (false) or back online (true).
func (in *injector) SetEnabled(enabled bool) {
	in.disabled.Store(!enabled)
}

// before runs ahead of every call and returns the error the call must fail
// with, if any.
func (in *injector) before(ctx context.Context) error {
	if in.disabled.Load() {
		return ErrDisabled
	}
	if in.faults.DelayProbability > 0 && in.faults.MaxDelay > 0 && rand.Float64() < in.faults.DelayProbability {
		t := time.NewTimer(rand.N(in.faults.MaxDelay))
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if in.faults.FailureProbability > 0 && rand.Float64() < in.faults.FailureProbability {
		return ErrInjected
	}
	return nil
}
