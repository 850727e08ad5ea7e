package quorum

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrQuorumUnreachable is matched by every error returned when a round
	// cannot collect the required number of successful replica calls.
	ErrQuorumUnreachable = errors.New("quorum unreachable")

	// ErrRejected is returned by conditional-write operations when the replica
	// answered but refused the write. Broadcast treats it as a replica failure.
	ErrRejected = errors.New("conditional write rejected")
)

// QuorumError describes a failed broadcast round.
type QuorumError struct {
	Required  int
	Succeeded int
	Replicas  int
	// Cause is the first replica error observed, if any.
	Cause error
}

func (e *QuorumError) Error() string {
	msg := fmt.Sprintf("quorum not met: succeeded=%d required=%d replicas=%d",
		e.Succeeded, e.Required, e.Replicas)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both ErrQuorumUnreachable and the underlying cause.
func (e *QuorumError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrQuorumUnreachable}
	}
	return []error{ErrQuorumUnreachable, e.Cause}
}

// LessThanHalf returns f, the number of replica failures tolerated by n replicas.
func LessThanHalf(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 2
}

// Size returns the quorum size n-f for n replicas.
func Size(n int) int {
	return n - LessThanHalf(n)
}

// Conditional turns the (applied, err) answer of a conditional write into a
// broadcast result: a refused write becomes ErrRejected.
func Conditional(applied bool, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	if !applied {
		return false, ErrRejected
	}
	return true, nil
}

// Func is a single call against one replica.
type Func[A, R any] func(ctx context.Context, replica A) (R, error)

type completion[R any] struct {
	index  int
	result R
	err    error
}

// BroadcastAll runs fn against every replica. See Broadcast.
func BroadcastAll[A, R any](ctx context.Context, pool *Pool, replicas []A, minSuccessful int, fn Func[A, R], failure R) ([]R, error) {
	fns := make([]Func[A, R], len(replicas))
	for i := range fns {
		fns[i] = fn
	}
	return Broadcast(ctx, pool, replicas, minSuccessful, fns, failure)
}

// Broadcast runs fns[i] against replicas[i] concurrently and returns once
// minSuccessful calls have succeeded. A nil entry in fns leaves that replica
// out of the round.
//
// The returned slice has one slot per replica holding the call's result, or
// failure for replicas that failed, were skipped or had not answered yet.
// Calls still in flight when the round resolves have their context cancelled
// and their results discarded; writes they already applied stay applied.
//
// If the outstanding calls can no longer reach minSuccessful, Broadcast
// returns a *QuorumError carrying the first replica error observed.
func Broadcast[A, R any](ctx context.Context, pool *Pool, replicas []A, minSuccessful int, fns []Func[A, R], failure R) ([]R, error) {
	if len(fns) != len(replicas) {
		return nil, fmt.Errorf("broadcast: %d operations for %d replicas", len(fns), len(replicas))
	}

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so stragglers never block after the round has resolved.
	done := make(chan completion[R], len(replicas))
	recipients := 0
	for i, fn := range fns {
		if fn == nil {
			continue
		}
		recipients++
		go func(i int, fn Func[A, R]) {
			var (
				result R
				err    error
			)
			if perr := pool.Do(roundCtx, func() {
				result, err = fn(roundCtx, replicas[i])
			}); perr != nil {
				err = perr
			}
			done <- completion[R]{index: i, result: result, err: err}
		}(i, fn)
	}

	var (
		successes int
		received  int
		firstErr  error
		ok        = make([]bool, len(replicas))
		results   = make([]R, len(replicas))
	)

	for successes < minSuccessful && successes+(recipients-received) >= minSuccessful {
		select {
		case c := <-done:
			received++
			if c.err != nil {
				if firstErr == nil {
					firstErr = c.err
				}
				continue
			}
			ok[c.index] = true
			results[c.index] = c.result
			successes++
		case <-ctx.Done():
			return nil, &QuorumError{
				Required:  minSuccessful,
				Succeeded: successes,
				Replicas:  len(replicas),
				Cause:     ctx.Err(),
			}
		}
	}

	if successes < minSuccessful {
		return nil, &QuorumError{
			Required:  minSuccessful,
			Succeeded: successes,
			Replicas:  len(replicas),
			Cause:     firstErr,
		}
	}

	for i := range results {
		if !ok[i] {
			results[i] = failure
		}
	}
	return results, nil
}
