package quorum

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func replicaNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = "r" + string(rune('1'+i))
	}
	return names
}

func TestBroadcast_Success(t *testing.T) {
	replicas := replicaNames(3)

	results, err := BroadcastAll(context.Background(), NewPool(4), replicas, 2,
		func(ctx context.Context, replica string) (string, error) {
			return "ok:" + replica, nil
		}, "")

	require.NoError(t, err)
	require.Len(t, results, 3)
	successes := 0
	for i, r := range results {
		if r != "" {
			assert.Equal(t, "ok:"+replicas[i], r)
			successes++
		}
	}
	assert.GreaterOrEqual(t, successes, 2)
}

func TestBroadcast_QuorumNotMet(t *testing.T) {
	replicas := replicaNames(3)
	boom := errors.New("replica failed")

	_, err := BroadcastAll(context.Background(), nil, replicas, 3,
		func(ctx context.Context, replica string) (bool, error) {
			if replica == "r3" {
				return false, boom
			}
			return true, nil
		}, false)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuorumUnreachable)
	assert.ErrorIs(t, err, boom)

	var qe *QuorumError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 3, qe.Required)
	assert.Equal(t, 3, qe.Replicas)
	assert.Less(t, qe.Succeeded, 3)
}

func TestBroadcast_FailureSentinelForSlowReplicas(t *testing.T) {
	replicas := replicaNames(3)
	release := make(chan struct{})
	defer close(release)

	results, err := BroadcastAll(context.Background(), nil, replicas, 2,
		func(ctx context.Context, replica string) (int, error) {
			if replica == "r3" {
				select {
				case <-ctx.Done():
					return 0, ctx.Err()
				case <-release:
					return 3, nil
				}
			}
			return 1, nil
		}, -1)

	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, -1}, results)
}

func TestBroadcast_SkipsNilOperations(t *testing.T) {
	replicas := replicaNames(3)
	var calls atomic.Int32
	op := func(ctx context.Context, replica string) (bool, error) {
		calls.Add(1)
		return true, nil
	}

	results, err := Broadcast(context.Background(), nil, replicas, 2,
		[]Func[string, bool]{op, nil, op}, false)

	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, results)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBroadcast_FailsFastWhenQuorumImpossible(t *testing.T) {
	replicas := replicaNames(3)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := BroadcastAll(context.Background(), nil, replicas, 2,
		func(ctx context.Context, replica string) (bool, error) {
			if replica == "r1" {
				select {
				case <-ctx.Done():
					return false, ctx.Err()
				case <-release:
					return true, nil
				}
			}
			return false, ErrRejected
		}, false)

	require.ErrorIs(t, err, ErrQuorumUnreachable)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBroadcast_NotEnoughRecipients(t *testing.T) {
	replicas := replicaNames(3)
	op := func(ctx context.Context, replica string) (bool, error) { return true, nil }

	_, err := Broadcast(context.Background(), nil, replicas, 2,
		[]Func[string, bool]{op, nil, nil}, false)

	require.ErrorIs(t, err, ErrQuorumUnreachable)
}

func TestBroadcast_EarlySuccess(t *testing.T) {
	replicas := replicaNames(5)

	start := time.Now()
	_, err := BroadcastAll(context.Background(), NewPool(8), replicas, 2,
		func(ctx context.Context, replica string) (bool, error) {
			if replica == "r1" || replica == "r2" {
				return true, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(5 * time.Second):
				return true, nil
			}
		}, false)

	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "round should resolve on the fastest replicas")
}

func TestBroadcast_ParentContextCancelled(t *testing.T) {
	replicas := replicaNames(3)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := BroadcastAll(ctx, nil, replicas, 2,
		func(ctx context.Context, replica string) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}, false)

	require.ErrorIs(t, err, ErrQuorumUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcast_MismatchedOperations(t *testing.T) {
	_, err := Broadcast(context.Background(), nil, replicaNames(3), 2,
		make([]Func[string, bool], 2), false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuorumUnreachable)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	replicas := replicaNames(5)
	var running, peak atomic.Int32

	_, err := BroadcastAll(context.Background(), pool, replicas, 5,
		func(ctx context.Context, replica string) (bool, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return true, nil
		}, false)

	require.NoError(t, err)
	pool.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
