package register_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"caspaxos/internal/nemesis"
	"caspaxos/internal/quorum"
	"caspaxos/internal/register"
	"caspaxos/internal/storage"
)

const key = "k"

// cluster holds in-memory register replicas, each behind a fault injector.
type cluster struct {
	stores map[int64]*storage.RegisterStore
	faulty map[int64]*nemesis.RegisterReplica
}

func newCluster(faults nemesis.Faults, ids ...int64) *cluster {
	c := &cluster{
		stores: make(map[int64]*storage.RegisterStore),
		faulty: make(map[int64]*nemesis.RegisterReplica),
	}
	for _, id := range ids {
		store := storage.NewRegisterStore(id)
		c.stores[id] = store
		c.faulty[id] = nemesis.WrapRegister(store, faults)
	}
	return c
}

func (c *cluster) load(id int64) (register.Replica, error) {
	r, ok := c.faulty[id]
	if !ok {
		return nil, fmt.Errorf("unknown replica %d", id)
	}
	return r, nil
}

// loadDirect bypasses fault injection.
func (c *cluster) loadDirect(id int64) (register.Replica, error) {
	s, ok := c.stores[id]
	if !ok {
		return nil, fmt.Errorf("unknown replica %d", id)
	}
	return s, nil
}

func (c *cluster) state(t *testing.T, id int64) register.State {
	t.Helper()
	s, err := c.stores[id].Read(context.Background(), key)
	require.NoError(t, err)
	return s
}

func (c *cluster) seed(t *testing.T, state register.State, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		ok, err := c.stores[id].PutIfAbsent(context.Background(), key, state)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func stringClient(t *testing.T, c *cluster, ids []int64, opts ...register.Option) *register.Client[string] {
	t.Helper()
	client, err := register.NewClient[string](key, ids, c.load, register.StringTranscoder{}, opts...)
	require.NoError(t, err)
	return client
}

func set(v string) func(*string) *string {
	return func(*string) *string { return &v }
}

func appendTo(suffix string) func(*string) *string {
	return func(cur *string) *string {
		v := suffix
		if cur != nil {
			v = *cur + suffix
		}
		return &v
	}
}

func TestClient_ReadEmpty(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3)

	got, err := stringClient(t, c, []int64{1, 2, 3}).Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClient_WriteThenRead(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3)
	ids := []int64{1, 2, 3}

	var seen *string
	got, err := stringClient(t, c, ids).Write(ctx, func(cur *string) *string {
		seen = cur
		v := "hello"
		return &v
	})
	require.NoError(t, err)
	assert.Nil(t, seen, "an empty register passes nil to the update")
	require.NotNil(t, got)
	assert.Equal(t, "hello", *got)

	read, err := stringClient(t, c, ids).Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, "hello", *read)
}

func TestClient_WriteNilClearsValue(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3)
	client := stringClient(t, c, []int64{1, 2, 3})

	_, err := client.Write(ctx, set("x"))
	require.NoError(t, err)
	_, err = client.Write(ctx, func(*string) *string { return nil })
	require.NoError(t, err)

	got, err := stringClient(t, c, []int64{1, 2, 3}).Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClient_UpdatesApplyInOrder(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3)
	a := stringClient(t, c, []int64{1, 2, 3})
	b := stringClient(t, c, []int64{1, 2, 3}, register.WithoutFastPath())

	for _, step := range []struct {
		client *register.Client[string]
		suffix string
	}{{a, "a"}, {b, "b"}, {b, "c"}} {
		_, err := step.client.Write(ctx, appendTo(step.suffix))
		require.NoError(t, err)
	}

	// a's fast path was invalidated by b.
	_, err := a.Write(ctx, appendTo("d"))
	require.ErrorIs(t, err, quorum.ErrQuorumUnreachable)

	got, err := a.Write(ctx, appendTo("d"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", *got)
}

func TestClient_FastPath(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3)
	client := stringClient(t, c, []int64{1, 2, 3}, register.WithPool(quorum.NewPool(8)))

	_, err := client.Write(ctx, set("a"))
	require.NoError(t, err)
	got, err := client.Write(ctx, appendTo("b"))
	require.NoError(t, err)
	assert.Equal(t, "ab", *got)

	fast := 0
	for id := range c.stores {
		s := c.state(t, id)
		if s.Proposal == 4 && s.Accepted == 3 {
			assert.Equal(t, []byte("ab"), s.Value)
			fast++
		}
	}
	assert.GreaterOrEqual(t, fast, 2, "second write was a single compare-and-set")
}

func TestClient_WithoutFastPath(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3)
	client := stringClient(t, c, []int64{1, 2, 3}, register.WithoutFastPath())

	_, err := client.Write(ctx, set("a"))
	require.NoError(t, err)
	_, err = client.Write(ctx, appendTo("b"))
	require.NoError(t, err)

	for id := range c.stores {
		s := c.state(t, id)
		assert.NotEqual(t, int64(3), s.Accepted, "second write ran a full round")
	}
}

func TestClient_AdoptsHighestAcceptedValue(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3)
	ids := []int64{1, 2, 3}
	c.seed(t, register.State{Proposal: 5, Accepted: 4, Value: []byte("old"), Replicas: ids}, 1)
	c.seed(t, register.State{Proposal: 7, Accepted: 6, Value: []byte("new"), Replicas: ids}, 2)
	c.faulty[3].SetEnabled(false)

	got, err := stringClient(t, c, ids).Write(ctx, appendTo("!"))
	require.NoError(t, err)
	assert.Equal(t, "new!", *got)

	for _, id := range []int64{1, 2} {
		s := c.state(t, id)
		assert.Equal(t, int64(9), s.Proposal)
		assert.Equal(t, int64(8), s.Accepted)
	}
}

func TestClient_ReadUnsafe(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3)
	ids := []int64{1, 2, 3}

	got, err := stringClient(t, c, ids).ReadUnsafe(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	for id := range c.stores {
		assert.Equal(t, register.Empty.Proposal, c.state(t, id).Proposal, "empty read writes nothing")
	}

	committed := register.State{Proposal: 3, Accepted: 2, Value: []byte("v"), Replicas: ids}
	c.seed(t, committed, 1, 2, 3)
	got, err = stringClient(t, c, ids).ReadUnsafe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", *got)
	for id := range c.stores {
		assert.Equal(t, int64(3), c.state(t, id).Proposal, "settled value read in one round trip")
	}
}

func TestClient_ReadUnsafeFinishesPartialWrite(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3)
	ids := []int64{1, 2, 3}
	c.seed(t, register.State{Proposal: 3, Accepted: 2, Value: []byte("v"), Replicas: ids}, 1)
	c.faulty[3].SetEnabled(false)

	got, err := stringClient(t, c, ids).ReadUnsafe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", *got)
	assert.Equal(t, []byte("v"), c.state(t, 2).Value)
}

func TestClient_FailsWithoutQuorum(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3)
	client := stringClient(t, c, []int64{1, 2, 3})
	c.faulty[1].SetEnabled(false)
	c.faulty[2].SetEnabled(false)

	_, err := client.Write(ctx, set("x"))
	require.ErrorIs(t, err, quorum.ErrQuorumUnreachable)
	assert.ErrorIs(t, err, nemesis.ErrDisabled)

	_, err = client.Read(ctx)
	assert.ErrorIs(t, err, quorum.ErrQuorumUnreachable)
}

func TestNewClient_Errors(t *testing.T) {
	c := newCluster(nemesis.Faults{}, 1)

	_, err := register.NewClient[string](key, nil, c.load, register.StringTranscoder{})
	assert.ErrorIs(t, err, register.ErrNoReplicas)

	_, err = register.NewClient[string](key, []int64{1, 2}, c.load, register.StringTranscoder{})
	assert.ErrorContains(t, err, "unknown replica 2")
}

func TestClient_ModifyQuorum(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3, 4)
	client := stringClient(t, c, []int64{1, 2, 3}, register.WithoutFastPath())

	_, err := client.Write(ctx, set("v"))
	require.NoError(t, err)

	var given []int64
	update, err := client.ModifyQuorum(ctx, func(ids []int64) register.ReplicaUpdate {
		given = ids
		return register.AddReplica(4)
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, given)
	assert.Equal(t, register.AddReplica(4), update)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, client.Replicas())

	got, err := client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", *got)
	completed := 0
	for id := range c.stores {
		s := c.state(t, id)
		if s.Pending == register.NoChange() && len(s.Replicas) == 4 {
			completed++
		}
	}
	assert.GreaterOrEqual(t, completed, 3, "read on the new membership completed the delta")

	update, err = client.ModifyQuorum(ctx, func([]int64) register.ReplicaUpdate {
		return register.RemoveReplica(1)
	})
	require.NoError(t, err)
	assert.Equal(t, register.RemoveReplica(1), update)
	assert.ElementsMatch(t, []int64{2, 3, 4}, client.Replicas())

	stale := stringClient(t, c, []int64{1, 2, 3})
	got, err = stale.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", *got)
	assert.ElementsMatch(t, []int64{2, 3, 4}, stale.Replicas())
}

func TestClient_ModifyQuorumCompletesPendingChange(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3, 4)
	pending := register.State{
		Proposal: 3,
		Accepted: 2,
		Value:    []byte("v"),
		Replicas: []int64{1, 2, 3},
		Pending:  register.AddReplica(4),
	}
	c.seed(t, pending, 1, 2, 3)

	client := stringClient(t, c, []int64{1, 2, 3}, register.WithoutFastPath())
	update, err := client.ModifyQuorum(ctx, func([]int64) register.ReplicaUpdate {
		return register.RemoveReplica(2)
	})
	require.NoError(t, err)
	assert.Equal(t, register.AddReplica(4), update)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, client.Replicas())

	settled := 0
	for id := range c.stores {
		s := c.state(t, id)
		if s.Accepted == 4 {
			assert.Equal(t, register.NoChange(), s.Pending)
			assert.ElementsMatch(t, []int64{1, 2, 3, 4}, s.Replicas)
			settled++
		}
	}
	assert.GreaterOrEqual(t, settled, 3)
}

func TestClient_ModifyQuorumDecidesUnchosenChangeAgain(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3, 4)
	c.seed(t, register.State{
		Proposal: 3,
		Accepted: 2,
		Value:    []byte("v"),
		Replicas: []int64{1, 2, 3},
		Pending:  register.AddReplica(4),
	}, 1)
	c.faulty[3].SetEnabled(false)

	client := stringClient(t, c, []int64{1, 2, 3}, register.WithoutFastPath())
	update, err := client.ModifyQuorum(ctx, func([]int64) register.ReplicaUpdate {
		return register.RemoveReplica(2)
	})
	require.NoError(t, err)
	assert.Equal(t, register.AddReplica(4), update)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, client.Replicas())

	// Accepted on one replica only, so the delta is decided again on the
	// membership it was proposed on instead of being cleared.
	for _, id := range []int64{1, 2} {
		s := c.state(t, id)
		assert.Equal(t, int64(4), s.Accepted)
		assert.Equal(t, []int64{1, 2, 3}, s.Replicas)
		assert.Equal(t, register.AddReplica(4), s.Pending)
	}
	assert.True(t, c.state(t, 4).Proposal == 0, "replica 4 takes no part before the delta is chosen")

	got, err := client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", *got)
	for _, id := range []int64{1, 2, 4} {
		s := c.state(t, id)
		assert.Equal(t, register.NoChange(), s.Pending)
		assert.ElementsMatch(t, []int64{1, 2, 3, 4}, s.Replicas)
	}
}

func TestClient_StaleViewFollowsAcceptedMembership(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3, 4)
	c.seed(t, register.State{
		Proposal: 3,
		Accepted: 2,
		Value:    []byte("v"),
		Replicas: []int64{1, 2, 3},
		Pending:  register.AddReplica(4),
	}, 1)
	c.faulty[3].SetEnabled(false)

	// A client already configured with the post-change membership runs on
	// the membership the delta was accepted on until the delta is chosen.
	client := stringClient(t, c, []int64{1, 2, 3, 4}, register.WithoutFastPath())
	got, err := client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", *got)
	assert.Equal(t, register.AddReplica(4), c.state(t, 2).Pending)
	assert.Equal(t, []int64{1, 2, 3}, c.state(t, 2).Replicas)
}

func TestClient_ModifyQuorumValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		ids    []int64
		update register.ReplicaUpdate
	}{
		{"add existing member", []int64{1, 2, 3}, register.AddReplica(2)},
		{"remove non-member", []int64{1, 2, 3}, register.RemoveReplica(7)},
		{"remove last member", []int64{1}, register.RemoveReplica(1)},
		{"unknown change", []int64{1, 2, 3}, register.ReplicaUpdate{Change: 9, Replica: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(nemesis.Faults{}, tt.ids...)
			client := stringClient(t, c, tt.ids)
			_, err := client.ModifyQuorum(ctx, func([]int64) register.ReplicaUpdate { return tt.update })
			assert.ErrorIs(t, err, register.ErrInvalidReplicaUpdate)
			assert.ElementsMatch(t, tt.ids, client.Replicas())
		})
	}
}

func appendUnique(x int64) func(*[]int64) *[]int64 {
	return func(cur *[]int64) *[]int64 {
		var list []int64
		if cur != nil {
			list = slices.Clone(*cur)
		}
		if !slices.Contains(list, x) {
			list = append(list, x)
		}
		return &list
	}
}

func TestClient_ConcurrentAppends(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping fault injection scenario in short mode")
	}
	ctx := context.Background()
	ids := []int64{1, 2, 3}
	c := newCluster(nemesis.Faults{FailureProbability: 0.2}, ids...)
	pool := quorum.NewPool(16)

	const perClient = 15
	bases := []int64{100, 200}
	g, ctx := errgroup.WithContext(ctx)
	for _, base := range bases {
		client, err := register.NewClient[[]int64](key, ids, c.load, register.Int64sTranscoder{}, register.WithPool(pool))
		require.NoError(t, err)
		g.Go(func() error {
			for i := int64(1); i <= perClient; i++ {
				var err error
				for attempt := 0; attempt < 100; attempt++ {
					if _, err = client.Write(ctx, appendUnique(base+i)); err == nil {
						break
					}
				}
				if err != nil {
					return fmt.Errorf("append %d: %w", base+i, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	reader, err := register.NewClient[[]int64](key, ids, c.loadDirect, register.Int64sTranscoder{})
	require.NoError(t, err)
	got, err := reader.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	list := *got
	assert.Len(t, list, perClient*len(bases))

	for _, base := range bases {
		var mine []int64
		for _, x := range list {
			if x > base && x <= base+perClient {
				mine = append(mine, x)
			}
		}
		require.Len(t, mine, perClient, "every append of client %d committed once", base)
		assert.True(t, slices.IsSorted(mine), "appends of client %d kept their order", base)
	}
}

func TestClient_SingleWriterAppends(t *testing.T) {
	ctx := context.Background()
	c := newCluster(nemesis.Faults{}, 1, 2, 3, 4, 5)
	client, err := register.NewClient[[]int64](key, []int64{1, 2, 3, 4, 5}, c.load, register.Int64sTranscoder{})
	require.NoError(t, err)

	var want []int64
	for i := int64(0); i < 20; i++ {
		got, err := client.Write(ctx, func(cur *[]int64) *[]int64 {
			var list []int64
			if cur != nil {
				list = *cur
			}
			list = append(slices.Clone(list), i)
			return &list
		})
		require.NoError(t, err)
		want = append(want, i)
		assert.Equal(t, want, *got)
	}
}

func TestClient_AppendsSurviveReconfiguration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping fault injection scenario in short mode")
	}
	steps := []register.ReplicaUpdate{
		register.AddReplica(4),
		register.RemoveReplica(1),
		register.AddReplica(5),
		register.RemoveReplica(2),
	}
	const (
		perClient = 20
		attempts  = 200
	)
	bases := []int64{100, 200}
	ids := []int64{1, 2, 3}

	for trial := 0; trial < 5; trial++ {
		c := newCluster(nemesis.Faults{FailureProbability: 0.2}, 1, 2, 3, 4, 5)
		pool := quorum.NewPool(16)
		g, ctx := errgroup.WithContext(context.Background())

		for _, base := range bases {
			client, err := register.NewClient[[]int64](key, ids, c.load, register.Int64sTranscoder{}, register.WithPool(pool))
			require.NoError(t, err)
			g.Go(func() error {
				for i := int64(1); i <= perClient; i++ {
					var err error
					for range attempts {
						if _, err = client.Write(ctx, appendUnique(base+i)); err == nil {
							break
						}
					}
					if err != nil {
						return fmt.Errorf("append %d: %w", base+i, err)
					}
				}
				return nil
			})
		}

		reconfigurer, err := register.NewClient[[]int64](key, ids, c.load, register.Int64sTranscoder{}, register.WithPool(pool))
		require.NoError(t, err)
		g.Go(func() error {
			for _, step := range steps {
				done := false
				for range attempts {
					got, err := reconfigurer.ModifyQuorum(ctx, func([]int64) register.ReplicaUpdate { return step })
					// An earlier ambiguous attempt may already have applied it.
					if (err == nil && got == step) || errors.Is(err, register.ErrInvalidReplicaUpdate) {
						done = true
						break
					}
				}
				if !done {
					return fmt.Errorf("membership change %s did not complete", step)
				}
			}
			return nil
		})
		require.NoError(t, g.Wait(), "trial %d", trial)

		reader, err := register.NewClient[[]int64](key, ids, c.loadDirect, register.Int64sTranscoder{})
		require.NoError(t, err)
		got, err := reader.Read(context.Background())
		require.NoError(t, err)
		require.NotNil(t, got)
		list := *got

		assert.ElementsMatch(t, []int64{3, 4, 5}, reader.Replicas(), "trial %d", trial)
		require.Len(t, list, perClient*len(bases), "trial %d: %v", trial, list)
		for _, base := range bases {
			var mine []int64
			for _, x := range list {
				if x > base && x <= base+perClient {
					mine = append(mine, x)
				}
			}
			require.Len(t, mine, perClient, "trial %d: every append of client %d committed once", trial, base)
			assert.True(t, slices.IsSorted(mine), "trial %d: appends of client %d kept their order", trial, base)
		}
	}
}
