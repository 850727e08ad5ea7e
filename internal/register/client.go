package register

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"caspaxos/internal/metrics"
	"caspaxos/internal/quorum"
)

const clientLabel = "register"

var (
	// ErrNoReplicas is returned when a client is created without replicas.
	ErrNoReplicas = errors.New("no replicas")
	// ErrInvalidReplicaUpdate is returned for membership deltas that do not
	// fit the current membership.
	ErrInvalidReplicaUpdate = errors.New("invalid replica update")
)

// Loader returns the handle for a replica id. Handles are owned by the
// loader; clients never close them.
type Loader func(id int64) (Replica, error)

// Option configures a Client.
type Option func(*options)

type options struct {
	pool     *quorum.Pool
	logger   *zap.Logger
	metrics  *metrics.Metrics
	fastPath bool
}

// WithPool runs replica calls on a shared worker pool.
func WithPool(pool *quorum.Pool) Option {
	return func(o *options) { o.pool = pool }
}

// WithLogger sets the client's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records round outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithoutFastPath forces every operation through a full round.
func WithoutFastPath() Option {
	return func(o *options) { o.fastPath = false }
}

// view is an immutable replica configuration. A client replaces its view as
// a whole; a view is never modified while a round uses it.
type view struct {
	version  uint64
	replicas []Replica
	ids      []int64
	f        int
}

func newView(version uint64, replicas []Replica) *view {
	ids := make([]int64, len(replicas))
	for i, r := range replicas {
		ids[i] = r.ID()
	}
	return &view{
		version:  version,
		replicas: replicas,
		ids:      ids,
		f:        quorum.LessThanHalf(len(replicas)),
	}
}

func (v *view) quorum() int {
	return len(v.replicas) - v.f
}

func (v *view) sameMembers(ids []int64) bool {
	if len(ids) != len(v.ids) {
		return false
	}
	for _, id := range ids {
		if !slices.Contains(v.ids, id) {
			return false
		}
	}
	return true
}

// Client reads and updates one register.
//
// A Client is not safe for concurrent use. Independent clients may operate
// on the same register; replica conditional writes keep them consistent.
type Client[T any] struct {
	key    string
	loader Loader
	tc     Transcoder[T]
	opts   options
	logger *zap.Logger

	view *view
	// fast is the state this client committed in its last round, used as
	// the compare-and-set guard of the next one round trip update.
	fast *State
	// changed is the last state carrying a membership delta that this client
	// committed. Its view already runs on the post-change membership.
	changed *State
}

// NewClient creates a client for the register stored under key on the
// replicas ids, opening each through loader.
func NewClient[T any](key string, ids []int64, loader Loader, tc Transcoder[T], opts ...Option) (*Client[T], error) {
	if len(ids) == 0 {
		return nil, ErrNoReplicas
	}
	o := options{logger: zap.NewNop(), fastPath: true}
	for _, opt := range opts {
		opt(&o)
	}

	replicas := make([]Replica, 0, len(ids))
	for _, id := range ids {
		r, err := loader(id)
		if err != nil {
			return nil, fmt.Errorf("load replica %d: %w", id, err)
		}
		replicas = append(replicas, r)
	}

	return &Client[T]{
		key:    key,
		loader: loader,
		tc:     tc,
		opts:   o,
		logger: o.logger.Named("register").With(zap.String("key", key)),
		view:   newView(1, replicas),
	}, nil
}

// Replicas returns the ids in the client's current view.
func (c *Client[T]) Replicas() []int64 {
	return slices.Clone(c.view.ids)
}

type roundResult[T any] struct {
	value  *T
	update ReplicaUpdate
}

func identity[T any](v *T) *T { return v }

func keepReplicas([]int64) ReplicaUpdate { return NoChange() }

// Read returns the committed value, or nil if the register was never
// written. It always runs a consensus round.
func (c *Client[T]) Read(ctx context.Context) (*T, error) {
	return c.Write(ctx, identity[T])
}

// Write commits update applied to the current value and returns the new
// value. update receives nil when the register is empty and may return nil.
//
// update must be free of side effects: it can run once per call and its
// result may be committed even when Write returns an error.
func (c *Client[T]) Write(ctx context.Context, update func(*T) *T) (*T, error) {
	res, err := c.round(ctx, update, keepReplicas)
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

// ModifyQuorum commits the membership delta returned by update, which is
// given the current replica ids. If an earlier round left a delta pending,
// that delta is completed instead and returned.
func (c *Client[T]) ModifyQuorum(ctx context.Context, update func(ids []int64) ReplicaUpdate) (ReplicaUpdate, error) {
	res, err := c.round(ctx, identity[T], update)
	if err != nil {
		return ReplicaUpdate{}, err
	}
	return res.update, nil
}

// ReadUnsafe returns the committed value in one round trip when a quorum
// already agrees on it and falls back to a full round otherwise.
func (c *Client[T]) ReadUnsafe(ctx context.Context) (*T, error) {
	initial, v, err := c.readInitial(ctx)
	if err != nil {
		return nil, err
	}
	highest := highestAccepted(initial)
	if highest.Accepted == 0 {
		return nil, nil
	}
	if chosen(initial, highest, v.quorum()) {
		return c.decode(highest.Value)
	}
	res, err := c.write2(ctx, v, identity[T], keepReplicas, initial)
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

func (c *Client[T]) round(ctx context.Context, updateValue func(*T) *T, updateReplicas func([]int64) ReplicaUpdate) (roundResult[T], error) {
	if c.fast != nil {
		return c.fastRound(ctx, updateValue, updateReplicas)
	}
	initial, v, err := c.readInitial(ctx)
	if err != nil {
		return roundResult[T]{}, err
	}
	return c.write2(ctx, v, updateValue, updateReplicas, initial)
}

// fastRound applies the update on top of the state this client committed
// last, in a single compare-and-set round trip. On failure the cached state
// is dropped and the error returned; the update is not retried, since it may
// already be applied on some replicas.
func (c *Client[T]) fastRound(ctx context.Context, updateValue func(*T) *T, updateReplicas func([]int64) ReplicaUpdate) (roundResult[T], error) {
	prev := *c.fast
	c.fast = nil

	current, err := c.decode(prev.Value)
	if err != nil {
		return roundResult[T]{}, err
	}
	nextValue := updateValue(current)
	encoded, err := c.encode(nextValue)
	if err != nil {
		return roundResult[T]{}, err
	}

	v := c.view
	update := updateReplicas(slices.Clone(v.ids))
	if err := validateUpdate(update, v.ids); err != nil {
		return roundResult[T]{}, err
	}

	next := State{
		Proposal: prev.Proposal + 1,
		Accepted: prev.Proposal,
		Value:    encoded,
		Replicas: slices.Clone(v.ids),
		Pending:  update,
	}
	start := time.Now()
	_, err = quorum.BroadcastAll(ctx, c.opts.pool, v.replicas, v.quorum(),
		func(ctx context.Context, r Replica) (bool, error) {
			return quorum.Conditional(r.CompareAndSet(ctx, c.key, next, prev))
		}, false)
	c.opts.metrics.ObserveBroadcast(clientLabel, "fast_path", start)
	c.opts.metrics.FastPath(clientLabel, err == nil)
	if err != nil {
		c.logger.Debug("fast path update failed", zap.Int64("proposal", next.Proposal), zap.Error(err))
		return roundResult[T]{}, fmt.Errorf("fast path update of %q: %w", c.key, err)
	}

	c.committed(next)
	return roundResult[T]{value: nextValue, update: update}, nil
}

type readResult struct {
	state State
	ok    bool
}

// chosen reports whether at least quorum replicas accepted highest in the
// same round, so that no later round can replace it.
func chosen(results []readResult, highest State, quorum int) bool {
	count := 0
	for _, r := range results {
		if r.ok && sameAccept(r.state, highest) {
			count++
		}
	}
	return count >= quorum
}

func sameAccept(a, b State) bool {
	return a.Accepted == b.Accepted && a.Pending == b.Pending &&
		slices.Equal(a.Value, b.Value) && slices.Equal(a.Replicas, b.Replicas)
}

func highestAccepted(results []readResult) State {
	var (
		highest State
		found   bool
	)
	for _, r := range results {
		if r.ok && (!found || r.state.Accepted > highest.Accepted) {
			highest = r.state
			found = true
		}
	}
	return highest
}

// readInitial reads the register from a quorum of the current view.
//
// A round runs on the membership the highest accepted state was accepted
// on; when the view differs, the client adopts that membership and reads
// again. The one exception is a membership delta known to be chosen, either
// committed by this client or seen on a quorum of its pre-change membership.
// Such a round runs on the post-change membership and completes the delta.
// prior is the highest state of the previous read, if the view was swapped.
func (c *Client[T]) readInitial(ctx context.Context) ([]readResult, *view, error) {
	settled := c.changed
	var prior State
	for {
		v := c.view
		start := time.Now()
		results, err := quorum.BroadcastAll(ctx, c.opts.pool, v.replicas, v.quorum(),
			func(ctx context.Context, r Replica) (readResult, error) {
				state, err := r.Read(ctx, c.key)
				if err != nil {
					return readResult{}, err
				}
				return readResult{state: state, ok: true}, nil
			}, readResult{})
		c.opts.metrics.ObserveBroadcast(clientLabel, "read", start)
		if err != nil {
			c.opts.metrics.Round(clientLabel, "read", metrics.OutcomeFailure)
			return nil, nil, fmt.Errorf("read %q: %w", c.key, err)
		}

		highest := highestAccepted(results)
		if highest.Accepted == 0 || len(highest.Replicas) == 0 {
			return results, v, nil
		}
		if highest.Pending.Change != Unmodified && v.sameMembers(highest.members()) {
			// A state accepted later on the post-change membership also
			// proves the delta was chosen.
			if (settled != nil && sameAccept(highest, *settled)) ||
				(prior.Accepted > highest.Accepted && v.sameMembers(prior.Replicas)) {
				return results, v, nil
			}
		}
		if !v.sameMembers(highest.Replicas) {
			settled, prior = nil, highest
			if err := c.adoptMembership(highest.Replicas); err != nil {
				return nil, nil, err
			}
			continue
		}
		if highest.Pending.Change == Unmodified || !chosen(results, highest, v.quorum()) {
			return results, v, nil
		}
		settled, prior = &highest, highest
		if err := c.adoptMembership(highest.members()); err != nil {
			return nil, nil, err
		}
	}
}

// adoptMembership switches the client to the committed membership ids,
// reusing handles it already holds.
func (c *Client[T]) adoptMembership(ids []int64) error {
	replicas, err := c.resolve(ids)
	if err != nil {
		return err
	}
	old := c.view
	c.view = newView(old.version+1, replicas)
	c.opts.metrics.ViewChanged()
	c.logger.Info("adopted committed membership",
		zap.Int64s("from", old.ids), zap.Int64s("to", c.view.ids), zap.Uint64("view", c.view.version))
	return nil
}

func (c *Client[T]) resolve(ids []int64) ([]Replica, error) {
	replicas := make([]Replica, 0, len(ids))
	for _, id := range ids {
		if i := slices.Index(c.view.ids, id); i >= 0 {
			replicas = append(replicas, c.view.replicas[i])
			continue
		}
		r, err := c.loader(id)
		if err != nil {
			return nil, fmt.Errorf("load replica %d: %w", id, err)
		}
		replicas = append(replicas, r)
	}
	return replicas, nil
}

func (c *Client[T]) write2(ctx context.Context, v *view, updateValue func(*T) *T, updateReplicas func([]int64) ReplicaUpdate, initial []readResult) (roundResult[T], error) {
	highest := int64(1)
	for _, r := range initial {
		if r.ok && r.state.Proposal > highest {
			highest = r.state.Proposal
		}
	}
	newProposal := highest + 1

	proposed, err := c.propose(ctx, v, initial, newProposal)
	if err != nil {
		return roundResult[T]{}, err
	}
	return c.accept(ctx, v, updateValue, updateReplicas, newProposal, proposed)
}

// propose raises the proposal number on every replica that answered the
// initial read, preserving everything else it holds.
func (c *Client[T]) propose(ctx context.Context, v *view, initial []readResult, newProposal int64) ([]readResult, error) {
	fns := make([]quorum.Func[Replica, readResult], len(v.replicas))
	for i, r := range initial {
		if !r.ok {
			continue
		}
		observed := r.state
		next := State{
			Proposal: newProposal,
			Accepted: observed.Accepted,
			Value:    observed.Value,
			Replicas: observed.Replicas,
			Pending:  observed.Pending,
		}
		fns[i] = func(ctx context.Context, replica Replica) (readResult, error) {
			if _, err := quorum.Conditional(writeAtomic(ctx, replica, c.key, next, observed)); err != nil {
				return readResult{}, err
			}
			return readResult{state: next, ok: true}, nil
		}
	}

	start := time.Now()
	proposed, err := quorum.Broadcast(ctx, c.opts.pool, v.replicas, v.quorum(), fns, readResult{})
	c.opts.metrics.ObserveBroadcast(clientLabel, "propose", start)
	if err != nil {
		c.opts.metrics.Round(clientLabel, "propose", metrics.OutcomeFailure)
		c.logger.Debug("propose failed", zap.Int64("proposal", newProposal), zap.Error(err))
		return nil, fmt.Errorf("propose %d for %q: %w", newProposal, c.key, err)
	}
	c.opts.metrics.Round(clientLabel, "propose", metrics.OutcomeSuccess)
	return proposed, nil
}

// accept applies the updates to the highest accepted state among the
// proposed replicas and commits the result. A membership delta left pending
// by that state takes precedence over the caller's.
func (c *Client[T]) accept(ctx context.Context, v *view, updateValue func(*T) *T, updateReplicas func([]int64) ReplicaUpdate, newProposal int64, proposed []readResult) (roundResult[T], error) {
	highest := highestAccepted(proposed)

	current, err := c.decode(highest.Value)
	if err != nil {
		return roundResult[T]{}, err
	}
	nextValue := updateValue(current)
	encoded, err := c.encode(nextValue)
	if err != nil {
		return roundResult[T]{}, err
	}

	var update, pending ReplicaUpdate
	switch {
	case highest.Accepted > 0 && !v.sameMembers(highest.Replicas):
		// Only a chosen delta moves the view ahead of the accepted state;
		// the round then runs on the post-change membership and clears it.
		if highest.Pending.Change == Unmodified || !v.sameMembers(highest.members()) {
			return roundResult[T]{}, fmt.Errorf("register %q: membership changed during round, view %v, accepted on %v",
				c.key, v.ids, highest.Replicas)
		}
		update = highest.Pending
	case highest.Pending.Change == Unmodified:
		update = updateReplicas(slices.Clone(v.ids))
		if err := validateUpdate(update, v.ids); err != nil {
			return roundResult[T]{}, err
		}
		pending = update
	case highest.Pending.Change == ReplicaAdded, highest.Pending.Change == ReplicaRemoved:
		update = highest.Pending
		pending = update
	default:
		return roundResult[T]{}, fmt.Errorf("register %q: unknown membership change %d", c.key, highest.Pending.Change)
	}

	next := State{
		Proposal: newProposal + 1,
		Accepted: newProposal,
		Value:    encoded,
		Replicas: slices.Clone(v.ids),
		Pending:  pending,
	}
	fns := make([]quorum.Func[Replica, bool], len(v.replicas))
	for i, p := range proposed {
		if !p.ok {
			continue
		}
		expect := p.state
		fns[i] = func(ctx context.Context, replica Replica) (bool, error) {
			return quorum.Conditional(replica.CompareAndSet(ctx, c.key, next, expect))
		}
	}

	start := time.Now()
	_, err = quorum.Broadcast(ctx, c.opts.pool, v.replicas, v.quorum(), fns, false)
	c.opts.metrics.ObserveBroadcast(clientLabel, "accept", start)
	if err != nil {
		c.opts.metrics.Round(clientLabel, "accept", metrics.OutcomeFailure)
		c.logger.Debug("accept failed", zap.Int64("proposal", newProposal), zap.Error(err))
		return roundResult[T]{}, fmt.Errorf("accept %d for %q: %w", newProposal, c.key, err)
	}
	c.opts.metrics.Round(clientLabel, "accept", metrics.OutcomeSuccess)

	c.committed(next)
	return roundResult[T]{value: nextValue, update: update}, nil
}

// committed records next as the basis of the next fast path round and
// applies its membership delta to the client's view.
func (c *Client[T]) committed(next State) {
	if c.opts.fastPath {
		c.fast = &next
	}
	c.changed = nil
	if next.Pending.Change == Unmodified {
		return
	}

	ids := next.Pending.apply(c.view.ids)
	if c.view.sameMembers(ids) {
		return
	}
	replicas, err := c.resolve(ids)
	if err != nil {
		// The next full round re-reads the pending delta and retries.
		c.fast = nil
		c.logger.Warn("could not open replica for committed membership change",
			zap.Stringer("update", next.Pending), zap.Error(err))
		return
	}
	old := c.view
	c.view = newView(old.version+1, replicas)
	c.changed = &next
	c.opts.metrics.ViewChanged()
	c.logger.Info("membership changed",
		zap.Stringer("update", next.Pending), zap.Int64s("replicas", c.view.ids), zap.Uint64("view", c.view.version))
}

func validateUpdate(u ReplicaUpdate, ids []int64) error {
	switch u.Change {
	case Unmodified:
		return nil
	case ReplicaAdded:
		if slices.Contains(ids, u.Replica) {
			return fmt.Errorf("%w: replica %d is already a member", ErrInvalidReplicaUpdate, u.Replica)
		}
		return nil
	case ReplicaRemoved:
		if !slices.Contains(ids, u.Replica) {
			return fmt.Errorf("%w: replica %d is not a member", ErrInvalidReplicaUpdate, u.Replica)
		}
		if len(ids) == 1 {
			return fmt.Errorf("%w: cannot remove the last replica", ErrInvalidReplicaUpdate)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown change %d", ErrInvalidReplicaUpdate, u.Change)
	}
}

func (c *Client[T]) decode(b []byte) (*T, error) {
	if b == nil {
		return nil, nil
	}
	v, err := c.tc.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", c.key, err)
	}
	return &v, nil
}

func (c *Client[T]) encode(v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := c.tc.Encode(*v)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", c.key, err)
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}
