package replog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"caspaxos/internal/metrics"
	"caspaxos/internal/quorum"
)

const (
	clientLabel = "log"

	// fastPathProposal is reserved for one round trip writes. Full rounds
	// always start at 2, so any competing proposer blocks the fast path.
	fastPathProposal int32 = 1

	noFastPath int64 = -1
)

// ErrInvalidArgument is returned for out-of-range indices and nil values.
var ErrInvalidArgument = errors.New("invalid argument")

// Outcome tells the caller whose value ended up committed by a write.
type Outcome int

const (
	// NotCommitted is the zero Outcome, reported alongside errors.
	NotCommitted Outcome = iota
	// CommittedMine means the caller's value was committed at the index.
	CommittedMine
	// CommittedOther means a value accepted in an earlier round was committed
	// instead. It can be byte-identical to the caller's value.
	CommittedOther
)

func (o Outcome) String() string {
	switch o {
	case CommittedMine:
		return "committed-mine"
	case CommittedOther:
		return "committed-other"
	default:
		return "not-committed"
	}
}

// WriteResult is the result of Write.
type WriteResult struct {
	Outcome Outcome
	// Value is the value now committed at the index.
	Value []byte
}

// Committed reports whether the caller's own value won the index.
func (r WriteResult) Committed() bool {
	return r.Outcome == CommittedMine
}

// Option configures a Client.
type Option func(*Client)

// WithPool runs replica calls on a shared worker pool.
func WithPool(pool *quorum.Pool) Option {
	return func(c *Client) { c.pool = pool }
}

// WithLogger sets the client's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger.Named("replog") }
}

// WithMetrics records round outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithoutFastPath disables one round trip writes.
func WithoutFastPath() Option {
	return func(c *Client) { c.fastPathEnabled = false }
}

// WithoutOneRoundTripReads forces every read through a full round.
func WithoutOneRoundTripReads() Option {
	return func(c *Client) { c.oneRoundTripReads = false }
}

// Client runs log rounds against a fixed set of replicas.
//
// A Client is not safe for concurrent use. Several clients may share the
// same replicas; the replicas' conditional writes keep them consistent.
type Client struct {
	replicas []Replica
	n        int
	f        int

	pool    *quorum.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics

	fastPathEnabled   bool
	oneRoundTripReads bool

	// fastPathIndex is the index this client may write with proposal 1,
	// i.e. one past the last index it committed its own value at.
	fastPathIndex int64
}

// NewClient creates a log client over replicas.
func NewClient(replicas []Replica, opts ...Option) *Client {
	n := len(replicas)
	c := &Client{
		replicas:          append([]Replica(nil), replicas...),
		n:                 n,
		f:                 quorum.LessThanHalf(n),
		logger:            zap.NewNop(),
		fastPathEnabled:   true,
		oneRoundTripReads: true,
		fastPathIndex:     noFastPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) quorum() int {
	return c.n - c.f
}

// readResult is one replica's answer; ok is false for replicas that did not
// answer or refused a write.
type readResult struct {
	state State
	ok    bool
}

// Write tries to commit value at index.
//
// A nil error means some value is now committed at index; the Outcome says
// whether it is the caller's. Write never retries: on error the index may or
// may not hold a value and the caller decides whether to try again.
func (c *Client) Write(ctx context.Context, index int64, value []byte) (WriteResult, error) {
	if index <= 0 {
		return WriteResult{}, fmt.Errorf("%w: index %d must be positive", ErrInvalidArgument, index)
	}
	if value == nil {
		return WriteResult{}, fmt.Errorf("%w: nil value, use an empty slice", ErrInvalidArgument)
	}

	tried := c.fastPathEnabled && index == c.fastPathIndex
	if c.tryFastPath(ctx, index, value) {
		return WriteResult{Outcome: CommittedMine, Value: value}, nil
	}

	initial, err := c.readInitialValues(ctx, index)
	if err != nil {
		c.fastPathIndex = noFastPath
		return WriteResult{}, err
	}
	written, mine, err := c.write2(ctx, index, value, tried, initial)
	if err != nil {
		c.fastPathIndex = noFastPath
		return WriteResult{}, err
	}
	if mine {
		c.fastPathIndex = index + 1
		return WriteResult{Outcome: CommittedMine, Value: written}, nil
	}
	c.fastPathIndex = noFastPath
	return WriteResult{Outcome: CommittedOther, Value: written}, nil
}

// tryFastPath attempts a single round trip write of (1, 1, value). Only the
// client that committed index-1 holds the fast path for index.
func (c *Client) tryFastPath(ctx context.Context, index int64, value []byte) bool {
	if !c.fastPathEnabled || index != c.fastPathIndex {
		return false
	}
	c.fastPathIndex = noFastPath

	next := State{Proposal: fastPathProposal, Accepted: fastPathProposal, Value: value}
	start := time.Now()
	_, err := quorum.BroadcastAll(ctx, c.pool, c.replicas, c.quorum(),
		func(ctx context.Context, r Replica) (bool, error) {
			return quorum.Conditional(r.PutIfAbsent(ctx, index, next))
		}, false)
	c.metrics.ObserveBroadcast(clientLabel, "fast_path", start)
	c.metrics.FastPath(clientLabel, err == nil)
	if err != nil {
		c.logger.Debug("fast path write failed, falling back to full round",
			zap.Int64("index", index), zap.Error(err))
		return false
	}
	c.fastPathIndex = index + 1
	return true
}

func (c *Client) readInitialValues(ctx context.Context, index int64) ([]readResult, error) {
	start := time.Now()
	results, err := quorum.BroadcastAll(ctx, c.pool, c.replicas, c.quorum(),
		func(ctx context.Context, r Replica) (readResult, error) {
			state, err := r.Read(ctx, index)
			if err != nil {
				return readResult{}, err
			}
			return readResult{state: state, ok: true}, nil
		}, readResult{})
	c.metrics.ObserveBroadcast(clientLabel, "read", start)
	if err != nil {
		c.metrics.Round(clientLabel, "read", metrics.OutcomeFailure)
		return nil, fmt.Errorf("read index %d: %w", index, err)
	}
	return results, nil
}

// write2 runs the propose and accept phases at index starting from the
// replica states in initial. It returns the value committed and whether that
// value is the caller's. tried reports that this call already attempted the
// fast path with value at index.
func (c *Client) write2(ctx context.Context, index int64, value []byte, tried bool, initial []readResult) ([]byte, bool, error) {
	newProposal, err := nextProposal(initial)
	if err != nil {
		return nil, false, err
	}
	proposed, err := c.propose(ctx, index, initial, newProposal)
	if err != nil {
		return nil, false, err
	}
	return c.accept(ctx, index, value, tried, newProposal, proposed)
}

// nextProposal picks a proposal number above every one observed. The lowest
// possible result is 2 because 1 belongs to the fast path.
func nextProposal(initial []readResult) (int32, error) {
	highest := fastPathProposal
	for _, r := range initial {
		if r.ok && r.state.Proposal > highest {
			highest = r.state.Proposal
		}
	}
	if highest == math.MaxInt32 {
		return 0, errors.New("proposal numbers exhausted")
	}
	return highest + 1, nil
}

// propose raises the proposal number to newProposal on every replica that
// answered the initial read, keeping its accepted number and value.
func (c *Client) propose(ctx context.Context, index int64, initial []readResult, newProposal int32) ([]readResult, error) {
	fns := make([]quorum.Func[Replica, readResult], len(c.replicas))
	for i, r := range initial {
		if !r.ok {
			continue
		}
		observed := r.state
		next := State{Proposal: newProposal, Accepted: observed.Accepted, Value: observed.Value}
		fns[i] = func(ctx context.Context, replica Replica) (readResult, error) {
			if _, err := quorum.Conditional(writeAtomic(ctx, replica, index, next, observed)); err != nil {
				return readResult{}, err
			}
			return readResult{state: next, ok: true}, nil
		}
	}

	start := time.Now()
	proposed, err := quorum.Broadcast(ctx, c.pool, c.replicas, c.quorum(), fns, readResult{})
	c.metrics.ObserveBroadcast(clientLabel, "propose", start)
	if err != nil {
		c.metrics.Round(clientLabel, "propose", metrics.OutcomeFailure)
		c.logger.Debug("propose failed",
			zap.Int64("index", index), zap.Int32("proposal", newProposal), zap.Error(err))
		return nil, fmt.Errorf("propose %d at index %d: %w", newProposal, index, err)
	}
	c.metrics.Round(clientLabel, "propose", metrics.OutcomeSuccess)
	return proposed, nil
}

// accept commits at newProposal on every replica where propose succeeded.
// If any of them already accepted a value, the one accepted in the highest
// round must be committed instead of value. Only the fast path holder writes
// proposal 1 at an index, so adopting that state after trying the fast path
// still commits the caller's value.
func (c *Client) accept(ctx context.Context, index int64, value []byte, tried bool, newProposal int32, proposed []readResult) ([]byte, bool, error) {
	var (
		adopted State
		found   bool
	)
	for _, p := range proposed {
		if p.ok && (!found || p.state.Accepted > adopted.Accepted) {
			adopted = p.state
			found = true
		}
	}

	written, mine := value, true
	if adopted.Value != nil {
		written = adopted.Value
		mine = tried && adopted.Accepted == fastPathProposal && bytes.Equal(adopted.Value, value)
	}

	next := State{Proposal: newProposal, Accepted: newProposal, Value: written}
	fns := make([]quorum.Func[Replica, bool], len(c.replicas))
	for i, p := range proposed {
		if !p.ok {
			continue
		}
		expect := p.state
		fns[i] = func(ctx context.Context, replica Replica) (bool, error) {
			return quorum.Conditional(replica.CompareAndSet(ctx, index, next, expect))
		}
	}

	start := time.Now()
	_, err := quorum.Broadcast(ctx, c.pool, c.replicas, c.quorum(), fns, false)
	c.metrics.ObserveBroadcast(clientLabel, "accept", start)
	if err != nil {
		c.metrics.Round(clientLabel, "accept", metrics.OutcomeFailure)
		c.logger.Debug("accept failed",
			zap.Int64("index", index), zap.Int32("proposal", newProposal), zap.Error(err))
		return nil, false, fmt.Errorf("accept %d at index %d: %w", newProposal, index, err)
	}
	outcome := metrics.OutcomeSuccess
	if !mine {
		outcome = metrics.OutcomeOther
	}
	c.metrics.Round(clientLabel, "accept", outcome)
	return written, mine, nil
}

// Read returns the value committed at index, or nil if the log ends before
// index. A nil result at index means every later index is nil as well.
//
// Unless a quorum already agrees on a value, Read writes: it either finishes
// committing a partially accepted value or closes the slot with nil, so that
// no later round can change what this read observed.
func (c *Client) Read(ctx context.Context, index int64) ([]byte, error) {
	if index <= 0 {
		return nil, fmt.Errorf("%w: index %d must be positive", ErrInvalidArgument, index)
	}

	initial, err := c.readInitialValues(ctx, index)
	if err != nil {
		return nil, err
	}

	if c.oneRoundTripReads {
		if value, ok := c.committedValue(initial); ok {
			c.metrics.Round(clientLabel, "read", metrics.OutcomeSuccess)
			return value, nil
		}
	}

	written, _, err := c.write2(ctx, index, nil, false, initial)
	if err != nil {
		return nil, err
	}
	return written, nil
}

// committedValue returns the highest accepted value if a quorum accepted it
// in the same round. Such a value can never change.
func (c *Client) committedValue(initial []readResult) ([]byte, bool) {
	var (
		highest State
		found   bool
	)
	for _, r := range initial {
		if r.ok && (!found || r.state.Accepted > highest.Accepted) {
			highest = r.state
			found = true
		}
	}
	if highest.Value == nil {
		return nil, false
	}
	count := 0
	for _, r := range initial {
		if r.ok && r.state.Accepted == highest.Accepted {
			count++
		}
	}
	return highest.Value, count >= c.quorum()
}

// ReadLastIndex returns the highest index written on any replica of a
// quorum, or 0 if none has been written. To find the end of the log, read
// upward from this index until a nil value is returned (see NextIndex).
func (c *Client) ReadLastIndex(ctx context.Context) (int64, error) {
	start := time.Now()
	results, err := quorum.BroadcastAll(ctx, c.pool, c.replicas, c.quorum(),
		func(ctx context.Context, r Replica) (int64, error) {
			return r.ReadLastIndex(ctx)
		}, 0)
	c.metrics.ObserveBroadcast(clientLabel, "read_last_index", start)
	if err != nil {
		return 0, fmt.Errorf("read last index: %w", err)
	}
	var last int64
	for _, idx := range results {
		last = max(last, idx)
	}
	return last, nil
}

// NextIndex returns the first index, starting at ReadLastIndex (or 1), whose
// committed value is nil. It is where the next append belongs.
func (c *Client) NextIndex(ctx context.Context) (int64, error) {
	index, err := c.ReadLastIndex(ctx)
	if err != nil {
		return 0, err
	}
	index = max(index, 1)
	for {
		value, err := c.Read(ctx, index)
		if err != nil {
			return 0, err
		}
		if value == nil {
			return index, nil
		}
		index++
	}
}

// WriteString writes value as UTF-8 bytes.
func (c *Client) WriteString(ctx context.Context, index int64, value string) (WriteResult, error) {
	return c.Write(ctx, index, []byte(value))
}

// ReadString reads index as a string. ok is false when the slot is nil.
func (c *Client) ReadString(ctx context.Context, index int64) (value string, ok bool, err error) {
	b, err := c.Read(ctx, index)
	if err != nil || b == nil {
		return "", false, err
	}
	return string(b), true, nil
}
