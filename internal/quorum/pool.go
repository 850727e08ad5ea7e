package quorum

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the worker count used by NewPool when workers <= 0.
const DefaultWorkers = 64

// Pool bounds the number of replica calls executing at once across every
// client sharing it. It is owned by the process, not by a client.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool creates a pool running at most workers calls concurrently.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// Do runs fn once a worker slot is free. It returns ctx's error without
// running fn if ctx ends first. A nil pool runs fn immediately.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	if p == nil {
		fn()
		return nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	defer func() {
		p.sem.Release(1)
		p.wg.Done()
	}()
	fn()
	return nil
}

// Wait blocks until every call currently running on the pool has returned.
func (p *Pool) Wait() {
	if p == nil {
		return
	}
	p.wg.Wait()
}
