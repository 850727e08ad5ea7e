package register

import (
	"errors"
	"fmt"
	"sync"
)

// Directory opens each replica at most once and shares the handle between
// every client loading it. It owns the handles and closes them in Close.
type Directory struct {
	mu      sync.Mutex
	open    func(id int64) (Replica, error)
	handles map[int64]Replica
}

// NewDirectory creates a directory that opens replicas with open.
func NewDirectory(open func(id int64) (Replica, error)) *Directory {
	return &Directory{
		open:    open,
		handles: make(map[int64]Replica),
	}
}

// Load returns the shared handle for id, opening it on first use. It has
// the signature of a Loader.
func (d *Directory) Load(id int64) (Replica, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.handles[id]; ok {
		return r, nil
	}
	r, err := d.open(id)
	if err != nil {
		return nil, err
	}
	if r.ID() != id {
		return nil, fmt.Errorf("opened replica %d for id %d", r.ID(), id)
	}
	d.handles[id] = r
	return r, nil
}

// Close closes every handle opened so far.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for id, r := range d.handles {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close replica %d: %w", id, err))
		}
		delete(d.handles, id)
	}
	return errors.Join(errs...)
}
