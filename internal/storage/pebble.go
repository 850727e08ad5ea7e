package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"caspaxos/internal/register"
	"caspaxos/internal/replog"
	"caspaxos/internal/wire"
)

var (
	logPrefix      = []byte("l/")
	registerPrefix = []byte("r/")
)

// DB is a pebble database holding one replica's log and registers.
//
// Conditional writes are serialized by a single mutex: each one is a read
// followed by a synced write, and pebble alone does not make the pair atomic.
type DB struct {
	id int64
	db *pebble.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the replica database in dir.
func Open(dir string, id int64) (*DB, error) {
	return open(dir, id, &pebble.Options{})
}

// OpenInMemory opens a replica database backed by an in-memory filesystem.
func OpenInMemory(id int64) (*DB, error) {
	return open("", id, &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, id int64, opts *pebble.Options) (*DB, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open replica %d store: %w", id, err)
	}
	return &DB{id: id, db: db}, nil
}

// Close closes the database. Log and register handles become unusable.
func (d *DB) Close() error {
	return d.db.Close()
}

// Log returns the durable log replica stored in d.
func (d *DB) Log() *DurableLog { return &DurableLog{d: d} }

// Register returns the durable register replica stored in d.
func (d *DB) Register() *DurableRegister { return &DurableRegister{d: d} }

// get returns the raw value under key, or nil if there is none.
func (d *DB) get(key []byte) ([]byte, error) {
	v, closer, err := d.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, v...), nil
}

// conditionalSet writes value under key iff matches accepts the raw value
// currently stored there (nil when absent).
func (d *DB) conditionalSet(key, value []byte, matches func(current []byte) (bool, error)) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.get(key)
	if err != nil {
		return false, err
	}
	ok, err := matches(current)
	if err != nil || !ok {
		return false, err
	}
	if err := d.db.Set(key, value, pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func logKey(index int64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, logPrefix...), uint64(index))
}

func registerKey(key string) []byte {
	return append(append([]byte{}, registerPrefix...), key...)
}

// DurableLog is a log replica persisted in pebble. Index keys are big-endian
// so the last key under the log prefix is the highest written index.
type DurableLog struct {
	d *DB
}

func (l *DurableLog) Read(_ context.Context, index int64) (replog.State, error) {
	raw, err := l.d.get(logKey(index))
	if err != nil {
		return replog.State{}, fmt.Errorf("read log index %d: %w", index, err)
	}
	if raw == nil {
		return replog.Empty, nil
	}
	return wire.DecodeLogState(raw)
}

func (l *DurableLog) CompareAndSet(_ context.Context, index int64, update, expect replog.State) (bool, error) {
	ok, err := l.d.conditionalSet(logKey(index), wire.AppendLogState(nil, update), func(current []byte) (bool, error) {
		if current == nil {
			return false, nil
		}
		s, err := wire.DecodeLogState(current)
		if err != nil {
			return false, err
		}
		return s.Proposal == expect.Proposal && s.Accepted == expect.Accepted, nil
	})
	if err != nil {
		return false, fmt.Errorf("compare-and-set log index %d: %w", index, err)
	}
	return ok, nil
}

func (l *DurableLog) PutIfAbsent(_ context.Context, index int64, update replog.State) (bool, error) {
	ok, err := l.d.conditionalSet(logKey(index), wire.AppendLogState(nil, update), func(current []byte) (bool, error) {
		return current == nil, nil
	})
	if err != nil {
		return false, fmt.Errorf("put log index %d: %w", index, err)
	}
	return ok, nil
}

func (l *DurableLog) ReadLastIndex(context.Context) (int64, error) {
	iter, err := l.d.db.NewIter(&pebble.IterOptions{
		LowerBound: logPrefix,
		UpperBound: logKey(-1),
	})
	if err != nil {
		return 0, fmt.Errorf("read last log index: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	key := iter.Key()
	if len(key) != len(logPrefix)+8 {
		return 0, fmt.Errorf("read last log index: malformed key %q", key)
	}
	return int64(binary.BigEndian.Uint64(key[len(logPrefix):])), nil
}

// DurableRegister is a register replica persisted in pebble.
type DurableRegister struct {
	d *DB
}

func (r *DurableRegister) ID() int64 { return r.d.id }

func (r *DurableRegister) Read(_ context.Context, key string) (register.State, error) {
	raw, err := r.d.get(registerKey(key))
	if err != nil {
		return register.State{}, fmt.Errorf("read register %q: %w", key, err)
	}
	if raw == nil {
		return register.Empty, nil
	}
	return wire.DecodeRegisterState(raw)
}

func (r *DurableRegister) CompareAndSet(_ context.Context, key string, update, expect register.State) (bool, error) {
	ok, err := r.d.conditionalSet(registerKey(key), wire.AppendRegisterState(nil, update), func(current []byte) (bool, error) {
		if current == nil {
			return false, nil
		}
		s, err := wire.DecodeRegisterState(current)
		if err != nil {
			return false, err
		}
		return s.Proposal == expect.Proposal && s.Accepted == expect.Accepted, nil
	})
	if err != nil {
		return false, fmt.Errorf("compare-and-set register %q: %w", key, err)
	}
	return ok, nil
}

func (r *DurableRegister) PutIfAbsent(_ context.Context, key string, update register.State) (bool, error) {
	ok, err := r.d.conditionalSet(registerKey(key), wire.AppendRegisterState(nil, update), func(current []byte) (bool, error) {
		return current == nil, nil
	})
	if err != nil {
		return false, fmt.Errorf("put register %q: %w", key, err)
	}
	return ok, nil
}

// Close is a no-op; the DB owns the underlying database.
func (r *DurableRegister) Close() error { return nil }
