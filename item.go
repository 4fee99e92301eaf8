// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package writecache

import (
	"sync"
	"sync/atomic"

	"github.com/tunabay/go-infounit"
)

// item is one resident cache entry. The value is guarded by its own RWMutex,
// independent of the cache's structural mutex, so that using a value never
// blocks structural operations on other identifiers.
//
// Dirtiness is tracked as a pair of generation counters rather than a flag.
// Every exclusive access bumps edits; a successful write-back records the
// generation it persisted in saved. The entry is dirty while edits != saved.
// An exclusive access racing an in-flight write-back bumps edits past the
// generation being persisted, so its dirtiness survives the write-back.
type item[T any] struct {
	id    string
	mu    sync.RWMutex
	value T

	edits atomic.Uint64
	saved atomic.Uint64

	// Guarded by the owning cache's structural mutex.
	rec  *byRecency[T]
	refs int
	size infounit.ByteCount
}

func newItem[T any](id string, value T) *item[T] {
	return &item[T]{id: id, value: value}
}

// view runs fn with shared access to the value.
func (it *item[T]) view(fn func(value T) error) error {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return fn(it.value)
}

// edit runs fn with exclusive access to the value. The entry is marked dirty
// upon acquisition, whether or not fn actually mutates anything.
func (it *item[T]) edit(fn func(value *T) error) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.edits.Add(1)
	return fn(&it.value)
}

// dirty reports whether the value may have diverged from the backing store.
func (it *item[T]) dirty() bool {
	return it.edits.Load() != it.saved.Load()
}

// writeBack persists the value through src when the entry is dirty. It holds
// the entry's read lock across the Unload call so that the value is stable
// while being persisted; concurrent readers proceed, writers wait. The
// generation observed under the lock is recorded as saved only on success.
func (it *item[T]) writeBack(src Source[T]) error {
	it.mu.RLock()
	defer it.mu.RUnlock()
	gen := it.edits.Load()
	if gen == it.saved.Load() {
		return nil
	}
	if err := unload(src, it.id, it.value); err != nil {
		return err
	}
	it.saved.Store(gen)
	return nil
}
