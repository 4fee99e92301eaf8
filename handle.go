// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package writecache

// Handle represents a reference to a cached value returned by the Get, Create
// and Put methods. It is jointly owned by the caller and by the cache; the
// entry it points at remains usable even if it is concurrently evicted or
// removed from the cache, until the last handle is closed.
//
// After using the value, it is the caller's responsibility to call the
// Handle.Close() method. Otherwise the entry will remain accounted as
// referenced for the lifetime of the cache.
type Handle[T any] struct {
	parent *Cache[T]
	item   *item[T]
}

// ID returns the identifier of the entry.
func (h *Handle[T]) ID() string { return h.item.id }

// View runs fn with shared access to the value. Any number of View calls may
// run concurrently; View waits while an exclusive access is in progress. The
// value must not be retained or mutated through aliasing after fn returns.
// View returns the error returned by fn.
func (h *Handle[T]) View(fn func(value T) error) error {
	return h.item.view(fn)
}

// Edit runs fn with exclusive access to the value. The entry is marked dirty
// as soon as the access is acquired, regardless of what fn does, and will be
// written back to the backing store on eviction or teardown. Edit returns the
// error returned by fn.
func (h *Handle[T]) Edit(fn func(value *T) error) error {
	return h.item.edit(fn)
}

// IsDirty reports whether the entry's value may have diverged from the backing
// store since its last successful write-back.
func (h *Handle[T]) IsDirty() bool { return h.item.dirty() }

// Close releases the reference. The handle must not be used afterwards.
func (h *Handle[T]) Close() {
	h.parent.unref(h.item)
}
