// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package writecache

import "fmt"

// Source is the interface implemented by the backing store that a Cache sits in
// front of. A Source instance is owned by exactly one Cache and must be safe
// for concurrent use, since the cache invokes it from whichever goroutine
// performs the cache operation, without holding any cache lock.
//
// Load maps an identifier to a value. It must perform no caching of its own;
// it may perform arbitrary I/O. When create is false and the store holds
// nothing for id, Load fails with ErrNotFound (or an error wrapping it). When
// create is true, Load may instead synthesize a default value.
//
// A Source may additionally implement Unloader and Remover. When it does not,
// the corresponding operations succeed as no-ops.
type Source[T any] interface {
	Load(id string, create bool) (T, error)
}

// Unloader is the optional persistence capability of a Source. Unload writes a
// value believed to have diverged from the store back to it. It is called at
// most once per eviction or teardown of a dirty entry; it is never retried.
type Unloader[T any] interface {
	Unload(id string, value T) error
}

// Remover is the optional deletion capability of a Source. Remove deletes the
// persisted state for id. It must treat "nothing to delete" as success.
type Remover interface {
	Remove(id string) error
}

// unload persists value through src if it implements Unloader.
func unload[T any](src Source[T], id string, value T) error {
	if u, ok := src.(Unloader[T]); ok {
		return u.Unload(id, value)
	}
	return nil
}

// removeFromSource deletes the persisted state for id if src implements
// Remover.
func removeFromSource[T any](src Source[T], id string) error {
	if r, ok := src.(Remover); ok {
		return r.Remove(id)
	}
	return nil
}

// NullSource is a placeholder Source whose Load always fails. It is useful as
// a stand-in while wiring a cache whose real backing store is not available
// yet.
type NullSource[T any] struct{}

// Load always fails with an error wrapping ErrNotFound.
func (NullSource[T]) Load(id string, _ bool) (v T, _ error) {
	return v, fmt.Errorf("%w: null source holds nothing: %s", ErrNotFound, id)
}
