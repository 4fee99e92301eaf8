// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package writecache

import (
	"github.com/petar/GoLLRB/llrb"
)

// byRecency wraps an item for the recency tree. Entries are ordered by the
// tick of their last use, so the tree minimum is always the least-recently
// used resident entry. Ticks are issued from a counter guarded by the cache's
// structural mutex and are therefore unique, which makes Less a total order
// and Delete exact.
type byRecency[T any] struct {
	tick uint64
	it   *item[T]
}

// Less compares the last-use ticks of the two entries and reports the result.
func (e *byRecency[T]) Less(xif llrb.Item) bool {
	x := xif.(*byRecency[T]) //nolint:forcetypeassert
	return e.tick < x.tick
}

// recency is the LRU order of resident entries, backed by an LLRB tree.
// All methods must be called with the cache's structural mutex held.
type recency[T any] struct {
	tree *llrb.LLRB
	tick uint64
}

func newRecency[T any]() *recency[T] {
	return &recency[T]{tree: llrb.New()}
}

// touch moves it to the most-recently-used position, inserting it if it is not
// in the tree yet.
func (r *recency[T]) touch(it *item[T]) {
	if it.rec != nil {
		r.tree.Delete(it.rec)
	}
	r.tick++
	it.rec = &byRecency[T]{tick: r.tick, it: it}
	r.tree.InsertNoReplace(it.rec)
}

// detach removes it from the order.
func (r *recency[T]) detach(it *item[T]) {
	if it.rec == nil {
		return
	}
	r.tree.Delete(it.rec)
	it.rec = nil
}

// oldest removes and returns the least-recently-used entry, or nil if the
// order is empty.
func (r *recency[T]) oldest() *item[T] {
	min := r.tree.DeleteMin()
	if min == nil {
		return nil
	}
	e := min.(*byRecency[T]) //nolint:forcetypeassert
	e.it.rec = nil
	return e.it
}
