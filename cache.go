// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package writecache

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/tunabay/go-infounit"
)

// Cache represents one bounded write-back cache in front of a Source. All
// methods are safe for concurrent use. The structural mutex guards bookkeeping
// only; every Source call runs with the mutex released, with the affected
// identifier marked in opMap so that concurrent requesters wait for the
// outcome instead of starting a redundant operation.
type Cache[T any] struct {
	capacity int
	src      Source[T]
	sizeOf   func(id string, value T) infounit.ByteCount

	items  map[string]*item[T]
	order  *recency[T]
	opMap  map[string]*opEntry[T]
	mu     sync.Mutex
	closed bool

	liveRefs  int
	totalSize infounit.ByteCount

	numRequested   uint64
	numHit         uint64
	numLoaded      uint64
	numFailed      uint64
	numEvicted     uint64
	numFlushed     uint64
	numFlushFailed uint64
	numRemoved     uint64

	log      Logger
	debugLog bool
}

// opEntry represents the currently processing operation on an identifier. When
// accessing an identifier, if another goroutine is processing it, the done
// channel is used to wait for that processing to complete. While an opEntry
// exists for an identifier, the identifier is invisible to ordinary lookup.
type opEntry[T any] struct {
	opType opType
	create bool          // opLoad: whether the load may create
	done   chan struct{} // closed when operation done
	item   *item[T]      // opLoad: the loaded entry, valid when err is nil
	err    error
}

type opType uint8

const (
	opLoad   opType = iota // loading from the source
	opFlush                // writing an evicted dirty entry back
	opRemove               // removing from the source
)

// New creates a cache with the given capacity and backing store.
func New[T any](capacity int, src Source[T]) (*Cache[T], error) {
	return NewWithConfig(&Config[T]{Capacity: capacity, Source: src})
}

// NewWithConfig creates a cache using the given configuration parameters.
func NewWithConfig[T any](conf *Config[T]) (*Cache[T], error) {
	switch {
	case conf.Source == nil:
		return nil, fmt.Errorf("%w: nil Source", ErrInvalidConfig)
	case conf.Capacity < 0:
		return nil, fmt.Errorf("%w: negative Capacity", ErrInvalidConfig)
	}

	c := &Cache[T]{
		capacity: conf.Capacity,
		src:      conf.Source,
		sizeOf:   conf.Size,
		items:    make(map[string]*item[T]),
		order:    newRecency[T](),
		opMap:    make(map[string]*opEntry[T]),
		log:      conf.Logger,
		debugLog: conf.DebugLog,
	}
	c.logDebugf("cache created. capacity=%d", c.capacity)

	return c, nil
}

// Capacity returns the maximum number of entries resident at the same time.
func (c *Cache[_]) Capacity() int { return c.capacity }

// Len returns the number of entries currently resident.
func (c *Cache[_]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Get returns a handle to the value for id. If the value is not resident, it
// is loaded from the Source; a load failure is returned unchanged and leaves
// the cache untouched. A successful Get makes id the most recently used entry.
// If the cache was full, the least recently used entry is evicted to make
// room, written back first when dirty.
func (c *Cache[T]) Get(id string) (*Handle[T], error) {
	return c.fetch(id, false)
}

// Create behaves like Get, except that on a miss the Source is allowed to
// synthesize a default value when it holds nothing for id.
func (c *Cache[T]) Create(id string) (*Handle[T], error) {
	return c.fetch(id, true)
}

func (c *Cache[T]) fetch(id string, create bool) (*Handle[T], error) {
	var op *opEntry[T]
	for isRetry := false; ; isRetry = true {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if !isRetry {
			c.numRequested++
		}

		if op, ok := c.opMap[id]; ok {
			switch {
			case op.opType == opLoad && (op.create || !create):
				// concurrently being loaded, outcome reusable
				c.numHit++
				c.mu.Unlock()
				c.logDebugf("%s: concurrent load in flight, waiting...", id)
				<-op.done
				if op.err != nil {
					return nil, op.err
				}
				return c.adopt(op.item), nil

			case op.opType == opLoad:
				// in-flight load may fail only because it is not
				// allowed to create; wait and issue our own
				c.mu.Unlock()
				<-op.done
				if op.err == nil {
					return c.adopt(op.item), nil
				}
				continue

			default:
				// concurrently being flushed or removed
				c.mu.Unlock()
				if isRetry {
					return nil, fmt.Errorf("%w: %s: displaced twice", ErrInternal, id)
				}
				c.logDebugf("%s: concurrent flush/removal in flight, waiting...", id)
				<-op.done
				continue
			}
		}

		if it, ok := c.items[id]; ok {
			// hit, no source I/O
			c.order.touch(it)
			c.numHit++
			it.refs++
			c.liveRefs++
			c.mu.Unlock()
			return &Handle[T]{parent: c, item: it}, nil
		}

		// miss
		op = &opEntry[T]{opType: opLoad, create: create, done: make(chan struct{})}
		c.opMap[id] = op
		c.mu.Unlock()
		break
	}

	c.logDebugf("%s: not resident, loading...", id)

	value, err := c.src.Load(id, create)
	if err != nil {
		c.mu.Lock()
		delete(c.opMap, id)
		c.numFailed++
		c.mu.Unlock()
		op.err = err
		close(op.done)

		return nil, err
	}

	it := newItem(id, value)
	if c.sizeOf != nil {
		it.size = c.sizeOf(id, value)
	}

	h, _, _ := c.install(it, op) // op is not nil, install cannot fail

	return h, nil
}

// adopt returns a handle to an entry whose load was performed by a concurrent
// requester.
func (c *Cache[T]) adopt(it *item[T]) *Handle[T] {
	c.mu.Lock()
	if cur, ok := c.items[it.id]; ok && cur == it {
		c.order.touch(it)
	}
	it.refs++
	c.liveRefs++
	c.mu.Unlock()

	return &Handle[T]{parent: c, item: it}
}

// install runs the insertion protocol for a freshly obtained entry and
// resolves op, when not nil, with the result. op is nil only for entries that
// did not come from a source load. When the identifier became resident
// concurrently, the resident entry is kept and adopted is true; the freshly
// obtained value is discarded. A never-persisted entry arriving after the
// cache closed is rejected with ErrClosed, since no teardown would ever flush
// it. The possible eviction write-back runs after the structural mutex is
// released.
func (c *Cache[T]) install(it *item[T], op *opEntry[T]) (h *Handle[T], adopted bool, err error) {
	var (
		victim   *item[T]
		victimOp *opEntry[T]
	)

	c.mu.Lock()
	if op != nil {
		delete(c.opMap, it.id)
		c.numLoaded++
	}
	switch {
	case c.closed && op == nil:
		// a dirty value that was never persisted would be silently
		// lost; report instead
		c.mu.Unlock()
		return nil, false, ErrClosed

	case c.capacity == 0 || c.closed:
		// nothing is retained; hand the value straight to the caller

	case c.items[it.id] != nil:
		// became resident concurrently (e.g. via Put); keep the
		// resident entry, discard the freshly obtained value
		it = c.items[it.id]
		adopted = true
		c.order.touch(it)
		c.numHit++

	default:
		if len(c.items) == c.capacity {
			victim = c.order.oldest()
		}
		if victim != nil {
			delete(c.items, victim.id)
			c.totalSize -= victim.size
			c.numEvicted++
			if victim.refs > 0 {
				c.logPrintf("%s: %v: evicting entry with %d live handle(s), reclamation deferred",
					victim.id, ErrInternal, victim.refs)
			}
			if victim.dirty() {
				victimOp = &opEntry[T]{opType: opFlush, done: make(chan struct{})}
				c.opMap[victim.id] = victimOp
			}
			c.logDebugf("%s: evicted. size=%.1S", victim.id, victim.size)
		}
		c.items[it.id] = it
		c.order.touch(it)
		c.totalSize += it.size
	}
	it.refs++
	c.liveRefs++
	if op != nil {
		op.item = it
	}
	c.mu.Unlock()
	if op != nil {
		close(op.done)
	}

	if victimOp != nil {
		err := victim.writeBack(c.src)
		c.mu.Lock()
		delete(c.opMap, victim.id)
		if err != nil {
			c.numFlushFailed++
		} else {
			c.numFlushed++
		}
		c.mu.Unlock()
		close(victimOp.done)
		if err != nil {
			c.logPrintf("%s: failed to write back evicted entry: %v", victim.id, err)
		}
	}

	return &Handle[T]{parent: c, item: it}, adopted, nil
}

// Put installs value for id directly, without consulting the Source. A
// resident entry is replaced through the exclusive access path and promoted;
// an absent identifier goes through the insertion protocol with the entry born
// dirty, so the value is persisted on eviction or teardown. Put returns a
// handle to the installed value.
func (c *Cache[T]) Put(id string, value T) (*Handle[T], error) {
	for isRetry := false; ; isRetry = true {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if !isRetry {
			c.numRequested++
		}

		if op, ok := c.opMap[id]; ok {
			c.mu.Unlock()
			if isRetry && op.opType != opLoad {
				return nil, fmt.Errorf("%w: %s: displaced twice", ErrInternal, id)
			}
			<-op.done
			continue
		}

		if it, ok := c.items[id]; ok {
			c.order.touch(it)
			c.numHit++
			it.refs++
			c.liveRefs++
			c.mu.Unlock()

			_ = it.edit(func(v *T) error { *v = value; return nil })
			c.resize(it, id, value)

			return &Handle[T]{parent: c, item: it}, nil
		}
		c.mu.Unlock()
		break
	}

	it := newItem(id, value)
	it.edits.Add(1) // born dirty, never persisted
	if c.sizeOf != nil {
		it.size = c.sizeOf(id, value)
	}

	h, adopted, err := c.install(it, nil)
	if err != nil {
		return nil, err
	}
	if adopted {
		// lost the insertion race; apply the value to the winner
		_ = h.item.edit(func(v *T) error { *v = value; return nil })
		c.resize(h.item, id, value)
	}

	return h, nil
}

// resize refreshes the recorded approximate size of a resident entry.
func (c *Cache[T]) resize(it *item[T], id string, value T) {
	if c.sizeOf == nil {
		return
	}
	sz := c.sizeOf(id, value)
	c.mu.Lock()
	if c.items[id] == it {
		c.totalSize += sz - it.size
		it.size = sz
	}
	c.mu.Unlock()
}

// Remove deletes the value for id from both the cache and the Source. A
// resident entry is detached immediately, without a write-back, before the
// Source deletion is attempted; if the deletion then fails, the entry stays
// gone from the cache. A non-resident identifier is first probed with
// Load(id, false); a probe failure is returned unchanged and the Source
// deletion is not attempted.
func (c *Cache[T]) Remove(id string) error {
	for isRetry := false; ; isRetry = true {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}

		if op, ok := c.opMap[id]; ok {
			c.mu.Unlock()
			if isRetry && op.opType != opLoad {
				return fmt.Errorf("%w: %s: displaced twice", ErrInternal, id)
			}
			c.logDebugf("%s: concurrent operation in flight, waiting...", id)
			<-op.done
			continue
		}

		op := &opEntry[T]{opType: opRemove, done: make(chan struct{})}
		var probe bool
		if it, ok := c.items[id]; ok {
			// detach without write-back; removal supersedes
			// persistence of the in-memory state
			delete(c.items, id)
			c.order.detach(it)
			c.totalSize -= it.size
			if it.refs > 0 {
				c.logDebugf("%s: removed entry has %d live handle(s), reclamation deferred",
					id, it.refs)
			}
		} else {
			probe = true
		}
		c.opMap[id] = op
		c.mu.Unlock()

		var err error
		if probe {
			_, err = c.src.Load(id, false)
		}
		if err == nil {
			err = removeFromSource(c.src, id)
		}

		c.mu.Lock()
		delete(c.opMap, id)
		if err != nil {
			c.numFailed++
		} else {
			c.numRemoved++
		}
		c.mu.Unlock()
		close(op.done)

		if err == nil {
			c.logDebugf("%s: removed.", id)
		}

		return err
	}
}

// Flush writes every dirty resident entry back to the Source now. All entries
// are attempted; the first error encountered is returned. Entries stay
// resident and the cache remains usable.
func (c *Cache[T]) Flush() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	snapshot := make([]*item[T], 0, len(c.items))
	for _, it := range c.items {
		snapshot = append(snapshot, it)
	}
	c.mu.Unlock()

	var firstErr error
	for _, it := range snapshot {
		if !it.dirty() {
			continue
		}

		// mark the identifier in flight so that a concurrent removal
		// waits instead of racing the write-back; an entry that was
		// detached or claimed since the snapshot is no longer ours to
		// persist
		c.mu.Lock()
		if c.closed || c.items[it.id] != it {
			c.mu.Unlock()
			continue
		}
		if _, busy := c.opMap[it.id]; busy {
			c.mu.Unlock()
			continue
		}
		op := &opEntry[T]{opType: opFlush, done: make(chan struct{})}
		c.opMap[it.id] = op
		c.mu.Unlock()

		err := it.writeBack(c.src)
		c.mu.Lock()
		delete(c.opMap, it.id)
		if err != nil {
			c.numFlushFailed++
		} else {
			c.numFlushed++
		}
		c.mu.Unlock()
		close(op.done)
		if err != nil {
			c.logPrintf("%s: failed to write back: %v", it.id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// Close tears the cache down: every dirty resident entry is written back to
// the Source once. Write-back failures are logged and swallowed, so teardown
// always completes; the unpersisted state of a failed entry is lost. The order
// in which entries are flushed is unspecified. After Close, all cache
// operations fail with ErrClosed. Close is idempotent.
func (c *Cache[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	snapshot := make([]*item[T], 0, len(c.items))
	for id, it := range c.items {
		c.order.detach(it)
		if _, busy := c.opMap[id]; busy {
			// an in-flight Flush is already persisting this entry
			continue
		}
		snapshot = append(snapshot, it)
	}
	c.items = make(map[string]*item[T])
	c.totalSize = 0
	c.mu.Unlock()

	for _, it := range snapshot {
		if !it.dirty() {
			continue
		}
		err := it.writeBack(c.src)
		c.mu.Lock()
		if err != nil {
			c.numFlushFailed++
		} else {
			c.numFlushed++
		}
		c.mu.Unlock()
		if err != nil {
			c.logPrintf("%s: failed to write back at teardown, state lost: %v", it.id, err)
		}
	}
	c.logDebugf("cache closed. flushed %d entries", len(snapshot))
}

// unref releases one handle reference to it.
func (c *Cache[T]) unref(it *item[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it.refs > 0 {
		it.refs--
		c.liveRefs--
	}
}

// Status represents the cache status and statistics.
type Status struct {
	Resident       int                // number of entries currently resident.
	Capacity       int                // maximum number of resident entries.
	TotalSize      infounit.ByteCount // approximate total size of resident values.
	NumRequested   uint64             // total number of values requested.
	NumHit         uint64             // total number of cache hits.
	NumLoaded      uint64             // total number of values loaded from the source.
	NumFailed      uint64             // total number of failed source operations.
	NumEvicted     uint64             // total number of evicted entries.
	NumFlushed     uint64             // total number of successful write-backs.
	NumFlushFailed uint64             // total number of failed write-backs.
	NumRemoved     uint64             // total number of removed identifiers.
	NumOps         int                // number of operations currently in flight.
	NumRefs        int                // number of currently open handles.
}

// String returns the string representation of Status.
func (s Status) String() string {
	return fmt.Sprintf(
		"resident=%d/%d, size=%.1S, req=%d, hit=%d, load=%d, fail=%d, evict=%d, flush=%d/%d, del=%d, op=%d, ref=%d",
		s.Resident,
		s.Capacity,
		s.TotalSize,
		s.NumRequested,
		s.NumHit,
		s.NumLoaded,
		s.NumFailed,
		s.NumEvicted,
		s.NumFlushed,
		s.NumFlushFailed,
		s.NumRemoved,
		s.NumOps,
		s.NumRefs,
	)
}

// Status returns the current cache status and statistics.
func (c *Cache[_]) Status() *Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Status{
		Resident:       len(c.items),
		Capacity:       c.capacity,
		TotalSize:      c.totalSize,
		NumRequested:   c.numRequested,
		NumHit:         c.numHit,
		NumLoaded:      c.numLoaded,
		NumFailed:      c.numFailed,
		NumEvicted:     c.numEvicted,
		NumFlushed:     c.numFlushed,
		NumFlushFailed: c.numFlushFailed,
		NumRemoved:     c.numRemoved,
		NumOps:         len(c.opMap),
		NumRefs:        c.liveRefs,
	}
}

// logPrefix returns the prefix string for log messages, according to the
// current configuration.
func (c *Cache[_]) logPrefix() string {
	if !c.debugLog {
		return ""
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		return fmt.Sprintf("%s:%d:", filepath.Base(file), line)
	}
	return "(unknown):"
}

// logPrintf outputs a log message according to the current configuration.
func (c *Cache[_]) logPrintf(format string, v ...any) {
	if c.log == nil {
		return
	}
	s := make([]string, 0, 2)
	if prefix := c.logPrefix(); prefix != "" {
		s = append(s, prefix)
	}
	s = append(s, fmt.Sprintf(format, v...))

	c.log.WriteCacheLog(strings.Join(s, " "))
}

// logDebugf outputs a debug log message according to the current configuration.
func (c *Cache[_]) logDebugf(format string, v ...any) {
	if c.log == nil || !c.debugLog {
		return
	}

	s := make([]string, 0, 2)
	if prefix := c.logPrefix(); prefix != "" {
		s = append(s, prefix)
	}
	s = append(s, fmt.Sprintf(format, v...))

	c.log.WriteCacheLog(strings.Join(s, " "))
}
