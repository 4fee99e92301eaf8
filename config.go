// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package writecache

import (
	"github.com/tunabay/go-infounit"
)

// Config represents the parameters to configure Cache creation.
type Config[T any] struct {
	// The maximum number of entries resident at the same time. It must not
	// be negative. Zero means that nothing is ever retained: every request
	// is served by a fresh load from the Source and the result is handed
	// to the caller without being cached.
	Capacity int

	// The backing store the cache loads values from and writes dirty
	// values back to. Required.
	Source Source[T]

	// If not nil, Size reports the approximate in-memory size of a value.
	// It is consulted once when an entry becomes resident and is used for
	// status reporting and log messages only; it has no effect on
	// eviction, which is purely count-based.
	Size func(id string, value T) infounit.ByteCount

	// If not nil, Cache outputs log messages to this Logger object.
	Logger Logger

	// If true, Cache outputs debug log messages. Only effective if
	// Logger is not nil.
	DebugLog bool
}

// Logger is the interface implemented to receive log messages from the running
// Cache instance.
type Logger interface {
	WriteCacheLog(string)
}
