// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package writecache

import "errors"

// ErrInvalidConfig is the error thrown when the passed configuration parameter
// is not valid.
var ErrInvalidConfig = errors.New("invalid config")

// ErrInternal is the error thrown when an internal error occurred.
var ErrInternal = errors.New("internal error")

// ErrNotFound is the error thrown when the backing store holds nothing for the
// requested identifier.
var ErrNotFound = errors.New("not found")

// ErrClosed is the error thrown when an operation is attempted on a cache that
// has already been closed.
var ErrClosed = errors.New("cache is closed")
