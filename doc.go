// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

/*
Package writecache provides a bounded LRU caching mechanism for values that take
a long time to load from, or persist to, a backing store. Values modified while
cached are written back to the store when their entry is evicted and when the
cache is closed.
*/
package writecache
