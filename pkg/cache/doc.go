// Package cache implements the key/value caching layer for analytics
// queries: an in-process LRU in front of Redis, per-entry TTLs on a fixed
// tier scale, SCAN-based pattern invalidation, batched get/set, and a
// get-or-compute helper with per-key singleflight deduplication.
//
// The layer fails open. A cache that is down degrades every read to a
// recompute; it never fails a request. Hit/miss/set/error counters feed the
// analytics health report.
package cache
