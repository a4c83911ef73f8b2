// Package async provides panic-safe goroutine helpers for background work.
//
// SafeGo covers fire-and-forget tasks (asynchronous cache writes), and Batch
// runs bounded-concurrency fan-out over a slice while collecting per-item
// errors, which is how multi-tenant aggregation continues past a single
// tenant's failure.
package async
