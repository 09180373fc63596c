// Package cache maps function identities to bound sandboxes.
//
// Readers hold a Guard, which keeps the cache read lock until released, so
// any number of invocations can use cached sandboxes at once while Insert,
// Evict and Clear wait for them to finish. A goroutine holds at most one
// guard at a time and releases it before it inserts, evicts or clears.
package cache
