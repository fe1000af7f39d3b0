// Package state holds the observable queue state shown by the scan
// indicator: queue counts, sync progress, last sync outcome and whether the
// offline storage works at all.
//
// # Lifecycle
//
// A Facade is created explicitly with New and disposed with Close; there is
// no package-level instance. Consumers receive it from whoever owns the
// process lifecycle (cmd/scanqueue).
//
// # Refresh Semantics
//
// Counts are never tracked incrementally. Every mutating call re-queries the
// queue store afterwards, and RefreshQueueStats does the same on demand:
//
//	facade.AddScan(ctx, "KMB-0042", nil)
//	→ store.Add
//	→ store.Stats
//	→ snapshot.QueueCount / PendingCount / FailedCount / SyncingCount
//	→ subscribers notified
//
// # Degraded Mode
//
// DBAvailable is probed once by CheckDBAvailability and can be re-probed.
// While it is false, AddScan refuses with STORAGE_UNAVAILABLE and records
// LastSyncError so the indicator shows a non-durable mode instead of failing
// silently. Any store call that reports STORAGE_UNAVAILABLE flips the flag.
//
// # Concurrency Model
//
// The snapshot is guarded by a sync.RWMutex. Subscribers are invoked after
// the lock is released, with a copy of the snapshot, on the goroutine that
// made the change.
package state
