// Package coordinator waits for the first cloud download of a key-value store.
//
// A freshly installed replica starts empty while the platform's sync engine
// downloads previously stored values in the background. The Coordinator lets
// callers flush local writes and, the first time ever for a store, wait until
// that download has finished before trusting local state.
//
// # Lifecycle
//
// New subscribes to the store's change events immediately and never blocks.
// The caller owns the returned Coordinator and must call Close when done:
//
//	c := coordinator.New(store)
//	defer c.Close()
//
//	if err := c.SyncWithCloud(ctx); err != nil {
//	    // only returned when ctx is cancelled or expires
//	}
//
// Subscribe and Unsubscribe are idempotent. Close unsubscribes exactly once
// and later calls are no-ops.
//
// # Completion flag
//
// Initial-sync completion is tracked twice. An in-memory flag is flipped by
// the change handler when the store reports kv.ReasonInitialSyncChange. A
// durable copy lives in the store under state.InitialSyncCompletedKey so the
// wait is skipped after a restart. Neither copy is ever reset to false.
//
// # SyncWithCloud
//
//  1. Flush the store. A rejected flush is logged and the call returns nil.
//  2. Merge the durable flag into the in-memory flag.
//  3. If complete, make sure the durable copy is written and return nil.
//  4. Otherwise poll every PollInterval, waking early when the handler flips
//     the flag. On completion the durable flag is written and the call
//     returns nil. When Timeout passes first the call returns nil without
//     writing anything. If ctx ends first its error is returned and nothing
//     is written.
//
// # Error Handling
//
// Flush rejection, timeouts, and failures to read or write the durable flag
// are logged and absorbed. The only error SyncWithCloud returns is the
// context's.
package coordinator
