// Package notifier delivers chat messages asynchronously.
//
// Callers enqueue a kit.Notification and return immediately. Workers take
// jobs off a bounded queue, wait on a shared token bucket and send through a
// kit.Sender, retrying with jittered exponential backoff. Identical messages
// to the same chat within the dedup window are suppressed; with
// PersistDedup the window survives restarts through the storage layer.
//
// Lifecycle signals (queued, sent, failed, dropped, deduped) go out on the
// event bus for metrics and logging.
package notifier
