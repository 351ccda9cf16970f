// Package storage persists the feed ledger: connection state transitions,
// per-process sequence watermarks and the notifier's dedup keys.
//
// Two backends exist. "sqlite" (modernc.org/sqlite, no cgo) is the default
// for services; "file" keeps JSON Lines journals next to a snapshot and
// needs nothing but a writable directory.
package storage
