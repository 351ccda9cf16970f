package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": JSON Lines journals + snapshots
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Link event kinds.
const (
	LinkState = "state"
	LinkError = "error"
)

// LinkEvent is one connection state transition or stream error.
type LinkEvent struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	State   string    `json:"state,omitempty"`
	ErrKind string    `json:"err_kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Watermark is the highest sequence number seen from one NWWS ingest
// process, with the number of sequence numbers found missing so far.
type Watermark struct {
	ProcessID string    `json:"pid"`
	Sequence  uint64    `json:"seq"`
	Missing   uint64    `json:"missing"`
	At        time.Time `json:"at"`
}
