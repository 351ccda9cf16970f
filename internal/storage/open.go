package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "nwwsoi/pkg/logx"
)

// Store is the persistence API used by the ledger, the digest and the
// notifier.
type Store interface {
	AppendLink(ctx context.Context, e LinkEvent) error
	// LinksSince returns link events at or after since, oldest first.
	LinksSince(ctx context.Context, since time.Time) ([]LinkEvent, error)

	PutWatermark(ctx context.Context, w Watermark) error
	Watermarks(ctx context.Context) ([]Watermark, error)

	// Prune drops link events and watermarks older than before and
	// reports how many rows went.
	Prune(ctx context.Context, before time.Time) (int, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
