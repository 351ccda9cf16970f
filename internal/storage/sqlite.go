package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "nwwsoi/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the ledger is low volume.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("sqlite WAL unavailable", logx.Err(err))
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrations)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendLink(ctx context.Context, e LinkEvent) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO link_events(at, kind, state, err_kind, message) VALUES(?,?,?,?,?)`,
		e.At.UnixMilli(), e.Kind, nullStr(e.State), nullStr(e.ErrKind), nullStr(e.Message),
	)
	return err
}

func (s *sqliteStore) LinksSince(ctx context.Context, since time.Time) ([]LinkEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, state, err_kind, message FROM link_events WHERE at >= ? ORDER BY at, id`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LinkEvent
	for rows.Next() {
		var (
			at                  int64
			e                   LinkEvent
			state, errKind, msg sql.NullString
		)
		if err := rows.Scan(&at, &e.Kind, &state, &errKind, &msg); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		e.State, e.ErrKind, e.Message = state.String, errKind.String, msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutWatermark(ctx context.Context, w Watermark) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(w.ProcessID) == "" {
		return nil
	}
	if w.At.IsZero() {
		w.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks(pid, seq, missing, at) VALUES(?,?,?,?)
		 ON CONFLICT(pid) DO UPDATE SET seq=excluded.seq, missing=excluded.missing, at=excluded.at`,
		w.ProcessID, int64(w.Sequence), int64(w.Missing), w.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Watermarks(ctx context.Context) ([]Watermark, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT pid, seq, missing, at FROM watermarks ORDER BY pid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var (
			w                Watermark
			seq, missing, at int64
		)
		if err := rows.Scan(&w.ProcessID, &seq, &missing, &at); err != nil {
			return nil, err
		}
		w.Sequence, w.Missing, w.At = uint64(seq), uint64(missing), time.UnixMilli(at)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	ms := before.UnixMilli()
	total := 0
	for _, q := range []string{
		`DELETE FROM link_events WHERE at < ?`,
		`DELETE FROM watermarks WHERE at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, ms)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpiredDedup(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpiredDedup(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
