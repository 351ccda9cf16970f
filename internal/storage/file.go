package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "nwwsoi/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.links.jsonl                (append-only JSON Lines)
//   - <prefix>.<name>.snapshot.json       (periodic snapshot)
//   - <prefix>.<name>.journal.jsonl       (append-only journal)
//
// where <name> is "dedup" or "watermarks". Journals are compacted into
// their snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	linksPath string
	linksFile *os.File

	dedup      *journal[int64] // unix milli
	watermarks *journal[Watermark]
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	linksPath := prefix + ".links.jsonl"
	lf, err := os.OpenFile(linksPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	dedup, err := openJournal[int64](prefix, "dedup")
	if err != nil {
		_ = lf.Close()
		return nil, err
	}
	now := time.Now().UnixMilli()
	dedup.prune(func(until int64) bool { return until < now })

	wm, err := openJournal[Watermark](prefix, "watermarks")
	if err != nil {
		_ = lf.Close()
		_ = dedup.close()
		return nil, err
	}

	return &fileStore{
		log:        log,
		linksPath:  linksPath,
		linksFile:  lf,
		dedup:      dedup,
		watermarks: wm,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.linksFile != nil {
		errs = append(errs, s.linksFile.Close())
		s.linksFile = nil
	}
	for _, j := range []interface {
		compact() error
		close() error
	}{s.dedup, s.watermarks} {
		if err := j.compact(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
		errs = append(errs, j.close())
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendLink(ctx context.Context, e LinkEvent) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linksFile == nil {
		return errors.New("links file closed")
	}
	return json.NewEncoder(s.linksFile).Encode(e)
}

func (s *fileStore) LinksSince(ctx context.Context, since time.Time) ([]LinkEvent, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LinkEvent
	err := scanLinks(s.linksPath, func(e LinkEvent) {
		if !e.At.Before(since) {
			out = append(out, e)
		}
	})
	return out, err
}

func (s *fileStore) PutWatermark(ctx context.Context, w Watermark) error {
	_ = ctx
	if strings.TrimSpace(w.ProcessID) == "" {
		return nil
	}
	if w.At.IsZero() {
		w.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks.put(w.ProcessID, w, s.log)
}

func (s *fileStore) Watermarks(ctx context.Context) ([]Watermark, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Watermark, 0, len(s.watermarks.m))
	for _, w := range s.watermarks.m {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return out, nil
}

// Prune rewrites the links file without old events and drops stale
// watermarks.
func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linksFile == nil {
		return 0, errors.New("links file closed")
	}

	var keep []LinkEvent
	dropped := 0
	if err := scanLinks(s.linksPath, func(e LinkEvent) {
		if e.At.Before(before) {
			dropped++
			return
		}
		keep = append(keep, e)
	}); err != nil {
		return 0, err
	}
	if dropped > 0 {
		if err := writeJSONLines(s.linksPath, keep); err != nil {
			return 0, err
		}
		_ = s.linksFile.Close()
		lf, err := os.OpenFile(s.linksPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			s.linksFile = nil
			return dropped, err
		}
		s.linksFile = lf
	}

	n := s.watermarks.prune(func(w Watermark) bool { return w.At.Before(before) })
	if n > 0 {
		if err := s.watermarks.compact(); err != nil {
			return dropped + n, err
		}
	}
	return dropped + n, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.put(key, until.UnixMilli(), s.log)
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup.m[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// journal is a string-keyed map persisted as a snapshot plus an
// append-only journal of puts. Callers hold fileStore.mu.
type journal[V any] struct {
	snapshotPath string
	file         *os.File
	m            map[string]V
	writes       int
}

type journalRecord[V any] struct {
	Key   string `json:"key"`
	Value V      `json:"value"`
}

func openJournal[V any](prefix, name string) (*journal[V], error) {
	j := &journal[V]{
		snapshotPath: prefix + "." + name + ".snapshot.json",
		m:            map[string]V{},
	}
	journalPath := prefix + "." + name + ".journal.jsonl"
	_ = j.loadSnapshot()
	_ = j.replay(journalPath)

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.file = f
	return j, nil
}

func (j *journal[V]) put(key string, v V, log logx.Logger) error {
	if j.file == nil {
		return errors.New("journal closed")
	}
	j.m[key] = v
	if err := json.NewEncoder(j.file).Encode(journalRecord[V]{Key: key, Value: v}); err != nil {
		return err
	}
	j.writes++
	if j.writes%compactEvery == 0 {
		if err := j.compact(); err != nil {
			log.Debug("journal compact failed", logx.String("snapshot", j.snapshotPath), logx.Err(err))
		}
	}
	return nil
}

// prune deletes entries matching drop and returns how many went.
func (j *journal[V]) prune(drop func(V) bool) int {
	n := 0
	for k, v := range j.m {
		if drop(v) {
			delete(j.m, k)
			n++
		}
	}
	return n
}

func (j *journal[V]) compact() error {
	if j.file == nil {
		return nil
	}
	tmp := j.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(j.m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapshotPath); err != nil {
		return err
	}
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err = j.file.Seek(0, io.SeekEnd)
	return err
}

func (j *journal[V]) close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *journal[V]) loadSnapshot() error {
	f, err := os.Open(j.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]V
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		j.m[k] = v
	}
	return nil
}

func (j *journal[V]) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord[V]
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		j.m[r.Key] = r.Value
	}
	return sc.Err()
}

func scanLinks(path string, fn func(LinkEvent)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e LinkEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		fn(e)
	}
	return sc.Err()
}

func writeJSONLines[T any](path string, rows []T) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
