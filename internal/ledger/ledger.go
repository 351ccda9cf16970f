// Package ledger keeps the feed's bookkeeping: per-process sequence
// watermarks with gap detection, and the history of connection state
// changes. Both persist through storage when a store is configured.
//
// A bulletin id is "<process id>.<sequence>". Sequence numbers from one
// ingest process increase by one per product, so a jump means products were
// lost somewhere upstream of us or while we were disconnected.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"nwwsoi/internal/eventbus"
	"nwwsoi/internal/storage"
	"nwwsoi/pkg/nwws"
	logx "nwwsoi/pkg/logx"
)

const (
	DefaultFlushInterval = 15 * time.Second
	DefaultRetention     = 30 * 24 * time.Hour

	// A sequence number this far below the watermark means the ingest
	// process restarted its counter.
	resetDistance = 1000
	// Larger forward jumps are treated as a counter reset too; nobody loses
	// a million products and stays on the same process id.
	maxGap = 1_000_000
)

type Config struct {
	FlushInterval time.Duration
	Retention     time.Duration
}

// Gap is a run of sequence numbers never seen, From..To inclusive.
type Gap struct {
	ProcessID string
	From, To  uint64
}

func (g Gap) Len() uint64 { return g.To - g.From + 1 }

type entry struct {
	seq     uint64
	missing uint64
	at      time.Time
	dirty   bool
}

type Ledger struct {
	cfg   Config
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu    sync.Mutex
	marks map[string]*entry
}

// New returns an empty ledger. store and bus may be nil.
func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Ledger {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{cfg: cfg, store: store, bus: bus, log: log, marks: map[string]*entry{}}
}

// Load seeds the watermarks from the store, so gaps across a restart of
// this process are detected.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	ws, err := l.store.Watermarks(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range ws {
		l.marks[w.ProcessID] = &entry{seq: w.Sequence, missing: w.Missing, at: w.At}
	}
	l.log.Debug("ledger loaded", logx.Int("processes", len(ws)))
	return nil
}

// Observe records b's sequence number and returns the gap it reveals, if
// any. Bulletins without a numeric id are ignored.
func (l *Ledger) Observe(b nwws.Bulletin, now time.Time) (Gap, bool) {
	pid := b.ProcessID()
	seq, ok := b.SequenceNumber()
	if !ok || pid == "" {
		return Gap{}, false
	}

	l.mu.Lock()
	e, seen := l.marks[pid]
	if !seen {
		l.marks[pid] = &entry{seq: seq, at: now, dirty: true}
		l.mu.Unlock()
		return Gap{}, false
	}

	var gap Gap
	found := false
	switch {
	case seq == e.seq+1:
		e.seq = seq
	case seq > e.seq+1 && seq-e.seq <= maxGap:
		gap = Gap{ProcessID: pid, From: e.seq + 1, To: seq - 1}
		found = true
		e.missing += gap.Len()
		e.seq = seq
	case seq > e.seq:
		e.seq = seq
	case e.seq-seq >= resetDistance:
		e.seq = seq
	default:
		// duplicate or late delivery
		l.mu.Unlock()
		return Gap{}, false
	}
	e.at = now
	e.dirty = true
	l.mu.Unlock()

	if found {
		l.log.Warn("sequence gap",
			logx.String("pid", pid),
			logx.Uint64("from", gap.From),
			logx.Uint64("to", gap.To),
			logx.Uint64("missing", gap.Len()),
		)
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{Type: eventbus.TypeGap, Time: now, Data: eventbus.GapData{ProcessID: pid, From: gap.From, To: gap.To}})
		}
	}
	return gap, found
}

// Snapshot returns the current watermarks sorted by process id.
func (l *Ledger) Snapshot() []storage.Watermark {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]storage.Watermark, 0, len(l.marks))
	for pid, e := range l.marks {
		out = append(out, storage.Watermark{ProcessID: pid, Sequence: e.seq, Missing: e.missing, At: e.at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return out
}

// Missing is the total count of bulletins found missing across processes.
func (l *Ledger) Missing() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n uint64
	for _, e := range l.marks {
		n += e.missing
	}
	return n
}

// Flush writes changed watermarks to the store.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.mu.Lock()
	var pending []storage.Watermark
	for pid, e := range l.marks {
		if e.dirty {
			pending = append(pending, storage.Watermark{ProcessID: pid, Sequence: e.seq, Missing: e.missing, At: e.at})
			e.dirty = false
		}
	}
	l.mu.Unlock()

	for i, w := range pending {
		if err := l.store.PutWatermark(ctx, w); err != nil {
			l.remark(pending[i:])
			return err
		}
	}
	return nil
}

// remark flags unwritten watermarks dirty again.
func (l *Ledger) remark(ws []storage.Watermark) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range ws {
		if e, ok := l.marks[w.ProcessID]; ok {
			e.dirty = true
		}
	}
}

// RecordLink stores a connection state change or error.
func (l *Ledger) RecordLink(ctx context.Context, e storage.LinkEvent) {
	if l.store == nil {
		return
	}
	if err := l.store.AppendLink(ctx, e); err != nil {
		l.log.Debug("link event not stored", logx.String("kind", e.Kind), logx.Err(err))
	}
}

// Run records link events from the bus and flushes watermarks periodically
// until ctx is done. Old rows are pruned hourly.
func (l *Ledger) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	flush := time.NewTicker(l.cfg.FlushInterval)
	defer flush.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := l.Flush(fctx)
			cancel()
			return err
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if le, ok := linkEventOf(e); ok {
				l.RecordLink(ctx, le)
			}
		case <-flush.C:
			if err := l.Flush(ctx); err != nil {
				l.log.Warn("watermark flush failed", logx.Err(err))
			}
		case <-prune.C:
			l.prune(ctx, time.Now())
		}
	}
}

func (l *Ledger) prune(ctx context.Context, now time.Time) {
	if l.store == nil {
		return
	}
	n, err := l.store.Prune(ctx, now.Add(-l.cfg.Retention))
	if err != nil {
		l.log.Warn("ledger prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		l.log.Debug("ledger pruned", logx.Int("rows", n))
	}
}

func linkEventOf(e eventbus.Event) (storage.LinkEvent, bool) {
	switch d := e.Data.(type) {
	case eventbus.StateData:
		return storage.LinkEvent{At: e.Time, Kind: storage.LinkState, State: d.State}, true
	case eventbus.ErrorData:
		return storage.LinkEvent{At: e.Time, Kind: storage.LinkError, ErrKind: d.Kind, Message: d.Message}, true
	}
	return storage.LinkEvent{}, false
}
