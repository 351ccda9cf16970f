package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"nwwsoi/internal/eventbus"
	"nwwsoi/internal/storage"
	"nwwsoi/pkg/nwws"
	logx "nwwsoi/pkg/logx"
)

func bulletin(id string) nwws.Bulletin { return nwws.Bulletin{TTAAII: "SXUS50", CCCC: "KWBC", ID: id} }

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestObserveDetectsGaps(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	l := New(Config{}, nil, bus, logx.Nop())
	now := time.Now()

	cases := []struct {
		id       string
		gap      bool
		from, to uint64
	}{
		{"14425.5000", false, 0, 0}, // first sighting
		{"14425.5001", false, 0, 0},
		{"14425.5005", true, 5002, 5004},
		{"14425.5003", false, 0, 0}, // late, ignored
		{"14425.5005", false, 0, 0}, // duplicate
		{"14425.2", false, 0, 0},    // counter reset
		{"14425.3", false, 0, 0},
		{"99.1", false, 0, 0}, // other process
		{"nodot", false, 0, 0},
	}
	for _, tc := range cases {
		g, ok := l.Observe(bulletin(tc.id), now)
		if ok != tc.gap || (ok && (g.From != tc.from || g.To != tc.to)) {
			t.Fatalf("Observe(%s) = %+v, %v; want gap=%v %d..%d", tc.id, g, ok, tc.gap, tc.from, tc.to)
		}
	}
	if got := l.Missing(); got != 3 {
		t.Fatalf("Missing = %d, want 3", got)
	}
	snap := l.Snapshot()
	if len(snap) != 2 || snap[0].ProcessID != "14425" || snap[0].Sequence != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}

	select {
	case e := <-events:
		d := e.Data.(eventbus.GapData)
		if e.Type != eventbus.TypeGap || d.From != 5002 || d.To != 5004 {
			t.Fatalf("gap event = %+v", e)
		}
	default:
		t.Fatalf("no gap event published")
	}
}

func TestFlushAndLoadAcrossRestart(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now()

	l := New(Config{}, st, nil, logx.Nop())
	l.Observe(bulletin("7.10"), now)
	l.Observe(bulletin("7.11"), now)
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	restarted := New(Config{}, st, nil, logx.Nop())
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	g, ok := restarted.Observe(bulletin("7.15"), now)
	if !ok || g.From != 12 || g.To != 14 {
		t.Fatalf("gap after restart = %+v, %v", g, ok)
	}
}

func TestRunRecordsLinkEvents(t *testing.T) {
	st := openStore(t)
	bus := eventbus.New()
	l := New(Config{FlushInterval: time.Hour}, st, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeState, Data: eventbus.StateData{State: "connected"}})
		time.Sleep(20 * time.Millisecond)
		links, err := st.LinksSince(context.Background(), time.Time{})
		if err != nil {
			t.Fatalf("LinksSince: %v", err)
		}
		if len(links) > 0 {
			if links[0].Kind != storage.LinkState || links[0].State != "connected" {
				t.Fatalf("link = %+v", links[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no link event recorded")
		}
	}
	l.Observe(bulletin("1.1"), time.Now())
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ws, _ := st.Watermarks(context.Background()); len(ws) != 1 {
		t.Fatalf("final flush wrote %d watermarks, want 1", len(ws))
	}
}
