package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "nwwsoi/pkg/logx"
)

func openBoth(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	open := func(driver, name string) func() Store {
		return func() Store {
			st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, name)}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(%s): %v", driver, err)
			}
			return st
		}
	}
	return map[string]func() Store{
		"file":   open("file", "ledger.json"),
		"sqlite": open("sqlite", "ledger.db"),
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without path accepted")
	}
}

func TestLinksSinceAndPrune(t *testing.T) {
	for name, open := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			t.Cleanup(func() { _ = st.Close() })
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

			events := []LinkEvent{
				{At: base, Kind: LinkState, State: "connecting"},
				{At: base.Add(time.Minute), Kind: LinkError, ErrKind: "network", Message: "reset"},
				{At: base.Add(2 * time.Minute), Kind: LinkState, State: "connected"},
			}
			for _, e := range events {
				if err := st.AppendLink(ctx, e); err != nil {
					t.Fatalf("AppendLink: %v", err)
				}
			}

			got, err := st.LinksSince(ctx, base.Add(time.Minute))
			if err != nil {
				t.Fatalf("LinksSince: %v", err)
			}
			if len(got) != 2 || got[0].ErrKind != "network" || got[1].State != "connected" {
				t.Fatalf("LinksSince = %+v", got)
			}

			n, err := st.Prune(ctx, base.Add(90*time.Second))
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if n != 2 {
				t.Fatalf("pruned %d, want 2", n)
			}
			got, _ = st.LinksSince(ctx, time.Time{})
			if len(got) != 1 || got[0].State != "connected" {
				t.Fatalf("after prune = %+v", got)
			}
			if err := st.AppendLink(ctx, LinkEvent{At: base.Add(3 * time.Minute), Kind: LinkState, State: "disconnected"}); err != nil {
				t.Fatalf("AppendLink after prune: %v", err)
			}
		})
	}
}

func TestWatermarksUpsert(t *testing.T) {
	for name, open := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			t.Cleanup(func() { _ = st.Close() })
			ctx := context.Background()
			now := time.Now()

			_ = st.PutWatermark(ctx, Watermark{ProcessID: "b", Sequence: 7, At: now})
			_ = st.PutWatermark(ctx, Watermark{ProcessID: "a", Sequence: 1, At: now})
			_ = st.PutWatermark(ctx, Watermark{ProcessID: "a", Sequence: 9, Missing: 2, At: now})
			_ = st.PutWatermark(ctx, Watermark{ProcessID: " ", Sequence: 1})

			ws, err := st.Watermarks(ctx)
			if err != nil {
				t.Fatalf("Watermarks: %v", err)
			}
			if len(ws) != 2 {
				t.Fatalf("watermarks = %+v", ws)
			}
			if ws[0].ProcessID != "a" || ws[0].Sequence != 9 || ws[0].Missing != 2 {
				t.Fatalf("a = %+v", ws[0])
			}
		})
	}
}

func TestDedupSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			cfg := Config{Driver: driver, Path: filepath.Join(dir, driver+".store")}
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			ctx := context.Background()
			if err := st.PutDedup(ctx, "k1", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			if err := st.PutDedup(ctx, "old", time.Now().Add(-time.Hour)); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			_ = st.PutWatermark(ctx, Watermark{ProcessID: "p", Sequence: 3})
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			got, ok, err := st.GetDedup(ctx, "k1")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v, %v, %v; want %v", got, ok, err, until)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatalf("missing key found")
			}
			ws, _ := st.Watermarks(ctx)
			if len(ws) != 1 || ws[0].Sequence != 3 {
				t.Fatalf("watermarks after reopen = %+v", ws)
			}
		})
	}
}
