package nwws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"nwwsoi/pkg/xmpp"
)

func fastBackoff() Backoff {
	return Backoff{
		ConnectTimeout: time.Second,
		LongCooldown:   300 * time.Millisecond,
		ShortCooldown:  10 * time.Millisecond,
		Floor:          5 * time.Millisecond,
	}
}

// dialRecorder records when each dial attempt happened.
type dialRecorder struct {
	mu    sync.Mutex
	times []time.Time
}

func (r *dialRecorder) mark() {
	r.mu.Lock()
	r.times = append(r.times, time.Now())
	r.mu.Unlock()
}

func (r *dialRecorder) snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func nextEvent(t *testing.T, s *Stream) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, ok := s.Next(ctx)
	if !ok {
		t.Fatalf("no event")
	}
	return ev
}

func expectState(t *testing.T, s *Stream, want ConnectionState) {
	t.Helper()
	ev := nextEvent(t, s)
	if ev.Kind != EventState || ev.State != want {
		t.Fatalf("event = %s, want state %s", ev, want)
	}
}

func expectError(t *testing.T, s *Stream, want *Error) {
	t.Helper()
	ev := nextEvent(t, s)
	if ev.Kind != EventError || !errors.Is(ev.Err, want) {
		t.Fatalf("event = %s, want %s error", ev, want.Kind)
	}
}

func TestStreamCredentialFailureUsesLongCooldown(t *testing.T) {
	rec := &dialRecorder{}
	dial := func(context.Context, Config) (Transport, error) {
		rec.mark()
		return nil, &xmpp.AuthError{Condition: "not-authorized"}
	}
	b := fastBackoff()
	s := NewStream(testConfig(), WithDialer(dial), WithBackoff(b))
	defer s.Close()

	expectState(t, s, Connecting)
	expectError(t, s, ErrCredentials)
	expectState(t, s, Disconnected)
	disconnectedAt := time.Now()
	expectState(t, s, Connecting)
	if gap := time.Since(disconnectedAt); gap < b.LongCooldown-20*time.Millisecond {
		t.Fatalf("reconnected after %v, want at least %v", gap, b.LongCooldown)
	}

	expectError(t, s, ErrCredentials)
	times := rec.snapshot()
	if len(times) < 2 {
		t.Fatalf("dials = %d, want 2", len(times))
	}
	if gap := times[1].Sub(times[0]); gap < b.LongCooldown+b.Floor {
		t.Fatalf("dial gap = %v, want at least %v", gap, b.LongCooldown+b.Floor)
	}
}

func TestStreamNetworkFailureUsesShortCooldown(t *testing.T) {
	rec := &dialRecorder{}
	dial := func(context.Context, Config) (Transport, error) {
		rec.mark()
		return nil, errors.New("connection refused")
	}
	b := fastBackoff()
	b.LongCooldown = 5 * time.Second
	s := NewStream(testConfig(), WithDialer(dial), WithBackoff(b))
	defer s.Close()

	for i := 0; i < 2; i++ {
		expectState(t, s, Connecting)
		expectError(t, s, ErrNetwork)
		expectState(t, s, Disconnected)
	}
	times := rec.snapshot()
	if gap := times[1].Sub(times[0]); gap < b.ShortCooldown+b.Floor || gap > time.Second {
		t.Fatalf("dial gap = %v, want short cooldown", gap)
	}
}

func TestStreamConnectTimeoutEmitsOnlyDisconnected(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	dial := func(context.Context, Config) (Transport, error) {
		<-release
		return nil, errors.New("released")
	}
	b := fastBackoff()
	b.ConnectTimeout = 50 * time.Millisecond
	s := NewStream(testConfig(), WithDialer(dial), WithBackoff(b))
	defer s.Close()

	expectState(t, s, Connecting)
	expectState(t, s, Disconnected)
	expectState(t, s, Connecting)
	expectState(t, s, Disconnected)
}

func TestStreamSessionFailureReconnects(t *testing.T) {
	first := newFakeTransport(xmppMust(t, selfPresence))
	second := newFakeTransport(xmppMust(t, selfPresence))
	var mu sync.Mutex
	transports := []*fakeTransport{first, second}
	dial := func(context.Context, Config) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(transports) == 0 {
			return nil, errors.New("no more transports")
		}
		tr := transports[0]
		transports = transports[1:]
		return tr, nil
	}
	s := NewStream(testConfig(), WithDialer(dial), WithBackoff(fastBackoff()))

	expectState(t, s, Connecting)
	expectState(t, s, Connected)
	first.in <- xmppMust(t, bulletinStanza(fullAttrs, "text"))
	if ev := nextEvent(t, s); ev.Kind != EventBulletin || ev.Bulletin.ID != "14425.25117" {
		t.Fatalf("event = %s, want bulletin", ev)
	}

	close(first.in)
	expectError(t, s, ErrStreamEnded)
	expectState(t, s, Disconnected)
	first.waitClosed(t)
	first.nextSent(t) // join
	if leave := first.nextSent(t); leave.AttrValue("type") != "unavailable" {
		t.Fatalf("expected leave presence, got %s", leave)
	}

	expectState(t, s, Connecting)
	expectState(t, s, Connected)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	second.waitClosed(t)
	for range s.Events() {
	}
}

func TestStreamBackpressure(t *testing.T) {
	const total = 40
	tr := newFakeTransport(xmppMust(t, selfPresence))
	for i := 1; i <= total; i++ {
		attrs := fmt.Sprintf(`cccc="KOKX" ttaaii="FXUS61" issue="2024-01-01T00:00:00Z" awipsid="AFDOKX" id="1.%d"`, i)
		tr.in <- xmppMust(t, bulletinStanza(attrs, "text"))
	}
	s := NewStream(testConfig(), WithDialer(dialerFor(tr)), WithBackoff(fastBackoff()))
	defer s.Close()

	// Connecting + Connected + 30 bulletins fill the buffer; the 31st is
	// read from the room and held by the blocked send.
	waitFor(t, func() bool { return len(s.Events()) == EventBuffer && len(tr.in) == total-31 })
	time.Sleep(50 * time.Millisecond)
	if len(tr.in) != total-31 {
		t.Fatalf("stream kept reading while the channel was full: %d left", len(tr.in))
	}

	expectState(t, s, Connecting)
	waitFor(t, func() bool { return len(s.Events()) == EventBuffer && len(tr.in) == total-32 })
	time.Sleep(50 * time.Millisecond)
	if len(tr.in) != total-32 {
		t.Fatalf("one receive must release exactly one send: %d left", len(tr.in))
	}

	expectState(t, s, Connected)
	for i := 1; i <= total; i++ {
		ev := nextEvent(t, s)
		if ev.Kind != EventBulletin {
			t.Fatalf("event %d = %s, want bulletin", i, ev)
		}
		if n, _ := ev.Bulletin.SequenceNumber(); n != uint64(i) {
			t.Fatalf("bulletin %d out of order: %s", i, ev.Bulletin.ID)
		}
	}
}

func TestStreamCloseStopsEverything(t *testing.T) {
	tr := newFakeTransport(xmppMust(t, selfPresence))
	s := NewStream(testConfig(), WithDialer(dialerFor(tr)), WithBackoff(fastBackoff()))
	expectState(t, s, Connecting)
	expectState(t, s, Connected)

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}
	tr.waitClosed(t)
	if _, ok := <-s.Events(); ok {
		t.Fatalf("events channel still open after Close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStreamClonesConfigPerAttempt(t *testing.T) {
	seen := make(chan Config, 4)
	dial := func(_ context.Context, cfg Config) (Transport, error) {
		seen <- cfg
		return nil, errors.New("refused")
	}
	cfg := testConfig()
	s := NewStream(cfg, WithDialer(dial), WithBackoff(fastBackoff()))
	defer s.Close()
	cfg.Username = "mallory"

	got := <-seen
	if got.Username != "alice" || got.Resource != "r1" {
		t.Fatalf("attempt saw %s", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}
