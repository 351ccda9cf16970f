package sdnotify

import (
	"context"
	"sync"
	"testing"
	"time"

	"nwwsoi/internal/eventbus"
	logx "nwwsoi/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(s string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	return true, nil
}

func (r *recorder) has(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.states {
		if x == s {
			return true
		}
	}
	return false
}

func TestDisabledIsSilent(t *testing.T) {
	rec := &recorder{}
	n := New(false, logx.Nop())
	n.notify = rec.notify
	n.Ready()
	n.Stopping()
	if len(rec.states) != 0 {
		t.Fatalf("disabled notifier sent %v", rec.states)
	}
	var nilN *Notifier
	nilN.Ready()
}

func TestRunMirrorsStateAndPingsWatchdog(t *testing.T) {
	rec := &recorder{}
	n := New(true, logx.Nop())
	n.notify = rec.notify
	n.watchdog = func() (time.Duration, error) { return 40 * time.Millisecond, nil }

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx, bus)
	}()

	n.Ready()
	deadline := time.Now().Add(2 * time.Second)
	for !(rec.has("STATUS=nwws connected") && rec.has("WATCHDOG=1")) {
		if time.Now().After(deadline) {
			t.Fatalf("states = %v", rec.states)
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeState, Data: eventbus.StateData{State: "connected"}})
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done
	if !rec.has("READY=1") {
		t.Fatalf("READY not sent")
	}
}
