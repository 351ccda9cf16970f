// Package sdnotify reports service state to systemd (Type=notify units):
// READY once the relay is up, STATUS on connection changes, WATCHDOG pings
// while the event loop is alive and STOPPING on shutdown.
//
// Outside systemd NOTIFY_SOCKET is unset and every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"nwwsoi/internal/eventbus"
	logx "nwwsoi/pkg/logx"
)

type Notifier struct {
	enabled  bool
	log      logx.Logger
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		enabled:  enabled,
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.notify(state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if !sent {
		n.log.Trace("sd_notify skipped (no NOTIFY_SOCKET)", logx.String("state", state))
	}
}

func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Status(s string) { n.send("STATUS=" + s) }
func (n *Notifier) pingWatchdog() { n.send(daemon.SdNotifyWatchdog) }

// Run mirrors connection states into STATUS and pings the watchdog at half
// its interval until ctx is done.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	if n == nil || !n.enabled {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	var tick <-chan time.Time
	if d, err := n.watchdog(); err == nil && d > 0 {
		t := time.NewTicker(d / 2)
		defer t.Stop()
		tick = t.C
		n.log.Debug("systemd watchdog enabled", logx.Duration("interval", d))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			n.pingWatchdog()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			switch d := e.Data.(type) {
			case eventbus.StateData:
				n.Status("nwws " + d.State)
			case eventbus.ErrorData:
				n.Status("nwws error: " + d.Kind)
			}
		}
	}
}
