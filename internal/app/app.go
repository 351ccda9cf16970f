package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nwwsoi/internal/config"
	"nwwsoi/internal/digest"
	"nwwsoi/internal/eventbus"
	"nwwsoi/internal/ledger"
	"nwwsoi/internal/notifier"
	"nwwsoi/internal/observability"
	"nwwsoi/internal/observability/ops"
	"nwwsoi/internal/relay"
	rtsup "nwwsoi/internal/runtime/supervisor"
	"nwwsoi/internal/sdnotify"
	"nwwsoi/internal/sink/redisstream"
	"nwwsoi/internal/storage"
	kit "nwwsoi/internal/transport"
	"nwwsoi/internal/transport/telegram"
	logx "nwwsoi/pkg/logx"
	"nwwsoi/pkg/nwws"
)

// App wires the feed to its consumers: the relay, the ledger, metrics, the
// Redis sink, the digest and systemd.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sender  kit.Sender // nil without a telegram token
	logChat *logChat

	notif   *notifier.Service
	router  *relay.Router
	ledger  *ledger.Ledger
	metrics *observability.Metrics
	ops     *ops.Service
	sink    *redisstream.Sink
	digest  *digest.Service
	sd      *sdnotify.Notifier

	// dial overrides the Stream dialer; tests only.
	dial nwws.Dialer

	resource string
	feedMu   sync.Mutex
	feed     feedConfig
	restart  chan feedConfig

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanos of the last bulletin
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	a := &App{
		cfgm:     cfgm,
		bus:      eventbus.New(),
		metrics:  observability.NewMetrics(),
		resource: nwws.NewResource(),
		restart:  make(chan feedConfig, 1),
	}
	a.state.Store(int32(nwws.Disconnected))

	// A console logger until the configured sinks exist.
	bootLog := logx.NewConsole(cfg.Logging.Level)

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tc.Token != "" {
		s, err := telegram.New(tc, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		a.sender = s
	}
	target, err := mapLogTarget(cfg)
	if err != nil {
		return nil, err
	}
	a.logChat = &logChat{sender: a.sender}
	a.logChat.SetTarget(target)

	a.logs, a.log = logx.New(mapLoggingConfig(cfg), a.logChat)
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.feed, err = mapFeedConfig(cfg, a.resource)
	if err != nil {
		return nil, err
	}

	if sc, ok, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if ok {
		a.store, err = storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(nc, a.sender, a.log.With(logx.String("comp", "notifier")), a.bus, a.store)

	rules, err := mapRelayRules(cfg)
	if err != nil {
		return nil, err
	}
	a.router = relay.NewRouter(rules, a.notif, a.log.With(logx.String("comp", "relay")))

	lc, err := mapLedgerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger.New(lc, a.store, a.bus, a.log.With(logx.String("comp", "ledger")))

	if rc, ok, err := mapRedisConfig(cfg); err != nil {
		return nil, err
	} else if ok {
		a.sink, err = redisstream.New(rc, a.log.With(logx.String("comp", "redis")))
		if err != nil {
			return nil, err
		}
		a.sink.OnPublish = func(err error) { a.metrics.SinkPublish("redis", err) }
	}

	dc, err := mapDigestConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.digest = digest.New(dc, a.logChat, a.store, a.ledger.Missing, a.log.With(logx.String("comp", "digest")))

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(oc, a.log, a.metrics.Handler(), a.health)

	a.sd = sdnotify.New(cfg.Systemd.Notify, a.log.With(logx.String("comp", "systemd")))
	return a, nil
}

// Done is closed when the app's run context ends, either from Stop or from
// a fatal error in a supervised loop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	a.cfgm.SetValidator(validate)

	if err := a.ledger.Load(ctx); err != nil {
		a.log.Warn("ledger load failed; gap tracking starts fresh", logx.Err(err))
	}
	if a.sink != nil {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.sink.Ping(pctx); err != nil {
			a.log.Warn("redis not reachable yet", logx.Err(err))
		}
		cancel()
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.ops.Start(a.sup.Context())
	if err := a.digest.Start(a.sup.Context()); err != nil {
		return err
	}

	// Consumers subscribe before the feed starts publishing.
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })
	a.sup.Go("ledger", func(c context.Context) error { return a.ledger.Run(c, a.bus) })
	a.sup.Go("systemd", func(c context.Context) error { return a.sd.Run(c, a.bus) })
	if a.sink != nil {
		a.sup.Go("sink.redis", a.sink.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.GoRestart("nwws.feed", a.runFeed,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.log.Info("app started",
		logx.String("feed", a.currentFeed().conn.String()),
		logx.Int("relay_rules", len(a.router.Rules())),
		logx.Bool("storage", a.store != nil),
		logx.Bool("redis", a.sink != nil),
	)
	return nil
}

func (a *App) currentFeed() feedConfig {
	a.feedMu.Lock()
	defer a.feedMu.Unlock()
	return a.feed
}

// restartFeed makes the feed loop reconnect with fc. Only the newest
// pending config is kept.
func (a *App) restartFeed(fc feedConfig) {
	a.feedMu.Lock()
	a.feed = fc
	a.feedMu.Unlock()
	for {
		select {
		case a.restart <- fc:
			return
		default:
		}
		select {
		case <-a.restart:
		default:
		}
	}
}

// runFeed owns the Stream. A restart request closes the current Stream and
// opens one with the new config.
func (a *App) runFeed(ctx context.Context) error {
	fc := a.currentFeed()
	for {
		s := nwws.NewStream(fc.conn, a.streamOptions(fc)...)
		next, err := a.pump(ctx, s)
		_ = s.Close()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		a.log.Info("feed restarting with new config", logx.String("feed", next.conn.String()))
		fc = next
	}
}

func (a *App) streamOptions(fc feedConfig) []nwws.Option {
	opts := []nwws.Option{
		nwws.WithLogger(a.log.With(logx.String("comp", "nwws"))),
		nwws.WithBackoff(fc.backoff),
		nwws.WithRejectHook(func(r nwws.RejectReason) { a.metrics.IncReject(string(r)) }),
	}
	if a.dial != nil {
		opts = append(opts, nwws.WithDialer(a.dial))
	}
	return opts
}

// pump forwards Stream events until ctx is done or a restart is requested.
func (a *App) pump(ctx context.Context, s *nwws.Stream) (feedConfig, error) {
	for {
		select {
		case <-ctx.Done():
			return feedConfig{}, nil
		case fc := <-a.restart:
			return fc, nil
		case ev, ok := <-s.Events():
			if !ok {
				return feedConfig{}, errors.New("nwws stream ended")
			}
			a.handle(ctx, ev, time.Now())
		}
	}
}

func (a *App) handle(ctx context.Context, ev nwws.Event, now time.Time) {
	switch ev.Kind {
	case nwws.EventState:
		a.state.Store(int32(ev.State))
		a.log.Info("nwws "+ev.State.String(), logx.String("state", ev.State.String()))
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeState, Time: now, Data: eventbus.StateData{State: ev.State.String()}})

	case nwws.EventError:
		if ev.Err == nil {
			return
		}
		kind := ev.Err.Kind.String()
		if ev.Err.Kind.OperatorError() {
			a.log.Error("nwws error", logx.String("kind", kind), logx.Err(ev.Err))
		} else {
			a.log.Warn("nwws error", logx.String("kind", kind), logx.Err(ev.Err))
		}
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeError, Time: now, Data: eventbus.ErrorData{Kind: kind, Message: ev.Err.Error()}})

	case nwws.EventBulletin:
		if ev.Bulletin == nil {
			return
		}
		b := *ev.Bulletin
		a.lastSeen.Store(now.UnixNano())
		a.metrics.ObserveBulletin(b.TTAAII, b.Issue, now)
		a.ledger.Observe(b, now)
		a.digest.Observe(b)
		if a.sink != nil {
			if err := a.sink.Enqueue(b); err != nil {
				a.metrics.SinkPublish("redis", err)
			}
		}
		routed := a.router.Route(ctx, b)
		if a.log.Enabled(logx.LevelDebug) {
			a.log.Debug("bulletin",
				logx.String("id", b.ID),
				logx.String("heading", b.Heading()),
				logx.Int("routed", routed),
			)
		}
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeBulletin, Time: now, Data: eventbus.BulletinData{
			ID:      b.ID,
			TTAAII:  b.TTAAII,
			CCCC:    b.CCCC,
			AWIPSID: b.AWIPSID,
			Issue:   b.Issue,
		}})
	}
}

type healthDetail struct {
	State        string              `json:"state"`
	LastBulletin *time.Time          `json:"last_bulletin,omitempty"`
	Missing      uint64              `json:"missing"`
	NotifyQueue  int                 `json:"notify_queue"`
	BusDropped   uint64              `json:"bus_dropped"`
	Supervisor   rtsup.Snapshot      `json:"supervisor"`
	Watermarks   []storage.Watermark `json:"watermarks,omitempty"`
}

// health is ok while the room is joined.
func (a *App) health() (bool, any) {
	st := nwws.ConnectionState(a.state.Load())
	d := healthDetail{
		State:       st.String(),
		Missing:     a.ledger.Missing(),
		NotifyQueue: a.notif.QueueLen(),
		BusDropped:  eventbus.Dropped(a.bus),
		Watermarks:  a.ledger.Snapshot(),
	}
	if ns := a.lastSeen.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		d.LastBulletin = &t
	}
	if a.sup != nil {
		d.Supervisor = a.sup.Snapshot()
	}
	return st == nwws.Connected, d
}

// applyConfig applies a validated reload. Sections that cannot change live
// are reported and left alone.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if rs := config.NeedsRestart(sections); len(rs) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", rs))
	}

	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["telegram"] {
		if prev == nil || strings.TrimSpace(prev.Telegram.Token) != strings.TrimSpace(next.Telegram.Token) {
			a.log.Warn("telegram.token changed; restart required for changes to take effect")
		}
		if t, err := mapLogTarget(next); err == nil {
			a.logChat.SetTarget(t)
		}
	}
	if changed["logging"] || changed["telegram"] {
		a.logs.Apply(mapLoggingConfig(next))
	}

	if changed["nwws"] {
		if fc, err := mapFeedConfig(next, a.resource); err != nil {
			a.log.Warn("invalid nwws config; keeping previous", logx.Err(err))
		} else {
			a.restartFeed(fc)
		}
	}

	if changed["relay"] || changed["telegram"] {
		if rules, err := mapRelayRules(next); err != nil {
			a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
		} else {
			a.router.SetRules(rules)
		}
	}

	if changed["notifier"] || changed["telegram"] {
		if nc, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			wasEnabled := a.notif.Enabled()
			if wasEnabled && !nc.Enabled {
				a.notif.Stop(ctx)
			}
			a.notif.Apply(nc)
			if nc.Enabled && !wasEnabled {
				a.notif.Start(ctx)
			}
		}
	}

	if changed["ops"] {
		if oc, err := mapOpsConfig(next); err != nil {
			a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
		} else {
			a.ops.Reconfigure(ctx, oc)
		}
	}

	if changed["digest"] || changed["telegram"] {
		if dc, err := mapDigestConfig(next); err != nil {
			a.log.Warn("invalid digest config; keeping previous", logx.Err(err))
		} else if err := a.digest.Apply(ctx, dc); err != nil {
			a.log.Warn("digest apply failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so the feed and the bus consumers start unwinding.
	a.sup.Cancel()

	// step runs one shutdown step bounded by max so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; report late finishers.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("digest", 2*time.Second, func(c context.Context) error { a.digest.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	// The feed, the ledger's final flush and the sink drain run under the
	// supervisor; storage must outlive them.
	step("supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("redis", time.Second, func(c context.Context) error {
		if a.sink != nil {
			return a.sink.Close()
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// logChat forwards log lines and the digest to telegram.log_chat. The
// target can change on reload.
type logChat struct {
	sender kit.Sender
	target atomic.Pointer[kit.ChatTarget]
}

func (l *logChat) SetTarget(t kit.ChatTarget) { l.target.Store(&t) }

func (l *logChat) SendLog(ctx context.Context, text string) error {
	t := l.target.Load()
	if l.sender == nil || t == nil {
		return nil
	}
	return kit.LogSender{Sender: l.sender, Target: *t}.SendLog(ctx, text)
}
