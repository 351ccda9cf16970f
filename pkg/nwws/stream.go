package nwws

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "nwwsoi/pkg/logx"
)

// EventBuffer is the capacity of the Stream's event channel. When it is
// full the Stream stops reading from the room until the consumer catches up.
const EventBuffer = 32

// Backoff holds the reconnect timings.
type Backoff struct {
	// ConnectTimeout bounds Connect. A timed out attempt emits Disconnected
	// without an Error.
	ConnectTimeout time.Duration
	// LongCooldown follows configuration and credential failures.
	LongCooldown time.Duration
	// ShortCooldown follows every other failure.
	ShortCooldown time.Duration
	// Floor is slept after every attempt, on top of any cooldown.
	Floor time.Duration
}

var DefaultBackoff = Backoff{
	ConnectTimeout: 75 * time.Second,
	LongCooldown:   300 * time.Second,
	ShortCooldown:  10 * time.Second,
	Floor:          5 * time.Second,
}

func (b Backoff) cooldown(k ErrorKind) time.Duration {
	if k.OperatorError() {
		return b.LongCooldown
	}
	return b.ShortCooldown
}

type options struct {
	dialer   Dialer
	log      logx.Logger
	backoff  Backoff
	onReject func(RejectReason)
}

type Option func(*options)

func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

func WithLogger(l logx.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithBackoff(b Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// WithRejectHook is called with the reason for every message that does not
// decode as a bulletin. It runs on the session goroutine and must not block.
func WithRejectHook(fn func(RejectReason)) Option {
	return func(o *options) { o.onReject = fn }
}

func newOptions(opts []Option) options {
	o := options{
		dialer:  DialXMPP,
		log:     logx.Nop(),
		backoff: DefaultBackoff,
	}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return o
}

// Stream is a durable sequence of events from the room. A single goroutine
// owns the connection; the only thing shared with the caller is the event
// channel.
type Stream struct {
	cfg  Config
	opts []Option
	o    options

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewStream starts connecting immediately and keeps reconnecting until
// Close is called.
func NewStream(cfg Config, opts ...Option) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		cfg:    cfg.Clone(),
		opts:   opts,
		o:      newOptions(opts),
		events: make(chan Event, EventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Events is closed after Close once the loop has stopped.
func (s *Stream) Events() <-chan Event { return s.events }

// Next waits for the next event. It returns false once the Stream is closed
// or ctx is done.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

// Close stops the loop, ends any live session and waits for the loop to
// exit. Events already buffered can still be read.
func (s *Stream) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// Done is closed when the loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	for {
		if !s.emit(ctx, StateEvent(Connecting)) {
			return
		}
		if !s.runOnce(ctx) {
			return
		}
		if !sleep(ctx, s.o.backoff.Floor) {
			return
		}
	}
}

// runOnce makes one connection attempt and drains it. It returns false when
// the Stream is closing.
func (s *Stream) runOnce(ctx context.Context) bool {
	conn, timedOut, err := s.connect(ctx)
	if ctx.Err() != nil {
		if conn != nil {
			go conn.End()
		}
		return false
	}

	switch {
	case timedOut:
		s.o.log.Warn("connect timed out", logx.Duration("timeout", s.o.backoff.ConnectTimeout))
		return s.emit(ctx, StateEvent(Disconnected))
	case err != nil:
		nerr := asError(err)
		wait := s.o.backoff.cooldown(nerr.Kind)
		s.o.log.Warn("connect failed", logx.Err(nerr), logx.String("kind", nerr.Kind.String()), logx.Duration("cooldown", wait))
		if !s.emit(ctx, ErrorEvent(nerr)) || !s.emit(ctx, StateEvent(Disconnected)) {
			return false
		}
		return sleep(ctx, wait)
	}

	if !s.emit(ctx, StateEvent(Connected)) {
		go conn.End()
		return false
	}
	return s.drain(ctx, conn)
}

// connect runs Connect under the connect timeout. A Connect that ignores
// its context is abandoned and ended whenever it finally returns.
func (s *Stream) connect(ctx context.Context) (*Conn, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.o.backoff.ConnectTimeout)
	defer cancel()

	type result struct {
		conn *Conn
		err  error
	}
	done := make(chan result, 1)
	cfg := s.cfg.Clone()
	go func() {
		c, err := Connect(cctx, cfg, s.opts...)
		done <- result{conn: c, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, true, nil
		}
		return r.conn, false, r.err
	case <-cctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.End()
			}
		}()
		return nil, ctx.Err() == nil, nil
	}
}

// drain forwards bulletins until the session fails.
func (s *Stream) drain(ctx context.Context, conn *Conn) bool {
	for {
		b, err := conn.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				go conn.End()
				return false
			}
			nerr := asError(err)
			s.o.log.Warn("session failed", logx.Err(nerr), logx.String("kind", nerr.Kind.String()))
			ok := s.emit(ctx, ErrorEvent(nerr)) && s.emit(ctx, StateEvent(Disconnected))
			go conn.End()
			return ok
		}
		if !s.emit(ctx, BulletinEvent(b)) {
			go conn.End()
			return false
		}
	}
}

// emit blocks until the consumer has room or the Stream is closing.
func (s *Stream) emit(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
