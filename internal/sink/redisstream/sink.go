// Package redisstream publishes every bulletin to a Redis stream so other
// services can consume the feed with XREAD or consumer groups.
//
// Each entry carries the routing fields flat plus the whole bulletin as
// JSON under "data".
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	logx "nwwsoi/pkg/logx"
	"nwwsoi/pkg/nwws"
)

const (
	DefaultStream  = "nwws:bulletins"
	DefaultMaxLen  = 100_000
	DefaultTimeout = 3 * time.Second
	queueSize      = 1024
)

var ErrQueueFull = errors.New("redis sink queue full")

type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	Stream   string
	MaxLen   int64 // approximate trim; 0 means DefaultMaxLen, negative disables
	Timeout  time.Duration
}

// client is the subset of *redis.Client the sink uses.
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Sink queues bulletins and writes them from a single goroutine, so a slow
// Redis never stalls the feed.
type Sink struct {
	cli     client
	stream  string
	maxLen  int64
	timeout time.Duration
	log     logx.Logger

	queue   chan nwws.Bulletin
	dropped atomic.Uint64

	// OnPublish, if set, is called after every write attempt.
	OnPublish func(err error)
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	cli := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newSink(cli, cfg, log), nil
}

func newSink(cli client, cfg Config, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		cfg.Stream = DefaultStream
	}
	switch {
	case cfg.MaxLen == 0:
		cfg.MaxLen = DefaultMaxLen
	case cfg.MaxLen < 0:
		cfg.MaxLen = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Sink{
		cli:     cli,
		stream:  cfg.Stream,
		maxLen:  cfg.MaxLen,
		timeout: cfg.Timeout,
		log:     log,
		queue:   make(chan nwws.Bulletin, queueSize),
	}
}

// Ping checks the connection.
func (s *Sink) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.cli.Ping(ctx).Err()
}

// Enqueue hands b to the writer without blocking.
func (s *Sink) Enqueue(b nwws.Bulletin) error {
	select {
	case s.queue <- b:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped counts bulletins lost to a full queue.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Run writes queued bulletins until ctx is done, then drains what is left
// with a short budget.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case b := <-s.queue:
			s.write(ctx, b)
		}
	}
}

func (s *Sink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	for {
		select {
		case b := <-s.queue:
			s.write(ctx, b)
		default:
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, b nwws.Bulletin) {
	err := s.Publish(ctx, b)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("redis publish failed", logx.String("id", b.ID), logx.String("stream", s.stream), logx.Err(err))
	}
	if s.OnPublish != nil {
		s.OnPublish(err)
	}
}

// Publish writes b synchronously.
func (s *Sink) Publish(ctx context.Context, b nwws.Bulletin) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":       b.ID,
			"ttaaii":   b.TTAAII,
			"cccc":     b.CCCC,
			"awips_id": b.AWIPSID,
			"issue":    b.Issue.UTC().Format(time.RFC3339),
			"data":     data,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.cli.XAdd(ctx, args).Err()
}

func (s *Sink) Close() error { return s.cli.Close() }
