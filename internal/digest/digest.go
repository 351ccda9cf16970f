// Package digest posts a periodic feed-health summary to the log chat:
// bulletins received, busiest offices, sequence gaps and connection
// trouble since the previous digest.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nwwsoi/internal/storage"
	logx "nwwsoi/pkg/logx"
	"nwwsoi/pkg/nwws"
)

const (
	DefaultSchedule = "0 * * * *"
	topOffices      = 5
	sendTimeout     = 30 * time.Second
)

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// Sender posts the digest text.
type Sender interface {
	SendLog(ctx context.Context, text string) error
}

// Validate checks the schedule and timezone without starting anything.
func Validate(cfg Config) error {
	if _, err := parser.Parse(scheduleOf(cfg)); err != nil {
		return fmt.Errorf("digest.schedule: %w", err)
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("digest.timezone: %w", err)
	}
	return nil
}

func scheduleOf(cfg Config) string {
	if s := strings.TrimSpace(cfg.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context

	sender  Sender
	store   storage.Store
	missing func() uint64
	log     logx.Logger

	cmu         sync.Mutex
	since       time.Time
	bulletins   uint64
	offices     map[string]uint64
	lastMissing uint64
}

// New builds a stopped digest. store and missing may be nil; the matching
// sections are then left out.
func New(cfg Config, sender Sender, store storage.Store, missing func() uint64, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		sender:  sender,
		store:   store,
		missing: missing,
		log:     log,
		since:   time.Now(),
		offices: map[string]uint64{},
	}
	if missing != nil {
		s.lastMissing = missing()
	}
	return s
}

// Observe counts one bulletin toward the next digest.
func (s *Service) Observe(b nwws.Bulletin) {
	s.cmu.Lock()
	s.bulletins++
	s.offices[b.CCCC]++
	s.cmu.Unlock()
}

// Start schedules the digest. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("digest.timezone: %w", err)
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(scheduleOf(s.cfg), s.fire); err != nil {
		return fmt.Errorf("digest.schedule: %w", err)
	}
	s.c = c
	s.ctx = ctx
	c.Start()
	s.log.Info("digest scheduled", logx.String("schedule", scheduleOf(s.cfg)), logx.String("tz", loc.String()))
	return nil
}

// Stop unschedules the digest and waits for a running post until ctx is
// done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply reschedules with cfg. Counters carry over.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.Stop(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if !cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	text := s.Build(ctx, time.Now())
	if s.sender == nil {
		return
	}
	if err := s.sender.SendLog(ctx, text); err != nil {
		s.log.Warn("digest send failed", logx.Err(err))
	}
}

type office struct {
	cccc string
	n    uint64
}

// Build renders the digest for the period ending at now and starts a new
// period.
func (s *Service) Build(ctx context.Context, now time.Time) string {
	s.cmu.Lock()
	since := s.since
	total := s.bulletins
	offices := make([]office, 0, len(s.offices))
	for k, v := range s.offices {
		offices = append(offices, office{k, v})
	}
	s.since = now
	s.bulletins = 0
	s.offices = map[string]uint64{}
	var gaps uint64
	if s.missing != nil {
		m := s.missing()
		if m >= s.lastMissing {
			gaps = m - s.lastMissing
		}
		s.lastMissing = m
	}
	s.cmu.Unlock()

	sort.Slice(offices, func(i, j int) bool {
		if offices[i].n != offices[j].n {
			return offices[i].n > offices[j].n
		}
		return offices[i].cccc < offices[j].cccc
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "NWWS digest %s – %s UTC\n", since.UTC().Format("01-02 15:04"), now.UTC().Format("01-02 15:04"))
	fmt.Fprintf(&sb, "- bulletins: %d\n", total)
	if len(offices) > 0 {
		parts := make([]string, 0, topOffices)
		for i, o := range offices {
			if i == topOffices {
				break
			}
			parts = append(parts, fmt.Sprintf("%s %d", o.cccc, o.n))
		}
		fmt.Fprintf(&sb, "- top offices: %s\n", strings.Join(parts, ", "))
	}
	if s.missing != nil {
		fmt.Fprintf(&sb, "- missing (sequence gaps): %d\n", gaps)
	}
	if s.store != nil {
		s.writeLinks(ctx, &sb, since)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (s *Service) writeLinks(ctx context.Context, sb *strings.Builder, since time.Time) {
	links, err := s.store.LinksSince(ctx, since)
	if err != nil {
		s.log.Debug("digest link query failed", logx.Err(err))
		return
	}
	disconnects := 0
	kinds := map[string]int{}
	last := ""
	for _, l := range links {
		switch l.Kind {
		case storage.LinkState:
			last = l.State
			if l.State == nwws.Disconnected.String() {
				disconnects++
			}
		case storage.LinkError:
			kinds[l.ErrKind]++
		}
	}
	fmt.Fprintf(sb, "- disconnects: %d\n", disconnects)
	if len(kinds) > 0 {
		names := make([]string, 0, len(kinds))
		for k := range kinds {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, k := range names {
			parts = append(parts, fmt.Sprintf("%s %d", k, kinds[k]))
		}
		fmt.Fprintf(sb, "- errors: %s\n", strings.Join(parts, ", "))
	}
	if last != "" {
		fmt.Fprintf(sb, "- last state: %s\n", last)
	}
}
