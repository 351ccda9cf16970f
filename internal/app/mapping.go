package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nwwsoi/internal/config"
	"nwwsoi/internal/digest"
	"nwwsoi/internal/ledger"
	"nwwsoi/internal/notifier"
	"nwwsoi/internal/observability/ops"
	"nwwsoi/internal/relay"
	"nwwsoi/internal/sink/redisstream"
	"nwwsoi/internal/storage"
	kit "nwwsoi/internal/transport"
	"nwwsoi/internal/transport/telegram"
	logx "nwwsoi/pkg/logx"
	"nwwsoi/pkg/nwws"
)

// feedConfig is everything a Stream is built from.
type feedConfig struct {
	conn    nwws.Config
	backoff nwws.Backoff
}

// mapFeedConfig maps the nwws section. resource is used when the file
// leaves it empty, so reloads keep the same in-room nickname.
func mapFeedConfig(cfg *config.Config, resource string) (feedConfig, error) {
	nc := cfg.NWWS
	user := strings.TrimSpace(nc.Username)
	if user == "" {
		return feedConfig{}, fmt.Errorf("nwws.username is required (or set %s)", config.EnvUsername)
	}
	if nc.Password == "" {
		return feedConfig{}, fmt.Errorf("nwws.password is required (or set %s)", config.EnvPassword)
	}
	if strings.ContainsAny(user, "@/ ") {
		return feedConfig{}, fmt.Errorf("nwws.username %q must be a bare user name", user)
	}

	c := nwws.NewConfig(user, nc.Password)
	switch r := strings.TrimSpace(nc.Resource); {
	case r != "":
		c.Resource = r
	case resource != "":
		c.Resource = resource
	}
	if s := strings.TrimSpace(nc.Server); s != "" {
		c.Server = nwws.ParseServer(s)
	}
	if room := strings.TrimSpace(nc.Room); room != "" {
		if !strings.Contains(room, "@") {
			return feedConfig{}, fmt.Errorf("nwws.room %q must be node@domain", room)
		}
		c.Room = nwws.CustomRoom(room)
	}

	bo := nwws.DefaultBackoff
	var err error
	if bo.ConnectTimeout, err = config.ParseDuration("nwws.connect_timeout", nc.ConnectTimeout, bo.ConnectTimeout); err != nil {
		return feedConfig{}, err
	}
	if bo.LongCooldown, err = config.ParseDuration("nwws.long_cooldown", nc.LongCooldown, bo.LongCooldown); err != nil {
		return feedConfig{}, err
	}
	if bo.ShortCooldown, err = config.ParseDuration("nwws.short_cooldown", nc.ShortCooldown, bo.ShortCooldown); err != nil {
		return feedConfig{}, err
	}
	return feedConfig{conn: c, backoff: bo}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled && strings.TrimSpace(cfg.Telegram.LogChat) != "",
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	timeout, err := config.ParseDuration("telegram.timeout", tc.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(tc.Token), APIURL: strings.TrimSpace(tc.APIURL), Timeout: timeout}, nil
}

// mapLogTarget returns the log chat, zero when unset.
func mapLogTarget(cfg *config.Config) (kit.ChatTarget, error) {
	id, err := relay.ParseChatID(cfg.Telegram.LogChat)
	if err != nil {
		return kit.ChatTarget{}, fmt.Errorf("telegram.log_chat: %w", err)
	}
	return kit.ChatTarget{ChatID: id, ThreadID: cfg.Telegram.LogThread}, nil
}

// mapRelayRules returns the validated rules, nil when the relay is off.
func mapRelayRules(cfg *config.Config) ([]relay.Rule, error) {
	rc := cfg.Relay
	if !rc.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, errors.New("relay.enabled needs telegram.token")
	}
	seen := map[string]bool{}
	rules := make([]relay.Rule, 0, len(rc.Rules))
	for i, r := range rc.Rules {
		id, err := relay.ParseChatID(r.Chat)
		if err != nil {
			return nil, fmt.Errorf("relay.rules[%d].chat: %w", i, err)
		}
		rule := relay.Rule{
			Name:     strings.TrimSpace(r.Name),
			TTAAII:   append([]string(nil), r.TTAAII...),
			CCCC:     append([]string(nil), r.CCCC...),
			AWIPSID:  append([]string(nil), r.AWIPSID...),
			Target:   kit.ChatTarget{ChatID: id, ThreadID: r.Thread},
			Priority: r.Priority,
			Format:   relay.Format(strings.ToLower(strings.TrimSpace(r.Format))),
			MaxLines: r.MaxLines,
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("relay.rules[%d]: %w", i, err)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("relay.rules[%d]: duplicate name %q", i, rule.Name)
		}
		seen[rule.Name] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

// mapNotifierConfig applies defaults for an omitted section. Without a
// telegram token there is nothing to deliver with, so the notifier is off.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.DefaultConfig()
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		out.Enabled = false
	}
	nc := cfg.Notifier
	if nc == nil {
		return out, nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, errors.New("notifier: workers, queue_size, rate_per_sec and dedup_max_entries must be >= 0")
	}
	out.Enabled = out.Enabled && nc.Enabled
	if nc.Workers > 0 {
		out.Workers = nc.Workers
	}
	if nc.QueueSize > 0 {
		out.QueueSize = nc.QueueSize
	}
	if nc.RatePerSec > 0 {
		out.RatePerSec = nc.RatePerSec
	}
	if nc.RetryMax > 0 {
		out.RetryMax = nc.RetryMax
	}
	if nc.DedupMaxEntries > 0 {
		out.DedupMaxEntries = nc.DedupMaxEntries
	}
	out.PersistDedup = nc.PersistDedup

	var err error
	if out.RetryBase, err = config.ParseDuration("notifier.retry_base", nc.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDuration("notifier.retry_max_delay", nc.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDuration("notifier.dedup_window", nc.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// mapStorageConfig reports false when no store is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	var raw string
	if cfg.Storage != nil {
		raw = cfg.Storage.Retention
	}
	ret, err := config.ParseDuration("storage.retention", raw, ledger.DefaultRetention)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{Retention: ret}, nil
}

func mapDigestConfig(cfg *config.Config) (digest.Config, error) {
	dc := digest.Config{
		Enabled:  cfg.Digest.Enabled,
		Schedule: strings.TrimSpace(cfg.Digest.Schedule),
		Timezone: strings.TrimSpace(cfg.Digest.Timezone),
	}
	if err := digest.Validate(dc); err != nil {
		return digest.Config{}, err
	}
	if dc.Enabled && strings.TrimSpace(cfg.Telegram.LogChat) == "" {
		return digest.Config{}, errors.New("digest.enabled needs telegram.log_chat")
	}
	return dc, nil
}

// mapRedisConfig reports false when the sink is disabled.
func mapRedisConfig(cfg *config.Config) (redisstream.Config, bool, error) {
	rc := cfg.Redis
	if !rc.Enabled {
		return redisstream.Config{}, false, nil
	}
	if strings.TrimSpace(rc.Addr) == "" {
		return redisstream.Config{}, false, errors.New("redis.addr is required when redis.enabled")
	}
	if rc.DB < 0 {
		return redisstream.Config{}, false, errors.New("redis.db must be >= 0")
	}
	timeout, err := config.ParseDuration("redis.timeout", rc.Timeout, redisstream.DefaultTimeout)
	if err != nil {
		return redisstream.Config{}, false, err
	}
	return redisstream.Config{
		Addr:     strings.TrimSpace(rc.Addr),
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
		Stream:   strings.TrimSpace(rc.Stream),
		MaxLen:   rc.MaxLen,
		Timeout:  timeout,
	}, true, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDuration("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDuration("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		// long enough for a 30s CPU profile
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  idle,
	}
	if err := ops.Validate(out); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// validate runs every mapping so a bad reload is rejected before commit.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if _, err := mapFeedConfig(cfg, ""); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLogTarget(cfg); err != nil {
		return err
	}
	if _, err := mapRelayRules(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLedgerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDigestConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRedisConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}

// FeedConfig maps the nwws section for one-off clients such as the tail
// and smoke commands. Each call gets a fresh resource unless one is set.
func FeedConfig(cfg *config.Config) (nwws.Config, nwws.Backoff, error) {
	fc, err := mapFeedConfig(cfg, "")
	return fc.conn, fc.backoff, err
}
