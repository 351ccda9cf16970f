package config

import (
	"reflect"
	"sort"
	"strings"

	logx "nwwsoi/pkg/logx"
)

// Sections that cannot change without restarting the process.
var restartSections = map[string]bool{"storage": true, "redis": true, "systemd": true}

// SummarizeConfigChange returns the changed top-level sections and log
// fields describing them. Secrets (passwords, tokens) are reported only as
// "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.NWWS, newCfg.NWWS) {
		changed = append(changed, "nwws")
		n := newCfg.NWWS
		attrs = append(attrs,
			logx.String("nwws.username", n.Username),
			logx.String("nwws.server", n.Server),
			logx.String("nwws.room", n.Room),
			logx.Bool("nwws.password_changed", oldCfg.NWWS.Password != n.Password),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(newCfg.Telegram.LogChat) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Bool("relay.enabled", newCfg.Relay.Enabled),
			logx.Int("relay.rules", len(newCfg.Relay.Rules)),
		)
	}
	if !reflect.DeepEqual(derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)) {
		changed = append(changed, "notifier")
		n := derefNotifier(newCfg.Notifier)
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs, logx.String("storage.driver", s.Driver), logx.Bool("storage.path_set", s.Path != ""))
		}
	}
	if oldCfg.Digest != newCfg.Digest {
		changed = append(changed, "digest")
		attrs = append(attrs, logx.Bool("digest.enabled", newCfg.Digest.Enabled), logx.String("digest.schedule", newCfg.Digest.Schedule))
	}
	if oldCfg.Redis != newCfg.Redis {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis.Enabled), logx.String("redis.stream", newCfg.Redis.Stream))
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart lists the changed sections that only take effect after a
// process restart.
func NeedsRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{Enabled: true}
	}
	return *n
}
