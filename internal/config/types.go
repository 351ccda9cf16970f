package config

// Config is the relay's file configuration. Durations are Go duration
// strings ("500ms", "10s", "24h"); validation and defaults live in the
// app's mapping functions so a bad hot reload is rejected before commit.
type Config struct {
	NWWS     NWWSConfig      `json:"nwws" yaml:"nwws"`
	Logging  LoggingConfig   `json:"logging" yaml:"logging"`
	Telegram TelegramConfig  `json:"telegram" yaml:"telegram"`
	Relay    RelayConfig     `json:"relay" yaml:"relay"`
	Notifier *NotifierConfig `json:"notifier,omitempty" yaml:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty" yaml:"storage,omitempty"`
	Digest   DigestConfig    `json:"digest" yaml:"digest"`
	Redis    RedisConfig     `json:"redis" yaml:"redis"`
	Ops      OpsConfig       `json:"ops" yaml:"ops"`
	Systemd  SystemdConfig   `json:"systemd" yaml:"systemd"`
}

// NWWSConfig identifies the feed account. Password may come from the
// NWWS_OI_PASSWORD environment variable instead of the file.
type NWWSConfig struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	// Resource defaults to a fresh "uuid/<v4>" per process.
	Resource string `json:"resource,omitempty" yaml:"resource,omitempty"`
	// Server is "primary", "backup" or a hostname.
	Server string `json:"server,omitempty" yaml:"server,omitempty"`
	// Room is a room address "node@domain"; empty means the NWWS room.
	Room string `json:"room,omitempty" yaml:"room,omitempty"`
	// ConnectTimeout and the cooldowns override the reconnect timings.
	ConnectTimeout string `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	LongCooldown   string `json:"long_cooldown,omitempty" yaml:"long_cooldown,omitempty"`
	ShortCooldown  string `json:"short_cooldown,omitempty" yaml:"short_cooldown,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Console bool        `json:"console" yaml:"console"`
	File    LoggingFile `json:"file" yaml:"file"`
	Chat    LoggingChat `json:"chat" yaml:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// LoggingChat forwards warnings to telegram.log_chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	MinLevel   string `json:"min_level" yaml:"min_level"`
	RatePerSec int    `json:"rate_per_sec" yaml:"rate_per_sec"`
}

type TelegramConfig struct {
	Token   string `json:"token" yaml:"token"`
	APIURL  string `json:"api_url,omitempty" yaml:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// LogChat receives forwarded log lines and the digest. Chat ids are
	// strings so "-100..." survives YAML.
	LogChat   string `json:"log_chat,omitempty" yaml:"log_chat,omitempty"`
	LogThread int    `json:"log_thread,omitempty" yaml:"log_thread,omitempty"`
}

// RelayConfig routes bulletins to chats. A bulletin goes to every matching
// rule's chat once.
type RelayConfig struct {
	Enabled bool        `json:"enabled" yaml:"enabled"`
	Rules   []RelayRule `json:"rules" yaml:"rules"`
}

// RelayRule matches on header prefixes. An empty list matches anything;
// all non-empty lists must match.
type RelayRule struct {
	Name     string   `json:"name" yaml:"name"`
	TTAAII   []string `json:"ttaaii,omitempty" yaml:"ttaaii,omitempty"`
	CCCC     []string `json:"cccc,omitempty" yaml:"cccc,omitempty"`
	AWIPSID  []string `json:"awips_id,omitempty" yaml:"awips_id,omitempty"`
	Chat     string   `json:"chat" yaml:"chat"`
	Thread   int      `json:"thread,omitempty" yaml:"thread,omitempty"`
	Priority int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Format is "heading" (first lines only) or "full".
	Format   string `json:"format,omitempty" yaml:"format,omitempty"`
	MaxLines int    `json:"max_lines,omitempty" yaml:"max_lines,omitempty"`
}

// NotifierConfig controls the async delivery pipeline. If the section is
// omitted the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Workers         int    `json:"workers" yaml:"workers"`
	QueueSize       int    `json:"queue_size" yaml:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec" yaml:"rate_per_sec"`
	RetryMax        int    `json:"retry_max" yaml:"retry_max"`
	RetryBase       string `json:"retry_base" yaml:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay" yaml:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window" yaml:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries" yaml:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty" yaml:"persist_dedup,omitempty"`
}

// StorageConfig selects the feed ledger backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/nwwsoi.db" }
type StorageConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	Path        string `json:"path" yaml:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// DigestConfig schedules the periodic feed-health summary.
type DigestConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron, default "0 * * * *"
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// RedisConfig publishes every bulletin to a Redis stream.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Stream   string `json:"stream,omitempty" yaml:"stream,omitempty"`
	MaxLen   int64  `json:"max_len,omitempty" yaml:"max_len,omitempty"`
	Timeout  string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// OpsConfig is the local HTTP server for /metrics, /healthz and pprof.
// Binding to a non-loopback address needs a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Addr          string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty" yaml:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty" yaml:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify" yaml:"notify"`
}
