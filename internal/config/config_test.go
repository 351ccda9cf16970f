package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
nwws:
  username: alice
  server: backup
logging:
  level: debug
telegram:
  token: "123:abc"
  log_chat: "-1001234"
relay:
  enabled: true
  rules:
    - name: tornado
      ttaaii: ["WFUS5"]
      chat: "-100555"
      format: full
digest:
  enabled: true
  schedule: "*/30 * * * *"
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("nwwsoi.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.NWWS.Username != "alice" || cfg.NWWS.Server != "backup" {
		t.Fatalf("nwws = %+v", cfg.NWWS)
	}
	if cfg.Telegram.LogChat != "-1001234" {
		t.Fatalf("log_chat = %q", cfg.Telegram.LogChat)
	}
	if len(cfg.Relay.Rules) != 1 || cfg.Relay.Rules[0].TTAAII[0] != "WFUS5" {
		t.Fatalf("rules = %+v", cfg.Relay.Rules)
	}
	if cfg.Notifier != nil {
		t.Fatalf("notifier section should stay nil when omitted")
	}
}

func TestDecodeStrict(t *testing.T) {
	cases := map[string]struct {
		name string
		data string
	}{
		"unknown yaml field": {"c.yaml", "nwws:\n  usrname: x\n"},
		"unknown json field": {"c.json", `{"bogus": 1}`},
		"trailing data":      {"c.json", `{"nwws":{}} {"nwws":{}}`},
		"bad json":           {"c.json", `{"nwws":`},
		"second yaml doc":    {"c.yaml", "nwws:\n  username: a\n---\nnwws:\n  username: b\n"},
		"yaml type mismatch": {"c.yaml", "relay:\n  enabled: maybe\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(tc.name, []byte(tc.data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	if err := os.WriteFile(path, []byte(`{"nwws":{"username":"file","password":"filepw"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	env := map[string]string{EnvUsername: "envuser", EnvPassword: "", EnvServer: "nwws-oi.example.org"}
	m := NewManager(path)
	m.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NWWS.Username != "envuser" {
		t.Fatalf("username = %q, want envuser", cfg.NWWS.Username)
	}
	if cfg.NWWS.Password != "filepw" {
		t.Fatalf("empty env value must not override: password = %q", cfg.NWWS.Password)
	}
	if cfg.NWWS.Server != "nwws-oi.example.org" {
		t.Fatalf("server = %q", cfg.NWWS.Server)
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("subscriber got stale config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after Unsubscribe")
	}
}

func TestReloadValidatesAndSkipsUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"nwws":{"username":"a"}}`)

	m := NewManager(path)
	m.lookup = func(string) (string, bool) { return "", false }
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.NWWS.Username == "" {
			return errors.New("username required")
		}
		return nil
	})
	ch := m.Subscribe(4)

	if m.reload(context.Background()) {
		t.Fatalf("unchanged file was republished")
	}
	write(`{"nwws":{"username":""}}`)
	if m.reload(context.Background()) {
		t.Fatalf("invalid config was published")
	}
	if m.Get().NWWS.Username != "a" {
		t.Fatalf("rejected config was committed")
	}
	write(`{"nwws":{"username":"b"}}`)
	if !m.reload(context.Background()) {
		t.Fatalf("valid change was not published")
	}
	select {
	case cfg := <-ch:
		if cfg.NWWS.Username != "b" {
			t.Fatalf("published username = %q", cfg.NWWS.Username)
		}
	case <-time.After(time.Second):
		t.Fatalf("no config published")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	old := &Config{NWWS: NWWSConfig{Username: "a", Password: "one"}}
	next := &Config{NWWS: NWWSConfig{Username: "a", Password: "two"}, Ops: OpsConfig{Enabled: true, Token: "s3cret"}, Storage: &StorageConfig{Driver: "sqlite"}}

	changed, _ := SummarizeConfigChange(old, next)
	if got := strings.Join(changed, ","); got != "nwws,ops,storage" {
		t.Fatalf("changed = %q", got)
	}
	if got := NeedsRestart(changed); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("NeedsRestart = %v", got)
	}
	if changed, _ := SummarizeConfigChange(old, old); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", 3 * time.Second},
		{"0", 3 * time.Second},
		{"90s", 90 * time.Second},
		{" 2h ", 2 * time.Hour},
		{"30", 30 * time.Second},
	}
	for _, tc := range cases {
		d, err := ParseDuration("x", tc.raw, 3*time.Second)
		if err != nil || d != tc.want {
			t.Fatalf("ParseDuration(%q) = %v, %v; want %v", tc.raw, d, err, tc.want)
		}
	}
	for _, raw := range []string{"-1s", "-5", "soon"} {
		if _, err := ParseDuration("x", raw, time.Second); err == nil {
			t.Fatalf("ParseDuration(%q) accepted", raw)
		}
	}
}

func TestDecodeYAMLNumbersIntoStrings(t *testing.T) {
	data := "nwws:\n  connect_timeout: 30\ntelegram:\n  log_chat: -1001234\n"
	cfg, err := Decode("c.yml", []byte(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.NWWS.ConnectTimeout != "30" || cfg.Telegram.LogChat != "-1001234" {
		t.Fatalf("cfg = %+v %+v", cfg.NWWS, cfg.Telegram)
	}
	d, err := ParseDuration("nwws.connect_timeout", cfg.NWWS.ConnectTimeout, 0)
	if err != nil || d != 30*time.Second {
		t.Fatalf("connect_timeout = %v, %v", d, err)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", nil)
	if err != nil || cfg == nil {
		t.Fatalf("Decode(empty) = %v, %v", cfg, err)
	}
}
