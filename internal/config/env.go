package config

import "strings"

// Environment variables that override the nwws section, so credentials can
// stay out of the file.
const (
	EnvUsername = "NWWS_OI_USERNAME"
	EnvPassword = "NWWS_OI_PASSWORD"
	EnvServer   = "NWWS_OI_SERVER"
)

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.NWWS.Username, EnvUsername)
	set(&cfg.NWWS.Password, EnvPassword)
	set(&cfg.NWWS.Server, EnvServer)
}
