package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration reads a duration field. Go duration strings ("90s", "2h")
// and bare integers (seconds, as YAML writes `timeout: 30`) are accepted.
// Empty or zero yields def; negative values are rejected. field names the
// setting in errors.
func ParseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", field, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
