package config

import (
	"fmt"
	"strings"
	"time"
)

// EnvKey returns the environment variable that overrides the config key,
// e.g. "storage.busy_timeout" -> "REMINDBOT_STORAGE_BUSY_TIMEOUT".
func EnvKey(key string) string {
	if rest, ok := strings.CutPrefix(key, "logging."); ok {
		key = "log." + rest
	}
	return "REMINDBOT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// ParseDuration reads a Go duration ("10s", "2m") for key. Empty means
// zero; negative values are rejected.
func ParseDuration(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s (%s): %q is not a duration like 10s or 2m", key, EnvKey(key), raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s (%s): negative duration %s", key, EnvKey(key), d)
	}
	return d, nil
}

// DurationOr is ParseDuration with def standing in for an empty or zero value.
func DurationOr(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
