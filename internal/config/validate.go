package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"remindbot/internal/scheduler"
	logx "remindbot/pkg/logx"
)

// Validate checks cfg for values that would fail at startup. All problems
// are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDuration(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: invalid chat id %q", g))
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		add(errors.New("logging.telegram.enabled requires telegram.group_log"))
	}
	duration("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	duration("telegram.send_timeout", cfg.Telegram.SendTimeout)
	duration("telegram.handler_timeout", cfg.Telegram.HandlerTimeout)
	if cfg.Telegram.UpdateBuffer < 0 {
		add(errors.New("telegram.update_buffer must be >= 0"))
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if !logx.ValidLevel(lvl) {
			add(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}
	if lvl := strings.TrimSpace(cfg.Logging.Telegram.MinLevel); lvl != "" {
		if !logx.ValidLevel(lvl) {
			add(fmt.Errorf("logging.telegram.min_level: unknown level %q", lvl))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	if _, err := scheduler.ResolveLocation(cfg.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}
	if err := scheduler.ValidateSpec(cfg.Scheduler.Spec); err != nil {
		add(fmt.Errorf("scheduler.spec: %w", err))
	}
	duration("scheduler.job_timeout", cfg.Scheduler.JobTimeout)

	d := cfg.Dispatcher
	if d.RatePerSec < 0 {
		add(errors.New("dispatcher.rate_per_sec must be >= 0"))
	}
	if d.RetryMax < 0 {
		add(errors.New("dispatcher.retry_max must be >= 0"))
	}
	if d.RetryQueueSize < 0 {
		add(errors.New("dispatcher.retry_queue_size must be >= 0"))
	}
	duration("dispatcher.retry_base", d.RetryBase)
	duration("dispatcher.retry_max_delay", d.RetryMaxDelay)

	s := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", s.Driver))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(s.DSN) == "" {
			add(fmt.Errorf("storage.dsn is required for driver %q", s.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
	}
	if s.MaxConns < 0 {
		add(errors.New("storage.max_conns must be >= 0"))
	}
	duration("storage.busy_timeout", s.BusyTimeout)
	duration("storage.connect_timeout", s.ConnectTimeout)
	duration("storage.ping_timeout", s.PingTimeout)

	duration("ops.read_timeout", cfg.Ops.ReadTimeout)
	duration("ops.write_timeout", cfg.Ops.WriteTimeout)
	duration("ops.idle_timeout", cfg.Ops.IdleTimeout)

	return errors.Join(errs...)
}
