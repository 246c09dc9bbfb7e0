package app

import (
	"strconv"
	"strings"
	"time"

	"remindbot/internal/bot"
	"remindbot/internal/config"
	"remindbot/internal/dispatcher"
	"remindbot/internal/ops"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	send, err := config.DurationOr("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll, SendTimeout: send}, nil
}

func mapRouterConfig(cfg *config.Config) (bot.RouterConfig, error) {
	d, err := config.DurationOr("telegram.handler_timeout", cfg.Telegram.HandlerTimeout, 30*time.Second)
	if err != nil {
		return bot.RouterConfig{}, err
	}
	return bot.RouterConfig{HandlerTimeout: d}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// groupLogChat returns the operator chat for the Telegram log sink, or 0.
func groupLogChat(cfg *config.Config) int64 {
	g := strings.TrimSpace(cfg.Telegram.GroupLog)
	if g == "" {
		return 0
	}
	id, err := strconv.ParseInt(g, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	jt, err := config.ParseDuration("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:    !cfg.Scheduler.Disabled,
		Timezone:   cfg.Scheduler.Timezone,
		Spec:       cfg.Scheduler.Spec,
		JobTimeout: jt,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	d := cfg.Dispatcher
	loc, err := scheduler.ResolveLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return dispatcher.Config{}, err
	}
	send, err := config.DurationOr("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		return dispatcher.Config{}, err
	}
	base, err := config.DurationOr("dispatcher.retry_base", d.RetryBase, 2*time.Second)
	if err != nil {
		return dispatcher.Config{}, err
	}
	maxDelay, err := config.DurationOr("dispatcher.retry_max_delay", d.RetryMaxDelay, 2*time.Minute)
	if err != nil {
		return dispatcher.Config{}, err
	}
	return dispatcher.Config{
		RatePerSec:     d.RatePerSec,
		SendTimeout:    send,
		RetryMax:       d.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		RetryQueueSize: d.RetryQueueSize,
		CatchUp:        d.CatchUp,
		Location:       loc,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	busy, err := config.DurationOr("storage.busy_timeout", s.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	connect, err := config.ParseDuration("storage.connect_timeout", s.ConnectTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	ping, err := config.ParseDuration("storage.ping_timeout", s.PingTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:         strings.TrimSpace(s.Driver),
		Path:           strings.TrimSpace(s.Path),
		BusyTimeout:    busy,
		DSN:            strings.TrimSpace(s.DSN),
		MaxConns:       s.MaxConns,
		ConnectTimeout: connect,
		PingTimeout:    ping,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err := config.DurationOr("ops.read_timeout", o.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// pprof profile/trace endpoints stream for up to 30s by default.
	wt, err := config.DurationOr("ops.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.DurationOr("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}
