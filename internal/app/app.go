// Package app wires the reminder bot together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/bot"
	"remindbot/internal/config"
	"remindbot/internal/dispatcher"
	"remindbot/internal/eventbus"
	"remindbot/internal/ops"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

// botAdapter is the chat transport as the app uses it.
type botAdapter interface {
	transport.Adapter
	transport.CommandMenuUpdater
	Supervisor() *rtsup.Supervisor
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter botAdapter
	handler *bot.Handler
	router  *bot.Router
	disp    *dispatcher.Service
	sched   *scheduler.Service
	ops     *ops.Server

	updates   chan transport.Update
	startedAt time.Time
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(tgCfg, bootLog)
	if err != nil {
		return nil, err
	}

	// The Telegram sink starts disabled so that enabling it happens after
	// the target chat is known.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(groupLogChat(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, stCfg, log)
	if err != nil {
		return nil, err
	}

	a, err := build(cfg, log, ad, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

func build(cfg *config.Config, log logx.Logger, ad botAdapter, store storage.Store) (*App, error) {
	bus := eventbus.New()

	loc, err := scheduler.ResolveLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	handler := bot.NewHandler(reminder.NewParser(loc), store, ad, bus, log)

	rcfg, err := mapRouterConfig(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	buf := cfg.Telegram.UpdateBuffer
	if buf <= 0 {
		buf = 256
	}

	a := &App{
		log:     log.With(logx.String("comp", "app")),
		bus:     bus,
		store:   store,
		adapter: ad,
		handler: handler,
		router:  bot.NewRouter(rcfg, handler, log),
		disp:    dispatcher.New(dcfg, store, ad, bus, log),
		updates: make(chan transport.Update, buf),
	}
	a.sched = scheduler.New(scfg, a.tick, log)
	a.ops = ops.New(ocfg, a.stats, log)
	return a, nil
}

// tick is the scheduler job: one due-task scan for the minute of firedAt.
func (a *App) tick(ctx context.Context, firedAt time.Time) error {
	rep, err := a.disp.Tick(ctx, firedAt)
	if err != nil {
		return err
	}
	if rep.Due > 0 {
		a.log.Info("tick",
			logx.Time("minute", rep.Minute),
			logx.Int("due", rep.Due),
			logx.Int("delivered", rep.Delivered),
			logx.Int("retrying", rep.Retrying),
			logx.Int("failed", rep.Failed),
		)
	}
	return nil
}

// Done is closed when the app context is canceled by a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	menuCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(menuCtx, bot.Commands); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}
	cancel()

	if err := a.disp.Start(runCtx); err != nil {
		return err
	}
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	// ops is optional; a refused bind must not take the bot down.
	if err := a.ops.Start(runCtx); err != nil {
		a.log.Warn("ops server not started", logx.Err(err))
	}

	a.sup.Go0("bot.dispatch", func(c context.Context) {
		a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("eventbus.log", a.logEvents)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log)
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.sup.Go0("systemd.watchdog", watchdogLoop)
	notifyReady(a.log)

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Time("next_tick", a.sched.Next()),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable parts of newCfg to the running
// components. Settings that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(oldCfg, newCfg); len(rr) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("keys", strings.Join(rr, ",")))
	}

	if a.logs != nil {
		a.logs.SetTelegramTarget(groupLogChat(newCfg), newCfg.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if loc, err := scheduler.ResolveLocation(newCfg.Scheduler.Timezone); err == nil {
		a.handler.SetParser(reminder.NewParser(loc))
	}
	if dcfg, err := mapDispatcherConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}
	if scfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
	}
	if ocfg, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else if err := a.ops.Apply(ctx, ocfg); err != nil {
		a.log.Warn("ops server reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
}

// Stats is the document served by the ops /stats endpoint.
type Stats struct {
	StartedAt   time.Time                 `json:"started_at"`
	Uptime      string                    `json:"uptime"`
	Dispatcher  dispatcher.Snapshot       `json:"dispatcher"`
	Scheduler   scheduler.Snapshot        `json:"scheduler"`
	Router      bot.RouterStats           `json:"router"`
	EventsDrop  uint64                    `json:"events_dropped"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
}

func (a *App) stats() any {
	st := Stats{
		StartedAt:   a.startedAt,
		Uptime:      time.Since(a.startedAt).Truncate(time.Second).String(),
		Dispatcher:  a.disp.Snapshot(),
		Scheduler:   a.sched.Snapshot(),
		Router:      a.router.Stats(),
		EventsDrop:  eventbus.Dropped(a.bus),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	sups := map[string]*rtsup.Supervisor{
		"app":        a.sup,
		"telegram":   a.adapter.Supervisor(),
		"dispatcher": a.disp.Supervisor(),
		"ops":        a.ops.Supervisor(),
	}
	for name, s := range sups {
		if s != nil {
			st.Supervisors[name] = s.Snapshot()
		}
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the
	// rest. It never extends the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatcher", 2*time.Second, a.disp.Stop)
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
