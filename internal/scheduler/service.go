// Package scheduler fires the due-task scan on a cron schedule, by default
// at second 0 of every minute.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

const DefaultSpec = "0 * * * * *"

type Config struct {
	Enabled    bool
	Timezone   string
	Spec       string
	JobTimeout time.Duration
}

// Job runs once per trigger. firedAt is taken when cron fires, before the
// job waits on anything.
type Job func(ctx context.Context, firedAt time.Time) error

type Snapshot struct {
	Running  bool      `json:"running"`
	Spec     string    `json:"spec"`
	Timezone string    `json:"timezone"`
	Next     time.Time `json:"next"`
	LastRun  time.Time `json:"last_run"`
	LastTook string    `json:"last_took,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
	Runs     uint64    `json:"runs"`
	Errors   uint64    `json:"errors"`
}

type Service struct {
	log    logx.Logger
	job    Job
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	runCtx  context.Context
	c       *cron.Cron
	entry   cron.EntryID
	loc     *time.Location
	lastRun time.Time
	lastDur time.Duration
	lastErr string
	runs    uint64
	errs    uint64
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		job: job,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional accepts both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ResolveLocation maps a config timezone to a location; empty means Local.
func ResolveLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// ValidateSpec reports whether spec is a cron expression this service accepts.
func ValidateSpec(spec string) error {
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(specOrDefault(spec)); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

func specOrDefault(spec string) string {
	if s := strings.TrimSpace(spec); s != "" {
		return s
	}
	return DefaultSpec
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins triggering if the service is enabled. ctx bounds every job
// run; cancel it and call Stop to shut down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
	if s.c != nil || !s.cfg.Enabled {
		if !s.cfg.Enabled {
			s.log.Info("scheduler disabled")
		}
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc, err := ResolveLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("unknown timezone, using local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		loc = time.Local
	}
	spec := specOrDefault(s.cfg.Spec)

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	id, err := c.AddFunc(spec, s.fire)
	if err != nil {
		return fmt.Errorf("add cron job %q: %w", spec, err)
	}
	c.Start()
	s.c, s.entry, s.loc = c, id, loc
	s.log.Info("scheduler started", logx.String("spec", spec), logx.String("tz", loc.String()), logx.Time("next", c.Entry(id).Next))
	return nil
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	c := s.c
	s.c = nil
	s.entry = 0
	// Unlock while waiting so a running job can report its result.
	s.mu.Unlock()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.mu.Lock()
}

// Stop stops triggering and waits for a running job until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
	s.log.Info("scheduler stopped")
}

// Apply restarts cron when the schedule or timezone changes, and starts or
// stops it when Enabled flips.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.runCtx == nil {
		return
	}
	changed := old.Enabled != cfg.Enabled ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) ||
		specOrDefault(old.Spec) != specOrDefault(cfg.Spec)
	if !changed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.stopLocked(ctx)
	if cfg.Enabled {
		if err := s.startLocked(); err != nil {
			s.log.Error("scheduler restart failed", logx.Err(err))
		}
	}
}

// Next reports the next trigger time, zero when not running.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Service) fire() {
	firedAt := time.Now()

	s.mu.Lock()
	ctx := s.runCtx
	timeout := s.cfg.JobTimeout
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	jctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := s.job(jctx, firedAt)
	took := time.Since(firedAt)

	s.mu.Lock()
	s.runs++
	s.lastRun = firedAt
	s.lastDur = took
	if err != nil {
		s.errs++
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("scheduled run failed", logx.Time("fired_at", firedAt), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Debug("scheduled run done", logx.Time("fired_at", firedAt), logx.Duration("took", took))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running: s.c != nil,
		Spec:    specOrDefault(s.cfg.Spec),
		LastRun: s.lastRun,
		LastErr: s.lastErr,
		Runs:    s.runs,
		Errors:  s.errs,
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	if s.lastDur > 0 {
		snap.LastTook = s.lastDur.String()
	}
	if s.c != nil {
		snap.Next = s.c.Entry(s.entry).Next
	}
	return snap
}

// cronLogger routes robfig/cron diagnostics and recovered panics to logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
