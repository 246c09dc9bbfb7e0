// Package dispatcher delivers due reminders. Each Tick looks up the pending
// tasks scheduled for one wall-clock minute, sends them and records the
// terminal transition so a task is delivered at most once per store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

var ErrRetryQueueFull = errors.New("dispatcher: retry queue full")

// errNotSent marks a send that gave up waiting for the rate limiter.
var errNotSent = errors.New("dispatcher: rate wait abandoned")

type Config struct {
	RatePerSec     float64
	SendTimeout    time.Duration
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	RetryQueueSize int
	CatchUp        bool
	Location       *time.Location
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RetryQueueSize <= 0 {
		c.RetryQueueSize = 256
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// TickReport summarizes one Tick or CatchUp run.
type TickReport struct {
	Minute    time.Time
	Due       int
	Delivered int
	Failed    int
	Retrying  int
	Skipped   int
}

// DeliveryEvent is the payload of the delivery events on the bus.
type DeliveryEvent struct {
	TaskID  string
	ChatID  int64
	Attempt int
	Err     string
}

type Snapshot struct {
	Ticks          uint64    `json:"ticks"`
	Delivered      uint64    `json:"delivered"`
	Failed         uint64    `json:"failed"`
	Retried        uint64    `json:"retried"`
	DeliveryErrors uint64    `json:"delivery_errors"`
	RetryQueued    int       `json:"retry_queued"`
	InFlight       int       `json:"in_flight"`
	LastTick       time.Time `json:"last_tick"`
	LastTickDue    int       `json:"last_tick_due"`
	LastError      string    `json:"last_error,omitempty"`
}

type Service struct {
	log    logx.Logger
	store  storage.Store
	sender transport.Sender
	bus    eventbus.Bus

	// tickMu serializes Tick and CatchUp.
	tickMu sync.Mutex

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	inflight map[string]struct{} // task IDs waiting in the retry queue
	lastTick time.Time
	lastDue  int
	lastErr  string

	retryQ chan retryItem
	sup    *rtsup.Supervisor

	ticks, delivered, failed, retried, deliveryErrs atomic.Uint64
}

func New(cfg Config, store storage.Store, sender transport.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:      log.With(logx.String("comp", "dispatcher")),
		store:    store,
		sender:   sender,
		bus:      bus,
		cfg:      cfg,
		limiter:  newLimiter(cfg.RatePerSec),
		inflight: map[string]struct{}{},
		retryQ:   make(chan retryItem, cfg.RetryQueueSize),
	}
}

func newLimiter(rps float64) *rate.Limiter {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Start launches the retry worker and, when enabled, delivers tasks missed
// while the process was down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	catchUp := s.cfg.CatchUp
	s.mu.Unlock()

	sup.GoRestart("dispatcher.retry", s.retryLoop,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true),
	)

	if catchUp {
		sup.Go("dispatcher.catch_up", func(c context.Context) error {
			_, err := s.CatchUp(c, time.Now())
			return err
		})
	}
	s.log.Info("dispatcher started", logx.Bool("catch_up", catchUp))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Apply updates rate, retry and timezone settings. The retry queue size
// only takes effect on restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec != s.cfg.RatePerSec {
		s.limiter = newLimiter(cfg.RatePerSec)
	}
	cfg.RetryQueueSize = s.cfg.RetryQueueSize
	s.cfg = cfg
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Tick delivers every pending task scheduled for the minute containing at.
// A store lookup error is returned; send failures are not, they are counted
// in the report and handed to the retry queue.
func (s *Service) Tick(ctx context.Context, at time.Time) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()

	minute := at.In(loc).Truncate(time.Minute)
	tasks, err := s.store.FindDueAt(ctx, minute)
	if err != nil {
		s.noteTick(minute, 0, err)
		s.log.Error("due task lookup failed", logx.Time("minute", minute), logx.Err(err))
		return TickReport{Minute: minute}, fmt.Errorf("find due at %s: %w", minute.Format(reminder.DateTimeLayout), err)
	}

	rep := s.deliverAll(ctx, minute, tasks)
	s.noteTick(minute, len(tasks), nil)
	if rep.Due > 0 {
		s.log.Info("tick done",
			logx.Time("minute", minute),
			logx.Int("due", rep.Due),
			logx.Int("delivered", rep.Delivered),
			logx.Int("failed", rep.Failed),
			logx.Int("retrying", rep.Retrying))
	}
	s.publish(eventbus.TickCompleted, rep)
	return rep, nil
}

// CatchUp delivers pending tasks scheduled at or before now.
func (s *Service) CatchUp(ctx context.Context, now time.Time) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	tasks, err := s.store.FindOverdue(ctx, now)
	if err != nil {
		s.log.Error("overdue task lookup failed", logx.Err(err))
		return TickReport{Minute: now}, fmt.Errorf("find overdue: %w", err)
	}
	rep := s.deliverAll(ctx, now, tasks)
	s.log.Info("catch-up done", logx.Int("due", rep.Due), logx.Int("delivered", rep.Delivered), logx.Int("failed", rep.Failed))
	return rep, nil
}

func (s *Service) deliverAll(ctx context.Context, minute time.Time, tasks []reminder.Task) TickReport {
	rep := TickReport{Minute: minute, Due: len(tasks)}
	for i, t := range tasks {
		if ctx.Err() != nil {
			rep.Skipped += len(tasks) - i
			break
		}
		if s.isInflight(t.ID) {
			rep.Skipped++
			continue
		}
		switch s.attempt(ctx, t, 1) {
		case outcomeDelivered:
			rep.Delivered++
		case outcomeRetrying:
			rep.Retrying++
		case outcomeInterrupted:
			rep.Skipped++
		default:
			rep.Failed++
		}
	}
	return rep
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetrying
	outcomeFailed
	// outcomeInterrupted means ctx ended before the send completed. The
	// task is left pending for the next tick or catch-up.
	outcomeInterrupted
)

// attempt sends t once and records the result.
func (s *Service) attempt(ctx context.Context, t reminder.Task, n int) outcome {
	err := s.send(ctx, t)
	if err == nil {
		s.delivered.Add(1)
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if merr := s.store.MarkDelivered(mctx, t.ID, time.Now(), n); merr != nil {
			// The message went out; a lost mark only risks a repeat on catch-up.
			s.log.Warn("mark delivered failed", logx.String("task_id", t.ID), logx.Err(merr))
		}
		s.publish(eventbus.ReminderDelivered, DeliveryEvent{TaskID: t.ID, ChatID: t.ChatID, Attempt: n})
		return outcomeDelivered
	}
	if ctx.Err() != nil || errors.Is(err, errNotSent) {
		s.log.Debug("delivery interrupted",
			logx.String("task_id", t.ID),
			logx.Int("attempt", n),
			logx.Err(err))
		return outcomeInterrupted
	}

	s.deliveryErrs.Add(1)
	s.log.Warn("delivery failed",
		logx.String("task_id", t.ID),
		logx.Int64("chat_id", t.ChatID),
		logx.Int("attempt", n),
		logx.Err(err))
	s.publish(eventbus.DeliveryFailure, DeliveryEvent{TaskID: t.ID, ChatID: t.ChatID, Attempt: n, Err: err.Error()})

	s.mu.Lock()
	retryMax := s.cfg.RetryMax
	s.mu.Unlock()
	if n <= retryMax {
		qerr := s.enqueueRetry(t, n)
		if qerr == nil {
			return outcomeRetrying
		}
		s.log.Warn("retry not scheduled", logx.String("task_id", t.ID), logx.Err(qerr))
	}
	s.markFailed(t, n, err)
	return outcomeFailed
}

func (s *Service) send(ctx context.Context, t reminder.Task) error {
	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", errNotSent, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := s.sender.SendText(callCtx, transport.ChatTarget{ChatID: t.ChatID}, t.Message, nil)
	return err
}

func (s *Service) markFailed(t reminder.Task, attempts int, cause error) {
	s.failed.Add(1)
	// Detached so a shutdown in progress still records the outcome.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.MarkFailed(ctx, t.ID, attempts, cause.Error()); err != nil {
		s.log.Warn("mark failed failed", logx.String("task_id", t.ID), logx.Err(err))
	}
	s.publish(eventbus.ReminderFailed, DeliveryEvent{TaskID: t.ID, ChatID: t.ChatID, Attempt: attempts, Err: cause.Error()})
}

func (s *Service) isInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

func (s *Service) noteTick(minute time.Time, due int, err error) {
	s.ticks.Add(1)
	s.mu.Lock()
	s.lastTick = minute
	s.lastDue = due
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Ticks:          s.ticks.Load(),
		Delivered:      s.delivered.Load(),
		Failed:         s.failed.Load(),
		Retried:        s.retried.Load(),
		DeliveryErrors: s.deliveryErrs.Load(),
		RetryQueued:    len(s.retryQ),
		InFlight:       len(s.inflight),
		LastTick:       s.lastTick,
		LastTickDue:    s.lastDue,
		LastError:      s.lastErr,
	}
}
