package dispatcher

import (
	"context"
	"math/rand"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

type retryItem struct {
	task      reminder.Task
	attempts  int
	notBefore time.Time
}

func (s *Service) enqueueRetry(t reminder.Task, attempts int) error {
	s.mu.Lock()
	cfg := s.cfg
	s.inflight[t.ID] = struct{}{}
	s.mu.Unlock()

	it := retryItem{task: t, attempts: attempts, notBefore: time.Now().Add(retryDelay(cfg, attempts))}
	select {
	case s.retryQ <- it:
		return nil
	default:
		s.clearInflight(t.ID)
		return ErrRetryQueueFull
	}
}

func (s *Service) clearInflight(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// retryLoop owns the retry queue. Items are handled in order; each waits
// for its own backoff before the next attempt.
func (s *Service) retryLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-s.retryQ:
			if wait := time.Until(it.notBefore); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					s.clearInflight(it.task.ID)
					return nil
				case <-t.C:
				}
			}
			s.clearInflight(it.task.ID)
			s.retried.Add(1)
			s.log.Debug("retrying delivery", logx.String("task_id", it.task.ID), logx.Int("attempt", it.attempts+1))
			if s.attempt(ctx, it.task, it.attempts+1) == outcomeInterrupted && ctx.Err() != nil {
				return nil
			}
		}
	}
}

// retryDelay is the wait before the attempt following attempt number n:
// base * 2^(n-1), jittered by 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, n int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 30 * time.Second
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), maxD)
}
