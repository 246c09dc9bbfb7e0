package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, msg transport.Message) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg transport.Message) error {
			if d <= 0 {
				return next(ctx, msg)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, msg)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg transport.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg transport.Message) error {
			start := time.Now()
			err := next(ctx, msg)
			d := time.Since(start)
			fields := []logx.Field{
				logx.Int64("chat_id", msg.ChatID),
				logx.Int64("from_id", msg.FromID),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				log.Warn("message failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				log.Info("message slow", fields...)
			default:
				log.Debug("message ok", fields...)
			}
			return err
		}
	}
}

type RouterConfig struct {
	HandlerTimeout time.Duration
}

type RouterStats struct {
	Handled uint64 `json:"handled"`
	Errors  uint64 `json:"errors"`
}

// Router consumes the transport update stream on a single goroutine, so
// messages are handled one at a time in arrival order.
type Router struct {
	log     logx.Logger
	handle  HandlerFunc
	handled atomic.Uint64
	errors  atomic.Uint64
}

func NewRouter(cfg RouterConfig, h *Handler, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "bot.router"))
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{
		log: log,
		handle: Chain(h.Handle,
			MWPanicRecover(log),
			MWRequestLog(log),
			MWTimeout(timeout),
		),
	}
}

// DispatchLoop returns when ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Kind != transport.UpdateMessage || up.Message == nil {
				continue
			}
			r.handled.Add(1)
			if err := r.handle(ctx, *up.Message); err != nil {
				r.errors.Add(1)
			}
		}
	}
}

func (r *Router) Stats() RouterStats {
	return RouterStats{Handled: r.handled.Load(), Errors: r.errors.Load()}
}
