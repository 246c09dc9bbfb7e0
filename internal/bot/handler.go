// Package bot turns inbound chat messages into replies and saved reminders.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Handler struct {
	log    logx.Logger
	store  storage.Store
	sender transport.Sender
	bus    eventbus.Bus
	parser atomic.Pointer[reminder.Parser]
	now    func() time.Time
}

func NewHandler(parser *reminder.Parser, store storage.Store, sender transport.Sender, bus eventbus.Bus, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if parser == nil {
		parser = reminder.NewParser(nil)
	}
	h := &Handler{
		log:    log.With(logx.String("comp", "bot.handler")),
		store:  store,
		sender: sender,
		bus:    bus,
		now:    time.Now,
	}
	h.parser.Store(parser)
	return h
}

// SetParser swaps the parser, e.g. after a timezone change.
func (h *Handler) SetParser(p *reminder.Parser) {
	if p != nil {
		h.parser.Store(p)
	}
}

// Handle processes one message. It returns an error only when the message
// should have produced an effect and did not: a failed save or a failed reply.
func (h *Handler) Handle(ctx context.Context, msg transport.Message) error {
	if cmd, ok := command(msg.Text); ok {
		switch cmd {
		case "start":
			return h.reply(ctx, msg, greeting(msg.FirstName))
		case "help":
			return h.reply(ctx, msg, helpText())
		case "list":
			return h.list(ctx, msg)
		}
	}

	p := h.parser.Load()
	parsed, err := p.Parse(msg.ChatID, msg.Text)
	switch {
	case errors.Is(err, reminder.ErrNotAReminder):
		return nil
	case errors.Is(err, reminder.ErrInvalidDateTime):
		h.log.Debug("invalid date/time", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		return h.reply(ctx, msg, replyInvalidDate)
	case err != nil:
		return err
	}

	saved, err := h.store.Save(ctx, reminder.NewTask(parsed, h.now()))
	if err != nil {
		h.log.Error("save reminder failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		saveErr := fmt.Errorf("save reminder: %w", err)
		if rerr := h.reply(ctx, msg, replySaveFailed); rerr != nil {
			return errors.Join(saveErr, rerr)
		}
		return saveErr
	}

	h.log.Info("reminder added",
		logx.String("task_id", saved.ID),
		logx.Int64("chat_id", saved.ChatID),
		logx.Time("scheduled_at", saved.ScheduledAt))
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.ReminderCreated, Time: h.now(), Data: saved})
	}
	return h.reply(ctx, msg, replyAdded)
}

func (h *Handler) list(ctx context.Context, msg transport.Message) error {
	tasks, err := h.store.ListPending(ctx, msg.ChatID, listLimit)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	return h.reply(ctx, msg, pendingList(tasks, h.parser.Load()))
}

func (h *Handler) reply(ctx context.Context, msg transport.Message, text string) error {
	_, err := h.sender.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, text, &transport.SendOptions{DisablePreview: true})
	if err != nil {
		return fmt.Errorf("reply to %d: %w", msg.ChatID, err)
	}
	return nil
}

// command extracts "start" from "/start", "/start@SomeBot" or "/start payload".
func command(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text)[0][1:]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}
