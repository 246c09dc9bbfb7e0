package app

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type sent struct {
	to   transport.ChatTarget
	text string
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sent
	menu []transport.BotCommand
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to: to, text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error { return nil }
func (f *fakeAdapter) Supervisor() *rtsup.Supervisor { return nil }

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *fakeAdapter, storage.Store) {
	t.Helper()
	ad := &fakeAdapter{}
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	a, err := build(cfg, logx.Nop(), ad, store)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return a, ad, store
}

func TestTickDeliversDueReminder(t *testing.T) {
	cfg := &config.Config{
		Telegram:  config.TelegramConfig{Token: "x"},
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
	}
	a, ad, store := newTestApp(t, cfg)
	ctx := context.Background()

	minute := time.Date(2030, 5, 1, 9, 30, 0, 0, time.UTC)
	task := reminder.NewTask(reminder.Parsed{ChatID: 42, Message: "Позвонить маме!", ScheduledAt: minute}, minute.Add(-time.Hour))
	if _, err := store.Save(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := a.tick(ctx, minute.Add(2*time.Second)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	msgs := ad.messages()
	if len(msgs) != 1 || msgs[0].to.ChatID != 42 || msgs[0].text != "Позвонить маме!" {
		t.Fatalf("sent = %+v", msgs)
	}

	// A second tick for the same minute must not deliver again.
	if err := a.tick(ctx, minute.Add(30*time.Second)); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if n := len(ad.messages()); n != 1 {
		t.Fatalf("delivered %d times", n)
	}
}

func TestApplyConfigSwitchesTimezone(t *testing.T) {
	cfg := &config.Config{
		Telegram:  config.TelegramConfig{Token: "x"},
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
	}
	a, _, store := newTestApp(t, cfg)
	ctx := context.Background()

	events, unsub := a.bus.Subscribe(4)
	defer unsub()

	next := *cfg
	next.Scheduler.Timezone = "Asia/Tokyo"
	a.applyConfig(ctx, cfg, &next)

	select {
	case e := <-events:
		if e.Type != eventbus.ConfigReloaded {
			t.Fatalf("event = %s", e.Type)
		}
	default:
		t.Fatalf("no config event published")
	}

	msg := transport.Message{ChatID: 7, FirstName: "Ann", Text: "01.01.2030 10:00 Позвонить маме!"}
	if err := a.handler.Handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	pending, err := store.ListPending(ctx, 7, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, %v", pending, err)
	}
	tokyo, _ := time.LoadLocation("Asia/Tokyo")
	if want := time.Date(2030, 1, 1, 10, 0, 0, 0, tokyo); !pending[0].ScheduledAt.Equal(want) {
		t.Fatalf("scheduled = %v, want %v", pending[0].ScheduledAt, want)
	}
}

func TestApplyConfigNoChanges(t *testing.T) {
	cfg := &config.Config{Telegram: config.TelegramConfig{Token: "x"}}
	a, _, _ := newTestApp(t, cfg)
	events, unsub := a.bus.Subscribe(1)
	defer unsub()

	same := *cfg
	a.applyConfig(context.Background(), cfg, &same)
	select {
	case e := <-events:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestStatsDocument(t *testing.T) {
	a, _, _ := newTestApp(t, &config.Config{Telegram: config.TelegramConfig{Token: "x"}})
	a.startedAt = time.Now().Add(-time.Minute)
	st, ok := a.stats().(Stats)
	if !ok {
		t.Fatalf("stats type %T", a.stats())
	}
	if st.Uptime == "" || st.Supervisors == nil {
		t.Fatalf("stats = %+v", st)
	}
	if _, ok := st.Supervisors["app"]; ok {
		t.Fatalf("app supervisor reported before Start")
	}
}
