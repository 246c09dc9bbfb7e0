// Package storage persists reminder tasks.
//
// Drivers:
//   - "memory" (default): in-process map, lost on restart
//   - "file": JSON Lines journal plus periodic snapshot, on an afero filesystem
//   - "sqlite": pure-Go SQLite (modernc.org/sqlite)
//   - "postgres": PostgreSQL through a pgx pool
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

var (
	// ErrNotFound is returned by the Mark* operations when no pending task
	// has the given ID, including when the task already reached a terminal
	// state.
	ErrNotFound = errors.New("storage: pending task not found")
	ErrClosed   = errors.New("storage: store closed")
)

// Store is the task persistence contract. Every operation is atomic on its
// own; FindDueAt and FindOverdue only return pending tasks.
type Store interface {
	// Save assigns a new ID and persists t as pending.
	Save(ctx context.Context, t reminder.Task) (reminder.Task, error)
	// FindDueAt returns pending tasks scheduled exactly at minute.
	FindDueAt(ctx context.Context, minute time.Time) ([]reminder.Task, error)
	// FindOverdue returns pending tasks scheduled at or before now.
	FindOverdue(ctx context.Context, now time.Time) ([]reminder.Task, error)
	MarkDelivered(ctx context.Context, id string, at time.Time, attempts int) error
	MarkFailed(ctx context.Context, id string, attempts int, reason string) error
	// ListPending returns up to limit pending tasks for a chat, soonest first.
	ListPending(ctx context.Context, chatID int64, limit int) ([]reminder.Task, error)
	Close() error
}

type Config struct {
	Driver string

	// file, sqlite
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// postgres
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
	PingTimeout    time.Duration

	// FS backs the file driver. Nil means the OS filesystem.
	FS afero.Fs
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func newID() string { return uuid.NewString() }

func minuteOf(t time.Time) time.Time { return t.Truncate(time.Minute) }

const defaultListLimit = 20

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// prepareSave validates t and fills the fields a store owns.
func prepareSave(t reminder.Task) (reminder.Task, error) {
	if err := t.Validate(); err != nil {
		return reminder.Task{}, err
	}
	t.ID = newID()
	t.ScheduledAt = minuteOf(t.ScheduledAt)
	t.Status = reminder.StatusPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.DeliveredAt = time.Time{}
	t.Attempts = 0
	t.LastError = ""
	return t, nil
}
