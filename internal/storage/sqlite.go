package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteStore stores scheduled_at as unix seconds so minute equality does
// not depend on the zone the task was parsed in.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) wrap(err error) error {
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return err
}

func (s *sqliteStore) Save(ctx context.Context, t reminder.Task) (reminder.Task, error) {
	t, err := prepareSave(t)
	if err != nil {
		return reminder.Task{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, chat_id, scheduled_at, message, status, created_at)
		 VALUES(?,?,?,?,?,?)`,
		t.ID, t.ChatID, t.ScheduledAt.Unix(), t.Message, string(t.Status), t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return reminder.Task{}, s.wrap(err)
	}
	return t, nil
}

const sqliteColumns = `id, chat_id, scheduled_at, message, status, created_at, delivered_at, attempts, last_error`

func (s *sqliteStore) FindDueAt(ctx context.Context, minute time.Time) ([]reminder.Task, error) {
	return s.query(ctx,
		`SELECT `+sqliteColumns+` FROM reminders
		 WHERE status = 'pending' AND scheduled_at = ?
		 ORDER BY rowid`,
		minuteOf(minute).Unix())
}

func (s *sqliteStore) FindOverdue(ctx context.Context, now time.Time) ([]reminder.Task, error) {
	return s.query(ctx,
		`SELECT `+sqliteColumns+` FROM reminders
		 WHERE status = 'pending' AND scheduled_at <= ?
		 ORDER BY scheduled_at, rowid`,
		now.Unix())
}

func (s *sqliteStore) ListPending(ctx context.Context, chatID int64, limit int) ([]reminder.Task, error) {
	return s.query(ctx,
		`SELECT `+sqliteColumns+` FROM reminders
		 WHERE status = 'pending' AND chat_id = ?
		 ORDER BY scheduled_at, rowid
		 LIMIT ?`,
		chatID, listLimit(limit))
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id string, at time.Time, attempts int) error {
	return s.update(ctx,
		`UPDATE reminders SET status = 'delivered', delivered_at = ?, attempts = ?, last_error = NULL
		 WHERE id = ? AND status = 'pending'`,
		at.UnixMilli(), attempts, id)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	return s.update(ctx,
		`UPDATE reminders SET status = 'failed', attempts = ?, last_error = ?
		 WHERE id = ? AND status = 'pending'`,
		attempts, nullStr(reason), id)
}

func (s *sqliteStore) update(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]reminder.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	var out []reminder.Task
	for rows.Next() {
		var (
			t         reminder.Task
			scheduled int64
			created   int64
			status    string
			delivered sql.NullInt64
			lastErr   sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.ChatID, &scheduled, &t.Message, &status, &created, &delivered, &t.Attempts, &lastErr); err != nil {
			return nil, err
		}
		t.ScheduledAt = time.Unix(scheduled, 0)
		t.CreatedAt = time.UnixMilli(created)
		t.Status = reminder.Status(status)
		if delivered.Valid {
			t.DeliveredAt = time.UnixMilli(delivered.Int64)
		}
		t.LastError = lastErr.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
