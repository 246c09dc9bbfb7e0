package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("connected to postgres",
		logx.String("host", poolCfg.ConnConfig.Host),
		logx.Int("port", int(poolCfg.ConnConfig.Port)),
		logx.Int("max_conns", int(poolCfg.MaxConns)))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) wrap(err error) error {
	if err != nil && strings.Contains(err.Error(), "closed pool") {
		return ErrClosed
	}
	return err
}

func (s *postgresStore) Save(ctx context.Context, t reminder.Task) (reminder.Task, error) {
	t, err := prepareSave(t)
	if err != nil {
		return reminder.Task{}, err
	}
	const insertQuery = `
INSERT INTO reminders (id,
                       chat_id,
                       scheduled_at,
                       message,
                       status,
                       created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	_, err = s.pool.Exec(ctx, insertQuery,
		t.ID,
		t.ChatID,
		t.ScheduledAt,
		t.Message,
		string(t.Status),
		t.CreatedAt,
	)
	if err != nil {
		return reminder.Task{}, s.wrap(err)
	}
	return t, nil
}

const postgresColumns = `id, chat_id, scheduled_at, message, status, created_at, delivered_at, attempts, last_error`

func (s *postgresStore) FindDueAt(ctx context.Context, minute time.Time) ([]reminder.Task, error) {
	return s.query(ctx, `
SELECT `+postgresColumns+`
FROM reminders
WHERE status = 'pending'
  AND scheduled_at = $1
ORDER BY seq
`, minuteOf(minute))
}

func (s *postgresStore) FindOverdue(ctx context.Context, now time.Time) ([]reminder.Task, error) {
	return s.query(ctx, `
SELECT `+postgresColumns+`
FROM reminders
WHERE status = 'pending'
  AND scheduled_at <= $1
ORDER BY scheduled_at, seq
`, now)
}

func (s *postgresStore) ListPending(ctx context.Context, chatID int64, limit int) ([]reminder.Task, error) {
	return s.query(ctx, `
SELECT `+postgresColumns+`
FROM reminders
WHERE status = 'pending'
  AND chat_id = $1
ORDER BY scheduled_at, seq
LIMIT $2
`, chatID, listLimit(limit))
}

func (s *postgresStore) MarkDelivered(ctx context.Context, id string, at time.Time, attempts int) error {
	return s.update(ctx, `
UPDATE reminders
SET status = 'delivered', delivered_at = $2, attempts = $3, last_error = NULL
WHERE id = $1 AND status = 'pending'
`, id, at, attempts)
}

func (s *postgresStore) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	return s.update(ctx, `
UPDATE reminders
SET status = 'failed', attempts = $2, last_error = $3
WHERE id = $1 AND status = 'pending'
`, id, attempts, nullStr(reason))
}

func (s *postgresStore) update(ctx context.Context, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return s.wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) query(ctx context.Context, q string, args ...any) ([]reminder.Task, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (reminder.Task, error) {
		var (
			t         reminder.Task
			status    string
			delivered pgtype.Timestamptz
			lastErr   pgtype.Text
		)
		err := row.Scan(&t.ID, &t.ChatID, &t.ScheduledAt, &t.Message, &status, &t.CreatedAt, &delivered, &t.Attempts, &lastErr)
		if err != nil {
			return reminder.Task{}, err
		}
		t.Status = reminder.Status(status)
		if delivered.Valid {
			t.DeliveredAt = delivered.Time
		}
		t.LastError = lastErr.String
		return t, nil
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return tasks, nil
}
