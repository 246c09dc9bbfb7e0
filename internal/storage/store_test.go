package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"remindbot/internal/reminder"
)

type opener func(t *testing.T) Store

func testDrivers(t *testing.T) map[string]opener {
	t.Helper()
	drivers := map[string]opener{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "file", Path: "/data/reminders.db", FS: afero.NewMemMapFs()}, nopLog())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			path := filepath.Join(t.TempDir(), "reminders.sqlite")
			st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path}, nopLog())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		},
	}
	if dsn := os.Getenv("REMINDBOT_TEST_POSTGRES_DSN"); dsn != "" {
		drivers["postgres"] = func(t *testing.T) Store {
			ctx := context.Background()
			st, err := Open(ctx, Config{Driver: "postgres", DSN: dsn, ConnectTimeout: 5 * time.Second}, nopLog())
			if err != nil {
				t.Fatalf("open postgres store: %v", err)
			}
			if _, err := st.(*postgresStore).pool.Exec(ctx, "TRUNCATE reminders"); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			return st
		}
	}
	return drivers
}

func task(chatID int64, at time.Time, msg string) reminder.Task {
	return reminder.NewTask(reminder.Parsed{ChatID: chatID, Message: msg, ScheduledAt: at}, time.Now())
}

func TestStoreContract(t *testing.T) {
	base := time.Date(2024, 12, 25, 9, 0, 0, 0, time.UTC)

	for name, open := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("save assigns id and finds due", func(t *testing.T) {
				st := open(t)
				defer st.Close()

				saved, err := st.Save(ctx, task(7, base, "!!!"))
				if err != nil {
					t.Fatalf("save: %v", err)
				}
				if saved.ID == "" || saved.Status != reminder.StatusPending {
					t.Fatalf("unexpected saved task: %+v", saved)
				}
				if _, err := st.Save(ctx, task(7, base.Add(time.Minute), "later")); err != nil {
					t.Fatalf("save: %v", err)
				}

				due, err := st.FindDueAt(ctx, base.Add(25*time.Second))
				if err != nil {
					t.Fatalf("find due: %v", err)
				}
				if len(due) != 1 || due[0].ID != saved.ID || due[0].Message != "!!!" || due[0].ChatID != 7 {
					t.Fatalf("unexpected due tasks: %+v", due)
				}
				if !due[0].ScheduledAt.Equal(base) {
					t.Fatalf("scheduled at = %v, want %v", due[0].ScheduledAt, base)
				}
			})

			t.Run("find due is repeatable", func(t *testing.T) {
				st := open(t)
				defer st.Close()

				for _, chat := range []int64{1, 2} {
					if _, err := st.Save(ctx, task(chat, base, "x")); err != nil {
						t.Fatalf("save: %v", err)
					}
				}
				first, err := st.FindDueAt(ctx, base)
				if err != nil {
					t.Fatalf("find due: %v", err)
				}
				second, err := st.FindDueAt(ctx, base.Add(59*time.Second))
				if err != nil {
					t.Fatalf("find due again: %v", err)
				}
				if len(first) != 2 || len(second) != len(first) {
					t.Fatalf("due sets differ: %+v vs %+v", first, second)
				}
				ids := map[string]bool{}
				for _, d := range first {
					ids[d.ID] = true
				}
				for _, d := range second {
					if !ids[d.ID] {
						t.Fatalf("task %s only returned by the second lookup", d.ID)
					}
				}
			})

			t.Run("find due matches only its minute", func(t *testing.T) {
				st := open(t)
				defer st.Close()

				if _, err := st.Save(ctx, task(7, base, "!!!")); err != nil {
					t.Fatalf("save: %v", err)
				}
				for _, at := range []time.Time{base.Add(-time.Minute), base.Add(-time.Second), base.Add(time.Minute)} {
					due, err := st.FindDueAt(ctx, at)
					if err != nil {
						t.Fatalf("find due at %v: %v", at, err)
					}
					if len(due) != 0 {
						t.Fatalf("find due at %v returned %+v", at, due)
					}
				}
			})

			t.Run("delivered task is never due again", func(t *testing.T) {
				st := open(t)
				defer st.Close()

				saved, err := st.Save(ctx, task(7, base, "!!!"))
				if err != nil {
					t.Fatalf("save: %v", err)
				}
				if err := st.MarkDelivered(ctx, saved.ID, base, 1); err != nil {
					t.Fatalf("mark delivered: %v", err)
				}
				due, err := st.FindDueAt(ctx, base)
				if err != nil {
					t.Fatalf("find due: %v", err)
				}
				if len(due) != 0 {
					t.Fatalf("delivered task returned again: %+v", due)
				}
				if err := st.MarkDelivered(ctx, saved.ID, base, 2); !errors.Is(err, ErrNotFound) {
					t.Fatalf("second mark err = %v, want ErrNotFound", err)
				}
				if err := st.MarkFailed(ctx, saved.ID, 2, "late"); !errors.Is(err, ErrNotFound) {
					t.Fatalf("mark failed after delivered err = %v, want ErrNotFound", err)
				}
			})

			t.Run("failed task leaves pending set", func(t *testing.T) {
				st := open(t)
				defer st.Close()

				saved, err := st.Save(ctx, task(9, base, "?"))
				if err != nil {
					t.Fatalf("save: %v", err)
				}
				if err := st.MarkFailed(ctx, saved.ID, 3, "chat not found"); err != nil {
					t.Fatalf("mark failed: %v", err)
				}
				overdue, err := st.FindOverdue(ctx, base.Add(time.Hour))
				if err != nil {
					t.Fatalf("find overdue: %v", err)
				}
				if len(overdue) != 0 {
					t.Fatalf("failed task still overdue: %+v", overdue)
				}
			})

			t.Run("overdue and list pending", func(t *testing.T) {
				st := open(t)
				defer st.Close()

				for i, off := range []time.Duration{2 * time.Minute, 0, time.Hour} {
					if _, err := st.Save(ctx, task(5, base.Add(off), string(rune('а'+i)))); err != nil {
						t.Fatalf("save: %v", err)
					}
				}
				if _, err := st.Save(ctx, task(6, base, "other chat")); err != nil {
					t.Fatalf("save: %v", err)
				}

				overdue, err := st.FindOverdue(ctx, base.Add(2*time.Minute))
				if err != nil {
					t.Fatalf("find overdue: %v", err)
				}
				if len(overdue) != 3 {
					t.Fatalf("overdue = %d tasks, want 3", len(overdue))
				}

				list, err := st.ListPending(ctx, 5, 2)
				if err != nil {
					t.Fatalf("list pending: %v", err)
				}
				if len(list) != 2 || list[0].Message != "б" || list[1].Message != "а" {
					t.Fatalf("unexpected list: %+v", list)
				}
			})

			t.Run("rejects invalid tasks", func(t *testing.T) {
				st := open(t)
				defer st.Close()

				var ie reminder.ErrInvalidTask
				if _, err := st.Save(ctx, task(0, base, "!")); !errors.As(err, &ie) {
					t.Fatalf("save err = %v, want ErrInvalidTask", err)
				}
			})

			t.Run("mark unknown id", func(t *testing.T) {
				st := open(t)
				defer st.Close()

				if err := st.MarkDelivered(ctx, "does-not-exist", base, 1); !errors.Is(err, ErrNotFound) {
					t.Fatalf("err = %v, want ErrNotFound", err)
				}
			})
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	cfg := Config{Driver: "file", Path: "/var/lib/remindbot/tasks.json", FS: fs}
	at := time.Date(2030, 1, 1, 12, 30, 0, 0, time.UTC)

	st, err := Open(ctx, cfg, nopLog())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, err := st.Save(ctx, task(1, at, "раз"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	second, err := st.Save(ctx, task(1, at, "два"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.MarkDelivered(ctx, first.ID, at, 1); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ok, _ := afero.Exists(fs, "/var/lib/remindbot/tasks.tasks.snapshot.json"); !ok {
		t.Fatal("expected snapshot after close")
	}

	st, err = Open(ctx, cfg, nopLog())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	due, err := st.FindDueAt(ctx, at)
	if err != nil {
		t.Fatalf("find due: %v", err)
	}
	if len(due) != 1 || due[0].ID != second.ID {
		t.Fatalf("unexpected due after reopen: %+v", due)
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	at := time.Date(2030, 1, 1, 12, 30, 0, 0, time.UTC)

	line := `{"task":{"id":"a1","chat_id":3,"scheduled_at":"2030-01-01T12:30:00Z","message":"!","status":"pending","created_at":"2029-12-31T00:00:00Z"}}` + "\n" +
		"not json\n"
	if err := afero.WriteFile(fs, "/d/r.tasks.journal.jsonl", []byte(line), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	st, err := Open(ctx, Config{Driver: "file", Path: "/d/r.db", FS: fs}, nopLog())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	due, err := st.FindDueAt(ctx, at)
	if err != nil {
		t.Fatalf("find due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "a1" {
		t.Fatalf("unexpected due: %+v", due)
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	_ = st.Close()
	if _, err := st.Save(context.Background(), task(1, time.Now(), "!")); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, nopLog()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "sqlite"}, nopLog()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}
