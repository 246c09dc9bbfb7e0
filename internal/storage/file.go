package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

const (
	fileCompactEvery = 500
	// Terminal tasks older than this are dropped when the journal is compacted.
	fileRetention = 7 * 24 * time.Hour
)

// fileStore keeps every task in memory and persists changes as
// JSON Lines:
//   - <prefix>.tasks.snapshot.json (compacted state)
//   - <prefix>.tasks.journal.jsonl (full task record per change)
type fileStore struct {
	log logx.Logger
	fs  afero.Fs
	mem *memStore

	mu           sync.Mutex
	snapshotPath string
	journal      afero.File
	writes       int
}

type journalRecord struct {
	Task reminder.Task `json:"task"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	fs := cfg.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		fs:           fs,
		mem:          newMemStore(),
		snapshotPath: prefix + ".tasks.snapshot.json",
	}
	journalPath := prefix + ".tasks.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := fs.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Info("file store opened", logx.String("path", prefix), logx.Int("tasks", len(s.mem.tasks)))
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := afero.ReadFile(s.fs, s.snapshotPath)
	if err != nil {
		return err
	}
	var tasks []reminder.Task
	if err := json.Unmarshal(b, &tasks); err != nil {
		return err
	}
	for _, t := range tasks {
		s.mem.putLocked(t)
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := s.fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	skipped := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Task.ID == "" {
			skipped++
			continue
		}
		s.mem.putLocked(r.Task)
	}
	if skipped > 0 {
		s.log.Warn("skipped unreadable journal lines", logx.Int("count", skipped))
	}
	return sc.Err()
}

func (s *fileStore) Save(ctx context.Context, t reminder.Task) (reminder.Task, error) {
	if err := ctx.Err(); err != nil {
		return reminder.Task{}, err
	}
	t, err := prepareSave(t)
	if err != nil {
		return reminder.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return reminder.Task{}, ErrClosed
	}
	if err := s.appendLocked(t); err != nil {
		return reminder.Task{}, err
	}
	s.mem.mu.Lock()
	s.mem.putLocked(t)
	s.mem.mu.Unlock()
	return t, nil
}

func (s *fileStore) FindDueAt(ctx context.Context, minute time.Time) ([]reminder.Task, error) {
	return s.mem.FindDueAt(ctx, minute)
}

func (s *fileStore) FindOverdue(ctx context.Context, now time.Time) ([]reminder.Task, error) {
	return s.mem.FindOverdue(ctx, now)
}

func (s *fileStore) ListPending(ctx context.Context, chatID int64, limit int) ([]reminder.Task, error) {
	return s.mem.ListPending(ctx, chatID, limit)
}

func (s *fileStore) MarkDelivered(ctx context.Context, id string, at time.Time, attempts int) error {
	return s.transition(ctx, id, func(t *reminder.Task) {
		t.Status = reminder.StatusDelivered
		t.DeliveredAt = at
		t.Attempts = attempts
		t.LastError = ""
	})
}

func (s *fileStore) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	return s.transition(ctx, id, func(t *reminder.Task) {
		t.Status = reminder.StatusFailed
		t.Attempts = attempts
		t.LastError = reason
	})
}

// transition journals the new state before it becomes visible in memory.
func (s *fileStore) transition(ctx context.Context, id string, fn func(*reminder.Task)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}

	s.mem.mu.Lock()
	cur, ok := s.mem.byID[id]
	if !ok || !cur.Pending() {
		s.mem.mu.Unlock()
		return ErrNotFound
	}
	next := *cur
	s.mem.mu.Unlock()

	fn(&next)
	if err := s.appendLocked(next); err != nil {
		return err
	}
	s.mem.mu.Lock()
	s.mem.putLocked(next)
	s.mem.mu.Unlock()
	return nil
}

func (s *fileStore) appendLocked(t reminder.Task) error {
	b, err := json.Marshal(journalRecord{Task: t})
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a fresh snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	if n := s.mem.prune(time.Now().Add(-fileRetention)); n > 0 {
		s.log.Debug("pruned terminal tasks", logx.Int("count", n))
	}
	b, err := json.Marshal(s.mem.snapshot())
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	_ = s.mem.Close()
	return err
}
