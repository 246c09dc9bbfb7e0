package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"remindbot/internal/reminder"
)

// memStore keeps tasks in insertion order. The file driver reuses it as its
// in-memory index.
type memStore struct {
	mu     sync.Mutex
	tasks  []*reminder.Task
	byID   map[string]*reminder.Task
	closed bool
}

func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{byID: map[string]*reminder.Task{}}
}

func (s *memStore) Save(ctx context.Context, t reminder.Task) (reminder.Task, error) {
	if err := ctx.Err(); err != nil {
		return reminder.Task{}, err
	}
	t, err := prepareSave(t)
	if err != nil {
		return reminder.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reminder.Task{}, ErrClosed
	}
	s.putLocked(t)
	return t, nil
}

func (s *memStore) putLocked(t reminder.Task) {
	if cur, ok := s.byID[t.ID]; ok {
		*cur = t
		return
	}
	cp := t
	s.tasks = append(s.tasks, &cp)
	s.byID[t.ID] = &cp
}

func (s *memStore) FindDueAt(ctx context.Context, minute time.Time) ([]reminder.Task, error) {
	minute = minuteOf(minute)
	return s.filter(ctx, func(t *reminder.Task) bool {
		return t.ScheduledAt.Equal(minute)
	})
}

func (s *memStore) FindOverdue(ctx context.Context, now time.Time) ([]reminder.Task, error) {
	return s.filter(ctx, func(t *reminder.Task) bool {
		return !t.ScheduledAt.After(now)
	})
}

func (s *memStore) filter(ctx context.Context, keep func(*reminder.Task) bool) ([]reminder.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []reminder.Task
	for _, t := range s.tasks {
		if t.Pending() && keep(t) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) MarkDelivered(ctx context.Context, id string, at time.Time, attempts int) error {
	_, err := s.transition(ctx, id, func(t *reminder.Task) {
		t.Status = reminder.StatusDelivered
		t.DeliveredAt = at
		t.Attempts = attempts
		t.LastError = ""
	})
	return err
}

func (s *memStore) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	_, err := s.transition(ctx, id, func(t *reminder.Task) {
		t.Status = reminder.StatusFailed
		t.Attempts = attempts
		t.LastError = reason
	})
	return err
}

// transition applies fn to a pending task and returns the updated copy.
func (s *memStore) transition(ctx context.Context, id string, fn func(*reminder.Task)) (reminder.Task, error) {
	if err := ctx.Err(); err != nil {
		return reminder.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reminder.Task{}, ErrClosed
	}
	t, ok := s.byID[id]
	if !ok || !t.Pending() {
		return reminder.Task{}, ErrNotFound
	}
	fn(t)
	return *t, nil
}

func (s *memStore) ListPending(ctx context.Context, chatID int64, limit int) ([]reminder.Task, error) {
	out, err := s.filter(ctx, func(t *reminder.Task) bool { return t.ChatID == chatID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// snapshot returns copies of all tasks, terminal ones included.
func (s *memStore) snapshot() []reminder.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]reminder.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// prune drops terminal tasks older than cutoff.
func (s *memStore) prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tasks[:0]
	n := 0
	for _, t := range s.tasks {
		if !t.Pending() && t.ScheduledAt.Before(cutoff) {
			delete(s.byID, t.ID)
			n++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = kept
	return n
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
