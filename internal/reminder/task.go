// Package reminder holds the reminder task model and the chat text parser
// that turns "dd.mm.yyyy HH:mm text" into a schedulable task.
package reminder

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Task is one scheduled reminder. Only Status, DeliveredAt, Attempts and
// LastError change after creation, and only once Status leaves pending.
type Task struct {
	ID          string    `json:"id"`
	ChatID      int64     `json:"chat_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Message     string    `json:"message"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	DeliveredAt time.Time `json:"delivered_at,omitzero"`
	Attempts    int       `json:"attempts,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Parsed is a successful parse result, not yet persisted.
type Parsed struct {
	ChatID      int64
	Message     string
	ScheduledAt time.Time
}

// NewTask builds a pending task from a parse result.
func NewTask(p Parsed, now time.Time) Task {
	return Task{
		ChatID:      p.ChatID,
		ScheduledAt: p.ScheduledAt.Truncate(time.Minute),
		Message:     p.Message,
		Status:      StatusPending,
		CreatedAt:   now,
	}
}

func (t Task) Pending() bool { return t.Status == StatusPending }

// Validate checks the fields every store requires before Save.
func (t Task) Validate() error {
	switch {
	case t.ChatID == 0:
		return ErrInvalidTask{Field: "chat_id"}
	case t.ScheduledAt.IsZero():
		return ErrInvalidTask{Field: "scheduled_at"}
	case strings.TrimSpace(t.Message) == "":
		return ErrInvalidTask{Field: "message"}
	}
	return nil
}
