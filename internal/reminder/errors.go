package reminder

import "errors"

var (
	// ErrNotAReminder means the text does not look like a reminder at all.
	// Callers ignore it silently.
	ErrNotAReminder = errors.New("text is not a reminder")

	// ErrInvalidDateTime means the text had the reminder shape but the date
	// or time could not be read.
	ErrInvalidDateTime = errors.New("invalid date/time")
)

type ErrInvalidTask struct {
	Field string
}

func (e ErrInvalidTask) Error() string { return "invalid task: " + e.Field + " is required" }
