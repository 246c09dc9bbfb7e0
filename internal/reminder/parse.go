package reminder

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateTimeLayout is the accepted date/time token, e.g. "01.01.2030 12:30".
const DateTimeLayout = "02.01.2006 15:04"

// FormatHint is shown to users to explain the expected input.
const FormatHint = "dd.mm.yyyy HH:mm Reminder text"

// The date token is exactly 16 characters of digits, dots, colons or
// whitespace. The body is \W+, which in RE2 is any non-[0-9A-Za-z_]
// character: Cyrillic letters and punctuation pass, ASCII words do not.
var reminderPattern = regexp.MustCompile(`^([0-9.:\s]{16})(\s)(\W+)$`)

type Parser struct {
	loc *time.Location
}

// NewParser interprets dates in loc; nil means time.Local.
func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{loc: loc}
}

func (p *Parser) Location() *time.Location { return p.loc }

// Parse has no side effects. It returns ErrNotAReminder when text does not
// have the reminder shape and an error wrapping ErrInvalidDateTime when the
// date token is not a real date/time.
func (p *Parser) Parse(chatID int64, text string) (Parsed, error) {
	m := reminderPattern.FindStringSubmatch(text)
	if m == nil {
		return Parsed{}, ErrNotAReminder
	}
	token, body := m[1], m[3]
	if strings.TrimSpace(body) == "" {
		return Parsed{}, ErrNotAReminder
	}

	at, err := time.ParseInLocation(DateTimeLayout, token, p.loc)
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, token)
	}
	return Parsed{
		ChatID:      chatID,
		Message:     body,
		ScheduledAt: at,
	}, nil
}
