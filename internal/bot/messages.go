package bot

import (
	"fmt"
	"strings"

	"remindbot/internal/reminder"
	"remindbot/internal/transport"
)

const (
	replyAdded       = "Reminder added!"
	replyInvalidDate = "Invalid date/time format. Expected: " + reminder.FormatHint
	replySaveFailed  = "Could not save the reminder, please try again later."
	replyNoPending   = "You have no pending reminders."

	listLimit = 20
)

// Commands is the menu published to the chat platform.
var Commands = []transport.BotCommand{
	{Command: "start", Description: "Greeting and input format"},
	{Command: "help", Description: "How to write a reminder"},
	{Command: "list", Description: "Show pending reminders"},
}

func greeting(firstName string) string {
	name := strings.TrimSpace(firstName)
	if name == "" {
		name = "Hi"
	} else {
		name += ", hi"
	}
	return fmt.Sprintf("%s! I'm a reminder bot. Send me a reminder in the format:\n%s", name, reminder.FormatHint)
}

func helpText() string {
	return "Send a message in the format:\n" + reminder.FormatHint + "\n\n" +
		"Example: 31.12.2030 23:59 С Новым годом!\n\n" +
		"The reminder text may use punctuation and non-Latin letters. " +
		"Messages whose text contains Latin letters, digits or underscores are ignored.\n\n" +
		"/list shows your pending reminders."
}

func pendingList(tasks []reminder.Task, p *reminder.Parser) string {
	if len(tasks) == 0 {
		return replyNoPending
	}
	var b strings.Builder
	b.WriteString("Pending reminders:")
	for _, t := range tasks {
		b.WriteString("\n")
		b.WriteString(t.ScheduledAt.In(p.Location()).Format(reminder.DateTimeLayout))
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(t.Message))
	}
	return b.String()
}
