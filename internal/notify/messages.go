package notify

import (
	"fmt"
	"time"

	"tutorly/internal/events"
)

type message struct {
	userID int64
	text   string
}

func (n *Notifier) render(e events.Event) []message {
	switch e.Type {
	case events.BookingRequested:
		return []message{{e.TutorID, fmt.Sprintf("New booking request from student #%d with %v proposed slot(s).", e.StudentID, e.Data["proposed"])}}
	case events.BookingConfirmed:
		count := 0
		if ids, ok := e.Data["sessions"].([]string); ok {
			count = len(ids)
		}
		return []message{{e.StudentID, fmt.Sprintf("Your booking request was confirmed: %d session(s) scheduled.", count)}}
	case events.BookingRejected:
		text := "Your booking request was declined."
		if reason, _ := e.Data["reason"].(string); reason != "" {
			text = fmt.Sprintf("Your booking request was declined: %s.", reason)
		}
		return []message{{e.StudentID, text}}
	case events.BookingExpired:
		return []message{{e.StudentID, "Your booking request expired without a response from the tutor."}}
	case events.SessionReminder:
		return n.both(e, "Reminder: your session of %s is coming up.", "")
	case events.SessionStarted:
		return n.both(e, "Your session of %s is now in progress.", "")
	case events.SessionCompleted:
		return n.both(e, "Your session of %s has been completed.", "")
	case events.SessionCancelled:
		reason, _ := e.Data["reason"].(string)
		return n.both(e, "Your session of %s was cancelled.", reason)
	default:
		return nil
	}
}

func (n *Notifier) both(e events.Event, format, note string) []message {
	when := "unknown time"
	if start, ok := e.Data["scheduled_start"].(time.Time); ok {
		when = start.In(n.config.Location).Format("Mon 2 Jan 15:04")
	}
	text := fmt.Sprintf(format, when)
	if note != "" {
		text += " Reason: " + note
	}
	return []message{{e.StudentID, text}, {e.TutorID, text}}
}
