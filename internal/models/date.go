package models

import (
	"fmt"
	"time"
)

// RelativeDate labels a unix millisecond timestamp relative to now the way the chat list shows it:
// "Today", "Yesterday", "N days ago" within a week, and the calendar date after that. Days are counted
// as elapsed 24 hour periods.
func RelativeDate(ms int64, now time.Time) string {
	t := time.UnixMilli(ms)
	days := int(now.Sub(t) / (24 * time.Hour))

	switch {
	case days <= 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.In(now.Location()).Format("Jan 2, 2006")
	}
}
