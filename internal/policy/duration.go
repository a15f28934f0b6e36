package policy

import (
	"fmt"
	"time"
)

const secondsPerDay = 86400

// FormatLockDuration renders a lockout duration as a human-readable phrase.
// Days are whole days of the total; the minute and second tiers work on the
// remainder within the last day. Everything truncates toward zero.
func FormatLockDuration(d time.Duration) string {
	total := int(d / time.Second)
	days := total / secondsPerDay
	rem := total % secondsPerDay

	switch {
	case days > 1:
		return fmt.Sprintf("%d days", days)
	case days == 1:
		return "a day"
	case rem >= 120:
		return fmt.Sprintf("%d minutes", rem/60)
	case rem >= 60:
		return "a minute"
	default:
		return fmt.Sprintf("%d seconds", rem)
	}
}
