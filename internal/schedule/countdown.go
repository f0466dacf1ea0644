package schedule

import (
	"fmt"
	"time"
)

// Next returns the enabled schedule that fires soonest after now, together
// with its next fire time. A time equal to now counts as tomorrow.
func Next(schedules []Schedule, now time.Time) (Schedule, time.Time, bool) {
	var (
		best   Schedule
		bestAt time.Time
		found  bool
	)
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		at, err := s.Clock(now)
		if err != nil {
			continue
		}
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		if !found || at.Before(bestAt) {
			best, bestAt, found = s, at, true
		}
	}
	return best, bestAt, found
}

// FormatRemaining renders the time left until target.
func FormatRemaining(target, now time.Time) string {
	diff := target.Sub(now)
	if diff <= 0 {
		return "即将执行"
	}

	hours := int(diff / time.Hour)
	minutes := int((diff % time.Hour) / time.Minute)

	switch {
	case hours > 24:
		return fmt.Sprintf("%d天%d小时后", hours/24, hours%24)
	case hours > 0:
		return fmt.Sprintf("%d小时%d分钟后", hours, minutes)
	default:
		return fmt.Sprintf("%d分钟后", minutes)
	}
}
