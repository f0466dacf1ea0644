// Package schedule decides when a slot or alert schedule is due and whether a
// dispatch window has already been served.
package schedule

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultTolerance is how far from its HH:MM a schedule still counts as due.
const DefaultTolerance = 2 * time.Minute

var validate = validator.New()

// Schedule is a daily wall-clock trigger.
type Schedule struct {
	ID      string `json:"id" validate:"required"`
	Time    string `json:"time" validate:"required,datetime=15:04"`
	Enabled bool   `json:"enabled"`
	// Target is "today" or "tomorrow" for alert schedules, empty for slots.
	Target string `json:"target,omitempty" validate:"omitempty,oneof=today tomorrow"`
}

// Validate checks the schedule fields.
func (s Schedule) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("schedule %q: %w", s.ID, err)
	}
	return nil
}

// Clock returns the schedule time on now's calendar day, in now's location.
func (s Schedule) Clock(now time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", s.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule %q: invalid time %q", s.ID, s.Time)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
}

// Due reports whether s is enabled and now lies within tolerance of its
// clock time. The distance wraps around midnight, so 23:59 is one minute
// from 00:00. Seconds are ignored.
func Due(s Schedule, now time.Time, tolerance time.Duration) bool {
	if !s.Enabled {
		return false
	}
	at, err := s.Clock(now)
	if err != nil {
		return false
	}

	const day = 24 * 60
	cur := now.Hour()*60 + now.Minute()
	want := at.Hour()*60 + at.Minute()
	diff := cur - want
	if diff < 0 {
		diff = -diff
	}
	if day-diff < diff {
		diff = day - diff
	}
	return time.Duration(diff)*time.Minute <= tolerance
}
