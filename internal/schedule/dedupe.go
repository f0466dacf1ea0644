package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const keyPrefix = "rain-forecast"

// Scope names what a marker covers: a whole slot, or one city within it.
type Scope struct {
	Slot   string
	CityID string
}

func (s Scope) suffix() string {
	if s.CityID == "" {
		return s.Slot
	}
	return s.Slot + ":" + s.CityID
}

// DedupePolicy decides how a dispatch window is keyed and when an existing
// marker blocks another dispatch.
type DedupePolicy interface {
	Name() string
	Key(scope Scope, now time.Time) string
	// Blocks reports whether a marker holding value still blocks at now.
	Blocks(value string, now time.Time) bool
	TTL() time.Duration
	// FirstWins makes Mark use SetNX instead of Set.
	FirstWins() bool
}

// DayKeyed allows one dispatch per local calendar day.
type DayKeyed struct{}

func (DayKeyed) Name() string { return "day" }

func (DayKeyed) Key(scope Scope, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, now.Format("2006-01-02"), scope.suffix())
}

func (DayKeyed) Blocks(string, time.Time) bool { return true }

func (DayKeyed) TTL() time.Duration { return 36 * time.Hour }

func (DayKeyed) FirstWins() bool { return true }

// RollingHours blocks for Window after the last dispatch, across day
// boundaries.
type RollingHours struct {
	Window time.Duration
}

// DefaultRollingWindow is the window used by the interval timer.
const DefaultRollingWindow = 12 * time.Hour

func (RollingHours) Name() string { return "rolling" }

func (RollingHours) Key(scope Scope, _ time.Time) string {
	return fmt.Sprintf("%s:last:%s", keyPrefix, scope.suffix())
}

// Blocks parses value as unix milliseconds. An unreadable marker does not
// block.
func (r RollingHours) Blocks(value string, now time.Time) bool {
	ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return false
	}
	return now.Sub(time.UnixMilli(ms)) < r.window()
}

func (r RollingHours) TTL() time.Duration { return r.window() }

func (RollingHours) FirstWins() bool { return false }

func (r RollingHours) window() time.Duration {
	if r.Window <= 0 {
		return DefaultRollingWindow
	}
	return r.Window
}

// PolicyByName maps "day" and "rolling" (optionally "rolling:6h") to a policy.
func PolicyByName(name string) (DedupePolicy, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(strings.ToLower(name)), ":")
	switch kind {
	case "day", "":
		return DayKeyed{}, nil
	case "rolling":
		if arg == "" {
			return RollingHours{Window: DefaultRollingWindow}, nil
		}
		w, err := time.ParseDuration(arg)
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("invalid rolling window %q", arg)
		}
		return RollingHours{Window: w}, nil
	default:
		return nil, fmt.Errorf("unknown dedupe policy %q", name)
	}
}
