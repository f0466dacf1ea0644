// Package slots resolves the effective configuration of a forecast slot from
// built-in defaults, process settings and the override document kept in the
// shared store.
package slots

import (
	"sort"
	"strconv"
	"strings"
)

// Target selects which forecast days a slot reports.
type Target string

const (
	TargetToday    Target = "today"
	TargetTomorrow Target = "tomorrow"
	TargetRange    Target = "range"
)

// Valid reports whether t is one of the known targets.
func (t Target) Valid() bool {
	switch t {
	case TargetToday, TargetTomorrow, TargetRange:
		return true
	}
	return false
}

// SlotConfig is the effective configuration of one slot. Days only matters
// when Target is range.
type SlotConfig struct {
	Enabled bool   `json:"enabled"`
	Target  Target `json:"target"`
	Days    int    `json:"days"`
}

// Effective is the merged view of every known slot.
type Effective struct {
	Enabled bool                  `json:"enabled"`
	Slots   map[string]SlotConfig `json:"slots"`
}

// DefaultSlots are the slots exposed by the config endpoint when SLOTS is unset.
var DefaultSlots = []string{"morning", "evening", "night"}

// SlotSettings are the per-slot process overrides
// (FORECAST_SLOT_{ID}_ENABLED|TARGET|DAYS). Nil means unset.
type SlotSettings struct {
	Enabled *bool
	Target  *Target
	Days    *int
}

// ProcessSettings is the process-level layer, read once at start.
type ProcessSettings struct {
	Days  int      // FORECAST_DAYS, one of 1..3
	Known []string // slots that may appear in the override document
	Slots map[string]SlotSettings
}

// DefaultTarget is the built-in target for a slot name.
func DefaultTarget(slot string) Target {
	switch strings.ToLower(slot) {
	case "morning":
		return TargetToday
	case "evening", "night":
		return TargetTomorrow
	default:
		return TargetRange
	}
}

// Base returns the base layer for slot: built-in defaults overridden by the
// process settings.
func (p ProcessSettings) Base(slot string) SlotConfig {
	cfg := SlotConfig{
		Enabled: true,
		Target:  DefaultTarget(slot),
		Days:    ClampDays(p.Days, 3),
	}
	s, ok := p.Slots[strings.ToLower(slot)]
	if !ok {
		return cfg
	}
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.Target != nil && s.Target.Valid() {
		cfg.Target = *s.Target
	}
	if s.Days != nil {
		cfg.Days = ClampDays(*s.Days, cfg.Days)
	}
	return cfg
}

// KnownSlots returns the configured slot list, or DefaultSlots.
func (p ProcessSettings) KnownSlots() []string {
	if len(p.Known) == 0 {
		return DefaultSlots
	}
	return p.Known
}

func (p ProcessSettings) known(slot string) bool {
	for _, k := range p.KnownSlots() {
		if k == slot {
			return true
		}
	}
	return false
}

// ClampDays returns d when it is 1, 2 or 3 and fallback otherwise.
func ClampDays(d, fallback int) int {
	if d >= 1 && d <= 3 {
		return d
	}
	if fallback >= 1 && fallback <= 3 {
		return fallback
	}
	return 3
}

// ParseEnabled reads a boolean flag leniently; unknown text yields fallback.
func ParseEnabled(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "false", "0", "no":
		return false
	case "true", "1", "yes":
		return true
	}
	return fallback
}

// SettingsFromEnv builds ProcessSettings from a list of KEY=VALUE pairs such
// as os.Environ().
func SettingsFromEnv(environ []string, days int, known []string) ProcessSettings {
	const prefix = "FORECAST_SLOT_"
	settings := ProcessSettings{
		Days:  ClampDays(days, 3),
		Known: known,
		Slots: make(map[string]SlotSettings),
	}

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		idx := strings.LastIndex(rest, "_")
		if idx <= 0 {
			continue
		}
		slot := strings.ToLower(rest[:idx])
		s := settings.Slots[slot]

		switch rest[idx+1:] {
		case "ENABLED":
			if strings.TrimSpace(value) == "" {
				continue
			}
			b := ParseEnabled(value, true)
			s.Enabled = &b
		case "TARGET":
			t := Target(strings.TrimSpace(value))
			if !t.Valid() {
				continue
			}
			s.Target = &t
		case "DAYS":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 1 || n > 3 {
				continue
			}
			s.Days = &n
		default:
			continue
		}
		settings.Slots[slot] = s
	}
	return settings
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
