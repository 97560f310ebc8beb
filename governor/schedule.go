package governor

import (
	"fmt"
	"time"
)

// Mode is the operating mode selected from wall-clock time. The modes are
// mutually exclusive; the fixed-charge window wins when windows overlap.
type Mode int

const (
	// ModeOff is any time outside the configured windows: chargers are
	// commanded off, subject to the on-to-off lockout.
	ModeOff Mode = iota
	// ModeFixedCharge commands the configured fixed current regardless of
	// solar or battery conditions.
	ModeFixedCharge
	// ModeDaytime derives charging current from excess solar power under
	// SOC and threshold gating.
	ModeDaytime
)

func (m Mode) String() string {
	switch m {
	case ModeFixedCharge:
		return "fixed"
	case ModeDaytime:
		return "daytime-automated"
	default:
		return "disabled"
	}
}

// ClockMinute is a time of day expressed as minutes since midnight.
type ClockMinute int

// ParseClock parses an "HH:MM" string.
func ParseClock(s string) (ClockMinute, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return ClockMinute(t.Hour()*60 + t.Minute()), nil
}

func (c ClockMinute) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// TimeWindowPolicy maps wall-clock time in a configured timezone to a Mode.
// It holds no mutable state; classification is purely a function of time.
type TimeWindowPolicy struct {
	SwitchOn   ClockMinute
	SwitchOff  ClockMinute
	FixedStart ClockMinute
	FixedEnd   ClockMinute
	Location   *time.Location
}

// Classify returns the mode for the given instant. Fixed-charge takes
// precedence over the daytime window when they overlap.
func (p TimeWindowPolicy) Classify(now time.Time) Mode {
	local := now.In(p.Location)
	m := ClockMinute(local.Hour()*60 + local.Minute())

	if inWindow(m, p.FixedStart, p.FixedEnd) {
		return ModeFixedCharge
	}
	if inWindow(m, p.SwitchOn, p.SwitchOff) {
		return ModeDaytime
	}
	return ModeOff
}

// AfterSwitchOff reports whether the instant is at or past the daily
// switch-off time (and before midnight).
func (p TimeWindowPolicy) AfterSwitchOff(now time.Time) bool {
	local := now.In(p.Location)
	m := ClockMinute(local.Hour()*60 + local.Minute())
	return m >= p.SwitchOff
}

// DaytimeReachable reports whether any minute of the day classifies as
// ModeDaytime. A false result with a non-empty daytime window means the
// fixed-charge window swallows it entirely, which is a configuration error.
func (p TimeWindowPolicy) DaytimeReachable() bool {
	for m := ClockMinute(0); m < 24*60; m++ {
		if !inWindow(m, p.FixedStart, p.FixedEnd) && inWindow(m, p.SwitchOn, p.SwitchOff) {
			return true
		}
	}
	return false
}

// inWindow tests m against [start, end), wrapping past midnight when
// start > end. An empty window (start == end) matches nothing.
func inWindow(m, start, end ClockMinute) bool {
	if start == end {
		return false
	}
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}
