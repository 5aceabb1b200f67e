// Package shiftcal implements the shift calendar: pure functions that decide
// whether a timestamp falls inside a named shift window and which calendar
// day the timestamp logically belongs to when the shift crosses midnight.
package shiftcal

import (
	"fmt"
	"strings"
	"time"
)

// ClockTime is a wall-clock time of day in minutes since midnight.
type ClockTime int

// ParseClock parses an "HH:MM" string into a ClockTime.
func ParseClock(s string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return ClockTime(h*60 + m), nil
}

// Shift is a named recurring daily time window. Start after End denotes a
// window that crosses midnight (e.g. 22:35-06:00).
type Shift struct {
	Label string
	Start ClockTime
	End   ClockTime
}

// NewShift builds a Shift from "HH:MM" bounds. A window whose start equals
// its end is degenerate (it would match a single instant, or with sloppy
// comparisons everything) and is rejected as a configuration error.
func NewShift(label, start, end string) (Shift, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Shift{}, fmt.Errorf("shift %s: %w", label, err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Shift{}, fmt.Errorf("shift %s: %w", label, err)
	}
	if s == e {
		return Shift{}, fmt.Errorf("shift %s: window start equals window end (%s)", label, start)
	}
	return Shift{Label: label, Start: s, End: e}, nil
}

// Crossing reports whether the shift window crosses midnight.
func (s Shift) Crossing() bool { return s.Start > s.End }

// clockOf extracts the wall-clock minutes of a timestamp.
func clockOf(ts time.Time) ClockTime {
	return ClockTime(ts.Hour()*60 + ts.Minute())
}

// InWindow reports whether the timestamp's time of day falls inside the
// shift window. Bounds are inclusive on both ends.
func (s Shift) InWindow(ts time.Time) bool {
	tod := clockOf(ts)
	if s.Crossing() {
		return tod >= s.Start || tod <= s.End
	}
	return tod >= s.Start && tod <= s.End
}

// LogicalDay returns the calendar date the timestamp is attributed to for
// this shift. For a crossing shift, a record stamped in the early-morning
// tail (at or before the window end) belongs to the shift that began the
// previous day. Timestamps outside the window have no logical day; ok is
// false.
func (s Shift) LogicalDay(ts time.Time) (time.Time, bool) {
	if !s.InWindow(ts) {
		return time.Time{}, false
	}
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
	if s.Crossing() && clockOf(ts) <= s.End {
		return day.AddDate(0, 0, -1), true
	}
	return day, true
}

// Calendar is the fixed, ordered set of shift definitions for a run.
type Calendar struct {
	shifts []Shift
}

// NewCalendar validates the shift definitions and preserves their order.
func NewCalendar(shifts []Shift) (*Calendar, error) {
	if len(shifts) == 0 {
		return nil, fmt.Errorf("calendar requires at least one shift")
	}
	seen := make(map[string]bool, len(shifts))
	for _, s := range shifts {
		if seen[s.Label] {
			return nil, fmt.Errorf("duplicate shift label %q", s.Label)
		}
		seen[s.Label] = true
	}
	out := make([]Shift, len(shifts))
	copy(out, shifts)
	return &Calendar{shifts: out}, nil
}

// Shifts returns the shifts in configured order.
func (c *Calendar) Shifts() []Shift { return c.shifts }

// timestampLayouts covers the portal export formats, day-first as the source
// feed writes them, plus the ISO forms sqlite round-trips produce.
var timestampLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp parses a record timestamp from the heterogeneous source
// feed. Blank or unparseable values return ok=false; such records are never
// assigned to a shift.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// SameDate reports whether two timestamps fall on the same calendar date.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
