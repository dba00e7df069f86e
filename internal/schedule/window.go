package schedule

import (
	"time"

	"tankctl/internal/clock"
)

// InsideWindow reports whether t falls inside the lighting window.
//
// Same-day windows are [on, off). Overnight windows (on > off) wrap past
// midnight. on == off is an empty window.
func InsideWindow(on, off clock.TimeOfDay, t time.Time, loc *time.Location) bool {
	now := clock.Of(t, loc).Minutes()
	a, b := on.Minutes(), off.Minutes()
	switch {
	case a == b:
		return false
	case a < b:
		return a <= now && now < b
	default:
		return now >= a || now < b
	}
}

// NextEdge returns the first instant strictly after now whose wall time is tod.
func NextEdge(tod clock.TimeOfDay, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = now.Location()
	}
	n := now.In(loc)
	today := tod.On(n, loc)
	if today.After(n) {
		return today
	}
	y, m, d := n.Date()
	return time.Date(y, m, d+1, tod.Hour, tod.Minute, 0, 0, loc)
}

// lastEdge returns the latest instant at or before now whose wall time is tod.
func lastEdge(tod clock.TimeOfDay, now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	today := tod.On(n, loc)
	if !today.After(n) {
		return today
	}
	y, m, d := n.Date()
	return time.Date(y, m, d-1, tod.Hour, tod.Minute, 0, 0, loc)
}
