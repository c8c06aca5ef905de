package schedule

import (
	"fmt"
	"time"
)

// TimeOfDay is minutes since midnight. Sessions start and end within one
// calendar day, so minute arithmetic is all the evaluator needs.
type TimeOfDay int

// At converts a wall-clock instant to its minute of day.
func At(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// WindowState classifies "now" against a session's scheduled window.
type WindowState int

const (
	// BeforeStart means the session has not begun; check-in is not yet legal.
	BeforeStart WindowState = iota
	// Active means the session is in progress; check-in is legal, check-out is not.
	Active
	// CheckoutGrace means the session has ended and the check-out window is open.
	CheckoutGrace
	// DeadlinePassed means the grace period has elapsed; no action is legal.
	DeadlinePassed
)

func (s WindowState) String() string {
	switch s {
	case BeforeStart:
		return "before_start"
	case Active:
		return "active"
	case CheckoutGrace:
		return "checkout_grace"
	case DeadlinePassed:
		return "deadline_passed"
	}
	return "unknown"
}

// Window is the result of classifying an instant against a session window.
type Window struct {
	State WindowState
	// TimeUntilStart is how long until the session begins; zero unless
	// State is BeforeStart.
	TimeUntilStart time.Duration
	// TimeUntilDeadline is how long the check-out window stays open; zero
	// unless State is CheckoutGrace.
	TimeUntilDeadline time.Duration
}

// Classify places now into exactly one window state. Boundaries: now == start
// and now == end are both Active, the grace window opens strictly after end,
// now == end+grace is still CheckoutGrace, one minute later is DeadlinePassed.
func Classify(now, start, end TimeOfDay, graceMinutes int) Window {
	deadline := end + TimeOfDay(graceMinutes)
	switch {
	case now < start:
		return Window{
			State:          BeforeStart,
			TimeUntilStart: time.Duration(start-now) * time.Minute,
		}
	case now <= end:
		return Window{State: Active}
	case now <= deadline:
		return Window{
			State:             CheckoutGrace,
			TimeUntilDeadline: time.Duration(deadline-now) * time.Minute,
		}
	default:
		return Window{State: DeadlinePassed}
	}
}
