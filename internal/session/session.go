package session

import (
	"context"
	"time"

	"rollcall/internal/geo"
	"rollcall/internal/schedule"
)

// Session is one scheduled class occurrence for the current day.
type Session struct {
	// ID is stable per scheduled slot; OccurrenceID is stable per
	// timetable entry feeding it.
	ID           string
	OccurrenceID string

	Name     string
	Building string
	Room     string

	Target       geo.Coordinate
	RadiusMeters float64

	Start schedule.TimeOfDay
	End   schedule.TimeOfDay

	// Attendance is the server-reported attendance state for today,
	// nil when no event has been recorded yet.
	Attendance *AttendanceStatus
}

// AttendanceStatus is the persisted attendance state the provider enriches
// each session with.
type AttendanceStatus struct {
	RecordID      string
	Open          bool
	CheckInTime   time.Time
	CheckOutTime  time.Time
	LocationMatch bool
}

// Location renders the building/room label shown to the teacher.
func (s Session) Location() string {
	if s.Building == "" {
		return s.Room
	}
	if s.Room == "" {
		return s.Building
	}
	return s.Building + " " + s.Room
}

// Completed reports whether attendance is fully recorded for today.
func (s Session) Completed() bool {
	return s.Attendance != nil && !s.Attendance.Open && !s.Attendance.CheckOutTime.IsZero()
}

// OpenAttendance reports a check-in with no check-out yet.
func (s Session) OpenAttendance() bool {
	return s.Attendance != nil && s.Attendance.Open
}

// Provider returns today's scheduled sessions for a teacher, enriched with
// persisted attendance status. Implementations never mutate remote state.
type Provider interface {
	FetchTodaysSessions(ctx context.Context, teacherID string) ([]Session, error)
}
