package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rollcall/internal/schedule"
)

// PostgresProvider reads today's scheduled sessions and their attendance
// rows from Postgres.
type PostgresProvider struct {
	db *sql.DB
	// DefaultRadiusMeters is applied when a session row carries no
	// geofence radius of its own.
	DefaultRadiusMeters float64
}

// NewPostgresProvider creates a provider over an open connection pool.
func NewPostgresProvider(db *sql.DB, defaultRadiusMeters float64) *PostgresProvider {
	return &PostgresProvider{db: db, DefaultRadiusMeters: defaultRadiusMeters}
}

// FetchTodaysSessions returns the teacher's sessions scheduled for today's
// weekday, each enriched with today's attendance row when one exists.
func (p *PostgresProvider) FetchTodaysSessions(ctx context.Context, teacherID string) ([]Session, error) {
	now := time.Now()
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.occurrence_id, s.name, s.building, s.room,
		       s.lat, s.lng, s.radius_m, s.starts_at, s.ends_at,
		       a.id, a.checkin_at, a.checkout_at, a.checkin_in_range
		FROM class_sessions s
		LEFT JOIN attendance_events a
		       ON a.session_id = s.id AND a.day = $2
		WHERE s.teacher_id = $1 AND s.weekday = $3
		ORDER BY s.starts_at
	`, teacherID, now.Format("2006-01-02"), int(now.Weekday()))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s        Session
			radius   sql.NullFloat64
			startsAt string
			endsAt   string
			recordID sql.NullString
			checkIn  sql.NullTime
			checkOut sql.NullTime
			inRange  sql.NullBool
		)
		if err := rows.Scan(&s.ID, &s.OccurrenceID, &s.Name, &s.Building, &s.Room,
			&s.Target.Lat, &s.Target.Lng, &radius, &startsAt, &endsAt,
			&recordID, &checkIn, &checkOut, &inRange); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}

		s.RadiusMeters = p.DefaultRadiusMeters
		if radius.Valid && radius.Float64 > 0 {
			s.RadiusMeters = radius.Float64
		}
		if s.Start, err = schedule.ParseTimeOfDay(startsAt); err != nil {
			return nil, err
		}
		if s.End, err = schedule.ParseTimeOfDay(endsAt); err != nil {
			return nil, err
		}

		if recordID.Valid {
			s.Attendance = &AttendanceStatus{
				RecordID:      recordID.String,
				Open:          checkIn.Valid && !checkOut.Valid,
				CheckInTime:   checkIn.Time,
				CheckOutTime:  checkOut.Time,
				LocationMatch: inRange.Bool,
			}
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
