package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrOpenEventExists is returned when a check-in would create a second event
// for the same session and day. The unique index on (session_id, day) is the
// server-side arbiter for duplicate taps and concurrent devices.
var ErrOpenEventExists = errors.New("attendance event already exists for session")

// ErrNoOpenEvent is returned when a check-out references a record that is
// missing or already closed.
var ErrNoOpenEvent = errors.New("no open attendance event")

const eventColumns = `id, session_id, teacher_id, day, checkin_at,
	checkin_lat, checkin_lng, checkin_accuracy_m, checkin_distance_m, checkin_in_range,
	checkout_at, checkout_lat, checkout_lng, checkout_accuracy_m, checkout_distance_m, checkout_in_range,
	status, created_at`

// Repository persists attendance events in Postgres. It is the engine's
// command sink: the state machine marks a transition only after these
// writes succeed.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SubmitCheckIn durably records a new check-in and returns its record id.
func (r *Repository) SubmitCheckIn(ctx context.Context, sessionID, teacherID string, obs Observation) (Receipt, error) {
	id := uuid.NewString()
	day := obs.At.Format("2006-01-02")
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_events
			(id, session_id, teacher_id, day, checkin_at,
			 checkin_lat, checkin_lng, checkin_accuracy_m,
			 checkin_distance_m, checkin_in_range, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'open')
	`, id, sessionID, teacherID, day, obs.At,
		obs.Position.Lat, obs.Position.Lng, obs.Position.AccuracyMeters,
		obs.DistanceMeters, obs.WithinRange)
	if err != nil {
		if isUniqueViolation(err) {
			return Receipt{}, ErrOpenEventExists
		}
		return Receipt{}, fmt.Errorf("insert check-in: %w", err)
	}
	return Receipt{RecordID: id}, nil
}

// SubmitCheckOut fills the check-out fields of an open event and closes it.
func (r *Repository) SubmitCheckOut(ctx context.Context, recordID string, obs Observation) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_events
		SET checkout_at = $2, checkout_lat = $3, checkout_lng = $4,
		    checkout_accuracy_m = $5, checkout_distance_m = $6,
		    checkout_in_range = $7, status = 'closed'
		WHERE id = $1 AND checkout_at IS NULL
	`, recordID, obs.At,
		obs.Position.Lat, obs.Position.Lng, obs.Position.AccuracyMeters,
		obs.DistanceMeters, obs.WithinRange)
	if err != nil {
		return fmt.Errorf("update check-out: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoOpenEvent
	}
	return nil
}

// GetEvent returns a single event by id.
func (r *Repository) GetEvent(ctx context.Context, id string) (Event, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM attendance_events WHERE id = $1`, id)
	return scanEvent(row)
}

// UpdateEventStatus sets the review status after worker processing.
func (r *Repository) UpdateEventStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_events SET status = $2 WHERE id = $1
	`, id, status)
	return err
}

// ListEvents returns events with basic filters, newest first.
func (r *Repository) ListEvents(ctx context.Context, teacherID, sessionID string, limit, offset int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + eventColumns + ` FROM attendance_events`
	args := []any{}
	clauses := []string{}
	if teacherID != "" {
		clauses = append(clauses, "teacher_id = $"+itoa(len(args)+1))
		args = append(args, teacherID)
	}
	if sessionID != "" {
		clauses = append(clauses, "session_id = $"+itoa(len(args)+1))
		args = append(args, sessionID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY checkin_at DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// OpenPastCutoff lists events on a day still open after the cutoff instant.
// The worker reports these for admin reconciliation; nothing auto-closes
// them.
func (r *Repository) OpenPastCutoff(ctx context.Context, day string, cutoff time.Time) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM attendance_events
		WHERE day = $1 AND checkout_at IS NULL AND checkin_at < $2 AND status = 'open'
	`, day, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		evt        Event
		outAt      sql.NullTime
		outLat     sql.NullFloat64
		outLng     sql.NullFloat64
		outAcc     sql.NullFloat64
		outDist    sql.NullFloat64
		outInRange sql.NullBool
	)
	if err := row.Scan(&evt.ID, &evt.SessionID, &evt.TeacherID, &evt.Day, &evt.CheckIn.At,
		&evt.CheckIn.Position.Lat, &evt.CheckIn.Position.Lng, &evt.CheckIn.Position.AccuracyMeters,
		&evt.CheckIn.DistanceMeters, &evt.CheckIn.WithinRange,
		&outAt, &outLat, &outLng, &outAcc, &outDist, &outInRange,
		&evt.Status, &evt.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, ErrNoOpenEvent
		}
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	if outAt.Valid {
		out := Observation{
			At:             outAt.Time,
			DistanceMeters: outDist.Float64,
			WithinRange:    outInRange.Bool,
		}
		out.Position.Lat = outLat.Float64
		out.Position.Lng = outLng.Float64
		out.Position.AccuracyMeters = outAcc.Float64
		evt.CheckOut = &out
	}
	return evt, nil
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

// isUniqueViolation matches Postgres error code 23505 without leaking the
// driver error type to callers.
func isUniqueViolation(err error) bool {
	var c interface{ SQLState() string }
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
