package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/geo"
	"rollcall/internal/schedule"
	"rollcall/internal/session"
)

// SessionState is the per-session state the machine reports. States are
// mutually exclusive.
type SessionState string

const (
	// StateLocked means attendance is completed for today; terminal.
	StateLocked SessionState = "locked"
	// StateOpen means checked in, awaiting check-out.
	StateOpen SessionState = "open"
	// StateEligible means no attendance yet and the window is actionable.
	StateEligible SessionState = "eligible"
	// StateBlocked means no attendance yet and the session is gated by the
	// time window or by another session's open check-in.
	StateBlocked SessionState = "blocked"
)

// CommandSink durably records transitions. The machine mutates local state
// only after the sink confirms a write.
type CommandSink interface {
	SubmitCheckIn(ctx context.Context, sessionID, teacherID string, obs attendance.Observation) (attendance.Receipt, error)
	SubmitCheckOut(ctx context.Context, recordID string, obs attendance.Observation) error
}

// Config carries the engine policy knobs.
type Config struct {
	GraceMinutes     int
	GeofenceEnforced bool
}

// Machine validates check-in/check-out requests for one teacher's day and
// owns the single "currently open session" pointer. The registry snapshot is
// authoritative: every request starts with a refresh so stale local state
// never overrides a fresher server-confirmed state.
type Machine struct {
	registry  *session.Registry
	sink      CommandSink
	teacherID string
	cfg       Config

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time

	mu             sync.Mutex
	activeID       string
	activeRecordID string
}

// NewMachine creates a machine over a registry and command sink.
func NewMachine(registry *session.Registry, sink CommandSink, teacherID string, cfg Config) *Machine {
	return &Machine{
		registry:  registry,
		sink:      sink,
		teacherID: teacherID,
		cfg:       cfg,
		Clock:     time.Now,
	}
}

// ActiveSessionID returns the session currently holding an open check-in.
func (m *Machine) ActiveSessionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID, m.activeID != ""
}

// Reconcile re-derives the active-session pointer from the registry
// snapshot. Called after every refresh.
func (m *Machine) Reconcile() {
	id, ok := m.registry.ActiveSessionID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		m.activeID = ""
		m.activeRecordID = ""
		return
	}
	m.activeID = id
	if s, found := m.registry.Get(id); found && s.Attendance != nil {
		m.activeRecordID = s.Attendance.RecordID
	}
}

// StateOf collapses registry status and window classification into the
// machine's per-session state.
func StateOf(status session.Status, win schedule.Window) SessionState {
	switch {
	case status.Locked:
		return StateLocked
	case status.HasOpenAttendance:
		return StateOpen
	case win.State == schedule.Active && !status.BlockedByOtherActive:
		return StateEligible
	default:
		return StateBlocked
	}
}

// checkInRejection returns the rejection that forbids a check-in right now,
// or "" when the request may proceed. Shared by the transition path and the
// orchestrator's availability snapshot so the two cannot drift.
func checkInRejection(status session.Status, win schedule.Window, fix *geo.Fix, sess session.Session, enforced bool) RejectionKind {
	if status.Locked {
		return AlreadyCompleted
	}
	if status.HasOpenAttendance {
		return AlreadyCompleted
	}
	if status.BlockedByOtherActive {
		return AnotherSessionOpen
	}
	switch win.State {
	case schedule.BeforeStart:
		return NotYetStarted
	case schedule.CheckoutGrace, schedule.DeadlinePassed:
		return AlreadyEnded
	}
	if fix == nil {
		return LocationUnavailable
	}
	if enforced && !geo.WithinGeofence(fix.Coordinate, sess.Target, sess.RadiusMeters) {
		return OutOfRange
	}
	return ""
}

// checkOutRejection mirrors checkInRejection for the check-out path.
// activeID is the session currently holding the open check-in, "" when none.
func checkOutRejection(sessionID, activeID string, status session.Status, win schedule.Window) RejectionKind {
	if activeID != "" && activeID != sessionID {
		return WrongSession
	}
	if status.Locked {
		return AlreadyCompleted
	}
	if !status.HasOpenAttendance {
		// Never checked in, so there is nothing to close.
		return WrongSession
	}
	switch win.State {
	case schedule.DeadlinePassed:
		return DeadlinePassed
	case schedule.BeforeStart, schedule.Active:
		return TooEarly
	}
	return ""
}

// RequestCheckIn validates and records a check-in for the session. On sink
// success the session becomes the machine's open session; on any rejection
// or sink failure state is unchanged.
func (m *Machine) RequestCheckIn(ctx context.Context, sessionID string, fix *geo.Fix) (attendance.Receipt, error) {
	if _, err := m.registry.Refresh(ctx); err != nil {
		return attendance.Receipt{}, rejectErr(SinkFailure, sessionID, err)
	}
	m.Reconcile()

	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return attendance.Receipt{}, fmt.Errorf("session %s not in today's registry", sessionID)
	}
	status, _ := m.registry.StatusOf(sessionID)

	now := m.Clock()
	win := schedule.Classify(schedule.At(now), sess.Start, sess.End, m.cfg.GraceMinutes)

	if kind := checkInRejection(status, win, fix, sess, m.cfg.GeofenceEnforced); kind != "" {
		rejectionsTotal.WithLabelValues("checkin", string(kind)).Inc()
		return attendance.Receipt{}, reject(kind, sessionID)
	}

	// The distance and in-range flag are recorded even when enforcement is
	// off, for the audit trail.
	obs := observe(now, fix, sess)
	receipt, err := m.sink.SubmitCheckIn(ctx, sessionID, m.teacherID, obs)
	if err != nil {
		if errors.Is(err, attendance.ErrOpenEventExists) {
			// Another device won the race; the registry knows better
			// than we do.
			return attendance.Receipt{}, m.rejectAfterRace(ctx, sessionID, err)
		}
		rejectionsTotal.WithLabelValues("checkin", string(SinkFailure)).Inc()
		return attendance.Receipt{}, rejectErr(SinkFailure, sessionID, err)
	}

	m.mu.Lock()
	m.activeID = sessionID
	m.activeRecordID = receipt.RecordID
	m.mu.Unlock()
	transitionsTotal.WithLabelValues("checkin").Inc()

	if _, err := m.registry.Refresh(ctx); err == nil {
		m.Reconcile()
	}
	return receipt, nil
}

// RequestCheckOut validates and records a check-out for the session. On sink
// success the session locks for the day, the open pointer clears and the
// closed record's id is returned.
func (m *Machine) RequestCheckOut(ctx context.Context, sessionID string, fix *geo.Fix) (string, error) {
	if _, err := m.registry.Refresh(ctx); err != nil {
		return "", rejectErr(SinkFailure, sessionID, err)
	}
	m.Reconcile()

	sess, ok := m.registry.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("session %s not in today's registry", sessionID)
	}
	status, _ := m.registry.StatusOf(sessionID)

	m.mu.Lock()
	activeID, recordID := m.activeID, m.activeRecordID
	m.mu.Unlock()

	now := m.Clock()
	win := schedule.Classify(schedule.At(now), sess.Start, sess.End, m.cfg.GraceMinutes)

	if kind := checkOutRejection(sessionID, activeID, status, win); kind != "" {
		rejectionsTotal.WithLabelValues("checkout", string(kind)).Inc()
		return "", reject(kind, sessionID)
	}

	obs := observe(now, fix, sess)
	if err := m.sink.SubmitCheckOut(ctx, recordID, obs); err != nil {
		if errors.Is(err, attendance.ErrNoOpenEvent) {
			return "", m.rejectAfterRace(ctx, sessionID, err)
		}
		rejectionsTotal.WithLabelValues("checkout", string(SinkFailure)).Inc()
		return "", rejectErr(SinkFailure, sessionID, err)
	}

	m.mu.Lock()
	m.activeID = ""
	m.activeRecordID = ""
	m.mu.Unlock()
	transitionsTotal.WithLabelValues("checkout").Inc()

	if _, err := m.registry.Refresh(ctx); err == nil {
		m.Reconcile()
	}
	return recordID, nil
}

// rejectAfterRace forces a refresh and reports the server-resolved outcome
// of a concurrent-device race as a typed rejection.
func (m *Machine) rejectAfterRace(ctx context.Context, sessionID string, cause error) error {
	if _, err := m.registry.Refresh(ctx); err == nil {
		m.Reconcile()
	}
	status, ok := m.registry.StatusOf(sessionID)
	kind := AlreadyCompleted
	if ok && status.BlockedByOtherActive {
		kind = AnotherSessionOpen
	}
	rejectionsTotal.WithLabelValues("race", string(kind)).Inc()
	return rejectErr(kind, sessionID, cause)
}

// observe builds the audit record for a transition. A missing fix records
// zero coordinates with WithinRange false; the time window and identity
// checks have already passed by the time this runs.
func observe(now time.Time, fix *geo.Fix, sess session.Session) attendance.Observation {
	obs := attendance.Observation{At: now}
	if fix != nil {
		obs.Position = *fix
		obs.DistanceMeters = geo.Distance(fix.Coordinate, sess.Target)
		obs.WithinRange = obs.DistanceMeters <= sess.RadiusMeters
	}
	return obs
}
