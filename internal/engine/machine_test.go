package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/geo"
	"rollcall/internal/schedule"
	"rollcall/internal/session"
)

// fakeServer plays both collaborators: the session-list provider and the
// command sink. Its rows are the source of truth, as the real server is.
type fakeServer struct {
	mu       sync.Mutex
	sessions []session.Session
	nextID   int

	failCheckInWith  error
	failCheckOutWith error
	checkIns         []attendance.Observation
	checkOuts        []attendance.Observation
}

func (f *fakeServer) FetchTodaysSessions(ctx context.Context, teacherID string) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Session, len(f.sessions))
	for i, s := range f.sessions {
		if s.Attendance != nil {
			att := *s.Attendance
			s.Attendance = &att
		}
		out[i] = s
	}
	return out, nil
}

func (f *fakeServer) SubmitCheckIn(ctx context.Context, sessionID, teacherID string, obs attendance.Observation) (attendance.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCheckInWith != nil {
		return attendance.Receipt{}, f.failCheckInWith
	}
	for i := range f.sessions {
		if f.sessions[i].ID != sessionID {
			continue
		}
		if f.sessions[i].Attendance != nil {
			return attendance.Receipt{}, attendance.ErrOpenEventExists
		}
		f.nextID++
		recordID := fmt.Sprintf("rec-%d", f.nextID)
		f.sessions[i].Attendance = &session.AttendanceStatus{
			RecordID:      recordID,
			Open:          true,
			CheckInTime:   obs.At,
			LocationMatch: obs.WithinRange,
		}
		f.checkIns = append(f.checkIns, obs)
		return attendance.Receipt{RecordID: recordID}, nil
	}
	return attendance.Receipt{}, errors.New("unknown session")
}

func (f *fakeServer) SubmitCheckOut(ctx context.Context, recordID string, obs attendance.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCheckOutWith != nil {
		return f.failCheckOutWith
	}
	for i := range f.sessions {
		att := f.sessions[i].Attendance
		if att != nil && att.RecordID == recordID && att.Open {
			att.Open = false
			att.CheckOutTime = obs.At
			f.checkOuts = append(f.checkOuts, obs)
			return nil
		}
	}
	return attendance.ErrNoOpenEvent
}

// classSession is the canonical 09:00-10:30 session at the origin with a
// 50 m geofence.
func classSession(id string, start, end string) session.Session {
	return session.Session{
		ID:           id,
		OccurrenceID: id + "-occ",
		Name:         "Algebra",
		Building:     "Main Block",
		Room:         "101",
		Target:       geo.Coordinate{Lat: 0, Lng: 0},
		RadiusMeters: 50,
		Start:        mustTod(start),
		End:          mustTod(end),
	}
}

func mustTod(s string) schedule.TimeOfDay {
	v, err := schedule.ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return v
}

// testClock is a settable wall clock pinned to minute precision.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) set(hhmm string) {
	tod := mustTod(hhmm)
	c.mu.Lock()
	c.now = time.Date(2026, 3, 9, int(tod)/60, int(tod)%60, 0, 0, time.Local)
	c.mu.Unlock()
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newTestMachine(t *testing.T, srv *fakeServer, cfg Config) (*Machine, *testClock) {
	t.Helper()
	registry := session.NewRegistry(srv, "t-1")
	m := NewMachine(registry, srv, "t-1", cfg)
	clock := &testClock{}
	clock.set("00:00")
	m.Clock = clock.Now
	return m, clock
}

func atTarget() *geo.Fix {
	return &geo.Fix{Coordinate: geo.Coordinate{Lat: 0, Lng: 0}, AccuracyMeters: 5}
}

func kindOf(t *testing.T, err error) RejectionKind {
	t.Helper()
	rej, ok := RejectionFrom(err)
	require.True(t, ok, "expected a typed rejection, got %v", err)
	return rej.Kind
}

func TestCheckInWindowBoundaries(t *testing.T) {
	cfg := Config{GraceMinutes: 30, GeofenceEnforced: true}
	ctx := context.Background()

	tests := []struct {
		now      string
		wantKind RejectionKind // "" means the check-in must succeed
	}{
		{"08:59", NotYetStarted},
		{"09:00", ""},
		{"10:30", ""},
		{"10:31", AlreadyEnded},
		{"11:01", AlreadyEnded},
	}
	for _, tt := range tests {
		t.Run(tt.now, func(t *testing.T) {
			srv := &fakeServer{sessions: []session.Session{classSession("s1", "09:00", "10:30")}}
			m, clock := newTestMachine(t, srv, cfg)
			clock.set(tt.now)

			_, err := m.RequestCheckIn(ctx, "s1", atTarget())
			if tt.wantKind == "" {
				require.NoError(t, err)
				id, ok := m.ActiveSessionID()
				require.True(t, ok)
				assert.Equal(t, "s1", id)
			} else {
				assert.Equal(t, tt.wantKind, kindOf(t, err))
				_, ok := m.ActiveSessionID()
				assert.False(t, ok)
			}
		})
	}
}

func TestCheckOutWindowBoundaries(t *testing.T) {
	cfg := Config{GraceMinutes: 30, GeofenceEnforced: true}
	ctx := context.Background()

	tests := []struct {
		now      string
		wantKind RejectionKind
	}{
		{"10:29", TooEarly},
		{"10:31", ""},
		{"11:00", ""},
		{"11:01", DeadlinePassed},
	}
	for _, tt := range tests {
		t.Run(tt.now, func(t *testing.T) {
			srv := &fakeServer{sessions: []session.Session{classSession("s1", "09:00", "10:30")}}
			m, clock := newTestMachine(t, srv, cfg)

			clock.set("09:05")
			_, err := m.RequestCheckIn(ctx, "s1", atTarget())
			require.NoError(t, err)

			clock.set(tt.now)
			_, err = m.RequestCheckOut(ctx, "s1", atTarget())
			if tt.wantKind == "" {
				require.NoError(t, err)
				_, ok := m.ActiveSessionID()
				assert.False(t, ok, "open pointer must clear after check-out")
				st, found := srv.statusOf("s1")
				require.True(t, found)
				assert.False(t, st.Open)
			} else {
				assert.Equal(t, tt.wantKind, kindOf(t, err))
				id, ok := m.ActiveSessionID()
				require.True(t, ok, "rejection must leave the open session open")
				assert.Equal(t, "s1", id)
			}
		})
	}
}

func TestMutualExclusion(t *testing.T) {
	cfg := Config{GraceMinutes: 30, GeofenceEnforced: true}
	ctx := context.Background()
	srv := &fakeServer{sessions: []session.Session{
		classSession("x", "09:00", "10:30"),
		classSession("y", "09:00", "10:30"),
	}}
	m, clock := newTestMachine(t, srv, cfg)

	clock.set("09:05")
	_, err := m.RequestCheckIn(ctx, "x", atTarget())
	require.NoError(t, err)

	clock.set("09:10")
	_, err = m.RequestCheckIn(ctx, "y", atTarget())
	assert.Equal(t, AnotherSessionOpen, kindOf(t, err))

	// Invariant: at most one open session after any sequence of requests.
	// A session with no attendance row reports a nil status.
	openCount := 0
	for _, id := range []string{"x", "y"} {
		if st, ok := srv.statusOf(id); ok && st != nil && st.Open {
			openCount++
		}
	}
	assert.Equal(t, 1, openCount)

	stY, ok := srv.statusOf("y")
	require.True(t, ok)
	assert.Nil(t, stY, "rejected check-in must leave no attendance row")
}

func TestNoTimeTravelAfterLock(t *testing.T) {
	cfg := Config{GraceMinutes: 60, GeofenceEnforced: true}
	ctx := context.Background()
	// Wide grace so a second check-in attempt lands back inside an
	// otherwise-actionable instant: the lock alone must refuse it.
	srv := &fakeServer{sessions: []session.Session{classSession("s1", "09:00", "10:30")}}
	m, clock := newTestMachine(t, srv, cfg)

	clock.set("09:05")
	_, err := m.RequestCheckIn(ctx, "s1", atTarget())
	require.NoError(t, err)

	clock.set("10:31")
	_, err = m.RequestCheckOut(ctx, "s1", atTarget())
	require.NoError(t, err)

	clock.set("10:31")
	_, err = m.RequestCheckIn(ctx, "s1", atTarget())
	assert.Equal(t, AlreadyCompleted, kindOf(t, err))

	_, err = m.RequestCheckOut(ctx, "s1", atTarget())
	assert.Equal(t, AlreadyCompleted, kindOf(t, err))
}

func TestWrongSessionCheckOut(t *testing.T) {
	cfg := Config{GraceMinutes: 30, GeofenceEnforced: true}
	ctx := context.Background()
	srv := &fakeServer{sessions: []session.Session{
		classSession("x", "07:00", "08:30"),
		classSession("y", "07:00", "08:30"),
	}}
	m, clock := newTestMachine(t, srv, cfg)

	clock.set("07:05")
	_, err := m.RequestCheckIn(ctx, "x", atTarget())
	require.NoError(t, err)

	// y's own window is in checkout grace, but the teacher is checked
	// into x.
	clock.set("08:31")
	_, err = m.RequestCheckOut(ctx, "y", atTarget())
	assert.Equal(t, WrongSession, kindOf(t, err))

	// Checking out of a session never checked into is also WrongSession.
	srv2 := &fakeServer{sessions: []session.Session{classSession("z", "07:00", "08:30")}}
	m2, clock2 := newTestMachine(t, srv2, cfg)
	clock2.set("08:31")
	_, err = m2.RequestCheckOut(ctx, "z", atTarget())
	assert.Equal(t, WrongSession, kindOf(t, err))
}

func TestGeofenceEnforcement(t *testing.T) {
	ctx := context.Background()

	t.Run("out of range rejected", func(t *testing.T) {
		srv := &fakeServer{sessions: []session.Session{classSession("s1", "09:00", "10:30")}}
		m, clock := newTestMachine(t, srv, Config{GraceMinutes: 30, GeofenceEnforced: true})
		clock.set("09:05")

		far := &geo.Fix{Coordinate: geo.Coordinate{Lat: 0, Lng: 0.00046}} // ~51 m
		_, err := m.RequestCheckIn(ctx, "s1", far)
		assert.Equal(t, OutOfRange, kindOf(t, err))

		near := &geo.Fix{Coordinate: geo.Coordinate{Lat: 0, Lng: 0.00044}} // ~49 m
		_, err = m.RequestCheckIn(ctx, "s1", near)
		assert.NoError(t, err)
	})

	t.Run("enforcement off still records distance", func(t *testing.T) {
		srv := &fakeServer{sessions: []session.Session{classSession("s1", "09:00", "10:30")}}
		m, clock := newTestMachine(t, srv, Config{GraceMinutes: 30, GeofenceEnforced: false})
		clock.set("09:05")

		fiveKmOut := &geo.Fix{Coordinate: geo.Coordinate{Lat: 0, Lng: 0.045}}
		_, err := m.RequestCheckIn(ctx, "s1", fiveKmOut)
		require.NoError(t, err)

		require.Len(t, srv.checkIns, 1)
		obs := srv.checkIns[0]
		assert.False(t, obs.WithinRange)
		assert.InDelta(t, 5000, obs.DistanceMeters, 50)
	})
}

func TestLocationUnavailable(t *testing.T) {
	ctx := context.Background()
	srv := &fakeServer{sessions: []session.Session{classSession("s1", "09:00", "10:30")}}
	m, clock := newTestMachine(t, srv, Config{GraceMinutes: 30, GeofenceEnforced: true})
	clock.set("09:05")

	_, err := m.RequestCheckIn(ctx, "s1", nil)
	assert.Equal(t, LocationUnavailable, kindOf(t, err))

	// The machine stays retry-safe: the same request with a fix succeeds.
	_, err = m.RequestCheckIn(ctx, "s1", atTarget())
	assert.NoError(t, err)
}

func TestWriteAfterConfirm(t *testing.T) {
	ctx := context.Background()
	srv := &fakeServer{sessions: []session.Session{classSession("s1", "09:00", "10:30")}}
	srv.failCheckInWith = errors.New("network down")
	m, clock := newTestMachine(t, srv, Config{GraceMinutes: 30, GeofenceEnforced: true})
	clock.set("09:05")

	_, err := m.RequestCheckIn(ctx, "s1", atTarget())
	assert.Equal(t, SinkFailure, kindOf(t, err))
	assert.ErrorContains(t, err, "network down")

	// No optimistic mutation happened anywhere.
	_, ok := m.ActiveSessionID()
	assert.False(t, ok)
	st, found := srv.statusOf("s1")
	require.True(t, found)
	assert.Nil(t, st)

	// Retry at user initiative succeeds once the sink recovers.
	srv.mu.Lock()
	srv.failCheckInWith = nil
	srv.mu.Unlock()
	_, err = m.RequestCheckIn(ctx, "s1", atTarget())
	assert.NoError(t, err)
}

func TestIdempotentRejection(t *testing.T) {
	ctx := context.Background()
	srv := &fakeServer{sessions: []session.Session{classSession("s1", "09:00", "10:30")}}
	m, clock := newTestMachine(t, srv, Config{GraceMinutes: 30, GeofenceEnforced: true})
	clock.set("08:00")

	for i := 0; i < 3; i++ {
		_, err := m.RequestCheckIn(ctx, "s1", atTarget())
		assert.Equal(t, NotYetStarted, kindOf(t, err), "attempt %d", i)
	}
}

func TestServerRaceMapsToTypedRejection(t *testing.T) {
	ctx := context.Background()
	srv := &fakeServer{sessions: []session.Session{classSession("s1", "09:00", "10:30")}}
	// The duplicate row lands between our refresh and our insert.
	srv.failCheckInWith = attendance.ErrOpenEventExists
	m, clock := newTestMachine(t, srv, Config{GraceMinutes: 30, GeofenceEnforced: true})
	clock.set("09:05")

	_, err := m.RequestCheckIn(ctx, "s1", atTarget())
	assert.Equal(t, AlreadyCompleted, kindOf(t, err))
	assert.ErrorIs(t, err, attendance.ErrOpenEventExists)
}

func TestUnknownSessionIsContractViolation(t *testing.T) {
	ctx := context.Background()
	srv := &fakeServer{sessions: []session.Session{classSession("s1", "09:00", "10:30")}}
	m, clock := newTestMachine(t, srv, Config{GraceMinutes: 30, GeofenceEnforced: true})
	clock.set("09:05")

	_, err := m.RequestCheckIn(ctx, "ghost", atTarget())
	require.Error(t, err)
	_, ok := RejectionFrom(err)
	assert.False(t, ok, "unknown session is not a typed rejection")
}

func TestStateOf(t *testing.T) {
	active := schedule.Window{State: schedule.Active}
	before := schedule.Window{State: schedule.BeforeStart}

	assert.Equal(t, StateLocked, StateOf(session.Status{Locked: true}, active))
	assert.Equal(t, StateOpen, StateOf(session.Status{HasOpenAttendance: true}, active))
	assert.Equal(t, StateEligible, StateOf(session.Status{}, active))
	assert.Equal(t, StateBlocked, StateOf(session.Status{}, before))
	assert.Equal(t, StateBlocked, StateOf(session.Status{BlockedByOtherActive: true}, active))
}

// statusOf inspects the fake server's rows directly.
func (f *fakeServer) statusOf(id string) (*session.AttendanceStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID == id {
			if s.Attendance == nil {
				return nil, true
			}
			att := *s.Attendance
			return &att, true
		}
	}
	return nil, false
}
