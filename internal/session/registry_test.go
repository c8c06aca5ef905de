package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/schedule"
)

type fakeProvider struct {
	sessions []Session
	err      error
}

func (p *fakeProvider) FetchTodaysSessions(ctx context.Context, teacherID string) ([]Session, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := make([]Session, len(p.sessions))
	copy(out, p.sessions)
	return out, nil
}

func tod(t *testing.T, s string) schedule.TimeOfDay {
	t.Helper()
	v, err := schedule.ParseTimeOfDay(s)
	require.NoError(t, err)
	return v
}

func open(recordID string) *AttendanceStatus {
	return &AttendanceStatus{RecordID: recordID, Open: true, CheckInTime: time.Now()}
}

func closed(recordID string) *AttendanceStatus {
	return &AttendanceStatus{RecordID: recordID, CheckInTime: time.Now(), CheckOutTime: time.Now()}
}

func TestRefreshSortsBySchedule(t *testing.T) {
	p := &fakeProvider{sessions: []Session{
		{ID: "late", Start: tod(t, "13:00"), End: tod(t, "14:30")},
		{ID: "early", Start: tod(t, "07:30"), End: tod(t, "09:00")},
		{ID: "mid", Start: tod(t, "09:00"), End: tod(t, "10:30")},
	}}
	r := NewRegistry(p, "t-1")
	sessions, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "mid", "late"}, ids(sessions))
}

func TestRefreshPropagatesProviderError(t *testing.T) {
	p := &fakeProvider{err: errors.New("boom")}
	r := NewRegistry(p, "t-1")
	_, err := r.Refresh(context.Background())
	assert.Error(t, err)
}

func TestStatusOfDerivation(t *testing.T) {
	p := &fakeProvider{sessions: []Session{
		{ID: "done", Start: tod(t, "07:30"), End: tod(t, "09:00"), Attendance: closed("r1")},
		{ID: "busy", Start: tod(t, "09:00"), End: tod(t, "10:30"), Attendance: open("r2")},
		{ID: "idle", Start: tod(t, "11:00"), End: tod(t, "12:30")},
	}}
	r := NewRegistry(p, "t-1")
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	st, ok := r.StatusOf("done")
	require.True(t, ok)
	assert.True(t, st.Locked)
	assert.False(t, st.HasOpenAttendance)
	assert.True(t, st.BlockedByOtherActive)

	st, ok = r.StatusOf("busy")
	require.True(t, ok)
	assert.False(t, st.Locked)
	assert.True(t, st.HasOpenAttendance)
	assert.False(t, st.BlockedByOtherActive)

	st, ok = r.StatusOf("idle")
	require.True(t, ok)
	assert.False(t, st.Locked)
	assert.False(t, st.HasOpenAttendance)
	assert.True(t, st.BlockedByOtherActive)

	_, ok = r.StatusOf("missing")
	assert.False(t, ok)
}

func TestActiveSessionIDReconciliation(t *testing.T) {
	p := &fakeProvider{sessions: []Session{
		{ID: "a", Start: tod(t, "09:00"), End: tod(t, "10:30"), Attendance: open("r1")},
		{ID: "b", Start: tod(t, "11:00"), End: tod(t, "12:30")},
	}}
	r := NewRegistry(p, "t-1")
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	id, ok := r.ActiveSessionID()
	require.True(t, ok)
	assert.Equal(t, "a", id)

	// The server closed the event; the next refresh must win over anything
	// remembered locally.
	p.sessions[0].Attendance = closed("r1")
	_, err = r.Refresh(context.Background())
	require.NoError(t, err)
	_, ok = r.ActiveSessionID()
	assert.False(t, ok)
}

func TestNextSelectable(t *testing.T) {
	p := &fakeProvider{sessions: []Session{
		{ID: "first", Start: tod(t, "07:30"), End: tod(t, "09:00"), Attendance: closed("r1")},
		{ID: "second", Start: tod(t, "09:00"), End: tod(t, "10:30")},
		{ID: "third", Start: tod(t, "11:00"), End: tod(t, "12:30")},
	}}
	r := NewRegistry(p, "t-1")
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	next, ok := r.NextSelectable()
	require.True(t, ok)
	assert.Equal(t, "second", next.ID)

	// All locked falls back to the first session in schedule order.
	p.sessions[1].Attendance = closed("r2")
	p.sessions[2].Attendance = closed("r3")
	_, err = r.Refresh(context.Background())
	require.NoError(t, err)
	next, ok = r.NextSelectable()
	require.True(t, ok)
	assert.Equal(t, "first", next.ID)
}

func TestSessionLocationLabel(t *testing.T) {
	assert.Equal(t, "Main Block 101", Session{Building: "Main Block", Room: "101"}.Location())
	assert.Equal(t, "101", Session{Room: "101"}.Location())
	assert.Equal(t, "Main Block", Session{Building: "Main Block"}.Location())
}

func ids(sessions []Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
