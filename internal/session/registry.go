package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Status is the derived per-session state the registry reports. Computed
// fresh from the last fetch, never cached per session.
type Status struct {
	// Locked means a completed check-out exists for today; the session is
	// read-only for the rest of the day.
	Locked bool
	// HasOpenAttendance means a check-in with no check-out exists.
	HasOpenAttendance bool
	// BlockedByOtherActive means some other session holds the open
	// check-in, so this one is not actionable.
	BlockedByOtherActive bool
}

// Registry holds the day's sessions for one teacher. The server-side rows,
// not local memory, are authoritative: every Refresh replaces the snapshot
// wholesale and the active-session pointer is re-derived from it.
type Registry struct {
	provider  Provider
	teacherID string

	mu       sync.RWMutex
	sessions []Session
}

// NewRegistry creates a registry backed by a session provider.
func NewRegistry(provider Provider, teacherID string) *Registry {
	return &Registry{provider: provider, teacherID: teacherID}
}

// Refresh replaces the snapshot with the provider's current view, sorted by
// scheduled start time.
func (r *Registry) Refresh(ctx context.Context) ([]Session, error) {
	sessions, err := r.provider.FetchTodaysSessions(ctx, r.teacherID)
	if err != nil {
		return nil, fmt.Errorf("fetch sessions: %w", err)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Start < sessions[j].Start
	})

	r.mu.Lock()
	r.sessions = sessions
	r.mu.Unlock()
	return sessions, nil
}

// Sessions returns the last fetched snapshot in schedule order.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Get returns the session with the given id from the snapshot.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return Session{}, false
}

// StatusOf derives the registry-level status for one session.
func (r *Registry) StatusOf(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		found  bool
		status Status
	)
	for _, s := range r.sessions {
		open := s.OpenAttendance()
		if s.ID == id {
			found = true
			status.Locked = s.Completed()
			status.HasOpenAttendance = open
		} else if open {
			status.BlockedByOtherActive = true
		}
	}
	if !found {
		return Status{}, false
	}
	return status, true
}

// ActiveSessionID reconciles the "currently checked in" pointer from the
// snapshot: set exactly when one session has an open check-in.
func (r *Registry) ActiveSessionID() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.OpenAttendance() {
			return s.ID, true
		}
	}
	return "", false
}

// NextSelectable returns the earliest-scheduled session that is not yet
// locked, falling back to the first session when all are locked.
func (r *Registry) NextSelectable() (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sessions) == 0 {
		return Session{}, false
	}
	for _, s := range r.sessions {
		if !s.Completed() {
			return s, true
		}
	}
	return r.sessions[0], true
}
