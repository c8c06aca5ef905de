package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/geo"
	"rollcall/internal/schedule"
	"rollcall/internal/session"
)

// ErrRequestInFlight rejects a double submit while a transition round trip
// is still outstanding. Orchestration guard, not part of the rejection
// taxonomy: the caller should disable the action until resolution.
var ErrRequestInFlight = errors.New("a check-in/check-out request is already in flight")

// LocationProvider yields the device's current position. Implementations
// should honor the context deadline; the orchestrator bounds every fetch.
type LocationProvider interface {
	Current(ctx context.Context) (geo.Fix, error)
}

// SessionView is one row of the UI-facing availability snapshot.
type SessionView struct {
	Session  session.Session
	State    SessionState
	Window   schedule.Window
	Selected bool

	CanCheckIn     bool
	CheckInReason  string
	CanCheckOut    bool
	CheckOutReason string
}

// Snapshot is the orchestrator's view of the day, recomputed from the
// registry and clock on every call so it cannot drift from source of truth.
type Snapshot struct {
	GeneratedAt       time.Time
	ActiveSessionID   string
	SelectedSessionID string
	LocationKnown     bool
	LocationError     string
	Sessions          []SessionView
}

// Orchestrator ties the evaluators, registry and machine together for one
// teacher's day: it refreshes location on a recurring tick, owns the
// current selection, and guards against concurrent transition submits.
// It never mutates attendance state itself.
type Orchestrator struct {
	machine  *Machine
	registry *session.Registry
	location LocationProvider
	cfg      Config

	tickInterval    time.Duration
	locationTimeout time.Duration

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time

	mu         sync.Mutex
	fix        *geo.Fix
	locErr     error
	selectedID string
	inFlight   bool
}

// NewOrchestrator creates an orchestrator. location may be nil when the
// device pushes fixes via ReportLocation instead of being polled.
func NewOrchestrator(machine *Machine, registry *session.Registry, location LocationProvider, cfg Config, tickInterval, locationTimeout time.Duration) *Orchestrator {
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	if locationTimeout <= 0 {
		locationTimeout = 20 * time.Second
	}
	return &Orchestrator{
		machine:         machine,
		registry:        registry,
		location:        location,
		cfg:             cfg,
		tickInterval:    tickInterval,
		locationTimeout: locationTimeout,
		Clock:           time.Now,
	}
}

// Start fetches the initial registry snapshot and selection.
func (o *Orchestrator) Start(ctx context.Context) error {
	if _, err := o.registry.Refresh(ctx); err != nil {
		return err
	}
	o.machine.Reconcile()
	o.autoSelect()
	return nil
}

// Run drives the recurring re-evaluation until ctx is cancelled. The window
// classification itself is pure; the tick only refreshes the inputs.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.refreshLocation(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ReportLocation records a device-pushed fix.
func (o *Orchestrator) ReportLocation(fix geo.Fix) {
	o.mu.Lock()
	o.fix = &fix
	o.locErr = nil
	o.mu.Unlock()
}

// CurrentFix returns the last known fix, nil when location is unavailable.
func (o *Orchestrator) CurrentFix() *geo.Fix {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fix == nil {
		return nil
	}
	f := *o.fix
	return &f
}

func (o *Orchestrator) refreshLocation(ctx context.Context) {
	if o.location == nil {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, o.locationTimeout)
	defer cancel()
	fix, err := o.location.Current(fetchCtx)
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		// No location is a retryable state, never a blocking one.
		o.fix = nil
		o.locErr = err
		log.Printf("location refresh failed: %v", err)
		return
	}
	o.fix = &fix
	o.locErr = nil
}

// Select sets the session the UI is focused on.
func (o *Orchestrator) Select(sessionID string) bool {
	if _, ok := o.registry.Get(sessionID); !ok {
		return false
	}
	o.mu.Lock()
	o.selectedID = sessionID
	o.mu.Unlock()
	return true
}

// autoSelect prefers the open session, then the earliest non-locked one,
// then the first session in schedule order.
func (o *Orchestrator) autoSelect() {
	id, ok := o.machine.ActiveSessionID()
	if !ok {
		if next, found := o.registry.NextSelectable(); found {
			id = next.ID
		}
	}
	o.mu.Lock()
	o.selectedID = id
	o.mu.Unlock()
}

// CheckIn submits a check-in through the machine with the last known fix,
// holding the single in-flight slot for the duration.
func (o *Orchestrator) CheckIn(ctx context.Context, sessionID string) (attendance.Receipt, error) {
	if !o.acquire() {
		return attendance.Receipt{}, ErrRequestInFlight
	}
	defer o.release()
	return o.machine.RequestCheckIn(ctx, sessionID, o.CurrentFix())
}

// CheckOut submits a check-out through the machine and advances the
// selection to the next actionable session on success. Returns the closed
// record's id.
func (o *Orchestrator) CheckOut(ctx context.Context, sessionID string) (string, error) {
	if !o.acquire() {
		return "", ErrRequestInFlight
	}
	defer o.release()
	recordID, err := o.machine.RequestCheckOut(ctx, sessionID, o.CurrentFix())
	if err != nil {
		return "", err
	}
	o.autoSelect()
	return recordID, nil
}

func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight {
		return false
	}
	o.inFlight = true
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.inFlight = false
	o.mu.Unlock()
}

// Snapshot recomputes the action availability for every session from the
// current registry snapshot, clock and fix.
func (o *Orchestrator) Snapshot() Snapshot {
	now := o.Clock()
	nowTod := schedule.At(now)
	fix := o.CurrentFix()

	o.mu.Lock()
	selectedID := o.selectedID
	locErr := o.locErr
	o.mu.Unlock()

	activeID, _ := o.machine.ActiveSessionID()

	snap := Snapshot{
		GeneratedAt:       now,
		ActiveSessionID:   activeID,
		SelectedSessionID: selectedID,
		LocationKnown:     fix != nil,
	}
	if locErr != nil {
		snap.LocationError = locErr.Error()
	}
	for _, s := range o.registry.Sessions() {
		status, _ := o.registry.StatusOf(s.ID)
		win := schedule.Classify(nowTod, s.Start, s.End, o.cfg.GraceMinutes)

		view := SessionView{
			Session:  s,
			State:    StateOf(status, win),
			Window:   win,
			Selected: s.ID == selectedID,
		}
		if kind := checkInRejection(status, win, fix, s, o.cfg.GeofenceEnforced); kind == "" {
			view.CanCheckIn = true
		} else {
			view.CheckInReason = kind.Reason()
		}
		if kind := checkOutRejection(s.ID, activeID, status, win); kind == "" {
			view.CanCheckOut = true
		} else {
			view.CheckOutReason = kind.Reason()
		}
		snap.Sessions = append(snap.Sessions, view)
	}
	return snap
}
