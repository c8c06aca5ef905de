package attendance

import (
	"time"

	"rollcall/internal/geo"
)

// Event is one check-in record, with check-out fields filled once the
// teacher checks out. Rows are never deleted by this engine.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TeacherID string    `json:"teacher_id"`
	Day       string    `json:"day"` // YYYY-MM-DD

	CheckIn  Observation  `json:"check_in"`
	CheckOut *Observation `json:"check_out,omitempty"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Observation captures where and when a check action happened.
type Observation struct {
	At             time.Time `json:"at"`
	Position       geo.Fix   `json:"position"`
	DistanceMeters float64   `json:"distance_m"`
	WithinRange    bool      `json:"within_range"`
}

// Receipt confirms a durably recorded check-in.
type Receipt struct {
	RecordID string
}
