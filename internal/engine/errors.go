package engine

import (
	"errors"
	"fmt"
)

// RejectionKind identifies why a requested transition was refused. Every
// rejection leaves the machine in its prior valid state; callers may retry
// once conditions change.
type RejectionKind string

const (
	AlreadyCompleted    RejectionKind = "already_completed"
	AnotherSessionOpen  RejectionKind = "another_session_open"
	WrongSession        RejectionKind = "wrong_session"
	NotYetStarted       RejectionKind = "not_yet_started"
	TooEarly            RejectionKind = "too_early"
	AlreadyEnded        RejectionKind = "already_ended"
	DeadlinePassed      RejectionKind = "deadline_passed"
	OutOfRange          RejectionKind = "out_of_range"
	LocationUnavailable RejectionKind = "location_unavailable"
	SinkFailure         RejectionKind = "sink_failure"
)

// reasons maps each kind to the label the UI shows next to a disabled action.
var reasons = map[RejectionKind]string{
	AlreadyCompleted:    "attendance for this session is already completed",
	AnotherSessionOpen:  "another session is still checked in",
	WrongSession:        "you are checked into a different session",
	NotYetStarted:       "the session has not started yet",
	TooEarly:            "check-out opens after the scheduled end time",
	AlreadyEnded:        "the session has already ended",
	DeadlinePassed:      "the check-out deadline has passed, contact administration",
	OutOfRange:          "location is out of range",
	LocationUnavailable: "current location is unavailable, try again",
	SinkFailure:         "recording attendance failed, try again",
}

// Reason returns the human-readable label for a kind.
func (k RejectionKind) Reason() string {
	if r, ok := reasons[k]; ok {
		return r
	}
	return string(k)
}

// Rejection is a typed, non-fatal refusal of a check-in or check-out.
type Rejection struct {
	Kind      RejectionKind
	SessionID string
	// Err carries the underlying collaborator error for SinkFailure and
	// LocationUnavailable rejections.
	Err error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.SessionID, r.Kind.Reason(), r.Err)
	}
	return fmt.Sprintf("%s: %s", r.SessionID, r.Kind.Reason())
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(kind RejectionKind, sessionID string) error {
	return &Rejection{Kind: kind, SessionID: sessionID}
}

func rejectErr(kind RejectionKind, sessionID string, err error) error {
	return &Rejection{Kind: kind, SessionID: sessionID, Err: err}
}

// RejectionFrom extracts the typed rejection from an error chain.
func RejectionFrom(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
