package booking

import (
	"fmt"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusCheckedIn  Status = "CHECKED_IN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

// transitions is the complete table of legal moves. Anything absent is
// illegal; terminal states have no entry.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusConfirmed: true,
		StatusCheckedIn: true,
		StatusCancelled: true,
	},
	StatusConfirmed: {
		StatusCheckedIn: true,
		StatusNoShow:    true,
		StatusCancelled: true,
	},
	StatusCheckedIn: {
		StatusInProgress: true,
		StatusNoShow:     true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusCompleted: true,
	},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCheckedIn, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// HoldsReservation reports whether an appointment in s occupies a unit of
// its timeslot's capacity.
func (s Status) HoldsReservation() bool {
	return s != StatusCancelled && s != StatusNoShow
}

// releasesOnEntry reports whether moving into s gives the reservation back.
func (s Status) releasesOnEntry() bool {
	return s == StatusCancelled || s == StatusNoShow
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// TransitionError names the current and attempted status of an illegal move.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move appointment from %s to %s", e.From, e.To)
}

// Unwrap lets errors.Is(err, ErrInvalidState) match.
func (e *TransitionError) Unwrap() error { return ErrInvalidState }

// Transition validates from -> to.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
