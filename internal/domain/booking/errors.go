package booking

import (
	"errors"
)

// Errors returned by the booking core. Call sites wrap them with context;
// match with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrFullyBooked         = errors.New("timeslot is fully booked")
	ErrNotAvailable        = errors.New("timeslot is not available")
	ErrDuplicate           = errors.New("duplicate booking")
	ErrInvalidState        = errors.New("invalid appointment state")
	ErrTooLateToCancel     = errors.New("too late to cancel")
	ErrOverlap             = errors.New("schedule overlaps an existing schedule")
	ErrUnauthorized        = errors.New("not authorized for this resource")
	ErrHasActiveDependents = errors.New("active appointments depend on this schedule")
	ErrInvalidInput        = errors.New("invalid input")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "NOT_FOUND"},
	{ErrFullyBooked, "FULLY_BOOKED"},
	{ErrNotAvailable, "NOT_AVAILABLE"},
	{ErrDuplicate, "DUPLICATE"},
	{ErrInvalidState, "INVALID_STATE"},
	{ErrTooLateToCancel, "TOO_LATE_TO_CANCEL"},
	{ErrOverlap, "OVERLAP"},
	{ErrUnauthorized, "UNAUTHORIZED"},
	{ErrHasActiveDependents, "HAS_ACTIVE_DEPENDENTS"},
	{ErrInvalidInput, "INVALID_INPUT"},
}

// ErrorCode returns the taxonomy name for err, or "INTERNAL" when err is not
// one of the booking errors.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "INTERNAL"
}
