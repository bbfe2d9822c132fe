package booking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Ledger grants and returns units of timeslot capacity. It is the only
// writer of reserved_count.
type Ledger struct {
	slots TimeslotRepository
}

func NewLedger(slots TimeslotRepository) *Ledger {
	return &Ledger{slots: slots}
}

// Reserve takes one unit of capacity from the timeslot. Concurrent callers
// racing for the last unit get exactly one success; the rest see
// ErrFullyBooked. An inactive slot reports ErrNotAvailable.
func (l *Ledger) Reserve(ctx context.Context, timeslotID uuid.UUID) error {
	ok, err := l.slots.IncrementIfAvailable(ctx, timeslotID)
	if err != nil {
		return fmt.Errorf("reserve timeslot %s: %w", timeslotID, err)
	}
	if ok {
		return nil
	}

	ts, err := l.slots.GetByID(ctx, timeslotID)
	if err != nil {
		return fmt.Errorf("reserve timeslot %s: %w", timeslotID, err)
	}
	if !ts.IsActive {
		return fmt.Errorf("reserve timeslot %s: %w", timeslotID, ErrNotAvailable)
	}
	return fmt.Errorf("reserve timeslot %s: %w", timeslotID, ErrFullyBooked)
}

// Release returns one unit of capacity. The count never drops below zero.
func (l *Ledger) Release(ctx context.Context, timeslotID uuid.UUID) error {
	if err := l.slots.Decrement(ctx, timeslotID); err != nil {
		return fmt.Errorf("release timeslot %s: %w", timeslotID, err)
	}
	return nil
}
