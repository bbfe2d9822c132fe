package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/pkg/caltime"
)

// TxRunner runs fn inside one database transaction; repositories called
// with the ctx passed to fn take part in it.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type TimeslotRepository interface {
	CreateBatch(ctx context.Context, slots []*Timeslot) error
	GetByID(ctx context.Context, id uuid.UUID) (*Timeslot, error)
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date caltime.Date, availableOnly bool) ([]*Timeslot, error)
	// IncrementIfAvailable is the conditional reserve: it adds one to
	// reserved_count only when the slot is active and below capacity, and
	// reports whether a row was changed.
	IncrementIfAvailable(ctx context.Context, id uuid.UUID) (bool, error)
	// Decrement lowers reserved_count by one, never below zero.
	Decrement(ctx context.Context, id uuid.UUID) error
	DeactivateBySchedule(ctx context.Context, scheduleID uuid.UUID) (int64, error)
	DeleteUnreferencedBySchedule(ctx context.Context, scheduleID uuid.UUID) (int64, error)
	DetachBySchedule(ctx context.Context, scheduleID uuid.UUID) (int64, error)
	DeleteUnreferencedInWindow(ctx context.Context, doctorID uuid.UUID, date caltime.Date, start, end caltime.TimeOfDay) (int64, error)
	PurgeUnreferencedBefore(ctx context.Context, date caltime.Date) (int64, error)
}

type ScheduleRepository interface {
	Create(ctx context.Context, s *Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error)
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date caltime.Date) ([]*Schedule, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// LockDoctorDay serializes schedule changes for one doctor and date
	// until the surrounding transaction ends.
	LockDoctorDay(ctx context.Context, doctorID uuid.UUID, date caltime.Date) error
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate reads the appointment and row-locks it until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByTokenForUpdate(ctx context.Context, token string) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error
	ExistsActive(ctx context.Context, patientID, timeslotID uuid.UUID) (bool, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	// CountBlocking counts appointments for the doctor and date whose status
	// is not CANCELLED, NO_SHOW or COMPLETED.
	CountBlocking(ctx context.Context, doctorID uuid.UUID, date caltime.Date) (int, error)
	// ListStaleHolds returns ids of PENDING, unconfirmed appointments created
	// before cutoff, oldest first.
	ListStaleHolds(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}
