package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/pkg/caltime"
)

// Timeslot maps to the timeslot table: one capacity-bounded unit of a
// doctor's time. ReservedCount is changed only through the Ledger.
type Timeslot struct {
	ID            uuid.UUID         `json:"id"`
	ScheduleID    *uuid.UUID        `json:"schedule_id,omitempty"`
	DoctorID      uuid.UUID         `json:"doctor_id"`
	Date          caltime.Date      `json:"date"`
	StartTime     caltime.TimeOfDay `json:"start_time"`
	EndTime       caltime.TimeOfDay `json:"end_time"`
	MaxCapacity   int               `json:"max_capacity"`
	ReservedCount int               `json:"reserved_count"`
	IsActive      bool              `json:"is_active"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Available reports whether another reservation could be granted.
func (t *Timeslot) Available() bool {
	return t.IsActive && t.ReservedCount < t.MaxCapacity
}

// Start returns the slot's local start.
func (t *Timeslot) Start() caltime.DateTime {
	return caltime.DateTime{Date: t.Date, Time: t.StartTime}
}

// Schedule maps to the schedule table: a doctor's declared working window.
type Schedule struct {
	ID                  uuid.UUID         `json:"id"`
	DoctorID            uuid.UUID         `json:"doctor_id"`
	RoomID              *uuid.UUID        `json:"room_id,omitempty"`
	Date                caltime.Date      `json:"date"`
	StartTime           caltime.TimeOfDay `json:"start_time"`
	EndTime             caltime.TimeOfDay `json:"end_time"`
	SlotDurationMinutes int               `json:"slot_duration_minutes"`
	Capacity            int               `json:"capacity"`
	RecurrenceRule      *string           `json:"recurrence_rule,omitempty"`
	CreatedBy           string            `json:"created_by"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Overlaps applies the half-open interval test [s1,e1) x [s2,e2).
func (s *Schedule) Overlaps(start, end caltime.TimeOfDay) bool {
	return s.StartTime < end && start < s.EndTime
}

// Source records who initiated a booking.
type Source string

const (
	SourceOnline Source = "ONLINE"
	SourceWalkIn Source = "WALK_IN"
)

// Appointment maps to the appointment table. It always references the
// timeslot it reserved capacity from; DoctorID, Date and Time are copied
// from that timeslot.
type Appointment struct {
	ID                 uuid.UUID         `json:"id"`
	PatientID          uuid.UUID         `json:"patient_id"`
	DoctorID           uuid.UUID         `json:"doctor_id"`
	TimeslotID         uuid.UUID         `json:"timeslot_id"`
	AppointmentDate    caltime.Date      `json:"appointment_date"`
	AppointmentTime    caltime.TimeOfDay `json:"appointment_time"`
	Status             Status            `json:"status"`
	Source             Source            `json:"source"`
	Reason             *string           `json:"reason,omitempty"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
	ConfirmationToken  *string           `json:"-"`
	ConfirmationSentAt *time.Time        `json:"confirmation_sent_at,omitempty"`
	PatientConfirmed   bool              `json:"patient_confirmed"`
	PatientConfirmedAt *time.Time        `json:"patient_confirmed_at,omitempty"`
	CreatedBy          string            `json:"created_by"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Start returns the appointment's scheduled local start.
func (a *Appointment) Start() caltime.DateTime {
	return caltime.DateTime{Date: a.AppointmentDate, Time: a.AppointmentTime}
}

// placeOn copies the slot-derived fields from ts.
func (a *Appointment) placeOn(ts *Timeslot) {
	a.TimeslotID = ts.ID
	a.DoctorID = ts.DoctorID
	a.AppointmentDate = ts.Date
	a.AppointmentTime = ts.StartTime
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
