package booking

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/pkg/caltime"
)

// CreateScheduleRequest declares a doctor's working window for one date.
type CreateScheduleRequest struct {
	DoctorID            uuid.UUID         `json:"doctor_id"`
	RoomID              *uuid.UUID        `json:"room_id,omitempty"`
	Date                caltime.Date      `json:"date"`
	StartTime           caltime.TimeOfDay `json:"start_time"`
	EndTime             caltime.TimeOfDay `json:"end_time"`
	SlotDurationMinutes int               `json:"slot_duration_minutes"`
	Capacity            int               `json:"capacity"`
	RecurrenceRule      string            `json:"recurrence_rule,omitempty"`
}

// ScheduleManager creates and removes schedules together with the
// timeslots generated from them.
type ScheduleManager struct {
	settings
	tx        TxRunner
	schedules ScheduleRepository
	slots     TimeslotRepository
	appts     AppointmentRepository
}

func NewScheduleManager(tx TxRunner, schedules ScheduleRepository, slots TimeslotRepository, appts AppointmentRepository, opts ...Option) *ScheduleManager {
	return &ScheduleManager{
		settings:  buildSettings(opts),
		tx:        tx,
		schedules: schedules,
		slots:     slots,
		appts:     appts,
	}
}

func (m *ScheduleManager) validate(req CreateScheduleRequest) error {
	now := m.clock.Local()
	var problem string
	switch {
	case req.DoctorID == uuid.Nil:
		problem = "doctor_id is required"
	case req.Date.IsZero():
		problem = "date is required"
	case !req.StartTime.Valid() || !req.EndTime.Valid():
		problem = "start_time and end_time must fall within one day"
	case req.StartTime >= req.EndTime:
		problem = "start_time must be before end_time"
	case req.SlotDurationMinutes <= 0:
		problem = "slot_duration_minutes must be positive"
	case req.Capacity <= 0:
		problem = "capacity must be positive"
	case req.EndTime.Minutes()-req.StartTime.Minutes() < req.SlotDurationMinutes:
		problem = "window is shorter than one slot"
	case req.Date.Before(now.Date):
		problem = "date " + req.Date.String() + " is in the past"
	case req.Date == now.Date && req.StartTime < now.Time:
		problem = "start_time " + req.StartTime.String() + " has already passed today"
	}
	if problem != "" {
		return fmt.Errorf("%s: %w", problem, ErrInvalidInput)
	}
	return nil
}

// CreateSchedule persists the schedule and generates its timeslots in one
// transaction. Unreferenced timeslots already inside the window are replaced.
func (m *ScheduleManager) CreateSchedule(ctx context.Context, actor auth.Actor, req CreateScheduleRequest) (*Schedule, []*Timeslot, error) {
	if err := requireStaff(actor, "create schedule"); err != nil {
		return nil, nil, err
	}
	if err := m.validate(req); err != nil {
		return nil, nil, err
	}

	var (
		out   *Schedule
		slots []*Timeslot
	)
	err := runTx(ctx, m.tx, &m.settings, func(ctx context.Context, fx *effects) error {
		if err := m.schedules.LockDoctorDay(ctx, req.DoctorID, req.Date); err != nil {
			return fmt.Errorf("lock doctor day: %w", err)
		}
		existing, err := m.schedules.ListByDoctorDate(ctx, req.DoctorID, req.Date)
		if err != nil {
			return fmt.Errorf("list schedules: %w", err)
		}
		for _, s := range existing {
			if s.StartTime == req.StartTime && s.EndTime == req.EndTime {
				return fmt.Errorf("schedule %s-%s on %s: %w", req.StartTime, req.EndTime, req.Date, ErrDuplicate)
			}
		}
		for _, s := range existing {
			if s.Overlaps(req.StartTime, req.EndTime) {
				return fmt.Errorf("window %s-%s collides with schedule %s (%s-%s): %w",
					req.StartTime, req.EndTime, s.ID, s.StartTime, s.EndTime, ErrOverlap)
			}
		}

		s := &Schedule{
			DoctorID:            req.DoctorID,
			RoomID:              req.RoomID,
			Date:                req.Date,
			StartTime:           req.StartTime,
			EndTime:             req.EndTime,
			SlotDurationMinutes: req.SlotDurationMinutes,
			Capacity:            req.Capacity,
			RecurrenceRule:      strPtr(req.RecurrenceRule),
			CreatedBy:           actor.Subject,
		}
		if err := m.schedules.Create(ctx, s); err != nil {
			return fmt.Errorf("create schedule: %w", err)
		}
		if _, err := m.slots.DeleteUnreferencedInWindow(ctx, s.DoctorID, s.Date, s.StartTime, s.EndTime); err != nil {
			return fmt.Errorf("clear timeslots: %w", err)
		}
		generated := GenerateTimeslots(s)
		if err := m.slots.CreateBatch(ctx, generated); err != nil {
			return fmt.Errorf("create timeslots: %w", err)
		}

		fx.audit(actor, "schedule.create", map[string]string{
			"schedule_id": s.ID.String(),
			"doctor_id":   s.DoctorID.String(),
			"date":        s.Date.String(),
			"window":      s.StartTime.String() + "-" + s.EndTime.String(),
			"timeslots":   strconv.Itoa(len(generated)),
		})
		out, slots = s, generated
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, slots, nil
}

// DeleteSchedule removes a schedule and its timeslots. Any appointment on
// that doctor and date that is not CANCELLED, NO_SHOW or COMPLETED blocks
// the delete. Timeslots still referenced by finished appointments are
// deactivated and detached instead of deleted.
//
// doctorID may be uuid.Nil; otherwise it must own the schedule.
func (m *ScheduleManager) DeleteSchedule(ctx context.Context, actor auth.Actor, doctorID, scheduleID uuid.UUID) error {
	if err := requireStaff(actor, "delete schedule"); err != nil {
		return err
	}
	return runTx(ctx, m.tx, &m.settings, func(ctx context.Context, fx *effects) error {
		s, err := m.schedules.GetByID(ctx, scheduleID)
		if err != nil {
			return err
		}
		if doctorID != uuid.Nil && s.DoctorID != doctorID {
			return fmt.Errorf("schedule %s for doctor %s: %w", scheduleID, doctorID, ErrNotFound)
		}
		if err := m.schedules.LockDoctorDay(ctx, s.DoctorID, s.Date); err != nil {
			return fmt.Errorf("lock doctor day: %w", err)
		}

		// Deactivating first waits out in-flight reservations on these rows
		// and refuses new ones, so the count below cannot go stale.
		if _, err := m.slots.DeactivateBySchedule(ctx, s.ID); err != nil {
			return fmt.Errorf("deactivate timeslots: %w", err)
		}
		n, err := m.appts.CountBlocking(ctx, s.DoctorID, s.Date)
		if err != nil {
			return fmt.Errorf("count appointments: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%d appointment(s) on %s: %w", n, s.Date, ErrHasActiveDependents)
		}

		deleted, err := m.slots.DeleteUnreferencedBySchedule(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("delete timeslots: %w", err)
		}
		detached, err := m.slots.DetachBySchedule(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("detach timeslots: %w", err)
		}
		if err := m.schedules.Delete(ctx, s.ID); err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}

		fx.audit(actor, "schedule.delete", map[string]string{
			"schedule_id":        s.ID.String(),
			"doctor_id":          s.DoctorID.String(),
			"date":               s.Date.String(),
			"timeslots_deleted":  strconv.FormatInt(deleted, 10),
			"timeslots_detached": strconv.FormatInt(detached, 10),
		})
		return nil
	})
}

// ListSchedules returns a doctor's schedules for a date, earliest first.
func (m *ScheduleManager) ListSchedules(ctx context.Context, doctorID uuid.UUID, date caltime.Date) ([]*Schedule, error) {
	if doctorID == uuid.Nil || date.IsZero() {
		return nil, fmt.Errorf("doctor_id and date are required: %w", ErrInvalidInput)
	}
	return m.schedules.ListByDoctorDate(ctx, doctorID, date)
}

// ListTimeslots returns a doctor's timeslots for a date. With availableOnly
// set, inactive and full slots are left out.
func (m *ScheduleManager) ListTimeslots(ctx context.Context, doctorID uuid.UUID, date caltime.Date, availableOnly bool) ([]*Timeslot, error) {
	if doctorID == uuid.Nil || date.IsZero() {
		return nil, fmt.Errorf("doctor_id and date are required: %w", ErrInvalidInput)
	}
	return m.slots.ListByDoctorDate(ctx, doctorID, date, availableOnly)
}
