//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/domain/booking"
	"github.com/clinicops/clinic/pkg/caltime"
)

func TestBooking_ConcurrentReservationsRespectCapacity(t *testing.T) {
	resetTables(t)
	s := newStack(t)
	ctx := context.Background()

	const capacity, extra = 3, 7
	_, slots := createSchedule(t, s, uuid.New(), futureDate(2),
		caltime.NewTimeOfDay(9, 0), caltime.NewTimeOfDay(9, 30), 30, capacity)
	if len(slots) != 1 {
		t.Fatalf("expected 1 timeslot, got %d", len(slots))
	}
	slotID := slots[0].ID

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		booked   int
		full     int
		unexpect []error
	)
	for i := 0; i < capacity+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.CreateBooking(ctx, receptionist(), booking.CreateBookingRequest{
				PatientID:  uuid.New(),
				TimeslotID: slotID,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				booked++
			case errors.Is(err, booking.ErrFullyBooked):
				full++
			default:
				unexpect = append(unexpect, err)
			}
		}()
	}
	wg.Wait()

	if len(unexpect) > 0 {
		t.Fatalf("unexpected errors: %v", unexpect)
	}
	if booked != capacity || full != extra {
		t.Errorf("expected %d booked and %d fully booked, got %d and %d", capacity, extra, booked, full)
	}
	if got := reservedCount(t, s, slotID); got != capacity {
		t.Errorf("expected reserved_count %d, got %d", capacity, got)
	}
}

func TestBooking_ConcurrentDuplicateRejected(t *testing.T) {
	resetTables(t)
	s := newStack(t)
	ctx := context.Background()

	_, slots := createSchedule(t, s, uuid.New(), futureDate(2),
		caltime.NewTimeOfDay(10, 0), caltime.NewTimeOfDay(10, 30), 30, 5)
	slotID := slots[0].ID
	patientID := uuid.New()

	const attempts = 4
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.svc.CreateBooking(ctx, receptionist(), booking.CreateBookingRequest{
				PatientID:  patientID,
				TimeslotID: slotID,
			})
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, booking.ErrDuplicate):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != attempts-1 {
		t.Errorf("expected 1 booking and %d duplicates, got %d and %d", attempts-1, ok, dup)
	}
	if got := reservedCount(t, s, slotID); got != 1 {
		t.Errorf("expected reserved_count 1 after rolled back duplicates, got %d", got)
	}
}

func TestBooking_RescheduleMovesReservation(t *testing.T) {
	resetTables(t)
	s := newStack(t)
	ctx := context.Background()

	_, slots := createSchedule(t, s, uuid.New(), futureDate(3),
		caltime.NewTimeOfDay(9, 0), caltime.NewTimeOfDay(10, 0), 30, 1)
	if len(slots) != 2 {
		t.Fatalf("expected 2 timeslots, got %d", len(slots))
	}
	first, second := slots[0].ID, slots[1].ID

	a, err := s.svc.CreateBooking(ctx, receptionist(), booking.CreateBookingRequest{PatientID: uuid.New(), TimeslotID: first})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}

	moved, err := s.svc.RescheduleBooking(ctx, receptionist(), a.ID, second)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if moved.TimeslotID != second || moved.AppointmentTime != slots[1].StartTime {
		t.Errorf("expected appointment on second slot, got %+v", moved)
	}
	if reservedCount(t, s, first) != 0 || reservedCount(t, s, second) != 1 {
		t.Errorf("expected counts 0/1, got %d/%d", reservedCount(t, s, first), reservedCount(t, s, second))
	}

	// The vacated slot is bookable again; moving back onto a full slot fails
	// and leaves the original reservation in place.
	other, err := s.svc.CreateBooking(ctx, receptionist(), booking.CreateBookingRequest{PatientID: uuid.New(), TimeslotID: first})
	if err != nil {
		t.Fatalf("book vacated slot: %v", err)
	}
	if _, err := s.svc.RescheduleBooking(ctx, receptionist(), other.ID, second); !errors.Is(err, booking.ErrFullyBooked) {
		t.Fatalf("expected ErrFullyBooked, got %v", err)
	}
	if reservedCount(t, s, first) != 1 || reservedCount(t, s, second) != 1 {
		t.Errorf("expected counts 1/1 after failed move, got %d/%d", reservedCount(t, s, first), reservedCount(t, s, second))
	}
}

func TestBooking_CancelReleasesCapacity(t *testing.T) {
	resetTables(t)
	s := newStack(t)
	ctx := context.Background()

	_, slots := createSchedule(t, s, uuid.New(), futureDate(4),
		caltime.NewTimeOfDay(14, 0), caltime.NewTimeOfDay(14, 15), 15, 1)
	slotID := slots[0].ID

	a, err := s.svc.CreateBooking(ctx, receptionist(), booking.CreateBookingRequest{PatientID: uuid.New(), TimeslotID: slotID})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	cancelled, err := s.svc.CancelBooking(ctx, receptionist(), a.ID, "patient called")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != booking.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}
	if _, err := s.svc.CancelBooking(ctx, receptionist(), a.ID, "again"); err != nil {
		t.Errorf("expected repeated cancel to succeed, got %v", err)
	}
	if got := reservedCount(t, s, slotID); got != 0 {
		t.Errorf("expected reserved_count 0, got %d", got)
	}

	// The same patient may book the slot again once the first is cancelled.
	if _, err := s.svc.CreateBooking(ctx, receptionist(), booking.CreateBookingRequest{PatientID: a.PatientID, TimeslotID: slotID}); err != nil {
		t.Errorf("rebook after cancel: %v", err)
	}
}

func TestSchedule_OverlapAndDeleteBlocking(t *testing.T) {
	resetTables(t)
	s := newStack(t)
	ctx := context.Background()
	doctorID := uuid.New()
	date := futureDate(5)

	sched, slots := createSchedule(t, s, doctorID, date,
		caltime.NewTimeOfDay(8, 0), caltime.NewTimeOfDay(12, 0), 60, 2)
	if len(slots) != 4 {
		t.Fatalf("expected 4 timeslots, got %d", len(slots))
	}

	_, _, err := s.schedules.CreateSchedule(ctx, receptionist(), booking.CreateScheduleRequest{
		DoctorID:            doctorID,
		Date:                date,
		StartTime:           caltime.NewTimeOfDay(11, 0),
		EndTime:             caltime.NewTimeOfDay(13, 0),
		SlotDurationMinutes: 30,
		Capacity:            1,
	})
	if !errors.Is(err, booking.ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}

	// Touching windows do not overlap.
	createSchedule(t, s, doctorID, date, caltime.NewTimeOfDay(12, 0), caltime.NewTimeOfDay(13, 0), 30, 1)

	a, err := s.svc.CreateBooking(ctx, receptionist(), booking.CreateBookingRequest{PatientID: uuid.New(), TimeslotID: slots[1].ID})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	if err := s.schedules.DeleteSchedule(ctx, receptionist(), doctorID, sched.ID); !errors.Is(err, booking.ErrHasActiveDependents) {
		t.Fatalf("expected ErrHasActiveDependents, got %v", err)
	}
	remaining, err := s.schedules.ListTimeslots(ctx, doctorID, date, true)
	if err != nil {
		t.Fatalf("list timeslots: %v", err)
	}
	if len(remaining) != 6 {
		t.Errorf("expected rejected delete to leave 6 bookable slots, got %d", len(remaining))
	}

	if _, err := s.svc.CancelBooking(ctx, receptionist(), a.ID, "clinic closed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.schedules.DeleteSchedule(ctx, receptionist(), doctorID, sched.ID); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}

	// The cancelled appointment keeps its timeslot row, detached and inactive.
	kept, err := s.slots.GetByID(ctx, slots[1].ID)
	if err != nil {
		t.Fatalf("referenced timeslot should survive: %v", err)
	}
	if kept.IsActive || kept.ScheduleID != nil {
		t.Errorf("expected inactive detached slot, got active=%v schedule=%v", kept.IsActive, kept.ScheduleID)
	}
	if _, err := s.slots.GetByID(ctx, slots[0].ID); !errors.Is(err, booking.ErrNotFound) {
		t.Errorf("expected unreferenced slot deleted, got %v", err)
	}
	schedules, err := s.schedules.ListSchedules(ctx, doctorID, date)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != 1 {
		t.Errorf("expected the touching schedule to remain, got %d", len(schedules))
	}
}

func TestSweeper_ExpiresUnconfirmedHolds(t *testing.T) {
	resetTables(t)
	s := newStack(t)
	ctx := context.Background()

	_, slots := createSchedule(t, s, uuid.New(), futureDate(6),
		caltime.NewTimeOfDay(9, 0), caltime.NewTimeOfDay(9, 20), 20, 3)
	slotID := slots[0].ID

	stale, err := s.svc.CreateBooking(ctx, patient(uuid.New()), booking.CreateBookingRequest{TimeslotID: slotID})
	if err != nil {
		t.Fatalf("create stale booking: %v", err)
	}
	if stale.Status != booking.StatusPending || stale.ConfirmationToken == nil {
		t.Fatalf("expected pending online booking with token, got %+v", stale)
	}
	confirmed, err := s.svc.CreateBooking(ctx, patient(uuid.New()), booking.CreateBookingRequest{TimeslotID: slotID})
	if err != nil {
		t.Fatalf("create confirmed booking: %v", err)
	}
	if _, err := s.svc.ConfirmByToken(ctx, *confirmed.ConfirmationToken); err != nil {
		t.Fatalf("confirm by token: %v", err)
	}
	if got := reservedCount(t, s, slotID); got != 2 {
		t.Fatalf("expected reserved_count 2, got %d", got)
	}

	sweeper := booking.NewSweeper(s.svc, s.appts, s.slots, time.Minute,
		booking.WithClock(shiftedClock{offset: time.Hour}))
	res, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Expired != 1 {
		t.Errorf("expected 1 expired hold, got %+v", res)
	}

	got, err := s.appts.GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if got.Status != booking.StatusCancelled || got.CancellationReason == nil || *got.CancellationReason != booking.ExpiryReason {
		t.Errorf("expected expiry cancellation, got status %s reason %v", got.Status, got.CancellationReason)
	}
	if got := reservedCount(t, s, slotID); got != 1 {
		t.Errorf("expected reserved_count 1 after expiry, got %d", got)
	}

	// A second pass finds nothing left to do.
	res, err = sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res.Expired != 0 {
		t.Errorf("expected no further expiries, got %+v", res)
	}
}
