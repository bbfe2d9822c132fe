package booking

import (
	"github.com/google/uuid"

	"github.com/clinicops/clinic/pkg/caltime"
)

// SlotWindow is one generated [Start, End) period.
type SlotWindow struct {
	Start caltime.TimeOfDay
	End   caltime.TimeOfDay
}

// PartitionWindow splits [start, end) into contiguous periods of exactly
// durationMinutes. A trailing period shorter than the duration is dropped.
// It returns nil for an empty window or a non-positive duration.
func PartitionWindow(start, end caltime.TimeOfDay, durationMinutes int) []SlotWindow {
	if durationMinutes <= 0 || start >= end {
		return nil
	}
	n := (end.Minutes() - start.Minutes()) / durationMinutes
	out := make([]SlotWindow, 0, n)
	for cur := start; cur.Add(durationMinutes) <= end; cur = cur.Add(durationMinutes) {
		out = append(out, SlotWindow{Start: cur, End: cur.Add(durationMinutes)})
	}
	return out
}

// GenerateTimeslots materializes the schedule's window as unreserved, active
// timeslots of the schedule's capacity. It does not touch storage.
func GenerateTimeslots(s *Schedule) []*Timeslot {
	windows := PartitionWindow(s.StartTime, s.EndTime, s.SlotDurationMinutes)
	slots := make([]*Timeslot, 0, len(windows))
	for _, w := range windows {
		scheduleID := s.ID
		slots = append(slots, &Timeslot{
			ID:          uuid.New(),
			ScheduleID:  &scheduleID,
			DoctorID:    s.DoctorID,
			Date:        s.Date,
			StartTime:   w.Start,
			EndTime:     w.End,
			MaxCapacity: s.Capacity,
			IsActive:    true,
		})
	}
	return slots
}
