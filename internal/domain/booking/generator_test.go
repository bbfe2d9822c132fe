package booking

import (
	"testing"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/pkg/caltime"
)

func tod(h, m int) caltime.TimeOfDay { return caltime.NewTimeOfDay(h, m) }

func TestPartitionWindow(t *testing.T) {
	tests := []struct {
		name     string
		start    caltime.TimeOfDay
		end      caltime.TimeOfDay
		duration int
		want     []string
	}{
		{"even split", tod(9, 0), tod(9, 40), 20, []string{"09:00-09:20", "09:20-09:40"}},
		{"trailing partial dropped", tod(9, 0), tod(9, 50), 20, []string{"09:00-09:20", "09:20-09:40"}},
		{"window shorter than duration", tod(9, 0), tod(9, 10), 20, nil},
		{"single slot", tod(14, 30), tod(15, 0), 30, []string{"14:30-15:00"}},
		{"zero duration", tod(9, 0), tod(10, 0), 0, nil},
		{"inverted window", tod(10, 0), tod(9, 0), 15, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PartitionWindow(tt.start, tt.end, tt.duration)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d slots, got %d: %v", len(tt.want), len(got), got)
			}
			for i, w := range got {
				if s := w.Start.String() + "-" + w.End.String(); s != tt.want[i] {
					t.Errorf("slot %d: expected %s, got %s", i, tt.want[i], s)
				}
			}
		})
	}
}

func TestPartitionWindow_Contiguous(t *testing.T) {
	got := PartitionWindow(tod(8, 0), tod(17, 0), 15)
	if len(got) != 36 {
		t.Fatalf("expected 36 slots, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Start != got[i-1].End {
			t.Fatalf("gap between slot %d and %d", i-1, i)
		}
	}
}

func TestGenerateTimeslots(t *testing.T) {
	s := &Schedule{
		ID:                  uuid.New(),
		DoctorID:            uuid.New(),
		Date:                caltime.NewDate(2026, 10, 20),
		StartTime:           tod(9, 0),
		EndTime:             tod(9, 40),
		SlotDurationMinutes: 20,
		Capacity:            3,
	}
	slots := GenerateTimeslots(s)
	if len(slots) != 2 {
		t.Fatalf("expected 2 timeslots, got %d", len(slots))
	}
	for _, ts := range slots {
		if ts.ReservedCount != 0 || !ts.IsActive || ts.MaxCapacity != 3 {
			t.Errorf("unexpected slot state %+v", ts)
		}
		if ts.DoctorID != s.DoctorID || ts.Date != s.Date {
			t.Errorf("slot not bound to schedule doctor/date: %+v", ts)
		}
		if ts.ScheduleID == nil || *ts.ScheduleID != s.ID {
			t.Errorf("expected schedule id %s", s.ID)
		}
	}
	if slots[0].ID == slots[1].ID {
		t.Error("expected distinct timeslot ids")
	}
}
