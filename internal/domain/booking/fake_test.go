package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/notification"
	"github.com/clinicops/clinic/pkg/caltime"
)

// memStore is an in-memory stand-in for the three booking tables. Its
// transactions are serialized and roll back to a snapshot on error.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	clock     caltime.Clock
	slots     map[uuid.UUID]Timeslot
	schedules map[uuid.UUID]Schedule
	appts     map[uuid.UUID]Appointment

	failCreateAppt error
	commits        int
	rollbacks      int
}

func newMemStore(clock caltime.Clock) *memStore {
	return &memStore{
		clock:     clock,
		slots:     make(map[uuid.UUID]Timeslot),
		schedules: make(map[uuid.UUID]Schedule),
		appts:     make(map[uuid.UUID]Appointment),
	}
}

type memSnapshot struct {
	slots     map[uuid.UUID]Timeslot
	schedules map[uuid.UUID]Schedule
	appts     map[uuid.UUID]Appointment
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		slots:     make(map[uuid.UUID]Timeslot, len(s.slots)),
		schedules: make(map[uuid.UUID]Schedule, len(s.schedules)),
		appts:     make(map[uuid.UUID]Appointment, len(s.appts)),
	}
	for k, v := range s.slots {
		snap.slots[k] = v
	}
	for k, v := range s.schedules {
		snap.schedules[k] = v
	}
	for k, v := range s.appts {
		snap.appts[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots, s.schedules, s.appts = snap.slots, snap.schedules, snap.appts
}

type inMemTx struct{}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(inMemTx{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, inMemTx{}, true)); err != nil {
		s.restore(snap)
		s.rollbacks++
		return err
	}
	s.commits++
	return nil
}

func (s *memStore) slot(id uuid.UUID) Timeslot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[id]
}

func (s *memStore) appt(id uuid.UUID) Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appts[id]
}

func (s *memStore) putSlot(ts Timeslot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[ts.ID] = ts
}

func (s *memStore) putAppt(a Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appts[a.ID] = a
}

func (s *memStore) referenced(slotID uuid.UUID) bool {
	for _, a := range s.appts {
		if a.TimeslotID == slotID {
			return true
		}
	}
	return false
}

// ---- timeslots ----

type memSlots struct{ *memStore }

func (r memSlots) CreateBatch(_ context.Context, slots []*Timeslot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ts := range slots {
		r.slots[ts.ID] = *ts
	}
	return nil
}

func (r memSlots) GetByID(_ context.Context, id uuid.UUID) (*Timeslot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.slots[id]
	if !ok {
		return nil, fmt.Errorf("timeslot %s: %w", id, ErrNotFound)
	}
	return &ts, nil
}

func (r memSlots) ListByDoctorDate(_ context.Context, doctorID uuid.UUID, date caltime.Date, availableOnly bool) ([]*Timeslot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Timeslot
	for _, ts := range r.slots {
		if ts.DoctorID != doctorID || ts.Date != date {
			continue
		}
		if availableOnly && !ts.Available() {
			continue
		}
		ts := ts
		out = append(out, &ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (r memSlots) IncrementIfAvailable(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.slots[id]
	if !ok || !ts.Available() {
		return false, nil
	}
	ts.ReservedCount++
	r.slots[id] = ts
	return true, nil
}

func (r memSlots) Decrement(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.slots[id]
	if ok && ts.ReservedCount > 0 {
		ts.ReservedCount--
		r.slots[id] = ts
	}
	return nil
}

func (r memSlots) DeactivateBySchedule(_ context.Context, scheduleID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, ts := range r.slots {
		if ts.ScheduleID != nil && *ts.ScheduleID == scheduleID {
			ts.IsActive = false
			r.slots[id] = ts
			n++
		}
	}
	return n, nil
}

func (r memSlots) DeleteUnreferencedBySchedule(_ context.Context, scheduleID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, ts := range r.slots {
		if ts.ScheduleID != nil && *ts.ScheduleID == scheduleID && !r.referenced(id) {
			delete(r.slots, id)
			n++
		}
	}
	return n, nil
}

func (r memSlots) DetachBySchedule(_ context.Context, scheduleID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, ts := range r.slots {
		if ts.ScheduleID != nil && *ts.ScheduleID == scheduleID {
			ts.ScheduleID = nil
			ts.IsActive = false
			r.slots[id] = ts
			n++
		}
	}
	return n, nil
}

func (r memSlots) DeleteUnreferencedInWindow(_ context.Context, doctorID uuid.UUID, date caltime.Date, start, end caltime.TimeOfDay) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, ts := range r.slots {
		if ts.DoctorID == doctorID && ts.Date == date && ts.StartTime < end && ts.EndTime > start && !r.referenced(id) {
			delete(r.slots, id)
			n++
		}
	}
	return n, nil
}

func (r memSlots) PurgeUnreferencedBefore(_ context.Context, date caltime.Date) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, ts := range r.slots {
		if ts.Date.Before(date) && !r.referenced(id) {
			delete(r.slots, id)
			n++
		}
	}
	return n, nil
}

// ---- schedules ----

type memSchedules struct{ *memStore }

func (r memSchedules) Create(_ context.Context, s *Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.schedules {
		if other.DoctorID == s.DoctorID && other.Date == s.Date && other.StartTime == s.StartTime && other.EndTime == s.EndTime {
			return fmt.Errorf("schedule: %w", ErrDuplicate)
		}
	}
	s.ID = uuid.New()
	s.CreatedAt = r.clock.Now()
	s.UpdatedAt = s.CreatedAt
	r.schedules[s.ID] = *s
	return nil
}

func (r memSchedules) GetByID(_ context.Context, id uuid.UUID) (*Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return &s, nil
}

func (r memSchedules) ListByDoctorDate(_ context.Context, doctorID uuid.UUID, date caltime.Date) ([]*Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Schedule
	for _, s := range r.schedules {
		if s.DoctorID == doctorID && s.Date == date {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (r memSchedules) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	delete(r.schedules, id)
	return nil
}

func (r memSchedules) LockDoctorDay(context.Context, uuid.UUID, caltime.Date) error { return nil }

// ---- appointments ----

type memAppts struct{ *memStore }

func activeStatus(s Status) bool { return s != StatusCancelled && s != StatusNoShow }

func (r memAppts) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreateAppt != nil {
		return r.failCreateAppt
	}
	for _, other := range r.appts {
		if other.PatientID == a.PatientID && other.TimeslotID == a.TimeslotID && activeStatus(other.Status) {
			return fmt.Errorf("appointment: %w", ErrDuplicate)
		}
	}
	a.CreatedAt = r.clock.Now()
	a.UpdatedAt = a.CreatedAt
	r.appts[a.ID] = *a
	return nil
}

func (r memAppts) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (r memAppts) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.GetByID(ctx, id)
}

func (r memAppts) GetByTokenForUpdate(_ context.Context, token string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appts {
		if a.ConfirmationToken != nil && *a.ConfirmationToken == token {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("confirmation token: %w", ErrNotFound)
}

func (r memAppts) Update(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appts[a.ID]; !ok {
		return fmt.Errorf("appointment %s: %w", a.ID, ErrNotFound)
	}
	a.UpdatedAt = r.clock.Now()
	r.appts[a.ID] = *a
	return nil
}

func (r memAppts) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appts[id]; !ok {
		return fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	delete(r.appts, id)
	return nil
}

func (r memAppts) ExistsActive(_ context.Context, patientID, timeslotID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appts {
		if a.PatientID == patientID && a.TimeslotID == timeslotID && activeStatus(a.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (r memAppts) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Appointment
	for _, a := range r.appts {
		if a.PatientID == patientID {
			a := a
			all = append(all, &a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[j].Start().Before(all[i].Start()) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r memAppts) CountBlocking(_ context.Context, doctorID uuid.UUID, date caltime.Date) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.appts {
		if a.DoctorID == doctorID && a.AppointmentDate == date &&
			a.Status != StatusCancelled && a.Status != StatusNoShow && a.Status != StatusCompleted {
			n++
		}
	}
	return n, nil
}

func (r memAppts) ListStaleHolds(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []Appointment
	for _, a := range r.appts {
		if a.Status == StatusPending && !a.PatientConfirmed && a.CreatedAt.Before(cutoff) {
			stale = append(stale, a)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]uuid.UUID, 0, len(stale))
	for _, a := range stale {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// ---- collaborators ----

type sentNote struct {
	event notification.Event
	data  map[string]string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []sentNote
}

func (n *recordingNotifier) Notify(_ context.Context, event notification.Event, data map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, sentNote{event: event, data: data})
}

func (n *recordingNotifier) events() []notification.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification.Event, 0, len(n.notes))
	for _, s := range n.notes {
		out = append(out, s.event)
	}
	return out
}

type recordedAudit struct {
	actor, action string
	meta          map[string]string
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []recordedAudit
}

func (a *recordingAuditor) Record(_ context.Context, actor, action string, meta map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, recordedAudit{actor: actor, action: action, meta: meta})
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r.action)
	}
	return out
}

// ---- fixture ----

type fixture struct {
	store     *memStore
	clock     *caltime.FixedClock
	notifier  *recordingNotifier
	auditor   *recordingAuditor
	svc       *Service
	schedules *ScheduleManager
	doctor    uuid.UUID
	today     caltime.Date
}

// newFixture starts the clinic clock at 2030-03-10 08:00.
func newFixture() *fixture {
	today := caltime.NewDate(2030, time.March, 10)
	clock := caltime.NewFixedClock(caltime.DateTime{Date: today, Time: caltime.NewTimeOfDay(8, 0)})
	store := newMemStore(clock)
	f := &fixture{
		store:    store,
		clock:    clock,
		notifier: &recordingNotifier{},
		auditor:  &recordingAuditor{},
		doctor:   uuid.New(),
		today:    today,
	}
	opts := []Option{WithClock(clock), WithNotifier(f.notifier), WithAuditor(f.auditor)}
	f.svc = NewService(store, memSlots{store}, memAppts{store}, opts...)
	f.schedules = NewScheduleManager(store, memSchedules{store}, memSlots{store}, memAppts{store}, opts...)
	return f
}

// addSlot stores an active timeslot for the fixture's doctor.
func (f *fixture) addSlot(date caltime.Date, hour, capacity int) Timeslot {
	ts := Timeslot{
		ID:          uuid.New(),
		DoctorID:    f.doctor,
		Date:        date,
		StartTime:   caltime.NewTimeOfDay(hour, 0),
		EndTime:     caltime.NewTimeOfDay(hour, 30),
		MaxCapacity: capacity,
		IsActive:    true,
	}
	f.store.putSlot(ts)
	return ts
}

var staff = auth.Actor{Subject: "rec-1", Roles: []string{auth.RoleReceptionist}}

func patient(id uuid.UUID) auth.Actor {
	return auth.Actor{Subject: "pat-" + id.String()[:8], Roles: []string{auth.RolePatient}, PatientID: id}
}
