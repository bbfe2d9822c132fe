package booking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinic/internal/platform/audit"
	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/lock"
	"github.com/clinicops/clinic/internal/platform/notification"
	"github.com/clinicops/clinic/pkg/caltime"
)

const (
	DefaultCancelFence = 24 * time.Hour
	DefaultHoldTTL     = 15 * time.Minute

	// ExpiryReason is stored on holds cancelled by the sweep.
	ExpiryReason = "unconfirmed timeout"
)

// settings holds the collaborators shared by Service, ScheduleManager and
// Sweeper.
type settings struct {
	identity    Identity
	notifier    notification.Notifier
	auditor     audit.Recorder
	locker      lock.Locker
	clock       caltime.Clock
	logger      zerolog.Logger
	cancelFence time.Duration
	holdTTL     time.Duration
}

func defaultSettings() settings {
	clock, _ := caltime.NewZoneClock("")
	return settings{
		identity:    ClaimsIdentity{},
		notifier:    notification.Nop{},
		auditor:     audit.Nop{},
		locker:      lock.Local{},
		clock:       clock,
		logger:      zerolog.Nop(),
		cancelFence: DefaultCancelFence,
		holdTTL:     DefaultHoldTTL,
	}
}

// Option configures Service, ScheduleManager and Sweeper.
type Option func(*settings)

func WithIdentity(id Identity) Option { return func(s *settings) { s.identity = id } }

func WithNotifier(n notification.Notifier) Option { return func(s *settings) { s.notifier = n } }

func WithAuditor(r audit.Recorder) Option { return func(s *settings) { s.auditor = r } }

func WithLocker(l lock.Locker) Option { return func(s *settings) { s.locker = l } }

func WithClock(c caltime.Clock) Option { return func(s *settings) { s.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(s *settings) { s.logger = l } }

// WithCancelFence sets how close to its start a patient may still cancel.
func WithCancelFence(d time.Duration) Option { return func(s *settings) { s.cancelFence = d } }

// WithHoldTTL sets how long an unconfirmed online booking holds capacity.
func WithHoldTTL(d time.Duration) Option { return func(s *settings) { s.holdTTL = d } }

func buildSettings(opts []Option) settings {
	st := defaultSettings()
	for _, o := range opts {
		o(&st)
	}
	return st
}

// effects collects notifications and audit records produced inside a
// transaction. They are released only after commit.
type effects struct {
	notes  []pendingNote
	audits []pendingAudit
}

type pendingNote struct {
	event notification.Event
	data  map[string]string
}

type pendingAudit struct {
	actor  string
	action string
	meta   map[string]string
}

func (fx *effects) notify(event notification.Event, data map[string]string) {
	fx.notes = append(fx.notes, pendingNote{event: event, data: data})
}

func (fx *effects) audit(actor auth.Actor, action string, meta map[string]string) {
	fx.audits = append(fx.audits, pendingAudit{actor: actor.Subject, action: action, meta: meta})
}

// runTx runs fn in one transaction and dispatches its effects once the
// transaction has committed. A retried attempt starts with empty effects.
func runTx(ctx context.Context, tx TxRunner, st *settings, fn func(ctx context.Context, fx *effects) error) error {
	var fx *effects
	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		fx = &effects{}
		return fn(ctx, fx)
	})
	if err != nil {
		return err
	}
	st.flush(context.WithoutCancel(ctx), fx)
	return nil
}

func (st *settings) flush(ctx context.Context, fx *effects) {
	for _, n := range fx.notes {
		st.safely("notify", string(n.event), func() { st.notifier.Notify(ctx, n.event, n.data) })
	}
	for _, a := range fx.audits {
		st.safely("audit", a.action, func() { st.auditor.Record(ctx, a.actor, a.action, a.meta) })
	}
}

// safely keeps a misbehaving collaborator from failing a committed call.
func (st *settings) safely(kind, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			st.logger.Error().Str("effect", kind).Str("name", name).Interface("panic", r).Msg("side effect failed")
		}
	}()
	fn()
}

// Service runs the booking transaction protocol. Every exported method is
// one all-or-nothing transaction.
type Service struct {
	settings
	tx     TxRunner
	slots  TimeslotRepository
	appts  AppointmentRepository
	ledger *Ledger
}

func NewService(tx TxRunner, slots TimeslotRepository, appts AppointmentRepository, opts ...Option) *Service {
	return &Service{
		settings: buildSettings(opts),
		tx:       tx,
		slots:    slots,
		appts:    appts,
		ledger:   NewLedger(slots),
	}
}

// CreateBookingRequest is the input to CreateBooking. PatientID may be left
// empty when the actor is a patient.
type CreateBookingRequest struct {
	PatientID  uuid.UUID `json:"patient_id"`
	TimeslotID uuid.UUID `json:"timeslot_id"`
	Reason     string    `json:"reason"`
}

// CreateBooking reserves one unit of the timeslot and records an appointment
// for it. Doctor, date and time always come from the timeslot.
func (s *Service) CreateBooking(ctx context.Context, actor auth.Actor, req CreateBookingRequest) (*Appointment, error) {
	if req.TimeslotID == uuid.Nil {
		return nil, fmt.Errorf("timeslot_id is required: %w", ErrInvalidInput)
	}
	patientID, err := s.resolvePatient(ctx, actor, req.PatientID)
	if err != nil {
		return nil, err
	}

	var out *Appointment
	err = runTx(ctx, s.tx, &s.settings, func(ctx context.Context, fx *effects) error {
		ts, err := s.bookableSlot(ctx, actor, req.TimeslotID)
		if err != nil {
			return err
		}
		if err := s.rejectDuplicate(ctx, patientID, ts.ID); err != nil {
			return err
		}
		if err := s.ledger.Reserve(ctx, ts.ID); err != nil {
			return err
		}

		a := &Appointment{
			ID:        uuid.New(),
			PatientID: patientID,
			Reason:    strPtr(req.Reason),
			CreatedBy: actor.Subject,
		}
		a.placeOn(ts)
		if err := s.initialState(a, actor); err != nil {
			return err
		}
		if err := s.appts.Create(ctx, a); err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}

		if a.ConfirmationToken != nil {
			data := appointmentData(a)
			data["token"] = *a.ConfirmationToken
			data["hold_minutes"] = strconv.Itoa(int(s.holdTTL / time.Minute))
			fx.notify(notification.EventConfirmationRequested, data)
		}
		fx.audit(actor, "appointment.create", appointmentData(a))
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RescheduleBooking moves a PENDING or CONFIRMED appointment to another
// timeslot. The new unit is reserved before the old one is returned, so a
// full target leaves the original reservation untouched.
func (s *Service) RescheduleBooking(ctx context.Context, actor auth.Actor, id, timeslotID uuid.UUID) (*Appointment, error) {
	if timeslotID == uuid.Nil {
		return nil, fmt.Errorf("timeslot_id is required: %w", ErrInvalidInput)
	}

	var out *Appointment
	err := runTx(ctx, s.tx, &s.settings, func(ctx context.Context, fx *effects) error {
		a, err := s.lockAppointment(ctx, actor, id)
		if err != nil {
			return err
		}
		if a.Status != StatusPending && a.Status != StatusConfirmed {
			return fmt.Errorf("reschedule appointment in status %s: %w", a.Status, ErrInvalidState)
		}
		if a.TimeslotID == timeslotID {
			out = a
			return nil
		}

		ts, err := s.bookableSlot(ctx, actor, timeslotID)
		if err != nil {
			return err
		}
		if err := s.rejectDuplicate(ctx, a.PatientID, ts.ID); err != nil {
			return err
		}
		if err := s.ledger.Reserve(ctx, ts.ID); err != nil {
			return err
		}
		from := a.TimeslotID
		if err := s.ledger.Release(ctx, from); err != nil {
			return err
		}

		a.placeOn(ts)
		if err := s.appts.Update(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		meta := appointmentData(a)
		meta["from_timeslot_id"] = from.String()
		fx.audit(actor, "appointment.reschedule", meta)
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelBooking cancels the appointment and returns its reservation.
// Cancelling an already cancelled appointment succeeds without change.
func (s *Service) CancelBooking(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*Appointment, error) {
	var out *Appointment
	err := runTx(ctx, s.tx, &s.settings, func(ctx context.Context, fx *effects) error {
		a, err := s.lockAppointment(ctx, actor, id)
		if err != nil {
			return err
		}
		out = a
		if a.Status == StatusCancelled {
			return nil
		}
		if err := Transition(a.Status, StatusCancelled); err != nil {
			return err
		}
		if actor.IsPatient() && a.Start().Sub(s.clock.Local()) < s.cancelFence {
			return fmt.Errorf("appointment %s starts at %s: %w", a.ID, a.Start(), ErrTooLateToCancel)
		}
		return s.cancelLocked(ctx, fx, actor, a, reason)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireHold cancels an unconfirmed online booking created before cutoff.
// The conditions are re-read under the row lock; if the appointment was
// confirmed or cancelled meanwhile it reports false and changes nothing.
func (s *Service) ExpireHold(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	var expired bool
	err := runTx(ctx, s.tx, &s.settings, func(ctx context.Context, fx *effects) error {
		expired = false
		a, err := s.appts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusPending || a.PatientConfirmed || !a.CreatedAt.Before(cutoff) {
			return nil
		}
		if err := s.cancelLocked(ctx, fx, auth.SystemActor(), a, ExpiryReason); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

func (s *Service) cancelLocked(ctx context.Context, fx *effects, actor auth.Actor, a *Appointment, reason string) error {
	if a.Status.HoldsReservation() {
		if err := s.ledger.Release(ctx, a.TimeslotID); err != nil {
			return err
		}
	}
	a.Status = StatusCancelled
	if reason != "" {
		a.CancellationReason = &reason
	}
	if err := s.appts.Update(ctx, a); err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}

	data := appointmentData(a)
	data["reason"] = reason
	fx.notify(notification.EventBookingCancelled, data)
	fx.audit(actor, "appointment.cancel", data)
	return nil
}

// DeleteBooking removes an erroneous appointment outright. Staff only; the
// cancel fence does not apply.
func (s *Service) DeleteBooking(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if err := requireStaff(actor, "delete appointment"); err != nil {
		return err
	}
	return runTx(ctx, s.tx, &s.settings, func(ctx context.Context, fx *effects) error {
		a, err := s.appts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status.HoldsReservation() {
			if err := s.ledger.Release(ctx, a.TimeslotID); err != nil {
				return err
			}
		}
		if err := s.appts.Delete(ctx, a.ID); err != nil {
			return fmt.Errorf("delete appointment: %w", err)
		}
		fx.audit(actor, "appointment.delete", appointmentData(a))
		return nil
	})
}

// ConfirmBooking moves a PENDING appointment to CONFIRMED on behalf of an
// authenticated actor.
func (s *Service) ConfirmBooking(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	var out *Appointment
	err := runTx(ctx, s.tx, &s.settings, func(ctx context.Context, fx *effects) error {
		a, err := s.lockAppointment(ctx, actor, id)
		if err != nil {
			return err
		}
		if err := s.confirmLocked(ctx, fx, actor, a, actor.IsPatient()); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmByToken redeems a confirmation token. The token is cleared on
// success so it cannot be used twice.
func (s *Service) ConfirmByToken(ctx context.Context, token string) (*Appointment, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required: %w", ErrInvalidInput)
	}
	var out *Appointment
	err := runTx(ctx, s.tx, &s.settings, func(ctx context.Context, fx *effects) error {
		a, err := s.appts.GetByTokenForUpdate(ctx, token)
		if err != nil {
			return err
		}
		actor := auth.Actor{Subject: "patient:" + a.PatientID.String(), Roles: []string{auth.RolePatient}, PatientID: a.PatientID}
		if err := s.confirmLocked(ctx, fx, actor, a, true); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) confirmLocked(ctx context.Context, fx *effects, actor auth.Actor, a *Appointment, byPatient bool) error {
	if err := Transition(a.Status, StatusConfirmed); err != nil {
		return err
	}
	a.Status = StatusConfirmed
	a.ConfirmationToken = nil
	if byPatient {
		now := s.clock.Now()
		a.PatientConfirmed = true
		a.PatientConfirmedAt = &now
	}
	if err := s.appts.Update(ctx, a); err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	fx.audit(actor, "appointment.confirm", appointmentData(a))
	return nil
}

// CheckIn records the patient's arrival.
func (s *Service) CheckIn(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	return s.advance(ctx, actor, id, StatusCheckedIn, "appointment.check_in")
}

// Start marks the encounter as begun.
func (s *Service) Start(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	return s.advance(ctx, actor, id, StatusInProgress, "appointment.start")
}

func (s *Service) Complete(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	return s.advance(ctx, actor, id, StatusCompleted, "appointment.complete")
}

// MarkNoShow records the patient's absence and returns the reservation.
func (s *Service) MarkNoShow(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	return s.advance(ctx, actor, id, StatusNoShow, "appointment.no_show")
}

// advance applies a staff-driven lifecycle move.
func (s *Service) advance(ctx context.Context, actor auth.Actor, id uuid.UUID, to Status, action string) (*Appointment, error) {
	if err := requireStaff(actor, action); err != nil {
		return nil, err
	}
	var out *Appointment
	err := runTx(ctx, s.tx, &s.settings, func(ctx context.Context, fx *effects) error {
		a, err := s.appts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := Transition(a.Status, to); err != nil {
			return err
		}
		if to.releasesOnEntry() && a.Status.HoldsReservation() {
			if err := s.ledger.Release(ctx, a.TimeslotID); err != nil {
				return err
			}
		}
		a.Status = to
		if err := s.appts.Update(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if to == StatusCheckedIn {
			fx.notify(notification.EventCheckedIn, appointmentData(a))
		}
		fx.audit(actor, action, appointmentData(a))
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAppointment returns one appointment the actor may see.
func (s *Service) GetAppointment(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.identity.CanAccess(actor, a.PatientID) {
		return nil, fmt.Errorf("appointment %s: %w", id, ErrUnauthorized)
	}
	return a, nil
}

// ListAppointments pages through a patient's appointments, newest first.
func (s *Service) ListAppointments(ctx context.Context, actor auth.Actor, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	pid, err := s.resolvePatient(ctx, actor, patientID)
	if err != nil {
		return nil, 0, err
	}
	return s.appts.ListByPatient(ctx, pid, limit, offset)
}

func (s *Service) resolvePatient(ctx context.Context, actor auth.Actor, requested uuid.UUID) (uuid.UUID, error) {
	if requested == uuid.Nil {
		if actor.IsPatient() {
			return s.identity.ResolvePatient(ctx, actor)
		}
		return uuid.Nil, fmt.Errorf("patient_id is required: %w", ErrInvalidInput)
	}
	if !s.identity.CanAccess(actor, requested) {
		return uuid.Nil, fmt.Errorf("actor %q may not act for patient %s: %w", actor.Subject, requested, ErrUnauthorized)
	}
	return requested, nil
}

// lockAppointment row-locks the appointment and checks the actor may act
// on it.
func (s *Service) lockAppointment(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.appts.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.identity.CanAccess(actor, a.PatientID) {
		return nil, fmt.Errorf("appointment %s: %w", id, ErrUnauthorized)
	}
	return a, nil
}

// bookableSlot loads the timeslot and rejects inactive ones. Patients may
// not book a slot that has already started.
func (s *Service) bookableSlot(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Timeslot, error) {
	ts, err := s.slots.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ts.IsActive {
		return nil, fmt.Errorf("timeslot %s is inactive: %w", id, ErrNotAvailable)
	}
	if actor.IsPatient() && ts.Start().Before(s.clock.Local()) {
		return nil, fmt.Errorf("timeslot %s has already started: %w", id, ErrNotAvailable)
	}
	return ts, nil
}

func (s *Service) rejectDuplicate(ctx context.Context, patientID, timeslotID uuid.UUID) error {
	dup, err := s.appts.ExistsActive(ctx, patientID, timeslotID)
	if err != nil {
		return fmt.Errorf("check duplicate booking: %w", err)
	}
	if dup {
		return fmt.Errorf("patient %s already holds timeslot %s: %w", patientID, timeslotID, ErrDuplicate)
	}
	return nil
}

// initialState applies the creation rules: staff bookings are walk-ins and
// start CONFIRMED, patient bookings start PENDING with a token.
func (s *Service) initialState(a *Appointment, actor auth.Actor) error {
	if !actor.IsPatient() {
		a.Status = StatusConfirmed
		a.Source = SourceWalkIn
		return nil
	}
	token, err := newConfirmationToken()
	if err != nil {
		return err
	}
	now := s.clock.Now()
	a.Status = StatusPending
	a.Source = SourceOnline
	a.ConfirmationToken = &token
	a.ConfirmationSentAt = &now
	return nil
}

func newConfirmationToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("confirmation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func requireStaff(actor auth.Actor, op string) error {
	if actor.IsStaff() {
		return nil
	}
	return fmt.Errorf("%s requires a staff role: %w", op, ErrUnauthorized)
}

func appointmentData(a *Appointment) map[string]string {
	return map[string]string{
		"appointment_id": a.ID.String(),
		"patient_id":     a.PatientID.String(),
		"doctor_id":      a.DoctorID.String(),
		"timeslot_id":    a.TimeslotID.String(),
		"date":           a.AppointmentDate.String(),
		"time":           a.AppointmentTime.String(),
		"status":         string(a.Status),
	}
}
