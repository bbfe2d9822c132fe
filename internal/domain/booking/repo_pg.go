package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/clinic/internal/platform/db"
	"github.com/clinicops/clinic/pkg/caltime"
)

// DATE and TIME columns travel as pgtype values so no location is ever
// attached to them.

func pgDate(d caltime.Date) pgtype.Date {
	return pgtype.Date{Time: d.Midnight(), Valid: true}
}

func pgTime(t caltime.TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t.Duration() / time.Microsecond), Valid: true}
}

func fromPgDate(d pgtype.Date) caltime.Date {
	if !d.Valid {
		return caltime.Date{}
	}
	return caltime.DateOf(d.Time)
}

func fromPgTime(t pgtype.Time) caltime.TimeOfDay {
	return caltime.TimeOfDay(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// =========== Timeslot Repository ===========

type timeslotRepoPG struct{ pool *pgxpool.Pool }

func NewTimeslotRepoPG(pool *pgxpool.Pool) TimeslotRepository { return &timeslotRepoPG{pool: pool} }

func (r *timeslotRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const timeslotCols = `id, schedule_id, doctor_id, date, start_time, end_time,
	max_capacity, reserved_count, is_active, created_at, updated_at`

func scanTimeslot(row pgx.Row) (*Timeslot, error) {
	var ts Timeslot
	var date pgtype.Date
	var start, end pgtype.Time
	err := row.Scan(&ts.ID, &ts.ScheduleID, &ts.DoctorID, &date, &start, &end,
		&ts.MaxCapacity, &ts.ReservedCount, &ts.IsActive, &ts.CreatedAt, &ts.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ts.Date = fromPgDate(date)
	ts.StartTime = fromPgTime(start)
	ts.EndTime = fromPgTime(end)
	return &ts, nil
}

func (r *timeslotRepoPG) CreateBatch(ctx context.Context, slots []*Timeslot) error {
	if len(slots) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(slots))
	for _, ts := range slots {
		if ts.ID == uuid.Nil {
			ts.ID = uuid.New()
		}
		rows = append(rows, []interface{}{
			ts.ID, ts.ScheduleID, ts.DoctorID, pgDate(ts.Date), pgTime(ts.StartTime), pgTime(ts.EndTime),
			ts.MaxCapacity, ts.ReservedCount, ts.IsActive,
		})
	}
	_, err := r.conn(ctx).CopyFrom(ctx, pgx.Identifier{"timeslot"},
		[]string{"id", "schedule_id", "doctor_id", "date", "start_time", "end_time",
			"max_capacity", "reserved_count", "is_active"},
		pgx.CopyFromRows(rows))
	return err
}

func (r *timeslotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Timeslot, error) {
	ts, err := scanTimeslot(r.conn(ctx).QueryRow(ctx, `SELECT `+timeslotCols+` FROM timeslot WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "timeslot "+id.String())
	}
	return ts, nil
}

func (r *timeslotRepoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date caltime.Date, availableOnly bool) ([]*Timeslot, error) {
	query := `SELECT ` + timeslotCols + ` FROM timeslot WHERE doctor_id = $1 AND date = $2`
	if availableOnly {
		query += ` AND is_active AND reserved_count < max_capacity`
	}
	query += ` ORDER BY start_time`

	rows, err := r.conn(ctx).Query(ctx, query, doctorID, pgDate(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Timeslot
	for rows.Next() {
		ts, err := scanTimeslot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ts)
	}
	return items, rows.Err()
}

func (r *timeslotRepoPG) IncrementIfAvailable(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE timeslot SET reserved_count = reserved_count + 1, updated_at = NOW()
		WHERE id = $1 AND is_active AND reserved_count < max_capacity`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *timeslotRepoPG) Decrement(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE timeslot SET reserved_count = GREATEST(reserved_count - 1, 0), updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

func (r *timeslotRepoPG) DeactivateBySchedule(ctx context.Context, scheduleID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE timeslot SET is_active = FALSE, updated_at = NOW() WHERE schedule_id = $1`, scheduleID)
	return tag.RowsAffected(), err
}

const unreferenced = `NOT EXISTS (SELECT 1 FROM appointment a WHERE a.timeslot_id = timeslot.id)`

func (r *timeslotRepoPG) DeleteUnreferencedBySchedule(ctx context.Context, scheduleID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM timeslot WHERE schedule_id = $1 AND `+unreferenced, scheduleID)
	return tag.RowsAffected(), err
}

func (r *timeslotRepoPG) DetachBySchedule(ctx context.Context, scheduleID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE timeslot SET schedule_id = NULL, is_active = FALSE, updated_at = NOW()
		WHERE schedule_id = $1`, scheduleID)
	return tag.RowsAffected(), err
}

func (r *timeslotRepoPG) DeleteUnreferencedInWindow(ctx context.Context, doctorID uuid.UUID, date caltime.Date, start, end caltime.TimeOfDay) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM timeslot
		WHERE doctor_id = $1 AND date = $2 AND start_time < $4 AND end_time > $3 AND `+unreferenced,
		doctorID, pgDate(date), pgTime(start), pgTime(end))
	return tag.RowsAffected(), err
}

func (r *timeslotRepoPG) PurgeUnreferencedBefore(ctx context.Context, date caltime.Date) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM timeslot WHERE date < $1 AND `+unreferenced, pgDate(date))
	return tag.RowsAffected(), err
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository { return &scheduleRepoPG{pool: pool} }

func (r *scheduleRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const schedCols = `id, doctor_id, room_id, date, start_time, end_time,
	slot_duration_minutes, capacity, recurrence_rule, created_by, created_at, updated_at`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	var date pgtype.Date
	var start, end pgtype.Time
	err := row.Scan(&s.ID, &s.DoctorID, &s.RoomID, &date, &start, &end,
		&s.SlotDurationMinutes, &s.Capacity, &s.RecurrenceRule, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Date = fromPgDate(date)
	s.StartTime = fromPgTime(start)
	s.EndTime = fromPgTime(end)
	return &s, nil
}

func (r *scheduleRepoPG) Create(ctx context.Context, s *Schedule) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO schedule (id, doctor_id, room_id, date, start_time, end_time,
			slot_duration_minutes, capacity, recurrence_rule, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		s.ID, s.DoctorID, s.RoomID, pgDate(s.Date), pgTime(s.StartTime), pgTime(s.EndTime),
		s.SlotDurationMinutes, s.Capacity, s.RecurrenceRule, s.CreatedBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if db.IsPgCode(err, db.CodeUniqueViolation) {
		return fmt.Errorf("schedule %s %s-%s: %w", s.Date, s.StartTime, s.EndTime, ErrDuplicate)
	}
	return err
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	s, err := scanSchedule(r.conn(ctx).QueryRow(ctx, `SELECT `+schedCols+` FROM schedule WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "schedule "+id.String())
	}
	return s, nil
}

func (r *scheduleRepoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date caltime.Date) ([]*Schedule, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+schedCols+` FROM schedule WHERE doctor_id = $1 AND date = $2 ORDER BY start_time`,
		doctorID, pgDate(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *scheduleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM schedule WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *scheduleRepoPG) LockDoctorDay(ctx context.Context, doctorID uuid.UUID, date caltime.Date) error {
	_, err := r.conn(ctx).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		"schedule:"+doctorID.String()+":"+date.String())
	return err
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const apptCols = `id, patient_id, doctor_id, timeslot_id, appointment_date, appointment_time,
	status, source, reason, cancellation_reason, confirmation_token, confirmation_sent_at,
	patient_confirmed, patient_confirmed_at, created_by, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date pgtype.Date
	var at pgtype.Time
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.TimeslotID, &date, &at,
		&a.Status, &a.Source, &a.Reason, &a.CancellationReason, &a.ConfirmationToken, &a.ConfirmationSentAt,
		&a.PatientConfirmed, &a.PatientConfirmedAt, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.AppointmentDate = fromPgDate(date)
	a.AppointmentTime = fromPgTime(at)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, timeslot_id, appointment_date, appointment_time,
			status, source, reason, confirmation_token, confirmation_sent_at, patient_confirmed, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.TimeslotID, pgDate(a.AppointmentDate), pgTime(a.AppointmentTime),
		a.Status, a.Source, a.Reason, a.ConfirmationToken, a.ConfirmationSentAt, a.PatientConfirmed, a.CreatedBy,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if db.IsPgCode(err, db.CodeUniqueViolation) {
		return fmt.Errorf("patient %s on timeslot %s: %w", a.PatientID, a.TimeslotID, ErrDuplicate)
	}
	return err
}

func (r *appointmentRepoPG) get(ctx context.Context, where string, arg interface{}, what string) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE `+where, arg))
	if err != nil {
		return nil, notFound(err, what)
	}
	return a, nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.get(ctx, `id = $1`, id, "appointment "+id.String())
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.get(ctx, `id = $1 FOR UPDATE`, id, "appointment "+id.String())
}

func (r *appointmentRepoPG) GetByTokenForUpdate(ctx context.Context, token string) (*Appointment, error) {
	return r.get(ctx, `confirmation_token = $1 FOR UPDATE`, token, "confirmation token")
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET doctor_id=$2, timeslot_id=$3, appointment_date=$4, appointment_time=$5,
			status=$6, cancellation_reason=$7, confirmation_token=$8, patient_confirmed=$9,
			patient_confirmed_at=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.DoctorID, a.TimeslotID, pgDate(a.AppointmentDate), pgTime(a.AppointmentTime),
		a.Status, a.CancellationReason, a.ConfirmationToken, a.PatientConfirmed, a.PatientConfirmedAt,
	).Scan(&a.UpdatedAt)
	if db.IsPgCode(err, db.CodeUniqueViolation) {
		return fmt.Errorf("patient %s on timeslot %s: %w", a.PatientID, a.TimeslotID, ErrDuplicate)
	}
	return notFound(err, "appointment "+a.ID.String())
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *appointmentRepoPG) ExistsActive(ctx context.Context, patientID, timeslotID uuid.UUID) (bool, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id FROM appointment
		WHERE patient_id = $1 AND timeslot_id = $2 AND status NOT IN ('CANCELLED','NO_SHOW')
		LIMIT 1 FOR UPDATE`, patientID, timeslotID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+` FROM appointment WHERE patient_id = $1
		ORDER BY appointment_date DESC, appointment_time DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) CountBlocking(ctx context.Context, doctorID uuid.UUID, date caltime.Date) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointment
		WHERE doctor_id = $1 AND appointment_date = $2
		  AND status NOT IN ('CANCELLED','NO_SHOW','COMPLETED')`,
		doctorID, pgDate(date)).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) ListStaleHolds(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id FROM appointment
		WHERE status = 'PENDING' AND patient_confirmed = FALSE AND created_at < $1
		ORDER BY created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
