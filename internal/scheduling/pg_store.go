package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store uses; pgxmock satisfies it in
// tests.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgStore implements DoctorDirectory, AvailabilityStore, and Ledger against
// Postgres. Every operation runs under a per-call deadline; a blown deadline
// surfaces as the retryable ErrStorageTimeout.
type PgStore struct {
	db      DB
	timeout time.Duration
}

func NewPgStore(db DB, timeout time.Duration) *PgStore {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &PgStore{db: db, timeout: timeout}
}

const appointmentColumns = `id, patient_id, doctor_profile_id, doctor_user_id, start_time, duration_minutes,
		type, priority, status, reason, notes, created_by,
		cancelled_at, cancelled_by, cancellation_reason, version, created_at, updated_at`

// exclusionViolation is the SQLSTATE raised by the btree_gist overlap
// constraint backstop on appointments.
const exclusionViolation = "23P01"

func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrStorageTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *PgStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorProfileID,
		&a.DoctorUserID,
		&a.StartTime,
		&a.DurationMinutes,
		&a.Type,
		&a.Priority,
		&a.Status,
		&a.Reason,
		&a.Notes,
		&a.CreatedBy,
		&a.CancelledAt,
		&a.CancelledBy,
		&a.CancelReason,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.StartTime = a.StartTime.UTC()
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Interface methods

func (s *PgStore) GetActiveDoctor(ctx context.Context, profileID uuid.UUID) (*Doctor, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var d Doctor
	err := s.db.QueryRow(ctx, `
		SELECT dp.id, dp.user_id, u.name, dp.specialty, dp.active
		FROM doctor_profiles dp
		JOIN users u ON u.id = dp.user_id
		WHERE dp.id = $1 AND dp.active AND u.active
	`, profileID).Scan(&d.ProfileID, &d.UserID, &d.Name, &d.Specialty, &d.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, storeErr("get active doctor", err)
	}
	return &d, nil
}

func (s *PgStore) GetActiveWindow(ctx context.Context, doctorProfileID uuid.UUID, weekday time.Weekday, onDate time.Time) (*AvailabilityWindow, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var w AvailabilityWindow
	var wd int
	err := s.db.QueryRow(ctx, `
		SELECT id, doctor_profile_id, weekday, start_minute, end_minute,
		       slot_minutes, buffer_minutes, active, effective_from, effective_until,
		       created_at, updated_at
		FROM availability_windows
		WHERE doctor_profile_id = $1
		  AND weekday = $2
		  AND active
		  AND (effective_from IS NULL OR effective_from <= $3)
		  AND (effective_until IS NULL OR effective_until >= $3)
	`, doctorProfileID, int(weekday), onDate).Scan(
		&w.ID, &w.DoctorID, &wd, &w.StartMinute, &w.EndMinute,
		&w.SlotMinutes, &w.BufferMinutes, &w.Active, &w.EffectiveFrom, &w.EffectiveUntil,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("get active window", err)
	}
	w.Weekday = time.Weekday(wd)
	return &w, nil
}

func (s *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	a, err := scanAppointment(s.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, storeErr("get appointment", err)
	}
	return a, nil
}

func (s *PgStore) ListActiveAppointments(ctx context.Context, doctorProfileID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	// Matching is on true intervals: the bounds only narrow the scan, they
	// never hide an appointment that actually overlaps them.
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_profile_id = $1
		  AND status IN ('scheduled', 'confirmed', 'in_progress')
		  AND start_time < $3
		  AND start_time + make_interval(mins => duration_minutes) > $2
		ORDER BY start_time
	`, doctorProfileID, from, to)
	if err != nil {
		return nil, storeErr("list active appointments", err)
	}

	result, err := scanAppointments(rows)
	if err != nil {
		return nil, storeErr("list active appointments", err)
	}
	return result, nil
}

func (s *PgStore) InsertAppointment(ctx context.Context, draft Appointment, bufferMinutes int) (*Appointment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storeErr("insert appointment", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize booking writes per doctor for the length of the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, draft.DoctorProfileID); err != nil {
		return nil, storeErr("insert appointment: doctor lock", err)
	}

	// Re-verify the exact buffer-expanded overlap predicate under the lock.
	lo := draft.StartTime.Add(-time.Duration(bufferMinutes) * time.Minute)
	hi := draft.EndTime().Add(time.Duration(bufferMinutes) * time.Minute)
	conflict, err := scanAppointment(tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_profile_id = $1
		  AND status IN ('scheduled', 'confirmed', 'in_progress')
		  AND start_time < $2
		  AND start_time + make_interval(mins => duration_minutes) > $3
		ORDER BY start_time
		LIMIT 1
	`, draft.DoctorProfileID, hi, lo))
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, storeErr("insert appointment: conflict check", err)
	}
	if conflict != nil {
		return nil, &ConflictError{Conflicting: conflict}
	}

	inserted, err := scanAppointment(tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, doctor_profile_id, doctor_user_id, start_time, duration_minutes,
			type, priority, status, reason, notes, created_by, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, now(), now())
		RETURNING `+appointmentColumns+`
	`, draft.ID, draft.PatientID, draft.DoctorProfileID, draft.DoctorUserID, draft.StartTime,
		draft.DurationMinutes, draft.Type, draft.Priority, draft.Status, draft.Reason,
		draft.Notes, draft.CreatedBy))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == exclusionViolation {
			return nil, &ConflictError{}
		}
		return nil, storeErr("insert appointment", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("insert appointment: commit", err)
	}
	return inserted, nil
}

func (s *PgStore) UpdateAppointment(ctx context.Context, a *Appointment, bufferMinutes int, entries []HistoryEntry) (*Appointment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storeErr("update appointment", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Same serialization as InsertAppointment: a reschedule is a booking
	// write and races with concurrent creates on the same doctor.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, a.DoctorProfileID); err != nil {
		return nil, storeErr("update appointment: doctor lock", err)
	}

	// Re-verify the exact buffer-expanded overlap predicate under the lock,
	// excluding the appointment being moved.
	lo := a.StartTime.Add(-time.Duration(bufferMinutes) * time.Minute)
	hi := a.EndTime().Add(time.Duration(bufferMinutes) * time.Minute)
	conflict, err := scanAppointment(tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_profile_id = $1
		  AND id <> $2
		  AND status IN ('scheduled', 'confirmed', 'in_progress')
		  AND start_time < $3
		  AND start_time + make_interval(mins => duration_minutes) > $4
		ORDER BY start_time
		LIMIT 1
	`, a.DoctorProfileID, a.ID, hi, lo))
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, storeErr("update appointment: conflict check", err)
	}
	if conflict != nil {
		return nil, &ConflictError{Conflicting: conflict}
	}

	updated, err := scanAppointment(tx.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $2,
		    duration_minutes = $3,
		    type = $4,
		    priority = $5,
		    reason = $6,
		    notes = $7,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $8
		RETURNING `+appointmentColumns+`
	`, a.ID, a.StartTime, a.DurationMinutes, a.Type, a.Priority, a.Reason, a.Notes, a.Version))
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, s.staleOrMissing(ctx, a.ID)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == exclusionViolation {
			return nil, &ConflictError{}
		}
		return nil, storeErr("update appointment", err)
	}

	for _, e := range entries {
		if err := insertHistory(ctx, tx, e); err != nil {
			return nil, storeErr("update appointment: history", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("update appointment: commit", err)
	}
	return updated, nil
}

func (s *PgStore) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, expected, newStatus Status, entry HistoryEntry) (*Appointment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storeErr("update appointment status", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var row pgx.Row
	if newStatus == StatusCancelled {
		row = tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $3,
			    version = version + 1,
			    updated_at = now(),
			    cancelled_at = $4,
			    cancelled_by = $5,
			    cancellation_reason = $6
			WHERE id = $1 AND status = $2
			RETURNING `+appointmentColumns+`
		`, id, expected, newStatus, entry.ChangedAt, entry.ActorID, entry.Reason)
	} else {
		row = tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $3,
			    version = version + 1,
			    updated_at = now()
			WHERE id = $1 AND status = $2
			RETURNING `+appointmentColumns+`
		`, id, expected, newStatus)
	}

	updated, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, s.staleOrMissing(ctx, id)
		}
		return nil, storeErr("update appointment status", err)
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, storeErr("update appointment status: history", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("update appointment status: commit", err)
	}
	return updated, nil
}

// staleOrMissing distinguishes a lost compare-and-swap from a missing row.
func (s *PgStore) staleOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return storeErr("check appointment exists", err)
	}
	if exists {
		return ErrStaleVersion
	}
	return ErrAppointmentNotFound
}

func insertHistory(ctx context.Context, tx pgx.Tx, e HistoryEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointment_history (appointment_id, changed_at, actor_id, field, old_value, new_value, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.AppointmentID, e.ChangedAt, e.ActorID, e.Field, e.OldValue, e.NewValue, e.Reason)
	return err
}

func (s *PgStore) ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT id, appointment_id, changed_at, actor_id, field, old_value, new_value, reason
		FROM appointment_history
		WHERE appointment_id = $1
		ORDER BY id
	`, appointmentID)
	if err != nil {
		return nil, storeErr("list history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.ChangedAt, &e.ActorID, &e.Field, &e.OldValue, &e.NewValue, &e.Reason); err != nil {
			return nil, storeErr("list history", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list history", err)
	}
	return entries, nil
}

func (s *PgStore) ListAppointments(ctx context.Context, doctorProfileID, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE 1=1`
	args := []any{}
	if doctorProfileID != uuid.Nil {
		args = append(args, doctorProfileID)
		query += fmt.Sprintf(" AND doctor_profile_id = $%d", len(args))
	}
	if patientID != uuid.Nil {
		args = append(args, patientID)
		query += fmt.Sprintf(" AND patient_id = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY start_time DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list appointments", err)
	}

	result, err := scanAppointments(rows)
	if err != nil {
		return nil, storeErr("list appointments", err)
	}
	return result, nil
}

func (s *PgStore) ListOverdueConfirmed(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND start_time <= $1
		ORDER BY start_time
	`, cutoff)
	if err != nil {
		return nil, storeErr("list overdue confirmed", err)
	}

	result, err := scanAppointments(rows)
	if err != nil {
		return nil, storeErr("list overdue confirmed", err)
	}
	return result, nil
}
