package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var appointmentCols = []string{
	"id", "patient_id", "doctor_profile_id", "doctor_user_id", "start_time", "duration_minutes",
	"type", "priority", "status", "reason", "notes", "created_by",
	"cancelled_at", "cancelled_by", "cancellation_reason", "version", "created_at", "updated_at",
}

func appointmentRow(mock pgxmock.PgxPoolIface, a Appointment) *pgxmock.Rows {
	return mock.NewRows(appointmentCols).AddRow(
		a.ID, a.PatientID, a.DoctorProfileID, a.DoctorUserID, a.StartTime, a.DurationMinutes,
		a.Type, a.Priority, a.Status, a.Reason, a.Notes, a.CreatedBy,
		a.CancelledAt, a.CancelledBy, a.CancelReason, a.Version, a.CreatedAt, a.UpdatedAt,
	)
}

func testAppointment() Appointment {
	now := mustTime("2026-03-01T12:00:00Z")
	return Appointment{
		ID:              uuid.New(),
		PatientID:       uuid.New(),
		DoctorProfileID: uuid.New(),
		DoctorUserID:    uuid.New(),
		StartTime:       mustTime("2026-03-02T10:00:00Z"),
		DurationMinutes: 30,
		Type:            TypeConsultation,
		Priority:        PriorityNormal,
		Status:          StatusScheduled,
		CreatedBy:       uuid.New(),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestPgStoreGetActiveDoctor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock, time.Second)
	profileID := uuid.New()
	userID := uuid.New()

	mock.ExpectQuery("SELECT dp.id, dp.user_id").
		WithArgs(profileID).
		WillReturnRows(mock.NewRows([]string{"id", "user_id", "name", "specialty", "active"}).
			AddRow(profileID, userID, "Dr. Reyes", "Dermatology", true))

	doctor, err := store.GetActiveDoctor(context.Background(), profileID)
	require.NoError(t, err)
	assert.Equal(t, profileID, doctor.ProfileID)
	assert.Equal(t, userID, doctor.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreGetActiveDoctorNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock, time.Second)
	profileID := uuid.New()

	mock.ExpectQuery("SELECT dp.id, dp.user_id").
		WithArgs(profileID).
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetActiveDoctor(context.Background(), profileID)
	assert.ErrorIs(t, err, ErrDoctorNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreGetActiveWindowMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock, time.Second)
	doctorID := uuid.New()
	onDate := mustTime("2026-03-02T00:00:00Z")

	mock.ExpectQuery("FROM availability_windows").
		WithArgs(doctorID, int(time.Monday), onDate).
		WillReturnError(pgx.ErrNoRows)

	window, err := store.GetActiveWindow(context.Background(), doctorID, time.Monday, onDate)
	require.NoError(t, err)
	assert.Nil(t, window)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreUpdateAppointmentStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock, time.Second)

	a := testAppointment()
	updated := a
	updated.Status = StatusConfirmed
	updated.Version = 2

	entry := HistoryEntry{
		AppointmentID: a.ID,
		ChangedAt:     mustTime("2026-03-01T13:00:00Z"),
		ActorID:       uuid.New(),
		Field:         "status",
		OldValue:      "scheduled",
		NewValue:      "confirmed",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE appointments").
		WithArgs(a.ID, StatusScheduled, StatusConfirmed).
		WillReturnRows(appointmentRow(mock, updated))
	mock.ExpectExec("INSERT INTO appointment_history").
		WithArgs(entry.AppointmentID, entry.ChangedAt, entry.ActorID, entry.Field, entry.OldValue, entry.NewValue, entry.Reason).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := store.UpdateAppointmentStatus(context.Background(), a.ID, StatusScheduled, StatusConfirmed, entry)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, 2, got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreUpdateAppointmentStatusStale(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock, time.Second)
	a := testAppointment()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE appointments").
		WithArgs(a.ID, StatusScheduled, StatusConfirmed).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(a.ID).
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err = store.UpdateAppointmentStatus(context.Background(), a.ID, StatusScheduled, StatusConfirmed, HistoryEntry{AppointmentID: a.ID})
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreUpdateAppointmentStatusMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock, time.Second)
	a := testAppointment()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE appointments").
		WithArgs(a.ID, StatusScheduled, StatusConfirmed).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(a.ID).
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err = store.UpdateAppointmentStatus(context.Background(), a.ID, StatusScheduled, StatusConfirmed, HistoryEntry{AppointmentID: a.ID})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreUpdateAppointment(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock, time.Second)

	a := testAppointment()
	moved := a
	moved.StartTime = mustTime("2026-03-02T11:00:00Z")
	updated := moved
	updated.Version = 2

	entry := HistoryEntry{
		AppointmentID: a.ID,
		ChangedAt:     mustTime("2026-03-01T13:00:00Z"),
		ActorID:       uuid.New(),
		Field:         "start_time",
		OldValue:      "2026-03-02T10:00:00Z",
		NewValue:      "2026-03-02T11:00:00Z",
	}

	lo := moved.StartTime.Add(-5 * time.Minute)
	hi := moved.EndTime().Add(5 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(a.DoctorProfileID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM appointments").
		WithArgs(a.DoctorProfileID, a.ID, hi, lo).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("UPDATE appointments").
		WithArgs(a.ID, moved.StartTime, moved.DurationMinutes, moved.Type, moved.Priority, moved.Reason, moved.Notes, a.Version).
		WillReturnRows(appointmentRow(mock, updated))
	mock.ExpectExec("INSERT INTO appointment_history").
		WithArgs(entry.AppointmentID, entry.ChangedAt, entry.ActorID, entry.Field, entry.OldValue, entry.NewValue, entry.Reason).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := store.UpdateAppointment(context.Background(), &moved, 5, []HistoryEntry{entry})
	require.NoError(t, err)
	assert.Equal(t, moved.StartTime, got.StartTime)
	assert.Equal(t, 2, got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreUpdateAppointmentRecheckConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock, time.Second)

	a := testAppointment()
	moved := a
	moved.StartTime = mustTime("2026-03-02T11:00:00Z")

	blocker := testAppointment()
	blocker.DoctorProfileID = a.DoctorProfileID
	blocker.StartTime = mustTime("2026-03-02T11:00:00Z")

	lo := moved.StartTime.Add(-5 * time.Minute)
	hi := moved.EndTime().Add(5 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(a.DoctorProfileID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM appointments").
		WithArgs(a.DoctorProfileID, a.ID, hi, lo).
		WillReturnRows(appointmentRow(mock, blocker))
	mock.ExpectRollback()

	_, err = store.UpdateAppointment(context.Background(), &moved, 5, nil)
	require.ErrorIs(t, err, ErrSlotConflict)
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, blocker.ID, conflictErr.Conflicting.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreUpdateAppointmentExclusionViolation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock, time.Second)

	a := testAppointment()
	moved := a
	moved.StartTime = mustTime("2026-03-02T11:00:00Z")

	lo := moved.StartTime
	hi := moved.EndTime()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(a.DoctorProfileID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM appointments").
		WithArgs(a.DoctorProfileID, a.ID, hi, lo).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("UPDATE appointments").
		WithArgs(a.ID, moved.StartTime, moved.DurationMinutes, moved.Type, moved.Priority, moved.Reason, moved.Notes, a.Version).
		WillReturnError(&pgconn.PgError{Code: "23P01", ConstraintName: "appointments_no_overlap"})
	mock.ExpectRollback()

	_, err = store.UpdateAppointment(context.Background(), &moved, 0, nil)
	assert.ErrorIs(t, err, ErrSlotConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreListActiveAppointments(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPgStore(mock, time.Second)
	a := testAppointment()
	from := mustTime("2026-03-02T09:00:00Z")
	to := mustTime("2026-03-02T12:00:00Z")

	mock.ExpectQuery("FROM appointments").
		WithArgs(a.DoctorProfileID, from, to).
		WillReturnRows(appointmentRow(mock, a))

	got, err := store.ListActiveAppointments(context.Background(), a.DoctorProfileID, from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
