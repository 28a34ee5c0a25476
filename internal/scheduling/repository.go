package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DoctorDirectory resolves bookable doctors. Owned by the profile subsystem;
// read-only here.
type DoctorDirectory interface {
	// GetActiveDoctor returns the doctor for a profile id, or
	// ErrDoctorNotFound when the profile (or its user) is missing or inactive.
	GetActiveDoctor(ctx context.Context, profileID uuid.UUID) (*Doctor, error)
}

// AvailabilityStore holds recurring weekly windows. Read-only to the core;
// windows are created and soft-deactivated by admin tooling.
type AvailabilityStore interface {
	// GetActiveWindow returns the single active window for (doctor, weekday)
	// effective on the given date, or nil when the doctor has none.
	GetActiveWindow(ctx context.Context, doctorProfileID uuid.UUID, weekday time.Weekday, onDate time.Time) (*AvailabilityWindow, error)
}

// Ledger is the durable appointment store. Only the scheduler facade writes
// to it; the slot generator and conflict checker only read.
type Ledger interface {
	// ListActiveAppointments returns appointments with an active status whose
	// interval overlaps [from, to). The bounds are a pre-filter; matching is
	// on true intervals, so long appointments are never missed.
	ListActiveAppointments(ctx context.Context, doctorProfileID uuid.UUID, from, to time.Time) ([]Appointment, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// InsertAppointment persists a draft at its initial status. The insert is
	// atomic per (doctor, interval): it re-verifies the buffer-expanded
	// overlap predicate under a per-doctor lock and fails with ErrSlotConflict
	// when another booking won the race.
	InsertAppointment(ctx context.Context, draft Appointment, bufferMinutes int) (*Appointment, error)

	// UpdateAppointment writes changed non-status fields with an optimistic
	// version check, appending the given history entries atomically. A stale
	// version fails with ErrStaleVersion. Like InsertAppointment, the write
	// re-verifies the buffer-expanded overlap predicate (excluding the
	// appointment itself) under the per-doctor lock and fails with
	// ErrSlotConflict when the new interval lost a race.
	UpdateAppointment(ctx context.Context, a *Appointment, bufferMinutes int, entries []HistoryEntry) (*Appointment, error)

	// UpdateAppointmentStatus is a compare-and-swap on status, appending the
	// history entry atomically. A mismatched expected status fails with
	// ErrStaleVersion.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, expected, newStatus Status, entry HistoryEntry) (*Appointment, error)

	ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryEntry, error)

	// ListAppointments returns appointments visible to listing queries,
	// filtered by doctor profile and/or patient (uuid.Nil means no filter).
	ListAppointments(ctx context.Context, doctorProfileID, patientID uuid.UUID, limit, offset int) ([]Appointment, error)

	// ListOverdueConfirmed returns confirmed appointments whose start is at
	// or before the cutoff, for the no-show sweep.
	ListOverdueConfirmed(ctx context.Context, cutoff time.Time) ([]Appointment, error)
}

// Store bundles the three contracts when one backend implements them all.
type Store interface {
	DoctorDirectory
	AvailabilityStore
	Ledger
}
