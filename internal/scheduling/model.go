package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusConfirmed   Status = "confirmed"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no_show"
	StatusRescheduled Status = "rescheduled"
)

// Active reports whether the status counts toward conflicts.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusConfirmed || s == StatusInProgress
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled:
		return true
	}
	return false
}

type AppointmentType string

const (
	TypeConsultation AppointmentType = "consultation"
	TypeFollowUp     AppointmentType = "follow_up"
	TypeEmergency    AppointmentType = "emergency"
	TypeCheckUp      AppointmentType = "check_up"
	TypeProcedure    AppointmentType = "procedure"
	TypeVaccination  AppointmentType = "vaccination"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeConsultation, TypeFollowUp, TypeEmergency, TypeCheckUp, TypeProcedure, TypeVaccination:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// ActorContext identifies the caller of a facade operation. Roles are a
// closed set resolved by the (out-of-scope) auth layer before the call.
type ActorContext struct {
	ID    uuid.UUID
	Roles []Role
}

func (a ActorContext) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Doctor is the directory view of a bookable doctor. ProfileID is the
// scheduling identity; UserID ties the profile back to a user account for
// ownership and self-booking checks.
type Doctor struct {
	ProfileID uuid.UUID
	UserID    uuid.UUID
	Name      string
	Specialty string
	Active    bool
}

// AvailabilityWindow is a doctor's recurring weekly bookable window.
// Times are minutes from midnight in the canonical clock (UTC).
type AvailabilityWindow struct {
	ID             uuid.UUID
	DoctorID       uuid.UUID // doctor profile id
	Weekday        time.Weekday
	StartMinute    int
	EndMinute      int
	SlotMinutes    int // 15-120
	BufferMinutes  int
	Active         bool
	EffectiveFrom  *time.Time
	EffectiveUntil *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (w *AvailabilityWindow) SlotDuration() time.Duration {
	return time.Duration(w.SlotMinutes) * time.Minute
}

func (w *AvailabilityWindow) Buffer() time.Duration {
	return time.Duration(w.BufferMinutes) * time.Minute
}

type Appointment struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	DoctorProfileID uuid.UUID
	DoctorUserID    uuid.UUID
	StartTime       time.Time
	DurationMinutes int // 15-180
	Type            AppointmentType
	Priority        Priority
	Status          Status
	Reason          string
	Notes           string
	CreatedBy       uuid.UUID
	CancelledAt     *time.Time
	CancelledBy     *uuid.UUID
	CancelReason    *string
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a *Appointment) EndTime() time.Time {
	return a.StartTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Interval is the appointment's effective range [start, start+duration).
func (a *Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.EndTime()}
}

// HistoryEntry is one row of the append-only audit trail. Entries are written
// atomically with the mutation they describe and never updated.
type HistoryEntry struct {
	ID            int64
	AppointmentID uuid.UUID
	ChangedAt     time.Time
	ActorID       uuid.UUID
	Field         string
	OldValue      string
	NewValue      string
	Reason        string
}

// TimeSlot is one candidate bookable interval produced by the slot generator.
type TimeSlot struct {
	Start     time.Time
	Available bool
	Reason    string
}

// Unavailability reasons reported on generated slots.
const (
	ReasonAlreadyBooked        = "already booked"
	ReasonInsufficientLeadTime = "insufficient lead time"
)
