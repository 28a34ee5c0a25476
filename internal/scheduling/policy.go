package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Domain policy constants. These are clinic policy, not mechanism, and are
// kept as named predicates so policy changes do not ripple into the state
// machine or facade.
const (
	// MinLeadTime is the minimum notice between "now" and a bookable start.
	MinLeadTime = 2 * time.Hour

	// CancelNotice is how long before the start a patient may still cancel.
	CancelNotice = 24 * time.Hour
)

// IsSelfBooking reports whether a patient is trying to book their own clinic
// time (the patient's user id equals the doctor's user id).
func IsSelfBooking(patientID, doctorUserID uuid.UUID) bool {
	return patientID == doctorUserID
}

// MeetsLeadTime reports whether a start instant honors the minimum notice.
// A start at exactly now+MinLeadTime is acceptable.
func MeetsLeadTime(start, now time.Time) bool {
	return !start.Before(now.Add(MinLeadTime))
}

// CanCancel reports whether a patient-initiated cancellation (or update) is
// still allowed. The boundary is exclusive: at exactly CancelNotice before
// the start the appointment is no longer cancellable.
func CanCancel(a *Appointment, now time.Time) bool {
	if a.Status == StatusCompleted || a.Status == StatusCancelled {
		return false
	}
	return now.Before(a.StartTime.Add(-CancelNotice))
}

// authorizeTransition enforces who may move an appointment to a new status:
// admins always, the assigned doctor on their own appointments, and patients
// only to cancel their own appointment while it is still cancellable.
func authorizeTransition(actor ActorContext, a *Appointment, to Status, now time.Time) error {
	switch {
	case actor.HasRole(RoleAdmin):
		return nil
	case actor.HasRole(RoleDoctor) && actor.ID == a.DoctorUserID:
		return nil
	case actor.ID == a.PatientID:
		if to != StatusCancelled {
			return ErrForbidden
		}
		if !CanCancel(a, now) {
			return ErrTooLateToCancel
		}
		return nil
	default:
		return ErrForbidden
	}
}

// canReadAppointment gates reads of an appointment and its history.
func canReadAppointment(actor ActorContext, a *Appointment) bool {
	if actor.HasRole(RoleAdmin) {
		return true
	}
	if actor.HasRole(RoleDoctor) && actor.ID == a.DoctorUserID {
		return true
	}
	return actor.ID == a.PatientID
}
