package scheduling

import (
	"errors"
	"fmt"
)

var (
	ErrDoctorNotFound       = errors.New("doctor not found or inactive")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrSelfBooking          = errors.New("patients cannot book an appointment with themselves")
	ErrSlotConflict         = errors.New("requested time conflicts with an existing appointment")
	ErrInsufficientLeadTime = errors.New("appointments require at least 2 hours notice")
	ErrInvalidTransition    = errors.New("status transition not allowed")
	ErrTooLateToCancel      = errors.New("cancellation window has closed")
	ErrForbidden            = errors.New("actor may not perform this action")
	ErrStaleVersion         = errors.New("appointment was modified concurrently, refetch and retry")
	ErrStorageTimeout       = errors.New("storage operation timed out")
	ErrInvalidInput         = errors.New("invalid appointment parameters")
)

// ConflictError carries the first conflicting appointment so callers can show
// what blocked the booking. It matches errors.Is(err, ErrSlotConflict).
type ConflictError struct {
	Conflicting *Appointment
}

func (e *ConflictError) Error() string {
	if e.Conflicting == nil {
		return ErrSlotConflict.Error()
	}
	return fmt.Sprintf("requested time conflicts with appointment %s (%s - %s)",
		e.Conflicting.ID, e.Conflicting.StartTime.Format("15:04"), e.Conflicting.EndTime().Format("15:04"))
}

func (e *ConflictError) Unwrap() error { return ErrSlotConflict }

// ErrorCode maps an error to a stable message key. The presentation layer
// localizes on these keys instead of matching message strings.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrDoctorNotFound):
		return "doctor_not_found"
	case errors.Is(err, ErrAppointmentNotFound):
		return "appointment_not_found"
	case errors.Is(err, ErrSelfBooking):
		return "self_booking"
	case errors.Is(err, ErrSlotConflict):
		return "slot_conflict"
	case errors.Is(err, ErrInsufficientLeadTime):
		return "insufficient_lead_time"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrTooLateToCancel):
		return "too_late_to_cancel"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrStaleVersion):
		return "conflict"
	case errors.Is(err, ErrStorageTimeout):
		return "storage_timeout"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal_error"
	}
}
