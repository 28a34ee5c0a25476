package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clinova/clinic-scheduling/internal/scheduling"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleSchedulingError maps facade errors to HTTP statuses using the stable
// message keys from scheduling.ErrorCode.
func handleSchedulingError(w http.ResponseWriter, err error) {
	code := scheduling.ErrorCode(err)

	var status int
	switch {
	case errors.Is(err, scheduling.ErrDoctorNotFound),
		errors.Is(err, scheduling.ErrAppointmentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduling.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, scheduling.ErrSlotConflict),
		errors.Is(err, scheduling.ErrInvalidTransition),
		errors.Is(err, scheduling.ErrTooLateToCancel),
		errors.Is(err, scheduling.ErrStaleVersion):
		status = http.StatusConflict
	case errors.Is(err, scheduling.ErrSelfBooking),
		errors.Is(err, scheduling.ErrInsufficientLeadTime):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, scheduling.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, scheduling.ErrStorageTimeout):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	writeError(w, status, code, err.Error())
}
