package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinova/clinic-scheduling/internal/scheduling"
)

type CreateAppointmentRequest struct {
	PatientID       string `json:"patient_id"`
	DoctorProfileID string `json:"doctor_profile_id"`
	StartTime       string `json:"start_time"` // RFC 3339
	DurationMinutes int    `json:"duration_minutes"`
	Type            string `json:"type"`
	Priority        string `json:"priority"`
	Reason          string `json:"reason,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type UpdateAppointmentRequest struct {
	StartTime       *string `json:"start_time,omitempty"`
	DurationMinutes *int    `json:"duration_minutes,omitempty"`
	Type            *string `json:"type,omitempty"`
	Priority        *string `json:"priority,omitempty"`
	Reason          *string `json:"reason,omitempty"`
	Notes           *string `json:"notes,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ConflictCheckRequest struct {
	DoctorProfileID string `json:"doctor_profile_id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	ExcludeID       string `json:"exclude_appointment_id,omitempty"`
}

type AppointmentResponse struct {
	ID              uuid.UUID  `json:"id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	DoctorProfileID uuid.UUID  `json:"doctor_profile_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	DurationMinutes int        `json:"duration_minutes"`
	Type            string     `json:"type"`
	Priority        string     `json:"priority"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CancelReason    *string    `json:"cancellation_reason,omitempty"`
	Version         int        `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		DoctorProfileID: a.DoctorProfileID,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime(),
		DurationMinutes: a.DurationMinutes,
		Type:            string(a.Type),
		Priority:        string(a.Priority),
		Status:          string(a.Status),
		Reason:          a.Reason,
		Notes:           a.Notes,
		CancelledAt:     a.CancelledAt,
		CancelReason:    a.CancelReason,
		Version:         a.Version,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
}

type HistoryEntryResponse struct {
	ID        int64     `json:"id"`
	ChangedAt time.Time `json:"changed_at"`
	ActorID   uuid.UUID `json:"actor_id"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Reason    string    `json:"reason,omitempty"`
}

type HistoryResponse struct {
	AppointmentID uuid.UUID              `json:"appointment_id"`
	Entries       []HistoryEntryResponse `json:"entries"`
}

type TimeSlotResponse struct {
	StartTime time.Time `json:"start_time"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
}

type AvailabilityResponse struct {
	DoctorProfileID uuid.UUID          `json:"doctor_profile_id"`
	Date            string             `json:"date"`
	Slots           []TimeSlotResponse `json:"slots"`
}

type ConflictCheckResponse struct {
	Conflict    bool                 `json:"conflict"`
	Conflicting *AppointmentResponse `json:"conflicting_appointment,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
