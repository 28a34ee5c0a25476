package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinova/clinic-scheduling/internal/scheduling"
)

// SchedulerService is the facade surface the handlers depend on.
type SchedulerService interface {
	CreateAppointment(ctx context.Context, actor scheduling.ActorContext, p scheduling.CreateAppointmentParams) (*scheduling.Appointment, error)
	UpdateAppointment(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID, p scheduling.UpdateAppointmentParams) (*scheduling.Appointment, error)
	CancelAppointment(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID, reason string) (*scheduling.Appointment, error)
	ConfirmAppointment(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID) (*scheduling.Appointment, error)
	StartAppointment(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID) (*scheduling.Appointment, error)
	CompleteAppointment(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID, reason string) (*scheduling.Appointment, error)
	MarkNoShow(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID, reason string) (*scheduling.Appointment, error)
	MarkRescheduled(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID, reason string) (*scheduling.Appointment, error)
	QueryAvailability(ctx context.Context, doctorProfileID uuid.UUID, date time.Time) ([]scheduling.TimeSlot, error)
	CheckConflicts(ctx context.Context, doctorProfileID uuid.UUID, start time.Time, durationMinutes int, exclude uuid.UUID) (*scheduling.Appointment, error)
	GetAppointment(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID) (*scheduling.Appointment, error)
	GetHistory(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID) ([]scheduling.HistoryEntry, error)
	ListAppointments(ctx context.Context, actor scheduling.ActorContext, doctorProfileID, patientID uuid.UUID, limit, offset int) ([]scheduling.Appointment, error)
}

// actorFrom resolves the caller identity set by the auth layer upstream.
func actorFrom(r *http.Request) (scheduling.ActorContext, bool) {
	id, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
	if err != nil {
		return scheduling.ActorContext{}, false
	}

	var roles []scheduling.Role
	for _, raw := range strings.Split(r.Header.Get("X-Actor-Roles"), ",") {
		switch scheduling.Role(strings.TrimSpace(raw)) {
		case scheduling.RolePatient:
			roles = append(roles, scheduling.RolePatient)
		case scheduling.RoleDoctor:
			roles = append(roles, scheduling.RoleDoctor)
		case scheduling.RoleAdmin:
			roles = append(roles, scheduling.RoleAdmin)
		}
	}
	if len(roles) == 0 {
		roles = []scheduling.Role{scheduling.RolePatient}
	}

	return scheduling.ActorContext{ID: id, Roles: roles}, true
}

func requireActor(w http.ResponseWriter, r *http.Request) (scheduling.ActorContext, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_actor", "X-Actor-ID header must be a valid UUID")
	}
	return actor, ok
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func createAppointmentHandler(svc SchedulerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorProfileID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_profile_id", "doctor_profile_id must be a valid UUID")
			return
		}
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be RFC 3339")
			return
		}

		appt, err := svc.CreateAppointment(r.Context(), actor, scheduling.CreateAppointmentParams{
			PatientID:       patientID,
			DoctorProfileID: doctorID,
			StartTime:       start,
			DurationMinutes: req.DurationMinutes,
			Type:            scheduling.AppointmentType(req.Type),
			Priority:        scheduling.Priority(req.Priority),
			Reason:          req.Reason,
			Notes:           req.Notes,
		})
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func updateAppointmentHandler(svc SchedulerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req UpdateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		var params scheduling.UpdateAppointmentParams
		if req.StartTime != nil {
			start, err := time.Parse(time.RFC3339, *req.StartTime)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be RFC 3339")
				return
			}
			params.StartTime = &start
		}
		params.DurationMinutes = req.DurationMinutes
		if req.Type != nil {
			t := scheduling.AppointmentType(*req.Type)
			params.Type = &t
		}
		if req.Priority != nil {
			p := scheduling.Priority(*req.Priority)
			params.Priority = &p
		}
		params.Reason = req.Reason
		params.Notes = req.Notes

		appt, err := svc.UpdateAppointment(r.Context(), actor, id, params)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// transitionHandler covers the named lifecycle endpoints that share the
// (actor, id, reason) shape.
func transitionHandler(apply func(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID, reason string) (*scheduling.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req ReasonRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		appt, err := apply(r.Context(), actor, id, req.Reason)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func confirmAppointmentHandler(svc SchedulerService) http.HandlerFunc {
	return transitionHandler(func(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID, _ string) (*scheduling.Appointment, error) {
		return svc.ConfirmAppointment(ctx, actor, id)
	})
}

func startAppointmentHandler(svc SchedulerService) http.HandlerFunc {
	return transitionHandler(func(ctx context.Context, actor scheduling.ActorContext, id uuid.UUID, _ string) (*scheduling.Appointment, error) {
		return svc.StartAppointment(ctx, actor, id)
	})
}

func cancelAppointmentHandler(svc SchedulerService) http.HandlerFunc {
	return transitionHandler(svc.CancelAppointment)
}

func completeAppointmentHandler(svc SchedulerService) http.HandlerFunc {
	return transitionHandler(svc.CompleteAppointment)
}

func noShowAppointmentHandler(svc SchedulerService) http.HandlerFunc {
	return transitionHandler(svc.MarkNoShow)
}

func rescheduleAppointmentHandler(svc SchedulerService) http.HandlerFunc {
	return transitionHandler(svc.MarkRescheduled)
}

func getAppointmentHandler(svc SchedulerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), actor, id)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc SchedulerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		var doctorID, patientID uuid.UUID
		if v := r.URL.Query().Get("doctor_profile_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_profile_id", "doctor_profile_id must be a valid UUID")
				return
			}
			doctorID = id
		}
		if v := r.URL.Query().Get("patient_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			patientID = id
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		appts, err := svc.ListAppointments(r.Context(), actor, doctorID, patientID, limit, offset)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		resp := AppointmentListResponse{Appointments: make([]AppointmentResponse, 0, len(appts))}
		for i := range appts {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getHistoryHandler(svc SchedulerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		entries, err := svc.GetHistory(r.Context(), actor, id)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		resp := HistoryResponse{AppointmentID: id, Entries: make([]HistoryEntryResponse, 0, len(entries))}
		for _, e := range entries {
			resp.Entries = append(resp.Entries, HistoryEntryResponse{
				ID:        e.ID,
				ChangedAt: e.ChangedAt,
				ActorID:   e.ActorID,
				Field:     e.Field,
				OldValue:  e.OldValue,
				NewValue:  e.NewValue,
				Reason:    e.Reason,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func availabilityHandler(svc SchedulerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_profile_id", "id must be a valid UUID")
			return
		}
		dateStr := r.URL.Query().Get("date")
		date, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slots, err := svc.QueryAvailability(r.Context(), doctorID, date)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		resp := AvailabilityResponse{
			DoctorProfileID: doctorID,
			Date:            dateStr,
			Slots:           make([]TimeSlotResponse, 0, len(slots)),
		}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, TimeSlotResponse{
				StartTime: s.Start,
				Available: s.Available,
				Reason:    s.Reason,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func conflictCheckHandler(svc SchedulerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConflictCheckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorProfileID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_profile_id", "doctor_profile_id must be a valid UUID")
			return
		}
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be RFC 3339")
			return
		}
		exclude := uuid.Nil
		if req.ExcludeID != "" {
			exclude, err = uuid.Parse(req.ExcludeID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_exclude_id", "exclude_appointment_id must be a valid UUID")
				return
			}
		}

		conflict, err := svc.CheckConflicts(r.Context(), doctorID, start, req.DurationMinutes, exclude)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		resp := ConflictCheckResponse{Conflict: conflict != nil}
		if conflict != nil {
			c := toAppointmentResponse(conflict)
			resp.Conflicting = &c
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
