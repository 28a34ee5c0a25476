package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinova/clinic-scheduling/internal/observability/metrics"
	redisclient "github.com/clinova/clinic-scheduling/internal/redis"
)

// SystemActor is the identity the no-show worker acts under.
var SystemActor = ActorContext{ID: uuid.Nil, Roles: []Role{RoleAdmin}}

// Service is the scheduler facade: it composes the slot generator, conflict
// checker, and booking lifecycle into the operations exposed to callers, and
// is the only component that writes to the ledger.
type Service struct {
	store        Store
	locker       redisclient.Locker
	checker      *ConflictChecker
	lifecycle    *Lifecycle
	metrics      *metrics.SchedulingMetrics
	log          zerolog.Logger
	retryBackoff time.Duration
	now          func() time.Time
}

func NewService(store Store, locker redisclient.Locker, m *metrics.SchedulingMetrics, log zerolog.Logger, retryBackoff time.Duration) *Service {
	s := &Service{
		store:        store,
		locker:       locker,
		checker:      NewConflictChecker(store),
		lifecycle:    NewLifecycle(store),
		metrics:      m,
		log:          log.With().Str("component", "scheduler").Logger(),
		retryBackoff: retryBackoff,
		now:          time.Now,
	}
	// The lifecycle shares the facade clock so cancellation deadlines are
	// judged on the same instant everywhere.
	s.lifecycle.now = func() time.Time { return s.now() }
	return s
}

type CreateAppointmentParams struct {
	PatientID       uuid.UUID
	DoctorProfileID uuid.UUID
	StartTime       time.Time
	DurationMinutes int
	Type            AppointmentType
	Priority        Priority
	Reason          string
	Notes           string
}

func (p CreateAppointmentParams) validate() error {
	if p.PatientID == uuid.Nil || p.DoctorProfileID == uuid.Nil {
		return fmt.Errorf("%w: patient and doctor ids are required", ErrInvalidInput)
	}
	if p.StartTime.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrInvalidInput)
	}
	if p.DurationMinutes < 15 || p.DurationMinutes > 180 {
		return fmt.Errorf("%w: duration must be between 15 and 180 minutes", ErrInvalidInput)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: unknown appointment type %q", ErrInvalidInput, p.Type)
	}
	if !p.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, p.Priority)
	}
	return nil
}

// CreateAppointment books a new appointment at SCHEDULED. The existence
// check, conflict check, and insert behave as if serialized per (doctor,
// interval): a per-(doctor, day) Redis lock wraps the check+insert, and the
// store re-verifies under its own transaction lock. The loser of a race
// observes ErrSlotConflict.
func (s *Service) CreateAppointment(ctx context.Context, actor ActorContext, p CreateAppointmentParams) (*Appointment, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if !actor.HasRole(RoleAdmin) && actor.ID != p.PatientID {
		return nil, ErrForbidden
	}

	doctor, err := s.getActiveDoctor(ctx, p.DoctorProfileID)
	if err != nil {
		return nil, err
	}
	if IsSelfBooking(p.PatientID, doctor.UserID) {
		return nil, ErrSelfBooking
	}

	now := s.now().UTC()
	start := p.StartTime.UTC()
	if !MeetsLeadTime(start, now) {
		return nil, ErrInsufficientLeadTime
	}

	buffer, err := s.bufferFor(ctx, p.DoctorProfileID, start)
	if err != nil {
		return nil, err
	}

	candidate := Interval{Start: start, End: start.Add(time.Duration(p.DurationMinutes) * time.Minute)}

	var created *Appointment
	err = s.withRetry(ctx, func() error {
		lockErr := s.locker.WithDoctorLock(ctx, p.DoctorProfileID, start, func(lockCtx context.Context) error {
			conflict, err := s.checker.FirstConflict(lockCtx, p.DoctorProfileID, candidate, time.Duration(buffer)*time.Minute, uuid.Nil)
			if err != nil {
				return err
			}
			if conflict != nil {
				return &ConflictError{Conflicting: conflict}
			}

			draft := Appointment{
				ID:              uuid.New(),
				PatientID:       p.PatientID,
				DoctorProfileID: p.DoctorProfileID,
				DoctorUserID:    doctor.UserID,
				StartTime:       start,
				DurationMinutes: p.DurationMinutes,
				Type:            p.Type,
				Priority:        p.Priority,
				Status:          StatusScheduled,
				Reason:          p.Reason,
				Notes:           p.Notes,
				CreatedBy:       actor.ID,
				Version:         1,
			}

			inserted, err := s.store.InsertAppointment(lockCtx, draft, buffer)
			if err != nil {
				return err
			}
			created = inserted
			return nil
		})
		if errors.Is(lockErr, redisclient.ErrLockNotAcquired) {
			return fmt.Errorf("%w: booking lock contention", ErrStorageTimeout)
		}
		return lockErr
	})
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			s.metrics.ObserveConflict()
			s.metrics.ObserveCreate(string(p.Type), "conflict")
		}
		return nil, err
	}

	s.metrics.ObserveCreate(string(p.Type), "created")
	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_profile_id", p.DoctorProfileID.String()).
		Time("start", start).
		Msg("appointment created")
	return created, nil
}

type UpdateAppointmentParams struct {
	StartTime       *time.Time
	DurationMinutes *int
	Type            *AppointmentType
	Priority        *Priority
	Reason          *string
	Notes           *string
}

// UpdateAppointment applies partial field changes. Patient-initiated updates
// are gated by the same cancellability rule as cancellation; status changes
// never go through here - they route through the lifecycle transitions.
func (s *Service) UpdateAppointment(ctx context.Context, actor ActorContext, id uuid.UUID, p UpdateAppointmentParams) (*Appointment, error) {
	appt, err := s.getAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeUpdate(actor, appt); err != nil {
		return nil, err
	}
	if !appt.Status.Active() {
		return nil, fmt.Errorf("%w: cannot modify a %s appointment", ErrInvalidTransition, appt.Status)
	}

	updated := *appt
	var changes []fieldChange

	if p.StartTime != nil && !p.StartTime.UTC().Equal(appt.StartTime) {
		newStart := p.StartTime.UTC()
		changes = append(changes, fieldChange{"start_time", appt.StartTime.Format(time.RFC3339), newStart.Format(time.RFC3339)})
		updated.StartTime = newStart
	}
	if p.DurationMinutes != nil && *p.DurationMinutes != appt.DurationMinutes {
		if *p.DurationMinutes < 15 || *p.DurationMinutes > 180 {
			return nil, fmt.Errorf("%w: duration must be between 15 and 180 minutes", ErrInvalidInput)
		}
		changes = append(changes, fieldChange{"duration_minutes", strconv.Itoa(appt.DurationMinutes), strconv.Itoa(*p.DurationMinutes)})
		updated.DurationMinutes = *p.DurationMinutes
	}
	if p.Type != nil && *p.Type != appt.Type {
		if !p.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown appointment type %q", ErrInvalidInput, *p.Type)
		}
		changes = append(changes, fieldChange{"type", string(appt.Type), string(*p.Type)})
		updated.Type = *p.Type
	}
	if p.Priority != nil && *p.Priority != appt.Priority {
		if !p.Priority.Valid() {
			return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, *p.Priority)
		}
		changes = append(changes, fieldChange{"priority", string(appt.Priority), string(*p.Priority)})
		updated.Priority = *p.Priority
	}
	if p.Reason != nil && *p.Reason != appt.Reason {
		changes = append(changes, fieldChange{"reason", appt.Reason, *p.Reason})
		updated.Reason = *p.Reason
	}
	if p.Notes != nil && *p.Notes != appt.Notes {
		changes = append(changes, fieldChange{"notes", appt.Notes, *p.Notes})
		updated.Notes = *p.Notes
	}

	if len(changes) == 0 {
		return appt, nil
	}

	timingChanged := updated.StartTime != appt.StartTime || updated.DurationMinutes != appt.DurationMinutes
	if timingChanged && !actor.HasRole(RoleAdmin) && !MeetsLeadTime(updated.StartTime, s.now().UTC()) {
		return nil, ErrInsufficientLeadTime
	}

	entries := make([]HistoryEntry, 0, len(changes))
	changedAt := s.now().UTC()
	for _, c := range changes {
		entries = append(entries, HistoryEntry{
			AppointmentID: appt.ID,
			ChangedAt:     changedAt,
			ActorID:       actor.ID,
			Field:         c.field,
			OldValue:      c.oldValue,
			NewValue:      c.newValue,
		})
	}

	var result *Appointment
	err = s.withRetry(ctx, func() error {
		if !timingChanged {
			r, err := s.store.UpdateAppointment(ctx, &updated, 0, entries)
			if err != nil {
				return err
			}
			result = r
			return nil
		}

		buffer, err := s.bufferFor(ctx, appt.DoctorProfileID, updated.StartTime)
		if err != nil {
			return err
		}
		lockErr := s.locker.WithDoctorLock(ctx, appt.DoctorProfileID, updated.StartTime, func(lockCtx context.Context) error {
			conflict, err := s.checker.FirstConflict(lockCtx, appt.DoctorProfileID, updated.Interval(), time.Duration(buffer)*time.Minute, appt.ID)
			if err != nil {
				return err
			}
			if conflict != nil {
				return &ConflictError{Conflicting: conflict}
			}
			r, err := s.store.UpdateAppointment(lockCtx, &updated, buffer, entries)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if errors.Is(lockErr, redisclient.ErrLockNotAcquired) {
			return fmt.Errorf("%w: booking lock contention", ErrStorageTimeout)
		}
		return lockErr
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Int("fields_changed", len(changes)).
		Msg("appointment updated")
	return result, nil
}

// authorizeUpdate gates non-status field changes: admins and the assigned
// doctor freely, the owning patient only while the appointment is still
// cancellable.
func (s *Service) authorizeUpdate(actor ActorContext, a *Appointment) error {
	switch {
	case actor.HasRole(RoleAdmin):
		return nil
	case actor.HasRole(RoleDoctor) && actor.ID == a.DoctorUserID:
		return nil
	case actor.ID == a.PatientID:
		if !CanCancel(a, s.now().UTC()) {
			return ErrTooLateToCancel
		}
		return nil
	default:
		return ErrForbidden
	}
}

func (s *Service) CancelAppointment(ctx context.Context, actor ActorContext, id uuid.UUID, reason string) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusCancelled, reason)
}

func (s *Service) ConfirmAppointment(ctx context.Context, actor ActorContext, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusConfirmed, "")
}

func (s *Service) StartAppointment(ctx context.Context, actor ActorContext, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusInProgress, "")
}

func (s *Service) CompleteAppointment(ctx context.Context, actor ActorContext, id uuid.UUID, reason string) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusCompleted, reason)
}

func (s *Service) MarkNoShow(ctx context.Context, actor ActorContext, id uuid.UUID, reason string) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusNoShow, reason)
}

// MarkRescheduled closes an appointment whose time was moved to a new
// booking. The replacement booking is created separately by the caller; this
// only records the terminal state on the old one.
func (s *Service) MarkRescheduled(ctx context.Context, actor ActorContext, id uuid.UUID, reason string) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusRescheduled, reason)
}

func (s *Service) transition(ctx context.Context, actor ActorContext, id uuid.UUID, to Status, reason string) (*Appointment, error) {
	appt, err := s.getAppointment(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *Appointment
	err = s.withRetry(ctx, func() error {
		u, err := s.lifecycle.Transition(ctx, appt, to, actor, reason)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition(string(appt.Status), string(to))
	s.log.Info().
		Str("appointment_id", id.String()).
		Str("from", string(appt.Status)).
		Str("to", string(to)).
		Msg("appointment transitioned")
	return updated, nil
}

// QueryAvailability computes the bookable slots for a doctor on a calendar
// date. Days without an active window yield no slots.
func (s *Service) QueryAvailability(ctx context.Context, doctorProfileID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	started := s.now()
	defer func() {
		s.metrics.ObserveAvailabilityLatency(time.Since(started).Seconds())
	}()

	if _, err := s.getActiveDoctor(ctx, doctorProfileID); err != nil {
		return nil, err
	}

	day := midnightUTC(date)
	var window *AvailabilityWindow
	err := s.withRetry(ctx, func() error {
		w, err := s.store.GetActiveWindow(ctx, doctorProfileID, day.Weekday(), day)
		if err != nil {
			return err
		}
		window = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	if window == nil {
		return nil, nil
	}

	from := day.Add(time.Duration(window.StartMinute)*time.Minute - conflictScanPad)
	to := day.Add(time.Duration(window.EndMinute)*time.Minute + conflictScanPad)

	var existing []Appointment
	err = s.withRetry(ctx, func() error {
		a, err := s.store.ListActiveAppointments(ctx, doctorProfileID, from, to)
		if err != nil {
			return err
		}
		existing = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	return GenerateSlots(window, day, existing, s.now().UTC()), nil
}

// CheckConflicts reports the first appointment conflicting with a candidate
// interval, for pre-commit UI warnings. A nil result means the interval is
// free at the time of the check.
func (s *Service) CheckConflicts(ctx context.Context, doctorProfileID uuid.UUID, start time.Time, durationMinutes int, exclude uuid.UUID) (*Appointment, error) {
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	if _, err := s.getActiveDoctor(ctx, doctorProfileID); err != nil {
		return nil, err
	}

	start = start.UTC()
	buffer, err := s.bufferFor(ctx, doctorProfileID, start)
	if err != nil {
		return nil, err
	}
	candidate := Interval{Start: start, End: start.Add(time.Duration(durationMinutes) * time.Minute)}

	var conflict *Appointment
	err = s.withRetry(ctx, func() error {
		c, err := s.checker.FirstConflict(ctx, doctorProfileID, candidate, time.Duration(buffer)*time.Minute, exclude)
		if err != nil {
			return err
		}
		conflict = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conflict, nil
}

func (s *Service) GetAppointment(ctx context.Context, actor ActorContext, id uuid.UUID) (*Appointment, error) {
	appt, err := s.getAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canReadAppointment(actor, appt) {
		return nil, ErrForbidden
	}
	return appt, nil
}

func (s *Service) GetHistory(ctx context.Context, actor ActorContext, id uuid.UUID) ([]HistoryEntry, error) {
	appt, err := s.getAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canReadAppointment(actor, appt) {
		return nil, ErrForbidden
	}

	var entries []HistoryEntry
	err = s.withRetry(ctx, func() error {
		e, err := s.store.ListHistory(ctx, id)
		if err != nil {
			return err
		}
		entries = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ListAppointments returns appointments filtered by doctor profile and/or
// patient. Patients only ever see their own; doctors only their own calendar.
func (s *Service) ListAppointments(ctx context.Context, actor ActorContext, doctorProfileID, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	switch {
	case actor.HasRole(RoleAdmin):
	case actor.HasRole(RoleDoctor) && doctorProfileID != uuid.Nil:
		doctor, err := s.getActiveDoctor(ctx, doctorProfileID)
		if err != nil {
			return nil, err
		}
		if doctor.UserID != actor.ID {
			return nil, ErrForbidden
		}
	default:
		patientID = actor.ID
	}

	var appts []Appointment
	err := s.withRetry(ctx, func() error {
		a, err := s.store.ListAppointments(ctx, doctorProfileID, patientID, limit, offset)
		if err != nil {
			return err
		}
		appts = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appts, nil
}

// SweepOverdue marks confirmed appointments that started more than grace ago
// as no-shows, acting as the system. Races with concurrent transitions are
// skipped, not retried. Returns how many were swept.
func (s *Service) SweepOverdue(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-grace)

	var overdue []Appointment
	err := s.withRetry(ctx, func() error {
		o, err := s.store.ListOverdueConfirmed(ctx, cutoff)
		if err != nil {
			return err
		}
		overdue = o
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list overdue confirmed: %w", err)
	}

	swept := 0
	for i := range overdue {
		a := overdue[i]
		if _, err := s.lifecycle.Transition(ctx, &a, StatusNoShow, SystemActor, "missed appointment sweep"); err != nil {
			if errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrAppointmentNotFound) {
				continue
			}
			s.log.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("no-show sweep failed")
			continue
		}
		s.metrics.ObserveTransition(string(StatusConfirmed), string(StatusNoShow))
		swept++
	}

	return swept, nil
}

func (s *Service) getActiveDoctor(ctx context.Context, profileID uuid.UUID) (*Doctor, error) {
	var doctor *Doctor
	err := s.withRetry(ctx, func() error {
		d, err := s.store.GetActiveDoctor(ctx, profileID)
		if err != nil {
			return err
		}
		doctor = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doctor, nil
}

func (s *Service) getAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var appt *Appointment
	err := s.withRetry(ctx, func() error {
		a, err := s.store.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// bufferFor resolves the doctor's buffer minutes from the availability window
// covering the given instant's weekday. Days without a window book with no
// buffer (admin walk-ins).
func (s *Service) bufferFor(ctx context.Context, doctorProfileID uuid.UUID, at time.Time) (int, error) {
	var window *AvailabilityWindow
	err := s.withRetry(ctx, func() error {
		w, err := s.store.GetActiveWindow(ctx, doctorProfileID, at.Weekday(), at)
		if err != nil {
			return err
		}
		window = w
		return nil
	})
	if err != nil {
		return 0, err
	}
	if window == nil {
		return 0, nil
	}
	return window.BufferMinutes, nil
}

// withRetry runs op, retrying exactly once after a backoff when the failure
// is a storage timeout. Inserts are conflict-guarded, so a retry of a write
// that actually landed surfaces as ErrSlotConflict, never a double booking.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !errors.Is(err, ErrStorageTimeout) {
		return err
	}

	select {
	case <-ctx.Done():
		return err
	case <-time.After(s.retryBackoff):
	}

	return op()
}
