package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func ival(start string, minutes int) Interval {
	t, err := time.Parse(time.RFC3339, start)
	if err != nil {
		panic(err)
	}
	return Interval{Start: t, End: t.Add(time.Duration(minutes) * time.Minute)}
}

func TestOverlaps(t *testing.T) {
	booked := ival("2026-03-02T10:00:00Z", 30) // 10:00-10:30

	tests := []struct {
		name      string
		candidate Interval
		buffer    time.Duration
		want      bool
	}{
		{"identical", ival("2026-03-02T10:00:00Z", 30), 0, true},
		{"contained", ival("2026-03-02T10:10:00Z", 10), 0, true},
		{"partial overlap front", ival("2026-03-02T09:45:00Z", 30), 0, true},
		{"partial overlap back", ival("2026-03-02T10:15:00Z", 30), 0, true},
		{"back to back after, no buffer", ival("2026-03-02T10:30:00Z", 30), 0, false},
		{"back to back before, no buffer", ival("2026-03-02T09:30:00Z", 30), 0, false},
		{"inside buffer zone after", ival("2026-03-02T10:30:00Z", 30), 5 * time.Minute, true},
		{"starts 25 min in with buffer", ival("2026-03-02T10:25:00Z", 30), 5 * time.Minute, true},
		{"exactly past buffer", ival("2026-03-02T10:35:00Z", 30), 5 * time.Minute, false},
		{"ends exactly at buffer start", ival("2026-03-02T09:25:00Z", 30), 5 * time.Minute, false},
		{"far away", ival("2026-03-02T14:00:00Z", 30), 5 * time.Minute, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Overlaps(tc.candidate, booked, tc.buffer); got != tc.want {
				t.Errorf("Overlaps(%v, booked, %s) = %v, want %v", tc.candidate, tc.buffer, got, tc.want)
			}
			// symmetric in its arguments
			if got := Overlaps(booked, tc.candidate, tc.buffer); got != tc.want {
				t.Errorf("Overlaps(booked, %v, %s) = %v, want %v (symmetry)", tc.candidate, tc.buffer, got, tc.want)
			}
		})
	}
}

func TestFirstConflict(t *testing.T) {
	store := newMemStore()
	checker := NewConflictChecker(store)

	doctorID := uuid.New()
	booked := Appointment{
		ID:              uuid.New(),
		DoctorProfileID: doctorID,
		PatientID:       uuid.New(),
		StartTime:       mustTime("2026-03-02T10:00:00Z"),
		DurationMinutes: 30,
		Status:          StatusScheduled,
	}
	cancelled := Appointment{
		ID:              uuid.New(),
		DoctorProfileID: doctorID,
		PatientID:       uuid.New(),
		StartTime:       mustTime("2026-03-02T11:00:00Z"),
		DurationMinutes: 30,
		Status:          StatusCancelled,
	}
	store.addAppointment(booked)
	store.addAppointment(cancelled)

	ctx := context.Background()

	got, err := checker.FirstConflict(ctx, doctorID, ival("2026-03-02T10:15:00Z", 30), 0, uuid.Nil)
	if err != nil {
		t.Fatalf("FirstConflict: %v", err)
	}
	if got == nil || got.ID != booked.ID {
		t.Fatalf("expected conflict with booked appointment, got %+v", got)
	}

	// cancelled appointments never conflict
	got, err = checker.FirstConflict(ctx, doctorID, ival("2026-03-02T11:00:00Z", 30), 0, uuid.Nil)
	if err != nil {
		t.Fatalf("FirstConflict: %v", err)
	}
	if got != nil {
		t.Fatalf("cancelled appointment reported as conflict: %+v", got)
	}

	// excluding the appointment itself frees its own interval
	got, err = checker.FirstConflict(ctx, doctorID, ival("2026-03-02T10:00:00Z", 30), 0, booked.ID)
	if err != nil {
		t.Fatalf("FirstConflict: %v", err)
	}
	if got != nil {
		t.Fatalf("excluded appointment reported as conflict: %+v", got)
	}

	// other doctors do not contend
	got, err = checker.FirstConflict(ctx, uuid.New(), ival("2026-03-02T10:00:00Z", 30), 0, uuid.Nil)
	if err != nil {
		t.Fatalf("FirstConflict: %v", err)
	}
	if got != nil {
		t.Fatalf("unexpected conflict for different doctor: %+v", got)
	}
}

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}
