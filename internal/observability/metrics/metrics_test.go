package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *SchedulingMetrics

	m.ObserveCreate("consultation", "created")
	m.ObserveConflict()
	m.ObserveTransition("scheduled", "confirmed")
	m.ObserveAvailabilityLatency(0.02)
}

func TestObserveCreateAndConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)

	m.ObserveCreate("consultation", "created")
	m.ObserveCreate("consultation", "conflict")
	m.ObserveConflict()
	m.ObserveTransition("scheduled", "confirmed")

	if got := testutil.ToFloat64(m.conflictsTotal); got != 1 {
		t.Errorf("conflictsTotal = %v, want 1", got)
	}

	expected := `
		# HELP clinic_scheduling_appointments_created_total Appointments created, by type and outcome
		# TYPE clinic_scheduling_appointments_created_total counter
		clinic_scheduling_appointments_created_total{outcome="conflict",type="consultation"} 1
		clinic_scheduling_appointments_created_total{outcome="created",type="consultation"} 1
	`
	if err := testutil.CollectAndCompare(m.createdTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("createdTotal: %v", err)
	}
}
