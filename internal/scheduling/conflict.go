package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// conflictScanPad widens the ledger scan around a candidate interval. This is
// purely a query pre-filter: the store matches on true interval overlap, so
// even appointments far longer than the pad are returned, and the exact
// predicate below is always re-applied here.
const conflictScanPad = 6 * time.Hour

// Overlaps reports whether two half-open intervals conflict once a buffer of
// b is required between them: s1 < e2+b && e1+b > s2. The predicate is
// symmetric in its arguments and applies the buffer exactly once, which is
// equivalent to expanding either interval by b on both sides.
func Overlaps(a, b Interval, buffer time.Duration) bool {
	return a.Start.Before(b.End.Add(buffer)) && a.End.Add(buffer).After(b.Start)
}

// ConflictChecker answers whether a candidate interval collides with any
// active appointment of a doctor. Read-only over the ledger.
type ConflictChecker struct {
	ledger Ledger
}

func NewConflictChecker(ledger Ledger) *ConflictChecker {
	return &ConflictChecker{ledger: ledger}
}

// FirstConflict returns the first active appointment whose buffer-expanded
// interval overlaps the candidate, or nil if the interval is free. exclude
// (when non-nil UUID) skips one appointment id, used when validating a
// reschedule of that same appointment.
func (c *ConflictChecker) FirstConflict(ctx context.Context, doctorProfileID uuid.UUID, candidate Interval, buffer time.Duration, exclude uuid.UUID) (*Appointment, error) {
	from := candidate.Start.Add(-conflictScanPad)
	to := candidate.End.Add(conflictScanPad)

	existing, err := c.ledger.ListActiveAppointments(ctx, doctorProfileID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}

	for i := range existing {
		a := &existing[i]
		if exclude != uuid.Nil && a.ID == exclude {
			continue
		}
		if !a.Status.Active() {
			continue
		}
		if Overlaps(candidate, a.Interval(), buffer) {
			found := *a
			return &found, nil
		}
	}

	return nil, nil
}
