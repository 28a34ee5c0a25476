package scheduling

import (
	"context"
	"fmt"
	"time"
)

// allowedTransitions is the full status state machine. Terminal states have
// no entry and therefore accept nothing.
var allowedTransitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusCancelled, StatusRescheduled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Lifecycle applies status transitions, pairing every successful status
// mutation with exactly one append-only history entry. The write itself is a
// compare-and-swap against the status the caller observed; a stale status
// fails with ErrStaleVersion and the caller should refetch.
type Lifecycle struct {
	ledger Ledger
	now    func() time.Time
}

func NewLifecycle(ledger Ledger) *Lifecycle {
	return &Lifecycle{ledger: ledger, now: time.Now}
}

// Transition moves an appointment to newStatus on behalf of actor.
func (l *Lifecycle) Transition(ctx context.Context, a *Appointment, newStatus Status, actor ActorContext, reason string) (*Appointment, error) {
	if !CanTransition(a.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, newStatus)
	}
	if err := authorizeTransition(actor, a, newStatus, l.now().UTC()); err != nil {
		return nil, err
	}

	entry := HistoryEntry{
		AppointmentID: a.ID,
		ChangedAt:     l.now().UTC(),
		ActorID:       actor.ID,
		Field:         "status",
		OldValue:      string(a.Status),
		NewValue:      string(newStatus),
		Reason:        reason,
	}

	updated, err := l.ledger.UpdateAppointmentStatus(ctx, a.ID, a.Status, newStatus, entry)
	if err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", a.Status, newStatus, err)
	}
	return updated, nil
}

// fieldChange describes one mutated field for history recording on
// non-status updates (reschedules, note edits).
type fieldChange struct {
	field    string
	oldValue string
	newValue string
}
