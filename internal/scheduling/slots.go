package scheduling

import "time"

// GenerateSlots walks a doctor's availability window for a calendar date and
// emits one candidate slot per step of slot+buffer minutes. The result is
// recomputed fresh on every call; nothing persists between calls.
//
// Rules, in evaluation order per slot:
//  1. a slot overlapping any active booking (buffer-expanded) is unavailable
//     with reason "already booked";
//  2. a slot starting inside the minimum lead time is unavailable with reason
//     "insufficient lead time" - this check runs last and overwrites the
//     conflict verdict when both apply.
//
// Same-day and past dates produce no slots at all.
func GenerateSlots(window *AvailabilityWindow, date time.Time, existing []Appointment, now time.Time) []TimeSlot {
	if window == nil || !window.Active {
		return nil
	}

	day := midnightUTC(date)
	if !day.After(midnightUTC(now)) {
		return nil
	}
	if day.Weekday() != window.Weekday {
		return nil
	}

	windowStart := day.Add(time.Duration(window.StartMinute) * time.Minute)
	windowEnd := day.Add(time.Duration(window.EndMinute) * time.Minute)
	slotLen := window.SlotDuration()
	buffer := window.Buffer()
	step := slotLen + buffer
	earliest := now.Add(MinLeadTime)

	var slots []TimeSlot
	for start := windowStart; !start.Add(slotLen).After(windowEnd); start = start.Add(step) {
		slot := TimeSlot{Start: start, Available: true}
		candidate := Interval{Start: start, End: start.Add(slotLen)}

		for i := range existing {
			a := &existing[i]
			if !a.Status.Active() {
				continue
			}
			if Overlaps(candidate, a.Interval(), buffer) {
				slot.Available = false
				slot.Reason = ReasonAlreadyBooked
				break
			}
		}

		if start.Before(earliest) {
			slot.Available = false
			slot.Reason = ReasonInsufficientLeadTime
		}

		slots = append(slots, slot)
	}

	return slots
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
