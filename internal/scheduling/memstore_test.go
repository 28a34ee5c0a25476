package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for facade tests. InsertAppointment holds the
// mutex across its check+insert, mirroring the transactional store.
type memStore struct {
	mu       sync.Mutex
	doctors  map[uuid.UUID]Doctor
	windows  map[uuid.UUID]map[time.Weekday]AvailabilityWindow
	appts    map[uuid.UUID]Appointment
	history  []HistoryEntry
	nextHist int64

	// beforeOp, when set, runs at the top of every store call. Used to
	// inject one-shot failures.
	beforeOp func() error
}

func newMemStore() *memStore {
	return &memStore{
		doctors: make(map[uuid.UUID]Doctor),
		windows: make(map[uuid.UUID]map[time.Weekday]AvailabilityWindow),
		appts:   make(map[uuid.UUID]Appointment),
	}
}

func (m *memStore) addDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ProfileID] = d
}

func (m *memStore) addWindow(w AvailabilityWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windows[w.DoctorID] == nil {
		m.windows[w.DoctorID] = make(map[time.Weekday]AvailabilityWindow)
	}
	m.windows[w.DoctorID][w.Weekday] = w
}

func (m *memStore) addAppointment(a Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appts[a.ID] = a
}

func (m *memStore) hook() error {
	if m.beforeOp != nil {
		return m.beforeOp()
	}
	return nil
}

func (m *memStore) GetActiveDoctor(ctx context.Context, profileID uuid.UUID) (*Doctor, error) {
	if err := m.hook(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[profileID]
	if !ok || !d.Active {
		return nil, ErrDoctorNotFound
	}
	out := d
	return &out, nil
}

func (m *memStore) GetActiveWindow(ctx context.Context, doctorProfileID uuid.UUID, weekday time.Weekday, onDate time.Time) (*AvailabilityWindow, error) {
	if err := m.hook(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[doctorProfileID][weekday]
	if !ok || !w.Active {
		return nil, nil
	}
	if w.EffectiveFrom != nil && onDate.Before(*w.EffectiveFrom) {
		return nil, nil
	}
	if w.EffectiveUntil != nil && onDate.After(*w.EffectiveUntil) {
		return nil, nil
	}
	out := w
	return &out, nil
}

func (m *memStore) ListActiveAppointments(ctx context.Context, doctorProfileID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	if err := m.hook(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listActiveLocked(doctorProfileID, from, to), nil
}

func (m *memStore) listActiveLocked(doctorProfileID uuid.UUID, from, to time.Time) []Appointment {
	var out []Appointment
	for _, a := range m.appts {
		if a.DoctorProfileID != doctorProfileID || !a.Status.Active() {
			continue
		}
		if a.StartTime.Before(to) && a.EndTime().After(from) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (m *memStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if err := m.hook(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := a
	return &out, nil
}

func (m *memStore) InsertAppointment(ctx context.Context, draft Appointment, bufferMinutes int) (*Appointment, error) {
	if err := m.hook(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	buffer := time.Duration(bufferMinutes) * time.Minute
	for _, a := range m.appts {
		if a.DoctorProfileID != draft.DoctorProfileID || !a.Status.Active() {
			continue
		}
		if Overlaps(draft.Interval(), a.Interval(), buffer) {
			conflict := a
			return nil, &ConflictError{Conflicting: &conflict}
		}
	}

	now := time.Now().UTC()
	draft.CreatedAt = now
	draft.UpdatedAt = now
	m.appts[draft.ID] = draft
	out := draft
	return &out, nil
}

func (m *memStore) UpdateAppointment(ctx context.Context, a *Appointment, bufferMinutes int, entries []HistoryEntry) (*Appointment, error) {
	if err := m.hook(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.appts[a.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if current.Version != a.Version {
		return nil, ErrStaleVersion
	}

	buffer := time.Duration(bufferMinutes) * time.Minute
	for _, other := range m.appts {
		if other.ID == a.ID || other.DoctorProfileID != a.DoctorProfileID || !other.Status.Active() {
			continue
		}
		if Overlaps(a.Interval(), other.Interval(), buffer) {
			conflict := other
			return nil, &ConflictError{Conflicting: &conflict}
		}
	}

	updated := *a
	updated.Version++
	updated.UpdatedAt = time.Now().UTC()
	m.appts[a.ID] = updated
	m.appendHistoryLocked(entries)
	out := updated
	return &out, nil
}

func (m *memStore) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, expected, newStatus Status, entry HistoryEntry) (*Appointment, error) {
	if err := m.hook(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if current.Status != expected {
		return nil, ErrStaleVersion
	}

	current.Status = newStatus
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	if newStatus == StatusCancelled {
		at := entry.ChangedAt
		by := entry.ActorID
		current.CancelledAt = &at
		current.CancelledBy = &by
		if entry.Reason != "" {
			reason := entry.Reason
			current.CancelReason = &reason
		}
	}
	m.appts[id] = current
	m.appendHistoryLocked([]HistoryEntry{entry})
	out := current
	return &out, nil
}

func (m *memStore) appendHistoryLocked(entries []HistoryEntry) {
	for _, e := range entries {
		m.nextHist++
		e.ID = m.nextHist
		m.history = append(m.history, e)
	}
}

func (m *memStore) ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryEntry, error) {
	if err := m.hook(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for _, e := range m.history {
		if e.AppointmentID == appointmentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ListAppointments(ctx context.Context, doctorProfileID, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if err := m.hook(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for _, a := range m.appts {
		if doctorProfileID != uuid.Nil && a.DoctorProfileID != doctorProfileID {
			continue
		}
		if patientID != uuid.Nil && a.PatientID != patientID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListOverdueConfirmed(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	if err := m.hook(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.Status == StatusConfirmed && !a.StartTime.After(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

// memLocker serializes fn per (doctor, day) with plain mutexes.
type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *memLocker) WithDoctorLock(ctx context.Context, doctorProfileID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error {
	key := doctorProfileID.String() + day.UTC().Format("2006-01-02")
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}
