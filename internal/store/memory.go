package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aloksinha3/Mada/internal/models"
)

// InMemoryStore is a mutex-guarded store for tests and DSN-less runs.
type InMemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	calls    map[int64]*models.Call
	messages map[int64]models.Message
	patients map[int64]models.Patient
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		calls:    make(map[int64]*models.Call),
		messages: make(map[int64]models.Message),
		patients: make(map[int64]models.Patient),
	}
}

// PutPatient seeds a patient snapshot. The real source of patients is the
// patient-management collaborator.
func (s *InMemoryStore) PutPatient(p models.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
}

// RemovePatient drops a seeded patient snapshot.
func (s *InMemoryStore) RemovePatient(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patients, id)
}

func (s *InMemoryStore) GetPatient(ctx context.Context, id int64) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %d: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

func (s *InMemoryStore) GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Patient
	for _, p := range s.patients {
		if p.Phone != phone || (found != nil && found.ID < p.ID) {
			continue
		}
		match := p
		found = &match
	}
	if found == nil || phone == "" {
		return nil, fmt.Errorf("patient with phone %q: %w", phone, models.ErrNotFound)
	}
	return found, nil
}

// snapshot returns a copy of c with its message attached.
func (s *InMemoryStore) snapshot(c *models.Call) models.Call {
	out := *c
	if m, ok := s.messages[c.ID]; ok {
		msg := m
		out.RecordedMessage = &msg
	}
	return out
}

func (s *InMemoryStore) slotTakenLocked(key string) bool {
	for _, c := range s.calls {
		if !c.Status.IsTerminal() && slotKey(c.PatientID, c.CallType, c.ScheduledTime) == key {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) insertLocked(call models.Call, now time.Time) models.Call {
	s.nextID++
	call.ID = s.nextID
	call.Status = models.CallStatusScheduled
	call.ScheduledTime = dbTime(call.ScheduledTime)
	call.CreatedAt = now
	call.UpdatedAt = now
	call.CompletedAt = nil
	call.ClaimedAt = nil
	call.ProviderCallHandle = ""
	call.AttemptRef = ""
	call.RecordedMessage = nil
	stored := call
	s.calls[call.ID] = &stored
	return call
}

func (s *InMemoryStore) Insert(ctx context.Context, call models.Call) (models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := slotKey(call.PatientID, call.CallType, call.ScheduledTime)
	if s.slotTakenLocked(key) {
		return models.Call{}, fmt.Errorf("insert %s: %w", key, models.ErrDuplicateKey)
	}
	inserted := s.insertLocked(call, dbTime(time.Now()))
	slog.Debug("InMemoryStore.Insert", "callID", inserted.ID, "key", key)
	return inserted, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id int64) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, fmt.Errorf("call %d: %w", id, models.ErrNotFound)
	}
	out := s.snapshot(c)
	return &out, nil
}

func (s *InMemoryStore) GetByHandle(ctx context.Context, handle string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle != "" {
		var found *models.Call
		for _, c := range s.calls {
			if c.ProviderCallHandle == handle || c.AttemptRef == handle {
				if found == nil || c.ID > found.ID {
					found = c
				}
			}
		}
		if found != nil {
			out := s.snapshot(found)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("handle %q: %w", handle, models.ErrNotFound)
}

func (s *InMemoryStore) CompareAndTransition(ctx context.Context, tr models.Transition) (*models.Call, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[tr.CallID]
	if !ok {
		return nil, fmt.Errorf("call %d: %w", tr.CallID, models.ErrNotFound)
	}
	if c.Status != tr.From {
		return nil, fmt.Errorf("call %d is %s, expected %s: %w", tr.CallID, c.Status, tr.From, models.ErrStaleTransition)
	}
	if tr.Message != nil {
		if _, exists := s.messages[tr.CallID]; exists {
			return nil, fmt.Errorf("call %d already has a message: %w", tr.CallID, models.ErrStaleTransition)
		}
		m := *tr.Message
		m.CreatedAt = dbTime(m.CreatedAt)
		s.messages[tr.CallID] = m
	}
	c.Status = tr.To
	c.UpdatedAt = dbTime(time.Now())
	if tr.ProviderCallHandle != "" {
		c.ProviderCallHandle = tr.ProviderCallHandle
	}
	if tr.AttemptRef != "" {
		c.AttemptRef = tr.AttemptRef
	}
	if tr.ClaimedAt != nil {
		t := dbTime(*tr.ClaimedAt)
		c.ClaimedAt = &t
	}
	if tr.CompletedAt != nil {
		t := dbTime(*tr.CompletedAt)
		c.CompletedAt = &t
	}
	if tr.FailureReason != "" {
		c.FailureReason = tr.FailureReason
	}
	out := s.snapshot(c)
	return &out, nil
}

func (s *InMemoryStore) AttachHandle(ctx context.Context, callID int64, attemptRef, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok || c.AttemptRef != attemptRef || c.ProviderCallHandle != attemptRef {
		return fmt.Errorf("attach handle to call %d: %w", callID, models.ErrStaleTransition)
	}
	c.ProviderCallHandle = handle
	c.UpdatedAt = dbTime(time.Now())
	return nil
}

func (s *InMemoryStore) sortedLocked(filter func(*models.Call) bool, less func(a, b *models.Call) bool) []models.Call {
	var matched []*models.Call
	for _, c := range s.calls {
		if filter(c) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	out := make([]models.Call, 0, len(matched))
	for _, c := range matched {
		out = append(out, s.snapshot(c))
	}
	return out
}

func oldestFirst(a, b *models.Call) bool {
	if a.ScheduledTime.Equal(b.ScheduledTime) {
		return a.ID < b.ID
	}
	return a.ScheduledTime.Before(b.ScheduledTime)
}

func (s *InMemoryStore) ListDue(ctx context.Context, now time.Time, status models.CallStatus, limit int) ([]models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := dbTime(now)
	due := s.sortedLocked(func(c *models.Call) bool {
		return c.Status == status && !c.ScheduledTime.After(cutoff)
	}, oldestFirst)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func claimTime(c *models.Call) time.Time {
	if c.ClaimedAt != nil {
		return *c.ClaimedAt
	}
	return c.ScheduledTime
}

func (s *InMemoryStore) ListInFlight(ctx context.Context, claimedBefore time.Time) ([]models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := dbTime(claimedBefore)
	return s.sortedLocked(func(c *models.Call) bool {
		return c.Status.IsInFlight() && !claimTime(c).After(cutoff)
	}, func(a, b *models.Call) bool {
		ta, tb := claimTime(a), claimTime(b)
		if ta.Equal(tb) {
			return a.ID < b.ID
		}
		return ta.Before(tb)
	}), nil
}

func (s *InMemoryStore) ListRecent(ctx context.Context, patientID *int64, limit int) ([]models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = clampRecentLimit(limit)
	recent := s.sortedLocked(func(c *models.Call) bool {
		return patientID == nil || c.PatientID == *patientID
	}, func(a, b *models.Call) bool {
		if a.ScheduledTime.Equal(b.ScheduledTime) {
			return a.ID > b.ID
		}
		return a.ScheduledTime.After(b.ScheduledTime)
	})
	if len(recent) > limit {
		recent = recent[:limit]
	}
	return recent, nil
}

func (s *InMemoryStore) NextScheduled(ctx context.Context, patientID int64, now time.Time) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	upcoming := s.sortedLocked(func(c *models.Call) bool {
		return c.PatientID == patientID && c.Status == models.CallStatusScheduled && c.ScheduledTime.After(now)
	}, oldestFirst)
	if len(upcoming) == 0 {
		return nil, fmt.Errorf("next call of patient %d: %w", patientID, models.ErrNotFound)
	}
	return &upcoming[0], nil
}

func (s *InMemoryStore) SyncScheduled(ctx context.Context, patientID int64, from time.Time, planned []models.Call) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := dbTime(time.Now())
	from = dbTime(from)
	existing := make(map[string][]*models.Call)
	for _, c := range s.calls {
		if c.PatientID != patientID || c.ScheduledTime.Before(from) {
			continue
		}
		key := slotKey(c.PatientID, c.CallType, c.ScheduledTime)
		existing[key] = append(existing[key], c)
	}

	var res SyncResult
	plannedKeys := make(map[string]bool, len(planned))
	for _, p := range planned {
		p.PatientID = patientID
		key := slotKey(patientID, p.CallType, p.ScheduledTime)
		if plannedKeys[key] {
			continue
		}
		plannedKeys[key] = true

		var scheduled *models.Call
		held := false
		for _, c := range existing[key] {
			if c.Status == models.CallStatusScheduled {
				scheduled = c
			} else {
				held = true
			}
		}
		switch {
		case scheduled != nil:
			scheduled.MessageText = p.MessageText
			scheduled.UpdatedAt = now
			res.Refreshed = append(res.Refreshed, s.snapshot(scheduled))
		case held:
			res.Skipped++
		default:
			res.Created = append(res.Created, s.insertLocked(p, now))
		}
	}

	for key, calls := range existing {
		if plannedKeys[key] {
			continue
		}
		for _, c := range calls {
			if c.Status == models.CallStatusScheduled && c.CallType.IsGenerated() && c.RetryOf == nil {
				delete(s.calls, c.ID)
				res.Removed++
			}
		}
	}
	slog.Debug("InMemoryStore.SyncScheduled", "patientID", patientID,
		"created", len(res.Created), "refreshed", len(res.Refreshed), "removed", res.Removed, "skipped", res.Skipped)
	return res, nil
}

func (s *InMemoryStore) Cancel(ctx context.Context, id int64) (*models.Call, error) {
	return cancelCall(ctx, s, id)
}

func (s *InMemoryStore) GetMessage(ctx context.Context, callID int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[callID]
	if !ok {
		return nil, fmt.Errorf("message for call %d: %w", callID, models.ErrNotFound)
	}
	return &m, nil
}

func (s *InMemoryStore) SetTranscript(ctx context.Context, callID int64, transcript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[callID]
	if !ok {
		return fmt.Errorf("message for call %d: %w", callID, models.ErrNotFound)
	}
	if m.Transcript != "" {
		return fmt.Errorf("message for call %d already transcribed: %w", callID, models.ErrStaleTransition)
	}
	m.Transcript = transcript
	s.messages[callID] = m
	return nil
}

func (s *InMemoryStore) DeletePatientCalls(ctx context.Context, patientID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.calls {
		if c.PatientID == patientID {
			delete(s.calls, id)
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PatientIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool)
	var ids []int64
	for _, c := range s.calls {
		if !seen[c.PatientID] {
			seen[c.PatientID] = true
			ids = append(ids, c.PatientID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *InMemoryStore) Close() error { return nil }

// cancelCall implements Cancel on top of CompareAndTransition for every backend.
func cancelCall(ctx context.Context, s CallStore, id int64) (*models.Call, error) {
	c, err := s.CompareAndTransition(ctx, models.Transition{
		CallID: id,
		From:   models.CallStatusScheduled,
		To:     models.CallStatusCancelled,
	})
	if err == nil {
		slog.Info("store: call cancelled", "callID", id)
		return c, nil
	}
	if !isStale(err) {
		return nil, err
	}
	current, gerr := s.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, models.NewStateError(id, "cancel", current.Status)
}
