package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aloksinha3/Mada/internal/models"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T) Store
	seed func(t *testing.T, s Store, p models.Patient, medsJSON, risks string)
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			open: func(t *testing.T) Store { return NewInMemoryStore() },
			seed: func(t *testing.T, s Store, p models.Patient, medsJSON, risks string) {
				meds, err := models.DecodeMedications([]byte(medsJSON))
				require.NoError(t, err)
				p.Medications = meds
				p.RiskFactors = parseRiskFactors(risks)
				s.(*InMemoryStore).PutPatient(p)
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) Store {
				s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "mada.db")))
				require.NoError(t, err)
				t.Cleanup(func() { s.Close() })
				return s
			},
			seed: func(t *testing.T, s Store, p models.Patient, medsJSON, risks string) {
				_, err := s.(*SQLiteStore).db.Exec(
					`INSERT INTO patients (id, name, phone, gestational_age_weeks, risk_category, medications, risk_factors) VALUES (?, ?, ?, ?, ?, ?, ?)`,
					p.ID, p.Name, p.Phone, p.GestationalAgeWeeks, string(p.RiskCategory), medsJSON, risks)
				require.NoError(t, err)
			},
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend, s Store)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			fn(t, b, b.open(t))
		})
	}
}

func newCall(patientID int64, ct models.CallType, at time.Time) models.Call {
	return models.Call{PatientID: patientID, CallType: ct, ScheduledTime: at, MessageText: "Hello"}
}

func claim(t *testing.T, s Store, id int64, ref string, at time.Time) *models.Call {
	t.Helper()
	c, err := s.CompareAndTransition(context.Background(), models.Transition{
		CallID: id, From: models.CallStatusScheduled, To: models.CallStatusExecuting,
		AttemptRef: ref, ProviderCallHandle: ref, ClaimedAt: &at,
	})
	require.NoError(t, err)
	return c
}

func TestInsertAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		c, err := s.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base.Add(500*time.Millisecond)))
		require.NoError(t, err)
		assert.Positive(t, c.ID)
		assert.Equal(t, models.CallStatusScheduled, c.Status)

		got, err := s.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, base, got.ScheduledTime)
		assert.Equal(t, "Hello", got.MessageText)
		assert.Nil(t, got.CompletedAt)
		assert.Empty(t, got.ProviderCallHandle)

		second, err := s.Insert(ctx, newCall(1, models.CallTypeMedicationReminder, base))
		require.NoError(t, err)
		assert.Greater(t, second.ID, c.ID)

		_, err = s.Get(ctx, 999)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestInsertDuplicateSlot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		first, err := s.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base))
		require.NoError(t, err)

		_, err = s.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base))
		assert.ErrorIs(t, err, models.ErrDuplicateKey)

		// A terminal call releases its slot.
		_, err = s.Cancel(ctx, first.ID)
		require.NoError(t, err)
		_, err = s.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base))
		assert.NoError(t, err)
	})
}

func TestCompareAndTransition(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		c, err := s.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base))
		require.NoError(t, err)

		claimed := claim(t, s, c.ID, "ref-1", base)
		assert.Equal(t, models.CallStatusExecuting, claimed.Status)
		assert.Equal(t, "ref-1", claimed.ProviderCallHandle)
		require.NotNil(t, claimed.ClaimedAt)

		// Second claim loses.
		_, err = s.CompareAndTransition(ctx, models.Transition{
			CallID: c.ID, From: models.CallStatusScheduled, To: models.CallStatusExecuting, AttemptRef: "ref-2", ClaimedAt: &base,
		})
		assert.ErrorIs(t, err, models.ErrStaleTransition)

		got, err := s.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "ref-1", got.AttemptRef)

		_, err = s.CompareAndTransition(ctx, models.Transition{
			CallID: 404, From: models.CallStatusScheduled, To: models.CallStatusExecuting, AttemptRef: "x", ClaimedAt: &base,
		})
		assert.ErrorIs(t, err, models.ErrNotFound)

		// Invalid transitions are rejected before storage.
		_, err = s.CompareAndTransition(ctx, models.Transition{CallID: c.ID, From: models.CallStatusExecuting, To: models.CallStatusCompleted})
		assert.Error(t, err)
		got, err = s.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CallStatusExecuting, got.Status)
	})
}

func TestTransitionWithMessage(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		c, err := s.Insert(ctx, newCall(7, models.CallTypeWeeklyCheckin, base))
		require.NoError(t, err)
		claim(t, s, c.ID, "ref", base)
		_, err = s.CompareAndTransition(ctx, models.Transition{CallID: c.ID, From: models.CallStatusExecuting, To: models.CallStatusAwaitingInput})
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, models.Transition{CallID: c.ID, From: models.CallStatusAwaitingInput, To: models.CallStatusRecording})
		require.NoError(t, err)

		done := base.Add(2 * time.Minute)
		msg := &models.Message{ID: "msg-1", CallID: c.ID, PatientID: 7, AudioRef: "https://audio/1", CreatedAt: done}
		final, err := s.CompareAndTransition(ctx, models.Transition{
			CallID: c.ID, From: models.CallStatusRecording, To: models.CallStatusCompleted, CompletedAt: &done, Message: msg,
		})
		require.NoError(t, err)
		assert.Equal(t, models.CallStatusCompleted, final.Status)
		require.NotNil(t, final.CompletedAt)
		assert.Equal(t, done, *final.CompletedAt)
		require.NotNil(t, final.RecordedMessage)
		assert.Equal(t, "https://audio/1", final.RecordedMessage.AudioRef)

		got, err := s.GetMessage(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "msg-1", got.ID)
		assert.Equal(t, int64(7), got.PatientID)

		// Replay leaves everything untouched.
		other := &models.Message{ID: "msg-2", CallID: c.ID, PatientID: 7, AudioRef: "https://audio/2", CreatedAt: done}
		_, err = s.CompareAndTransition(ctx, models.Transition{
			CallID: c.ID, From: models.CallStatusRecording, To: models.CallStatusCompleted, CompletedAt: &done, Message: other,
		})
		assert.ErrorIs(t, err, models.ErrStaleTransition)
		got, err = s.GetMessage(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "msg-1", got.ID)
	})
}

func TestSetTranscript(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		c, err := s.Insert(ctx, newCall(8, models.CallTypeWeeklyCheckin, base))
		require.NoError(t, err)

		err = s.SetTranscript(ctx, c.ID, "too early")
		assert.ErrorIs(t, err, models.ErrNotFound)

		claim(t, s, c.ID, "ref", base)
		for _, to := range []models.CallStatus{models.CallStatusAwaitingInput, models.CallStatusRecording} {
			from := models.CallStatusExecuting
			if to == models.CallStatusRecording {
				from = models.CallStatusAwaitingInput
			}
			_, err = s.CompareAndTransition(ctx, models.Transition{CallID: c.ID, From: from, To: to})
			require.NoError(t, err)
		}
		done := base.Add(time.Minute)
		_, err = s.CompareAndTransition(ctx, models.Transition{
			CallID: c.ID, From: models.CallStatusRecording, To: models.CallStatusCompleted, CompletedAt: &done,
			Message: &models.Message{ID: "msg-8", CallID: c.ID, PatientID: 8, AudioRef: "https://audio/8", CreatedAt: done},
		})
		require.NoError(t, err)

		require.NoError(t, s.SetTranscript(ctx, c.ID, "Feeling dizzy"))
		assert.ErrorIs(t, s.SetTranscript(ctx, c.ID, "again"), models.ErrStaleTransition)

		got, err := s.GetMessage(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "Feeling dizzy", got.Transcript)
		call, err := s.Get(ctx, c.ID)
		require.NoError(t, err)
		require.NotNil(t, call.RecordedMessage)
		assert.Equal(t, "Feeling dizzy", call.RecordedMessage.Transcript)
	})
}

func TestAttachHandleAndLookup(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		c, err := s.Insert(ctx, newCall(1, models.CallTypeTestCall, base))
		require.NoError(t, err)
		claim(t, s, c.ID, "ref-a", base)

		byRef, err := s.GetByHandle(ctx, "ref-a")
		require.NoError(t, err)
		assert.Equal(t, c.ID, byRef.ID)

		require.NoError(t, s.AttachHandle(ctx, c.ID, "ref-a", "CA123"))
		assert.ErrorIs(t, s.AttachHandle(ctx, c.ID, "ref-a", "CA999"), models.ErrStaleTransition)
		assert.ErrorIs(t, s.AttachHandle(ctx, c.ID, "ref-b", "CA999"), models.ErrStaleTransition)

		bySid, err := s.GetByHandle(ctx, "CA123")
		require.NoError(t, err)
		assert.Equal(t, c.ID, bySid.ID)
		byRef, err = s.GetByHandle(ctx, "ref-a")
		require.NoError(t, err)
		assert.Equal(t, c.ID, byRef.ID)

		_, err = s.GetByHandle(ctx, "CA-unknown")
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = s.GetByHandle(ctx, "")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestListDueAndInFlight(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		late, err := s.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base.Add(-time.Hour)))
		require.NoError(t, err)
		early, err := s.Insert(ctx, newCall(2, models.CallTypeWeeklyCheckin, base.Add(-2*time.Hour)))
		require.NoError(t, err)
		_, err = s.Insert(ctx, newCall(3, models.CallTypeWeeklyCheckin, base.Add(time.Hour)))
		require.NoError(t, err)
		onTime, err := s.Insert(ctx, newCall(4, models.CallTypeWeeklyCheckin, base))
		require.NoError(t, err)

		due, err := s.ListDue(ctx, base, models.CallStatusScheduled, 0)
		require.NoError(t, err)
		require.Len(t, due, 3)
		assert.Equal(t, []int64{early.ID, late.ID, onTime.ID}, []int64{due[0].ID, due[1].ID, due[2].ID})

		limited, err := s.ListDue(ctx, base, models.CallStatusScheduled, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, early.ID, limited[0].ID)

		claim(t, s, early.ID, "r1", base.Add(-10*time.Minute))
		claim(t, s, late.ID, "r2", base)

		stale, err := s.ListInFlight(ctx, base.Add(-5*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, early.ID, stale[0].ID)

		due, err = s.ListDue(ctx, base, models.CallStatusScheduled, 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, onTime.ID, due[0].ID)
	})
}

func TestListRecent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		for i := 0; i < 15; i++ {
			_, err := s.Insert(ctx, newCall(int64(1+i%2), models.CallTypeMedicationReminder, base.Add(time.Duration(i)*time.Hour)))
			require.NoError(t, err)
		}
		recent, err := s.ListRecent(ctx, nil, 0)
		require.NoError(t, err)
		require.Len(t, recent, DefaultRecentLimit)
		assert.Equal(t, base.Add(14*time.Hour), recent[0].ScheduledTime)
		for i := 1; i < len(recent); i++ {
			assert.True(t, recent[i-1].ScheduledTime.After(recent[i].ScheduledTime))
		}

		pid := int64(2)
		mine, err := s.ListRecent(ctx, &pid, 50)
		require.NoError(t, err)
		assert.Len(t, mine, 7)
		for _, c := range mine {
			assert.Equal(t, pid, c.PatientID)
		}
	})
}

func TestNextScheduled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		past, err := s.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base.Add(-time.Hour)))
		require.NoError(t, err)
		claimed, err := s.Insert(ctx, newCall(1, models.CallTypeMedicationReminder, base.Add(time.Hour)))
		require.NoError(t, err)
		claim(t, s, claimed.ID, "ref-1", base)
		later, err := s.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base.Add(48*time.Hour)))
		require.NoError(t, err)
		soonest, err := s.Insert(ctx, newCall(1, models.CallTypeHighRiskMonitoring, base.Add(24*time.Hour)))
		require.NoError(t, err)
		_, err = s.Insert(ctx, newCall(2, models.CallTypeWeeklyCheckin, base.Add(2*time.Hour)))
		require.NoError(t, err)

		next, err := s.NextScheduled(ctx, 1, base)
		require.NoError(t, err)
		assert.Equal(t, soonest.ID, next.ID)

		next, err = s.NextScheduled(ctx, 1, base.Add(30*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, later.ID, next.ID)
		assert.NotEqual(t, past.ID, next.ID)

		_, err = s.NextScheduled(ctx, 1, base.Add(72*time.Hour))
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = s.NextScheduled(ctx, 3, base)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestSyncScheduled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		from := base
		plan := []models.Call{
			newCall(1, models.CallTypeWeeklyCheckin, base.Add(24*time.Hour)),
			newCall(1, models.CallTypeMedicationReminder, base.Add(48*time.Hour)),
			newCall(1, models.CallTypeHighRiskMonitoring, base.Add(72*time.Hour)),
		}
		res, err := s.SyncScheduled(ctx, 1, from, plan)
		require.NoError(t, err)
		assert.Len(t, res.Created, 3)

		// Regenerating the same plan creates nothing new.
		plan[0].MessageText = "Updated"
		res, err = s.SyncScheduled(ctx, 1, from, plan)
		require.NoError(t, err)
		assert.Empty(t, res.Created)
		assert.Len(t, res.Refreshed, 3)
		all, err := s.ListRecent(ctx, nil, 100)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		// A slot that left scheduled is not recreated, and dropped slots go away.
		checkin := res.Refreshed[0]
		require.Equal(t, models.CallTypeWeeklyCheckin, checkin.CallType)
		assert.Equal(t, "Updated", checkin.MessageText)
		claim(t, s, checkin.ID, "ref", base)

		manual, err := s.Insert(ctx, newCall(1, models.CallTypeAppointmentNotification, base.Add(96*time.Hour)))
		require.NoError(t, err)

		res, err = s.SyncScheduled(ctx, 1, from, plan[:1])
		require.NoError(t, err)
		assert.Empty(t, res.Created)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, 2, res.Removed)

		all, err = s.ListRecent(ctx, nil, 100)
		require.NoError(t, err)
		require.Len(t, all, 2)
		ids := []int64{all[0].ID, all[1].ID}
		assert.ElementsMatch(t, []int64{checkin.ID, manual.ID}, ids)
	})
}

func TestCancel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		c, err := s.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base))
		require.NoError(t, err)
		cancelled, err := s.Cancel(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CallStatusCancelled, cancelled.Status)
		assert.Nil(t, cancelled.CompletedAt)

		_, err = s.Cancel(ctx, c.ID)
		var se *models.StateError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, models.CallStatusCancelled, se.Status)
		assert.ErrorIs(t, err, models.ErrInvalidState)

		_, err = s.Cancel(ctx, 12345)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestDeletePatientCallsAndPatientIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		c, err := s.Insert(ctx, newCall(5, models.CallTypeWeeklyCheckin, base))
		require.NoError(t, err)
		_, err = s.Insert(ctx, newCall(5, models.CallTypeMedicationReminder, base))
		require.NoError(t, err)
		_, err = s.Insert(ctx, newCall(3, models.CallTypeMedicationReminder, base))
		require.NoError(t, err)

		claim(t, s, c.ID, "ref", base)
		done := base.Add(time.Minute)
		_, err = s.CompareAndTransition(ctx, models.Transition{CallID: c.ID, From: models.CallStatusExecuting, To: models.CallStatusAwaitingInput})
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, models.Transition{CallID: c.ID, From: models.CallStatusAwaitingInput, To: models.CallStatusRecording})
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, models.Transition{
			CallID: c.ID, From: models.CallStatusRecording, To: models.CallStatusCompleted, CompletedAt: &done,
			Message: &models.Message{ID: "m", CallID: c.ID, PatientID: 5, AudioRef: "a", CreatedAt: done},
		})
		require.NoError(t, err)

		ids, err := s.PatientIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 5}, ids)

		n, err := s.DeletePatientCalls(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		_, err = s.GetMessage(ctx, c.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		ids, err = s.PatientIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, ids)
	})
}

func TestGetPatient(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		p := models.Patient{ID: 9, Name: "Amara", Phone: "5551234567", GestationalAgeWeeks: 24, RiskCategory: models.RiskHigh}
		b.seed(t, s, p, `[{"name":"Iron","dosage":"65mg","frequency":"daily","time":"08:00"},"Folic acid"]`, "anemia, hypertension")

		got, err := s.GetPatient(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, "Amara", got.Name)
		require.Len(t, got.Medications, 2)
		assert.Len(t, got.Medications[0].Frequency, 7)
		assert.Equal(t, "Folic acid", got.Medications[1].Name)
		assert.Equal(t, []string{"anemia", "hypertension"}, got.RiskFactors)

		_, err = s.GetPatient(ctx, 10)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestGetPatientByPhone(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		b.seed(t, s, models.Patient{ID: 12, Name: "Later", Phone: "5550001111", GestationalAgeWeeks: 10, RiskCategory: models.RiskLow}, `[]`, "")
		b.seed(t, s, models.Patient{ID: 7, Name: "Earlier", Phone: "5550001111", GestationalAgeWeeks: 30, RiskCategory: models.RiskMedium}, `[]`, "")
		b.seed(t, s, models.Patient{ID: 8, Name: "NoPhone", GestationalAgeWeeks: 12, RiskCategory: models.RiskLow}, `[]`, "")

		got, err := s.GetPatientByPhone(ctx, "5550001111")
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.ID)
		assert.Equal(t, "Earlier", got.Name)

		_, err = s.GetPatientByPhone(ctx, "5559999999")
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = s.GetPatientByPhone(ctx, "")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend, s Store) {
		ctx := context.Background()
		c, err := s.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.CompareAndTransition(ctx, models.Transition{
					CallID: c.ID, From: models.CallStatusScheduled, To: models.CallStatusExecuting,
					AttemptRef: "ref", ClaimedAt: &base,
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestParseRiskFactors(t *testing.T) {
	assert.Equal(t, []string{}, parseRiskFactors(""))
	assert.Equal(t, []string{"a", "b"}, parseRiskFactors(`["a","b"]`))
	assert.Equal(t, []string{"a", "b"}, parseRiskFactors("a, b,"))
}

func TestDetectDSNType(t *testing.T) {
	assert.Equal(t, "postgres", DetectDSNType("postgres://u@h/db"))
	assert.Equal(t, "postgres", DetectDSNType("host=localhost dbname=mada"))
	assert.Equal(t, "sqlite3", DetectDSNType("/var/lib/mada/mada.db"))
}

func TestOpenWithoutDSNIsInMemory(t *testing.T) {
	s, err := Open()
	require.NoError(t, err)
	_, ok := s.(*InMemoryStore)
	assert.True(t, ok)
}

func TestPostgresStoreLive(t *testing.T) {
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pg, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pg.Close()
	pg.db.Exec("DELETE FROM messages")
	pg.db.Exec("DELETE FROM calls")

	ctx := context.Background()
	c, err := pg.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base))
	require.NoError(t, err)
	_, err = pg.Insert(ctx, newCall(1, models.CallTypeWeeklyCheckin, base))
	assert.ErrorIs(t, err, models.ErrDuplicateKey)
	claimed := claim(t, pg, c.ID, "ref", base)
	assert.Equal(t, models.CallStatusExecuting, claimed.Status)
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
