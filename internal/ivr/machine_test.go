package ivr

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aloksinha3/Mada/internal/clock"
	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/schedule"
	"github.com/aloksinha3/Mada/internal/store"
	"github.com/aloksinha3/Mada/internal/telephony"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// placedCall inserts a call and claims it the way the dispatcher does, with
// the Twilio SID attached.
func placedCall(t *testing.T, s store.CallStore) (models.Call, Ref) {
	t.Helper()
	ctx := context.Background()
	c, err := s.Insert(ctx, models.Call{
		PatientID: 1, CallType: models.CallTypeWeeklyCheckin, ScheduledTime: now,
		MessageText: "Hello Amara, how are you feeling today?" + schedule.MenuSuffix,
	})
	require.NoError(t, err)
	_, err = s.CompareAndTransition(ctx, models.Transition{
		CallID: c.ID, From: models.CallStatusScheduled, To: models.CallStatusExecuting,
		AttemptRef: "ref-1", ProviderCallHandle: "ref-1", ClaimedAt: &now,
	})
	require.NoError(t, err)
	require.NoError(t, s.AttachHandle(ctx, c.ID, "ref-1", "CA1"))
	return c, Ref{CallSid: "CA1", AttemptRef: "ref-1"}
}

func newMachine() (*Machine, *store.InMemoryStore, *clock.Fake) {
	s := store.NewInMemoryStore()
	fake := clock.NewFake(now.Add(time.Minute))
	return NewMachine(s, WithClock(fake)), s, fake
}

func status(t *testing.T, s store.CallStore, id int64) *models.Call {
	t.Helper()
	c, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestLeaveMessageFlow(t *testing.T) {
	m, s, fake := newMachine()
	ctx := context.Background()
	c, ref := placedCall(t, s)

	d, err := m.CallConnected(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, telephony.DirectivePrompt, d.Kind)
	assert.Equal(t, "Hello Amara, how are you feeling today?", d.Script)
	assert.Equal(t, "ref-1", d.Ref)
	assert.Equal(t, models.CallStatusAwaitingInput, status(t, s, c.ID).Status)

	d, err = m.KeyPressed(ctx, ref, "1")
	require.NoError(t, err)
	assert.Equal(t, telephony.DirectiveRecord, d.Kind)
	assert.Equal(t, models.CallStatusRecording, status(t, s, c.ID).Status)

	fake.Advance(time.Minute)
	d, err = m.RecordingFinished(ctx, ref, "https://api.twilio.com/rec/RE1", "I have a headache")
	require.NoError(t, err)
	assert.Equal(t, telephony.DirectiveGoodbye, d.Kind)

	final := status(t, s, c.ID)
	assert.Equal(t, models.CallStatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, now.Add(2*time.Minute), *final.CompletedAt)
	require.NotNil(t, final.RecordedMessage)
	assert.Equal(t, "I have a headache", final.RecordedMessage.Transcript)

	// Replay of recording-finished on a completed call is a no-op.
	d, err = m.RecordingFinished(ctx, ref, "https://api.twilio.com/rec/RE2", "")
	require.NoError(t, err)
	assert.Equal(t, telephony.DirectiveHangup, d.Kind)
	msg, err := s.GetMessage(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://api.twilio.com/rec/RE1", msg.AudioRef)
	assert.Equal(t, *final.CompletedAt, *status(t, s, c.ID).CompletedAt)
}

func TestMenuNamesTheRecordingKey(t *testing.T) {
	m, s, _ := newMachine()
	ctx := context.Background()
	c, ref := placedCall(t, s)

	want := "Press " + telephony.LeaveMessageKey + " "
	assert.True(t, strings.HasPrefix(telephony.MenuPrompt, want), "menu prompt %q", telephony.MenuPrompt)
	assert.Contains(t, status(t, s, c.ID).MessageText, want)

	_, err := m.CallConnected(ctx, ref)
	require.NoError(t, err)
	d, err := m.KeyPressed(ctx, ref, " "+telephony.LeaveMessageKey+" ")
	require.NoError(t, err)
	assert.Equal(t, telephony.DirectiveRecord, d.Kind)
}

func TestOtherKeyCompletesWithoutMessage(t *testing.T) {
	for _, key := range []string{"2", ""} {
		m, s, _ := newMachine()
		ctx := context.Background()
		c, ref := placedCall(t, s)
		_, err := m.CallConnected(ctx, ref)
		require.NoError(t, err)

		d, err := m.KeyPressed(ctx, ref, key)
		require.NoError(t, err)
		assert.Equal(t, telephony.DirectiveGoodbye, d.Kind)
		final := status(t, s, c.ID)
		assert.Equal(t, models.CallStatusCompleted, final.Status)
		assert.NotNil(t, final.CompletedAt)
		assert.Nil(t, final.RecordedMessage)
	}
}

func TestOutOfOrderEventsAreNoops(t *testing.T) {
	m, s, _ := newMachine()
	ctx := context.Background()
	c, ref := placedCall(t, s)

	// Key before connect: nothing changes.
	d, err := m.KeyPressed(ctx, ref, "1")
	require.NoError(t, err)
	assert.Equal(t, telephony.DirectivePrompt, d.Kind)
	assert.Equal(t, models.CallStatusExecuting, status(t, s, c.ID).Status)

	// Recording before record: nothing changes.
	_, err = m.RecordingFinished(ctx, ref, "https://rec", "")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusExecuting, status(t, s, c.ID).Status)

	// Duplicate connect replays the prompt.
	_, err = m.CallConnected(ctx, ref)
	require.NoError(t, err)
	d, err = m.CallConnected(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, telephony.DirectivePrompt, d.Kind)
	assert.Equal(t, models.CallStatusAwaitingInput, status(t, s, c.ID).Status)
}

func TestCorrelatesByEitherHandle(t *testing.T) {
	m, s, _ := newMachine()
	ctx := context.Background()
	c, _ := placedCall(t, s)

	_, err := m.CallConnected(ctx, Ref{CallSid: "CA1"})
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusAwaitingInput, status(t, s, c.ID).Status)

	_, err = m.KeyPressed(ctx, Ref{AttemptRef: "ref-1"}, "9")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusCompleted, status(t, s, c.ID).Status)
}

func TestUnknownHandleIsDropped(t *testing.T) {
	m, s, _ := newMachine()
	ctx := context.Background()
	c, _ := placedCall(t, s)

	d, err := m.RecordingFinished(ctx, Ref{CallSid: "CA-unknown"}, "https://rec", "")
	assert.ErrorIs(t, err, models.ErrUnknownHandle)
	assert.Equal(t, telephony.DirectiveHangup, d.Kind)
	assert.Equal(t, models.CallStatusExecuting, status(t, s, c.ID).Status)

	// After the patient's calls are deleted, late webhooks never resurrect a row.
	_, err = s.DeletePatientCalls(ctx, 1)
	require.NoError(t, err)
	_, err = m.CallConnected(ctx, Ref{CallSid: "CA1", AttemptRef: "ref-1"})
	assert.ErrorIs(t, err, models.ErrUnknownHandle)
	recent, err := s.ListRecent(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestStatusChanged(t *testing.T) {
	cases := []struct {
		name     string
		connect  bool
		provider string
		want     models.CallStatus
	}{
		{"busy", false, "busy", models.CallStatusNoAnswer},
		{"no answer", false, "no-answer", models.CallStatusNoAnswer},
		{"failed", false, "failed", models.CallStatusFailed},
		{"canceled", false, "canceled", models.CallStatusFailed},
		{"hung up before input", true, "completed", models.CallStatusCompleted},
		{"completed before connect", false, "completed", models.CallStatusCompleted},
		{"ringing is not final", false, "ringing", models.CallStatusExecuting},
		{"busy after connect is stale", true, "busy", models.CallStatusAwaitingInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, s, _ := newMachine()
			ctx := context.Background()
			c, ref := placedCall(t, s)
			if tc.connect {
				_, err := m.CallConnected(ctx, ref)
				require.NoError(t, err)
			}
			require.NoError(t, m.StatusChanged(ctx, ref, tc.provider))
			got := status(t, s, c.ID)
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, tc.want.IsFinished(), got.CompletedAt != nil)
			if tc.want == models.CallStatusNoAnswer || tc.want == models.CallStatusFailed {
				assert.Contains(t, got.FailureReason, tc.provider)
			}
		})
	}
}

func TestStatusCompletedLeavesRecordingAlone(t *testing.T) {
	m, s, _ := newMachine()
	ctx := context.Background()
	c, ref := placedCall(t, s)
	_, err := m.CallConnected(ctx, ref)
	require.NoError(t, err)
	_, err = m.KeyPressed(ctx, ref, "1")
	require.NoError(t, err)

	require.NoError(t, m.StatusChanged(ctx, ref, "completed"))
	assert.Equal(t, models.CallStatusRecording, status(t, s, c.ID).Status)

	_, err = m.RecordingFinished(ctx, ref, "", "")
	require.NoError(t, err)
	final := status(t, s, c.ID)
	assert.Equal(t, models.CallStatusCompleted, final.Status)
	assert.Nil(t, final.RecordedMessage)
	assert.NotEmpty(t, final.FailureReason)
}

func TestTranscriptionArrivesAfterRecording(t *testing.T) {
	m, s, _ := newMachine()
	ctx := context.Background()
	c, ref := placedCall(t, s)
	_, err := m.CallConnected(ctx, ref)
	require.NoError(t, err)
	_, err = m.KeyPressed(ctx, ref, telephony.LeaveMessageKey)
	require.NoError(t, err)
	_, err = m.RecordingFinished(ctx, ref, "https://api.twilio.com/rec/RE1", "")
	require.NoError(t, err)
	before := status(t, s, c.ID)

	// Failed or empty transcriptions leave the message alone.
	require.NoError(t, m.TranscriptionReady(ctx, ref, "failed", "garbled"))
	require.NoError(t, m.TranscriptionReady(ctx, ref, "completed", "  "))
	msg, err := s.GetMessage(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, msg.Transcript)

	require.NoError(t, m.TranscriptionReady(ctx, Ref{CallSid: "CA1"}, "completed", " My feet are swollen. "))
	msg, err = s.GetMessage(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "My feet are swollen.", msg.Transcript)

	// A redelivered callback does not overwrite it.
	require.NoError(t, m.TranscriptionReady(ctx, ref, "completed", "something else"))
	msg, err = s.GetMessage(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "My feet are swollen.", msg.Transcript)

	after := status(t, s, c.ID)
	assert.Equal(t, models.CallStatusCompleted, after.Status)
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
}

func TestTranscriptionWithoutMessageIsDropped(t *testing.T) {
	m, s, _ := newMachine()
	ctx := context.Background()
	_, ref := placedCall(t, s)

	assert.NoError(t, m.TranscriptionReady(ctx, ref, "completed", "hello"))
	err := m.TranscriptionReady(ctx, Ref{CallSid: "CA-unknown"}, "completed", "hello")
	assert.ErrorIs(t, err, models.ErrUnknownHandle)
}
