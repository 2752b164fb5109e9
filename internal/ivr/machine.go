// Package ivr advances calls through the interactive voice menu in response to
// telephony events.
//
// Every event resolves its call by provider handle or attempt ref and applies
// at most one compare-and-transition. Events that find the call in any other
// state are no-ops, so duplicated or reordered provider callbacks are safe.
// Events for unknown handles are logged and dropped.
package ivr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/aloksinha3/Mada/internal/clock"
	"github.com/aloksinha3/Mada/internal/metrics"
	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/schedule"
	"github.com/aloksinha3/Mada/internal/store"
	"github.com/aloksinha3/Mada/internal/telephony"
)

// Event names, used in logs and metrics.
const (
	EventCallConnected     = "call-connected"
	EventKeyPressed        = "key-pressed"
	EventRecordingFinished = "recording-finished"
	EventTranscription     = "transcription"
	EventStatusChanged     = "status-changed"
	EventInboundCall       = "inbound-call"
)

// Ref identifies the call an event belongs to. Twilio sends its CallSid;
// our webhook URLs add the attempt ref. Either is enough.
type Ref struct {
	CallSid    string
	AttemptRef string
}

func (r Ref) String() string {
	if r.AttemptRef != "" {
		return r.AttemptRef
	}
	return r.CallSid
}

// Opts holds configuration for the Machine.
type Opts struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// Patients identifies inbound callers. Without it every inbound caller
	// hears the generic greeting.
	Patients store.PatientSource
}

// Option configures the Machine.
type Option func(*Opts)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithMetrics records event outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithPatients lets inbound calls be matched to patients by phone number.
func WithPatients(p store.PatientSource) Option {
	return func(o *Opts) { o.Patients = p }
}

// Machine is the IVR interaction state machine.
type Machine struct {
	calls    store.CallStore
	patients store.PatientSource
	clock    clock.Clock
	metrics  *metrics.Metrics
}

// NewMachine creates a Machine over calls.
func NewMachine(calls store.CallStore, opts ...Option) *Machine {
	cfg := Opts{Clock: clock.Real{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Machine{calls: calls, patients: cfg.Patients, clock: cfg.Clock, metrics: cfg.Metrics}
}

// resolve finds the call for ref. Unknown refs yield ErrUnknownHandle.
func (m *Machine) resolve(ctx context.Context, event string, ref Ref) (*models.Call, error) {
	for _, h := range []string{ref.AttemptRef, ref.CallSid} {
		if h == "" {
			continue
		}
		call, err := m.calls.GetByHandle(ctx, h)
		if err == nil {
			return call, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	slog.Warn("ivr: event for unknown handle dropped", "event", event, "callSid", ref.CallSid, "ref", ref.AttemptRef)
	m.metrics.WebhookIgnored(ctx, event, "unknown_handle")
	return nil, fmt.Errorf("%s for %q: %w", event, ref, models.ErrUnknownHandle)
}

// transition applies tr and reports whether it won. A lost race is not an error.
func (m *Machine) transition(ctx context.Context, event string, tr models.Transition) (*models.Call, bool, error) {
	call, err := m.calls.CompareAndTransition(ctx, tr)
	switch {
	case err == nil:
		slog.Info("ivr: call advanced", "event", event, "callID", tr.CallID, "from", tr.From, "to", tr.To)
		if tr.To.IsTerminal() {
			m.metrics.CallFinished(ctx, tr.To)
		}
		return call, true, nil
	case errors.Is(err, models.ErrStaleTransition), errors.Is(err, models.ErrNotFound):
		slog.Debug("ivr: stale event ignored", "event", event, "callID", tr.CallID, "expected", tr.From)
		m.metrics.WebhookIgnored(ctx, event, "stale")
		return nil, false, nil
	default:
		return nil, false, err
	}
}

func (m *Machine) ignore(ctx context.Context, event string, call *models.Call, want models.CallStatus) {
	slog.Debug("ivr: event ignored", "event", event, "callID", call.ID, "status", call.Status, "expected", want)
	m.metrics.WebhookIgnored(ctx, event, "stale")
}

// replay answers a duplicate or out-of-order event from the call's current state.
func replay(call *models.Call, ref string) telephony.Directive {
	switch call.Status {
	case models.CallStatusExecuting, models.CallStatusAwaitingInput:
		return telephony.Directive{Kind: telephony.DirectivePrompt, Script: schedule.SpokenScript(call.MessageText), Ref: ref}
	case models.CallStatusRecording:
		return telephony.Directive{Kind: telephony.DirectiveRecord, Ref: ref}
	default:
		return telephony.Directive{Kind: telephony.DirectiveHangup, Ref: ref}
	}
}

func hangup() telephony.Directive {
	return telephony.Directive{Kind: telephony.DirectiveHangup}
}

// CallConnected handles the patient answering: executing to awaiting_input.
// It answers with the call script and the keypad menu.
func (m *Machine) CallConnected(ctx context.Context, ref Ref) (telephony.Directive, error) {
	call, err := m.resolve(ctx, EventCallConnected, ref)
	if err != nil {
		return hangup(), err
	}
	if call.Status != models.CallStatusExecuting {
		m.ignore(ctx, EventCallConnected, call, models.CallStatusExecuting)
		return replay(call, call.AttemptRef), nil
	}
	updated, ok, err := m.transition(ctx, EventCallConnected, models.Transition{
		CallID: call.ID, From: models.CallStatusExecuting, To: models.CallStatusAwaitingInput,
	})
	if err != nil {
		return hangup(), err
	}
	if !ok {
		return m.current(ctx, call)
	}
	return telephony.Directive{
		Kind:   telephony.DirectivePrompt,
		Script: schedule.SpokenScript(updated.MessageText),
		Ref:    updated.AttemptRef,
	}, nil
}

// KeyPressed handles menu input. The leave-message key moves awaiting_input to
// recording; any other key, or an empty key after the gather timeout,
// completes the call without a message.
func (m *Machine) KeyPressed(ctx context.Context, ref Ref, key string) (telephony.Directive, error) {
	call, err := m.resolve(ctx, EventKeyPressed, ref)
	if err != nil {
		return hangup(), err
	}
	if call.Status != models.CallStatusAwaitingInput {
		m.ignore(ctx, EventKeyPressed, call, models.CallStatusAwaitingInput)
		return replay(call, call.AttemptRef), nil
	}

	tr := models.Transition{CallID: call.ID, From: models.CallStatusAwaitingInput}
	next := telephony.Directive{Ref: call.AttemptRef}
	if strings.TrimSpace(key) == telephony.LeaveMessageKey {
		tr.To = models.CallStatusRecording
		next.Kind = telephony.DirectiveRecord
	} else {
		now := m.clock.Now()
		tr.To = models.CallStatusCompleted
		tr.CompletedAt = &now
		next.Kind = telephony.DirectiveGoodbye
	}
	_, ok, err := m.transition(ctx, EventKeyPressed, tr)
	if err != nil {
		return hangup(), err
	}
	if !ok {
		return m.current(ctx, call)
	}
	return next, nil
}

// RecordingFinished handles the end of a voice message: recording to
// completed, with the Message row written in the same step.
func (m *Machine) RecordingFinished(ctx context.Context, ref Ref, audioRef, transcript string) (telephony.Directive, error) {
	call, err := m.resolve(ctx, EventRecordingFinished, ref)
	if err != nil {
		return hangup(), err
	}
	if call.Status != models.CallStatusRecording {
		m.ignore(ctx, EventRecordingFinished, call, models.CallStatusRecording)
		return hangup(), nil
	}

	now := m.clock.Now()
	tr := models.Transition{
		CallID:      call.ID,
		From:        models.CallStatusRecording,
		To:          models.CallStatusCompleted,
		CompletedAt: &now,
	}
	if audioRef = strings.TrimSpace(audioRef); audioRef != "" {
		tr.Message = &models.Message{
			ID:         uuid.NewString(),
			CallID:     call.ID,
			PatientID:  call.PatientID,
			AudioRef:   audioRef,
			Transcript: strings.TrimSpace(transcript),
			CreatedAt:  now,
		}
	} else {
		tr.FailureReason = "recording ended without audio"
	}
	if _, _, err := m.transition(ctx, EventRecordingFinished, tr); err != nil {
		return hangup(), err
	}
	return telephony.Directive{Kind: telephony.DirectiveGoodbye, Ref: call.AttemptRef}, nil
}

// TranscriptionReady attaches the provider's transcript to the message left
// on the call. Transcripts that failed, arrive empty or arrive twice are
// dropped; the call's status is never touched.
func (m *Machine) TranscriptionReady(ctx context.Context, ref Ref, providerStatus, transcript string) error {
	call, err := m.resolve(ctx, EventTranscription, ref)
	if err != nil {
		return err
	}
	transcript = strings.TrimSpace(transcript)
	if !strings.EqualFold(strings.TrimSpace(providerStatus), "completed") || transcript == "" {
		slog.Debug("ivr: transcription unusable", "callID", call.ID, "providerStatus", providerStatus)
		m.metrics.WebhookIgnored(ctx, EventTranscription, "unusable")
		return nil
	}
	err = m.calls.SetTranscript(ctx, call.ID, transcript)
	switch {
	case err == nil:
		slog.Info("ivr: transcript stored", "callID", call.ID)
		return nil
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrStaleTransition):
		slog.Debug("ivr: transcript dropped", "callID", call.ID, "reason", err)
		m.metrics.WebhookIgnored(ctx, EventTranscription, "stale")
		return nil
	default:
		return err
	}
}

// statusTargets maps provider call statuses to the terminal status they imply
// and the states they may finalize from.
var statusTargets = map[string]struct {
	to   models.CallStatus
	from []models.CallStatus
}{
	"busy":      {models.CallStatusNoAnswer, []models.CallStatus{models.CallStatusExecuting}},
	"no-answer": {models.CallStatusNoAnswer, []models.CallStatus{models.CallStatusExecuting}},
	"failed":    {models.CallStatusFailed, []models.CallStatus{models.CallStatusExecuting}},
	"canceled":  {models.CallStatusFailed, []models.CallStatus{models.CallStatusExecuting}},
	"completed": {models.CallStatusCompleted, []models.CallStatus{models.CallStatusExecuting, models.CallStatusAwaitingInput}},
}

// StatusChanged handles the provider's final call status. Calls that are
// recording are left for RecordingFinished or the watchdog.
func (m *Machine) StatusChanged(ctx context.Context, ref Ref, providerStatus string) error {
	call, err := m.resolve(ctx, EventStatusChanged, ref)
	if err != nil {
		return err
	}
	target, ok := statusTargets[strings.ToLower(strings.TrimSpace(providerStatus))]
	if !ok {
		slog.Debug("ivr: non-final provider status ignored", "callID", call.ID, "providerStatus", providerStatus)
		return nil
	}
	allowed := false
	for _, s := range target.from {
		if call.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		m.ignore(ctx, EventStatusChanged, call, target.from[0])
		return nil
	}

	now := m.clock.Now()
	tr := models.Transition{
		CallID:      call.ID,
		From:        call.Status,
		To:          target.to,
		CompletedAt: &now,
	}
	if target.to != models.CallStatusCompleted {
		tr.FailureReason = "provider status: " + providerStatus
	}
	_, _, err = m.transition(ctx, EventStatusChanged, tr)
	return err
}

// current re-reads a call after a lost race and answers from its new state.
func (m *Machine) current(ctx context.Context, call *models.Call) (telephony.Directive, error) {
	fresh, err := m.calls.Get(ctx, call.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return hangup(), nil
		}
		return hangup(), err
	}
	return replay(fresh, fresh.AttemptRef), nil
}
