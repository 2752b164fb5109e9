package models

import (
	"fmt"
	"time"
)

// CallType identifies what a call is for. It selects both the script template
// and the label shown in the call queue.
type CallType string

const (
	CallTypeWeeklyCheckin           CallType = "weekly_checkin"
	CallTypeMedicationReminder      CallType = "medication_reminder"
	CallTypeHighRiskMonitoring      CallType = "high_risk_monitoring"
	CallTypeAppointmentNotification CallType = "appointment_notification"
	CallTypeTestCall                CallType = "test_call"
)

// IsValidCallType reports whether ct is one of the known call types.
func IsValidCallType(ct CallType) bool {
	switch ct {
	case CallTypeWeeklyCheckin, CallTypeMedicationReminder, CallTypeHighRiskMonitoring,
		CallTypeAppointmentNotification, CallTypeTestCall:
		return true
	default:
		return false
	}
}

// IsGenerated reports whether calls of this type come from schedule generation.
// Regeneration only ever removes calls of generated types.
func (ct CallType) IsGenerated() bool {
	return ct == CallTypeWeeklyCheckin || ct == CallTypeMedicationReminder || ct == CallTypeHighRiskMonitoring
}

// Label returns the display label for the call type.
func (ct CallType) Label() string {
	switch ct {
	case CallTypeWeeklyCheckin:
		return "Weekly Check-in"
	case CallTypeMedicationReminder:
		return "Medication Reminder"
	case CallTypeHighRiskMonitoring:
		return "High-Risk Monitoring"
	case CallTypeAppointmentNotification:
		return "Appointment Notification"
	case CallTypeTestCall:
		return "Test Call"
	default:
		return string(ct)
	}
}

// CallStatus is the lifecycle state of a call.
type CallStatus string

const (
	CallStatusScheduled     CallStatus = "scheduled"
	CallStatusExecuting     CallStatus = "executing"
	CallStatusAwaitingInput CallStatus = "awaiting_input"
	CallStatusRecording     CallStatus = "recording"
	CallStatusCompleted     CallStatus = "completed"
	CallStatusFailed        CallStatus = "failed"
	CallStatusNoAnswer      CallStatus = "no_answer"
	CallStatusCancelled     CallStatus = "cancelled"
)

// IsTerminal reports whether no further transition can leave s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusCancelled:
		return true
	default:
		return false
	}
}

// IsFinished reports whether s carries a completion timestamp.
// Cancelled calls are terminal but never finished.
func (s CallStatus) IsFinished() bool {
	return s == CallStatusCompleted || s == CallStatusFailed || s == CallStatusNoAnswer
}

// IsInFlight reports whether a call in state s has been handed to the provider
// and is waiting for an event to resolve it.
func (s CallStatus) IsInFlight() bool {
	return s == CallStatusExecuting || s == CallStatusAwaitingInput || s == CallStatusRecording
}

// CallKey is the slot identity of a call. At most one non-terminal call exists per key.
type CallKey struct {
	PatientID     int64
	CallType      CallType
	ScheduledTime time.Time
}

func (k CallKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.PatientID, k.CallType, k.ScheduledTime.UTC().Format(time.RFC3339))
}

// Call is a single outbound IVR call, planned or placed.
type Call struct {
	ID                 int64      `json:"id"`
	PatientID          int64      `json:"patient_id"`
	CallType           CallType   `json:"call_type"`
	Status             CallStatus `json:"status"`
	MessageText        string     `json:"message_text"`
	ScheduledTime      time.Time  `json:"scheduled_time"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ProviderCallHandle string     `json:"provider_call_handle,omitempty"`
	AttemptRef         string     `json:"attempt_ref,omitempty"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	FailureReason      string     `json:"failure_reason,omitempty"`
	RecordedMessage    *Message   `json:"recorded_message,omitempty"`
	RetryOf            *int64     `json:"retry_of,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Key returns the slot identity of the call.
func (c Call) Key() CallKey {
	return CallKey{PatientID: c.PatientID, CallType: c.CallType, ScheduledTime: c.ScheduledTime}
}

// Message is the voice response a patient left during a call.
// It is written once, when the recording completes, and never modified.
type Message struct {
	ID         string    `json:"id"`
	CallID     int64     `json:"call_id"`
	PatientID  int64     `json:"patient_id"`
	AudioRef   string    `json:"audio_ref"`
	Transcript string    `json:"transcript,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Transition describes an atomic status change guarded by the expected prior
// status. Optional fields are written in the same step; zero values leave the
// stored column untouched.
type Transition struct {
	CallID int64
	From   CallStatus
	To     CallStatus

	// ProviderCallHandle replaces the stored handle.
	ProviderCallHandle string
	// AttemptRef is set when the call is claimed.
	AttemptRef string
	// ClaimedAt marks entry into executing.
	ClaimedAt *time.Time
	// CompletedAt is required when To is completed, failed or no_answer.
	CompletedAt   *time.Time
	FailureReason string
	// Message is inserted alongside the transition.
	Message *Message
}

// Validate checks the transition against the call invariants before it reaches storage.
func (t Transition) Validate() error {
	if t.CallID <= 0 {
		return fmt.Errorf("transition: invalid call id %d", t.CallID)
	}
	if t.From == t.To {
		return fmt.Errorf("transition: %s to itself", t.From)
	}
	if t.To == CallStatusScheduled {
		return fmt.Errorf("transition: a call never re-enters %s", CallStatusScheduled)
	}
	if t.From.IsTerminal() {
		return fmt.Errorf("transition: %s is terminal", t.From)
	}
	if t.To.IsFinished() && t.CompletedAt == nil {
		return fmt.Errorf("transition: %s requires completed_at", t.To)
	}
	if !t.To.IsFinished() && t.CompletedAt != nil {
		return fmt.Errorf("transition: %s must not carry completed_at", t.To)
	}
	if t.From == CallStatusScheduled && t.To == CallStatusExecuting && t.AttemptRef == "" {
		return fmt.Errorf("transition: claiming a call requires an attempt ref")
	}
	if t.Message != nil && t.Message.CallID != t.CallID {
		return fmt.Errorf("transition: message belongs to call %d, not %d", t.Message.CallID, t.CallID)
	}
	return nil
}
