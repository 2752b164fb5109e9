package models

import (
	"errors"
	"fmt"
)

// Error variables shared by the store, dispatcher, IVR machine and API.
var (
	// ErrDuplicateKey means a non-terminal call already occupies the (patient, type, time) slot.
	ErrDuplicateKey = errors.New("duplicate call slot")
	// ErrStaleTransition means the call was no longer in the expected status. Losing a claim race ends here.
	ErrStaleTransition = errors.New("stale transition")
	// ErrInvalidState means the operation is not allowed in the call's current status.
	ErrInvalidState = errors.New("invalid call state")
	// ErrNotFound means the patient or call does not exist.
	ErrNotFound = errors.New("not found")
	// ErrProviderError means the telephony provider could not place the call.
	ErrProviderError = errors.New("provider error")
	// ErrUnknownHandle means a webhook referenced a handle no call carries.
	ErrUnknownHandle = errors.New("unknown provider call handle")
	// ErrInvalidPatient means the patient snapshot cannot be scheduled.
	ErrInvalidPatient = errors.New("invalid patient")
)

// StateError reports an operation rejected because of the call's current status.
type StateError struct {
	CallID int64
	Op     string
	Status CallStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s call %d: call is %s", e.Op, e.CallID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// NewStateError builds a StateError for op on a call currently in status.
func NewStateError(callID int64, op string, status CallStatus) error {
	return &StateError{CallID: callID, Op: op, Status: status}
}

// ProviderError wraps a failure returned by the telephony provider.
type ProviderError struct {
	Provider string
	// Code is the provider's error code, 0 when none was returned.
	Code int
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: code %d: %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrProviderError) match any ProviderError.
func (e *ProviderError) Is(target error) bool { return target == ErrProviderError }
