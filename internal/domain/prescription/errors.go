package prescription

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("prescription not found")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidTransition    = errors.New("invalid verification transition")
	ErrVerificationRequired = errors.New("verification required before dispensing")
	ErrQuotaExceeded        = errors.New("usage limit reached")
	ErrExpired              = errors.New("prescription expired")
	ErrNothingToVerify      = errors.New("no flagged medications to verify")
	ErrUpstreamUnavailable  = errors.New("upstream lookup unavailable")
	ErrIdentityCollision    = errors.New("prescription identity collision")
	ErrValidation           = errors.New("validation failed")
)

// InvalidTransitionError reports a state machine guard failure together with
// the state the caller should resynchronize to.
type InvalidTransitionError struct {
	Op      string
	Current Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from status %q", ErrInvalidTransition, e.Op, e.Current)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// VerificationRequiredError blocks a dispense while verification is pending or
// rejected.
type VerificationRequiredError struct {
	Status  Status
	Flagged []FlaggedMedication
}

func (e *VerificationRequiredError) Error() string {
	return fmt.Sprintf("%s: status %q, %d flagged medication(s)", ErrVerificationRequired, e.Status, len(e.Flagged))
}

func (e *VerificationRequiredError) Is(target error) bool { return target == ErrVerificationRequired }

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
