// Package shared contains the error kinds, events and value objects common to
// the economy and progression domains. It has no external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base kinds for errors.Is checks.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrConflict means the request is well-formed but the current state
	// does not allow it (not enough energy or coins).
	ErrConflict        = errors.New("state conflict")
	ErrStateTransition = errors.New("invalid state transition")

	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// Stable error codes exposed to clients.
const (
	CodeKidNotFound        = "KID_NOT_FOUND"
	CodeKidAlreadyExists   = "KID_ALREADY_EXISTS"
	CodeInsufficientEnergy = "INSUFFICIENT_ENERGY"
	CodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	CodeInvalidTierUnlock  = "INVALID_TIER_UNLOCK"
	CodeRuleNotFound       = "RULE_NOT_FOUND"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeInternal           = "INTERNAL"
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // "economy", "progression", "rules"
	Op      string
	Kind    error // base kind for errors.Is
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches on the base kind as well as the wrapped error.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, code, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// WrapError wraps err with domain context.
func WrapError(domain, op string, kind error, code, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Economy errors.
var (
	ErrKidNotFound        = NewDomainError("economy", "Find", ErrNotFound, CodeKidNotFound, "kid not found")
	ErrKidAlreadyExists   = NewDomainError("economy", "Create", ErrAlreadyExists, CodeKidAlreadyExists, "kid economy already exists")
	ErrInsufficientEnergy = NewDomainError("economy", "SpendEnergy", ErrConflict, CodeInsufficientEnergy, "not enough energy")
	ErrInsufficientFunds  = NewDomainError("economy", "Debit", ErrConflict, CodeInsufficientFunds, "not enough coins")
)

// Progression errors.
var (
	ErrInvalidTierUnlock = NewDomainError("progression", "RecordAttempt", ErrStateTransition, CodeInvalidTierUnlock, "tier cannot be unlocked yet")
	ErrRuleNotFound      = NewDomainError("rules", "Find", ErrNotFound, CodeRuleNotFound, "game rule not found")
)

// InvalidInput builds a validation error carrying the INVALID_INPUT code.
func InvalidInput(op, message string) *DomainError {
	return NewDomainError("input", op, ErrInvalidInput, CodeInvalidInput, message)
}

// CodeOf returns the client-facing code for err. Validation kinds without an
// explicit code map to INVALID_INPUT; everything else is INTERNAL.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	if IsValidation(err) {
		return CodeInvalidInput
	}
	return CodeInternal
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsConflict checks if the error reports a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStateTransition)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}
