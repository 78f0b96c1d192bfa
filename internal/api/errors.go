package api

import (
	"errors"
	"fmt"
)

// Reason codes carried by StateConflictError and CapacityError.
const (
	ReasonDuplicateID               = "duplicate_id"
	ReasonTerminalExperiment        = "terminal_experiment"
	ReasonSignatureMismatch         = "signature_mismatch"
	ReasonBelowQualityFloor         = "quality_below_threshold"
	ReasonBelowMinimumBid           = "bid_below_minimum"
	ReasonBudgetExhausted           = "exploration_budget_exhausted"
	ReasonInsufficientShadowSamples = "insufficient_shadow_samples"
	ReasonInsufficientLift          = "shadow_lift_insufficient"
	ReasonInsufficientPool          = "insufficient_pool_capacity"
)

// ValidationError reports a missing or malformed input. Nothing is recorded.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error [%s]: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown feature key, experiment, split or route.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// StateConflictError reports an operation that the entity's current state
// forbids. State is left unchanged.
type StateConflictError struct {
	Reason  string
	Message string
}

func (e *StateConflictError) Error() string {
	if e.Message == "" {
		return "state conflict: " + e.Reason
	}
	return fmt.Sprintf("state conflict [%s]: %s", e.Reason, e.Message)
}

// CapacityError is a structured refusal. Callers are expected to retry later
// or fall back to exploit-only behavior.
type CapacityError struct {
	Reason  string
	Message string
	// Have and Need describe the shortfall when it is countable.
	Have float64
	Need float64
}

func (e *CapacityError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("capacity refusal [%s]: have %.4g, need %.4g", e.Reason, e.Have, e.Need)
	}
	return fmt.Sprintf("capacity refusal [%s]: %s", e.Reason, e.Message)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Conflict builds a StateConflictError.
func Conflict(reason, format string, args ...any) error {
	return &StateConflictError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsStateConflict reports whether err wraps a StateConflictError.
func IsStateConflict(err error) bool {
	var target *StateConflictError
	return errors.As(err, &target)
}

// IsCapacity reports whether err wraps a CapacityError.
func IsCapacity(err error) bool {
	var target *CapacityError
	return errors.As(err, &target)
}

// ReasonOf extracts the reason code from a conflict or capacity error.
func ReasonOf(err error) string {
	var conflict *StateConflictError
	if errors.As(err, &conflict) {
		return conflict.Reason
	}
	var capacity *CapacityError
	if errors.As(err, &capacity) {
		return capacity.Reason
	}
	return ""
}
