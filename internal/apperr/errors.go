// Package apperr defines the error kinds shared by the ingestion, query and
// scheduling paths. Callers classify with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the bearer token is absent or matches no device.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrDeviceNotActivated means the token is valid but the owner has not approved the device yet.
	ErrDeviceNotActivated = errors.New("device not activated")
	// ErrValidation means the payload was rejected before anything was written.
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	// ErrDeviceLimit means the owner's plan allows no further devices.
	ErrDeviceLimit = errors.New("device limit reached")
	// ErrPlanLimit means a settings change asks for more than the plan grants.
	ErrPlanLimit = errors.New("plan limit exceeded")
	// ErrStorageConflict is a unique-key race the ledger retries internally.
	ErrStorageConflict = errors.New("storage conflict")
	// ErrSinkFailure means a digest could not be delivered.
	ErrSinkFailure = errors.New("digest sink failure")
)

// Validation wraps ErrValidation with a formatted detail message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Code returns the machine-readable code for err, used in API error envelopes.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrDeviceNotActivated):
		return "device_not_activated"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDeviceLimit):
		return "device_limit_reached"
	case errors.Is(err, ErrPlanLimit):
		return "plan_limit_exceeded"
	default:
		return "internal_error"
	}
}
