// Package errs defines the failure categories shared by the loan ledger.
//
// Packages wrap one of the sentinels with context ("stage: ...: %w") and
// callers classify with errors.Is or Kind.
package errs

import "errors"

var (
	// ErrNotFound marks an unknown season, stage or policy reference.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput marks malformed or out-of-range parameters.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition marks a stage that is not in the source status
	// the requested operation needs.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidState marks a violated policy lifecycle precondition.
	ErrInvalidState = errors.New("invalid state")
)

// Kind returns the category name of err, or "internal" when err does not
// wrap any of the sentinels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "internal"
	}
}
