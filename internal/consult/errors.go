package consult

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden is returned when the caller does not own the consultation.
	ErrForbidden = errors.New("forbidden: not the consultation owner")

	// ErrNotTerminal is returned when an operation needs a finished consultation.
	ErrNotTerminal = errors.New("consultation is still pending")

	// ErrShuttingDown is returned by Submit once Shutdown has started.
	ErrShuttingDown = errors.New("orchestrator is shutting down")

	errNoAgents       = errors.New("no agents available")
	errNoValidReplies = errors.New("no valid agent responses")
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
