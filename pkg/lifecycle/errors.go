package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates a logic or concurrency bug: the
	// requested status change is not an edge of the state machine. It is
	// always surfaced, never swallowed, and the record is left untouched.
	ErrInvalidTransition = errors.New("invalid change transition")

	// ErrNotFound is returned for unknown change ids.
	ErrNotFound = errors.New("change record not found")
)

func invalidTransition(changeID string, from, to Status) error {
	return fmt.Errorf("%w: change %s cannot move %s -> %s", ErrInvalidTransition, changeID, from, to)
}
