package withdrawal

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReasonRequired    = errors.New("rejection reason is required")
)

// TransitionError reports an action attempted from the wrong status.
type TransitionError struct {
	ID     RequestID
	From   Status
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s withdrawal request %s in status %s", e.Action, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
