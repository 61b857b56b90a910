package ride

import (
	"errors"
	"fmt"

	"github.com/example/ride-coordinator/internal/models"
)

var (
	ErrInvalidLegs       = errors.New("invalid legs")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrOutOfOrderStop    = errors.New("out of order stop")
	ErrNotFound          = errors.New("ride not found")
	ErrExists            = errors.New("ride already exists")
)

// TransitionError is returned when an event is rejected. The ride is left
// exactly as it was.
type TransitionError struct {
	RideID string
	From   models.State
	Event  EventType
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ride %s: %s in state %s: %v", e.RideID, e.Event, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
