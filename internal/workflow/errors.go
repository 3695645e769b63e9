package workflow

import (
	"errors"
	"fmt"

	"github.com/marcus/statesync/internal/models"
)

// ErrInvalidTable is wrapped by every table construction error
var ErrInvalidTable = errors.New("invalid transition table")

// TransitionError is returned when a requested state change is not in the table
type TransitionError struct {
	EntityID string
	From     models.State
	To       models.State
	Reason   string
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("Invalid transition to %q: %s", e.To, e.Reason)
	}
	if e.EntityID == "" {
		return fmt.Sprintf("Invalid transition from %q to %q: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("Invalid transition from %q to %q for %s: %s", e.From, e.To, e.EntityID, e.Reason)
}
