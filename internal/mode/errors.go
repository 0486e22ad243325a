package mode

import (
	"errors"
	"fmt"
)

// ErrAlreadyActive is returned when the switch target equals the current
// mode. A failed transition record is still appended.
var ErrAlreadyActive = errors.New("mode already active")

// ErrUnknownMode is returned for a switch target outside the mode set.
var ErrUnknownMode = errors.New("unknown mode")

// CapabilityError reports that a mode's precondition checker refused
// activation. The reason is user-actionable.
type CapabilityError struct {
	Mode   Mode
	Reason string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("mode %s cannot activate: %s", e.Mode, e.Reason)
}

// IsCapabilityError reports whether err is a CapabilityError.
func IsCapabilityError(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}
