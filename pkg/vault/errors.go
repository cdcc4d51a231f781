package vault

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidPinFormat is returned when a PIN is not exactly 6 digits
	ErrInvalidPinFormat = errors.New("PIN must be 6 digits")

	// ErrIncorrectPin is returned when a PIN does not match the stored credential
	ErrIncorrectPin = errors.New("incorrect PIN")

	// ErrLockedOut is matched by every LockedOutError
	ErrLockedOut = errors.New("too many failed attempts")

	// ErrNotConfigured is returned when no PIN has been set
	ErrNotConfigured = errors.New("PIN not configured")

	// ErrAlreadyConfigured is returned by SetPIN once a credential exists
	ErrAlreadyConfigured = errors.New("PIN already configured")

	// ErrInvalidGrant is returned when a reset grant is missing, stale or reused
	ErrInvalidGrant = errors.New("reset requires a fresh PIN verification")
)

// LockedOutError reports how long verification stays blocked.
type LockedOutError struct {
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("%s, try again in %d seconds", ErrLockedOut, e.RemainingSeconds())
}

func (e *LockedOutError) Is(target error) bool {
	return target == ErrLockedOut
}

// RemainingSeconds rounds up so a caller never sees 0 while still locked.
func (e *LockedOutError) RemainingSeconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}
