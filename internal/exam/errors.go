package exam

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrDuplicateRegistration  = errors.New("already registered")
	ErrInvalidCode            = errors.New("invalid code")
	ErrSessionNotActive       = errors.New("session not active")
	ErrIllegalTransition      = errors.New("illegal transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrInvalidArgument        = errors.New("invalid argument")
)

// ErrBreaksExhausted is an ErrIllegalTransition: every configured break has been used.
var ErrBreaksExhausted = fmt.Errorf("%w: breaks exhausted", ErrIllegalTransition)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}

// Code maps an error to a stable machine-readable identifier.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrDuplicateRegistration):
		return "duplicate_registration"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrSessionNotActive):
		return "session_not_active"
	case errors.Is(err, ErrBreaksExhausted):
		return "breaks_exhausted"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}

// IsNotice reports conditions shown to users as explanatory notices rather
// than hard failures.
func IsNotice(err error) bool {
	return errors.Is(err, ErrBreaksExhausted) || errors.Is(err, ErrSessionNotActive)
}
