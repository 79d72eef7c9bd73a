package errors

import "errors"

var (
	// ErrStoreUnavailable wraps transport failures of the membership store.
	ErrStoreUnavailable = errors.New("membership store unavailable")

	// ErrExclusivityViolation is returned when a user tries to join a
	// location while present at another one.
	ErrExclusivityViolation = errors.New("user is already present at another location")

	ErrUnknownLocation = errors.New("unknown location")

	ErrSessionClosed = errors.New("presence session closed")

	ErrInvalidIdentity = errors.New("invalid identity")
)
