package kitchen

import "errors"

var (
	// Validation errors are reported to the caller and never retried.
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidTicket     = errors.New("invalid ticket")

	ErrTicketNotFound = errors.New("ticket not found")
	ErrItemNotFound   = errors.New("item not found")

	ErrDuplicateTicket = errors.New("duplicate ticket")

	// ErrConfiguration marks an item that cannot be routed anywhere.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnavailable means the change could not be committed together with
	// its event. The caller may retry with the same idempotency key.
	ErrUnavailable = errors.New("event bus unavailable")
)

// IsValidation reports whether err is a caller mistake.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrInvalidTicket)
}

// IsNotFound reports whether err refers to an unknown ticket or item.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTicketNotFound) || errors.Is(err, ErrItemNotFound)
}
