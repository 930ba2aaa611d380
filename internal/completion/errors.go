package completion

import (
	"errors"
	"fmt"
)

// ErrorKind separates failures worth retrying from ones that are not.
type ErrorKind int

const (
	// Transient failures (timeouts, connection errors, 429, 5xx) were retried
	// and did not resolve.
	Transient ErrorKind = iota
	// Rejected means the service refused the request (other 4xx).
	Rejected
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a completion service failure.
type Error struct {
	Kind     ErrorKind
	Status   int // HTTP status, 0 when none
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("completion %s (status %d, %d attempts): %v", e.Kind, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("completion %s (%d attempts): %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsServiceError reports whether err is a completion service failure of any kind.
func IsServiceError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// IsTransient reports whether err is a transient completion failure.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Transient
}

// IsRejected reports whether the service rejected the request.
func IsRejected(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Rejected
}
