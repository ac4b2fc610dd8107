package queue

import (
	"errors"
	"unicode/utf8"
)

var (
	// ErrStoreUnavailable wraps any failure of the backing store. It is never
	// returned for a legitimate rejection.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrNotFound is returned when reporting on an item that no longer exists.
	ErrNotFound = errors.New("queue: item not found")
	// ErrStaleClaim is returned when an item changed under the reporter,
	// typically after its lease expired and another worker reclaimed it.
	ErrStaleClaim = errors.New("queue: stale claim")
	// ErrInvalidRequest is returned for missing identifiers.
	ErrInvalidRequest = errors.New("queue: invalid request")
)

// PermanentError marks a failure that must not be retried, such as an
// unknown recipient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so ReportFailure fails the item without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

const maxErrorLen = 1024

func errorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}
	return string([]rune(msg)[:maxErrorLen])
}
