package permanent

import (
	"errors"
	"fmt"
)

// Error marks a delivery failure that retrying cannot fix.
// Params: wrapped root cause such as a malformed request.
// Returns: typed non-retryable marker.
type Error struct {
	Err error
}

// Error returns wrapped error message.
func (e Error) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// Permanent reports the non-retryable marker.
func (Error) Permanent() bool {
	return true
}

// Mark wraps err with the permanent marker; nil stays nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Errorf formats a new permanent error; %w verbs are preserved.
func Errorf(format string, args ...any) error {
	return Error{Err: fmt.Errorf(format, args...)}
}

// Is reports whether any error in the chain carries the permanent marker.
// Params: candidate error.
// Returns: true when retry loops must stop.
func Is(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}
