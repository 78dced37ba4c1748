package migrate

import (
	"fmt"

	"github.com/juju/errors"
)

// AbortError is returned by Run when the migration ends in FAILED. Every
// resource created up to that point is left in place and listed in the
// manifest.
type AbortError struct {
	// State is the state the migration was in when it failed.
	State State
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("migration aborted during %s: %v", e.State, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// IsAbort reports whether err is, or wraps, an *AbortError.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}
