package poll

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

// TimeoutError is returned when the deadline passes with resources still in
// a non-terminal status.
type TimeoutError struct {
	Kind     string
	Deadline time.Duration
	Pending  []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s not ready after %s: still pending %s", e.Kind, e.Deadline, strings.Join(e.Pending, ", "))
}

// FailedError is returned when a resource reports an error status and no
// recreate function was given.
type FailedError struct {
	Kind   string
	ID     string
	Status string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s %s reported status %q", e.Kind, e.ID, e.Status)
}

// IsTimeout reports whether err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsFailed reports whether err is, or wraps, a *FailedError.
func IsFailed(err error) bool {
	var fe *FailedError
	return errors.As(err, &fe)
}
