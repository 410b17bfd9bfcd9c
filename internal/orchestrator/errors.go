package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPermanent marks a failure that retrying cannot fix, such as a malformed payload.
	// Jobs failing with it are moved straight to the failed state.
	ErrPermanent = errors.New("permanent failure")

	ErrNoHandler = errors.New("no handler registered")
)

// Permanent wraps err so that errors.Is(err, ErrPermanent) reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// suspendError is returned by SleepUntil when the job must wait. Handlers propagate it
// unchanged and the engine turns it into a rescheduled job.
type suspendError struct {
	step  string
	until time.Time
}

func (e *suspendError) Error() string {
	return fmt.Sprintf("suspended at step %q until %s", e.step, e.until.Format(time.RFC3339))
}

// IsSuspended reports whether err is a suspension raised by SleepUntil.
func IsSuspended(err error) bool {
	var se *suspendError
	return errors.As(err, &se)
}
