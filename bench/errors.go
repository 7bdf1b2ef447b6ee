package bench

import (
	"fmt"
)

// InvalidStateError indicates an operation that the subject's current
// status does not allow, e.g. canceling a Running job.
type InvalidStateError struct {
	s string
}

func (e InvalidStateError) Error() string {
	return e.s
}

func NewInvalidStateError(msg string, args ...interface{}) error {
	return InvalidStateError{
		s: fmt.Sprintf(msg, args...),
	}
}

// MachineBusyError indicates a machine removal while a job is running on it
// and force was not set.
type MachineBusyError struct {
	s string
}

func (e MachineBusyError) Error() string {
	return e.s
}

func NewMachineBusyError(msg string, args ...interface{}) error {
	return MachineBusyError{
		s: fmt.Sprintf(msg, args...),
	}
}

type NoSuchJobError struct {
	ID JobID
}

func (e NoSuchJobError) Error() string {
	return fmt.Sprintf("no job with id %v", e.ID)
}

type NoSuchMachineError struct {
	Addr string
}

func (e NoSuchMachineError) Error() string {
	return fmt.Sprintf("no machine with address %q", e.Addr)
}

type NoSuchMatrixError struct {
	ID MatrixID
}

func (e NoSuchMatrixError) Error() string {
	return fmt.Sprintf("no matrix with id %v", e.ID)
}

type NoSuchSetupError struct {
	ID SetupID
}

func (e NoSuchSetupError) Error() string {
	return fmt.Sprintf("no setup task with id %v", e.ID)
}

// InvalidRequestError indicates a request that can never be accepted,
// e.g. a job without a class or a sweep parameter with no values.
type InvalidRequestError struct {
	s string
}

func (e InvalidRequestError) Error() string {
	return e.s
}

func NewInvalidRequestError(msg string, args ...interface{}) error {
	return InvalidRequestError{
		s: fmt.Sprintf(msg, args...),
	}
}

// Checks an error returned by a scheduler operation.
// Returns true if the request itself was at fault and retrying it unchanged
// can never succeed; false for server-side trouble worth retrying.
func ClientErr(err error) bool {
	switch err.(type) {
	case InvalidStateError:
		return true
	case MachineBusyError:
		return true
	case NoSuchJobError:
		return true
	case NoSuchMachineError:
		return true
	case NoSuchMatrixError:
		return true
	case NoSuchSetupError:
		return true
	case InvalidRequestError:
		return true
	default:
		return false
	}
}
