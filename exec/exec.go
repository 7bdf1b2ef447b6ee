// Package exec defines how benchd reaches the machines it schedules onto.
// It is at the level of running one remote command and copying one file
// back, not exec-as-a-service; implementations wrap SSH, local processes,
// or scripted fakes for tests.
package exec

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

type ProcessState int

const (
	UNKNOWN ProcessState = iota
	RUNNING

	// COMPLETE: the driver ran to an exit code, zero or not.
	COMPLETE

	// FAILED: the transport gave out; the exit code is meaningless.
	FAILED
)

func (s ProcessState) IsDone() bool {
	return s == COMPLETE || s == FAILED
}

func (s ProcessState) String() string {
	asString := [4]string{"Unknown", "Running", "Complete", "Failed"}
	if s < 0 || int(s) >= len(asString) {
		return "Unknown"
	}
	return asString[s]
}

type ProcessStatus struct {
	State    ProcessState
	ExitCode int
	Error    string
}

// Remote runs driver commands on machines and moves result files back.
// Implementations must allow concurrent calls; the scheduler dispatches to
// many machines at once.
type Remote interface {
	// Run starts cmd on the machine. The returned process streams output
	// while running.
	Run(ctx context.Context, machine string, cmd string) (Process, error)

	// Copy fetches one remote file into localPath, creating parent
	// directories as needed.
	Copy(ctx context.Context, machine string, remotePath string, localPath string) error

	// Check probes whether the machine answers at all.
	Check(ctx context.Context, machine string) error
}

// Process is one started command. Callers drain Stdout and Stderr before
// calling Wait, mirroring the os/exec pipe contract.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process settles and reports how.
	Wait() ProcessStatus
}

// UnreachableError marks failures where the machine itself did not answer,
// as opposed to a remote command misbehaving. The scheduler takes a machine
// out of rotation only for unreachable transports.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return e.Err.Error()
}

func IsUnreachable(err error) bool {
	_, ok := errors.Cause(err).(*UnreachableError)
	return ok
}
