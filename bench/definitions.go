// Package bench provides definitions for benchd jobs, matrices, variables
// and machine setup pipelines.
package bench

import (
	"strconv"
	"time"
)

// JobID identifies a job. Jobs, matrices and setup tasks draw ids from one
// monotonic counter, so an id is never reused across kinds.
type JobID uint64

// MatrixID identifies a parameter sweep.
type MatrixID uint64

// SetupID identifies a machine setup pipeline.
type SetupID uint64

func (id JobID) String() string    { return strconv.FormatUint(uint64(id), 10) }
func (id MatrixID) String() string { return strconv.FormatUint(uint64(id), 10) }
func (id SetupID) String() string  { return strconv.FormatUint(uint64(id), 10) }

// JobDefinition is the definition the client sent us.
type JobDefinition struct {
	// Class names the machine class the job must run on.
	Class string `json:"class"`

	// Cmd is the driver command line. It may reference server variables as
	// {NAME} and the assigned machine as {MACHINE}; both are substituted at
	// dispatch time.
	Cmd string `json:"cmd"`

	// ResultsDir, if set, receives a copy of every announced result artifact
	// in addition to the server's own results tree.
	ResultsDir string `json:"resultsDir,omitempty"`
}

// Job is one schedulable unit.
type Job struct {
	ID  JobID
	Def JobDefinition

	// Vars is the server variable snapshot taken when the job was created.
	Vars map[string]string

	// Matrix is the sweep this job was expanded from, 0 if standalone.
	Matrix MatrixID

	Status  Status
	Machine string

	// Artifacts holds local paths of copied results once the job is Done.
	Artifacts []string

	Failure FailureKind
	Error   string

	Created  time.Time
	Finished time.Time
}

// Matrix records a parameter sweep and the jobs it expanded into.
type Matrix struct {
	ID         MatrixID
	Class      string
	Cmd        string
	Params     []Param
	ResultsDir string

	// JobIDs lists the expanded jobs in enumeration order.
	JobIDs []JobID

	Created time.Time
}

// SetupTask prepares one machine by running commands in order, then joins
// the machine to the given classes. A task with no classes prepares the
// machine but leaves it unregistered for scheduling.
type SetupTask struct {
	ID      SetupID
	Machine string
	Classes []string
	Cmds    []string

	// Vars snapshot, as for jobs.
	Vars map[string]string

	// Step is the index of the next command to run. Completed steps are
	// durable, so a restart resumes here rather than from the top.
	Step int

	Status Status
	Error  string

	Created  time.Time
	Finished time.Time
}

// Status for jobs and setup tasks.
type Status int

const (
	// Waiting to be scheduled.
	Waiting Status = iota

	// Running on some machine.
	Running

	// Completed with exit status 0, results copied.
	Done

	// Failed: driver exited non-zero or the transport gave out.
	Failed

	// Canceled by request from a client before it ever ran.
	Canceled
)

func (s Status) String() string {
	asString := [5]string{"Waiting", "Running", "Done", "Failed", "Canceled"}
	if s < 0 || int(s) >= len(asString) {
		return "Unknown"
	}
	return asString[s]
}

// ParseStatus maps a status name back to its value, for API filters.
func ParseStatus(name string) (Status, bool) {
	for s := Waiting; s <= Canceled; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// Terminal statuses are immutable; the record is kept until deleted.
func (s Status) Terminal() bool {
	return s == Done || s == Failed || s == Canceled
}

// CanTransition reports whether a live status change is legal. Recovery
// rebuilds state directly and is not bound by this.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case Waiting:
		return to == Running || to == Canceled
	case Running:
		return to == Done || to == Failed
	}
	return false
}

// FailureKind distinguishes how a job failed.
type FailureKind int

const (
	NoFailure FailureKind = iota

	// DriverFailure: the driver ran and exited non-zero. The machine is
	// healthy and goes back to Idle.
	DriverFailure

	// TransportFailure: the machine was unreachable or a copy failed.
	// The machine is marked Dead.
	TransportFailure
)

func (k FailureKind) String() string {
	asString := [3]string{"None", "DriverFailure", "TransportFailure"}
	if k < 0 || int(k) >= len(asString) {
		return "Unknown"
	}
	return asString[k]
}
