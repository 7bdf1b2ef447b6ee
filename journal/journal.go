// Package journal is the durable record of every accepted mutation. The
// server appends an entry before acknowledging the operation and replays
// the whole journal at startup to rebuild scheduler state.
package journal

import (
	"fmt"
	"time"

	"github.com/benchd/benchd/bench"
)

// EntryType tags what an Entry records. Types are stored as strings so a
// journal stays readable and stable across releases.
type EntryType string

const (
	// Jobs.
	JobQueued   EntryType = "JobQueued"
	JobStarted  EntryType = "JobStarted"
	JobDone     EntryType = "JobDone"
	JobFailed   EntryType = "JobFailed"
	JobCanceled EntryType = "JobCanceled"
	JobDeleted  EntryType = "JobDeleted"

	// Matrices. The expanded jobs are journaled individually as JobQueued
	// right after the MatrixAdded entry, so replay never re-expands.
	MatrixAdded EntryType = "MatrixAdded"

	// Machines.
	MachineAdded   EntryType = "MachineAdded"
	MachineRemoved EntryType = "MachineRemoved"
	MachineDead    EntryType = "MachineDead"

	// Setup pipelines. SetupStep records one completed step, making resume
	// after a restart start from the step after the last recorded one.
	SetupQueued EntryType = "SetupQueued"
	SetupStep   EntryType = "SetupStep"
	SetupDone   EntryType = "SetupDone"
	SetupFailed EntryType = "SetupFailed"

	// Variables.
	VarSet EntryType = "VarSet"
)

// Entry is one journal record. A single struct carries the union of all
// entry payloads; unused fields stay empty and are elided from the JSON.
type Entry struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Type EntryType `json:"type"`

	JobID     bench.JobID          `json:"jobId,omitempty"`
	Def       *bench.JobDefinition `json:"def,omitempty"`
	Vars      map[string]string    `json:"vars,omitempty"`
	MatrixID  bench.MatrixID       `json:"matrixId,omitempty"`
	Machine   string               `json:"machine,omitempty"`
	Artifacts []string             `json:"artifacts,omitempty"`
	Failure   string               `json:"failure,omitempty"`
	Error     string               `json:"error,omitempty"`

	Class      string        `json:"class,omitempty"`
	Cmd        string        `json:"cmd,omitempty"`
	Params     []bench.Param `json:"params,omitempty"`
	ResultsDir string        `json:"resultsDir,omitempty"`
	JobIDs     []bench.JobID `json:"jobIds,omitempty"`

	Classes []string `json:"classes,omitempty"`
	Force   bool     `json:"force,omitempty"`

	SetupID bench.SetupID `json:"setupId,omitempty"`
	Cmds    []string      `json:"cmds,omitempty"`
	Step    int           `json:"step,omitempty"`

	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
}

// Journal appends entries durably and returns them in order.
//
// Append assigns Seq and Time and must not return until the entry is as
// durable as the implementation can make it. Callers serialize Append;
// the scheduler appends from inside its critical section so entry order
// matches decision order.
type Journal interface {
	Append(entry *Entry) error
	Entries() ([]Entry, error)
	Close() error
}

// CorruptedJournalError means the journal cannot be parsed past a certain
// line. No progress can be made; an operator has to repair or move the file.
type CorruptedJournalError struct {
	Line int
	s    string
}

func (e CorruptedJournalError) Error() string {
	return e.s
}

func NewCorruptedJournalError(line int, msg string, args ...interface{}) error {
	return CorruptedJournalError{
		Line: line,
		s:    fmt.Sprintf("journal corrupted at line %d: %s", line, fmt.Sprintf(msg, args...)),
	}
}
