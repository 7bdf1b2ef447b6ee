// Package api is benchd's control channel: HTTP+JSON, one request per
// scheduler operation. The server side is stateless; every mutation is
// atomic inside the scheduler, so a client disconnecting mid-request cannot
// corrupt server state.
package api

import (
	"time"

	"github.com/benchd/benchd/bench"
	"github.com/benchd/benchd/cluster"
)

// Error codes carried in the JSON error envelope.
const (
	CodeBadRequest    = "bad_request"
	CodeInvalidState  = "invalid_state"
	CodeMachineBusy   = "machine_busy"
	CodeNoSuchJob     = "no_such_job"
	CodeNoSuchMachine = "no_such_machine"
	CodeNoSuchMatrix  = "no_such_matrix"
	CodeNoSuchSetup   = "no_such_setup"
	CodeInternal      = "internal"
)

// ErrorBody is the envelope every failed request carries.
type ErrorBody struct {
	Error ErrorInfo `json:"error"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is what the client surfaces for a non-2xx response.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Code + ": " + e.Message
}

type AddMachineReq struct {
	Addr    string   `json:"addr"`
	Classes []string `json:"classes"`
}

type MachineStatus struct {
	Addr    string   `json:"addr"`
	Classes []string `json:"classes"`
	State   string   `json:"state"`
	JobID   uint64   `json:"jobId,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type SetupReq struct {
	Classes []string `json:"classes,omitempty"`
	Cmds    []string `json:"cmds"`
}

type SetupResp struct {
	SetupID uint64 `json:"setupId"`
}

type SetupStatus struct {
	SetupID  uint64   `json:"setupId"`
	Machine  string   `json:"machine"`
	Classes  []string `json:"classes,omitempty"`
	State    string   `json:"state"`
	Step     int      `json:"step"`
	NumSteps int      `json:"numSteps"`
	Error    string   `json:"error,omitempty"`
}

type VarReq struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type VarsResp struct {
	Vars map[string]string `json:"vars"`
}

type JobReq struct {
	Class      string `json:"class"`
	Cmd        string `json:"cmd"`
	ResultsDir string `json:"resultsDir,omitempty"`
}

type JobResp struct {
	JobID uint64 `json:"jobId"`
}

type JobStatus struct {
	JobID      uint64    `json:"jobId"`
	Class      string    `json:"class"`
	Cmd        string    `json:"cmd"`
	State      string    `json:"state"`
	Machine    string    `json:"machine,omitempty"`
	MatrixID   uint64    `json:"matrixId,omitempty"`
	Artifacts  []string  `json:"artifacts,omitempty"`
	Failure    string    `json:"failure,omitempty"`
	Error      string    `json:"error,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Created    time.Time `json:"created"`
	Finished   time.Time `json:"finished,omitempty"`
	ResultsDir string    `json:"resultsDir,omitempty"`
}

type MatrixReq struct {
	Class      string        `json:"class"`
	Cmd        string        `json:"cmd"`
	Params     []bench.Param `json:"params"`
	ResultsDir string        `json:"resultsDir,omitempty"`
}

type MatrixResp struct {
	MatrixID uint64   `json:"matrixId"`
	JobIDs   []uint64 `json:"jobIds"`
}

type MatrixStatus struct {
	MatrixID uint64         `json:"matrixId"`
	Class    string         `json:"class"`
	Cmd      string         `json:"cmd"`
	Params   []bench.Param  `json:"params"`
	JobIDs   []uint64       `json:"jobIds"`
	Counts   map[string]int `json:"counts"`
}

func jobStatusOf(job bench.Job, reason string) JobStatus {
	st := JobStatus{
		JobID:      uint64(job.ID),
		Class:      job.Def.Class,
		Cmd:        job.Def.Cmd,
		State:      job.Status.String(),
		Machine:    job.Machine,
		MatrixID:   uint64(job.Matrix),
		Artifacts:  job.Artifacts,
		Error:      job.Error,
		Reason:     reason,
		Created:    job.Created,
		Finished:   job.Finished,
		ResultsDir: job.Def.ResultsDir,
	}
	if job.Failure != bench.NoFailure {
		st.Failure = job.Failure.String()
	}
	return st
}

func machineStatusOf(m cluster.Machine) MachineStatus {
	return MachineStatus{
		Addr:    m.Addr,
		Classes: m.ClassList(),
		State:   m.State.String(),
		JobID:   uint64(m.RunningJob),
		Error:   m.LastError,
	}
}

func setupStatusOf(task bench.SetupTask) SetupStatus {
	return SetupStatus{
		SetupID:  uint64(task.ID),
		Machine:  task.Machine,
		Classes:  task.Classes,
		State:    task.Status.String(),
		Step:     task.Step,
		NumSteps: len(task.Cmds),
		Error:    task.Error,
	}
}
