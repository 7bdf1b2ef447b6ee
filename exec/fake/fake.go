// Package fake provides a scripted Remote for tests: outcomes are queued
// per machine, calls are recorded, and processes can be held open until the
// test releases them.
package fake

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/benchd/benchd/exec"
)

// Script is one queued Run outcome.
type Script struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// FailStart makes Run itself fail, as if the dial never connected.
	FailStart bool

	// TransportErr makes Wait report a transport failure mid-run.
	TransportErr string

	// ReleaseCh, when set, blocks Wait until the channel is closed, letting
	// tests observe the Running state.
	ReleaseCh chan struct{}
}

// Run is one recorded Run call.
type Run struct {
	Machine string
	Cmd     string
}

// Copy is one recorded Copy call.
type Copy struct {
	Machine    string
	RemotePath string
	LocalPath  string
}

type Remote struct {
	mutex    sync.Mutex
	scripts  map[string][]*Script
	files    map[string]string
	copyErr  map[string]string
	checkErr map[string]string
	runs     []Run
	copies   []Copy
}

func New() *Remote {
	return &Remote{
		scripts:  map[string][]*Script{},
		files:    map[string]string{},
		copyErr:  map[string]string{},
		checkErr: map[string]string{},
	}
}

// Enqueue adds the next scripted outcome for a machine.
func (r *Remote) Enqueue(machine string, script *Script) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.scripts[machine] = append(r.scripts[machine], script)
}

// SetFile registers remote file content served by Copy.
func (r *Remote) SetFile(machine, remotePath, content string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.files[machine+":"+remotePath] = content
}

// FailCopies makes every Copy from the machine fail with msg.
func (r *Remote) FailCopies(machine, msg string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.copyErr[machine] = msg
}

// FailChecks makes Check fail for the machine.
func (r *Remote) FailChecks(machine, msg string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.checkErr[machine] = msg
}

// Runs returns the recorded Run calls.
func (r *Remote) Runs() []Run {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	runs := make([]Run, len(r.runs))
	copy(runs, r.runs)
	return runs
}

// Copies returns the recorded Copy calls.
func (r *Remote) Copies() []Copy {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	copies := make([]Copy, len(r.copies))
	copy(copies, r.copies)
	return copies
}

func (r *Remote) Run(ctx context.Context, machine string, cmd string) (exec.Process, error) {
	r.mutex.Lock()
	r.runs = append(r.runs, Run{Machine: machine, Cmd: cmd})
	queue := r.scripts[machine]
	var script *Script
	if len(queue) > 0 {
		script, r.scripts[machine] = queue[0], queue[1:]
	}
	r.mutex.Unlock()

	if script == nil {
		script = &Script{}
	}
	if script.FailStart {
		return nil, &exec.UnreachableError{Err: fmt.Errorf("dial %s: scripted connection failure", machine)}
	}
	return &fakeProcess{script: script}, nil
}

func (r *Remote) Copy(ctx context.Context, machine string, remotePath string, localPath string) error {
	r.mutex.Lock()
	r.copies = append(r.copies, Copy{Machine: machine, RemotePath: remotePath, LocalPath: localPath})
	errMsg := r.copyErr[machine]
	content, known := r.files[machine+":"+remotePath]
	r.mutex.Unlock()

	if errMsg != "" {
		return &exec.UnreachableError{Err: fmt.Errorf("copy %s:%s: %s", machine, remotePath, errMsg)}
	}
	if !known {
		return fmt.Errorf("copy %s:%s: no such file", machine, remotePath)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte(content), 0644)
}

func (r *Remote) Check(ctx context.Context, machine string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if msg := r.checkErr[machine]; msg != "" {
		return fmt.Errorf("check %s: %s", machine, msg)
	}
	return nil
}

type fakeProcess struct {
	script *Script
	once   sync.Once
	stdout io.Reader
	stderr io.Reader
}

func (p *fakeProcess) init() {
	p.once.Do(func() {
		p.stdout = strings.NewReader(p.script.Stdout)
		p.stderr = strings.NewReader(p.script.Stderr)
	})
}

func (p *fakeProcess) Stdout() io.Reader { p.init(); return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { p.init(); return p.stderr }

func (p *fakeProcess) Wait() exec.ProcessStatus {
	if p.script.ReleaseCh != nil {
		<-p.script.ReleaseCh
	}
	if p.script.TransportErr != "" {
		return exec.ProcessStatus{State: exec.FAILED, Error: p.script.TransportErr}
	}
	return exec.ProcessStatus{State: exec.COMPLETE, ExitCode: p.script.ExitCode}
}
