// Package localexec runs driver commands as local child processes. It backs
// single-host pools and smoke tests, where every "machine" is the server
// host itself; the machine address is recorded but never dialed.
package localexec

import (
	"context"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/benchd/benchd/exec"
)

func New() *Remote {
	return &Remote{}
}

type Remote struct{}

func (r *Remote) Run(ctx context.Context, machine string, cmd string) (exec.Process, error) {
	c := osexec.CommandContext(ctx, "sh", "-c", cmd)
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening stdout pipe")
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening stderr pipe")
	}
	if err := c.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %q", cmd)
	}
	return &localProcess{cmd: c, stdout: stdout, stderr: stderr}, nil
}

func (r *Remote) Copy(ctx context.Context, machine string, remotePath string, localPath string) error {
	src, err := os.Open(remotePath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", remotePath)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), os.ModePerm); err != nil {
		return errors.Wrapf(err, "creating directory for %s", localPath)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", localPath)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrapf(err, "copying %s", remotePath)
	}
	return nil
}

func (r *Remote) Check(ctx context.Context, machine string) error {
	return nil
}

type localProcess struct {
	cmd    *osexec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

func (p *localProcess) Wait() exec.ProcessStatus {
	err := p.cmd.Wait()
	if err == nil {
		return exec.ProcessStatus{State: exec.COMPLETE, ExitCode: 0}
	}
	if exitErr, ok := err.(*osexec.ExitError); ok {
		return exec.ProcessStatus{State: exec.COMPLETE, ExitCode: exitErr.ExitCode()}
	}
	return exec.ProcessStatus{State: exec.FAILED, Error: err.Error()}
}
