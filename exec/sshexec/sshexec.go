// Package sshexec reaches machines over SSH with passwordless key auth.
// Every Run and Copy dials its own connection; benchd holds no pools, and a
// machine that stops answering surfaces as an UnreachableError so the
// scheduler can take it out of rotation.
package sshexec

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/benchd/benchd/exec"
)

const defaultPort = 22

type Config struct {
	User    string
	KeyFile string
	Port    int

	// DialTimeout bounds connection establishment; command runtime is never
	// bounded here, drivers run as long as they run.
	DialTimeout time.Duration
}

type Remote struct {
	conf     Config
	clientCf *ssh.ClientConfig
}

// New parses the private key up front so a bad key fails at startup, not on
// the first dispatch.
func New(conf Config) (*Remote, error) {
	keyBytes, err := os.ReadFile(conf.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading ssh key %s", conf.KeyFile)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing ssh key %s", conf.KeyFile)
	}
	if conf.Port == 0 {
		conf.Port = defaultPort
	}
	if conf.DialTimeout == 0 {
		conf.DialTimeout = 10 * time.Second
	}

	return &Remote{
		conf: conf,
		clientCf: &ssh.ClientConfig{
			User: conf.User,
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
			// Single trusted operator on a lab network; host keys churn as
			// machines are reimaged between experiments.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         conf.DialTimeout,
		},
	}, nil
}

func (r *Remote) dial(machine string) (*ssh.Client, error) {
	addr := machine
	if _, _, err := net.SplitHostPort(machine); err != nil {
		addr = net.JoinHostPort(machine, strconv.Itoa(r.conf.Port))
	}
	client, err := ssh.Dial("tcp", addr, r.clientCf)
	if err != nil {
		return nil, &exec.UnreachableError{Err: errors.Wrapf(err, "dialing %s", addr)}
	}
	return client, nil
}

func (r *Remote) Run(ctx context.Context, machine string, cmd string) (exec.Process, error) {
	client, err := r.dial(machine)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, &exec.UnreachableError{Err: errors.Wrapf(err, "opening session on %s", machine)}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, errors.Wrap(err, "opening stdout pipe")
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, errors.Wrap(err, "opening stderr pipe")
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		client.Close()
		return nil, &exec.UnreachableError{Err: errors.Wrapf(err, "starting %q on %s", cmd, machine)}
	}
	return &sshProcess{client: client, session: session, stdout: stdout, stderr: stderr}, nil
}

// Copy streams one remote file back through a cat session. No sftp
// dependency on the machines; cat is everywhere.
func (r *Remote) Copy(ctx context.Context, machine string, remotePath string, localPath string) error {
	client, err := r.dial(machine)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return &exec.UnreachableError{Err: errors.Wrapf(err, "opening session on %s", machine)}
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "opening stdout pipe")
	}

	if err := os.MkdirAll(filepath.Dir(localPath), os.ModePerm); err != nil {
		return errors.Wrapf(err, "creating directory for %s", localPath)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", localPath)
	}
	defer dst.Close()

	if err := session.Start("cat " + shellQuote(remotePath)); err != nil {
		return &exec.UnreachableError{Err: errors.Wrapf(err, "starting copy on %s", machine)}
	}
	if _, err := io.Copy(dst, stdout); err != nil {
		return errors.Wrapf(err, "streaming %s:%s", machine, remotePath)
	}
	if err := session.Wait(); err != nil {
		// cat exited non-zero: the file is missing or unreadable. The
		// machine answered, so this is not an unreachable transport.
		return errors.Wrapf(err, "reading %s:%s", machine, remotePath)
	}
	return nil
}

// Check dials and runs true, the cheapest end-to-end probe that exercises
// auth and command execution.
func (r *Remote) Check(ctx context.Context, machine string) error {
	client, err := r.dial(machine)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return &exec.UnreachableError{Err: errors.Wrapf(err, "opening session on %s", machine)}
	}
	defer session.Close()
	return session.Run("true")
}

func shellQuote(s string) string {
	return "'" + replaceQuotes(s) + "'"
}

func replaceQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, `'\''`...)
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

type sshProcess struct {
	client  *ssh.Client
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader
}

func (p *sshProcess) Stdout() io.Reader { return p.stdout }
func (p *sshProcess) Stderr() io.Reader { return p.stderr }

func (p *sshProcess) Wait() exec.ProcessStatus {
	err := p.session.Wait()
	p.session.Close()
	p.client.Close()

	if err == nil {
		return exec.ProcessStatus{State: exec.COMPLETE, ExitCode: 0}
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exec.ProcessStatus{State: exec.COMPLETE, ExitCode: exitErr.ExitStatus()}
	}
	// ExitMissingError or a dropped connection: the run's outcome is
	// unknowable, which is a transport failure, not a driver result.
	return exec.ProcessStatus{State: exec.FAILED, Error: err.Error()}
}
