package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/benchd/benchd/bench"
	"github.com/benchd/benchd/cluster"
	"github.com/benchd/benchd/exec"
	"github.com/benchd/benchd/journal"
)

// ResultsPrefix is the driver's result-announcement convention: a stdout
// line "RESULTS: <path>" names one file to harvest. The prefix is a fixed
// external contract shared with existing driver scripts.
const ResultsPrefix = "RESULTS: "

// taskRunner dispatches one (job, machine) pairing: runs the driver, streams
// its output into the job log while scanning for result announcements, and
// copies announced files back on success. It touches scheduler state only
// through the settle methods at the bottom, each one critical-section entry.
type taskRunner struct {
	s          *Scheduler
	jid        bench.JobID
	machine    string
	cmd        string
	resultsDir string
}

func (r *taskRunner) run() {
	defer r.s.stat.Latency("dispatchLatency_ms").Time().Stop()
	ctx := context.Background()

	logw, err := r.s.out.JobLogWriter(r.jid)
	if err != nil {
		// Local disk trouble, not the machine's fault.
		r.s.failJob(r.jid, r.machine, bench.DriverFailure, err.Error(), false)
		return
	}
	defer logw.Close()

	log.Infof("Starting job %v on %s: %s", r.jid, r.machine, r.cmd)
	fmt.Fprintf(logw, "+ %s\n", r.cmd)

	proc, err := r.s.remote.Run(ctx, r.machine, r.cmd)
	if err != nil {
		fmt.Fprintf(logw, "! run failed: %v\n", err)
		r.s.failJob(r.jid, r.machine, bench.TransportFailure, err.Error(), true)
		return
	}

	announced := r.drain(proc, logw)
	st := proc.Wait()

	switch {
	case st.State == exec.FAILED:
		fmt.Fprintf(logw, "! transport failed: %s\n", st.Error)
		r.s.failJob(r.jid, r.machine, bench.TransportFailure, st.Error, true)
		return
	case st.ExitCode != 0:
		fmt.Fprintf(logw, "! exited %d\n", st.ExitCode)
		r.s.failJob(r.jid, r.machine, bench.DriverFailure,
			fmt.Sprintf("driver exited %d", st.ExitCode), false)
		return
	}

	artifacts, err := r.harvest(ctx, announced, logw)
	if err != nil {
		fmt.Fprintf(logw, "! copying results: %v\n", err)
		r.s.failJob(r.jid, r.machine, bench.TransportFailure, err.Error(), true)
		return
	}
	r.s.completeJob(r.jid, r.machine, artifacts)
}

// drain copies driver output into the job log until both streams close,
// returning the paths announced on stdout. Stderr is interleaved as the
// streams arrive; only stdout is scanned for announcements. Drivers print
// whatever they like, so lines are read without any length cap: a stalled
// drain would leave the remote process blocked on write and the job pinned
// Running.
func (r *taskRunner) drain(proc exec.Process, logw io.Writer) []string {
	var mu sync.Mutex
	var wg sync.WaitGroup
	announced := []string{}

	wg.Add(2)
	go func() {
		defer wg.Done()
		reader := bufio.NewReader(proc.Stdout())
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				mu.Lock()
				io.WriteString(logw, line)
				if !strings.HasSuffix(line, "\n") {
					io.WriteString(logw, "\n")
				}
				if strings.HasPrefix(line, ResultsPrefix) {
					path := strings.TrimSpace(strings.TrimPrefix(line, ResultsPrefix))
					if path != "" {
						announced = append(announced, path)
					}
				}
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		reader := bufio.NewReader(proc.Stderr())
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				mu.Lock()
				io.WriteString(logw, line)
				if !strings.HasSuffix(line, "\n") {
					io.WriteString(logw, "\n")
				}
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	wg.Wait()
	return announced
}

// harvest copies each announced file into the server's results tree for the
// job, then into the job's own results dir if one was requested. Announced
// paths from different remote directories can share a basename; repeats get
// an index suffix so every artifact survives.
func (r *taskRunner) harvest(ctx context.Context, announced []string, logw io.Writer) ([]string, error) {
	artifacts := make([]string, 0, len(announced))
	seen := make(map[string]int, len(announced))
	for _, remotePath := range announced {
		base := resultBase(remotePath)
		if n := seen[base]; n > 0 {
			base = fmt.Sprintf("%s.%d", base, n)
		}
		seen[resultBase(remotePath)]++

		local := r.s.out.ResultPath(r.jid, base)
		if err := r.s.remote.Copy(ctx, r.machine, remotePath, local); err != nil {
			return nil, err
		}
		fmt.Fprintf(logw, "= copied %s to %s\n", remotePath, local)
		artifacts = append(artifacts, local)

		if r.resultsDir != "" {
			extra := r.s.out.ExportPath(r.resultsDir, r.jid, base)
			if err := r.s.out.CopyLocal(local, extra); err != nil {
				return nil, err
			}
			artifacts = append(artifacts, extra)
		}
	}
	return artifacts, nil
}

// completeJob settles a successful run: job Done, machine back to Idle.
func (s *Scheduler) completeJob(jid bench.JobID, machine string, artifacts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jid]
	if !ok || !job.Status.CanTransition(bench.Done) {
		log.Errorf("Dropping completion of job %v, unexpected state", jid)
		return
	}
	if err := s.appendLocked(&journal.Entry{
		Type:      journal.JobDone,
		JobID:     jid,
		Artifacts: artifacts,
	}); err != nil {
		log.Errorf("Journaling completion of job %v: %v", jid, err)
	}
	job.Status = bench.Done
	job.Artifacts = artifacts
	job.Finished = time.Now()
	if s.boundToJobLocked(machine, jid) {
		s.registry.SetIdle(machine)
	}
	s.stat.Counter("completedJobsCounter").Inc(1)
	log.Infof("Job %v done on %s, %d artifacts", jid, machine, len(artifacts))
}

// failJob settles a failed run. A dead transport takes the machine out of
// rotation; a driver failure frees it for the next job. Output stays on disk
// for diagnosis either way.
func (s *Scheduler) failJob(jid bench.JobID, machine string, kind bench.FailureKind, msg string, transportDead bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jid]
	if !ok || !job.Status.CanTransition(bench.Failed) {
		log.Errorf("Dropping failure of job %v, unexpected state: %s", jid, msg)
		return
	}
	if err := s.appendLocked(&journal.Entry{
		Type:    journal.JobFailed,
		JobID:   jid,
		Failure: kind.String(),
		Error:   msg,
	}); err != nil {
		log.Errorf("Journaling failure of job %v: %v", jid, err)
	}
	job.Status = bench.Failed
	job.Failure = kind
	job.Error = msg
	job.Finished = time.Now()
	s.stat.Counter("failedJobsCounter").Inc(1)
	log.Infof("Job %v failed on %s (%v): %s", jid, machine, kind, msg)

	if !s.boundToJobLocked(machine, jid) {
		return
	}
	if transportDead {
		s.markDeadLocked(machine, msg)
	} else {
		s.registry.SetIdle(machine)
	}
}

// boundToJobLocked reports whether the registry record for machine is still
// the one this job was dispatched onto. An address can be force-removed and
// re-added while a run is in flight; a settle from the old pairing must not
// release or kill the new record out from under whatever it is doing now.
func (s *Scheduler) boundToJobLocked(machine string, jid bench.JobID) bool {
	m, ok := s.registry.Get(machine)
	return ok && m.State == cluster.Busy && m.RunningJob == jid
}

// markDeadLocked journals and applies a machine death. No-op for machines
// that were force-removed while their job was in flight.
func (s *Scheduler) markDeadLocked(machine, reason string) {
	if _, ok := s.registry.Get(machine); !ok {
		return
	}
	if err := s.appendLocked(&journal.Entry{
		Type:    journal.MachineDead,
		Machine: machine,
		Error:   reason,
	}); err != nil {
		log.Errorf("Journaling death of machine %s: %v", machine, err)
	}
	s.registry.MarkDead(machine, reason)
	s.stat.Counter("deadMachinesCounter").Inc(1)
}
