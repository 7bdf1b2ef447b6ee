package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/benchd/benchd/bench"
	"github.com/benchd/benchd/cluster"
	"github.com/benchd/benchd/exec"
	"github.com/benchd/benchd/journal"
)

// setupRunner walks one machine through its setup pipeline, one command at
// a time. Every completed step is journaled, so a restart resumes after the
// last step that finished rather than from the top.
type setupRunner struct {
	s       *Scheduler
	sid     bench.SetupID
	machine string
	cmds    []string
	vars    map[string]string
	step    int
}

func (r *setupRunner) run() {
	ctx := context.Background()

	for i := r.step; i < len(r.cmds); i++ {
		cmd := bench.ExpandCmd(r.cmds[i], r.vars, r.machine)
		if err := r.runStep(ctx, i, cmd); err != nil {
			return
		}
		r.s.setupStepDone(r.sid, i)
	}
	r.s.completeSetup(r.sid, r.machine)
}

// runStep runs one command and settles the task on failure. The returned
// error only tells the caller to stop; the settle already happened.
func (r *setupRunner) runStep(ctx context.Context, step int, cmd string) error {
	logw, err := r.s.out.SetupLogWriter(r.sid, step)
	if err != nil {
		r.s.failSetup(r.sid, r.machine, step, err.Error(), false)
		return err
	}
	defer logw.Close()

	log.Infof("Setup %v step %d on %s: %s", r.sid, step, r.machine, cmd)
	fmt.Fprintf(logw, "+ %s\n", cmd)

	proc, err := r.s.remote.Run(ctx, r.machine, cmd)
	if err != nil {
		fmt.Fprintf(logw, "! run failed: %v\n", err)
		r.s.failSetup(r.sid, r.machine, step, err.Error(), true)
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, stream := range []io.Reader{proc.Stdout(), proc.Stderr()} {
		wg.Add(1)
		go func(stream io.Reader) {
			defer wg.Done()
			buf := make([]byte, 4096)
			for {
				n, err := stream.Read(buf)
				if n > 0 {
					mu.Lock()
					logw.Write(buf[:n])
					mu.Unlock()
				}
				if err != nil {
					return
				}
			}
		}(stream)
	}
	wg.Wait()

	st := proc.Wait()
	switch {
	case st.State == exec.FAILED:
		fmt.Fprintf(logw, "! transport failed: %s\n", st.Error)
		r.s.failSetup(r.sid, r.machine, step, st.Error, true)
		return fmt.Errorf("%s", st.Error)
	case st.ExitCode != 0:
		msg := fmt.Sprintf("setup step %d exited %d", step, st.ExitCode)
		fmt.Fprintf(logw, "! exited %d\n", st.ExitCode)
		r.s.failSetup(r.sid, r.machine, step, msg, false)
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// setupStepDone makes one step's completion durable and advances the task.
func (s *Scheduler) setupStepDone(sid bench.SetupID, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.setups[sid]
	if !ok {
		return
	}
	if err := s.appendLocked(&journal.Entry{
		Type:    journal.SetupStep,
		SetupID: sid,
		Step:    step,
	}); err != nil {
		log.Errorf("Journaling setup %v step %d: %v", sid, step, err)
	}
	task.Step = step + 1
}

// completeSetup settles a finished pipeline: the machine joins its target
// classes and becomes Idle, or stays Unavailable if no classes were given.
func (s *Scheduler) completeSetup(sid bench.SetupID, machine string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.setups[sid]
	if !ok || !task.Status.CanTransition(bench.Done) {
		log.Errorf("Dropping completion of setup %v, unexpected state", sid)
		return
	}
	if err := s.appendLocked(&journal.Entry{Type: journal.SetupDone, SetupID: sid}); err != nil {
		log.Errorf("Journaling completion of setup %v: %v", sid, err)
	}
	task.Status = bench.Done
	task.Finished = time.Now()
	s.stat.Counter("completedSetupsCounter").Inc(1)

	s.registry.SetState(machine, cluster.Unavailable)
	if len(task.Classes) > 0 {
		if err := s.addMachineLocked(machine, task.Classes); err != nil {
			log.Errorf("Registering machine %s after setup %v: %v", machine, sid, err)
			return
		}
	}
	log.Infof("Setup %v done, machine %s classes %v", sid, machine, task.Classes)
}

// failSetup settles a failed pipeline: the machine is left Unavailable with
// the error retained, or Dead if the transport itself gave out.
func (s *Scheduler) failSetup(sid bench.SetupID, machine string, step int, msg string, transportDead bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.setups[sid]
	if !ok || !task.Status.CanTransition(bench.Failed) {
		log.Errorf("Dropping failure of setup %v, unexpected state: %s", sid, msg)
		return
	}
	if err := s.appendLocked(&journal.Entry{
		Type:    journal.SetupFailed,
		SetupID: sid,
		Step:    step,
		Error:   msg,
	}); err != nil {
		log.Errorf("Journaling failure of setup %v: %v", sid, err)
	}
	task.Status = bench.Failed
	task.Error = msg
	task.Finished = time.Now()
	s.stat.Counter("failedSetupsCounter").Inc(1)
	log.Infof("Setup %v failed at step %d on %s: %s", sid, step, machine, msg)

	if transportDead {
		s.markDeadLocked(machine, msg)
		return
	}
	s.registry.SetState(machine, cluster.Unavailable)
	if m, ok := s.registry.Get(machine); ok {
		m.LastError = msg
	}
}
