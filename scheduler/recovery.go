package scheduler

import (
	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/benchd/benchd/bench"
	"github.com/benchd/benchd/cluster"
	"github.com/benchd/benchd/journal"
)

// rebuild folds replayed journal entries into fresh scheduler state, then
// normalizes anything that cannot have survived the restart: a job recorded
// Running is reset to Waiting (the remote process may or may not still be
// going; re-running is the at-least-once policy, losing the job is not an
// option), and machines recorded busy go back to Idle.
//
// Applying an entry is idempotent, so replaying the same stream twice lands
// on the same state.
func (s *Scheduler) rebuild(entries []journal.Entry) {
	for i := range entries {
		s.apply(&entries[i])
	}

	requeued := 0
	for _, job := range s.jobs {
		if job.Status == bench.Running {
			job.Status = bench.Waiting
			job.Machine = ""
			requeued++
		}
	}
	for _, task := range s.setups {
		if task.Status == bench.Running {
			task.Status = bench.Waiting
		}
	}
	for _, m := range s.registry.Machines() {
		switch m.State {
		case cluster.Busy:
			s.registry.SetIdle(m.Addr)
		case cluster.SettingUp:
			if !s.pendingSetupFor(m.Addr) {
				s.registry.SetState(m.Addr, cluster.Unavailable)
			}
		}
	}

	if len(entries) > 0 {
		s.stat.Counter("recoveredEntriesCounter").Inc(int64(len(entries)))
		s.stat.Counter("requeuedJobsCounter").Inc(int64(requeued))
		log.Infof("Replayed %d journal entries: %d jobs (%d requeued), %d matrices, %d setups, %d machines",
			len(entries), len(s.jobs), requeued, len(s.matrices), len(s.setups), len(s.registry.Machines()))
		log.Debugf("Recovered state: %s%s", spew.Sdump(s.jobs), s.registry.Dump())
	}
}

func (s *Scheduler) pendingSetupFor(addr string) bool {
	for _, task := range s.setups {
		if task.Machine == addr && !task.Status.Terminal() {
			return true
		}
	}
	return false
}

// apply folds one entry. Replay bypasses the live transition checks; the
// journal records decisions that were already checked when they were made.
func (s *Scheduler) apply(e *journal.Entry) {
	switch e.Type {
	case journal.JobQueued:
		s.bumpID(uint64(e.JobID))
		s.jobs[e.JobID] = &bench.Job{
			ID:      e.JobID,
			Def:     *e.Def,
			Vars:    e.Vars,
			Matrix:  e.MatrixID,
			Status:  bench.Waiting,
			Created: e.Time,
		}
		if e.MatrixID != 0 {
			s.linkMatrixJob(e.MatrixID, e.JobID)
		}

	case journal.JobStarted:
		if job, ok := s.jobs[e.JobID]; ok {
			job.Status = bench.Running
			job.Machine = e.Machine
			s.registry.SetBusy(e.Machine, e.JobID)
		}

	case journal.JobDone:
		if job, ok := s.jobs[e.JobID]; ok {
			job.Status = bench.Done
			job.Artifacts = e.Artifacts
			job.Finished = e.Time
			if s.boundToJobLocked(job.Machine, e.JobID) {
				s.registry.SetIdle(job.Machine)
			}
		}

	case journal.JobFailed:
		if job, ok := s.jobs[e.JobID]; ok {
			job.Status = bench.Failed
			job.Failure = parseFailureKind(e.Failure)
			job.Error = e.Error
			job.Finished = e.Time
			// A MachineDead entry follows for transport failures.
			if s.boundToJobLocked(job.Machine, e.JobID) {
				s.registry.SetIdle(job.Machine)
			}
		}

	case journal.JobCanceled:
		if job, ok := s.jobs[e.JobID]; ok {
			job.Status = bench.Canceled
			job.Finished = e.Time
		}

	case journal.JobDeleted:
		delete(s.jobs, e.JobID)

	case journal.MatrixAdded:
		s.bumpID(uint64(e.MatrixID))
		if m, ok := s.matrices[e.MatrixID]; ok {
			// Re-applied entry; keep the job links already folded.
			m.Class, m.Cmd, m.Params, m.ResultsDir = e.Class, e.Cmd, e.Params, e.ResultsDir
			break
		}
		s.matrices[e.MatrixID] = &bench.Matrix{
			ID:         e.MatrixID,
			Class:      e.Class,
			Cmd:        e.Cmd,
			Params:     e.Params,
			ResultsDir: e.ResultsDir,
			Created:    e.Time,
		}

	case journal.MachineAdded:
		s.registry.Register(e.Machine, e.Classes)

	case journal.MachineRemoved:
		s.registry.Remove(e.Machine, true)

	case journal.MachineDead:
		s.registry.Ensure(e.Machine)
		s.registry.MarkDead(e.Machine, e.Error)

	case journal.SetupQueued:
		s.bumpID(uint64(e.SetupID))
		s.setups[e.SetupID] = &bench.SetupTask{
			ID:      e.SetupID,
			Machine: e.Machine,
			Classes: e.Classes,
			Cmds:    e.Cmds,
			Vars:    e.Vars,
			Status:  bench.Waiting,
			Created: e.Time,
		}
		s.registry.Ensure(e.Machine)
		s.registry.SetState(e.Machine, cluster.SettingUp)

	case journal.SetupStep:
		if task, ok := s.setups[e.SetupID]; ok && task.Step <= e.Step {
			task.Step = e.Step + 1
		}

	case journal.SetupDone:
		if task, ok := s.setups[e.SetupID]; ok {
			task.Status = bench.Done
			task.Finished = e.Time
			// A MachineAdded entry follows if the task had target classes.
			s.registry.SetState(task.Machine, cluster.Unavailable)
		}

	case journal.SetupFailed:
		if task, ok := s.setups[e.SetupID]; ok {
			task.Status = bench.Failed
			task.Error = e.Error
			task.Finished = e.Time
			s.registry.SetState(task.Machine, cluster.Unavailable)
			if m, ok := s.registry.Get(task.Machine); ok {
				m.LastError = e.Error
			}
		}

	case journal.VarSet:
		s.vars[e.Name] = e.Value

	default:
		log.Errorf("Skipping journal entry %d with unknown type %q", e.Seq, e.Type)
	}
}

func (s *Scheduler) bumpID(id uint64) {
	if id > s.nextID {
		s.nextID = id
	}
}

// linkMatrixJob records an expanded job against its matrix, preserving
// queue order and tolerating re-applied entries.
func (s *Scheduler) linkMatrixJob(mid bench.MatrixID, jid bench.JobID) {
	m, ok := s.matrices[mid]
	if !ok {
		return
	}
	for _, existing := range m.JobIDs {
		if existing == jid {
			return
		}
	}
	m.JobIDs = append(m.JobIDs, jid)
}

func parseFailureKind(name string) bench.FailureKind {
	switch name {
	case bench.DriverFailure.String():
		return bench.DriverFailure
	case bench.TransportFailure.String():
		return bench.TransportFailure
	}
	return bench.NoFailure
}
