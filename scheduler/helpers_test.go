package scheduler

import (
	"testing"
	"time"

	"github.com/benchd/benchd/bench"
	"github.com/benchd/benchd/common/stats"
	"github.com/benchd/benchd/exec/fake"
	"github.com/benchd/benchd/journal"
	"github.com/benchd/benchd/output"
)

// makeTestScheduler builds a debug-mode scheduler over a fake transport and
// an in-memory journal. Tests drive the loop by calling step().
func makeTestScheduler(t *testing.T) (*Scheduler, *fake.Remote, *journal.MemJournal) {
	t.Helper()
	remote := fake.New()
	jrnl := journal.MakeMemJournal()
	s := makeSchedulerOver(t, jrnl, remote)
	return s, remote, jrnl
}

func makeSchedulerOver(t *testing.T, jrnl journal.Journal, remote *fake.Remote) *Scheduler {
	t.Helper()
	out, err := output.New(t.TempDir(), 0, stats.NilStatsReceiver())
	if err != nil {
		t.Fatalf("creating output store: %v", err)
	}
	s, err := New(jrnl, remote, out, Config{DebugMode: true}, stats.NilStatsReceiver())
	if err != nil {
		t.Fatalf("creating scheduler: %v", err)
	}
	return s
}

// waitForJob steps the scheduler until the job reaches want, or fails the
// test. Dispatchers settle asynchronously, so polling is the contract.
func waitForJob(t *testing.T, s *Scheduler, jid bench.JobID, want bench.Status) bench.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _, err := s.JobStatus(jid)
		if err != nil {
			t.Fatalf("job %v status: %v", jid, err)
		}
		if job.Status == want {
			return job
		}
		s.step()
		time.Sleep(time.Millisecond)
	}
	job, _, _ := s.JobStatus(jid)
	t.Fatalf("job %v stuck in %v, wanted %v", jid, job.Status, want)
	return bench.Job{}
}

func waitForSetup(t *testing.T, s *Scheduler, sid bench.SetupID, want bench.Status) bench.SetupTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.SetupStatus(sid)
		if err != nil {
			t.Fatalf("setup %v status: %v", sid, err)
		}
		if task.Status == want {
			return task
		}
		s.step()
		time.Sleep(time.Millisecond)
	}
	task, _ := s.SetupStatus(sid)
	t.Fatalf("setup %v stuck in %v, wanted %v", sid, task.Status, want)
	return bench.SetupTask{}
}

// waitForRuns blocks until the fake remote has recorded n Run calls, so a
// dispatched runner has bound to its intended script before the test mutates
// the registry or enqueues the next one.
func waitForRuns(t *testing.T, remote *fake.Remote, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(remote.Runs()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d Run calls, saw %d", n, len(remote.Runs()))
}

func machineState(t *testing.T, s *Scheduler, addr string) string {
	t.Helper()
	for _, m := range s.ListMachines() {
		if m.Addr == addr {
			return m.State.String()
		}
	}
	return "gone"
}
