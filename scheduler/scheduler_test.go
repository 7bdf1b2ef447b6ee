package scheduler

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benchd/benchd/bench"
	"github.com/benchd/benchd/exec/fake"
	"github.com/benchd/benchd/journal"
)

func TestJobRunsOnCompatibleMachine(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	if err := s.AddMachine("m1", []string{"xeon"}); err != nil {
		t.Fatalf("add machine: %v", err)
	}
	remote.Enqueue("m1", &fake.Script{Stdout: "hello\n"})

	jid, err := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	job := waitForJob(t, s, jid, bench.Done)
	if job.Machine != "m1" {
		t.Errorf("expected job on m1, got %q", job.Machine)
	}
	if got := machineState(t, s, "m1"); got != "Idle" {
		t.Errorf("machine should be Idle after completion, got %s", got)
	}

	runs := remote.Runs()
	if len(runs) != 1 || runs[0].Cmd != "bench.sh" {
		t.Errorf("unexpected runs: %v", runs)
	}

	out, err := s.JobOutput(jid)
	if err != nil || !strings.Contains(string(out), "hello") {
		t.Errorf("expected captured output, got %q, %v", out, err)
	}
}

func TestJobWaitsWithoutCompatibleMachine(t *testing.T) {
	s, _, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"arm"})

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	for i := 0; i < 5; i++ {
		s.step()
	}

	job, reason, err := s.JobStatus(jid)
	if err != nil || job.Status != bench.Waiting {
		t.Fatalf("job should stay Waiting, got %v, %v", job.Status, err)
	}
	if !strings.Contains(reason, "no machine in class xeon") {
		t.Errorf("unexpected waiting reason %q", reason)
	}
}

func TestWaitingReasonWithBusyClass(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})

	release := make(chan struct{})
	remote.Enqueue("m1", &fake.Script{ReleaseCh: release})
	first, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "a"})
	s.step()
	second, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "b"})
	s.step()

	_, reason, _ := s.JobStatus(second)
	if !strings.Contains(reason, "no idle machine in class xeon") {
		t.Errorf("unexpected waiting reason %q", reason)
	}

	close(release)
	remote.Enqueue("m1", &fake.Script{})
	waitForJob(t, s, first, bench.Done)
	waitForJob(t, s, second, bench.Done)
}

func TestFIFOAdmission(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	for i := 0; i < 3; i++ {
		remote.Enqueue("m1", &fake.Script{})
	}

	var jids []bench.JobID
	for i := 0; i < 3; i++ {
		jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: fmt.Sprintf("job-%d", i)})
		jids = append(jids, jid)
		time.Sleep(time.Millisecond)
	}
	for _, jid := range jids {
		waitForJob(t, s, jid, bench.Done)
	}

	runs := remote.Runs()
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, run := range runs {
		if run.Cmd != fmt.Sprintf("job-%d", i) {
			t.Errorf("run %d out of order: %v", i, runs)
		}
	}
}

func TestIdleLongestWins(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	time.Sleep(2 * time.Millisecond)
	s.AddMachine("m2", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{})

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	job := waitForJob(t, s, jid, bench.Done)
	if job.Machine != "m1" {
		t.Errorf("m1 has been idle longest, got %q", job.Machine)
	}
}

func TestCancelWaitingIsPermanent(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})

	if err := s.CancelJob(jid); err != nil {
		t.Fatalf("cancel waiting job: %v", err)
	}

	// A machine shows up later; the canceled job must never run.
	s.AddMachine("m1", []string{"xeon"})
	for i := 0; i < 5; i++ {
		s.step()
	}
	job, _, _ := s.JobStatus(jid)
	if job.Status != bench.Canceled {
		t.Errorf("expected Canceled, got %v", job.Status)
	}
	if len(remote.Runs()) != 0 {
		t.Errorf("canceled job ran: %v", remote.Runs())
	}
}

func TestCancelNonWaitingFails(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})

	release := make(chan struct{})
	remote.Enqueue("m1", &fake.Script{ReleaseCh: release})
	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	s.step()

	job, _, _ := s.JobStatus(jid)
	if job.Status != bench.Running {
		t.Fatalf("expected Running, got %v", job.Status)
	}
	err := s.CancelJob(jid)
	if err == nil {
		t.Fatal("expected InvalidState canceling a Running job")
	}
	if _, ok := err.(bench.InvalidStateError); !ok {
		t.Errorf("wrong error type: %T", err)
	}
	if job, _, _ := s.JobStatus(jid); job.Status != bench.Running {
		t.Errorf("failed cancel must not mutate, got %v", job.Status)
	}

	close(release)
	done := waitForJob(t, s, jid, bench.Done)
	if err := s.CancelJob(done.ID); err == nil {
		t.Error("expected InvalidState canceling a Done job")
	}
}

func TestVarsSnapshotAtCreation(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	s.SetVar("ITERS", "100")
	remote.Enqueue("m1", &fake.Script{})

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh --iters {ITERS} --host {MACHINE}"})

	// Changing the variable after creation must not affect the job.
	s.SetVar("ITERS", "999")

	waitForJob(t, s, jid, bench.Done)
	runs := remote.Runs()
	if len(runs) != 1 || runs[0].Cmd != "bench.sh --iters 100 --host m1" {
		t.Errorf("unexpected expansion: %v", runs)
	}
}

func TestSetVarRejectsMachineName(t *testing.T) {
	s, _, _ := makeTestScheduler(t)
	if err := s.SetVar("MACHINE", "nope"); err == nil {
		t.Error("MACHINE is reserved for the assigned address")
	}
	if err := s.SetVar("", "x"); err == nil {
		t.Error("empty variable name should be rejected")
	}
}

func TestMatrixExpansionOrderAndBinding(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)

	mid, jids, err := s.AddMatrix("xeon", "bench.sh {a} {b}", []bench.Param{
		{Name: "a", Values: []string{"1", "2"}},
		{Name: "b", Values: []string{"x", "y"}},
	}, "")
	if err != nil {
		t.Fatalf("add matrix: %v", err)
	}
	if len(jids) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(jids))
	}

	want := []string{"bench.sh 1 x", "bench.sh 1 y", "bench.sh 2 x", "bench.sh 2 y"}
	for i, jid := range jids {
		job, _, _ := s.JobStatus(jid)
		if job.Def.Cmd != want[i] {
			t.Errorf("job %d: got %q, want %q", i, job.Def.Cmd, want[i])
		}
		if job.Matrix != mid {
			t.Errorf("job %d not linked to matrix %v", i, mid)
		}
	}

	m, counts, err := s.MatrixStatus(mid)
	if err != nil || len(m.JobIDs) != 4 || counts[bench.Waiting] != 4 {
		t.Errorf("unexpected matrix status: %v, %v, %v", m, counts, err)
	}

	// All four run to completion on one machine, in enumeration order.
	s.AddMachine("m1", []string{"xeon"})
	for range jids {
		remote.Enqueue("m1", &fake.Script{})
	}
	for _, jid := range jids {
		waitForJob(t, s, jid, bench.Done)
	}
	runs := remote.Runs()
	for i, run := range runs {
		if run.Cmd != want[i] {
			t.Errorf("run %d out of order: got %q want %q", i, run.Cmd, want[i])
		}
	}
}

func TestMatrixValidation(t *testing.T) {
	s, _, _ := makeTestScheduler(t)
	_, _, err := s.AddMatrix("xeon", "cmd", []bench.Param{{Name: "a"}}, "")
	if err == nil || !bench.ClientErr(err) {
		t.Errorf("empty value list should be rejected, got %v", err)
	}
	_, _, err = s.AddMatrix("", "cmd", nil, "")
	if err == nil {
		t.Error("matrix without class should be rejected")
	}
}

func TestCloneJob(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{ExitCode: 1})
	s.SetVar("V", "old")

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh {V}"})
	waitForJob(t, s, jid, bench.Failed)

	s.SetVar("V", "new")
	clone, err := s.CloneJob(jid)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	remote.Enqueue("m1", &fake.Script{})
	waitForJob(t, s, clone, bench.Done)

	// The clone reuses the original's snapshot, not today's variables.
	runs := remote.Runs()
	if runs[1].Cmd != "bench.sh old" {
		t.Errorf("clone must reuse the original snapshot, got %q", runs[1].Cmd)
	}
}

func TestDeleteJobTerminalOnly(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})

	if err := s.DeleteJob(jid); err == nil {
		t.Fatal("deleting a Waiting job should fail")
	}
	s.AddMachine("m1", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{})
	waitForJob(t, s, jid, bench.Done)

	if err := s.DeleteJob(jid); err != nil {
		t.Fatalf("deleting a Done job: %v", err)
	}
	if _, _, err := s.JobStatus(jid); err == nil {
		t.Error("deleted job still listed")
	}
	if _, err := s.JobOutput(jid); err == nil {
		t.Error("deleted job output still readable")
	}
}

func TestRemoveBusyMachine(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})

	release := make(chan struct{})
	remote.Enqueue("m1", &fake.Script{ReleaseCh: release})
	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	s.step()

	err := s.RemoveMachine("m1", false)
	if _, ok := err.(bench.MachineBusyError); !ok {
		t.Fatalf("expected MachineBusyError, got %v", err)
	}

	if err := s.RemoveMachine("m1", true); err != nil {
		t.Fatalf("forced remove: %v", err)
	}
	// The in-flight job still settles even though its machine is gone.
	close(release)
	waitForJob(t, s, jid, bench.Done)
	if got := machineState(t, s, "m1"); got != "gone" {
		t.Errorf("machine should stay removed, got %s", got)
	}
}

func TestNoDoubleBooking(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	machines := []string{"m1", "m2", "m3"}
	releases := []chan struct{}{}
	for _, addr := range machines {
		s.AddMachine(addr, []string{"xeon"})
		release := make(chan struct{})
		releases = append(releases, release)
		remote.Enqueue(addr, &fake.Script{ReleaseCh: release})
		remote.Enqueue(addr, &fake.Script{})
	}

	var jids []bench.JobID
	for i := 0; i < 12; i++ {
		jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: fmt.Sprintf("job-%d", i)})
		jids = append(jids, jid)
	}

	// However often the loop runs, a machine holds at most one job and a
	// Running job holds exactly one machine.
	for i := 0; i < 10; i++ {
		s.step()
		seen := map[string]bench.JobID{}
		for _, job := range s.ListJobs(Filter{}) {
			if job.Status != bench.Running {
				continue
			}
			if other, dup := seen[job.Machine]; dup {
				t.Fatalf("machine %s booked by jobs %v and %v", job.Machine, other, job.ID)
			}
			seen[job.Machine] = job.ID
		}
		busy := 0
		for _, m := range s.ListMachines() {
			if m.State.String() == "Busy" {
				busy++
			}
		}
		if busy != len(seen) {
			t.Fatalf("%d busy machines but %d running jobs", busy, len(seen))
		}
	}

	for _, release := range releases {
		close(release)
	}
	for i := 0; i < 6; i++ {
		waitForJob(t, s, jids[i], bench.Done)
	}
}

// haltingJournal accepts a fixed number of appends and then fails, standing
// in for a journal that runs out of disk.
type haltingJournal struct {
	*journal.MemJournal
	appendsLeft int
}

func (j *haltingJournal) Append(entry *journal.Entry) error {
	if j.appendsLeft == 0 {
		return fmt.Errorf("journal full")
	}
	j.appendsLeft--
	return j.MemJournal.Append(entry)
}

func TestTruncatedMatrixStaysConsistent(t *testing.T) {
	jrnl := journal.MakeMemJournal()
	// Room for the matrix entry and the first job; the second job's append
	// fails.
	halting := &haltingJournal{MemJournal: jrnl, appendsLeft: 2}
	remote := fake.New()
	s := makeSchedulerOver(t, halting, remote)

	_, _, err := s.AddMatrix("xeon", "bench --n {n}",
		[]bench.Param{{Name: "n", Values: []string{"1", "2"}}}, "")
	if err == nil {
		t.Fatal("expected the truncated expansion to report an error")
	}

	// The job that made it into the journal stays queued under a matrix the
	// server knows about.
	jobs := s.ListJobs(Filter{})
	if len(jobs) != 1 {
		t.Fatalf("expected 1 queued job, got %v", jobs)
	}
	mid := jobs[0].Matrix
	m, counts, err := s.MatrixStatus(mid)
	if err != nil {
		t.Fatalf("queued job's matrix must exist: %v", err)
	}
	if len(m.JobIDs) != 1 || counts[bench.Waiting] != 1 {
		t.Errorf("expected 1 waiting matrix job, got ids %v counts %v", m.JobIDs, counts)
	}

	// A restart over the journal rebuilds the same truncated sweep.
	s2 := makeSchedulerOver(t, jrnl, remote)
	jobs2 := s2.ListJobs(Filter{})
	if len(jobs2) != 1 || jobs2[0].Matrix != mid {
		t.Fatalf("expected the same job after restart, got %v", jobs2)
	}
	if _, counts2, err := s2.MatrixStatus(mid); err != nil || counts2[bench.Waiting] != 1 {
		t.Errorf("matrix after restart: counts %v, %v", counts2, err)
	}
}
