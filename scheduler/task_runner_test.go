package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benchd/benchd/bench"
	"github.com/benchd/benchd/exec/fake"
)

func TestHarvestAnnouncedResults(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{
		Stdout: "warming up\nRESULTS: /tmp/out/scores.csv\nRESULTS: /tmp/out/trace.bin\n",
	})
	remote.SetFile("m1", "/tmp/out/scores.csv", "a,b\n1,2\n")
	remote.SetFile("m1", "/tmp/out/trace.bin", "binary")

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	job := waitForJob(t, s, jid, bench.Done)

	if len(job.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %v", job.Artifacts)
	}
	want := s.out.ResultPath(jid, "scores.csv")
	if job.Artifacts[0] != want {
		t.Errorf("artifact path %q, want %q", job.Artifacts[0], want)
	}
	content, err := os.ReadFile(job.Artifacts[0])
	if err != nil || string(content) != "a,b\n1,2\n" {
		t.Errorf("harvested content %q, %v", content, err)
	}

	copies := remote.Copies()
	if len(copies) != 2 || copies[0].RemotePath != "/tmp/out/scores.csv" {
		t.Errorf("unexpected copies: %v", copies)
	}
}

func TestHarvestExportsToResultsDir(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{Stdout: "RESULTS: /data/report.txt\n"})
	remote.SetFile("m1", "/data/report.txt", "report body")

	dir := t.TempDir()
	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh", ResultsDir: dir})
	job := waitForJob(t, s, jid, bench.Done)

	exported := filepath.Join(dir, "job-"+job.ID.String()+"-report.txt")
	content, err := os.ReadFile(exported)
	if err != nil || string(content) != "report body" {
		t.Fatalf("exported copy %q, %v", content, err)
	}
	// Both the server copy and the export are listed as artifacts.
	if len(job.Artifacts) != 2 {
		t.Errorf("expected 2 artifacts, got %v", job.Artifacts)
	}
}

func TestDriverFailureKeepsMachine(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{Stdout: "partial work\n", ExitCode: 3})

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	job := waitForJob(t, s, jid, bench.Failed)

	if job.Failure != bench.DriverFailure {
		t.Errorf("expected DriverFailure, got %v", job.Failure)
	}
	if !strings.Contains(job.Error, "exited 3") {
		t.Errorf("unexpected error %q", job.Error)
	}
	// The machine stays in rotation; the driver was at fault.
	if got := machineState(t, s, "m1"); got != "Idle" {
		t.Errorf("machine should be Idle, got %s", got)
	}
	// Output is retained for diagnosis.
	out, err := s.JobOutput(jid)
	if err != nil || !strings.Contains(string(out), "partial work") {
		t.Errorf("expected retained output, got %q, %v", out, err)
	}
}

func TestTransportFailureKillsMachine(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{TransportErr: "connection reset"})

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	job := waitForJob(t, s, jid, bench.Failed)

	if job.Failure != bench.TransportFailure {
		t.Errorf("expected TransportFailure, got %v", job.Failure)
	}
	if got := machineState(t, s, "m1"); got != "Dead" {
		t.Errorf("machine should be Dead, got %s", got)
	}
	// A dead machine takes no more work.
	jid2, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	for i := 0; i < 5; i++ {
		s.step()
	}
	if job2, _, _ := s.JobStatus(jid2); job2.Status != bench.Waiting {
		t.Errorf("job should wait with only a dead machine, got %v", job2.Status)
	}
}

func TestFailedStartKillsMachine(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{FailStart: true})

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	job := waitForJob(t, s, jid, bench.Failed)
	if job.Failure != bench.TransportFailure {
		t.Errorf("expected TransportFailure, got %v", job.Failure)
	}
	if got := machineState(t, s, "m1"); got != "Dead" {
		t.Errorf("machine should be Dead, got %s", got)
	}
}

func TestCopyFailureIsTransportFailure(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{Stdout: "RESULTS: /tmp/scores.csv\n"})
	remote.FailCopies("m1", "sftp channel closed")

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	job := waitForJob(t, s, jid, bench.Failed)
	if job.Failure != bench.TransportFailure {
		t.Errorf("expected TransportFailure, got %v", job.Failure)
	}
	if got := machineState(t, s, "m1"); got != "Dead" {
		t.Errorf("machine should be Dead, got %s", got)
	}
	if len(job.Artifacts) != 0 {
		t.Errorf("failed harvest must not report artifacts: %v", job.Artifacts)
	}
}

func TestResultLinesStayInOutput(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{
		Stdout: "RESULTS: /tmp/r.txt\nRESULTS:missing-space-not-announced\n",
		Stderr: "note on stderr\n",
	})
	remote.SetFile("m1", "/tmp/r.txt", "x")

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	job := waitForJob(t, s, jid, bench.Done)

	// "RESULTS:" without the trailing space is ordinary output.
	if len(remote.Copies()) != 1 {
		t.Errorf("expected 1 copy, got %v", remote.Copies())
	}
	out, _ := s.JobOutput(job.ID)
	for _, want := range []string{"RESULTS: /tmp/r.txt", "missing-space-not-announced", "note on stderr"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLongOutputLineCompletes(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	long := strings.Repeat("a", 200*1024)
	remote.Enqueue("m1", &fake.Script{Stdout: long + "\nRESULTS: /tmp/r.txt\n"})
	remote.SetFile("m1", "/tmp/r.txt", "x")

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	job := waitForJob(t, s, jid, bench.Done)

	// The announcement after the long line is still picked up.
	if len(job.Artifacts) != 1 {
		t.Errorf("expected 1 artifact, got %v", job.Artifacts)
	}
	out, err := s.JobOutput(jid)
	if err != nil || !strings.Contains(string(out), long) {
		t.Errorf("long line missing from captured output (%d bytes, %v)", len(out), err)
	}
	if got := machineState(t, s, "m1"); got != "Idle" {
		t.Errorf("machine should be Idle after completion, got %s", got)
	}
}

func TestStaleCompletionLeavesReaddedMachineAlone(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	releaseA := make(chan struct{})
	remote.Enqueue("m1", &fake.Script{ReleaseCh: releaseA})

	a, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "first.sh"})
	s.step()
	if job, _, _ := s.JobStatus(a); job.Status != bench.Running {
		t.Fatalf("job %v should be Running, got %v", a, job.Status)
	}
	waitForRuns(t, remote, 1)

	// Force-remove the machine mid-run, re-add it, and put a second job on
	// the new record.
	if err := s.RemoveMachine("m1", true); err != nil {
		t.Fatalf("force remove: %v", err)
	}
	s.AddMachine("m1", []string{"xeon"})
	releaseB := make(chan struct{})
	remote.Enqueue("m1", &fake.Script{ReleaseCh: releaseB})
	b, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "second.sh"})
	s.step()
	if job, _, _ := s.JobStatus(b); job.Status != bench.Running {
		t.Fatalf("job %v should be Running on the new record, got %v", b, job.Status)
	}
	waitForRuns(t, remote, 2)

	// The first job settles against the old pairing. The new record keeps
	// running its own job.
	close(releaseA)
	waitForJob(t, s, a, bench.Done)
	if got := machineState(t, s, "m1"); got != "Busy" {
		t.Errorf("re-added machine must stay Busy with its own job, got %s", got)
	}
	running := 0
	for _, job := range s.ListJobs(Filter{}) {
		if job.Status == bench.Running {
			running++
			if job.ID != b {
				t.Errorf("unexpected Running job %v on %q", job.ID, job.Machine)
			}
		}
	}
	if running != 1 {
		t.Errorf("expected exactly 1 Running job, got %d", running)
	}

	close(releaseB)
	waitForJob(t, s, b, bench.Done)
	if got := machineState(t, s, "m1"); got != "Idle" {
		t.Errorf("machine should be Idle once its own job is done, got %s", got)
	}
}

func TestStaleTransportFailureSparesReaddedMachine(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	releaseA := make(chan struct{})
	remote.Enqueue("m1", &fake.Script{TransportErr: "connection reset", ReleaseCh: releaseA})

	a, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "first.sh"})
	s.step()
	waitForRuns(t, remote, 1)

	if err := s.RemoveMachine("m1", true); err != nil {
		t.Fatalf("force remove: %v", err)
	}
	s.AddMachine("m1", []string{"xeon"})
	releaseB := make(chan struct{})
	remote.Enqueue("m1", &fake.Script{ReleaseCh: releaseB})
	b, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "second.sh"})
	s.step()
	waitForRuns(t, remote, 2)

	// The old pairing's transport death must not kill the new record.
	close(releaseA)
	job := waitForJob(t, s, a, bench.Failed)
	if job.Failure != bench.TransportFailure {
		t.Errorf("expected TransportFailure, got %v", job.Failure)
	}
	if got := machineState(t, s, "m1"); got != "Busy" {
		t.Errorf("re-added machine must stay Busy, got %s", got)
	}

	close(releaseB)
	waitForJob(t, s, b, bench.Done)
	if got := machineState(t, s, "m1"); got != "Idle" {
		t.Errorf("machine should be Idle, got %s", got)
	}
}

func TestHarvestSameBasenameKeepsBoth(t *testing.T) {
	s, remote, _ := makeTestScheduler(t)
	s.AddMachine("m1", []string{"xeon"})
	remote.Enqueue("m1", &fake.Script{
		Stdout: "RESULTS: /run1/scores.csv\nRESULTS: /run2/scores.csv\n",
	})
	remote.SetFile("m1", "/run1/scores.csv", "first run")
	remote.SetFile("m1", "/run2/scores.csv", "second run")

	jid, _ := s.AddJob(bench.JobDefinition{Class: "xeon", Cmd: "bench.sh"})
	job := waitForJob(t, s, jid, bench.Done)

	if len(job.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %v", job.Artifacts)
	}
	if want := s.out.ResultPath(jid, "scores.csv.1"); job.Artifacts[1] != want {
		t.Errorf("second artifact at %q, want %q", job.Artifacts[1], want)
	}
	first, err := os.ReadFile(job.Artifacts[0])
	if err != nil || string(first) != "first run" {
		t.Errorf("first artifact %q, %v", first, err)
	}
	second, err := os.ReadFile(job.Artifacts[1])
	if err != nil || string(second) != "second run" {
		t.Errorf("second artifact %q, %v", second, err)
	}
}
