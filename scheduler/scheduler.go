// Package scheduler owns all mutable benchd state: the machine registry,
// the job table, matrices, setup pipelines and server variables. Every
// mutation runs inside one critical section and is journaled before the
// caller gets its answer; a loop goroutine matches Waiting jobs to Idle
// machines and hands each pairing to a dispatcher goroutine.
package scheduler

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/benchd/benchd/bench"
	"github.com/benchd/benchd/cluster"
	"github.com/benchd/benchd/common/stats"
	"github.com/benchd/benchd/exec"
	"github.com/benchd/benchd/journal"
	"github.com/benchd/benchd/output"
)

// Config variables read at initialization.
// ScheduleInterval - how often the loop scans for runnable work.
// HealthInterval - how often idle machines are probed; 0 disables probing.
// HealthChecksPerSec - cluster-wide probe rate limit.
// DebugMode - do not start the loop; tests advance it by calling step().
type Config struct {
	ScheduleInterval   time.Duration
	HealthInterval     time.Duration
	HealthChecksPerSec float64
	DebugMode          bool
}

// DefaultConfig returns the config benchd runs with when nothing is set.
func DefaultConfig() Config {
	return Config{
		ScheduleInterval:   250 * time.Millisecond,
		HealthInterval:     0,
		HealthChecksPerSec: 1,
	}
}

// Filter narrows ListJobs. Zero values match everything.
type Filter struct {
	Class  string
	Status *bench.Status
}

// Scheduler is the single owner of registry and queue state.
//
// Concurrency: mu guards every field below it. Operations take the lock,
// mutate, append to the journal and return; the loop takes the lock once
// per scan; dispatcher goroutines take it only to settle a finished run.
// Nothing blocks on the transport while holding the lock.
type Scheduler struct {
	conf   Config
	jrnl   journal.Journal
	remote exec.Remote
	out    *output.Store
	stat   stats.StatsReceiver

	mu       sync.Mutex
	registry *cluster.Registry
	jobs     map[bench.JobID]*bench.Job
	matrices map[bench.MatrixID]*bench.Matrix
	setups   map[bench.SetupID]*bench.SetupTask
	vars     map[string]string
	nextID   uint64

	stopCh chan struct{}
}

// New replays the journal into a fresh scheduler. Call Start to begin
// scheduling; a scheduler that is never started still accepts operations,
// which is what the recovery tests rely on.
func New(jrnl journal.Journal, remote exec.Remote, out *output.Store, conf Config, stat stats.StatsReceiver) (*Scheduler, error) {
	if conf.ScheduleInterval <= 0 {
		conf.ScheduleInterval = DefaultConfig().ScheduleInterval
	}
	s := &Scheduler{
		conf:     conf,
		jrnl:     jrnl,
		remote:   remote,
		out:      out,
		stat:     stat,
		registry: cluster.NewRegistry(),
		jobs:     make(map[bench.JobID]*bench.Job),
		matrices: make(map[bench.MatrixID]*bench.Matrix),
		setups:   make(map[bench.SetupID]*bench.SetupTask),
		vars:     make(map[string]string),
		stopCh:   make(chan struct{}),
	}

	entries, err := jrnl.Entries()
	if err != nil {
		return nil, err
	}
	s.rebuild(entries)
	return s, nil
}

// Start launches the loop and, if configured, the health prober.
func (s *Scheduler) Start() {
	if s.conf.DebugMode {
		return
	}
	go s.loop()
	if s.conf.HealthInterval > 0 {
		go s.probe()
	}
}

// Stop halts the loop and prober. In-flight dispatches run to completion;
// running jobs are never interrupted.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.conf.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.step()
		}
	}
}

// step runs one scheduling pass: assign Waiting jobs to Idle machines in
// FIFO order, start Waiting setup pipelines, refresh gauges.
func (s *Scheduler) step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.waitingJobsLocked() {
		m := s.registry.PickIdle(job.Def.Class)
		if m == nil {
			continue
		}
		if err := s.appendLocked(&journal.Entry{
			Type:    journal.JobStarted,
			JobID:   job.ID,
			Machine: m.Addr,
		}); err != nil {
			log.Errorf("Not dispatching job %v, journal append failed: %v", job.ID, err)
			continue
		}
		job.Status = bench.Running
		job.Machine = m.Addr
		s.registry.SetBusy(m.Addr, job.ID)
		log.Infof("Dispatching job %v to machine %s (class %s)", job.ID, m.Addr, job.Def.Class)
		s.stat.Counter("dispatchedJobsCounter").Inc(1)

		run := &taskRunner{
			s:          s,
			jid:        job.ID,
			machine:    m.Addr,
			cmd:        bench.ExpandCmd(job.Def.Cmd, job.Vars, m.Addr),
			resultsDir: job.Def.ResultsDir,
		}
		go run.run()
	}

	// One setup pipeline per machine at a time; a second queued pipeline
	// waits for the first to settle, then re-claims the machine.
	claimed := make(map[string]bool)
	for _, task := range s.setups {
		if task.Status == bench.Running {
			claimed[task.Machine] = true
		}
	}
	for _, task := range s.waitingSetupsLocked() {
		if claimed[task.Machine] {
			continue
		}
		m, ok := s.registry.Get(task.Machine)
		if !ok || m.State == cluster.Busy || m.State == cluster.Dead {
			continue
		}
		if m.State != cluster.SettingUp {
			s.registry.SetState(task.Machine, cluster.SettingUp)
		}
		claimed[task.Machine] = true
		task.Status = bench.Running
		log.Infof("Starting setup %v on machine %s at step %d of %d",
			task.ID, task.Machine, task.Step, len(task.Cmds))
		run := &setupRunner{s: s, sid: task.ID, machine: task.Machine,
			cmds: task.Cmds, vars: task.Vars, step: task.Step}
		go run.run()
	}

	waiting, running := 0, 0
	for _, job := range s.jobs {
		switch job.Status {
		case bench.Waiting:
			waiting++
		case bench.Running:
			running++
		}
	}
	s.stat.Gauge("waitingJobsGauge").Update(int64(waiting))
	s.stat.Gauge("runningJobsGauge").Update(int64(running))
	s.stat.Gauge("idleMachinesGauge").Update(int64(s.registry.NumIdle()))
}

// waitingJobsLocked returns Waiting jobs in admission order: creation time,
// then id so jobs created in the same instant (matrix expansion) keep their
// enumeration order.
func (s *Scheduler) waitingJobsLocked() []*bench.Job {
	jobs := make([]*bench.Job, 0)
	for _, job := range s.jobs {
		if job.Status == bench.Waiting {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].Created.Equal(jobs[j].Created) {
			return jobs[i].Created.Before(jobs[j].Created)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

func (s *Scheduler) waitingSetupsLocked() []*bench.SetupTask {
	tasks := make([]*bench.SetupTask, 0)
	for _, task := range s.setups {
		if task.Status == bench.Waiting {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// appendLocked journals one entry. Called with the lock held so entry order
// matches decision order.
func (s *Scheduler) appendLocked(entry *journal.Entry) error {
	if err := s.jrnl.Append(entry); err != nil {
		s.stat.Counter("journalAppendFailuresCounter").Inc(1)
		return err
	}
	return nil
}

func (s *Scheduler) nextIDLocked() uint64 {
	s.nextID++
	return s.nextID
}

//
// Job operations.
//

// AddJob queues one job. The variable snapshot is taken now; {MACHINE} and
// variable placeholders bind at dispatch.
func (s *Scheduler) AddJob(def bench.JobDefinition) (bench.JobID, error) {
	defer s.stat.Latency("addJobLatency_ms").Time().Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addJobLocked(def, s.varSnapshotLocked(), 0)
}

func (s *Scheduler) addJobLocked(def bench.JobDefinition, vars map[string]string, matrix bench.MatrixID) (bench.JobID, error) {
	if def.Class == "" {
		return 0, bench.NewInvalidRequestError("job needs a class")
	}
	if def.Cmd == "" {
		return 0, bench.NewInvalidRequestError("job needs a command")
	}

	jid := bench.JobID(s.nextIDLocked())
	job := &bench.Job{
		ID:      jid,
		Def:     def,
		Vars:    vars,
		Matrix:  matrix,
		Status:  bench.Waiting,
		Created: time.Now(),
	}
	if err := s.appendLocked(&journal.Entry{
		Type:     journal.JobQueued,
		JobID:    jid,
		Def:      &def,
		Vars:     vars,
		MatrixID: matrix,
	}); err != nil {
		s.nextID--
		return 0, err
	}
	s.jobs[jid] = job
	s.stat.Counter("queuedJobsCounter").Inc(1)
	log.Infof("Queued job %v: class %s, cmd %q, now tracking %d jobs", jid, def.Class, def.Cmd, len(s.jobs))
	return jid, nil
}

// AddMatrix expands a sweep into one Waiting job per parameter combination.
// Matrix parameters bind into each job's command now; expansion order is the
// deterministic enumeration order of bench.ExpandMatrix.
func (s *Scheduler) AddMatrix(class, cmd string, params []bench.Param, resultsDir string) (bench.MatrixID, []bench.JobID, error) {
	defer s.stat.Latency("addMatrixLatency_ms").Time().Stop()
	s.mu.Lock()
	defer s.mu.Unlock()

	if class == "" {
		return 0, nil, bench.NewInvalidRequestError("matrix needs a class")
	}
	if cmd == "" {
		return 0, nil, bench.NewInvalidRequestError("matrix needs a command")
	}
	for _, p := range params {
		if p.Name == "" {
			return 0, nil, bench.NewInvalidRequestError("matrix parameter needs a name")
		}
		if len(p.Values) == 0 {
			return 0, nil, bench.NewInvalidRequestError("matrix parameter %q needs at least one value", p.Name)
		}
	}

	mid := bench.MatrixID(s.nextIDLocked())
	combos := bench.ExpandMatrix(params)
	vars := s.varSnapshotLocked()

	if err := s.appendLocked(&journal.Entry{
		Type:       journal.MatrixAdded,
		MatrixID:   mid,
		Class:      class,
		Cmd:        cmd,
		Params:     params,
		ResultsDir: resultsDir,
	}); err != nil {
		s.nextID--
		return 0, nil, err
	}

	// The matrix is recorded as soon as its entry is journaled. If a job
	// append fails mid-expansion the accepted prefix stays queued under the
	// matrix, matching what a replay of the journal rebuilds.
	m := &bench.Matrix{
		ID:         mid,
		Class:      class,
		Cmd:        cmd,
		Params:     params,
		ResultsDir: resultsDir,
		Created:    time.Now(),
	}
	s.matrices[mid] = m

	for _, combo := range combos {
		def := bench.JobDefinition{
			Class:      class,
			Cmd:        bench.BindParams(cmd, combo, params),
			ResultsDir: resultsDir,
		}
		jid, err := s.addJobLocked(def, vars, mid)
		if err != nil {
			log.Errorf("Matrix %v truncated at %d of %d jobs: %v", mid, len(m.JobIDs), len(combos), err)
			return mid, m.JobIDs, err
		}
		m.JobIDs = append(m.JobIDs, jid)
	}
	s.stat.Counter("matricesCounter").Inc(1)
	log.Infof("Added matrix %v with %d jobs over %d parameters", mid, len(m.JobIDs), len(params))
	return mid, m.JobIDs, nil
}

// CancelJob takes a Waiting job out of scheduling for good.
func (s *Scheduler) CancelJob(jid bench.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jid]
	if !ok {
		return bench.NoSuchJobError{ID: jid}
	}
	if !job.Status.CanTransition(bench.Canceled) {
		return bench.NewInvalidStateError("cannot cancel job %v in state %v", jid, job.Status)
	}
	if err := s.appendLocked(&journal.Entry{Type: journal.JobCanceled, JobID: jid}); err != nil {
		return err
	}
	job.Status = bench.Canceled
	job.Finished = time.Now()
	s.stat.Counter("canceledJobsCounter").Inc(1)
	log.Infof("Canceled job %v", jid)
	return nil
}

// DeleteJob forgets a terminal job along with its captured output and local
// artifacts.
func (s *Scheduler) DeleteJob(jid bench.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jid]
	if !ok {
		return bench.NoSuchJobError{ID: jid}
	}
	if !job.Status.Terminal() {
		return bench.NewInvalidStateError("cannot delete job %v in state %v, only terminal jobs", jid, job.Status)
	}
	if err := s.appendLocked(&journal.Entry{Type: journal.JobDeleted, JobID: jid}); err != nil {
		return err
	}
	delete(s.jobs, jid)
	if s.out != nil {
		if err := s.out.RemoveJob(jid); err != nil {
			log.Errorf("Deleting output of job %v: %v", jid, err)
		}
	}
	log.Infof("Deleted job %v, now tracking %d jobs", jid, len(s.jobs))
	return nil
}

// CloneJob queues a fresh copy of any known job: same definition, same
// variable snapshot. This is the retry mechanism; the server itself never
// retries.
func (s *Scheduler) CloneJob(jid bench.JobID) (bench.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jid]
	if !ok {
		return 0, bench.NoSuchJobError{ID: jid}
	}
	return s.addJobLocked(job.Def, job.Vars, job.Matrix)
}

// JobStatus returns a copy of the job and, for Waiting jobs, a human
// readable reason it has not been dispatched yet.
func (s *Scheduler) JobStatus(jid bench.JobID) (bench.Job, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jid]
	if !ok {
		return bench.Job{}, "", bench.NoSuchJobError{ID: jid}
	}
	reason := ""
	if job.Status == bench.Waiting {
		if !s.registry.HasClass(job.Def.Class) {
			reason = "no machine in class " + job.Def.Class
		} else if s.registry.PickIdle(job.Def.Class) == nil {
			reason = "no idle machine in class " + job.Def.Class
		}
	}
	return *job, reason, nil
}

// ListJobs returns copies of jobs matching the filter, ordered by id.
func (s *Scheduler) ListJobs(filter Filter) []bench.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]bench.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Class != "" && job.Def.Class != filter.Class {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// MatrixStatus returns the matrix and a count of its jobs per status.
// Deleted jobs no longer contribute a count.
func (s *Scheduler) MatrixStatus(mid bench.MatrixID) (bench.Matrix, map[bench.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matrices[mid]
	if !ok {
		return bench.Matrix{}, nil, bench.NoSuchMatrixError{ID: mid}
	}
	counts := make(map[bench.Status]int)
	for _, jid := range m.JobIDs {
		if job, ok := s.jobs[jid]; ok {
			counts[job.Status]++
		}
	}
	return *m, counts, nil
}

// JobOutput reads the captured driver output of a job.
func (s *Scheduler) JobOutput(jid bench.JobID) ([]byte, error) {
	s.mu.Lock()
	job, ok := s.jobs[jid]
	if !ok {
		s.mu.Unlock()
		return nil, bench.NoSuchJobError{ID: jid}
	}
	terminal := job.Status.Terminal()
	s.mu.Unlock()

	// Read outside the lock; output files are append-only and keyed by id.
	return s.out.ReadJobOutput(jid, terminal)
}

//
// Machine operations.
//

// AddMachine registers a machine into the given classes, making it Idle.
func (s *Scheduler) AddMachine(addr string, classes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMachineLocked(addr, classes)
}

func (s *Scheduler) addMachineLocked(addr string, classes []string) error {
	if addr == "" {
		return bench.NewInvalidRequestError("machine needs an address")
	}
	if len(classes) == 0 {
		return bench.NewInvalidRequestError("machine %q needs at least one class", addr)
	}
	if err := s.appendLocked(&journal.Entry{
		Type:    journal.MachineAdded,
		Machine: addr,
		Classes: classes,
	}); err != nil {
		return err
	}
	return s.registry.Register(addr, classes)
}

// RemoveMachine forgets a machine. MachineBusyError unless force; a forced
// removal leaves the in-flight job to settle on its own.
func (s *Scheduler) RemoveMachine(addr string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registry.Get(addr); !ok {
		return bench.NoSuchMachineError{Addr: addr}
	}
	if err := s.appendLocked(&journal.Entry{
		Type:    journal.MachineRemoved,
		Machine: addr,
		Force:   force,
	}); err != nil {
		return err
	}
	_, err := s.registry.Remove(addr, force)
	return err
}

// ListMachines returns a snapshot of the registry.
func (s *Scheduler) ListMachines() []cluster.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Snapshot()
}

// SetupMachine queues a setup pipeline for a machine, claiming it as
// SettingUp. The machine may be unknown, Unavailable, Idle or Dead; a Busy
// machine cannot be set up.
func (s *Scheduler) SetupMachine(addr string, classes []string, cmds []string) (bench.SetupID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr == "" {
		return 0, bench.NewInvalidRequestError("setup needs a machine address")
	}
	if len(cmds) == 0 {
		return 0, bench.NewInvalidRequestError("setup needs at least one command")
	}
	if m, ok := s.registry.Get(addr); ok && m.State == cluster.Busy {
		return 0, bench.NewMachineBusyError("machine %q is running job %v", addr, m.RunningJob)
	}

	sid := bench.SetupID(s.nextIDLocked())
	if err := s.appendLocked(&journal.Entry{
		Type:    journal.SetupQueued,
		SetupID: sid,
		Machine: addr,
		Classes: classes,
		Cmds:    cmds,
		Vars:    s.varSnapshotLocked(),
	}); err != nil {
		s.nextID--
		return 0, err
	}

	s.registry.Ensure(addr)
	s.registry.SetState(addr, cluster.SettingUp)
	s.setups[sid] = &bench.SetupTask{
		ID:      sid,
		Machine: addr,
		Classes: classes,
		Cmds:    cmds,
		Vars:    s.varSnapshotLocked(),
		Status:  bench.Waiting,
		Created: time.Now(),
	}
	s.stat.Counter("queuedSetupsCounter").Inc(1)
	log.Infof("Queued setup %v for machine %s: %d steps, classes %v", sid, addr, len(cmds), classes)
	return sid, nil
}

// SetupStatus returns a copy of a setup task.
func (s *Scheduler) SetupStatus(sid bench.SetupID) (bench.SetupTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.setups[sid]
	if !ok {
		return bench.SetupTask{}, bench.NoSuchSetupError{ID: sid}
	}
	return *task, nil
}

// SetupOutput reads the captured output of one setup step.
func (s *Scheduler) SetupOutput(sid bench.SetupID, step int) ([]byte, error) {
	s.mu.Lock()
	if _, ok := s.setups[sid]; !ok {
		s.mu.Unlock()
		return nil, bench.NoSuchSetupError{ID: sid}
	}
	s.mu.Unlock()
	return s.out.ReadSetupOutput(sid, step)
}

//
// Variables.
//

// SetVar sets a server variable. Existing jobs keep their snapshots.
func (s *Scheduler) SetVar(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" || name == bench.MachineVar {
		return bench.NewInvalidRequestError("invalid variable name %q", name)
	}
	if err := s.appendLocked(&journal.Entry{Type: journal.VarSet, Name: name, Value: value}); err != nil {
		return err
	}
	s.vars[name] = value
	log.Infof("Set variable %s=%q", name, value)
	return nil
}

// Vars returns a copy of the server variables.
func (s *Scheduler) Vars() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.varSnapshotLocked()
}

func (s *Scheduler) varSnapshotLocked() map[string]string {
	snapshot := make(map[string]string, len(s.vars))
	for name, value := range s.vars {
		snapshot[name] = value
	}
	return snapshot
}

// Dump renders all scheduler state for debug logging.
func (s *Scheduler) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return spew.Sdump(s.jobs) + s.registry.Dump()
}

func resultBase(path string) string {
	return filepath.Base(filepath.Clean(path))
}
