package cluster

import (
	"sort"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/benchd/benchd/bench"
)

// Registry holds every machine the server knows about. It does no locking
// and no I/O of its own; the owning scheduler brackets every call in its
// critical section and journals the mutations it decides to keep.
type Registry struct {
	machines map[string]*Machine
}

func NewRegistry() *Registry {
	return &Registry{machines: make(map[string]*Machine)}
}

// Register adds a machine with the given classes, or replaces the class set
// of an existing one. A machine that was Unavailable or Dead becomes Idle;
// a Busy machine keeps its running job and only the class set changes.
func (r *Registry) Register(addr string, classes []string) error {
	if len(classes) == 0 {
		return bench.NewInvalidRequestError("machine %q needs at least one class", addr)
	}

	if m, ok := r.machines[addr]; ok {
		m.Classes = classSet(classes)
		if m.State != Busy && m.State != SettingUp {
			m.State = Idle
			m.IdleSince = time.Now()
			m.LastError = ""
		}
		log.Infof("Re-registered machine %v", m)
		return nil
	}

	m := &Machine{
		Addr:      addr,
		Classes:   classSet(classes),
		State:     Idle,
		IdleSince: time.Now(),
	}
	r.machines[addr] = m
	log.Infof("Added machine %v, now tracking %d machines", m, len(r.machines))
	return nil
}

// Ensure returns the machine record for addr, creating an Unavailable one
// if the address is new. Setup pipelines use this to claim machines that
// were never explicitly added.
func (r *Registry) Ensure(addr string) *Machine {
	if m, ok := r.machines[addr]; ok {
		return m
	}
	m := &Machine{Addr: addr, Classes: map[string]bool{}, State: Unavailable}
	r.machines[addr] = m
	log.Infof("Tracking new machine %q as %v", addr, m.State)
	return m
}

func (r *Registry) Get(addr string) (*Machine, bool) {
	m, ok := r.machines[addr]
	return m, ok
}

// Remove forgets a machine. Removing a Busy machine fails unless force is
// set; a forced removal returns the machine so the caller can detach the
// in-flight pairing, whose completion then no-ops against the registry.
func (r *Registry) Remove(addr string, force bool) (*Machine, error) {
	m, ok := r.machines[addr]
	if !ok {
		return nil, bench.NoSuchMachineError{Addr: addr}
	}
	if m.State == Busy && !force {
		return nil, bench.NewMachineBusyError("machine %q is running job %v", addr, m.RunningJob)
	}
	delete(r.machines, addr)
	log.Infof("Removed machine %v (force=%t), now tracking %d machines", m, force, len(r.machines))
	return m, nil
}

// SetBusy records a job assignment.
func (r *Registry) SetBusy(addr string, jid bench.JobID) {
	if m, ok := r.machines[addr]; ok {
		m.State = Busy
		m.RunningJob = jid
	}
}

// SetIdle releases a machine back into rotation.
func (r *Registry) SetIdle(addr string) {
	if m, ok := r.machines[addr]; ok {
		m.State = Idle
		m.RunningJob = 0
		m.IdleSince = time.Now()
	}
}

// SetState moves a machine into a non-assignment state (Unavailable or
// SettingUp) without touching class membership.
func (r *Registry) SetState(addr string, state MachineState) {
	if m, ok := r.machines[addr]; ok {
		m.State = state
		m.RunningJob = 0
	}
}

// MarkDead sidelines a machine after a transport failure. Jobs are not
// canceled here; the dispatcher that hit the failure settles its own job.
func (r *Registry) MarkDead(addr, reason string) {
	if m, ok := r.machines[addr]; ok {
		m.State = Dead
		m.RunningJob = 0
		m.LastError = reason
		log.Infof("Marked machine %q dead: %s", addr, reason)
	}
}

// PickIdle returns the Idle machine in the given class that has been idle
// longest, or nil if none qualifies. Address order breaks exact ties so
// assignment is deterministic.
func (r *Registry) PickIdle(class string) *Machine {
	var pick *Machine
	for _, m := range r.machines {
		if m.State != Idle || !m.InClass(class) {
			continue
		}
		if pick == nil || m.IdleSince.Before(pick.IdleSince) ||
			(m.IdleSince.Equal(pick.IdleSince) && m.Addr < pick.Addr) {
			pick = m
		}
	}
	return pick
}

// HasClass reports whether any machine, in any state, belongs to the class.
// Status queries use this to explain why a job is still waiting.
func (r *Registry) HasClass(class string) bool {
	for _, m := range r.machines {
		if m.InClass(class) {
			return true
		}
	}
	return false
}

// NumIdle counts machines ready for assignment.
func (r *Registry) NumIdle() int {
	n := 0
	for _, m := range r.machines {
		if m.State == Idle {
			n++
		}
	}
	return n
}

// Machines returns the live machine records, sorted by address. For the
// owning scheduler only; everyone else gets Snapshot.
func (r *Registry) Machines() []*Machine {
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	sort.Slice(machines, func(i, j int) bool { return machines[i].Addr < machines[j].Addr })
	return machines
}

// Snapshot copies all machines, sorted by address.
func (r *Registry) Snapshot() []Machine {
	machines := make([]Machine, 0, len(r.machines))
	for _, m := range r.machines {
		c := *m
		c.Classes = classSet(m.ClassList())
		machines = append(machines, c)
	}
	sort.Slice(machines, func(i, j int) bool { return machines[i].Addr < machines[j].Addr })
	return machines
}

// Dump renders the full registry for debug logging.
func (r *Registry) Dump() string {
	return spew.Sdump(r.machines)
}
