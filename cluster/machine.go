// Package cluster tracks the machines jobs run on: identity, class
// memberships and lifecycle state. The registry is passive; the scheduler
// serializes all access through its own critical section.
package cluster

import (
	"fmt"
	"sort"
	"time"

	"github.com/benchd/benchd/bench"
)

// MachineState is the lifecycle state of one machine.
type MachineState int

const (
	// Unavailable: known to the server but not schedulable, either because
	// setup never ran or because it failed.
	Unavailable MachineState = iota

	// SettingUp: a setup pipeline is running on the machine.
	SettingUp

	// Idle: ready to take a job.
	Idle

	// Busy: running exactly one job.
	Busy

	// Dead: the transport gave out. Stays dead until an operator re-adds it.
	Dead
)

func (s MachineState) String() string {
	asString := [5]string{"Unavailable", "SettingUp", "Idle", "Busy", "Dead"}
	if s < 0 || int(s) >= len(asString) {
		return "Unknown"
	}
	return asString[s]
}

// Machine is one remote host, identified by the address the transport dials.
type Machine struct {
	Addr string

	// Classes is the set of class memberships. Empty only for machines that
	// are not schedulable (Unavailable, SettingUp or Dead).
	Classes map[string]bool

	State MachineState

	// RunningJob is set while Busy.
	RunningJob bench.JobID

	// IdleSince orders idle machines for assignment: longest idle wins.
	IdleSince time.Time

	// LastError retains the most recent setup or transport failure.
	LastError string
}

// ClassList returns the class memberships in sorted order.
func (m *Machine) ClassList() []string {
	classes := make([]string, 0, len(m.Classes))
	for c := range m.Classes {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

func (m *Machine) InClass(class string) bool {
	return m.Classes[class]
}

func (m *Machine) String() string {
	return fmt.Sprintf("{addr:%s, classes:%v, state:%v, job:%v, idleSince:%v}",
		m.Addr, m.ClassList(), m.State, m.RunningJob, m.IdleSince.Format(time.RFC3339))
}

func classSet(classes []string) map[string]bool {
	set := make(map[string]bool, len(classes))
	for _, c := range classes {
		set[c] = true
	}
	return set
}
