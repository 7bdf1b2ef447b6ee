package bench

import (
	"sort"
	"strings"
)

// MachineVar is the placeholder bound to the assigned machine's address at
// dispatch time, after all other substitutions.
const MachineVar = "MACHINE"

// ExpandCmd produces the concrete command for a dispatch: every {NAME} with
// a snapshot variable is substituted, then {MACHINE} is bound to the
// machine's address. Variables apply in sorted name order so a value that
// itself contains a placeholder expands the same way on every server.
func ExpandCmd(cmd string, vars map[string]string, machine string) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd = replaceVar(cmd, name, vars[name])
	}
	return replaceVar(cmd, MachineVar, machine)
}

func replaceVar(cmd, name, value string) string {
	return strings.Replace(cmd, "{"+name+"}", value, -1)
}
