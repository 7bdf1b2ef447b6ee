package bench

import (
	"testing"
)

func TestExpandCmd(t *testing.T) {
	vars := map[string]string{
		"BENCH_DIR": "/opt/bench",
		"ITERS":     "100",
	}

	cmd := ExpandCmd("{BENCH_DIR}/run.sh --iters {ITERS} --host {MACHINE}", vars, "m1:22")
	if cmd != "/opt/bench/run.sh --iters 100 --host m1:22" {
		t.Errorf("wrong expansion: %q", cmd)
	}
}

func TestExpandCmdUnknownVarsSurvive(t *testing.T) {
	// Placeholders without a matching variable pass through untouched so the
	// driver sees what the operator typed.
	cmd := ExpandCmd("run {UNSET} end", nil, "m1")
	if cmd != "run {UNSET} end" {
		t.Errorf("wrong expansion: %q", cmd)
	}
}

func TestExpandCmdMachineBindsLast(t *testing.T) {
	// A variable whose value mentions {MACHINE} still gets the address bound.
	vars := map[string]string{"TARGET": "ssh://{MACHINE}"}
	cmd := ExpandCmd("copy {TARGET}", vars, "m2")
	if cmd != "copy ssh://m2" {
		t.Errorf("wrong expansion: %q", cmd)
	}
}

func TestExpandCmdDeterministicOrder(t *testing.T) {
	// Values may contain other placeholders; sorted application keeps the
	// outcome stable across runs.
	vars := map[string]string{
		"A": "{B}",
		"B": "b",
	}
	first := ExpandCmd("{A}", vars, "m")
	for i := 0; i < 16; i++ {
		if got := ExpandCmd("{A}", vars, "m"); got != first {
			t.Fatalf("expansion changed between runs: %q vs %q", first, got)
		}
	}
	// Sorted order applies A before B, so the injected {B} gets resolved.
	if first != "b" {
		t.Errorf("wrong expansion: %q", first)
	}
}
