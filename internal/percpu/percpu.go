// Package percpu models per-CPU state normally addressed via GS-base
// (spec.md §4.3 "Per-CPU installation"). Go has no portable way to read a
// real GS-base MSR from managed code, so "the current CPU" is an explicit
// id threaded through calls instead of a hidden register read — a
// deliberate, documented divergence (see SPEC_FULL.md §9).
package percpu

import (
	"sync"

	"github.com/pkg/errors"

	"wos/internal/kerrno"
	"wos/internal/task"
)

// PerCpu is the process-wide state published once per CPU during
// bring-up (spec.md §3 "PerCpu").
type PerCpu struct {
	ID int

	SyscallStack []byte
	KernelStack  []byte

	Current *task.Task

	// Saved userspace context used by syscall return (spec.md §4.7).
	UserRSP       uint64
	SyscallRetRIP uint64
	UserRFLAGS    uint64
}

// Table is the fixed set of PerCpu records installed at boot. Created
// once; never reconstructed (spec.md §9 "Global mutable state").
type Table struct {
	mu   sync.RWMutex
	cpus []*PerCpu
	init bool
}

// NewTable allocates ncpu PerCpu records with the given per-CPU stack
// sizes.
func NewTable(ncpu int, syscallStackSize, kernelStackSize int) *Table {
	t := &Table{cpus: make([]*PerCpu, ncpu)}
	for i := range t.cpus {
		t.cpus[i] = &PerCpu{
			ID:           i,
			SyscallStack: make([]byte, syscallStackSize),
			KernelStack:  make([]byte, kernelStackSize),
		}
	}
	t.init = true
	return t
}

// Get returns the PerCpu record for cpu, the GS-base-read stand-in.
func (t *Table) Get(cpu int) (*PerCpu, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cpu < 0 || cpu >= len(t.cpus) {
		return nil, errors.Wrap(kerrno.EINVAL, "percpu: cpu index out of range")
	}
	return t.cpus[cpu], nil
}

// Count reports the number of installed CPUs.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cpus)
}
