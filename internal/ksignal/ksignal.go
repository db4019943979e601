// Package ksignal implements signal delivery on syscall return: frame
// construction, dispatch against a task's handler table, and sigreturn
// restore (spec.md §4.7). Since this module has no real user stack to
// write into, Frame is modeled as a plain Go value pushed onto a
// per-task slice that stands in for the user stack's signal-frame
// region, and Dispatch/Sigreturn operate on *task.Task and
// *percpu.PerCpu directly rather than raw memory.
package ksignal

import (
	"unsafe"

	"github.com/pkg/errors"

	"wos/internal/kerrno"
	"wos/internal/percpu"
	"wos/internal/task"
)

// SANodefer is the sa_flags bit that suppresses auto-masking the
// delivered signal during its own handler (spec.md §4.7 "Dispatch" step
// 3, "SA_NODEFER (bit 0x40000000)").
const SANodefer = 0x40000000

// Disposition controls how a signal without an installed handler is
// treated (spec.md §4.7 "Dispatch" step 1-2).
type Disposition int

const (
	// DispositionIgnore drops the signal with no effect.
	DispositionIgnore Disposition = iota
	// DispositionTerminate ends the task, subject to TerminateOnDefault.
	DispositionTerminate
)

// DefaultDisposition is the well-known default action for the signals
// this kernel core generates itself (ISIG's VINTR/VQUIT/VSUSP, spec.md
// §4.5 item 2). Signals not listed here default to DispositionIgnore.
var DefaultDisposition = map[uint]Disposition{
	SIGINT:  DispositionTerminate,
	SIGQUIT: DispositionTerminate,
	SIGTSTP: DispositionTerminate,
	SIGKILL: DispositionTerminate,
	SIGTERM: DispositionTerminate,
}

// Signal numbers the PTY line discipline and job control raise (spec.md
// §4.5 "ISIG checks").
const (
	SIGINT  = 2
	SIGQUIT = 3
	SIGKILL = 9
	SIGTERM = 15
	SIGTSTP = 20
)

// Frame is the signal frame spec.md §4.7 specifies, pushed 16-byte
// aligned on the real kernel's user stack; here it is simply recorded
// on the task so Sigreturn can read it back.
type Frame struct {
	Pretcode  uint64 // restorer (signal trampoline) address
	Signo     uint32
	SavedMask uint64
	SavedRIP  uint64
	SavedRSP  uint64
	SavedRFLAGS uint64
	SavedRetval uint64
	SavedRegs   [15]uint64 // r15..rax, syscall stack frame order
}

// Dispatcher resolves pending signals against a task's handler table on
// syscall return (spec.md §4.7 "Trigger"). TerminateOnDefault decides
// whether DispositionTerminate actually ends the task or is a no-op,
// implementing the bring-up carve-out in spec.md §4.7 item 2 ("during
// bring-up unhandled defaults do not terminate").
type Dispatcher struct {
	TerminateOnDefault bool
}

// NewDispatcher constructs a Dispatcher with terminate-on-default off,
// the bring-up-safe default spec.md §4.7 calls for.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{TerminateOnDefault: false}
}

// lowestSet returns the lowest-numbered set bit in pending, or 0 if
// pending is zero.
func lowestSet(pending uint64) uint {
	if pending == 0 {
		return 0
	}
	for signo := uint(0); signo < 64; signo++ {
		if pending&(1<<signo) != 0 {
			return signo
		}
	}
	return 0
}

// OnSyscallReturn implements spec.md §4.7's trigger/dispatch path. While
// InSignal is set it does nothing: no signal is dispatched and no frame
// is restored (only an explicit Sigreturn call restores one). Otherwise
// the lowest deliverable signal is dispatched against cpu's saved user
// context.
func (d *Dispatcher) OnSyscallReturn(t *task.Task, cpu *percpu.PerCpu) error {
	if t.InSignal {
		return nil
	}
	pending := t.Pending()
	if pending == 0 {
		return nil
	}
	signo := lowestSet(pending)
	return d.dispatch(t, cpu, signo)
}

func (d *Dispatcher) dispatch(t *task.Task, cpu *percpu.PerCpu, signo uint) error {
	h := t.Handlers[signo]

	if h.HandlerAddr == 0 {
		disp, known := DefaultDisposition[signo]
		if !known || disp == DispositionIgnore {
			t.ClearPending(signo)
			return nil
		}
		// DispositionTerminate.
		t.ClearPending(signo)
		if d.TerminateOnDefault {
			t.MarkExited()
		}
		return nil
	}

	frameAddr := (cpu.UserRSP - frameSize) &^ 0xF

	frame := Frame{
		Pretcode:    uint64(h.RestorerAddr),
		Signo:       uint32(signo),
		SavedMask:   t.SignalMaskSnapshot(),
		SavedRIP:    cpu.SyscallRetRIP,
		SavedRSP:    cpu.UserRSP,
		SavedRFLAGS: cpu.UserRFLAGS,
	}
	t.PushSignalFrame(frame, frameAddr)

	cpu.UserRSP = frameAddr
	cpu.SyscallRetRIP = uint64(h.HandlerAddr)

	t.SetSignalMask(t.SignalMaskSnapshot() | h.Mask)
	if h.Flags&SANodefer == 0 {
		t.SetSignalMask(t.SignalMaskSnapshot() | (1 << signo))
	}
	t.InSignal = true
	t.ClearPending(signo)
	return nil
}

// frameSize is the size of Frame rounded up to 16 bytes, reserved for it
// on the simulated user stack.
const frameSize = uint64((unsafe.Sizeof(Frame{}) + 0xF) &^ 0xF)

// Sigreturn implements spec.md §4.7 "Sigreturn": reads the frame
// pushed at dispatch time, restores mask, RIP/RSP/RFLAGS, and clears
// the in-signal-handler flag.
func (d *Dispatcher) Sigreturn(t *task.Task, cpu *percpu.PerCpu) error {
	raw, ok := t.PopSignalFrame()
	if !ok {
		return errors.Wrap(kerrno.EINVAL, "ksignal: sigreturn with no pending frame")
	}
	frame, ok := raw.(Frame)
	if !ok {
		return errors.Wrap(kerrno.EINVAL, "ksignal: sigreturn frame type mismatch")
	}
	t.SetSignalMask(frame.SavedMask)
	cpu.UserRSP = frame.SavedRSP
	cpu.SyscallRetRIP = frame.SavedRIP
	cpu.UserRFLAGS = frame.SavedRFLAGS
	t.InSignal = false
	return nil
}
