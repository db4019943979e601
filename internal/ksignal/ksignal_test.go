package ksignal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/ksignal"
	"wos/internal/percpu"
	"wos/internal/task"
)

func setup(t *testing.T) (*task.Task, *percpu.PerCpu) {
	t.Helper()
	tk := task.New(10, 1, 4096)
	table := percpu.NewTable(1, 4096, 4096)
	cpu, err := table.Get(0)
	require.NoError(t, err)
	cpu.Current = tk
	cpu.UserRSP = 0x7fff0000
	cpu.SyscallRetRIP = 0x401000
	return tk, cpu
}

func TestDefaultIgnoreDropsSignalSilently(t *testing.T) {
	tk, cpu := setup(t)
	tk.Raise(uint(ksignal.SIGTERM))
	d := ksignal.NewDispatcher() // TerminateOnDefault false

	err := d.OnSyscallReturn(tk, cpu)
	require.NoError(t, err)
	assert.False(t, tk.Exited)
	assert.Equal(t, uint64(0), tk.Pending())
}

func TestDefaultTerminateHonorsFlag(t *testing.T) {
	tk, cpu := setup(t)
	tk.Raise(uint(ksignal.SIGTERM))
	d := &ksignal.Dispatcher{TerminateOnDefault: true}

	err := d.OnSyscallReturn(tk, cpu)
	require.NoError(t, err)
	assert.True(t, tk.Exited)
}

func TestHandledSignalRewritesUserContext(t *testing.T) {
	tk, cpu := setup(t)
	const handlerAddr = 0x500000
	const restorerAddr = 0x500100
	tk.Handlers[ksignal.SIGINT] = task.SignalHandler{HandlerAddr: handlerAddr, RestorerAddr: restorerAddr}
	tk.Raise(uint(ksignal.SIGINT))

	savedRIP := cpu.SyscallRetRIP
	savedRSP := cpu.UserRSP

	d := ksignal.NewDispatcher()
	err := d.OnSyscallReturn(tk, cpu)
	require.NoError(t, err)

	assert.Equal(t, uint64(handlerAddr), cpu.SyscallRetRIP)
	assert.NotEqual(t, savedRSP, cpu.UserRSP)
	assert.Equal(t, uint64(0), cpu.UserRSP&0xF, "frame address must be 16-byte aligned")
	assert.Equal(t, uint64(0), tk.Pending())

	// The signal itself should now be masked (SA_NODEFER not set).
	assert.NotEqual(t, uint64(0), tk.SignalMaskSnapshot()&(1<<uint(ksignal.SIGINT)))

	err = d.Sigreturn(tk, cpu)
	require.NoError(t, err)
	assert.Equal(t, savedRIP, cpu.SyscallRetRIP)
	assert.Equal(t, savedRSP, cpu.UserRSP)
	assert.False(t, tk.InSignal)
}

func TestSANodeferLeavesSignalUnmasked(t *testing.T) {
	tk, cpu := setup(t)
	tk.Handlers[ksignal.SIGINT] = task.SignalHandler{
		HandlerAddr:  0x500000,
		RestorerAddr: 0x500100,
		Flags:        ksignal.SANodefer,
	}
	tk.Raise(uint(ksignal.SIGINT))

	d := ksignal.NewDispatcher()
	require.NoError(t, d.OnSyscallReturn(tk, cpu))
	assert.Equal(t, uint64(0), tk.SignalMaskSnapshot()&(1<<uint(ksignal.SIGINT)))
}

func TestInSignalDefersFurtherDispatchUntilSigreturn(t *testing.T) {
	tk, cpu := setup(t)
	tk.Handlers[ksignal.SIGINT] = task.SignalHandler{HandlerAddr: 0x500000, RestorerAddr: 0x500100}
	tk.Raise(uint(ksignal.SIGINT))
	d := ksignal.NewDispatcher()
	require.NoError(t, d.OnSyscallReturn(tk, cpu))

	tk.Raise(uint(ksignal.SIGTERM))
	require.NoError(t, d.OnSyscallReturn(tk, cpu))
	// SIGTERM must still be pending: in-signal blocks further dispatch.
	assert.NotEqual(t, uint64(0), tk.Pending()&(1<<uint(ksignal.SIGTERM)))
}

func TestSigreturnWithNoFrameFails(t *testing.T) {
	tk, cpu := setup(t)
	d := ksignal.NewDispatcher()
	err := d.Sigreturn(tk, cpu)
	assert.Error(t, err)
}
