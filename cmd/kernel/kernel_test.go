package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/klog"
)

func testConfig() *BootConfig {
	return &BootConfig{
		MemoryMap: []MemRegion{{Base: 0x100000, Length: 0x400000, Type: "usable"}},
		NCPU:      1,
		SyscallStackSize: defaultSyscallStackSize,
		KernelStackSize:  defaultKernelStackSize,
		Disk: DiskConfig{SectorSize: 512, TotalSectors: 2048},
	}
}

func TestBootWiresEveryCoreSubsystem(t *testing.T) {
	k, err := Boot(testConfig(), klog.NewNop())
	require.NoError(t, err)

	assert.EqualValues(t, 1024, k.Zone.TotalUsablePages()) // 0x400000 / 4096
	assert.Equal(t, 1, k.CPUs.Count())
	assert.NotEmpty(t, k.PCI.Enumerate())
	assert.NotEmpty(t, k.Block.List())

	mounts := k.VFS.Mounts()
	paths := make(map[string]bool)
	for _, mp := range mounts {
		paths[mp.Path] = true
	}
	assert.True(t, paths["/dev"])
	assert.True(t, paths["/"])
	assert.True(t, paths["/proc"])
	assert.True(t, paths["/dev/ptmx"])
}

func TestSpawnInitTaskAssignsPidOne(t *testing.T) {
	k, err := Boot(testConfig(), klog.NewNop())
	require.NoError(t, err)

	tsk, err := k.SpawnInitTask(defaultKernelStackSize)
	require.NoError(t, err)
	assert.EqualValues(t, 1, tsk.Pid)

	got, ok := k.Sched.Registry.Get(1)
	require.True(t, ok)
	assert.Same(t, tsk, got)
}

func TestStandardDevicesAreReadable(t *testing.T) {
	k, err := Boot(testConfig(), klog.NewNop())
	require.NoError(t, err)

	fds := newInterpreter(k.VFS).fds
	fd, err := k.VFS.Open(fds, "/dev/zero", 0, 0)
	require.NoError(t, err)
	f, err := fds.Get(fd)
	require.NoError(t, err)

	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	for _, b := range buf {
		assert.Zero(t, b)
	}
}
