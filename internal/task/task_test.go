package task_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/paging"
	"wos/internal/physmem"
	"wos/internal/task"
)

func TestRunQueueRoundRobin(t *testing.T) {
	s := task.NewScheduler(1)
	a := task.New(1, 0, 4096)
	b := task.New(2, 0, 4096)
	require.NoError(t, s.Spawn(a, 0))
	require.NoError(t, s.Spawn(b, 0))

	q, err := s.Queue(0)
	require.NoError(t, err)

	first, ok := q.Process()
	require.True(t, ok)
	assert.Equal(t, task.Pid(1), first)

	second, ok := q.Process()
	require.True(t, ok)
	assert.Equal(t, task.Pid(2), second)

	_, ok = q.Process()
	assert.False(t, ok)
}

func TestGroupMembers(t *testing.T) {
	r := task.NewRegistry()
	a := task.New(1, 0, 4096)
	a.Pgid = 7
	b := task.New(2, 0, 4096)
	b.Pgid = 7
	c := task.New(3, 0, 4096)
	c.Pgid = 9
	r.Add(a)
	r.Add(b)
	r.Add(c)

	members := r.GroupMembers(7)
	assert.Len(t, members, 2)
}

func TestRaiseAndPending(t *testing.T) {
	tk := task.New(1, 0, 4096)
	tk.Raise(2) // SIGINT-like
	assert.Equal(t, uint64(1<<2), tk.Pending())

	tk.SignalMask = 1 << 2
	assert.Equal(t, uint64(0), tk.Pending())
}

func TestCreateThreadLayout(t *testing.T) {
	zone := physmem.NewZone(8192 * physmem.PageSize)
	space, err := paging.NewSpace(zone)
	require.NoError(t, err)

	layout, err := task.CreateThread(space, zone, 16*physmem.PageSize, 32, 1)
	require.NoError(t, err)

	assert.Equal(t, task.HighUserAnchor, layout.TLSBase)
	assert.Greater(t, layout.StackBase, layout.TLSBase+layout.TLSSize)
	assert.Equal(t, layout.TCBVA, layout.FSBase)

	// TLS size must be padded up to the linker-assumed minimum even
	// though 32 bytes was requested.
	assert.GreaterOrEqual(t, layout.TLSSize, uintptr(128))

	// The TCB must actually be readable back out of the mapped space.
	ptr, err := space.Translate(layout.TCBVA)
	require.NoError(t, err)
	self := ptr.Bytes(8)
	var got uint64
	for i := 0; i < 8; i++ {
		got |= uint64(self[i]) << (8 * i)
	}
	assert.Equal(t, uint64(layout.TCBVA), got)
}
