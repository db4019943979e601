package pty_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/devfs"
	"wos/internal/ksignal"
	"wos/internal/pty"
	"wos/internal/task"
	"wos/internal/ttyconst"
	"wos/internal/vfs"
)

func setup(t *testing.T) (*vfs.VFS, *vfs.FDTable) {
	t.Helper()
	reg := devfs.NewRegistry()
	pool := pty.NewPool(reg, task.NewRegistry())
	v := vfs.New()
	v.Mount(devfs.Mount(reg))
	v.Mount(pool.MountPoint())
	return v, vfs.NewFDTable()
}

// setupWithTasks is like setup but also returns the task registry
// backing the pool, for tests that need to allocate tasks to receive
// ISIG-generated signals.
func setupWithTasks(t *testing.T) (*vfs.VFS, *vfs.FDTable, *task.Registry) {
	t.Helper()
	reg := devfs.NewRegistry()
	tasks := task.NewRegistry()
	pool := pty.NewPool(reg, tasks)
	v := vfs.New()
	v.Mount(devfs.Mount(reg))
	v.Mount(pool.MountPoint())
	return v, vfs.NewFDTable(), tasks
}

func TestOpenPtmxAllocatesPairAndPtsNode(t *testing.T) {
	v, fds := setup(t)

	fd, err := v.Open(fds, "/dev/ptmx", 0, 0)
	require.NoError(t, err)
	master, err := fds.Get(fd)
	require.NoError(t, err)
	assert.True(t, master.Isatty())

	// TIOCGPTN should report index 0 for the first pair allocated.
	var idx uint32
	_, err = master.Ioctl(ttyconst.TIOCGPTN, &idx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx)

	slaveFd, err := v.Open(fds, "/dev/pts/0", 0, 0)
	require.NoError(t, err)
	slave, err := fds.Get(slaveFd)
	require.NoError(t, err)
	assert.True(t, slave.Isatty())
}

func TestCanonicalEchoAndNewlineDelivery(t *testing.T) {
	v, fds := setup(t)
	mfd, err := v.Open(fds, "/dev/ptmx", 0, 0)
	require.NoError(t, err)
	master, err := fds.Get(mfd)
	require.NoError(t, err)

	sfd, err := v.Open(fds, "/dev/pts/0", 0, 0)
	require.NoError(t, err)
	slave, err := fds.Get(sfd)
	require.NoError(t, err)

	n, err := master.Write([]byte("hi\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	buf := make([]byte, 32)
	sn, err := slave.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(buf[:sn]))

	// Echo should have been queued back to the master.
	echoBuf := make([]byte, 32)
	en, err := master.Read(echoBuf)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(echoBuf[:en]))
}

func TestEraseRemovesLastPendingByte(t *testing.T) {
	v, fds := setup(t)
	mfd, _ := v.Open(fds, "/dev/ptmx", 0, 0)
	master, _ := fds.Get(mfd)
	sfd, _ := v.Open(fds, "/dev/pts/0", 0, 0)
	slave, _ := fds.Get(sfd)

	// "hel" then two erases (DEL=127) leave "h"; "lo\n" completes the line.
	_, err := master.Write([]byte("hel" + string(rune(127)) + string(rune(127)) + "lo\n"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := slave.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hlo\n", string(buf[:n]))
}

func TestSlaveWriteAppliesONLCR(t *testing.T) {
	v, fds := setup(t)
	mfd, _ := v.Open(fds, "/dev/ptmx", 0, 0)
	master, _ := fds.Get(mfd)
	sfd, _ := v.Open(fds, "/dev/pts/0", 0, 0)
	slave, _ := fds.Get(sfd)

	_, err := slave.Write([]byte("a\nb"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := master.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "a\r\nb", string(buf[:n]))
}

func TestWinsizeIoctlRoundTrips(t *testing.T) {
	v, fds := setup(t)
	mfd, _ := v.Open(fds, "/dev/ptmx", 0, 0)
	master, _ := fds.Get(mfd)

	ws := pty.Winsize{Rows: 50, Cols: 120}
	_, err := master.Ioctl(ttyconst.TIOCSWINSZ, &ws)
	require.NoError(t, err)

	var got pty.Winsize
	_, err = master.Ioctl(ttyconst.TIOCGWINSZ, &got)
	require.NoError(t, err)
	assert.Equal(t, ws, got)
}

func TestPoolExhaustionReturnsEAGAIN(t *testing.T) {
	reg := devfs.NewRegistry()
	pool := pty.NewPool(reg, task.NewRegistry())
	for i := 0; i < pty.PoolSize; i++ {
		_, _, err := pool.OpenMaster()
		require.NoError(t, err)
	}
	_, _, err := pool.OpenMaster()
	assert.Error(t, err)
}

func TestVintrRaisesSigintOnForegroundGroup(t *testing.T) {
	v, fds, tasks := setupWithTasks(t)
	mfd, err := v.Open(fds, "/dev/ptmx", 0, 0)
	require.NoError(t, err)
	master, err := fds.Get(mfd)
	require.NoError(t, err)

	tsk := task.New(7, 0, 4096)
	tsk.Pgid = 42
	tasks.Add(tsk)
	pgid := tsk.Pgid
	_, err = master.Ioctl(ttyconst.TIOCSPGRP, &pgid)
	require.NoError(t, err)

	_, err = master.Write([]byte{3}) // ^C
	require.NoError(t, err)

	assert.NotZero(t, tsk.Pending()&(1<<uint(ksignal.SIGINT)))
}

func TestVintrFlushesCanonicalStagingUnlessNoflsh(t *testing.T) {
	v, fds, tasks := setupWithTasks(t)
	mfd, err := v.Open(fds, "/dev/ptmx", 0, 0)
	require.NoError(t, err)
	master, err := fds.Get(mfd)
	require.NoError(t, err)
	sfd, err := v.Open(fds, "/dev/pts/0", 0, 0)
	require.NoError(t, err)
	slave, err := fds.Get(sfd)
	require.NoError(t, err)

	tsk := task.New(9, 0, 4096)
	tasks.Add(tsk)
	pgid := tsk.Pgid
	_, err = master.Ioctl(ttyconst.TIOCSPGRP, &pgid)
	require.NoError(t, err)

	_, err = master.Write([]byte("partial"))
	require.NoError(t, err)
	_, err = master.Write([]byte{3}) // ^C, NOFLSH clear by default
	require.NoError(t, err)
	_, err = master.Write([]byte("ok\n"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := slave.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(buf[:n])) // "partial" never reached the slave
}

func TestSlaveReadDistinguishesEAGAINFromEOF(t *testing.T) {
	v, fds := setup(t)
	mfd, err := v.Open(fds, "/dev/ptmx", 0, 0)
	require.NoError(t, err)

	sfd, err := v.Open(fds, "/dev/pts/0", 0, 0)
	require.NoError(t, err)
	slave, err := fds.Get(sfd)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := slave.Read(buf)
	assert.Equal(t, 0, n)
	assert.Error(t, err) // nothing written yet: would-block, not EOF

	require.NoError(t, fds.Close(mfd))

	n, err = slave.Read(buf)
	assert.Equal(t, 0, n)
	assert.NoError(t, err) // master gone and ring drained: EOF
}

func TestMasterWriteReturnsEAGAINWhenRingFull(t *testing.T) {
	v, fds := setup(t)
	mfd, err := v.Open(fds, "/dev/ptmx", 0, 0)
	require.NoError(t, err)
	master, err := fds.Get(mfd)
	require.NoError(t, err)

	var raw pty.Termios
	_, err = master.Ioctl(ttyconst.TCGETS, &raw)
	require.NoError(t, err)
	raw.Lflag &^= ttyconst.ICANON
	_, err = master.Ioctl(ttyconst.TCSETS, &raw)
	require.NoError(t, err)

	// No slave ever reads, so the m2s ring (4096 bytes, pty.ringSize)
	// fills; a byte beyond that must be rejected with EAGAIN.
	fill := make([]byte, 4096)
	n, err := master.Write(fill)
	require.NoError(t, err)
	assert.Equal(t, len(fill), n)

	_, err = master.Write([]byte{'x'})
	assert.Error(t, err)
}

func TestHalfClosePreservesPairUntilBothSidesClose(t *testing.T) {
	v, fds := setup(t)
	mfd, err := v.Open(fds, "/dev/ptmx", 0, 0)
	require.NoError(t, err)
	sfd, err := v.Open(fds, "/dev/pts/0", 0, 0)
	require.NoError(t, err)

	require.NoError(t, fds.Close(mfd))

	// The slave side is still open, so pts/0 must still resolve: the
	// pool slot hasn't been released yet.
	sfd2, err := v.Open(fds, "/dev/pts/0", 0, 0)
	require.NoError(t, err)

	require.NoError(t, fds.Close(sfd))
	require.NoError(t, fds.Close(sfd2))
}
