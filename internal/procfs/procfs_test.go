package procfs_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/procfs"
	"wos/internal/task"
	"wos/internal/tmpfs"
	"wos/internal/vfs"
)

func readAll(t *testing.T, f *vfs.File) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 64)
	for {
		n, err := f.Read(buf)
		out = append(out, buf[:n]...)
		if n == 0 || err == io.EOF {
			break
		}
		if err != nil {
			require.NoError(t, err)
		}
		if n < len(buf) {
			break
		}
	}
	return string(out)
}

func setup(t *testing.T) (*vfs.VFS, *vfs.FDTable, task.Pid) {
	t.Helper()
	reg := task.NewRegistry()
	tk := task.New(42, 1, 4096)
	tk.ExePath = "/bin/sh"
	reg.Add(tk)

	v := vfs.New()
	v.Mount(tmpfs.Mount(tmpfs.New()))
	fs := procfs.New(reg, v, func() task.Pid { return 42 })
	v.Mount(procfs.Mount(fs))

	return v, vfs.NewFDTable(), 42
}

func TestSelfStatus(t *testing.T) {
	v, fds, _ := setup(t)
	fd, err := v.Open(fds, "/proc/self/status", 0, 0)
	require.NoError(t, err)
	f, err := fds.Get(fd)
	require.NoError(t, err)

	content := readAll(t, f)
	assert.Contains(t, content, "Name:\t/bin/sh")
}

func TestSelfSymlink(t *testing.T) {
	v, fds, pid := setup(t)
	fd, err := v.Open(fds, "/proc/self", 0, 0)
	require.NoError(t, err)
	f, err := fds.Get(fd)
	require.NoError(t, err)

	target, err := f.Readlink()
	require.NoError(t, err)
	assert.Equal(t, "/proc/42", target)
	_ = pid
}

func TestMountsListing(t *testing.T) {
	v, fds, _ := setup(t)
	fd, err := v.Open(fds, "/proc/mounts", 0, 0)
	require.NoError(t, err)
	f, err := fds.Get(fd)
	require.NoError(t, err)

	content := readAll(t, f)
	assert.Contains(t, content, "tmpfs / tmpfs rw 0 0")
}
