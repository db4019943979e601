package devfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/devfs"
	"wos/internal/vfs"
)

func TestRegisterAndFind(t *testing.T) {
	reg := devfs.NewRegistry()
	d := &devfs.Device{Name: "null", Major: 1, Minor: 3}
	reg.Register(d)

	got, ok := reg.FindByName("null")
	require.True(t, ok)
	assert.Same(t, d, got)
}

func TestDevDirReaddirListsDevices(t *testing.T) {
	reg := devfs.NewRegistry()
	reg.Register(&devfs.Device{Name: "null"})
	reg.Register(&devfs.Device{Name: "zero"})

	v := vfs.New()
	v.Mount(devfs.Mount(reg))

	fds := vfs.NewFDTable()
	fd, err := v.Open(fds, "/dev", 0, 0)
	require.NoError(t, err)

	f, err := fds.Get(fd)
	require.NoError(t, err)
	f.IsDir = true

	entries, err := f.Readdir()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestNestedDeviceName(t *testing.T) {
	reg := devfs.NewRegistry()
	reg.Register(&devfs.Device{Name: "pts/3"})

	v := vfs.New()
	v.Mount(devfs.Mount(reg))

	fds := vfs.NewFDTable()
	_, err := v.Open(fds, "/dev/pts/3", 0, 0)
	require.NoError(t, err)
}
