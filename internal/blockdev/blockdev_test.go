package blockdev_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/blockdev"
)

func memDevice(name string, blocks uint64) *blockdev.Device {
	data := make([]byte, blocks*512)
	return &blockdev.Device{
		Name:        name,
		BlockSize:   512,
		TotalBlocks: blocks,
		Ops: &blockdev.Ops{
			Read: func(dev *blockdev.Device, start uint64, buf []byte) error {
				copy(buf, data[start*512:])
				return nil
			},
			Write: func(dev *blockdev.Device, start uint64, buf []byte) error {
				copy(data[start*512:], buf)
				return nil
			},
		},
	}
}

func TestRegisterAndFindByName(t *testing.T) {
	reg := blockdev.NewRegistry()
	reg.Register(memDevice("sda", 1024))
	reg.Register(memDevice("sdb", 2048))

	d, err := reg.Find("sdb")
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), d.TotalBlocks)
}

func TestFindUnknownDevice(t *testing.T) {
	reg := blockdev.NewRegistry()
	_, err := reg.Find("sdz")
	assert.Error(t, err)
}

func TestReadWriteRoundTrip(t *testing.T) {
	reg := blockdev.NewRegistry()
	reg.Register(memDevice("sda", 4))

	d, err := reg.Find("sda")
	require.NoError(t, err)

	require.NoError(t, d.Write(1, []byte("hello world")))
	buf := make([]byte, 11)
	require.NoError(t, d.Read(1, buf))
	assert.Equal(t, "hello world", string(buf))
}

func TestListSortedByName(t *testing.T) {
	reg := blockdev.NewRegistry()
	reg.Register(memDevice("sdb", 1))
	reg.Register(memDevice("sda", 1))

	names := reg.List()
	require.Len(t, names, 2)
	assert.Equal(t, "sda", names[0].Name)
	assert.Equal(t, "sdb", names[1].Name)
}
