package ahci_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/ahci"
	"wos/internal/blockdev"
	"wos/internal/physmem"
)

func TestProbeReportsPresentDevice(t *testing.T) {
	h := ahci.New(nil)
	require.NoError(t, h.AttachDevice(0, 2048, 512))

	present, sig, err := h.Probe(0)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, uint32(ahci.SigATA), sig)
}

func TestProbeAbsentPortNotPresent(t *testing.T) {
	h := ahci.New(nil)
	present, _, err := h.Probe(1)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestBringupRebasesAttachedPort(t *testing.T) {
	h := ahci.New(nil)
	require.NoError(t, h.AttachDevice(0, 2048, 512))
	zone := physmem.NewZone(16 * 1024 * 1024)

	require.NoError(t, h.Bringup(zone))
}

func TestRegisterBlockDevicesRefreshesSectorsFromIdentify(t *testing.T) {
	h := ahci.New(nil)
	require.NoError(t, h.AttachDevice(0, 9999, 512))
	zone := physmem.NewZone(16 * 1024 * 1024)
	require.NoError(t, h.Bringup(zone))

	reg := blockdev.NewRegistry()
	require.NoError(t, h.RegisterBlockDevices(reg, zone))

	dev, err := reg.Find("sda")
	require.NoError(t, err)
	assert.Equal(t, uint64(9999), dev.TotalBlocks)
}

func TestReadWriteRoundTripsThroughBlockDevice(t *testing.T) {
	h := ahci.New(nil)
	require.NoError(t, h.AttachDevice(0, 2048, 512))
	zone := physmem.NewZone(16 * 1024 * 1024)
	require.NoError(t, h.Bringup(zone))

	reg := blockdev.NewRegistry()
	require.NoError(t, h.RegisterBlockDevices(reg, zone))

	dev, err := reg.Find("sda")
	require.NoError(t, err)

	payload := make([]byte, 512)
	copy(payload, "hello disk")
	require.NoError(t, dev.Write(10, payload))

	out := make([]byte, 512)
	require.NoError(t, dev.Read(10, out))
	assert.Equal(t, payload, out)
}

func TestTransferPastEndOfDeviceFails(t *testing.T) {
	h := ahci.New(nil)
	require.NoError(t, h.AttachDevice(0, 1, 512))
	zone := physmem.NewZone(16 * 1024 * 1024)
	require.NoError(t, h.Bringup(zone))

	reg := blockdev.NewRegistry()
	require.NoError(t, h.RegisterBlockDevices(reg, zone))

	dev, err := reg.Find("sda")
	require.NoError(t, err)

	buf := make([]byte, 512*4)
	assert.Error(t, dev.Write(0, buf))
}
