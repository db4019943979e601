package pci_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"wos/internal/pci"
)

func TestEnumerateSkipsUnpopulatedSlots(t *testing.T) {
	bus := pci.NewBus()
	bus.Attach(0, 2, 0, 0x8086, 0x2922, 0x01, 0x06, 0x01) // AHCI controller
	bus.Attach(0, 3, 0, 0x1234, 0x1111, 0x03, 0x00, 0x00) // display

	devices := bus.Enumerate()
	assert.Len(t, devices, 2)
	assert.Equal(t, uint8(2), devices[0].Slot)
	assert.Equal(t, uint8(3), devices[1].Slot)
}

func TestFindByClassLocatesAHCI(t *testing.T) {
	bus := pci.NewBus()
	bus.Attach(0, 2, 0, 0x8086, 0x2922, 0x01, 0x06, 0x01)
	bus.Attach(0, 3, 0, 0x1234, 0x1111, 0x03, 0x00, 0x00)

	found := bus.FindByClass(0x01, 0x06)
	if assert.Len(t, found, 1) {
		assert.Equal(t, uint16(0x2922), found[0].DeviceID)
	}
}

func TestBARReadWrite(t *testing.T) {
	bus := pci.NewBus()
	f := bus.Attach(0, 2, 0, 0x8086, 0x2922, 0x01, 0x06, 0x01)
	f.SetBAR(5, 0xFEBF1000)
	assert.Equal(t, uint32(0xFEBF1000), f.BAR(5))
}
