package paging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/paging"
	"wos/internal/physmem"
)

func TestTranslateRoundTrip(t *testing.T) {
	zone := physmem.NewZone(4096 * physmem.PageSize)
	space, err := paging.NewSpace(zone)
	require.NoError(t, err)

	frame, err := zone.Alloc(physmem.PageSize)
	require.NoError(t, err)

	const va = uintptr(0x0000_4000_0000)
	require.NoError(t, space.Map(va, frame, paging.Flags{Writable: true}))

	got, err := space.Translate(va)
	require.NoError(t, err)
	assert.Equal(t, frame.Offset, got.Offset)
}

func TestTranslateUnmapped(t *testing.T) {
	zone := physmem.NewZone(4096 * physmem.PageSize)
	space, err := paging.NewSpace(zone)
	require.NoError(t, err)

	_, err = space.Translate(0x1000)
	assert.Error(t, err)
}

func TestUnmapReturnsPriorMapping(t *testing.T) {
	zone := physmem.NewZone(4096 * physmem.PageSize)
	space, err := paging.NewSpace(zone)
	require.NoError(t, err)

	frame, err := zone.Alloc(physmem.PageSize)
	require.NoError(t, err)

	const va = uintptr(0x2000_0000)
	require.NoError(t, space.Map(va, frame, paging.Flags{Writable: true}))

	unmapped, err := space.Unmap(va)
	require.NoError(t, err)
	assert.Equal(t, frame.Offset, unmapped.Offset)

	_, err = space.Translate(va)
	assert.Error(t, err)
}

func TestMakeEntryNXByDefault(t *testing.T) {
	e := paging.MakeEntry(7, paging.Flags{Writable: true})
	assert.True(t, e.NX)
	assert.False(t, e.PageSizeBit)
	assert.Equal(t, uint16(0), e.Reserved)

	exec := paging.MakeEntry(7, paging.Flags{Executable: true})
	assert.False(t, exec.NX)
}

func TestDecodeFaultFatalCases(t *testing.T) {
	f := paging.DecodeFault(1<<2 | 1<<4) // user + instruction fetch
	assert.True(t, f.User)
	assert.True(t, f.InstructionFetch)
	assert.True(t, f.Fatal())

	kernelWrite := paging.DecodeFault(1<<1 | 1<<0)
	assert.False(t, kernelWrite.Fatal())
}
