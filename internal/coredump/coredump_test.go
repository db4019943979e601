package coredump_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wos/internal/coredump"
)

func sampleDump() *coredump.CoreDump {
	return &coredump.CoreDump{
		Version: 1, HeaderSize: coredump.MinSize,
		Timestamp: 123456789, Pid: 42, Cpu: 1, IntNum: 14, ErrCode: 4, CR2: 0xdead0000, CR3: 0x1000,
		TrapFrame:  coredump.InterruptFrame{IntNum: 14, ErrCode: 4, RIP: 0x401234, CS: 0x23, RFLAGS: 0x202, RSP: 0x7fff1000, SS: 0x1b},
		TrapRegs:   coredump.GPRegs{RAX: 1, RBX: 2, RCX: 3},
		SavedFrame: coredump.InterruptFrame{RIP: 0x400000, CS: 0x23, RSP: 0x7fff2000, SS: 0x1b},
		SavedRegs:  coredump.GPRegs{RAX: 9},
		TaskEntry:  0x400000, TaskPagemap: 0x2000, ELFHeaderAddr: 0x400000, ProgramHeaderAddr: 0x400040,
		Segments: [coredump.MaxSegments]coredump.Segment{
			{Vaddr: 0x7fff0000, Size: 4096, Type: coredump.SegmentStackPage, Present: 1},
			{Vaddr: 0x7fff1000, Size: 4096, Type: coredump.SegmentFaultPage, Present: 1},
		},
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	d := sampleDump()
	d.EmbeddedELF = []byte("\x7fELF-fake-binary-contents")

	buf := d.Encode()
	parsed, err := coredump.Parse(buf)
	require.NoError(t, err)

	assert.Equal(t, d.Pid, parsed.Pid)
	assert.Equal(t, d.IntNum, parsed.IntNum)
	assert.Equal(t, d.TrapFrame, parsed.TrapFrame)
	assert.Equal(t, d.TrapRegs, parsed.TrapRegs)
	assert.Equal(t, d.SavedFrame, parsed.SavedFrame)
	assert.Equal(t, d.Segments[0], parsed.Segments[0])
	assert.Equal(t, d.Segments[1], parsed.Segments[1])
	assert.Equal(t, d.EmbeddedELF, parsed.EmbeddedELF)
	assert.EqualValues(t, coredump.MaxSegments, parsed.SegmentCount)
}

func TestEncodeWithoutELFHasNoEmbeddedImage(t *testing.T) {
	d := sampleDump()
	buf := d.Encode()
	parsed, err := coredump.Parse(buf)
	require.NoError(t, err)
	assert.Empty(t, parsed.EmbeddedELF)
	assert.Len(t, buf, coredump.MinSize+coredump.MaxSegments*32)
}

func TestParseRejectsBadMagic(t *testing.T) {
	buf := sampleDump().Encode()
	buf[0] ^= 0xFF
	_, err := coredump.Parse(buf)
	assert.Error(t, err)
}

func TestParseRejectsTruncatedInput(t *testing.T) {
	_, err := coredump.Parse(make([]byte, 10))
	assert.Error(t, err)
}
