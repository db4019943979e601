// Package coredump reads and writes the WOSCODMP fixed-layout crash
// dump format (spec.md §6 "Coredump format"): a header, trap and saved
// CPU state, task metadata, a fixed 5-entry segment table, and an
// optional embedded ELF image plus captured memory pages. The byte
// layout is load-bearing — an external consumer (a debugger) parses
// this exact format, so every field is written at its original fixed
// offset with no struct-tag-driven reflection.
package coredump

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"wos/internal/kerrno"
)

// Magic is "WOSCODMP" read as a little-endian uint64.
const Magic uint64 = 0x504d444f43534f57

// MaxSegments is the fixed segment-table size (4 stack pages + 1 fault
// page).
const MaxSegments = 5

// Segment types.
const (
	SegmentZeroUnmapped uint32 = 0
	SegmentStackPage    uint32 = 1
	SegmentFaultPage    uint32 = 2
)

const (
	interruptFrameSize = 7 * 8
	gpRegsSize         = 15 * 8
	headerPreambleSize = 8 + 4 + 4
	contextFieldsSize  = 7 * 8
	taskMetadataSize   = 8 * 8
	segmentEntrySize   = 32
	// MinSize is the byte count of everything up to and including the
	// task-metadata block, before the fixed segment table.
	MinSize = headerPreambleSize + contextFieldsSize + 2*(interruptFrameSize+gpRegsSize) + taskMetadataSize
)

// InterruptFrame mirrors the kernel's x86-64 trap frame layout.
type InterruptFrame struct {
	IntNum, ErrCode, RIP, CS, RFLAGS, RSP, SS uint64
}

// GPRegs mirrors the kernel's saved general-purpose register layout,
// in the exact on-stack order r15..rax.
type GPRegs struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RBP, RDI, RSI, RDX, RCX, RBX, RAX    uint64
}

// Segment is one entry in the fixed 5-entry segment table.
type Segment struct {
	Vaddr, Size, FileOffset uint64
	Type                    uint32
	Present                 uint32
}

// CoreDump is a fully parsed/assembled dump.
type CoreDump struct {
	Version    uint32
	HeaderSize uint32

	Timestamp, Pid, Cpu, IntNum, ErrCode, CR2, CR3 uint64

	TrapFrame  InterruptFrame
	TrapRegs   GPRegs
	SavedFrame InterruptFrame
	SavedRegs  GPRegs

	TaskEntry, TaskPagemap                                uint64
	ELFHeaderAddr, ProgramHeaderAddr                       uint64
	SegmentCount, SegmentTableOffset, ELFSize, ELFOffset uint64

	Segments [MaxSegments]Segment

	// EmbeddedELF is appended after the segment table; its placement is
	// governed by ELFOffset/ELFSize. Captured memory pages that a
	// segment's FileOffset/Size may point at are neither encoded nor
	// decoded.
	EmbeddedELF []byte
	Raw         []byte // the full encoded buffer, once Encode or Parse has run
}

func putFrame(buf []byte, off int, f InterruptFrame) int {
	binary.LittleEndian.PutUint64(buf[off:], f.IntNum)
	binary.LittleEndian.PutUint64(buf[off+8:], f.ErrCode)
	binary.LittleEndian.PutUint64(buf[off+16:], f.RIP)
	binary.LittleEndian.PutUint64(buf[off+24:], f.CS)
	binary.LittleEndian.PutUint64(buf[off+32:], f.RFLAGS)
	binary.LittleEndian.PutUint64(buf[off+40:], f.RSP)
	binary.LittleEndian.PutUint64(buf[off+48:], f.SS)
	return off + interruptFrameSize
}

func getFrame(buf []byte, off int) (InterruptFrame, int) {
	var f InterruptFrame
	f.IntNum = binary.LittleEndian.Uint64(buf[off:])
	f.ErrCode = binary.LittleEndian.Uint64(buf[off+8:])
	f.RIP = binary.LittleEndian.Uint64(buf[off+16:])
	f.CS = binary.LittleEndian.Uint64(buf[off+24:])
	f.RFLAGS = binary.LittleEndian.Uint64(buf[off+32:])
	f.RSP = binary.LittleEndian.Uint64(buf[off+40:])
	f.SS = binary.LittleEndian.Uint64(buf[off+48:])
	return f, off + interruptFrameSize
}

func putRegs(buf []byte, off int, r GPRegs) int {
	vals := []uint64{r.R15, r.R14, r.R13, r.R12, r.R11, r.R10, r.R9, r.R8, r.RBP, r.RDI, r.RSI, r.RDX, r.RCX, r.RBX, r.RAX}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[off+i*8:], v)
	}
	return off + gpRegsSize
}

func getRegs(buf []byte, off int) (GPRegs, int) {
	read := func(i int) uint64 { return binary.LittleEndian.Uint64(buf[off+i*8:]) }
	r := GPRegs{
		R15: read(0), R14: read(1), R13: read(2), R12: read(3), R11: read(4), R10: read(5), R9: read(6), R8: read(7),
		RBP: read(8), RDI: read(9), RSI: read(10), RDX: read(11), RCX: read(12), RBX: read(13), RAX: read(14),
	}
	return r, off + gpRegsSize
}

// Encode serializes d into the WOSCODMP byte layout, appending the
// embedded ELF image after the fixed header region at ELFOffset and
// setting ELFSize/ELFOffset/SegmentTableOffset/SegmentCount
// consistently with the data actually written.
func (d *CoreDump) Encode() []byte {
	d.SegmentCount = MaxSegments
	d.SegmentTableOffset = MinSize
	tableEnd := d.SegmentTableOffset + MaxSegments*segmentEntrySize

	total := tableEnd
	if len(d.EmbeddedELF) > 0 {
		d.ELFOffset = tableEnd
		d.ELFSize = uint64(len(d.EmbeddedELF))
		total = tableEnd + d.ELFSize
	} else {
		d.ELFOffset = 0
		d.ELFSize = 0
	}

	buf := make([]byte, total)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], Magic)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], d.Version)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.HeaderSize)
	off += 4

	for _, v := range []uint64{d.Timestamp, d.Pid, d.Cpu, d.IntNum, d.ErrCode, d.CR2, d.CR3} {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}

	off = putFrame(buf, off, d.TrapFrame)
	off = putRegs(buf, off, d.TrapRegs)
	off = putFrame(buf, off, d.SavedFrame)
	off = putRegs(buf, off, d.SavedRegs)

	for _, v := range []uint64{d.TaskEntry, d.TaskPagemap, d.ELFHeaderAddr, d.ProgramHeaderAddr, d.SegmentCount, d.SegmentTableOffset, d.ELFSize, d.ELFOffset} {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}

	for i, seg := range d.Segments {
		soff := int(d.SegmentTableOffset) + i*segmentEntrySize
		binary.LittleEndian.PutUint64(buf[soff:], seg.Vaddr)
		binary.LittleEndian.PutUint64(buf[soff+8:], seg.Size)
		binary.LittleEndian.PutUint64(buf[soff+16:], seg.FileOffset)
		binary.LittleEndian.PutUint32(buf[soff+24:], seg.Type)
		binary.LittleEndian.PutUint32(buf[soff+28:], seg.Present)
	}

	if len(d.EmbeddedELF) > 0 {
		copy(buf[d.ELFOffset:], d.EmbeddedELF)
	}

	d.Raw = buf
	return buf
}

// Parse decodes data into a CoreDump, validating the magic and minimum
// size (spec.md §9 "Coredump parsing assumes little-endian fields and
// fixed offsets matching the kernel's producer side").
func Parse(data []byte) (*CoreDump, error) {
	if len(data) < MinSize {
		return nil, errors.Wrapf(kerrno.EINVAL, "coredump: file too small (%d bytes, need %d)", len(data), MinSize)
	}

	d := &CoreDump{Raw: data}
	off := 0
	magic := binary.LittleEndian.Uint64(data[off:])
	off += 8
	if magic != Magic {
		return nil, errors.Wrapf(kerrno.EINVAL, "coredump: bad magic %#x", magic)
	}
	d.Version = binary.LittleEndian.Uint32(data[off:])
	off += 4
	d.HeaderSize = binary.LittleEndian.Uint32(data[off:])
	off += 4

	fields := make([]uint64, 7)
	for i := range fields {
		fields[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	d.Timestamp, d.Pid, d.Cpu, d.IntNum, d.ErrCode, d.CR2, d.CR3 = fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6]

	d.TrapFrame, off = getFrame(data, off)
	d.TrapRegs, off = getRegs(data, off)
	d.SavedFrame, off = getFrame(data, off)
	d.SavedRegs, off = getRegs(data, off)

	meta := make([]uint64, 8)
	for i := range meta {
		meta[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	d.TaskEntry, d.TaskPagemap, d.ELFHeaderAddr, d.ProgramHeaderAddr = meta[0], meta[1], meta[2], meta[3]
	d.SegmentCount, d.SegmentTableOffset, d.ELFSize, d.ELFOffset = meta[4], meta[5], meta[6], meta[7]

	for i := 0; i < MaxSegments; i++ {
		soff := int(d.SegmentTableOffset) + i*segmentEntrySize
		if soff+segmentEntrySize > len(data) {
			return nil, errors.Wrap(kerrno.EINVAL, "coredump: segment table extends beyond file")
		}
		d.Segments[i] = Segment{
			Vaddr:      binary.LittleEndian.Uint64(data[soff:]),
			Size:       binary.LittleEndian.Uint64(data[soff+8:]),
			FileOffset: binary.LittleEndian.Uint64(data[soff+16:]),
			Type:       binary.LittleEndian.Uint32(data[soff+24:]),
			Present:    binary.LittleEndian.Uint32(data[soff+28:]),
		}
	}

	if d.ELFSize > 0 && d.ELFOffset > 0 && d.ELFOffset+d.ELFSize <= uint64(len(data)) {
		d.EmbeddedELF = data[d.ELFOffset : d.ELFOffset+d.ELFSize]
	}

	return d, nil
}
