// Package paging implements 4-level x86-64 page tables: per-address-space
// mappings, translation, and fault decoding (spec.md §4.2). Page-table
// pages are allocated from a physmem.PhysZone and PTEs are bitfield-packed
// exactly as spec.md §3 describes, so the byte layout is real even though
// the "physical memory" backing it is a simulated arena.
package paging

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"wos/internal/bitfield"
	"wos/internal/kerrno"
	"wos/internal/physmem"
)

const (
	entriesPerTable = 512
	entrySize       = 8

	l0Shift = 39
	l1Shift = 30
	l2Shift = 21
	l3Shift = 12

	pageIndexMask = 0x1FF // 9 bits per level
)

// PTE is the 64-bit x86-64 page table entry, packed LSB-first exactly as
// spec.md §3 lists the fields.
type PTE struct {
	Present       bool   `bitfield:",1"`
	Writable      bool   `bitfield:",1"`
	User          bool   `bitfield:",1"`
	WriteThrough  bool   `bitfield:",1"`
	CacheDisabled bool   `bitfield:",1"`
	Accessed      bool   `bitfield:",1"`
	Dirty         bool   `bitfield:",1"`
	PageSizeBit   bool   `bitfield:",1"`
	Global        bool   `bitfield:",1"`
	Avail         uint8  `bitfield:",3"`
	Frame         uint64 `bitfield:",40"`
	Reserved      uint16 `bitfield:",11"`
	NX            bool   `bitfield:",1"`
}

// Flags requested by a caller of Map; MakeEntry translates these into a
// concrete PTE.
type Flags struct {
	Writable      bool
	User          bool
	Executable    bool
	CacheDisabled bool
	WriteThrough  bool
	Global        bool
}

// MakeEntry builds a present PTE for the given physical frame number,
// honoring NX on every mapping unless the caller requests executable
// (spec.md §4.2 invariant).
func MakeEntry(frame uint64, f Flags) PTE {
	return PTE{
		Present:       true,
		Writable:      f.Writable,
		User:          f.User,
		WriteThrough:  f.WriteThrough,
		CacheDisabled: f.CacheDisabled,
		Global:        f.Global,
		Frame:         frame,
		NX:            !f.Executable,
	}
}

func (p PTE) pack() uint64 {
	v, err := bitfield.Pack(p, &bitfield.Config{NumBits: 64})
	if err != nil {
		panic(err)
	}
	return v
}

func unpackPTE(v uint64) PTE {
	var p PTE
	if err := bitfield.Unpack(v, &p); err != nil {
		panic(err)
	}
	return p
}

// Space is a top-level page-table root plus the zone its table pages and
// mapped frames are allocated from.
type Space struct {
	zone *physmem.PhysZone
	root physmem.Ptr

	// kernelL0 holds the higher-half kernel-mapping L0 entries last passed
	// to SetKernelHalf, which also writes them into this Space's root;
	// NewSpace does not copy them into a new Space.
	kernelL0 [entriesPerTable]uint64
}

// NewSpace allocates a fresh root table from zone.
func NewSpace(zone *physmem.PhysZone) (*Space, error) {
	root, err := zone.Alloc(physmem.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "paging: allocate root table")
	}
	zeroPage(root)
	return &Space{zone: zone, root: root}, nil
}

// SetKernelHalf installs the given non-zero L0 entries into this Space's
// root as the higher-half kernel mapping (spec.md §4.2 "Higher-half
// kernel mappings"); another Space gets them only through its own call.
func (s *Space) SetKernelHalf(entries [entriesPerTable]uint64) {
	s.kernelL0 = entries
	root := readTable(s.root)
	for i, e := range entries {
		if e != 0 {
			root[i] = e
		}
	}
	writeTable(s.root, root)
}

func zeroPage(p physmem.Ptr) {
	b := p.Bytes(physmem.PageSize)
	for i := range b {
		b[i] = 0
	}
}

func readTable(p physmem.Ptr) [entriesPerTable]uint64 {
	var out [entriesPerTable]uint64
	b := p.Bytes(physmem.PageSize)
	for i := 0; i < entriesPerTable; i++ {
		out[i] = binary.LittleEndian.Uint64(b[i*entrySize:])
	}
	return out
}

func writeTable(p physmem.Ptr, t [entriesPerTable]uint64) {
	b := p.Bytes(physmem.PageSize)
	for i := 0; i < entriesPerTable; i++ {
		binary.LittleEndian.PutUint64(b[i*entrySize:], t[i])
	}
}

func tableIndex(va uintptr, shift uint) int {
	return int((va >> shift) & pageIndexMask)
}

func frameOf(p physmem.Ptr) uint64 {
	return uint64(p.Offset / physmem.PageSize)
}

func frameToOffset(zone *physmem.PhysZone, frame uint64) uintptr {
	return uintptr(frame) * physmem.PageSize
}

// walk descends from the root to the L3 table containing va, allocating
// intermediate L1/L2/L3 tables on demand when create is true.
func (s *Space) walk(va uintptr, create bool) (l3 physmem.Ptr, index int, err error) {
	root := readTable(s.root)
	next, err := s.descend(&root, tableIndex(va, l0Shift), create)
	if err != nil {
		return physmem.Ptr{}, 0, err
	}
	writeTable(s.root, root)

	l1 := readTable(next)
	next2, err := s.descend(&l1, tableIndex(va, l1Shift), create)
	if err != nil {
		return physmem.Ptr{}, 0, err
	}
	writeTable(next, l1)

	l2 := readTable(next2)
	next3, err := s.descend(&l2, tableIndex(va, l2Shift), create)
	if err != nil {
		return physmem.Ptr{}, 0, err
	}
	writeTable(next2, l2)

	return next3, tableIndex(va, l3Shift), nil
}

// descend reads table[idx] as a table-pointing PTE, allocating a fresh
// table page if absent and create is set.
func (s *Space) descend(table *[entriesPerTable]uint64, idx int, create bool) (physmem.Ptr, error) {
	pte := unpackPTE(table[idx])
	if pte.Present {
		return physmem.Ptr{Zone: s.zone, Offset: frameToOffset(s.zone, pte.Frame)}, nil
	}
	if !create {
		return physmem.Ptr{}, errors.Wrap(kerrno.ENOENT, "paging: intermediate table not present")
	}
	child, err := s.zone.Alloc(physmem.PageSize)
	if err != nil {
		return physmem.Ptr{}, errors.Wrap(err, "paging: allocate intermediate table")
	}
	zeroPage(child)
	entry := MakeEntry(frameOf(child), Flags{Writable: true, User: true, Executable: true})
	table[idx] = entry.pack()
	return child, nil
}

// Map installs a 4 KiB mapping va -> pa with the given flags, per
// spec.md §4.2. Reserved bits are always zero and PageSizeBit is always
// false for these 4 KiB mappings (spec.md §3 invariant).
func (s *Space) Map(va uintptr, pa physmem.Ptr, flags Flags) error {
	l3, idx, err := s.walk(va, true)
	if err != nil {
		return err
	}
	table := readTable(l3)
	entry := MakeEntry(frameOf(pa), flags)
	table[idx] = entry.pack()
	writeTable(l3, table)
	return nil
}

// Translate returns the physical pointer va maps to, or an error if
// unmapped.
func (s *Space) Translate(va uintptr) (physmem.Ptr, error) {
	l3, idx, err := s.walk(va, false)
	if err != nil {
		return physmem.Ptr{}, err
	}
	table := readTable(l3)
	pte := unpackPTE(table[idx])
	if !pte.Present {
		return physmem.Ptr{}, errors.Wrap(kerrno.ENOENT, "paging: unmapped address")
	}
	return physmem.Ptr{Zone: s.zone, Offset: frameToOffset(s.zone, pte.Frame) + (va & (physmem.PageSize - 1))}, nil
}

// Unmap clears the mapping for va and returns the physical pointer it had
// mapped to.
func (s *Space) Unmap(va uintptr) (physmem.Ptr, error) {
	l3, idx, err := s.walk(va, false)
	if err != nil {
		return physmem.Ptr{}, err
	}
	table := readTable(l3)
	pte := unpackPTE(table[idx])
	if !pte.Present {
		return physmem.Ptr{}, errors.Wrap(kerrno.ENOENT, "paging: unmap of unmapped address")
	}
	table[idx] = 0
	writeTable(l3, table)
	return physmem.Ptr{Zone: s.zone, Offset: frameToOffset(s.zone, pte.Frame)}, nil
}

// MapMMIO installs a linear range in the kernel half for device access.
// Caching attributes are write-back unless the caller asks for
// cache-disabled, per spec.md §4.2.
func (s *Space) MapMMIO(kernelVA uintptr, pa physmem.Ptr, size uintptr, flags Flags) error {
	for off := uintptr(0); off < size; off += physmem.PageSize {
		frame := physmem.Ptr{Zone: pa.Zone, Offset: pa.Offset + off}
		if err := s.Map(kernelVA+off, frame, flags); err != nil {
			return errors.Wrapf(err, "paging: map_mmio at offset 0x%x", off)
		}
	}
	return nil
}

// Fault is the decoded x86-64 page-fault error code (spec.md §4.2
// "Fault model").
type Fault struct {
	Present          bool
	Write            bool
	User             bool
	InstructionFetch bool
	ProtectionKey    bool
	ShadowStack      bool
	ReservedBit      bool
}

// DecodeFault unpacks a raw page-fault error code into its named bits.
func DecodeFault(errorCode uint32) Fault {
	return Fault{
		Present:          errorCode&(1<<0) != 0,
		Write:            errorCode&(1<<1) != 0,
		User:             errorCode&(1<<2) != 0,
		ReservedBit:      errorCode&(1<<3) != 0,
		InstructionFetch: errorCode&(1<<4) != 0,
		ProtectionKey:    errorCode&(1<<5) != 0,
		ShadowStack:      errorCode&(1<<6) != 0,
	}
}

// Fatal reports whether an unhandled fault with this shape is fatal: a
// user-mode instruction fetch, protection-key, or shadow-stack violation
// (spec.md §4.2).
func (f Fault) Fatal() bool {
	return f.User && (f.InstructionFetch || f.ProtectionKey || f.ShadowStack)
}
