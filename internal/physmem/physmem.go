// Package physmem implements the physical page allocator: a buddy
// allocator over zones discovered from the bootloader memory map
// (spec.md §4.1). To keep the allocator end-to-end testable without a
// hypervisor, each PhysZone owns a simulated RAM arena (a byte slice)
// instead of a real physical address range; the algorithms, flag-byte
// encoding, and failure semantics are unchanged from the design.
package physmem

import (
	"sync"

	"github.com/pkg/errors"

	"wos/internal/bitfield"
	"wos/internal/kerrno"
)

const (
	// PageSize is the allocation granularity, 4 KiB.
	PageSize = 4096
	// MaxOrder bounds a single allocation at 2^MaxOrder pages (4 GiB).
	MaxOrder = 20
)

// flag state, the two high bits of the per-page flag byte.
const (
	stateFreeInterior = 0
	stateFreeHead     = 1
	stateAllocHead    = 2
	stateAllocCont    = 3
)

// pageFlags is the bitfield-packed layout of one page's metadata byte:
// 2 bits of state in the high bits, 5 bits of order in the low bits, one
// spare bit. bitfield packs LSB-first, so order is declared before state.
type pageFlags struct {
	Order uint8 `bitfield:",5"`
	Spare uint8 `bitfield:",1"`
	State uint8 `bitfield:",2"`
}

func packFlags(state, order uint8) byte {
	packed, err := bitfield.Pack(pageFlags{Order: order, State: state}, &bitfield.Config{NumBits: 8})
	if err != nil {
		// Only reachable if order > 31, which callers never construct.
		panic(err)
	}
	return byte(packed)
}

func unpackFlags(b byte) (state, order uint8) {
	var f pageFlags
	if err := bitfield.Unpack(uint64(b), &f); err != nil {
		panic(err)
	}
	return f.State, f.Order
}

// Ptr is a physical-page pointer: an offset into a zone's arena,
// page-aligned. It stands in for a raw physical address.
type Ptr struct {
	Zone   *PhysZone
	Offset uintptr
}

// page returns the index of the page Offset falls in.
func (p Ptr) page() uint32 {
	return uint32((p.Offset - p.Zone.usableBase) / PageSize)
}

// Bytes returns the backing memory for this pointer's page range, valid
// until the block is freed. n must not exceed the allocation's size.
func (p Ptr) Bytes(n int) []byte {
	return p.Zone.arena[p.Offset : p.Offset+uintptr(n)]
}

// PhysZone is a contiguous physical memory region: a buddy allocator
// over `usable` pages. Its metadata (flag array + header) is kept in Go
// fields beside the arena, not at the start of it, so every arena page
// is usable.
type PhysZone struct {
	mu sync.Mutex

	arena      []byte // simulated RAM for this zone
	usableBase uintptr
	usablePage uint32 // number of usable 4 KiB pages

	flags    []byte     // one byte per usable page
	freeList [MaxOrder + 1][]uint32 // free-list heads per order, as page indices

	freePages uint64 // sum of free-list lengths * 2^order, maintained incrementally
}

// NewZone carves a PhysZone out of a freshly allocated arena of `size`
// bytes. Metadata (one allocator header, implicit in this Go struct, plus
// the flag array) is embedded at the start of the usable range's
// bookkeeping rather than the arena itself, since Go already separates
// code/data from the simulated RAM; the usable page count and free-list
// partition into fewest power-of-two blocks match the design exactly.
func NewZone(size uintptr) *PhysZone {
	pages := uint32(size / PageSize)
	z := &PhysZone{
		arena:      make([]byte, size),
		usableBase: 0,
		usablePage: pages,
		flags:      make([]byte, pages),
	}
	z.initFreeLists()
	return z
}

// initFreeLists partitions [0, usablePage) into the fewest power-of-two
// blocks and populates the free lists, per spec.md §4.1 "Init".
func (z *PhysZone) initFreeLists() {
	var idx uint32
	remaining := z.usablePage
	for remaining > 0 {
		order := uint8(MaxOrder)
		for order > 0 && (uint32(1)<<order) > remaining {
			order--
		}
		z.flags[idx] = packFlags(stateFreeHead, order)
		z.freeList[order] = append(z.freeList[order], idx)
		blockLen := uint32(1) << order
		z.freePages += uint64(blockLen)
		idx += blockLen
		remaining -= blockLen
	}
}

// TotalUsablePages reports the zone's usable page count.
func (z *PhysZone) TotalUsablePages() uint32 { return z.usablePage }

// FreePages reports the sum of free-list lengths * 2^order, for the
// allocator's core testable property (spec.md §8).
func (z *PhysZone) FreePages() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.freePages
}

func orderForBytes(bytes uintptr) uint8 {
	pages := (bytes + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	var order uint8
	for (uintptr(1) << order) < pages {
		order++
	}
	return order
}

// Alloc rounds bytes up to the next power-of-two page count and returns a
// pointer to the allocation head, or an error if no free list of
// sufficient order can be split. Alloc never panics.
func (z *PhysZone) Alloc(bytes uintptr) (Ptr, error) {
	order := orderForBytes(bytes)
	if order > MaxOrder {
		return Ptr{}, errors.Wrapf(kerrno.ENOMEM, "order %d exceeds MaxOrder %d", order, MaxOrder)
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	head, ok := z.takeBlock(order)
	if !ok {
		return Ptr{}, errors.Wrap(kerrno.ENOMEM, "physmem: no free block of sufficient order")
	}

	z.flags[head] = packFlags(stateAllocHead, order)
	for i := uint32(1); i < (uint32(1) << order); i++ {
		z.flags[head+i] = packFlags(stateAllocCont, 0)
	}
	z.freePages -= uint64(1) << order

	return Ptr{Zone: z, Offset: z.usableBase + uintptr(head)*PageSize}, nil
}

// takeBlock finds the smallest non-empty free list of order >= k and
// splits it down to exactly order k, writing free-head flags for the
// remaining halves, per spec.md §4.1 "Allocate order k".
func (z *PhysZone) takeBlock(k uint8) (uint32, bool) {
	src := k
	for src <= MaxOrder && len(z.freeList[src]) == 0 {
		src++
	}
	if src > MaxOrder {
		return 0, false
	}

	n := len(z.freeList[src])
	head := z.freeList[src][n-1]
	z.freeList[src] = z.freeList[src][:n-1]

	for src > k {
		src--
		buddy := head + (uint32(1) << src)
		z.flags[buddy] = packFlags(stateFreeHead, src)
		z.freeList[src] = append(z.freeList[src], buddy)
	}
	return head, true
}

// Free recovers the allocation order from the head page's flag byte and
// iteratively merges with its buddy while the buddy is a free head of the
// same order, per spec.md §4.1 "Free".
func (z *PhysZone) Free(p Ptr) error {
	if p.Zone != z {
		return errors.Wrap(kerrno.EINVAL, "physmem: pointer belongs to a different zone")
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	head := p.page()
	state, order := unpackFlags(z.flags[head])
	if state != stateAllocHead {
		return errors.Wrap(kerrno.EINVAL, "physmem: free of non-head or already-free pointer")
	}

	z.freePages += uint64(1) << order
	z.mergeAndInsert(head, order)
	return nil
}

func (z *PhysZone) mergeAndInsert(head uint32, order uint8) {
	for order < MaxOrder {
		buddy := head ^ (uint32(1) << order)
		if buddy >= z.usablePage {
			break
		}
		st, ord := unpackFlags(z.flags[buddy])
		if st != stateFreeHead || ord != order {
			break
		}
		z.removeFromFreeList(order, buddy)
		if buddy < head {
			head = buddy
		}
		order++
	}
	z.flags[head] = packFlags(stateFreeHead, order)
	z.freeList[order] = append(z.freeList[order], head)
}

func (z *PhysZone) removeFromFreeList(order uint8, page uint32) {
	list := z.freeList[order]
	for i, v := range list {
		if v == page {
			z.freeList[order] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// FlagsAt exposes the raw (state, order) of a page for tests asserting
// the allocation-head/continuation invariant (spec.md §8).
func (z *PhysZone) FlagsAt(page uint32) (allocated bool, order uint8) {
	z.mu.Lock()
	defer z.mu.Unlock()
	st, ord := unpackFlags(z.flags[page])
	return st == stateAllocHead || st == stateAllocCont, ord
}
