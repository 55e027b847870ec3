package vmm

import "github.com/devyn/kit/kernel/mem"

// pageLevels is the number of levels in the amd64 four-level translation
// scheme: top (PML4) -> pdpt -> pd -> pt.
const pageLevels = 4

// pageLevelShifts holds, for each level, the bit position of that level's
// 9-bit index field within a linear address (9-9-9-9-12 split).
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// pageLevelBits is the width, in bits, of every level's index field.
const pageLevelBits = 9

// ptePhysPageMask isolates the 40-bit physical frame field of a page-table
// entry, ignoring the low flag bits and the high NX/reserved bits.
const ptePhysPageMask = uintptr(0x000ffffffffff000)

// kernelOffset is the fixed higher-half linear offset at which the
// bootstrap loader identity-maps all of low physical memory. It lets the
// kernel pageset derive a linear view of any physical address -- most
// importantly its own top-level table, whose physical base is read
// straight out of CR3 at boot -- without needing a page-table walk of its
// own to bootstrap.
const kernelOffset = uintptr(0xFFFF800000000000)

// higherHalfBoundary splits the 48-bit canonical linear address space:
// addresses at or above it belong to the shared kernel half.
const higherHalfBoundary = uintptr(1) << 47

// hugePageBytes maps a PDPT/PD level index (1 or 2) to the size of a large
// leaf found at that level.
var hugePageBytes = map[uint8]mem.Size{
	1: 1 * mem.Gb,
	2: 2 * mem.Mb,
}
