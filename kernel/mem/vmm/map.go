package vmm

import (
	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/cpu"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/heap"
	"github.com/devyn/kit/kernel/mem/pmm"
)

// entriesPerTable is the number of entries in every level of the
// hierarchy (2^9 = 512 on amd64).
const entriesPerTable = 1 << pageLevelBits

// index returns the pteLevel's 9-bit index field of linear.
func index(linear uintptr, level int) uintptr {
	return (linear >> pageLevelShifts[level]) & (entriesPerTable - 1)
}

// Map establishes mappings for up to pages consecutive 4 KiB pages,
// starting at linear and physBase, in ps. It returns the number of pages
// actually mapped, which is less than pages only on allocator failure or
// an attempt to map over an already-present leaf. Non-kernel pagesets may
// not map into the higher half.
func (ps *Pageset) Map(linear uintptr, physBase pmm.Frame, pages uint64, flags ProtFlags) (uint64, *kernel.Error) {
	if pages == 0 {
		return 0, nil
	}
	if !ps.isKernel && linear+uintptr(pages)*uintptr(mem.PageSize) > higherHalfBoundary {
		return 0, errCrossesHigherHalf
	}

	var mapped uint64
	for mapped < pages {
		cur := linear + uintptr(mapped)*uintptr(mem.PageSize)
		frame := physBase + pmm.Frame(mapped)

		if err := ps.mapOne(cur, frame, flags); err != nil {
			return mapped, err
		}
		mapped++
	}
	return mapped, nil
}

// mapOne walks from the top table down to the leaf that covers linear,
// allocating and registering any missing intermediate table along the way,
// then installs the leaf mapping.
func (ps *Pageset) mapOne(linear uintptr, frame pmm.Frame, flags ProtFlags) *kernel.Error {
	tableLinear := ps.topLinear

	for level := 0; level < pageLevels-1; level++ {
		table := (*[entriesPerTable]pageTableEntry)(ptrAt(tableLinear))
		entry := &table[index(linear, level)]

		if !entry.HasFlags(FlagPresent) {
			childFrame, childLinear, err := ps.allocTable()
			if err != nil {
				return err
			}
			*entry = 0
			entry.SetFrame(childFrame)
			entry.SetFlags(FlagPresent | FlagRW | FlagUser)
			tableLinear = childLinear
			continue
		}

		if entry.HasFlags(FlagHugePage) {
			return errMapOverPresent
		}

		childLinear, ok := ps.index.lookup(entry.Frame())
		if !ok {
			panicFn(errMissingTableMapping)
			return errMissingTableMapping
		}
		tableLinear = childLinear
	}

	leafTable := (*[entriesPerTable]pageTableEntry)(ptrAt(tableLinear))
	leaf := &leafTable[index(linear, pageLevels-1)]
	if leaf.HasFlags(FlagPresent) {
		return errMapOverPresent
	}

	*leaf = 0
	leaf.SetFrame(frame)
	leaf.SetFlags(FlagPresent | leafFlags(flags))
	cpu.FlushTLBEntry(linear)
	return nil
}

// leafFlags translates the caller-facing tri-bit ProtFlags into the
// architecture's leaf entry bits.
func leafFlags(flags ProtFlags) PageTableEntryFlag {
	var pteFlags PageTableEntryFlag
	if flags&ProtReadOnly == 0 {
		pteFlags |= FlagRW
	}
	if flags&ProtUser != 0 {
		pteFlags |= FlagUser
	}
	if flags&ProtExec == 0 {
		pteFlags |= FlagNoExecute
	}
	return pteFlags
}

// allocTable carves a fresh, zeroed page-table page out of the kernel heap,
// resolves its physical frame and registers it in ps's table index.
func (ps *Pageset) allocTable() (pmm.Frame, uintptr, *kernel.Error) {
	linear := uintptr(heap.AllocAligned(mem.PageSize, uintptr(mem.PageSize)))
	mem.Memset(linear, 0, mem.PageSize)

	phys, err := Kernel.Resolve(linear)
	if err != nil {
		return pmm.InvalidFrame, 0, err
	}
	frame := pmm.FrameFromAddress(phys)
	ps.index.insert(frame, linear)
	return frame, linear, nil
}

// Unmap clears up to pages leaf mappings starting at linear, invalidating
// the TLB entry for each one cleared. A missing intermediate table causes
// the walk to skip that intermediate's entire covered range (those pages
// are still counted as unmapped, since they were never mapped). Attempting
// to unmap a strict sub-range of a large page is fatal; unmapping a range
// that exactly covers a large page clears it wholesale.
func (ps *Pageset) Unmap(linear uintptr, pages uint64) (uint64, *kernel.Error) {
	var unmapped uint64
	for unmapped < pages {
		cur := linear + uintptr(unmapped)*uintptr(mem.PageSize)
		n, err := ps.unmapOne(cur, pages-unmapped)
		if err != nil {
			return unmapped, err
		}
		unmapped += n
	}
	return unmapped, nil
}

// unmapOne clears the single 4 KiB leaf covering linear (returning 1), or
// -- if linear falls inside a present but not-present-at-the-next-level
// intermediate -- skips that intermediate's whole coverage range and
// returns however many pages that range accounts for (capped at
// remaining). Large-page leaves are only ever cleared wholesale.
func (ps *Pageset) unmapOne(linear uintptr, remaining uint64) (uint64, *kernel.Error) {
	tableLinear := ps.topLinear

	for level := 0; level < pageLevels-1; level++ {
		table := (*[entriesPerTable]pageTableEntry)(ptrAt(tableLinear))
		entry := &table[index(linear, level)]

		if !entry.HasFlags(FlagPresent) {
			entryPages := uint64(1) << uint(pageLevelShifts[level]-pageLevelShifts[pageLevels-1])
			pageIdx := uint64(linear>>pageLevelShifts[pageLevels-1]) % entryPages
			covered := entryPages - pageIdx
			if covered > remaining {
				covered = remaining
			}
			return covered, nil
		}

		if entry.HasFlags(FlagHugePage) {
			hugeBytes := hugePageBytes[uint8(level)]
			hugePages := uint64(hugeBytes) / uint64(mem.PageSize)
			if remaining < hugePages {
				return 0, errUnmapPartialHugePage
			}
			entry.ClearFlags(FlagPresent)
			cpu.FlushTLBEntry(linear)
			return hugePages, nil
		}

		childLinear, ok := ps.index.lookup(entry.Frame())
		if !ok {
			panicFn(errMissingTableMapping)
			return 0, errMissingTableMapping
		}
		tableLinear = childLinear
	}

	leafTable := (*[entriesPerTable]pageTableEntry)(ptrAt(tableLinear))
	leaf := &leafTable[index(linear, pageLevels-1)]
	leaf.ClearFlags(FlagPresent)
	cpu.FlushTLBEntry(linear)
	return 1, nil
}

// SetFlags updates the protection bits of the single leaf mapping covering
// linear. Returns ErrInvalidMapping if linear is not currently mapped.
func (ps *Pageset) SetFlags(linear uintptr, flags ProtFlags) *kernel.Error {
	tableLinear := ps.topLinear

	for level := 0; level < pageLevels-1; level++ {
		table := (*[entriesPerTable]pageTableEntry)(ptrAt(tableLinear))
		entry := &table[index(linear, level)]
		if !entry.HasFlags(FlagPresent) {
			return ErrInvalidMapping
		}
		if entry.HasFlags(FlagHugePage) {
			return ErrInvalidMapping
		}
		childLinear, ok := ps.index.lookup(entry.Frame())
		if !ok {
			panicFn(errMissingTableMapping)
			return errMissingTableMapping
		}
		tableLinear = childLinear
	}

	leafTable := (*[entriesPerTable]pageTableEntry)(ptrAt(tableLinear))
	leaf := &leafTable[index(linear, pageLevels-1)]
	if !leaf.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	leaf.ClearFlags(FlagRW | FlagUser | FlagNoExecute)
	leaf.SetFlags(leafFlags(flags))
	leaf.SetFlags(FlagPresent)
	cpu.FlushTLBEntry(linear)
	return nil
}
