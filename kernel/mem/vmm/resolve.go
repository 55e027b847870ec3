package vmm

import "github.com/devyn/kit/kernel"

// Resolve translates a linear address into its physical address within ps.
// If linear lies in the shared upper half but ps is not the kernel
// pageset, the kernel pageset is silently substituted -- the upper half is
// shared kernel memory, identical across every pageset, so resolving it
// against a non-kernel pageset's empty/aliased upper half would otherwise
// spuriously fail the table-index invariant.
func (ps *Pageset) Resolve(linear uintptr) (uintptr, *kernel.Error) {
	if !ps.isKernel && linear >= higherHalfBoundary {
		ps = Kernel
	}

	tableLinear := ps.topLinear

	for level := 0; level < pageLevels-1; level++ {
		table := (*[entriesPerTable]pageTableEntry)(ptrAt(tableLinear))
		entry := table[index(linear, level)]

		if !entry.HasFlags(FlagPresent) {
			return 0, ErrInvalidMapping
		}

		if entry.HasFlags(FlagHugePage) {
			shift := pageLevelShifts[level]
			offsetMask := (uintptr(1) << shift) - 1
			return entry.Frame().Address() | (linear & offsetMask), nil
		}

		childLinear, ok := ps.index.lookup(entry.Frame())
		if !ok {
			panicFn(errMissingTableMapping)
			return 0, errMissingTableMapping
		}
		tableLinear = childLinear
	}

	leafTable := (*[entriesPerTable]pageTableEntry)(ptrAt(tableLinear))
	leaf := leafTable[index(linear, pageLevels-1)]
	if !leaf.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	offsetMask := uintptr(1)<<pageLevelShifts[pageLevels-1] - 1
	return leaf.Frame().Address() | (linear & offsetMask), nil
}
