package pmm

import (
	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/hal/multiboot"
	"github.com/devyn/kit/kernel/kfmt/early"
	"github.com/devyn/kit/kernel/mem"
)

// preallocatedBytes is skipped at the start of physical memory during boot
// ingestion to protect the bootstrap region (rt0 stack, embryonic heap
// buffer, kernel image) from being handed out by Acquire.
const preallocatedBytes = 2 << 20 // 2 MiB

var (
	// active is the single process-wide frame allocator instance. It is
	// mutated only with interrupts disabled (see kernel/sched for the
	// discipline that guarantees this).
	active = newRegionIndex()

	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
)

// Acquire reserves a contiguous run of pages frames of physical memory and
// returns the number of frames actually reserved (always equal to pages on
// success) together with the base of the run. It returns errOutOfMemory if
// no large enough free region exists.
func Acquire(pages uint64) (Frame, uint64, *kernel.Error) {
	got, base := active.acquire(pages)
	if got == 0 {
		return InvalidFrame, 0, errOutOfMemory
	}
	return base, got, nil
}

// Release returns a previously acquired run of pages frames starting at
// base back to the allocator. Callers must not use the range afterwards.
func Release(base Frame, pages uint64) {
	if pages == 0 {
		return
	}
	active.insert(base, pages)
}

// TotalFree reports the number of frames currently available for
// allocation. The count is maintained incrementally so this call is O(1).
func TotalFree() uint64 {
	return active.totalFree
}

// Init ingests the bootloader-supplied memory map, releasing every
// available region (after skipping preallocatedBytes) into the allocator.
// It must be called exactly once, early during boot, before any other pmm
// function.
func Init() {
	early.Printf("[pmm] system memory map:\n")

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		early.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %d\n",
			entry.PhysAddress, entry.PhysAddress+entry.Length, entry.Length, entry.Type)

		if entry.Type == multiboot.MemAvailable {
			ingest(uintptr(entry.PhysAddress), uintptr(entry.Length))
		}
		return true
	})

	early.Printf("[pmm] free memory: %d KiB\n", (TotalFree()*uint64(mem.PageSize))/uint64(mem.Kb))
}

// ingest releases the portion of [base, base+length) that lies at or above
// preallocatedBytes, after rounding to whole frames.
func ingest(base, length uintptr) {
	if base+length <= preallocatedBytes {
		return
	}
	if base < preallocatedBytes {
		skip := preallocatedBytes - base
		base += skip
		length -= skip
	}

	alignedBase := (base + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	length -= alignedBase - base
	frames := uint64(length) >> mem.PageShift
	if frames == 0 {
		return
	}

	Release(Frame(alignedBase>>mem.PageShift), frames)
}
