// Package vmm implements the pageset manager: four-level amd64 paging with
// an explicit, per-address-space physical-to-linear table index instead of
// the conventional recursive self-mapping trick. Page tables store only
// physical addresses, but the kernel can only read or write memory through
// its linear view, so every non-leaf table page a pageset owns is
// registered in that pageset's tableIndex the moment it is allocated.
package vmm

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/cpu"
	"github.com/devyn/kit/kernel/irq"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/heap"
	"github.com/devyn/kit/kernel/mem/pmm"
)

var (
	// Kernel is the canonical pageset: the one active at boot. Its upper
	// half is what every other pageset's upper half is copied from at
	// creation time.
	Kernel *Pageset

	errDestroyKernelPageset = &kernel.Error{Module: "vmm", Message: "refusing to destroy the kernel pageset"}
	errMapOverPresent       = &kernel.Error{Module: "vmm", Message: "refusing to map over a present page-table entry"}
	errUnmapPartialHugePage = &kernel.Error{Module: "vmm", Message: "refusing to unmap a sub-range of a large page"}
	errCrossesHigherHalf    = &kernel.Error{Module: "vmm", Message: "mapping request crosses into the higher half for a non-kernel pageset"}
	errMissingTableMapping  = &kernel.Error{Module: "vmm", Message: "present intermediate entry has no physical->linear table mapping (kernel bug)"}

	// ErrInvalidMapping is returned by Resolve when the requested linear
	// address is not currently mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// panicFn is a variable so tests can replace it.
	panicFn = kernel.Panic
)

// Pageset models one complete address-translation configuration: a
// top-level (PML4) table plus every table beneath it that this address
// space owns. The upper half of every pageset's top table is a value-copy
// of the kernel pageset's upper half taken at creation time, because the
// upper half is shared kernel memory.
type Pageset struct {
	topFrame  pmm.Frame
	topLinear uintptr
	index     *tableIndex
	refCount  int32
	isKernel  bool
}

// Init bootstraps the kernel pageset from the currently active top-level
// table (read out of CR3) and installs the page-fault/GPF handlers that
// the rest of the kernel relies on.
func Init() *kernel.Error {
	topFrame := pmm.Frame(cpu.ActivePDT() >> mem.PageShift)
	Kernel = &Pageset{
		topFrame:  topFrame,
		topLinear: topFrame.Address() + kernelOffset,
		index:     newTableIndex(),
		refCount:  1,
		isKernel:  true,
	}

	heap.SetGrower(growKernelHeap)

	irq.HandleExceptionWithCode(irq.PageFaultException, pageFaultHandler)
	irq.HandleExceptionWithCode(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

// growKernelHeap is registered with kernel/mem/heap as its Grower: it maps
// fresh frames at the linear address the heap asks for (its current end).
func growKernelHeap(linear uintptr, pages uint64) *kernel.Error {
	base, got, err := pmm.Acquire(pages)
	if err != nil {
		return err
	}
	if got < pages {
		pmm.Release(base, got)
		return &kernel.Error{Module: "vmm", Message: "short allocation while growing kernel heap"}
	}

	n, mapErr := Kernel.Map(linear, base, pages, ProtFlags(0))
	if mapErr != nil {
		return mapErr
	}
	if n < pages {
		return &kernel.Error{Module: "vmm", Message: "short map while growing kernel heap"}
	}
	return nil
}

// CreatePageset allocates and returns a fresh, empty address space whose
// upper half mirrors the kernel pageset's upper half.
func CreatePageset() (*Pageset, *kernel.Error) {
	topLinear := uintptr(heap.AllocAligned(mem.PageSize, uintptr(mem.PageSize)))
	mem.Memset(topLinear, 0, mem.PageSize)

	topPhys, err := Kernel.Resolve(topLinear)
	if err != nil {
		return nil, err
	}
	topFrame := pmm.FrameFromAddress(topPhys)

	ps := &Pageset{
		topFrame:  topFrame,
		topLinear: topLinear,
		index:     newTableIndex(),
		refCount:  1,
	}
	ps.index.insert(topFrame, topLinear)

	copyUpperHalf(ps)
	return ps, nil
}

// copyUpperHalf value-copies every top-table entry at or above the
// higher-half boundary from the kernel pageset into ps.
func copyUpperHalf(ps *Pageset) {
	entriesPerTable := uintptr(1) << pageLevelBits
	firstUpperIndex := entriesPerTable / 2

	srcTable := (*[512]pageTableEntry)(ptrAt(Kernel.topLinear))
	dstTable := (*[512]pageTableEntry)(ptrAt(ps.topLinear))
	for i := firstUpperIndex; i < entriesPerTable; i++ {
		dstTable[i] = srcTable[i]
	}
}

// PhysAddr returns the physical address of ps's top-level table, suitable
// for loading into CR3 (via cpu.SwitchPDT) to make ps the active address
// space.
func (ps *Pageset) PhysAddr() uintptr {
	return ps.topFrame.Address()
}

// Ref increments the pageset's reference count, e.g. when the scheduler
// begins holding a reference to an address space as `current`.
func (ps *Pageset) Ref() {
	ps.refCount++
}

// Unref decrements the reference count and destroys the pageset once the
// last reference is dropped. Unref on the kernel pageset is a no-op.
func (ps *Pageset) Unref() *kernel.Error {
	if ps.isKernel {
		return nil
	}
	ps.refCount--
	if ps.refCount > 0 {
		return nil
	}
	return ps.destroy()
}

// destroy frees every lower-half table page (PDPT, PD, PT) back to the
// frame allocator. The upper (kernel-shared) half is never touched. Per
// spec §9, the top-level table frame itself and the process's other
// resources (kernel stack, argument region) are intentionally leaked: the
// source never reclaims them either.
func (ps *Pageset) destroy() *kernel.Error {
	if ps.isKernel {
		return errDestroyKernelPageset
	}

	entriesPerTable := uintptr(1) << pageLevelBits
	firstUpperIndex := entriesPerTable / 2

	top := (*[512]pageTableEntry)(ptrAt(ps.topLinear))
	for i := uintptr(0); i < firstUpperIndex; i++ {
		pdpte := top[i]
		if !pdpte.HasFlags(FlagPresent) || pdpte.HasFlags(FlagHugePage) {
			continue
		}
		ps.freeTable(pdpte.Frame(), 1)
	}

	ps.index = newTableIndex()
	return nil
}

// freeTable recursively frees a table and everything beneath it, stopping
// at leaf (PT, level 3) entries: leaf frames are not reclaimed, matching
// the source's leaked-pageset-teardown behaviour (spec §9).
func (ps *Pageset) freeTable(frame pmm.Frame, level uint8) {
	linear, ok := ps.index.lookup(frame)
	if !ok {
		panicFn(errMissingTableMapping)
		return
	}

	if level < pageLevels-1 {
		table := (*[512]pageTableEntry)(ptrAt(linear))
		for _, entry := range table {
			if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
				continue
			}
			ps.freeTable(entry.Frame(), level+1)
		}
	}

	ps.index.remove(frame)
	heap.Free(ptrAt(linear))
	pmm.Release(frame, 1)
}

// ptrAt converts a kernel linear address into an unsafe.Pointer. Centralised
// here so every table-page access in this package goes through one spot.
func ptrAt(linear uintptr) unsafe.Pointer {
	return unsafe.Pointer(linear)
}
