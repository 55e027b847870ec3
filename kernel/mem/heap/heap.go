// Package heap implements the kernel's bump allocator: a single growable
// region of kernel virtual memory with no free(). It has two phases. The
// embryonic phase serves allocations out of a fixed buffer in the kernel
// image's BSS, early enough to bootstrap the frame allocator and the
// pageset manager before either can back a larger region. The large-heap
// phase serves allocations out of a fixed upper-half virtual base, growing
// on demand via a registered Grower callback.
//
// heap intentionally does not import kernel/mem/vmm: the pageset manager
// is itself a heap client (it allocates page-table bookkeeping memory from
// here), so the dependency runs one way. The large-heap phase is wired to
// the pageset manager through SetGrower instead, the same registration
// idiom kernel/mem/vmm uses for its own frame allocator.
package heap

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/mem"
)

// embryonicSize is the size of the fixed BSS buffer used before the
// large-heap phase is promoted.
const embryonicSize = 128 << 10 // 128 KiB

// bufferZone is mapped headroom kept between the bump pointer and the
// heap's current end, sized to comfortably cover one growth step's own
// page-table bookkeeping allocations without triggering a second, nested
// growth.
const bufferZone = 4 * mem.PageSize

// largeHeapBase is the fixed, huge-page-aligned virtual address the
// large-heap phase starts growing from.
const largeHeapBase = uintptr(0xFFFF900000000000)

// errNoGrower is reported if the large-heap phase needs to grow before a
// Grower has been registered via SetGrower.
var errNoGrower = &kernel.Error{Module: "heap", Message: "large heap requested growth with no grower registered"}

// Grower maps pages contiguous frames starting at linear (always the
// heap's current end) and reports any failure. It is called with
// interrupts already disabled.
type Grower func(linear uintptr, pages uint64) *kernel.Error

var (
	embryonicBuffer [embryonicSize]byte

	base   uintptr
	length uintptr
	end    uintptr
	large  bool

	growFn  Grower
	growing bool
)

// Init sets up the embryonic phase. It must run before any other
// allocator in the kernel that needs heap memory (pmm's bookkeeping nodes,
// the initial kernel pageset).
func Init() {
	base = uintptr(unsafe.Pointer(&embryonicBuffer[0]))
	length = 0
	end = base + embryonicSize
	large = false
}

// SetGrower registers the callback used to extend the large-heap region.
// Must be called before the first allocation that would need to grow the
// large heap.
func SetGrower(fn Grower) {
	growFn = fn
}

// Promote switches the heap to the large-heap phase. Pointers returned
// during the embryonic phase remain valid forever (that memory is part of
// the kernel image and is never reclaimed); they are simply no longer
// reachable through the bump pointer.
func Promote() {
	base = largeHeapBase
	length = 0
	end = largeHeapBase
	large = true
}

// Alloc advances the bump pointer by size bytes and returns the base of
// the new allocation, zero-length safe. Panics (via kernel.Panic) if the
// large heap cannot grow to satisfy the request.
func Alloc(size mem.Size) unsafe.Pointer {
	return AllocAligned(size, 1)
}

// AllocAligned behaves like Alloc but first rounds the bump pointer up to
// a multiple of align, which must be a power of two.
func AllocAligned(size mem.Size, align uintptr) unsafe.Pointer {
	allocBase := (base + length + (align - 1)) &^ (align - 1)
	newLength := allocBase + uintptr(size) - base

	if large && base+newLength > end-uintptr(bufferZone) {
		grow(newLength)
	}

	length = newLength
	return unsafe.Pointer(allocBase)
}

// grow maps additional frames so that the heap's mapped region covers up
// to newLength bytes past base, plus bufferZone headroom.
func grow(newLength uintptr) {
	if growing {
		// Re-entrant bookkeeping allocation triggered by our own
		// growth (the pageset manager allocating a page-table frame
		// to map the very pages we're adding). bufferZone exists to
		// absorb exactly this case without recursing into grow again.
		return
	}

	mapped := end - base
	if newLength+uintptr(bufferZone) <= mapped {
		return
	}

	needed := mem.Size(newLength+uintptr(bufferZone)-mapped).Pages()

	growing = true
	defer func() { growing = false }()

	if growFn == nil {
		kernel.Panic(errNoGrower)
		return
	}
	if err := growFn(end, uint64(needed)); err != nil {
		kernel.Panic(err)
		return
	}
	end += uintptr(needed) * uintptr(mem.PageSize)
}

// Free is a no-op: the heap never reclaims memory. Long-lived allocators
// (pagesets, region nodes, table-index nodes) either persist for the
// kernel's lifetime or are released in bulk when a pageset is destroyed.
func Free(unsafe.Pointer) {}
