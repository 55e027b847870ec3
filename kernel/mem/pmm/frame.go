// Package pmm manages allocation and release of physical memory frames: the
// 4 KiB units of physical RAM that the virtual memory manager maps into
// page tables.
package pmm

import (
	"math"

	"github.com/devyn/kit/kernel/mem"
)

// Frame describes a physical memory page index: physical address divided
// by mem.PageSize.
type Frame uint64

const (
	// InvalidFrame is returned by the allocator when it fails to
	// reserve the requested number of frames.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is not the sentinel InvalidFrame value.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame containing the given physical address,
// rounding down to the enclosing frame boundary.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
