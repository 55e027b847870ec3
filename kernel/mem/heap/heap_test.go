package heap

import (
	"testing"
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/mem"
)

func resetEmbryonic() {
	base = uintptr(unsafe.Pointer(&embryonicBuffer[0]))
	length = 0
	end = base + embryonicSize
	large = false
}

func TestEmbryonicAllocAdvancesBumpPointer(t *testing.T) {
	resetEmbryonic()

	p1 := Alloc(mem.Size(16))
	p2 := Alloc(mem.Size(16))

	if uintptr(p2)-uintptr(p1) != 16 {
		t.Fatalf("expected second allocation to follow the first by 16 bytes; got offset %d", uintptr(p2)-uintptr(p1))
	}
}

func TestAllocAlignedRoundsUp(t *testing.T) {
	resetEmbryonic()

	_ = Alloc(mem.Size(3))
	p := AllocAligned(mem.Size(8), 16)

	if uintptr(p)%16 != 0 {
		t.Fatalf("expected aligned allocation to be 16-byte aligned; got %x", p)
	}
}

func TestLargeHeapGrowsThroughRegisteredGrower(t *testing.T) {
	resetEmbryonic()

	var grewBy uint64
	SetGrower(func(_ uintptr, pages uint64) *kernel.Error {
		grewBy += pages
		return nil
	})

	Promote()
	_ = Alloc(mem.Size(1))

	if grewBy == 0 {
		t.Fatalf("expected Promote+Alloc to trigger a call to the registered grower")
	}
}
