package pmm

import (
	"testing"

	"github.com/devyn/kit/kernel/mem"
)

func resetAllocator() {
	active = newRegionIndex()
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	resetAllocator()
	active.insert(Frame(0), 1024)

	before := TotalFree()

	base, got, err := Acquire(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 16 {
		t.Fatalf("expected 16 frames; got %d", got)
	}
	if TotalFree() != before-16 {
		t.Fatalf("expected total_free to drop by 16; got %d (was %d)", TotalFree(), before)
	}

	Release(base, 16)
	if TotalFree() != before {
		t.Fatalf("expected total_free to be restored to %d; got %d", before, TotalFree())
	}
}

func TestAcquireTailOfLargerRegion(t *testing.T) {
	resetAllocator()
	active.insert(Frame(100), 10)

	base, got, err := Acquire(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 4 {
		t.Fatalf("expected 4 frames; got %d", got)
	}
	// The low end of the region must stay intact: the returned base is
	// the tail, i.e. base 100+10-4 = 106.
	if base != Frame(106) {
		t.Fatalf("expected tail base 106; got %d", base)
	}
	if TotalFree() != 6 {
		t.Fatalf("expected 6 frames left free; got %d", TotalFree())
	}
}

func TestAcquireWholeRegion(t *testing.T) {
	resetAllocator()
	active.insert(Frame(0), 4)

	base, got, err := Acquire(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 4 || base != 0 {
		t.Fatalf("expected whole region (0,4); got (%d,%d)", base, got)
	}
	if TotalFree() != 0 {
		t.Fatalf("expected no frames left; got %d", TotalFree())
	}
}

func TestAcquireOutOfMemory(t *testing.T) {
	resetAllocator()
	active.insert(Frame(0), 4)

	if _, got, err := Acquire(5); err == nil || got != 0 {
		t.Fatalf("expected out-of-memory error; got got=%d err=%v", got, err)
	}

	// an empty index must also report out-of-memory rather than panicking
	resetAllocator()
	if _, got, err := Acquire(1); err == nil || got != 0 {
		t.Fatalf("expected out-of-memory on empty index; got got=%d err=%v", got, err)
	}
}

func TestAcquireZeroIsRefused(t *testing.T) {
	resetAllocator()
	active.insert(Frame(0), 4)

	if _, got, err := Acquire(0); err == nil || got != 0 {
		t.Fatalf("expected Acquire(0) to fail; got got=%d err=%v", got, err)
	}
}

// TestBootstrapIngest mirrors scenario 1 from the spec: a two-entry memory
// map with a 2 MiB preallocated region skipped at the front.
func TestBootstrapIngest(t *testing.T) {
	resetAllocator()

	ingest(0, 0x9FC00)
	ingest(0x100000, 0x7FFFFFFF-0x100000+1)

	expectFrames := (uint64(0x7FFFFFFF) - preallocatedBytes + 1) / uint64(mem.PageSize)
	if TotalFree() != expectFrames {
		t.Fatalf("expected %d free frames after ingest; got %d", expectFrames, TotalFree())
	}

	before := TotalFree()
	base, got, err := Acquire(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 16 {
		t.Fatalf("expected 16 frames; got %d", got)
	}
	if TotalFree() != before-16 {
		t.Fatalf("expected total_free to drop by 16")
	}

	Release(base, 16)
	if TotalFree() != before {
		t.Fatalf("expected total_free restored; got %d want %d", TotalFree(), before)
	}
}

func TestIngestSkipsEntirelyPreallocatedRegion(t *testing.T) {
	resetAllocator()
	ingest(0, preallocatedBytes/2)
	if TotalFree() != 0 {
		t.Fatalf("expected region fully below preallocatedBytes to be skipped; got %d free", TotalFree())
	}
}
