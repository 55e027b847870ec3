// Package proc implements the process manager: creating, laying out and
// dispatching the address spaces the scheduler runs. A process's register
// image, kernel stack and pageset are all owned here; the scheduler
// (kernel/sched) only ever sees a *Process through this package's Next
// link and State field.
package proc

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/cpu"
	"github.com/devyn/kit/kernel/irq"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/heap"
	"github.com/devyn/kit/kernel/mem/pmm"
	"github.com/devyn/kit/kernel/mem/vmm"
)

// maxNameLen is the largest process name accepted by Create, matching the
// 256-byte (255 chars + terminator) fixed name field.
const maxNameLen = 255

const (
	// userStackTop is the fixed high address (just below the canonical
	// address gap) that every process's initial stack ends at.
	userStackTop = uintptr(0x00007ffffffff000)

	// userStackSize is the initial user stack size. Growth is not
	// implemented: the stack is a single fixed-size mapping.
	userStackSize = mem.Size(8 * mem.Kb)

	// argRegionTop is the fixed high address the packed argv region is
	// laid out just below. It lives in a separate part of the address
	// space from the stack so the two never collide regardless of argv
	// size.
	argRegionTop = uintptr(0x0000700000000000)

	// userHeapBase is the fixed address a process's heap starts growing
	// from on its first adjust_heap call.
	userHeapBase = uintptr(0x0000600000000000)
)

var userStackBottom = userStackTop - uintptr(userStackSize)

// State is a process's position in its lifecycle.
type State uint8

const (
	// StateLoading is the state a process is created in and remains in
	// until its first dispatch.
	StateLoading State = iota

	// StateRunning marks the process as runnable or currently executing.
	StateRunning

	// StateSleeping marks a process blocked until explicitly woken.
	StateSleeping

	// StateDead marks a process that has returned from its one and only
	// dispatch. Its resources are not reclaimed (see destroy notes).
	StateDead
)

// Process is one schedulable address space: a pageset, a saved register
// image, and the bookkeeping the process manager and scheduler need.
type Process struct {
	ID      uint16
	name    [maxNameLen + 1]byte
	nameLen uint8

	State   State
	Pageset *vmm.Pageset

	// Regs and Frame together form the saved register image: the
	// general-purpose registers plus the trap frame (instruction
	// pointer, flags, stack pointer) that the platform trampoline
	// restores on dispatch and refreshes on re-entry.
	Regs  irq.Regs
	Frame irq.Frame

	ExitStatus int32

	// heapEnd is the process's current heap break, lazily initialised
	// to userHeapBase on the first AdjustHeap call.
	heapEnd uintptr

	// Next links this process into whichever intrusive FIFO currently
	// owns it -- the scheduler's run queue (kernel/sched). The field
	// lives here rather than in kernel/sched so enqueueing never needs
	// an allocation.
	Next *Process

	waiters  *Process // processes parked in wait_process on this one's death
	waitNext *Process // this process's own link on another's waiters list
}

// Name returns the process's name.
func (p *Process) Name() string {
	return string(p.name[:p.nameLen])
}

var (
	errNameTooLong = &kernel.Error{Module: "proc", Message: "process name exceeds 255 bytes"}
	errNotLoading  = &kernel.Error{Module: "proc", Message: "process is not in the loading state"}
	errShortAlloc  = &kernel.Error{Module: "proc", Message: "short allocation while laying out process memory"}
)

var (
	registry = map[uint16]*Process{}
	lastID   uint16
)

// allocateID hands out the next monotonically increasing process
// identifier. Separated from Create so the assignment policy can be
// exercised without a full pageset/address-space setup.
func allocateID() uint16 {
	lastID++
	return lastID
}

// setName validates and copies name into p, rejecting names over
// maxNameLen bytes. Split out from Create so the validation logic can be
// tested without allocating a process record or pageset.
func setName(p *Process, name string) *kernel.Error {
	if len(name) > maxNameLen {
		return errNameTooLong
	}
	copy(p.name[:], name)
	p.nameLen = uint8(len(name))
	return nil
}

// Create allocates a new process record in state loading: it validates
// and copies name, creates a fresh pageset, maps the initial user stack,
// and assigns a fresh identifier. The record itself is carved out of the
// kernel heap rather than the ordinary Go allocator.
func Create(name string) (*Process, *kernel.Error) {
	ptr := heap.Alloc(mem.Size(unsafe.Sizeof(Process{})))
	p := (*Process)(ptr)
	*p = Process{}

	if err := setName(p, name); err != nil {
		return nil, err
	}

	ps, err := vmm.CreatePageset()
	if err != nil {
		return nil, err
	}
	p.Pageset = ps

	if _, err := p.Alloc(userStackBottom, userStackSize, vmm.ProtFlags(0)); err != nil {
		return nil, err
	}

	p.ID = allocateID()
	p.State = StateLoading
	registry[p.ID] = p
	return p, nil
}

// Lookup returns the process with the given identifier, if it is still
// tracked (dead processes are never removed from the registry, per the
// source's leaked-resources behaviour).
func Lookup(id uint16) (*Process, bool) {
	p, ok := registry[id]
	return p, ok
}

// Alloc rounds address down and length up to frame boundaries, always
// ORing in the user-accessible flag, and repeatedly acquires contiguous
// physical runs from the frame allocator until the whole range is mapped
// into p's pageset. On any failure it returns the error and leaks
// whatever was already mapped, matching the open question in the design
// notes: partial address-space layout is never unwound.
func (p *Process) Alloc(address uintptr, length mem.Size, flags vmm.ProtFlags) (uintptr, *kernel.Error) {
	flags |= vmm.ProtUser

	base := address &^ (uintptr(mem.PageSize) - 1)
	limit := (address + uintptr(length) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	pages := uint64(limit-base) >> mem.PageShift

	var mapped uint64
	for mapped < pages {
		frame, got, err := pmm.Acquire(pages - mapped)
		if err != nil {
			return 0, err
		}

		linear := base + uintptr(mapped)*uintptr(mem.PageSize)
		n, mapErr := p.Pageset.Map(linear, frame, got, flags)
		mapped += n
		if mapErr != nil {
			return 0, mapErr
		}
		if n < got {
			return 0, errShortAlloc
		}
	}
	return base, nil
}

// SetArgs lays out argv as a packed pointer array followed by
// null-terminated strings in a fresh page-aligned region just below
// argRegionTop, then points the process's argument-passing registers at
// it. The region is written by temporarily switching to p's pageset, the
// same trick the ELF loader uses to populate segments.
func (p *Process) SetArgs(argv []string) *kernel.Error {
	argc := len(argv)
	ptrArraySize := uintptr(argc) * 8

	var strTotal uintptr
	for _, s := range argv {
		strTotal += uintptr(len(s)) + 1
	}
	total := ptrArraySize + strTotal

	base, err := p.Alloc(argRegionTop-total, mem.Size(total), vmm.ProtFlags(0))
	if err != nil {
		return err
	}

	withPageset(p.Pageset, func() {
		ptrArray := (*[1 << 16]uint64)(unsafe.Pointer(base))
		cursor := base + ptrArraySize
		for i, s := range argv {
			ptrArray[i] = uint64(cursor)
			dst := (*[1 << 20]byte)(unsafe.Pointer(cursor))
			copy(dst[:len(s)], s)
			dst[len(s)] = 0
			cursor += uintptr(len(s)) + 1
		}
	})

	p.Regs.RDI = uint64(argc)
	p.Regs.RSI = uint64(base)
	return nil
}

// Write copies data into p's address space at linear, temporarily
// switching to p's pageset for the duration. Used by the ELF loader to
// populate segment contents.
func (p *Process) Write(linear uintptr, data []byte) {
	withPageset(p.Pageset, func() {
		dst := (*[1 << 30]byte)(unsafe.Pointer(linear))
		copy(dst[:len(data)], data)
	})
}

// Read copies len(buf) bytes out of p's address space starting at
// linear into buf, temporarily switching to p's pageset for the
// duration. Used by syscall handlers to read arguments a process passed
// by pointer (e.g. spawn's path and argv).
func (p *Process) Read(linear uintptr, buf []byte) {
	withPageset(p.Pageset, func() {
		src := (*[1 << 30]byte)(unsafe.Pointer(linear))
		copy(buf, src[:len(buf)])
	})
}

// Zero clears n bytes of p's address space starting at linear, the same
// way Write populates it. Used by the ELF loader to zero the tail of a
// segment between filesz and memsz.
func (p *Process) Zero(linear uintptr, n uintptr) {
	withPageset(p.Pageset, func() {
		mem.Memset(linear, 0, mem.Size(n))
	})
}

// AdjustHeap grows or shrinks p's heap break by delta bytes and returns
// the new break. Growth maps the newly covered range (always rounding up
// to whole pages via Alloc); shrinking only moves the break back without
// unmapping, matching the source's leaked-memory-on-free-paths policy.
func (p *Process) AdjustHeap(delta int64) (uintptr, *kernel.Error) {
	if p.heapEnd == 0 {
		p.heapEnd = userHeapBase
	}

	if delta > 0 {
		if _, err := p.Alloc(p.heapEnd, mem.Size(delta), vmm.ProtFlags(0)); err != nil {
			return 0, err
		}
	}

	p.heapEnd = uintptr(int64(p.heapEnd) + delta)
	return p.heapEnd, nil
}

// SetEntryPoint records the instruction pointer the process starts
// executing at. Requires the process to still be in state loading.
func (p *Process) SetEntryPoint(ip uintptr) *kernel.Error {
	if p.State != StateLoading {
		return errNotLoading
	}
	p.Frame.RIP = uint64(ip)
	return nil
}

// Current is the process presently executing in user mode, or nil if the
// CPU is running kernel code outside of any process's dispatch.
var Current *Process

// Run transitions p from loading to running, switches to its pageset and
// transfers to user mode via the platform trampoline. Run does not return
// until the process traps back into the kernel for the last time: on
// re-entry p is marked dead, the caller's pageset is restored, Current is
// cleared, and any processes blocked in wait_process on p are notified.
func Run(p *Process) {
	p.State = StateRunning

	prevPhys := cpu.ActivePDT()
	Current = p

	cpu.SwitchPDT(p.Pageset.PhysAddr())
	enterUserMode(&p.Regs, &p.Frame)
	cpu.SwitchPDT(prevPhys)

	p.State = StateDead
	Current = nil
	notifyDeath(p)
}

// withPageset runs fn with ps temporarily active, restoring whatever
// pageset was active beforehand. Used to populate a process's memory
// (arguments, ELF segments) through its own linear address space without
// a context switch.
func withPageset(ps *vmm.Pageset, fn func()) {
	prevPhys := cpu.ActivePDT()
	cpu.SwitchPDT(ps.PhysAddr())
	fn()
	cpu.SwitchPDT(prevPhys)
}

var wakeHook func(*Process)

// SetWakeHook registers the callback invoked for every process a dying
// process had waiters registered against. kernel/syscall wires this to
// the scheduler's Wake during startup, since proc must not import sched
// directly (sched already imports proc for the Process type).
func SetWakeHook(fn func(*Process)) {
	wakeHook = fn
}

// RegisterWaiter adds waiter to target's death-notification list. The
// caller (kernel/syscall's wait_process handler) is responsible for
// checking that target is not already dead before registering, and for
// putting waiter to sleep afterwards.
func RegisterWaiter(target, waiter *Process) {
	waiter.waitNext = target.waiters
	target.waiters = waiter
}

// notifyDeath pops every waiter registered against p and invokes the
// registered wake hook for each.
func notifyDeath(p *Process) {
	w := p.waiters
	p.waiters = nil
	for w != nil {
		next := w.waitNext
		w.waitNext = nil
		if wakeHook != nil {
			wakeHook(w)
		}
		w = next
	}
}
