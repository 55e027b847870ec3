// Package syscall implements the dispatch table the system-call ABI
// describes: nine numbered entries wired to kernel/proc, kernel/sched and
// kernel/archive. The trap/IRET transport that decides when Dispatch gets
// called -- and that carries its numbered arguments in registers -- is an
// external collaborator outside this module's scope; this package only
// models the seam, the same way kernel/irq only models the exception
// registration seam rather than the IDT itself.
package syscall

import (
	"github.com/devyn/kit/kernel/archive"
	"github.com/devyn/kit/kernel/hal"
	"github.com/devyn/kit/kernel/irq"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/pmm"
	"github.com/devyn/kit/kernel/mem/vmm"
	"github.com/devyn/kit/kernel/proc"
	"github.com/devyn/kit/kernel/sched"
)

// Number identifies a system call; the values are part of the ABI and
// must not be reordered.
type Number uint8

const (
	Exit Number = iota
	TWrite
	KeyGet
	Yield
	Sleep
	Spawn
	WaitProcess
	AdjustHeap
	MmapArchive

	numSyscalls
)

// Handler services one system call. It receives the calling process and
// the trapped register snapshot (the transport's responsibility to have
// populated), and returns the value to be placed back into the return
// register.
type Handler func(p *proc.Process, regs *irq.Regs) int64

var table [numSyscalls]Handler

func init() {
	table[Exit] = sysExit
	table[TWrite] = sysTWrite
	table[KeyGet] = sysKeyGet
	table[Yield] = sysYield
	table[Sleep] = sysSleep
	table[Spawn] = sysSpawn
	table[WaitProcess] = sysWaitProcess
	table[AdjustHeap] = sysAdjustHeap
	table[MmapArchive] = sysMmapArchive
}

// Dispatch invokes the handler registered for num against the currently
// running process, or returns -1 if num is out of range.
func Dispatch(num Number, regs *irq.Regs) int64 {
	if int(num) >= len(table) || table[num] == nil {
		return -1
	}
	return table[num](proc.Current, regs)
}

func sysExit(p *proc.Process, regs *irq.Regs) int64 {
	p.ExitStatus = int32(regs.RDI)
	return 0
}

// sysTWrite copies length bytes out of the calling process's memory at
// buffer and writes them to the active terminal.
func sysTWrite(p *proc.Process, regs *irq.Regs) int64 {
	length := regs.RDI
	buffer := uintptr(regs.RSI)

	out := make([]byte, length)
	p.Read(buffer, out)
	hal.ActiveTerminal.Write(out)
	return 0
}

// KeyEvent is the decoded key event written back through key_get's
// event_ptr argument.
type KeyEvent struct {
	Code    uint8
	Pressed bool
}

var (
	keyQueue      []KeyEvent
	waitingForKey *proc.Process
)

// PushKeyEvent is the seam the (external) PS/2 keyboard driver calls from
// interrupt context to deliver a decoded key event, waking whichever
// process is blocked in key_get, if any.
func PushKeyEvent(ev KeyEvent) {
	keyQueue = append(keyQueue, ev)
	if waitingForKey != nil {
		sched.Wake(waitingForKey)
		waitingForKey = nil
	}
}

func sysKeyGet(p *proc.Process, regs *irq.Regs) int64 {
	for len(keyQueue) == 0 {
		waitingForKey = p
		sched.Sleep()
	}

	ev := keyQueue[0]
	keyQueue = keyQueue[1:]

	packed := [2]byte{ev.Code, 0}
	if ev.Pressed {
		packed[1] = 1
	}
	p.Write(uintptr(regs.RDI), packed[:])
	return 0
}

func sysYield(p *proc.Process, regs *irq.Regs) int64 {
	sched.Tick()
	return 0
}

func sysSleep(p *proc.Process, regs *irq.Regs) int64 {
	sched.Sleep()
	return 0
}

const (
	maxPathLen = 256
	maxArgv    = 64
)

// SystemArchive is the archive the kernel was booted with, opened once at
// startup and consulted by spawn and mmap_archive.
var (
	SystemArchive       *archive.Archive
	systemArchiveBase   uintptr
	systemArchiveLength mem.Size
)

// SetSystemArchive records the opened boot archive plus its kernel-linear
// location so mmap_archive can remap the same physical frames read-only
// into a calling process.
func SetSystemArchive(a *archive.Archive, linearBase uintptr, length mem.Size) {
	SystemArchive = a
	systemArchiveBase = linearBase
	systemArchiveLength = length
}

// sysSpawn loads the named archive entry as a new process: file names the
// entry, argc/argv (read out of the caller's memory) become the new
// process's arguments.
func sysSpawn(p *proc.Process, regs *irq.Regs) int64 {
	if SystemArchive == nil {
		return -1
	}

	name := readCString(p, uintptr(regs.RDI), maxPathLen)
	entry, err := SystemArchive.Get(name)
	if err != nil {
		return -1
	}

	child, err := proc.Create(name)
	if err != nil {
		return -1
	}

	if err := archive.Load(child, SystemArchive.Content(entry)); err != nil {
		return -1
	}

	argv := readArgv(p, uintptr(regs.RDX), int(regs.RSI))
	if err := child.SetArgs(argv); err != nil {
		return -1
	}

	sched.Spawn(child)
	return int64(child.ID)
}

func sysWaitProcess(p *proc.Process, regs *irq.Regs) int64 {
	pid := uint16(regs.RDI)
	statusPtr := uintptr(regs.RSI)

	target, ok := proc.Lookup(pid)
	if !ok {
		return -1
	}

	if target.State != proc.StateDead {
		proc.RegisterWaiter(target, p)
		sched.Sleep()
	}

	status := [4]byte{
		byte(target.ExitStatus),
		byte(target.ExitStatus >> 8),
		byte(target.ExitStatus >> 16),
		byte(target.ExitStatus >> 24),
	}
	p.Write(statusPtr, status[:])
	return 0
}

func sysAdjustHeap(p *proc.Process, regs *irq.Regs) int64 {
	newEnd, err := p.AdjustHeap(int64(regs.RDI))
	if err != nil {
		return -1
	}
	return int64(newEnd)
}

// archiveMapBase is the fixed user address mmap_archive installs the
// system archive at.
const archiveMapBase = uintptr(0x0000680000000000)

func sysMmapArchive(p *proc.Process, regs *irq.Regs) int64 {
	if SystemArchive == nil {
		return -1
	}

	phys, resolveErr := vmm.Kernel.Resolve(systemArchiveBase)
	if resolveErr != nil {
		return -1
	}

	frame := pmm.FrameFromAddress(phys)
	pages := uint64(systemArchiveLength.Pages())
	if _, mapErr := p.Pageset.Map(archiveMapBase, frame, pages, vmm.ProtUser|vmm.ProtReadOnly); mapErr != nil {
		return -1
	}
	return int64(archiveMapBase)
}

// readCString reads up to maxLen bytes of the calling process's memory
// starting at linear and returns the portion before the first NUL.
func readCString(p *proc.Process, linear uintptr, maxLen int) string {
	buf := make([]byte, maxLen)
	p.Read(linear, buf)
	return cstringFromBuf(buf)
}

// cstringFromBuf returns the portion of buf before its first NUL byte, or
// all of buf if it contains none. Split out from readCString so the
// scanning logic can be tested without a real process address space.
func cstringFromBuf(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// readArgv reads an argc-element array of user pointers at linear,
// followed by each pointed-to NUL-terminated string, capping at maxArgv
// entries.
func readArgv(p *proc.Process, linear uintptr, argc int) []string {
	if argc > maxArgv {
		argc = maxArgv
	}
	if argc <= 0 {
		return nil
	}

	ptrs := make([]byte, argc*8)
	p.Read(linear, ptrs)

	argv := make([]string, argc)
	for i := 0; i < argc; i++ {
		var ptr uintptr
		for b := 0; b < 8; b++ {
			ptr |= uintptr(ptrs[i*8+b]) << (8 * b)
		}
		argv[i] = readCString(p, ptr, maxPathLen)
	}
	return argv
}
