package kmain

import (
	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/archive"
	"github.com/devyn/kit/kernel/hal"
	"github.com/devyn/kit/kernel/hal/multiboot"
	"github.com/devyn/kit/kernel/kfmt/early"
	"github.com/devyn/kit/kernel/mem/heap"
	"github.com/devyn/kit/kernel/mem/pmm"
	"github.com/devyn/kit/kernel/mem/vmm"
	"github.com/devyn/kit/kernel/proc"
	"github.com/devyn/kit/kernel/sched"
	"github.com/devyn/kit/kernel/syscall"
)

// systemArchiveLinear is the fixed kernel-linear address the boot module
// carrying the system archive is mapped at by rt0, before Kmain ever runs.
const systemArchiveLinear = uintptr(0xFFFF800000000000)

// defaultInitProgram is the archive entry spawned when the command line
// does not override it with init=.
const defaultInitProgram = "shell"

var errNoInitProgram = &kernel.Error{Module: "kmain", Message: "system archive does not contain the requested init program"}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	heap.Init()
	pmm.Init()

	if err := vmm.Init(); err != nil {
		kernel.Panic(err)
	}
	heap.Promote()

	sched.Init()

	systemArchive, err := archive.Open(systemArchiveLinear)
	if err != nil {
		kernel.Panic(err)
	}
	syscall.SetSystemArchive(systemArchive, systemArchiveLinear, systemArchive.MappedSize())

	if err := spawnInitProgram(systemArchive); err != nil {
		kernel.Panic(err)
	}

	for {
		sched.Tick()
	}
}

// spawnInitProgram loads and schedules the program named by the init=
// command-line argument (or defaultInitProgram if absent) out of the
// system archive.
func spawnInitProgram(systemArchive *archive.Archive) *kernel.Error {
	name := initProgramName(multiboot.GetCmdLine())

	entry, err := systemArchive.Get(name)
	if err != nil {
		early.Printf("[kmain] init program %s not found in system archive\n", name)
		return errNoInitProgram
	}

	p, err := proc.Create(name)
	if err != nil {
		return err
	}

	if err := archive.Load(p, systemArchive.Content(entry)); err != nil {
		return err
	}

	if err := p.SetArgs([]string{name}); err != nil {
		return err
	}

	sched.Spawn(p)
	return nil
}

// initProgramName extracts the init= argument from the kernel command
// line, falling back to defaultInitProgram if it is absent.
func initProgramName(cmdLine string) string {
	const prefix = "init="
	for _, field := range splitFields(cmdLine) {
		if len(field) > len(prefix) && field[:len(prefix)] == prefix {
			return field[len(prefix):]
		}
	}
	return defaultInitProgram
}

// splitFields splits s on single spaces without pulling in the strings
// package, matching the allocation-free style the rest of the boot path
// uses for command-line parsing.
func splitFields(s string) []string {
	var fields []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			fields = append(fields, s[start:i])
			start = -1
		}
	}
	return fields
}
