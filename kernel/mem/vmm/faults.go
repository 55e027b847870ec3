package vmm

import (
	"github.com/devyn/kit/kernel/cpu"
	"github.com/devyn/kit/kernel/irq"
	"github.com/devyn/kit/kernel/kfmt/early"
)

// pageFaultHandler prints a diagnostic page-fault report and halts. User
// process fault recovery (e.g. stack growth) is out of scope: the process
// model leaks everything on termination (spec §9) and implements no
// demand paging.
func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := cpu.ReadCR2()

	early.Printf("\npage fault while accessing address: 0x%16x\nreason: ", faultAddress)
	switch errorCode {
	case 0:
		early.Printf("read from non-present page")
	case 1:
		early.Printf("page protection violation (read)")
	case 2:
		early.Printf("write to non-present page")
	case 3:
		early.Printf("page protection violation (write)")
	case 4:
		early.Printf("page fault in user mode")
	case 8:
		early.Printf("page table has reserved bit set")
	case 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown")
	}

	early.Printf("\n\nregisters:\n")
	regs.Print()
	frame.Print()
	haltFn()
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\ngeneral protection fault while accessing address: 0x%x\n", cpu.ReadCR2())
	early.Printf("registers:\n")
	regs.Print()
	frame.Print()
	haltFn()
}

// haltFn is a variable so tests can replace it; in the kernel image it
// never returns.
var haltFn = func() {
	for {
		cpu.Halt()
	}
}
