package proc

import "github.com/devyn/kit/kernel/irq"

// enterUserMode is the platform-specific trampoline that loads regs and
// frame into the CPU and executes an IRET into user mode. It is
// implemented in assembly, outside this module's scope (see the top-level
// design notes on excluded external collaborators): this declaration is
// only the Go-visible seam. It returns only when the process traps back
// into the kernel, with regs and frame updated in place to reflect the
// state at the moment of the trap.
func enterUserMode(regs *irq.Regs, frame *irq.Frame)
