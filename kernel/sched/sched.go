// Package sched implements the cooperative, single-CPU scheduler: a
// strict FIFO run queue plus the tick/sleep/wake primitives that drive
// dispatch. It never preempts; every context switch happens because
// something explicitly called Tick, Sleep, or returned from the idle
// halt loop.
package sched

import (
	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/cpu"
	"github.com/devyn/kit/kernel/proc"
)

var (
	head, tail *proc.Process

	// idling guards against a Tick invoked reentrantly (from the
	// interrupt handler that woke the CPU out of the idle halt) from
	// re-running the dequeue logic the outer, still-suspended Tick call
	// is about to retry itself.
	idling bool

	errNotRunning = &kernel.Error{Module: "sched", Message: "sleep called with no running current process"}
)

// defaultHalt is the idle path: enable interrupts, halt until one
// arrives, then disable them again before touching any shared scheduler
// state.
func defaultHalt() {
	cpu.EnableInterrupts()
	cpu.Halt()
	cpu.DisableInterrupts()
}

var (
	haltFn  = defaultHalt
	runFn   = proc.Run
	panicFn = kernel.Panic
)

// Init wires the process manager's death notifications back into Wake,
// so processes blocked in wait_process are requeued the moment their
// target dies.
func Init() {
	proc.SetWakeHook(func(p *proc.Process) { Wake(p) })
}

// Spawn marks a freshly created process (still in state loading) runnable
// and enqueues it at the tail. Apart from Tick re-enqueueing a current
// process that is still running, every process enters the run queue
// through Spawn or Wake, never through a bare Enqueue, so the run queue's
// invariant -- no process in states loading, sleeping or dead is ever
// present in it -- always holds.
func Spawn(p *proc.Process) {
	p.State = proc.StateRunning
	Enqueue(p)
}

// Enqueue appends p to the tail of the run queue.
func Enqueue(p *proc.Process) {
	p.Next = nil
	if tail == nil {
		head, tail = p, p
		return
	}
	tail.Next = p
	tail = p
}

// dequeue removes and returns the process at the head of the run queue,
// or nil if it is empty.
func dequeue() *proc.Process {
	if head == nil {
		return nil
	}
	p := head
	head = head.Next
	if head == nil {
		tail = nil
	}
	p.Next = nil
	return p
}

// Tick dequeues and dispatches the next runnable process. If the run
// queue is empty and the current process is still running, it keeps
// running. If the run queue is empty and there is no running current
// process, the CPU idles (interrupts enabled) until something wakes it,
// then retries. If a different process is dispatched while current is
// still running, current is re-enqueued at the tail before the switch.
func Tick() {
	if idling {
		return
	}

	for {
		next := dequeue()
		if next == nil {
			if proc.Current != nil && proc.Current.State == proc.StateRunning {
				return
			}

			idling = true
			haltFn()
			idling = false
			continue
		}

		if proc.Current != nil && proc.Current != next && proc.Current.State == proc.StateRunning {
			Enqueue(proc.Current)
		}

		runFn(next)
		return
	}
}

// Sleep puts the current process to sleep and invokes Tick to find (or
// wait for) another runnable process. current must be running.
func Sleep() {
	if proc.Current == nil || proc.Current.State != proc.StateRunning {
		panicFn(errNotRunning)
		return
	}
	proc.Current.State = proc.StateSleeping
	Tick()
}

// Wake marks a sleeping process runnable and enqueues it at the tail,
// returning true. If p is not sleeping, Wake is a no-op and returns
// false. Wake is safe to call from interrupt context (it only mutates
// run-queue state, which interrupt handlers are required to do with
// interrupts already disabled).
func Wake(p *proc.Process) bool {
	if p.State != proc.StateSleeping {
		return false
	}
	p.State = proc.StateRunning
	Enqueue(p)
	return true
}
