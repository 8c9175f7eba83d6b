package sched

import "menix/kernel/cpu"

// IdleLoop is the idle task's body: it waits for interrupts and, on each
// wake, checks whether it is still the current task before halting again.
// Arch bring-up code points a CPU's idle task stack at this function; it
// never returns.
func IdleLoop(c *CPUData) {
	for {
		if c.Scheduler.Current() != c.Scheduler.idleTask {
			continue
		}
		cpu.Halt()
	}
}
