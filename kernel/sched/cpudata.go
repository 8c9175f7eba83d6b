package sched

import (
	gosync "menix/kernel/sync"

	"menix/kernel/irq"
)

// CPUData is the per-CPU record every core's scheduler, stack bookkeeping,
// and local interrupt controller state lives in. There is exactly one
// instance per CPU, installed by RegisterCPU during bring-up and reached
// through Current from then on.
type CPUData struct {
	ID      uint32
	Present bool
	Online  bool

	// CurrentKernelStack and CurrentUserStack mirror whatever stack
	// pointers are actually loaded for this CPU right now; the core
	// switch routine updates them as part of switching Scheduler.current.
	CurrentKernelStack uintptr
	CurrentUserStack   uintptr

	Scheduler Scheduler

	// Arch-local fields.
	LocalAPIC    *irq.LocalApic
	Capabilities uint64
}

var (
	registryLock gosync.Spinlock
	cpus         []*CPUData
	current      []*CPUData // indexed by CPU id, mirrors cpus for O(1) Current lookups
)

// RegisterCPU installs a new CPUData for the given CPU id and returns it.
// It must be called once per CPU during bring-up, before that CPU's
// scheduler is used.
func RegisterCPU(id uint32, apic *irq.LocalApic) *CPUData {
	cpu := &CPUData{ID: id, Present: true, LocalAPIC: apic}
	cpu.Scheduler.owner = cpu
	cpu.Scheduler.idleTask = NewTask(nil, 0)
	cpu.Scheduler.current = cpu.Scheduler.idleTask

	registryLock.Acquire()
	for uint32(len(current)) <= id {
		current = append(current, nil)
	}
	current[id] = cpu
	cpus = append(cpus, cpu)
	registryLock.Release()

	return cpu
}

// CPUs returns every registered CPUData, in registration order.
func CPUs() []*CPUData {
	registryLock.Acquire()
	out := append([]*CPUData(nil), cpus...)
	registryLock.Release()
	return out
}

// currentCPUIDFn resolves which CPU is executing right now. It defaults to
// always reporting CPU 0, which is correct for a single-CPU boot and for
// every test in this package; a multi-CPU kernel overrides it once APs
// have their own GS-relative CPUData pointer wired up.
var currentCPUIDFn = func() uint32 { return 0 }

// Current returns the calling CPU's CPUData. It panics if the CPU has not
// been registered, which would indicate a scheduler call before bring-up.
func Current() *CPUData {
	id := currentCPUIDFn()

	registryLock.Acquire()
	defer registryLock.Release()
	if int(id) >= len(current) || current[id] == nil {
		panic("sched: Current called before RegisterCPU")
	}
	return current[id]
}
