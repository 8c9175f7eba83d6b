package kmain

import (
	"menix/kernel"
	"menix/kernel/goruntime"
	"menix/kernel/hal"
	"menix/kernel/hal/multiboot"
	"menix/kernel/initgraph"
	"menix/kernel/irq"
	"menix/kernel/kfmt/early"
	"menix/kernel/mem"
	"menix/kernel/mem/pmm"
	"menix/kernel/mem/vmm"

	_ "menix/kernel/module"
	_ "menix/kernel/proc"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// allocBuddyFrame adapts pmm.Alloc to vmm.FrameAllocatorFn, requesting a
// single zeroed frame from the buddy allocator once bootAlloc has been
// sealed and its regions handed over to it.
func allocBuddyFrame() (pmm.Frame, *kernel.Error) {
	frame, err := pmm.Alloc(0, mem.AllocZeroed)
	if err != nil {
		return pmm.InvalidFrame, &kernel.Error{Module: "kmain", Message: err.Error()}
	}
	return frame, nil
}

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
	early.Printf("Starting menix\n")

	pmm.InitBootMem(kernelStart, kernelEnd)
	vmm.SetFrameAllocator(pmm.AllocBootFrame)

	var err *kernel.Error
	if err = vmm.Init(); err != nil {
		panic(err)
	}

	pmm.SealBootMem()
	vmm.SetFrameAllocator(allocBuddyFrame)

	if err = goruntime.Init(); err != nil {
		panic(err)
	}

	irq.Init()

	if err = initgraph.Execute(nil, logStageReached); err != nil {
		panic(err)
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}

func logStageReached(n *initgraph.Node) {
	early.Printf("init: %s\n", n.Name())
}
