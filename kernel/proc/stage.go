package proc

import (
	"menix/kernel"
	"menix/kernel/initgraph"
)

var kernelProcess *Process

// Kernel returns the process every kernel-only task (ones with no user
// address space of their own) belongs to. It is nil until Stage has run.
func Kernel() *Process {
	return kernelProcess
}

// Stage creates the kernel process once C4's kernel address space exists.
// The original kernel also waits on a VFS bring-up stage to seed the root
// and working directory of new processes; this kernel has no VFS, so that
// dependency and root/working-directory fields are dropped rather than
// ported.
var Stage = initgraph.NewNode("generic.process", func() *kernel.Error {
	kernelProcess = NewProcess("kernel", nil, nil)
	return nil
})
