package module

import (
	"menix/kernel"
	"menix/kernel/initgraph"
)

// kernelSymbols is the table every Load call resolves undefined module
// symbols against. The original kernel populates its equivalent by walking
// a linker-generated dynamic symbol section; this kernel has no such
// section to scan, so kernel code registers its own exported symbols
// explicitly via RegisterKernelSymbol instead.
var kernelSymbols = NewSymbolTable()

// KernelSymbols returns the table Load should be given to resolve against.
func KernelSymbols() *SymbolTable {
	return kernelSymbols
}

// RegisterKernelSymbol exposes one kernel-side function or variable to
// modules loaded afterwards.
func RegisterKernelSymbol(name string, value uint64) {
	kernelSymbols.Register(name, value, nil)
}

// Stage marks the point at which the module loader is ready to accept
// Load calls. It has no dependencies of its own since symbol registration
// happens lazily through RegisterKernelSymbol rather than a bulk scan.
var Stage = initgraph.NewNode("generic.module", func() *kernel.Error {
	return nil
})
