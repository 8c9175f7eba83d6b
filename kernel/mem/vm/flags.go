// Package vm implements per-process address spaces on top of the raw page
// table primitives in kernel/mem/vmm: a sorted set of mapped objects, demand
// paging, and copy-on-write fork.
package vm

import "menix/kernel/mem/vmm"

// Flags describes the protection and sharing mode requested for a mapping.
type Flags uint8

const (
	// Read is set if the page can be read from.
	Read Flags = 1 << iota

	// Write is set if the page can be written to.
	Write

	// Exec is set if the page contains executable code.
	Exec

	// Shared is set if modifications to this mapping are visible to every
	// address space that shares the underlying MemoryObject, rather than
	// being copy-on-write private to the mapping that made them.
	Shared

	// CopyOnWrite marks a private mapping whose pages must be duplicated
	// the first time they are written to, rather than modified in place.
	CopyOnWrite
)

// Has returns true if all the bits in want are set in f.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

// pte translates a Flags value into the PageTableEntryFlag set that
// MapSingle/RemapSingle expect. FlagPresent is always included since a
// mapping only reaches the page table once it is actually resident.
func (f Flags) pte() vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent
	if f.Has(Write) {
		flags |= vmm.FlagRW
	}
	if !f.Has(Exec) {
		flags |= vmm.FlagNoExecute
	}
	if f.Has(CopyOnWrite) {
		flags |= vmm.FlagCopyOnWrite
	}
	return flags
}
