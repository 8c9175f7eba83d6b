package vmm

import (
	"unsafe"

	"menix/kernel/mem"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers
	// so walk() can be properly tested. When compiling the kernel this
	// function is automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// rootTableAddrFn returns the HHDM virtual address of the root page
	// table to start a walk from. Tests override this to point at a
	// Go-allocated buffer instead of a real physical table.
	rootTableAddrFn = func() uintptr {
		return PhysToVirt(activePDTFn())
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address, calling
// walkFn with the page table entry at each level from the root down to the
// final (4KiB page) level. Unlike a recursive self-mapping scheme, each
// table is reached directly through the HHDM: after walkFn inspects or
// updates the entry for a level, walk follows that entry's Frame() to find
// the next level's table, so walkFn is responsible for leaving the entry
// pointing at a valid next-level table before returning true for any level
// but the last.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := rootTableAddrFn()

	for level := uint8(0); level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr + (index << mem.PointerShift)
		pte := (*pageTableEntry)(ptePtrFn(entryAddr))

		if !walkFn(level, pte) {
			return
		}

		if level < pageLevels-1 {
			tableAddr = PhysToVirt(pte.Frame().Address())
		}
	}
}
