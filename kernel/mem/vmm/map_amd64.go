package vmm

import (
	"menix/kernel"
	"menix/kernel/cpu"
	"menix/kernel/mem"
	"menix/kernel/mem/pmm"
)

// ReservedZeroedFrame is a special zero-cleared frame allocated by Init.
// Mapping it with FlagCopyOnWrite lets a range of pages be reserved
// without committing physical memory to them until the first write
// triggers a page fault and a real frame is allocated in its place.
var ReservedZeroedFrame pmm.Frame

var (
	// protectReservedZeroedPage is set to true once ReservedZeroedFrame
	// has been initialized, to prevent it from ever being mapped RW.
	protectReservedZeroedPage bool

	// mapTemporaryFn and unmapFn are used by tests to override calls to
	// MapTemporary/Unmap.
	mapTemporaryFn = MapTemporary
	unmapFn        = Unmap

	// mapFn is used by tests to override calls to Map made by MapRegion.
	mapFn = Map

	// earlyReserveRegionFn is used by tests to override calls to
	// EarlyReserveRegion made by MapRegion.
	earlyReserveRegionFn = EarlyReserveRegion

	// earlyReserveLastUsed tracks the last reserved virtual address and is
	// decreased after each EarlyReserveRegion call. It starts at the top
	// of the early-reservation window and grows downward, mirroring
	// kernelMmapBase's upward growth from the same base address.
	earlyReserveLastUsed uintptr = kernelMmapBase

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

	// activePDTFn is used by tests to override calls to cpu.ActivePDT,
	// which will fault if called outside ring 0.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "attempted to map the reserved zeroed frame with RW permissions"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame in the currently active page table. Missing intermediate tables at
// any paging level are allocated on demand via the registered
// SetFrameAllocator and reached thereafter through the HHDM, never through
// a recursive mapping trick.
//
// Attempts to map ReservedZeroedFrame with a RW flag will result in an
// error.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			newTableFrame, err = frameAllocator()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			mem.Memset(PhysToVirt(newTableFrame.Address()), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapRegion establishes a mapping to the physical memory region which
// starts at the given frame and ends at frame + pages(size). The size
// argument is rounded up to the nearest page boundary. MapRegion reserves
// the next available region in the active virtual address space via
// EarlyReserveRegion and returns the Page that corresponds to the region
// start.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	startAddr, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := PageFromAddress(startAddr); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := mapFn(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return PageFromAddress(startAddr), nil
}

// MapTemporary returns the Page at frame's own HHDM virtual address. The
// kernel no longer needs a dedicated temporary-mapping slot the way a
// recursively-mapped page table would: every physical frame is already
// reachable through the HHDM, so "temporary" here only means the mapping
// is not recorded in any AddressSpace and the caller is expected to treat
// the returned Page as scratch space. No allocator is needed since no new
// page table entries are created.
//
// Attempts to map ReservedZeroedFrame will result in an error.
func MapTemporary(frame pmm.Frame) (Page, *kernel.Error) {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame {
		return 0, errAttemptToRWMapReservedFrame
	}

	return PageFromAddress(PhysToVirt(frame.Address())), nil
}

// Unmap removes a mapping previously installed via Map.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory
// region with the requested size in the kernel address space and returns
// its virtual address. If size is not a multiple of mem.PageSize it will
// be automatically rounded up.
//
// This function allocates regions starting at the kernel mmap base and
// growing downward; it should only be used during the early stages of
// kernel initialization, before MapMemory's own arena sees regular use.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}
