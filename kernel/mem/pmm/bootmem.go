package pmm

import (
	"menix/kernel"
	"menix/kernel/hal/multiboot"
	"menix/kernel/kfmt/early"
	"menix/kernel/mem"
)

var (
	errBootAllocUnsupportedOrder = &kernel.Error{Module: "bootmem", Message: "bootmem allocator only supports order(0) requests"}
	errBootAllocOutOfMemory      = &kernel.Error{Module: "bootmem", Message: "out of memory"}
	errBootAllocSealed           = &kernel.Error{Module: "bootmem", Message: "bootmem allocator is sealed; use the buddy allocator instead"}
)

// bootAlloc is the single bump allocator instance used while the kernel is
// bootstrapping itself, before the regions reported by the firmware memory
// map have been handed to the buddy allocator.
var bootAlloc struct {
	lastAllocIndex int64
	sealed         bool
}

// InitBootMem resets the bump allocator, excludes the running kernel
// image from the frames AllocBootFrame can hand out, and prints the
// firmware-reported memory map. It must run before any call to
// AllocBootFrame and before SealBootMem.
//
// kernelEnd is assumed to fall inside the same memory region AllocBootFrame
// starts scanning from, which holds for every freestanding kernel image
// loaded at the low end of usable memory by the bootloader.
func InitBootMem(kernelStart, kernelEnd uintptr) {
	kernelEndFrame := int64(((mem.Size(kernelEnd)+mem.PageSize-1)&^(mem.PageSize-1))>>mem.PageShift) - 1
	bootAlloc.lastAllocIndex = kernelEndFrame
	bootAlloc.sealed = false

	early.Printf("[bootmem] system memory map:\n")
	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		early.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	early.Printf("[bootmem] free memory: %dKb\n", uint64(totalFree/mem.Kb))
}

// AllocBootFrame reserves the next available single frame by linearly
// scanning the firmware memory map. It never frees and never reuses a
// frame, since the bump allocator has no bookkeeping for that; everything it
// hands out is reclaimed in bulk when the region it came from is later
// registered with the buddy allocator via SealBootMem.
func AllocBootFrame() (Frame, *kernel.Error) {
	if bootAlloc.sealed {
		return InvalidFrame, errBootAllocSealed
	}

	var (
		foundPageIndex                           int64 = -1
		regionStartPageIndex, regionEndPageIndex int64
	)
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartPageIndex = int64(((mem.Size(region.PhysAddress) + (mem.PageSize - 1)) & ^(mem.PageSize - 1)) >> mem.PageShift)
		regionEndPageIndex = int64(((mem.Size(region.PhysAddress+region.Length) - (mem.PageSize - 1)) & ^(mem.PageSize - 1)) >> mem.PageShift)

		if bootAlloc.lastAllocIndex >= regionEndPageIndex {
			return true
		}

		if bootAlloc.lastAllocIndex < regionStartPageIndex {
			foundPageIndex = regionStartPageIndex
		} else {
			foundPageIndex = bootAlloc.lastAllocIndex + 1
		}
		return false
	})

	if foundPageIndex == -1 {
		return InvalidFrame, errBootAllocOutOfMemory
	}

	bootAlloc.lastAllocIndex = foundPageIndex
	return Frame(foundPageIndex), nil
}

// SealBootMem walks the firmware memory map one last time, registers every
// available region with the buddy allocator via AddRegion, and marks the
// bump allocator as sealed so any further AllocBootFrame call fails fast
// instead of silently handing out a frame the buddy allocator also thinks
// it owns.
//
// Frames already handed out by AllocBootFrame before this call (page tables,
// the kernel image, early per-CPU structures) are excluded from the regions
// registered with the buddy allocator by clipping each region's start to the
// first frame past bootAlloc.lastAllocIndex.
func SealBootMem() {
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		startIndex := int64(((mem.Size(region.PhysAddress) + (mem.PageSize - 1)) & ^(mem.PageSize - 1)) >> mem.PageShift)
		endIndex := int64(((mem.Size(region.PhysAddress+region.Length) - (mem.PageSize - 1)) & ^(mem.PageSize - 1)) >> mem.PageShift)

		if bootAlloc.lastAllocIndex+1 > startIndex {
			startIndex = bootAlloc.lastAllocIndex + 1
		}
		if startIndex >= endIndex {
			return true
		}

		AddRegion(Frame(startIndex), uint32(endIndex-startIndex))
		return true
	})

	bootAlloc.sealed = true
}
