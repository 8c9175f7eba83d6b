package pmm

import (
	"menix/kernel"
	"menix/kernel/mem"
	ksync "menix/kernel/sync"
)

// ErrOutOfMemory is returned by Alloc when no region has a free block that
// satisfies both the requested order and the caller's search limit.
var ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

// regionsLock guards the regions slice and every Region's free lists. The
// design keeps a single global lock rather than one per region: region count
// stays small (one per contiguous e820/multiboot range) and allocations are
// expected to be infrequent enough that contention is not a concern. Callers
// running with interrupts enabled must disable them before calling Alloc or
// Free so a timer IRQ cannot reenter the allocator on the same CPU.
var regionsLock ksync.Spinlock

// regions holds every Region registered via AddRegion, ordered by start
// address the way they were discovered while walking the memory map.
var regions []*Region

// AddRegion registers a contiguous range of physical memory with the buddy
// allocator. It must only be called during early boot, before any other CPU
// or interrupt handler can call Alloc or Free.
func AddRegion(start Frame, numPages uint32) *Region {
	r := NewRegion(start, numPages)
	regions = append(regions, r)
	return r
}

// Alloc reserves 2^order contiguous physical frames and returns the frame
// number of the first one. It searches regions in registration order and
// splits the first sufficiently large free block down to the requested
// order. Under a flags-derived search limit, a region that starts at or
// above the limit is skipped, as is a region whose first free block of a
// large enough order would end past the limit; other free blocks of that
// region are not tried.
func Alloc(order mem.PageOrder, flags mem.AllocFlags) (Frame, error) {
	if order > mem.MaxPageOrder {
		return InvalidFrame, ErrOutOfMemory
	}

	regionsLock.Acquire()
	defer regionsLock.Release()

	limit := flags.SearchLimit()
	for _, r := range regions {
		if limit != 0 && r.GetStart() >= limit {
			continue
		}

		id, ok := r.findFree(order)
		if !ok {
			continue
		}
		if limit != 0 && r.frameAddr(id).Address()+uintptr(uint32(1)<<r.meta[id].order)*uintptr(mem.PageSize) > limit {
			continue
		}

		r.split(id, order)
		r.meta[id].order = order
		r.meta[id].markUsed()
		r.numUsed += uint32(1) << order

		frame := r.frameAddr(id)
		if flags.Has(mem.AllocZeroed) {
			mem.Memset(frame.Address(), 0, mem.PageSize<<order)
		}
		return frame, nil
	}

	return InvalidFrame, ErrOutOfMemory
}

// Free releases a block previously returned by Alloc, coalescing it with its
// buddy (and that buddy's buddy, recursively) whenever the sibling is also
// free.
func Free(frame Frame, order mem.PageOrder) {
	regionsLock.Acquire()
	defer regionsLock.Release()

	for _, r := range regions {
		if frame < r.start || uint32(frame-r.start) >= r.numPages {
			continue
		}

		id := uint32(frame - r.start)
		r.meta[id].order = order
		r.meta[id].markFree()
		r.numUsed -= uint32(1) << order
		r.coalesce(id)
		return
	}
}

// TotalFree returns the number of free frames summed across every
// registered region.
func TotalFree() uint32 {
	regionsLock.Acquire()
	defer regionsLock.Release()

	var free uint32
	for _, r := range regions {
		free += r.FreeCount()
	}
	return free
}
