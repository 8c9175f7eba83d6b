package pmm

import (
	"menix/kernel/mem"
)

// frameUsed is the sentinel prev/next value that marks a frame as allocated
// rather than linked into one of a Region's free lists.
const frameUsed = ^uint32(0)

// frameMeta is the per-physical-page bookkeeping record the buddy allocator
// keeps in a Region's metadata array — one entry per frame in the region,
// indexed by the frame's offset from the region's first frame. It is the
// "Page" record from the design: order is its free-list size class and
// prev/next link it into the doubly-linked free list for that order, or hold
// frameUsed when the frame is allocated.
type frameMeta struct {
	order      mem.PageOrder
	prev, next uint32
}

func (f *frameMeta) isUsed() bool {
	return f.prev == frameUsed || f.next == frameUsed
}

func (f *frameMeta) markUsed() {
	f.prev, f.next = frameUsed, frameUsed
}

// Region describes a contiguous range of physical memory managed by the
// buddy allocator. Each Region owns a metadata array (one frameMeta per
// frame) and one free-list head per order.
type Region struct {
	// start is the first frame number belonging to this region.
	start Frame

	// meta holds one entry per frame in [start, start+numPages).
	meta []frameMeta

	// lists[order] is the frame-relative index of the head of the free
	// list for that order, or frameUsed if the list is empty.
	lists [mem.MaxPageOrder + 1]uint32

	numPages uint32
	numUsed  uint32
}

// NewRegion carves a Region out of [start, start+numPages) and coalesces it
// into the largest possible aligned free blocks.
func NewRegion(start Frame, numPages uint32) *Region {
	r := &Region{
		start:    start,
		meta:     make([]frameMeta, numPages),
		numPages: numPages,
	}
	for o := range r.lists {
		r.lists[o] = frameUsed
	}

	var frame uint32
	order := mem.MaxPageOrder
	for frame < numPages {
		blockSize := uint32(1) << order
		if frame+blockSize > numPages {
			if order == 0 {
				break
			}
			order--
			continue
		}
		r.meta[frame].order = order
		r.link(frame)
		frame += blockSize
	}

	return r
}

// GetStart returns the first physical address covered by this region.
func (r *Region) GetStart() uintptr {
	return r.start.Address()
}

// GetEnd returns the address immediately past the end of this region.
func (r *Region) GetEnd() uintptr {
	return r.start.Address() + uintptr(r.numPages)*uintptr(mem.PageSize)
}

// NumPages returns the total number of frames covered by this region.
func (r *Region) NumPages() uint32 { return r.numPages }

// NumUsed returns the number of currently allocated frames in this region.
func (r *Region) NumUsed() uint32 { return r.numUsed }

// FreeCount returns the number of free frames, summed across all orders.
func (r *Region) FreeCount() uint32 {
	var free uint32
	for order, head := range r.lists {
		for id := head; id != frameUsed; {
			free += uint32(1) << order
			id = r.meta[id].next
			if id == head {
				break
			}
		}
	}
	return free
}

func (r *Region) buddy(id uint32, order mem.PageOrder) uint32 {
	return id ^ (uint32(1) << order)
}

// link pushes frame id onto the free list for its current order.
func (r *Region) link(id uint32) {
	order := r.meta[id].order
	head := r.lists[order]
	if head == frameUsed {
		r.meta[id].prev = id
		r.meta[id].next = id
	} else {
		tail := r.meta[head].prev
		r.meta[id].prev = tail
		r.meta[id].next = head
		r.meta[tail].next = id
		r.meta[head].prev = id
	}
	r.lists[order] = id
}

// unlink removes frame id from the free list for its current order.
func (r *Region) unlink(id uint32) {
	order := r.meta[id].order
	f := &r.meta[id]
	if f.next == id {
		r.lists[order] = frameUsed
	} else {
		r.meta[f.prev].next = f.next
		r.meta[f.next].prev = f.prev
		if r.lists[order] == id {
			r.lists[order] = f.next
		}
	}
}

// findFree returns the frame-relative index of a free block whose order is
// at least minOrder, or false if none exists.
func (r *Region) findFree(minOrder mem.PageOrder) (uint32, bool) {
	for order := minOrder; order <= mem.MaxPageOrder; order++ {
		if head := r.lists[order]; head != frameUsed {
			return head, true
		}
	}
	return 0, false
}

// split breaks the free block starting at id down from its current order to
// targetOrder, linking every buddy produced along the way onto its own
// free list.
func (r *Region) split(id uint32, targetOrder mem.PageOrder) {
	r.unlink(id)
	for r.meta[id].order > targetOrder {
		r.meta[id].order--
		buddy := r.buddy(id, r.meta[id].order)
		if buddy >= r.numPages {
			continue
		}
		r.meta[buddy].order = r.meta[id].order
		r.meta[buddy].markFree()
		r.link(buddy)
	}
}

// coalesce merges frame id with its buddy repeatedly while the buddy is
// free, has the same order, and both blocks stay inside the region.
func (r *Region) coalesce(id uint32) {
	for r.meta[id].order < mem.MaxPageOrder {
		order := r.meta[id].order
		buddy := r.buddy(id, order)
		if buddy >= r.numPages {
			break
		}
		blockSize := uint32(1) << (order + 1)
		lo := id
		if buddy < lo {
			lo = buddy
		}
		if lo+blockSize > r.numPages {
			break
		}
		if r.meta[buddy].isUsed() || r.meta[buddy].order != order {
			break
		}

		r.unlink(buddy)
		if id < buddy {
			r.meta[id].order++
		} else {
			id = buddy
			r.meta[id].order++
		}
	}
	r.link(id)
}

func (f *frameMeta) markFree() {
	f.prev, f.next = 0, 0
}

// frameAddr returns the physical frame number for the frame-relative index id.
func (r *Region) frameAddr(id uint32) Frame {
	return r.start + Frame(id)
}
