package vm

import (
	"sync"
	"unsafe"

	"menix/kernel"
	"menix/kernel/mem"
	"menix/kernel/mem/pmm"
	"menix/kernel/mem/vmm"
)

// ErrOutOfBounds is returned by a Pager when the requested page index falls
// outside the backing data it manages.
var ErrOutOfBounds = &kernel.Error{Module: "vm", Message: "page index out of bounds"}

// ErrNoMemory is returned by a Pager that cannot service a page request
// because no physical frame is available.
var ErrNoMemory = &kernel.Error{Module: "vm", Message: "out of memory while paging in a page"}

// MemoryObject resolves a relative page index within a mapping to the
// physical frame backing it. Mappings in the same AddressSpace (or in
// different ones, for shared/forked mappings) may reference the same
// MemoryObject.
type MemoryObject interface {
	// TryGetPage returns the physical frame backing pageIndex, and false if
	// the index is out of bounds for this object.
	TryGetPage(pageIndex int) (pmm.Frame, bool)
}

// Pager supplies pages on demand to a PagedMemoryObject and, for objects
// backed by something other than anonymous memory, writes them back.
type Pager interface {
	// HasPage reports whether data exists at pageIndex without allocating
	// anything.
	HasPage(pageIndex int) bool

	// TryGetPage allocates and/or fetches the physical frame for pageIndex.
	TryGetPage(pageIndex int) (pmm.Frame, *kernel.Error)

	// TryPutPage writes a page's contents back to whatever this Pager
	// fronts. A Pager with nothing to write back (anonymous memory) may
	// implement this as a no-op.
	TryPutPage(frame pmm.Frame, pageIndex int) *kernel.Error
}

// PagedMemoryObject caches physical frames resolved from a Pager so that
// repeated faults against the same page reuse the same frame.
type PagedMemoryObject struct {
	mu     sync.Mutex
	pages  map[int]pmm.Frame
	source Pager
}

// NewPagedMemoryObject creates an object backed by the given Pager, with no
// pages resolved yet.
func NewPagedMemoryObject(source Pager) *PagedMemoryObject {
	return &PagedMemoryObject{pages: make(map[int]pmm.Frame), source: source}
}

// NewAnonObject creates an object backed by freshly allocated, zeroed
// physical memory — the object used for anonymous (non-file-backed)
// mappings.
func NewAnonObject() *PagedMemoryObject {
	return NewPagedMemoryObject(physPager{})
}

// TryGetPage implements MemoryObject, resolving and caching the page via the
// underlying Pager on first access.
func (o *PagedMemoryObject) TryGetPage(pageIndex int) (pmm.Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if frame, ok := o.pages[pageIndex]; ok {
		return frame, true
	}

	frame, err := o.source.TryGetPage(pageIndex)
	if err != nil {
		return pmm.InvalidFrame, false
	}
	o.pages[pageIndex] = frame
	return frame, true
}

// Read copies up to len(buf) bytes starting at offset into buf, stopping
// early (and returning a short count) once a page this object does not have
// is reached.
func (o *PagedMemoryObject) Read(buf []byte, offset int) int {
	return transferPages(o, buf, offset, false)
}

// Write copies up to len(buf) bytes from buf into the object starting at
// offset, stopping early once a page this object does not have is reached.
func (o *PagedMemoryObject) Write(buf []byte, offset int) int {
	return transferPages(o, buf, offset, true)
}

// MakePrivate copies length bytes starting at offset out of o into a brand
// new anonymous object. It is used when a private (non-shared) mapping of a
// file-backed object is requested: the mapping gets its own copy that later
// writes never reach the original Pager.
func (o *PagedMemoryObject) MakePrivate(length mem.Size, offset int) (*PagedMemoryObject, *kernel.Error) {
	buf := make([]byte, length)
	o.Read(buf, offset)

	dst := NewAnonObject()
	dst.Write(buf, 0)
	return dst, nil
}

func transferPages(o *PagedMemoryObject, buf []byte, offset int, write bool) int {
	progress := 0
	for progress < len(buf) {
		misalign := (progress + offset) % int(mem.PageSize)
		pageIndex := (progress + offset) / int(mem.PageSize)
		copySize := int(mem.PageSize) - misalign
		if remaining := len(buf) - progress; copySize > remaining {
			copySize = remaining
		}

		frame, ok := o.TryGetPage(pageIndex)
		if !ok {
			break
		}

		pageAddr := vmm.PhysToVirt(frame.Address()) + uintptr(misalign)
		bufAddr := uintptr(unsafe.Pointer(&buf[progress]))
		if write {
			mem.Memcopy(pageAddr, bufAddr, mem.Size(copySize))
		} else {
			mem.Memcopy(bufAddr, pageAddr, mem.Size(copySize))
		}

		progress += copySize
	}
	return progress
}

// physPager is a Pager that hands out fresh, zeroed physical frames from the
// buddy allocator and never writes anything back. It backs anonymous
// mappings, where there is no device or file for pages to come from or
// return to.
type physPager struct{}

func (physPager) HasPage(_ int) bool { return true }

func (physPager) TryGetPage(_ int) (pmm.Frame, *kernel.Error) {
	frame, err := pmm.Alloc(0, mem.AllocZeroed)
	if err != nil {
		return pmm.InvalidFrame, ErrNoMemory
	}
	return frame, nil
}

func (physPager) TryPutPage(_ pmm.Frame, _ int) *kernel.Error {
	return nil
}
