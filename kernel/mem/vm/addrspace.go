package vm

import (
	"sync"

	"menix/kernel"
	"menix/kernel/mem"
	"menix/kernel/mem/pmm"
	"menix/kernel/mem/vmm"
)

// ErrInvalidArgument is returned when an address or length argument does not
// satisfy the alignment or overflow constraints of the operation.
var ErrInvalidArgument = &kernel.Error{Module: "vm", Message: "invalid address or length argument"}

// ErrSegFault is returned by HandleFault when the faulting address falls
// outside every mapping, or the access violates the mapping's permissions.
var ErrSegFault = &kernel.Error{Module: "vm", Message: "segmentation fault"}

// MappedObject records one contiguous run of virtual pages backed by a
// MemoryObject, starting at offsetPage pages into that object.
type MappedObject struct {
	startPage  int
	endPage    int
	offsetPage int
	object     MemoryObject
	flags      Flags
}

// AddressSpace is a process's view of virtual memory: a page table plus the
// set of MemoryObjects mapped into it. Mappings never overlap — MapObject
// trims or splits whatever they shadow before installing themselves.
type AddressSpace struct {
	mu       sync.Mutex
	table    *vmm.PageTable
	allocFn  vmm.FrameAllocatorFn
	mappings []*MappedObject
}

// NewAddressSpace creates an empty address space backed by a fresh user page
// table that shares the active kernel table's higher half.
func NewAddressSpace(allocFn vmm.FrameAllocatorFn) (*AddressSpace, *kernel.Error) {
	table, err := vmm.NewUserPageTable(allocFn)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{table: table, allocFn: allocFn}, nil
}

// Table returns the page table backing this address space, for installing
// it as the active table on a context switch.
func (as *AddressSpace) Table() *vmm.PageTable {
	return as.table
}

func pageOf(addr uintptr) int {
	return int(addr / uintptr(mem.PageSize))
}

func pageAddr(page int) uintptr {
	return uintptr(page) * uintptr(mem.PageSize)
}

// MapObject maps length bytes of object, starting at page offsetPages into
// it, at addr with the given protection. Any existing mapping overlapping
// the new range is trimmed or split to make room.
func (as *AddressSpace) MapObject(object MemoryObject, addr uintptr, length mem.Size, prot Flags, offsetPages int) *kernel.Error {
	if length == 0 || addr%uintptr(mem.PageSize) != 0 {
		return ErrInvalidArgument
	}

	startPage := pageOf(addr)
	endPage := startPage + int(length.Pages())

	as.mu.Lock()
	defer as.mu.Unlock()

	for _, m := range as.takeOverlapping(startPage, endPage) {
		as.shadow(m, startPage, endPage, func(p int) {
			_ = as.table.UnmapSingle(pageAddr(p))
		})
	}

	as.insertMapping(&MappedObject{
		startPage:  startPage,
		endPage:    endPage,
		offsetPage: offsetPages,
		object:     object,
		flags:      prot,
	})
	return nil
}

// Protect changes the protection flags over [addr, addr+length). Mappings
// are split the same way MapObject splits them; pages already resident are
// remapped in place, and pages not yet faulted in simply inherit the new
// flags for when they are.
func (as *AddressSpace) Protect(addr uintptr, length mem.Size, prot Flags) *kernel.Error {
	if length == 0 || addr%uintptr(mem.PageSize) != 0 {
		return ErrInvalidArgument
	}

	startPage := pageOf(addr)
	endPage := startPage + int(length.Pages())

	as.mu.Lock()
	defer as.mu.Unlock()

	for _, m := range as.takeOverlapping(startPage, endPage) {
		as.shadow(m, startPage, endPage, func(p int) {
			addr := pageAddr(p)
			if pte, perr := as.table.GetPTE(addr, false, nil); perr == nil && pte.HasFlags(vmm.FlagPresent) {
				_ = as.table.RemapSingle(addr, pte.Frame(), prot.pte())
			}
		})

		lo, hi := max(startPage, m.startPage), min(endPage, m.endPage)
		as.insertMapping(&MappedObject{startPage: lo, endPage: hi, offsetPage: m.offsetPage + (lo - m.startPage), object: m.object, flags: prot})
	}
	return nil
}

// Unmap removes every mapping over [addr, addr+length), unmapping any
// resident pages in that range and trimming the mappings it overlaps.
func (as *AddressSpace) Unmap(addr uintptr, length mem.Size) *kernel.Error {
	if length == 0 || addr%uintptr(mem.PageSize) != 0 {
		return ErrInvalidArgument
	}

	startPage := pageOf(addr)
	endPage := startPage + int(length.Pages())

	as.mu.Lock()
	defer as.mu.Unlock()

	for _, m := range as.takeOverlapping(startPage, endPage) {
		as.shadow(m, startPage, endPage, func(p int) {
			_ = as.table.UnmapSingle(pageAddr(p))
		})
	}
	return nil
}

// shadow removes mapping m from as.mappings, invokes unmapRange over the
// pages m shares with [startPage, endPage), and re-inserts whatever part of
// m falls outside that range so the mapping it belonged to is preserved.
func (as *AddressSpace) shadow(m *MappedObject, startPage, endPage int, unmapRange func(page int)) {
	lo, hi := max(startPage, m.startPage), min(endPage, m.endPage)
	for p := lo; p < hi; p++ {
		unmapRange(p)
	}

	headPages := 0
	if startPage > m.startPage {
		headPages = startPage - m.startPage
	}
	tailPages := 0
	if endPage < m.endPage {
		tailPages = m.endPage - endPage
	}

	if headPages > 0 {
		as.insertMapping(&MappedObject{
			startPage:  m.startPage,
			endPage:    m.startPage + headPages,
			offsetPage: m.offsetPage,
			object:     m.object,
			flags:      m.flags,
		})
	}
	if tailPages > 0 {
		as.insertMapping(&MappedObject{
			startPage:  m.endPage - tailPages,
			endPage:    m.endPage,
			offsetPage: m.offsetPage + headPages + (endPage - startPage),
			object:     m.object,
			flags:      m.flags,
		})
	}
}

// IsMapped reports whether every page in [addr, addr+length) belongs to some
// mapping, with no gaps between them.
func (as *AddressSpace) IsMapped(addr uintptr, length mem.Size) bool {
	startPage := pageOf(addr)
	endPage := startPage + int(length.Pages())

	as.mu.Lock()
	defer as.mu.Unlock()

	next := startPage
	for _, m := range as.mappings {
		if startPage >= m.endPage || m.startPage >= endPage {
			continue
		}
		if m.startPage > next {
			return false
		}
		next = m.endPage
	}
	return next > startPage && next >= endPage
}

// Clear drops every mapping without unmapping the underlying page table —
// callers tearing down an AddressSpace entirely should free its page table
// separately.
func (as *AddressSpace) Clear() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.mappings = nil
}

// Fork creates a new address space that inherits every mapping of as.
// Shared mappings are handed to the child as-is; private ones become
// copy-on-write in both address spaces, and any of their pages already
// resident in as are remapped read-only so the next write to either side
// faults and duplicates the page.
func (as *AddressSpace) Fork() (*AddressSpace, *kernel.Error) {
	child, err := NewAddressSpace(as.allocFn)
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for _, m := range as.mappings {
		if m.flags.Has(Shared) {
			child.insertMapping(&MappedObject{startPage: m.startPage, endPage: m.endPage, offsetPage: m.offsetPage, object: m.object, flags: m.flags})
			continue
		}

		m.flags |= CopyOnWrite
		child.insertMapping(&MappedObject{startPage: m.startPage, endPage: m.endPage, offsetPage: m.offsetPage, object: m.object, flags: m.flags})

		for p := m.startPage; p < m.endPage; p++ {
			addr := pageAddr(p)
			if as.table.IsMapped(addr) {
				pte, perr := as.table.GetPTE(addr, false, nil)
				if perr != nil {
					continue
				}
				_ = as.table.RemapSingle(addr, pte.Frame(), (m.flags &^ Write).pte())
			}
		}
	}

	return child, nil
}

// HandleFault resolves a page fault at faultAddr. write indicates whether
// the faulting access was a store. It installs a page table entry for the
// fault and returns nil on success, or ErrSegFault if the address is
// unmapped or the access violates the mapping's protection.
func (as *AddressSpace) HandleFault(faultAddr uintptr, write bool) *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	faultPage := pageOf(faultAddr)
	m := as.findMapping(faultPage)
	if m == nil {
		return ErrSegFault
	}
	if write && !m.flags.Has(Write) {
		return ErrSegFault
	}

	pageIndex := m.offsetPage + (faultPage - m.startPage)
	frame, ok := m.object.TryGetPage(pageIndex)
	if !ok {
		return ErrNoMemory
	}

	resolved := m.flags
	if write && m.flags.Has(CopyOnWrite) {
		newFrame, aerr := pmm.Alloc(0, mem.AllocDefault)
		if aerr != nil {
			return ErrNoMemory
		}
		mem.Memcopy(vmm.PhysToVirt(newFrame.Address()), vmm.PhysToVirt(frame.Address()), mem.PageSize)
		frame = newFrame
		resolved = m.flags &^ CopyOnWrite
	}

	addr := pageAddr(faultPage)
	if as.table.IsMapped(addr) {
		return as.table.RemapSingle(addr, frame, resolved.pte())
	}
	return as.table.MapSingle(addr, frame, resolved.pte(), as.allocFn)
}

// takeOverlapping removes and returns every mapping overlapping
// [startPage, endPage) from as.mappings. Callers hold as.mu.
func (as *AddressSpace) takeOverlapping(startPage, endPage int) []*MappedObject {
	var overlap []*MappedObject
	kept := as.mappings[:0]
	for _, m := range as.mappings {
		if startPage < m.endPage && m.startPage < endPage {
			overlap = append(overlap, m)
		} else {
			kept = append(kept, m)
		}
	}
	as.mappings = kept
	return overlap
}

// findMapping returns the mapping containing page, or nil. Callers hold
// as.mu.
func (as *AddressSpace) findMapping(page int) *MappedObject {
	for _, m := range as.mappings {
		if page >= m.startPage && page < m.endPage {
			return m
		}
	}
	return nil
}

// insertMapping keeps as.mappings sorted by startPage. Callers hold as.mu.
func (as *AddressSpace) insertMapping(m *MappedObject) {
	i := 0
	for i < len(as.mappings) && as.mappings[i].startPage < m.startPage {
		i++
	}
	as.mappings = append(as.mappings, nil)
	copy(as.mappings[i+1:], as.mappings[i:])
	as.mappings[i] = m
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
