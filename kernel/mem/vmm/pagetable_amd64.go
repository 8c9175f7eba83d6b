package vmm

import (
	"menix/kernel"
	"menix/kernel/mem"
	"menix/kernel/mem/pmm"
)

// kernelMmapBase is the next free virtual address MapMemory will hand out.
// It only ever grows: there is no free list, matching the upstream
// design's own acknowledgment that this needs a real virtual address
// allocator eventually.
var kernelMmapBase uintptr = 0xffff900000000000

// PageTable describes one virtual address space's root paging structure.
// Every physical frame, whether it belongs to this table's own paging
// levels or to a mapped page, is reached through the HHDM, so a PageTable
// need not be active to be inspected or modified.
type PageTable struct {
	head   pmm.Frame
	isUser bool
}

// NewPageTable wraps an already-allocated, zeroed root frame as a
// PageTable. Callers creating a user table are expected to have copied
// the kernel's higher-half entries into head before calling this.
func NewPageTable(head pmm.Frame, isUser bool) *PageTable {
	return &PageTable{head: head, isUser: isUser}
}

// NewUserPageTable allocates a fresh root frame for a user address space
// and copies the active kernel table's higher-half entries into it, so
// every user table shares the same view of kernel memory.
func NewUserPageTable(allocFn FrameAllocatorFn) (*PageTable, *kernel.Error) {
	head, err := allocFn()
	if err != nil {
		return nil, err
	}

	dst := PhysToVirt(head.Address())
	mem.Memset(dst, 0, mem.PageSize)
	half := uintptr(mem.PageSize / 2)
	mem.Memcopy(dst+half, rootTableAddrFn()+half, mem.PageSize/2)

	return &PageTable{head: head, isUser: true}, nil
}

// GetHeadAddr returns the physical address of this table's root frame.
func (pt *PageTable) GetHeadAddr() uintptr {
	return pt.head.Address()
}

// SetActive installs this table as the CPU's active page table.
func (pt *PageTable) SetActive() {
	switchPDTFn(pt.head.Address())
}

// walk performs a page table walk against this table specifically,
// regardless of whether it is the currently active one.
func (pt *PageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	orig := rootTableAddrFn
	rootTableAddrFn = func() uintptr { return PhysToVirt(pt.head.Address()) }
	defer func() { rootTableAddrFn = orig }()

	walk(virtAddr, walkFn)
}

// GetPTE returns the final-level page table entry for virtAddr in this
// table, allocating any missing intermediate tables via allocFn when
// allocate is true.
func (pt *PageTable) GetPTE(virtAddr uintptr, allocate bool, allocFn FrameAllocatorFn) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	pt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			if !allocate {
				err = ErrInvalidMapping
				return false
			}

			var newTableFrame pmm.Frame
			newTableFrame, err = allocFn()
			if err != nil {
				return false
			}

			flags := FlagPresent | FlagRW
			if pt.isUser {
				flags |= FlagUserAccessible
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(flags)
			mem.Memset(PhysToVirt(newTableFrame.Address()), 0, mem.PageSize)
		}

		return true
	})

	return entry, err
}

// MapSingle establishes a new mapping in this table. It does not overwrite
// an already-present mapping; use RemapSingle for that.
func (pt *PageTable) MapSingle(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	pte, err := pt.GetPTE(virtAddr, true, allocFn)
	if err != nil {
		return err
	}
	if pte.HasFlags(FlagPresent) {
		return ErrAlreadyMapped
	}

	userFlags := flags
	if pt.isUser {
		userFlags |= FlagUserAccessible
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | userFlags)
	flushTLBEntryFn(virtAddr)
	return nil
}

// RemapSingle overwrites an existing mapping's frame and flags.
func (pt *PageTable) RemapSingle(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pte, err := pt.GetPTE(virtAddr, false, nil)
	if err != nil {
		return err
	}
	if !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	userFlags := flags
	if pt.isUser {
		userFlags |= FlagUserAccessible
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | userFlags)
	flushTLBEntryFn(virtAddr)
	return nil
}

// UnmapSingle removes a single mapping from this table.
func (pt *PageTable) UnmapSingle(virtAddr uintptr) *kernel.Error {
	pte, err := pt.GetPTE(virtAddr, false, nil)
	if err != nil {
		return err
	}
	pte.ClearFlags(FlagPresent)
	flushTLBEntryFn(virtAddr)
	return nil
}

// MapRange maps numPages consecutive pages starting at virtAddr to
// numPages consecutive frames starting at frame.
func (pt *PageTable) MapRange(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag, numPages uint32, allocFn FrameAllocatorFn) *kernel.Error {
	for i := uint32(0); i < numPages; i++ {
		addr := virtAddr + uintptr(i)*uintptr(mem.PageSize)
		f := frame + pmm.Frame(i)
		if err := pt.MapSingle(addr, f, flags, allocFn); err != nil {
			return err
		}
	}
	return nil
}

// RemapRange overwrites numPages consecutive existing mappings.
func (pt *PageTable) RemapRange(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag, numPages uint32) *kernel.Error {
	for i := uint32(0); i < numPages; i++ {
		addr := virtAddr + uintptr(i)*uintptr(mem.PageSize)
		f := frame + pmm.Frame(i)
		if err := pt.RemapSingle(addr, f, flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapRange removes numPages consecutive mappings starting at virtAddr.
func (pt *PageTable) UnmapRange(virtAddr uintptr, numPages uint32) *kernel.Error {
	for i := uint32(0); i < numPages; i++ {
		addr := virtAddr + uintptr(i)*uintptr(mem.PageSize)
		if err := pt.UnmapSingle(addr); err != nil {
			return err
		}
	}
	return nil
}

// IsMapped returns true if virtAddr currently resolves to a present page
// table entry in this table.
func (pt *PageTable) IsMapped(virtAddr uintptr) bool {
	pte, err := pt.GetPTE(virtAddr, false, nil)
	return err == nil && pte.HasFlags(FlagPresent)
}

// MapMemory maps a physical range into a fresh area of kernel virtual
// address space and returns the virtual address it was mapped at. The
// kernel mmap region only ever grows; see kernelMmapBase.
func (pt *PageTable) MapMemory(physAddr uintptr, length mem.Size, flags PageTableEntryFlag, allocFn FrameAllocatorFn) (uintptr, *kernel.Error) {
	numPages := length.Pages()
	virtAddr := kernelMmapBase
	kernelMmapBase += uintptr(numPages) * uintptr(mem.PageSize)

	frame := pmm.Frame(physAddr >> mem.PageShift)
	if err := pt.MapRange(virtAddr, frame, flags, numPages, allocFn); err != nil {
		return 0, err
	}

	return virtAddr + (physAddr & uintptr(mem.PageSize-1)), nil
}
