package vmm

import (
	"testing"
	"unsafe"

	"menix/kernel"
	"menix/kernel/mem"
	"menix/kernel/mem/pmm"
)

func TestMapAmd64(t *testing.T) {
	defer func(flush func(uintptr)) { flushTLBEntryFn = flush }(flushTLBEntryFn)

	levels := make([]pageTableEntry, pageLevels)
	for i := 0; i < pageLevels-1; i++ {
		levels[i].SetFlags(FlagPresent | FlagRW)
	}
	restore := mockTableWalk(t, levels)
	defer restore()

	flushTLBEntryCallCount := 0
	flushTLBEntryFn = func(uintptr) { flushTLBEntryCallCount++ }

	frame := pmm.Frame(123)
	if err := Map(PageFromAddress(0), frame, FlagRW); err != nil {
		t.Fatal(err)
	}

	if !levels[pageLevels-1].HasFlags(FlagPresent | FlagRW) {
		t.Error("expected leaf entry to be present and writable")
	}
	if got := levels[pageLevels-1].Frame(); got != frame {
		t.Errorf("expected mapped frame %v; got %v", frame, got)
	}
	if exp := 1; flushTLBEntryCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushTLBEntryCallCount)
	}
}

func TestMapAllocatesMissingIntermediateLevel(t *testing.T) {
	defer func(flush func(uintptr)) { flushTLBEntryFn = flush }(flushTLBEntryFn)
	defer func(orig FrameAllocatorFn) { frameAllocator = orig }(frameAllocator)
	flushTLBEntryFn = func(uintptr) {}

	reservedTable := make([]byte, mem.PageSize)

	levels := make([]pageTableEntry, pageLevels)
	// level 0 is missing and must be allocated via frameAllocator.
	levels[1].SetFlags(FlagPresent | FlagRW)
	levels[2].SetFlags(FlagPresent | FlagRW)

	restore := mockTableWalk(t, levels)
	defer restore()

	allocCalled := false
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		allocCalled = true
		addr := uintptr(unsafe.Pointer(&reservedTable[0]))
		return pmm.Frame(addr >> mem.PageShift), nil
	}

	if err := Map(PageFromAddress(0), pmm.Frame(5), FlagRW); err != nil {
		t.Fatal(err)
	}
	if !allocCalled {
		t.Error("expected frameAllocator to be invoked for the missing intermediate level")
	}
	if !levels[0].HasFlags(FlagPresent | FlagRW) {
		t.Error("expected the missing level to be marked present after allocation")
	}
}

func TestMapRejectsRWOnReservedZeroedFrame(t *testing.T) {
	defer func() { protectReservedZeroedPage = false }()

	protectReservedZeroedPage = true
	ReservedZeroedFrame = pmm.Frame(77)

	if err := Map(PageFromAddress(0), ReservedZeroedFrame, FlagRW); err != errAttemptToRWMapReservedFrame {
		t.Fatalf("expected errAttemptToRWMapReservedFrame; got %v", err)
	}
}

func TestMapTemporaryAmd64(t *testing.T) {
	frame := pmm.Frame(123)

	page, err := MapTemporary(frame)
	if err != nil {
		t.Fatal(err)
	}

	if exp := PageFromAddress(PhysToVirt(frame.Address())); page != exp {
		t.Fatalf("expected temp mapping address %x; got %x", exp, page)
	}
}

func TestMapTemporaryRejectsReservedZeroedFrame(t *testing.T) {
	defer func() { protectReservedZeroedPage = false }()

	protectReservedZeroedPage = true
	ReservedZeroedFrame = pmm.Frame(77)

	if _, err := MapTemporary(ReservedZeroedFrame); err != errAttemptToRWMapReservedFrame {
		t.Fatalf("expected errAttemptToRWMapReservedFrame; got %v", err)
	}
}

func TestUnmapAmd64(t *testing.T) {
	defer func(flush func(uintptr)) { flushTLBEntryFn = flush }(flushTLBEntryFn)

	frame := pmm.Frame(123)
	levels := make([]pageTableEntry, pageLevels)
	for i := 0; i < pageLevels-1; i++ {
		levels[i].SetFlags(FlagPresent | FlagRW)
	}
	levels[pageLevels-1].SetFlags(FlagPresent | FlagRW)
	levels[pageLevels-1].SetFrame(frame)

	restore := mockTableWalk(t, levels)
	defer restore()

	flushTLBEntryCallCount := 0
	flushTLBEntryFn = func(uintptr) { flushTLBEntryCallCount++ }

	if err := Unmap(PageFromAddress(0)); err != nil {
		t.Fatal(err)
	}

	if levels[pageLevels-1].HasFlags(FlagPresent) {
		t.Error("expected leaf entry to no longer be present")
	}
	if got := levels[pageLevels-1].Frame(); got != frame {
		t.Errorf("expected leaf entry to still reference frame %v; got %v", frame, got)
	}
	if exp := 1; flushTLBEntryCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushTLBEntryCallCount)
	}
}

func TestUnmapErrorsAmd64(t *testing.T) {
	t.Run("huge page", func(t *testing.T) {
		levels := make([]pageTableEntry, pageLevels)
		levels[0].SetFlags(FlagPresent | FlagHugePage)

		restore := mockTableWalk(t, levels)
		defer restore()

		if err := Unmap(PageFromAddress(0)); err != errNoHugePageSupport {
			t.Fatalf("expected errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("virtual address not mapped", func(t *testing.T) {
		levels := make([]pageTableEntry, pageLevels)

		restore := mockTableWalk(t, levels)
		defer restore()

		if err := Unmap(PageFromAddress(0)); err != ErrInvalidMapping {
			t.Fatalf("expected ErrInvalidMapping; got %v", err)
		}
	})
}

func TestEarlyReserveRegion(t *testing.T) {
	defer func(orig uintptr) { earlyReserveLastUsed = orig }(earlyReserveLastUsed)
	earlyReserveLastUsed = kernelMmapBase

	addr1, err := EarlyReserveRegion(mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if exp := kernelMmapBase - uintptr(mem.PageSize); addr1 != uintptr(exp) {
		t.Fatalf("expected first reservation at %x; got %x", exp, addr1)
	}

	addr2, err := EarlyReserveRegion(mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 >= addr1 {
		t.Fatalf("expected second reservation %x to be lower than first %x", addr2, addr1)
	}
}

func TestEarlyReserveRegionOutOfSpace(t *testing.T) {
	defer func(orig uintptr) { earlyReserveLastUsed = orig }(earlyReserveLastUsed)
	earlyReserveLastUsed = uintptr(mem.PageSize) - 1

	if _, err := EarlyReserveRegion(2 * mem.PageSize); err != errEarlyReserveNoSpace {
		t.Fatalf("expected errEarlyReserveNoSpace; got %v", err)
	}
}

func TestMapRegion(t *testing.T) {
	defer func(orig func(Page, pmm.Frame, PageTableEntryFlag) *kernel.Error) { mapFn = orig }(mapFn)
	defer func(orig func(mem.Size) (uintptr, *kernel.Error)) { earlyReserveRegionFn = orig }(earlyReserveRegionFn)

	const reservedAt uintptr = 0xffff900000010000

	earlyReserveRegionFn = func(size mem.Size) (uintptr, *kernel.Error) {
		if exp := mem.Size(2 * mem.PageSize); size != exp {
			t.Errorf("expected reservation size %d; got %d", exp, size)
		}
		return reservedAt, nil
	}

	var mappedPages []Page
	var mappedFrames []pmm.Frame
	mapFn = func(page Page, frame pmm.Frame, _ PageTableEntryFlag) *kernel.Error {
		mappedPages = append(mappedPages, page)
		mappedFrames = append(mappedFrames, frame)
		return nil
	}

	startFrame := pmm.Frame(10)
	page, err := MapRegion(startFrame, mem.PageSize+1, FlagRW)
	if err != nil {
		t.Fatal(err)
	}
	if exp := PageFromAddress(reservedAt); page != exp {
		t.Fatalf("expected returned page %v; got %v", exp, page)
	}
	if exp := 2; len(mappedPages) != exp {
		t.Fatalf("expected %d pages to be mapped; got %d", exp, len(mappedPages))
	}
	if mappedFrames[0] != startFrame || mappedFrames[1] != startFrame+1 {
		t.Fatalf("expected contiguous frames starting at %v; got %v", startFrame, mappedFrames)
	}
}
