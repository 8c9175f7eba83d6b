package vm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"menix/kernel"
	"menix/kernel/mem"
	"menix/kernel/mem/pmm"
)

// addTestRegion registers enough real, page-aligned host memory with the
// buddy allocator for physPager's frames to be safely dereferenced through
// the identity HHDM mapping (hhdmOffset defaults to 0 outside of a real
// boot) that applies during these tests.
func addTestRegion(t *testing.T, pages int) {
	t.Helper()
	raw := make([]byte, int(mem.PageSize)*(pages+1))
	addr := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (addr + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	pmm.AddRegion(pmm.Frame(aligned>>mem.PageShift), uint32(pages))
}

type fakePager struct {
	pages map[int][]byte
	puts  map[int][]byte
}

func newFakePager() *fakePager {
	return &fakePager{pages: make(map[int][]byte), puts: make(map[int][]byte)}
}

func (p *fakePager) HasPage(pageIndex int) bool {
	_, ok := p.pages[pageIndex]
	return ok
}

func (p *fakePager) TryGetPage(pageIndex int) (pmm.Frame, *kernel.Error) {
	if !p.HasPage(pageIndex) {
		return pmm.InvalidFrame, ErrOutOfBounds
	}
	return pmm.Frame(pageIndex + 1), nil
}

func (p *fakePager) TryPutPage(frame pmm.Frame, pageIndex int) *kernel.Error {
	p.puts[pageIndex] = []byte{byte(frame)}
	return nil
}

func TestPagedMemoryObjectCachesResolvedPages(t *testing.T) {
	pager := newFakePager()
	pager.pages[0] = []byte{1}

	obj := NewPagedMemoryObject(pager)

	frame, ok := obj.TryGetPage(0)
	require.True(t, ok)
	require.Equal(t, pmm.Frame(1), frame)

	// remove the backing page; a cached lookup must still succeed without
	// consulting the pager again.
	delete(pager.pages, 0)

	frame, ok = obj.TryGetPage(0)
	require.True(t, ok)
	require.Equal(t, pmm.Frame(1), frame)
}

func TestPagedMemoryObjectMissingPage(t *testing.T) {
	obj := NewPagedMemoryObject(newFakePager())

	_, ok := obj.TryGetPage(3)
	require.False(t, ok)
}

func TestAnonObjectAllocatesDistinctPages(t *testing.T) {
	addTestRegion(t, 4)
	obj := NewAnonObject()

	f0, ok := obj.TryGetPage(0)
	require.True(t, ok)

	f1, ok := obj.TryGetPage(1)
	require.True(t, ok)
	require.NotEqual(t, f0, f1)

	// repeated access to the same index returns the same frame.
	again, ok := obj.TryGetPage(0)
	require.True(t, ok)
	require.Equal(t, f0, again)
}

func TestAnonObjectReadWriteRoundTrip(t *testing.T) {
	addTestRegion(t, 4)
	obj := NewAnonObject()

	payload := make([]byte, int(mem.PageSize)+16)
	for i := range payload {
		payload[i] = byte(i)
	}

	n := obj.Write(payload, 4)
	require.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n = obj.Read(out, 4)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}
