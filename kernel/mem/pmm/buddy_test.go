package pmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"menix/kernel/mem"
)

func resetRegions() {
	regions = nil
}

func TestAllocFreeRoundTrip(t *testing.T) {
	resetRegions()
	defer resetRegions()

	AddRegion(Frame(0), 64)

	frame, err := Alloc(mem.PageOrder(0), mem.AllocDefault)
	require.Nil(t, err)
	require.True(t, frame.IsValid())
	require.EqualValues(t, 63, TotalFree())

	Free(frame, mem.PageOrder(0))
	require.EqualValues(t, 64, TotalFree())
}

func TestAllocExhaustsRegion(t *testing.T) {
	resetRegions()
	defer resetRegions()

	AddRegion(Frame(0), 4)

	var allocated []Frame
	for i := 0; i < 4; i++ {
		frame, err := Alloc(mem.PageOrder(0), mem.AllocDefault)
		require.Nil(t, err)
		allocated = append(allocated, frame)
	}

	_, err := Alloc(mem.PageOrder(0), mem.AllocDefault)
	require.Equal(t, ErrOutOfMemory, err)

	for _, frame := range allocated {
		Free(frame, mem.PageOrder(0))
	}
	require.EqualValues(t, 4, TotalFree())
}

func TestAllocHonorsSearchLimit(t *testing.T) {
	resetRegions()
	defer resetRegions()

	// region starting exactly at the 1MiB Kernel20 search limit
	AddRegion(Frame(uint64(1<<20)>>mem.PageShift), 4)

	_, err := Alloc(mem.PageOrder(0), mem.AllocKernel20)
	require.Equal(t, ErrOutOfMemory, err)

	frame, err := Alloc(mem.PageOrder(0), mem.AllocDefault)
	require.Nil(t, err)
	require.True(t, frame.IsValid())
}

func TestAllocRejectsOrderAboveMax(t *testing.T) {
	resetRegions()
	defer resetRegions()

	AddRegion(Frame(0), 4)

	_, err := Alloc(mem.MaxPageOrder+1, mem.AllocDefault)
	require.Equal(t, ErrOutOfMemory, err)
}
