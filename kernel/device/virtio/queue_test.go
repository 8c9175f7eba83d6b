package virtio

import (
	"testing"
	"unsafe"

	"menix/kernel/device/mmio"

	"github.com/stretchr/testify/require"
)

func hostQueueView(size int) mmio.View {
	buf := make([]byte, size)
	return mmio.View{Base: uintptr(unsafe.Pointer(&buf[0]))}
}

func newTestQueue(size uint16) *Queue {
	return NewQueue(size, hostQueueView(int(size)*descEntrySize), hostQueueView(4096), hostQueueView(4096))
}

func TestAddBufferRejectsEmptyChain(t *testing.T) {
	q := newTestQueue(8)
	_, err := q.AddBuffer(nil)
	require.Equal(t, ErrEmptyChain, err)
}

func TestAddBufferChainsDescriptorsAndPublishesAvail(t *testing.T) {
	q := newTestQueue(8)

	head, err := q.AddBuffer([]Buffer{
		{Phys: 0x1000, Len: 64, DeviceWritable: false},
		{Phys: 0x2000, Len: 128, DeviceWritable: true},
	})
	require.Nil(t, err)
	require.Equal(t, uint16(0), head)

	// First descriptor chains to the second and is not device-writable.
	require.Equal(t, uint64(0x1000), mmio.Read64(q.desc, 0*descEntrySize+descAddr))
	require.Equal(t, uint32(64), mmio.Read32(q.desc, 0*descEntrySize+descLen))
	require.Equal(t, DescFNext, mmio.Read16(q.desc, 0*descEntrySize+descFlags))
	require.Equal(t, uint16(1), mmio.Read16(q.desc, 0*descEntrySize+descNext))

	// Second descriptor ends the chain and is device-writable.
	require.Equal(t, uint64(0x2000), mmio.Read64(q.desc, 1*descEntrySize+descAddr))
	require.Equal(t, DescFWrite, mmio.Read16(q.desc, 1*descEntrySize+descFlags))

	require.Equal(t, uint16(1), mmio.Read16(q.avail, availIdx))
	require.Equal(t, head, mmio.Read16(q.avail, availRingStart))
}

func TestAddBufferWrapsDescriptorIndexAroundQueueSize(t *testing.T) {
	q := newTestQueue(2)

	_, err := q.AddBuffer([]Buffer{{Phys: 0x1000, Len: 8}})
	require.Nil(t, err)
	_, err = q.AddBuffer([]Buffer{{Phys: 0x2000, Len: 8}})
	require.Nil(t, err)

	head, err := q.AddBuffer([]Buffer{{Phys: 0x3000, Len: 8}})
	require.Nil(t, err)
	require.Equal(t, uint16(0), head) // wrapped back to slot 0
}

func TestHasUsedAndGetUsedDrainRing(t *testing.T) {
	q := newTestQueue(8)
	require.False(t, q.HasUsed())

	// Simulate the device completing descriptor 3 with 128 bytes written.
	mmio.Write32(q.used, usedRingStart+0*usedElemSize+usedElemID, 3)
	mmio.Write32(q.used, usedRingStart+0*usedElemSize+usedElemLen, 128)
	mmio.Write16(q.used, usedIdx, 1)

	require.True(t, q.HasUsed())
	id, length, ok := q.GetUsed()
	require.True(t, ok)
	require.Equal(t, uint32(3), id)
	require.Equal(t, uint32(128), length)

	require.False(t, q.HasUsed())
	_, _, ok = q.GetUsed()
	require.False(t, ok)
}
