package virtio

import (
	"menix/kernel"
	"menix/kernel/cpu"
	"menix/kernel/device/mmio"
)

// Descriptor flags (VirtIO spec §2.7.5).
const (
	DescFNext  uint16 = 1
	DescFWrite uint16 = 2
)

const (
	descEntrySize = 16
	descAddr      = 0x00
	descLen       = 0x08
	descFlags     = 0x0C
	descNext      = 0x0E

	availFlags     = 0x00
	availIdx       = 0x02
	availRingStart = 4

	usedFlags     = 0x00
	usedIdx       = 0x02
	usedRingStart = 4
	usedElemSize  = 8
	usedElemID    = 0x00
	usedElemLen   = 0x04
)

var ErrEmptyChain = &kernel.Error{Module: "virtio", Message: "buffer chain must have at least one segment"}

// Buffer is one segment of a descriptor chain handed to a virtqueue:
// a physical address, a length, and whether the device may write to it.
type Buffer struct {
	Phys           uintptr
	Len            uint32
	DeviceWritable bool
}

// Queue is a VirtIO split virtqueue: three separately allocated, physically
// contiguous regions (descriptor table, available ring, used ring) the
// driver and device communicate through without ever taking a lock against
// each other — ordering is enforced purely with the SeqCst fence before the
// available index update, matching the VirtIO spec's memory model.
type Queue struct {
	desc, avail, used mmio.View
	size              uint16
	nextDesc          uint16
	lastUsedIdx       uint16
}

// NewQueue wraps three already-allocated, zeroed regions as a virtqueue of
// the given size. The caller is responsible for their physical contiguity
// and alignment per the VirtIO spec.
func NewQueue(size uint16, desc, avail, used mmio.View) *Queue {
	return &Queue{desc: desc, avail: avail, used: used, size: size}
}

func (q *Queue) Size() uint16 { return q.size }

func (q *Queue) setDesc(index uint16, addr uint64, length uint32, flags, next uint16) {
	base := uintptr(index) * descEntrySize
	mmio.Write64(q.desc, base+descAddr, addr)
	mmio.Write32(q.desc, base+descLen, length)
	mmio.Write16(q.desc, base+descFlags, flags)
	mmio.Write16(q.desc, base+descNext, next)
}

// AddBuffer chains buffers into the descriptor table and publishes the
// chain head on the available ring, returning the head descriptor index.
func (q *Queue) AddBuffer(buffers []Buffer) (uint16, *kernel.Error) {
	if len(buffers) == 0 {
		return 0, ErrEmptyChain
	}

	head := q.nextDesc
	for i, buf := range buffers {
		idx := (q.nextDesc + uint16(i)) % q.size

		flags := uint16(0)
		if buf.DeviceWritable {
			flags |= DescFWrite
		}
		next := uint16(0)
		if i+1 < len(buffers) {
			flags |= DescFNext
			next = (idx + 1) % q.size
		}

		q.setDesc(idx, uint64(buf.Phys), buf.Len, flags, next)
	}
	q.nextDesc = (q.nextDesc + uint16(len(buffers))) % q.size

	availIdxVal := mmio.Read16(q.avail, availIdx)
	ringOffset := uintptr(availRingStart) + uintptr(availIdxVal%q.size)*2
	mmio.Write16(q.avail, ringOffset, head)

	// The device must observe the descriptor writes above before it can
	// see the incremented index.
	cpu.Fence()

	mmio.Write16(q.avail, availIdx, availIdxVal+1)
	return head, nil
}

// HasUsed reports whether the device has completed a buffer chain the
// driver has not yet consumed.
func (q *Queue) HasUsed() bool {
	return mmio.Read16(q.used, usedIdx) != q.lastUsedIdx
}

// GetUsed returns the next completed chain's head descriptor index and the
// number of bytes the device wrote, or false if none is available.
func (q *Queue) GetUsed() (id uint32, length uint32, ok bool) {
	if !q.HasUsed() {
		return 0, 0, false
	}
	ring := q.lastUsedIdx % q.size
	base := uintptr(usedRingStart) + uintptr(ring)*usedElemSize
	id = mmio.Read32(q.used, base+usedElemID)
	length = mmio.Read32(q.used, base+usedElemLen)
	q.lastUsedIdx++
	return id, length, true
}
