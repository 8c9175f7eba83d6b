package pci

import "menix/kernel/device/mmio"

// ECAMAccess implements Access over a PCIe Enhanced Configuration Access
// Mechanism window: a flat, memory-mapped region where each function's
// 4KiB configuration space sits at a fixed offset computed from its bus,
// device, and function numbers.
type ECAMAccess struct {
	view     mmio.View
	segment  uint16
	startBus uint8
	endBus   uint8
}

// NewECAMAccess wraps the MMIO window base maps to for one PCI segment
// group spanning [startBus, endBus].
func NewECAMAccess(base uintptr, segment uint16, startBus, endBus uint8) *ECAMAccess {
	return &ECAMAccess{view: mmio.View{Base: base}, segment: segment, startBus: startBus, endBus: endBus}
}

func (e *ECAMAccess) Segment() uint16 { return e.segment }
func (e *ECAMAccess) StartBus() uint8 { return e.startBus }
func (e *ECAMAccess) EndBus() uint8   { return e.endBus }

func (e *ECAMAccess) functionOffset(addr Address) uintptr {
	bus := uintptr(addr.Bus)
	slot := uintptr(addr.Slot)
	fn := uintptr(addr.Function)
	return (bus << 20) | (slot << 15) | (fn << 12)
}

func (e *ECAMAccess) Read32(addr Address, offset uint32) uint32 {
	return mmio.Read32(e.view, e.functionOffset(addr)+uintptr(offset))
}

func (e *ECAMAccess) Write32(addr Address, offset uint32, value uint32) {
	mmio.Write32(e.view, e.functionOffset(addr)+uintptr(offset), value)
}
