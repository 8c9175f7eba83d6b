package irq

import "sync/atomic"

// ioapicReg identifies an IO-APIC indirect register, accessed through the
// IOREGSEL/IOWIN MMIO pair.
type ioapicReg uint32

const (
	ioapicRegID      ioapicReg = 0x00
	ioapicRegVersion ioapicReg = 0x01
	ioapicRegRedTbl0 ioapicReg = 0x10
)

// IOApic owns a contiguous range of global system interrupts starting at
// gsiBase and exposes one IOApicLine Controller per redirection table
// entry.
type IOApic struct {
	id      uint8
	gsiBase uint32
	mmio    uintptr
}

// NewIOApic wraps the IO-APIC whose MMIO window starts at mmio and whose
// redirection entries begin at gsiBase, as reported by the ACPI MADT.
func NewIOApic(id uint8, gsiBase uint32, mmio uintptr) *IOApic {
	return &IOApic{id: id, gsiBase: gsiBase, mmio: mmio}
}

// NumLines returns how many redirection table entries this IO-APIC has.
func (a *IOApic) NumLines() uint32 {
	return ((a.readReg(ioapicRegVersion) >> 16) & 0xFF) + 1
}

// Line returns the Controller for the line at gsi, where gsi is in
// [a.gsiBase, a.gsiBase+a.NumLines()).
func (a *IOApic) Line(gsi uint32, vector Vector) *IOApicLine {
	return &IOApicLine{ioapic: a, index: gsi - a.gsiBase, vector: vector}
}

func (a *IOApic) readReg(reg ioapicReg) uint32 {
	ioapicWriteIndex(a.mmio, uint32(reg))
	return ioapicReadData(a.mmio)
}

func (a *IOApic) writeReg(reg ioapicReg, v uint32) {
	ioapicWriteIndex(a.mmio, uint32(reg))
	ioapicWriteData(a.mmio, v)
}

// IOApicLine is the Controller for a single IO-APIC redirection table
// entry. It implements irq.Controller so device drivers configure it the
// same way they would an MSI line.
type IOApicLine struct {
	ioapic         *IOApic
	index          uint32
	vector         Vector
	levelTriggered atomic.Bool
	activeLow      atomic.Bool
}

func (l *IOApicLine) entryReg() ioapicReg {
	return ioapicRegRedTbl0 + ioapicReg(l.index*2)
}

// SetConfig programs the redirection entry's trigger mode and polarity and
// reports that IO-APIC lines always require an explicit EOI and support
// masking.
func (l *IOApicLine) SetConfig(trigger TriggerMode, polarity Polarity) Mode {
	l.levelTriggered.Store(trigger == Level)
	l.activeLow.Store(polarity == Low)
	return EndOfInterrupt | Maskable
}

func (l *IOApicLine) entryBits(masked bool) uint32 {
	bits := uint32(l.vector)
	if l.levelTriggered.Load() {
		bits |= 1 << 15
	}
	if l.activeLow.Load() {
		bits |= 1 << 13
	}
	if masked {
		bits |= 1 << 16
	}
	return bits
}

// Mask disables delivery on this line.
func (l *IOApicLine) Mask() {
	l.ioapic.writeReg(l.entryReg(), l.entryBits(true))
}

// Unmask re-enables delivery on this line.
func (l *IOApicLine) Unmask() {
	l.ioapic.writeReg(l.entryReg(), l.entryBits(false))
}

// EndOfInterrupt signals completion to the local APIC of the CPU that
// serviced this line.
func (l *IOApicLine) EndOfInterrupt() {
	CurrentLocalApic().EOI()
}

// ioapicWriteIndex selects the indirect register subsequent reads/writes
// through ioapicReadData/ioapicWriteData target.
func ioapicWriteIndex(mmio uintptr, reg uint32)

// ioapicReadData reads the data window for the previously selected
// indirect register.
func ioapicReadData(mmio uintptr) uint32

// ioapicWriteData writes the data window for the previously selected
// indirect register.
func ioapicWriteData(mmio uintptr, value uint32)

// CurrentLocalApic returns the LocalApic belonging to the CPU executing
// the call.
func CurrentLocalApic() *LocalApic
