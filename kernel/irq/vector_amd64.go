package irq

import "menix/kernel"

var errNoFreeVectors = &kernel.Error{Module: "irq", Message: "no free IDT vectors available"}

// vectorInUse tracks which IDT slots in [FirstFreeVector, LastFreeVector]
// have been handed out by AllocVector.
var vectorInUse [256]bool

// AllocVector reserves the next unused IDT vector outside the CPU-exception
// range and returns it. Callers use the reserved vector as the argument to
// Controller.SetConfig when wiring up a device IRQ line or MSI message.
func AllocVector() (Vector, error) {
	for v := FirstFreeVector; v <= LastFreeVector; v++ {
		if !vectorInUse[v] {
			vectorInUse[v] = true
			return v, nil
		}
	}
	return 0, errNoFreeVectors
}

// FreeVector releases a vector previously reserved with AllocVector.
func FreeVector(v Vector) {
	vectorInUse[v] = false
}

// TriggerMode describes how a device signals an IRQ line.
type TriggerMode uint8

const (
	// Edge means the line transitions and the controller latches a
	// single interrupt per transition.
	Edge TriggerMode = iota
	// Level means the line stays asserted until the device is serviced;
	// the controller must keep re-raising until it is masked or cleared.
	Level
)

// Polarity describes whether a line is active-high or active-low.
type Polarity uint8

const (
	High Polarity = iota
	Low
)

// Mode is a bitmask describing how a configured line expects to be
// acknowledged and whether it can be masked.
type Mode uint8

const (
	// EndOfInterrupt means the handler must call the owning Controller's
	// EOI after servicing the interrupt.
	EndOfInterrupt Mode = 1 << iota
	// Maskable means Mask/Unmask are meaningful for this line.
	Maskable
)

// Controller abstracts the hardware that owns an IRQ line: the IO-APIC for
// legacy/PCI lines routed through redirection table entries, or the local
// APIC for MSI/MSI-X messages that target a CPU directly.
type Controller interface {
	// Mask prevents the line from delivering further interrupts.
	Mask()
	// Unmask allows the line to resume delivering interrupts.
	Unmask()
	// SetConfig programs the line's trigger mode and polarity and
	// returns how the handler must acknowledge delivered interrupts.
	SetConfig(trigger TriggerMode, polarity Polarity) Mode
	// EndOfInterrupt signals completion of servicing to the controller
	// that owns the line, unblocking further delivery on level-triggered
	// lines.
	EndOfInterrupt()
}

// IRQLine ties a hardware Controller to the Vector the kernel allocated for
// it, so a device driver can mask/unmask and acknowledge the line without
// knowing whether it is routed through the IO-APIC or delivered as an MSI.
type IRQLine struct {
	Vector     Vector
	Controller Controller
	mode       Mode
}

// Configure wires the line's trigger mode and polarity into its controller
// and remembers the resulting Mode so Ack knows whether to call EOI.
func (l *IRQLine) Configure(trigger TriggerMode, polarity Polarity) {
	l.mode = l.Controller.SetConfig(trigger, polarity)
}

// Ack acknowledges delivery of an interrupt on this line, issuing an EOI to
// the owning controller when the line's Mode requires one.
func (l *IRQLine) Ack() {
	if l.mode&EndOfInterrupt != 0 {
		l.Controller.EndOfInterrupt()
	}
}

// MSILine is a Controller delivered as a message-signaled interrupt rather
// than a wired IO-APIC redirection entry: the device writes MsgData() to
// MsgAddr() instead of asserting a physical pin.
type MSILine struct {
	IRQLine
	lapicID uint8
}

// MsgAddr returns the physical address the device must write MsgData() to
// in order to raise this MSI on the local APIC identified by lapicID.
func (m *MSILine) MsgAddr() uintptr {
	return 0xFEE00000 | (uintptr(m.lapicID) << 12)
}

// MsgData returns the 32-bit payload the device must write to MsgAddr().
func (m *MSILine) MsgData() uint32 {
	return uint32(m.Vector)
}
