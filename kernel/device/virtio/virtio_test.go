package virtio

import (
	"testing"
	"unsafe"

	"menix/kernel"
	"menix/kernel/device/mmio"
	"menix/kernel/device/pci"

	"github.com/stretchr/testify/require"
)

// fakeAccess is a minimal in-memory pci.Access backed by a single
// function's configuration space, enough to carry a VirtIO capability
// list (VirtIO spec §4.1.4) for NewPCIDevice to walk.
type fakeAccess struct {
	space [256]byte
}

func (f *fakeAccess) Segment() uint16 { return 0 }
func (f *fakeAccess) StartBus() uint8 { return 0 }
func (f *fakeAccess) EndBus() uint8   { return 255 }

func (f *fakeAccess) Read32(addr pci.Address, offset uint32) uint32 {
	b := f.space[offset : offset+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (f *fakeAccess) Write32(addr pci.Address, offset uint32, value uint32) {
	b := f.space[offset : offset+4]
	b[0] = byte(value)
	b[1] = byte(value >> 8)
	b[2] = byte(value >> 16)
	b[3] = byte(value >> 24)
}

// putCap writes one VirtIO PCI capability structure at off: the standard
// cap header (vendor-specific id, next pointer, cap length) followed by
// cfg_type, bar, a 3-byte pad, then the 4-byte offset and length fields.
func putCap(space *[256]byte, off uint8, next uint8, cfgType uint8, bar uint8, offset, length uint32) {
	space[off] = 0x09 // vendor-specific
	space[off+1] = next
	space[off+2] = 16 // cap_len
	space[off+3] = cfgType
	space[off+4] = bar
	o := off + 8
	space[o] = byte(offset)
	space[o+1] = byte(offset >> 8)
	space[o+2] = byte(offset >> 16)
	space[o+3] = byte(offset >> 24)
	l := off + 12
	space[l] = byte(length)
	space[l+1] = byte(length >> 8)
	space[l+2] = byte(length >> 16)
	space[l+3] = byte(length >> 24)
}

func hostView(buf []byte) mmio.View {
	return mmio.View{Base: uintptr(unsafe.Pointer(&buf[0]))}
}

func newFakeDevice(t *testing.T) (pci.DeviceView, *[]byte) {
	access := &fakeAccess{}
	access.Write32(pci.Address{}, pci.RegVendorDevice, 0x10011af4)
	access.space[pci.RegCapabilities] = 0x40
	putCap(&access.space, 0x40, 0x50, 1 /* common */, 0, 0, 64)
	putCap(&access.space, 0x50, 0x60, 2 /* notify */, 0, 64, 16)
	putCap(&access.space, 0x60, 0, 4 /* device cfg */, 0, 80, 32)

	view, ok := pci.NewDeviceView(access, pci.Address{Bus: 0, Slot: 1, Function: 0})
	require.True(t, ok)

	backing := make([]byte, 256)
	return view, &backing
}

func mapperFor(backing *[]byte) BarMapper {
	return func(bar uint8, offset, length uint32) (mmio.View, *kernel.Error) {
		base := hostView(*backing)
		return base.Sub(uintptr(offset)), nil
	}
}

func TestNewPCIDeviceDiscoversCapabilitiesAndResetsThenAcknowledges(t *testing.T) {
	view, backing := newFakeDevice(t)
	dev, err := NewPCIDevice(view, mapperFor(backing))
	require.Nil(t, err)
	require.NotNil(t, dev)

	require.Equal(t, StatusAcknowledge|StatusDriver, dev.Status())
}

func TestNewPCIDeviceMissingCapabilityErrors(t *testing.T) {
	access := &fakeAccess{}
	access.Write32(pci.Address{}, pci.RegVendorDevice, 0x10011af4)
	access.space[pci.RegCapabilities] = 0 // no capabilities at all

	view, ok := pci.NewDeviceView(access, pci.Address{Bus: 0, Slot: 1, Function: 0})
	require.True(t, ok)

	backing := make([]byte, 16)
	_, err := NewPCIDevice(view, mapperFor(&backing))
	require.Equal(t, ErrNoDevice, err)
}

func TestFeaturesRoundTrip(t *testing.T) {
	view, backing := newFakeDevice(t)
	dev, err := NewPCIDevice(view, mapperFor(backing))
	require.Nil(t, err)

	mmio.Write32(dev.common, regDeviceFeature, 0xdeadbeef)
	require.Equal(t, uint32(0xdeadbeef), dev.Features(1))
	require.Equal(t, uint32(1), mmio.Read32(dev.common, regDeviceFeatureSelect))

	dev.SetFeatures(0, 0xcafebabe)
	require.Equal(t, uint32(0xcafebabe), mmio.Read32(dev.common, regDriverFeature))
}

func TestSetupQueueRejectsOversizedRequest(t *testing.T) {
	view, backing := newFakeDevice(t)
	dev, err := NewPCIDevice(view, mapperFor(backing))
	require.Nil(t, err)

	mmio.Write16(dev.common, regQueueSize, 8) // device max reported via queueSelect read

	_, qerr := dev.SetupQueue(0, 256, 0x1000, 0x2000, 0x3000)
	require.Equal(t, ErrBadQueue, qerr)
}

func TestSetupQueueInstallsRingAddressesAndEnables(t *testing.T) {
	view, backing := newFakeDevice(t)
	dev, err := NewPCIDevice(view, mapperFor(backing))
	require.Nil(t, err)

	mmio.Write16(dev.common, regQueueSize, 256)

	notifyOff, qerr := dev.SetupQueue(0, 64, 0x1000, 0x2000, 0x3000)
	require.Nil(t, qerr)
	require.Equal(t, uint16(0), notifyOff)
	require.Equal(t, uint64(0x1000), mmio.Read64(dev.common, regQueueDesc))
	require.Equal(t, uint64(0x2000), mmio.Read64(dev.common, regQueueAvail))
	require.Equal(t, uint64(0x3000), mmio.Read64(dev.common, regQueueUsed))
	require.Equal(t, uint16(1), mmio.Read16(dev.common, regQueueEnable))
}

func TestFinalizeSetsFeaturesOKAndDriverOK(t *testing.T) {
	view, backing := newFakeDevice(t)
	dev, err := NewPCIDevice(view, mapperFor(backing))
	require.Nil(t, err)

	require.Nil(t, dev.Finalize())
	require.Equal(t, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK, dev.Status())
}
