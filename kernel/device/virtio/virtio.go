// Package virtio implements the VirtIO PCI transport and split
// virtqueue: capability discovery over a device's config space, the
// common configuration registers, and descriptor/available/used ring
// access.
package virtio

import (
	"menix/kernel"
	"menix/kernel/device/mmio"
	"menix/kernel/device/pci"
)

// Device status bits (VirtIO spec §2.1).
const (
	StatusAcknowledge      uint8 = 1
	StatusDriver           uint8 = 2
	StatusDriverOK         uint8 = 4
	StatusFeaturesOK       uint8 = 8
	StatusDeviceNeedsReset uint8 = 64
	StatusFailed           uint8 = 128
)

// VirtIO PCI capability cfg_type values (VirtIO spec §4.1.4).
const (
	capCommonCfg uint8 = 1
	capNotifyCfg uint8 = 2
	capISRCfg    uint8 = 3
	capDeviceCfg uint8 = 4
	capPCICfg    uint8 = 5

	pciCapVendorSpecific uint8 = 0x09
)

// Common configuration register layout within the VIRTIO_PCI_CAP_COMMON_CFG
// BAR region.
const (
	regDeviceFeatureSelect = 0x00
	regDeviceFeature       = 0x04
	regDriverFeatureSelect = 0x08
	regDriverFeature       = 0x0C
	regNumQueues           = 0x12
	regDeviceStatus        = 0x14
	regQueueSelect         = 0x16
	regQueueSize           = 0x18
	regQueueEnable         = 0x1C
	regQueueNotifyOff      = 0x1E
	regQueueDesc           = 0x20
	regQueueAvail          = 0x28
	regQueueUsed           = 0x30
)

var (
	ErrNoDevice  = &kernel.Error{Module: "virtio", Message: "device lacks a required VirtIO PCI capability"}
	ErrNoFeature = &kernel.Error{Module: "virtio", Message: "device did not accept requested features"}
	ErrBadQueue  = &kernel.Error{Module: "virtio", Message: "requested virtqueue size exceeds device maximum"}
)

// BarMapper resolves a (bar index, offset, length) triple discovered in a
// VirtIO PCI capability into a usable register window. The kernel's PCI
// bus driver supplies this once it has mapped the function's BARs into
// kernel virtual memory.
type BarMapper func(bar uint8, offset, length uint32) (mmio.View, *kernel.Error)

// Device is a VirtIO device bound to its PCI transport.
type Device struct {
	common              mmio.View
	notify              mmio.View
	notifyOffMultiplier uint32
	deviceCfg           mmio.View
}

// NewPCIDevice discovers a VirtIO device's common, notify, and device
// configuration capabilities and maps them via mapBar.
func NewPCIDevice(view pci.DeviceView, mapBar BarMapper) (*Device, *kernel.Error) {
	var commonBar, notifyBar, deviceBar uint8
	var commonOff, notifyOff, deviceOff, commonLen, notifyLen, deviceLen uint32
	var notifyMul uint32
	var haveCommon, haveNotify, haveDevice bool

	access := view.Access()
	addr := view.Address()

	for _, cap := range view.Capabilities() {
		if cap.ID != pciCapVendorSpecific {
			continue
		}
		cfgType := pci.Read8(access, addr, uint32(cap.Offset)+3)
		bar := pci.Read8(access, addr, uint32(cap.Offset)+4)
		offset := access.Read32(addr, uint32(cap.Offset)+8)
		length := access.Read32(addr, uint32(cap.Offset)+12)

		switch cfgType {
		case capCommonCfg:
			commonBar, commonOff, commonLen, haveCommon = bar, offset, length, true
		case capNotifyCfg:
			notifyBar, notifyOff, notifyLen, haveNotify = bar, offset, length, true
			// notify_off_multiplier follows the common capability fields.
			notifyMul = access.Read32(addr, uint32(cap.Offset)+16)
		case capDeviceCfg:
			deviceBar, deviceOff, deviceLen, haveDevice = bar, offset, length, true
		}
	}

	if !haveCommon || !haveNotify || !haveDevice {
		return nil, ErrNoDevice
	}

	commonView, err := mapBar(commonBar, commonOff, commonLen)
	if err != nil {
		return nil, err
	}
	notifyView, err := mapBar(notifyBar, notifyOff, notifyLen)
	if err != nil {
		return nil, err
	}
	deviceView, err := mapBar(deviceBar, deviceOff, deviceLen)
	if err != nil {
		return nil, err
	}

	dev := &Device{common: commonView, notify: notifyView, notifyOffMultiplier: notifyMul, deviceCfg: deviceView}
	dev.reset()
	dev.AddStatus(StatusAcknowledge)
	dev.AddStatus(StatusDriver)
	return dev, nil
}

// DeviceConfig returns the device-specific configuration register window.
func (d *Device) DeviceConfig() mmio.View { return d.deviceCfg }

func (d *Device) reset() {
	d.SetStatus(0)
	for d.Status() != 0 {
	}
}

func (d *Device) Status() uint8 {
	return mmio.Read8(d.common, regDeviceStatus)
}

func (d *Device) SetStatus(status uint8) {
	mmio.Write8(d.common, regDeviceStatus, status)
}

func (d *Device) AddStatus(status uint8) {
	d.SetStatus(d.Status() | status)
}

// Features reads the low or high half (select 0 or 1) of the device's
// offered feature bits.
func (d *Device) Features(select_ uint32) uint32 {
	mmio.Write32(d.common, regDeviceFeatureSelect, select_)
	return mmio.Read32(d.common, regDeviceFeature)
}

// SetFeatures writes the low or high half of the driver's accepted
// feature bits.
func (d *Device) SetFeatures(select_ uint32, features uint32) {
	mmio.Write32(d.common, regDriverFeatureSelect, select_)
	mmio.Write32(d.common, regDriverFeature, features)
}

func (d *Device) NumQueues() uint16 {
	return mmio.Read16(d.common, regNumQueues)
}

func (d *Device) queueMaxSize(queue uint16) uint16 {
	mmio.Write16(d.common, regQueueSelect, queue)
	return mmio.Read16(d.common, regQueueSize)
}

// SetupQueue selects queue, installs its descriptor/available/used ring
// physical addresses, and enables it, returning the notify offset the
// driver must multiply by the notify_off_multiplier when kicking it.
func (d *Device) SetupQueue(queue uint16, size uint16, desc, avail, used uintptr) (uint16, *kernel.Error) {
	mmio.Write16(d.common, regQueueSelect, queue)
	max := mmio.Read16(d.common, regQueueSize)
	if size == 0 || size > max {
		return 0, ErrBadQueue
	}

	mmio.Write16(d.common, regQueueSize, size)
	mmio.Write64(d.common, regQueueDesc, uint64(desc))
	mmio.Write64(d.common, regQueueAvail, uint64(avail))
	mmio.Write64(d.common, regQueueUsed, uint64(used))
	mmio.Write16(d.common, regQueueEnable, 1)

	return mmio.Read16(d.common, regQueueNotifyOff), nil
}

// Notify kicks the device for the queue that was set up with notifyOff.
func (d *Device) Notify(notifyOff uint16) {
	offset := uintptr(notifyOff) * uintptr(d.notifyOffMultiplier)
	mmio.Write16(d.notify, offset, 0)
}

// Finalize negotiates features and marks the device live. It must be
// called after SetFeatures and after every queue the driver needs has
// been set up.
func (d *Device) Finalize() *kernel.Error {
	d.AddStatus(StatusFeaturesOK)
	if d.Status()&StatusFeaturesOK == 0 {
		return ErrNoFeature
	}
	d.AddStatus(StatusDriverOK)
	return nil
}
