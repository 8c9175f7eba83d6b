// Package mmio provides little-endian access to memory-mapped device
// registers. Every read and write goes through a swappable function-var
// seam, the same pattern kernel/mem/vmm uses to resolve page table entries
// (see walk_amd64.go's ptePtrFn), so tests can back a View with a plain
// host byte slice instead of a real physical mapping.
package mmio

import "unsafe"

var ptrFn = func(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// View is a base address into a device's register window. All offsets
// passed to the Read/Write functions below are relative to it.
type View struct {
	Base uintptr
}

// Sub returns a View into this one's register window, offset bytes in.
func (v View) Sub(offset uintptr) View {
	return View{Base: v.Base + offset}
}

func Read8(v View, offset uintptr) uint8 {
	return *(*uint8)(ptrFn(v.Base + offset))
}

func Write8(v View, offset uintptr, val uint8) {
	*(*uint8)(ptrFn(v.Base + offset)) = val
}

func Read16(v View, offset uintptr) uint16 {
	return *(*uint16)(ptrFn(v.Base + offset))
}

func Write16(v View, offset uintptr, val uint16) {
	*(*uint16)(ptrFn(v.Base + offset)) = val
}

func Read32(v View, offset uintptr) uint32 {
	return *(*uint32)(ptrFn(v.Base + offset))
}

func Write32(v View, offset uintptr, val uint32) {
	*(*uint32)(ptrFn(v.Base + offset)) = val
}

func Read64(v View, offset uintptr) uint64 {
	return *(*uint64)(ptrFn(v.Base + offset))
}

func Write64(v View, offset uintptr, val uint64) {
	*(*uint64)(ptrFn(v.Base + offset)) = val
}
