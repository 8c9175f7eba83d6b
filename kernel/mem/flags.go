package mem

// AllocFlags constrains or augments a physical frame allocation request.
type AllocFlags uint8

const (
	// AllocDefault requests a frame from anywhere in physical memory,
	// uninitialized.
	AllocDefault AllocFlags = 0

	// AllocKernel20 restricts the search to frames below 1MiB, for the
	// real-mode AP trampoline.
	AllocKernel20 AllocFlags = 1 << 0

	// AllocKernel32 restricts the search to frames below 4GiB, for
	// legacy 32-bit DMA-capable devices.
	AllocKernel32 AllocFlags = 1 << 1

	// AllocZeroed zero-fills the returned frame(s) before returning.
	AllocZeroed AllocFlags = 1 << 2
)

// Has returns true if all bits of want are set in f.
func (f AllocFlags) Has(want AllocFlags) bool {
	return f&want == want
}

// SearchLimit returns the highest physical address (exclusive) an allocation
// made with these flags is allowed to return, or 0 if there is no limit.
func (f AllocFlags) SearchLimit() uintptr {
	switch {
	case f.Has(AllocKernel20):
		return 1 << 20
	case f.Has(AllocKernel32):
		return 1 << 32
	default:
		return 0
	}
}
