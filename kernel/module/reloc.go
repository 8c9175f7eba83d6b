package module

import (
	"debug/elf"
	"unsafe"

	"menix/kernel"
	"menix/kernel/mem"
	"menix/kernel/mem/vmm"
)

const (
	relaEntSize = 24
	symEntSize  = 24
)

// relocation is one decoded ELF64 Rela entry.
type relocation struct {
	Offset uint64
	Sym    uint32
	Type   elf.R_X86_64
	Addend int64
}

func decodeRela(b []byte) relocation {
	info := le64(b[8:16])
	return relocation{
		Offset: le64(b[0:8]),
		Sym:    uint32(info >> 32),
		Type:   elf.R_X86_64(uint32(info)),
		Addend: int64(le64(b[16:24])),
	}
}

// symbolValue resolves the sym-th entry of a module's dynamic symbol table
// to an absolute address: symbols with no section of their own (st_shndx ==
// 0) are undefined in the module and must already be registered in the
// kernel's symbol table; everything else is the module's own load_base-
// relative value.
func symbolValue(symtab, strtab []byte, sym uint32, loadBase uintptr, symbols *SymbolTable) (uint64, *kernel.Error) {
	off := uint64(sym) * symEntSize
	if off+symEntSize > uint64(len(symtab)) {
		return 0, ErrInvalidImage
	}
	entry := symtab[off : off+symEntSize]

	nameOff := le32(entry[0:4])
	shndx := uint16(entry[6]) | uint16(entry[7])<<8
	value := le64(entry[8:16])

	if shndx == 0 {
		if uint64(nameOff) >= uint64(len(strtab)) {
			return 0, ErrInvalidImage
		}
		name := cstr(strtab[nameOff:])
		val, ok := symbols.Lookup(name)
		if !ok {
			return 0, ErrSymbolNotFound
		}
		return val, nil
	}
	return uint64(loadBase) + value, nil
}

// applyRelocations walks a DT_RELA or DT_JMPREL section and writes each
// resolved value into the mapping that backs its target virtual address.
// Writes go through the mapping's physical page (via vmm.PhysToVirt) rather
// than the module's fabricated virtual address, the same way the segment
// loader copies in file contents.
func applyRelocations(seg []byte, loadBase uintptr, symtab, strtab []byte, mappings []segmentMapping, symbols *SymbolTable) *kernel.Error {
	for i := 0; i+relaEntSize <= len(seg); i += relaEntSize {
		rel := decodeRela(seg[i : i+relaEntSize])

		var resolved uint64
		switch rel.Type {
		case elf.R_X86_64_NONE:
			continue

		case elf.R_X86_64_64, elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			base, err := symbolValue(symtab, strtab, rel.Sym, loadBase, symbols)
			if err != nil {
				return err
			}
			resolved = base + uint64(rel.Addend)

		case elf.R_X86_64_RELATIVE:
			resolved = uint64(loadBase) + uint64(rel.Addend)

		default:
			return ErrUnsupportedReloc
		}

		writeAddr, err := resolveWriteAddr(mappings, loadBase+uintptr(rel.Offset))
		if err != nil {
			return err
		}
		*(*uint64)(unsafe.Pointer(writeAddr)) = resolved
	}
	return nil
}

// resolveWriteAddr turns a module-relative virtual address into the kernel
// virtual address of the physical page backing it, by finding the segment
// page mapping it falls in.
func resolveWriteAddr(mappings []segmentMapping, virt uintptr) (uintptr, *kernel.Error) {
	pageSize := uintptr(mem.PageSize)
	page := virt &^ (pageSize - 1)
	for _, m := range mappings {
		if m.Virt == page {
			return vmm.PhysToVirt(m.Phys.Address()) + (virt - page), nil
		}
	}
	return 0, ErrInvalidImage
}
