// Package module loads kernel modules: position-independent ELF images
// with a custom set of program header types carrying module metadata,
// linked against the kernel's exported symbol table at load time.
package module

import (
	"bytes"
	"debug/elf"
	"strings"
	"sync/atomic"
	"unsafe"

	"menix/kernel"
	"menix/kernel/mem"
	"menix/kernel/mem/pmm"
	"menix/kernel/mem/vmm"
)

var (
	ErrInvalidImage     = &kernel.Error{Module: "module", Message: "not a valid module image for this kernel"}
	ErrBrokenMetadata   = &kernel.Error{Module: "module", Message: "module metadata segment is not valid UTF-8"}
	ErrAllocFailed      = &kernel.Error{Module: "module", Message: "failed to allocate or map module memory"}
	ErrUnsupportedReloc = &kernel.Error{Module: "module", Message: "unsupported relocation type"}
	ErrSymbolNotFound   = &kernel.Error{Module: "module", Message: "undefined symbol referenced by module"}
	ErrMissingDependency = &kernel.Error{Module: "module", Message: "required module is not loaded"}
)

// segmentMapping is one page mapped into the kernel's module arena for a
// PT_LOAD segment: Virt is where the module sees it, Phys backs it, and all
// reads/writes this loader performs against the page go through
// vmm.PhysToVirt(Phys) rather than Virt, since Virt may not be reachable
// from Go code until the architecture's module arena is wired into the
// active page table.
type segmentMapping struct {
	Phys  pmm.Frame
	Virt  uintptr
	Flags Flags
}

// Flags are a module segment's final (post-relocation) protection bits.
type Flags uint8

const (
	Read Flags = 1 << iota
	Write
	Exec
)

func (f Flags) pte() vmm.PageTableEntryFlag {
	var out vmm.PageTableEntryFlag
	out |= vmm.FlagPresent
	if f&Write != 0 {
		out |= vmm.FlagRW
	}
	if f&Exec == 0 {
		out |= vmm.FlagNoExecute
	}
	return out
}

// Info describes a loaded module: its declared metadata, its segment
// mappings, and its entry point.
type Info struct {
	Name        string
	Version     string
	Author      string
	Description string

	Dependencies []string

	LoadBase uintptr
	Entry    uintptr

	mappings []segmentMapping
}

// nextLoadAddr is the kernel's module-arena bump allocator, analogous to
// the original kernel's MODULE_ADDR: each loaded module's segments are
// placed back to back starting from the previous module's end.
var nextLoadAddr atomic.Uintptr

// SetLoadArenaBase seeds the module arena's starting virtual address. It
// must be called once, before the first Load, by the architecture code
// that reserved that range of kernel virtual address space.
func SetLoadArenaBase(base uintptr) {
	nextLoadAddr.Store(base)
}

// Load validates, maps, and links a module image. table is the kernel page
// table new mappings are installed into; allocFn supplies frames for the
// page tables' own intermediate levels. symbols resolves and receives
// symbols the module exports. needed reports whether a dependency's
// soname is already loaded.
func Load(name string, data []byte, table *vmm.PageTable, allocFn vmm.FrameAllocatorFn, symbols *SymbolTable, needed func(soname string) bool) (*Info, *kernel.Error) {
	ef, ferr := elf.NewFile(bytes.NewReader(data))
	if ferr != nil {
		return nil, ErrInvalidImage
	}
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB || ef.OSABI != elf.ELFOSABI_NONE || ef.Machine != elf.EM_X86_64 {
		return nil, ErrInvalidImage
	}

	info := &Info{Name: name, Entry: uintptr(ef.Entry)}

	var tags dynTags
	loadBase := uintptr(0)
	haveLoadBase := false

	for _, prog := range ef.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if !haveLoadBase {
				loadBase = nextLoadAddr.Load()
				haveLoadBase = true
			}
			if err := mapLoadSegment(info, table, allocFn, data, prog, loadBase); err != nil {
				return nil, err
			}

		case elf.PT_DYNAMIC:
			seg, err := segmentBytes(data, prog)
			if err != nil {
				return nil, err
			}
			parseDynamic(seg, &tags)

		case ptModVersion:
			s, err := segmentString(data, prog)
			if err != nil {
				return nil, err
			}
			info.Version = s

		case ptModAuthor:
			s, err := segmentString(data, prog)
			if err != nil {
				return nil, err
			}
			info.Author = s

		case ptModDesc:
			s, err := segmentString(data, prog)
			if err != nil {
				return nil, err
			}
			info.Description = s
		}
	}

	info.LoadBase = loadBase
	info.Entry += loadBase

	if !tags.haveStrtab || !tags.haveSymtab || !tags.haveHash {
		// A module with no dynamic section at all (no imports, no
		// exports) is legal; only bail out if DYNAMIC was present but
		// incomplete.
		if tags.haveRela || tags.haveJmprel {
			return nil, ErrInvalidImage
		}
	} else {
		strtab, err := sliceAt(data, tags.strtab, tags.strsz)
		if err != nil {
			return nil, err
		}

		hashSection, err := sliceAt(data, tags.hash, 8)
		if err != nil {
			return nil, err
		}
		nchain, ok := elfHashNchain(hashSection)
		if !ok {
			return nil, ErrInvalidImage
		}

		symtabBytes, err := sliceAt(data, tags.symtab, uint64(nchain)*symEntSize)
		if err != nil {
			return nil, err
		}

		dependencies, err := collectNeeded(data, strtab, tags.needed)
		if err != nil {
			return nil, err
		}
		info.Dependencies = dependencies
		for _, dep := range dependencies {
			if needed != nil && !needed(dep) {
				return nil, ErrMissingDependency
			}
		}

		if tags.haveRela {
			seg, err := sliceAt(data, tags.rela, tags.relasz)
			if err != nil {
				return nil, err
			}
			if err := applyRelocations(seg, loadBase, symtabBytes, strtab, info.mappings, symbols); err != nil {
				return nil, err
			}
		}
		if tags.haveJmprel {
			seg, err := sliceAt(data, tags.jmprel, tags.pltrelsz)
			if err != nil {
				return nil, err
			}
			if err := applyRelocations(seg, loadBase, symtabBytes, strtab, info.mappings, symbols); err != nil {
				return nil, err
			}
		}

		if symbols != nil {
			registerExports(symtabBytes, strtab, loadBase, info, symbols)
		}
	}

	if err := finalizeProtections(info, table); err != nil {
		return nil, err
	}

	return info, nil
}

func mapLoadSegment(info *Info, table *vmm.PageTable, allocFn vmm.FrameAllocatorFn, data []byte, prog *elf.Prog, loadBase uintptr) *kernel.Error {
	pageSize := uintptr(mem.PageSize)
	vaddr := uintptr(prog.Vaddr)
	alignedVirt := vaddr &^ (pageSize - 1)
	memsz := uintptr(prog.Memsz) + (vaddr - alignedVirt)
	pages := (memsz + pageSize - 1) / pageSize

	flags := Read
	if prog.Flags&elf.PF_W != 0 {
		flags |= Write
	}
	if prog.Flags&elf.PF_X != 0 {
		flags |= Exec
	}

	fileOff := uintptr(prog.Off)
	fileEnd := fileOff + uintptr(prog.Filesz)
	if fileEnd > uintptr(len(data)) || fileOff > fileEnd {
		return ErrInvalidImage
	}

	for page := uintptr(0); page < pages; page++ {
		frame, err := pmm.Alloc(0, mem.AllocZeroed)
		if err != nil {
			return ErrAllocFailed
		}

		virt := loadBase + alignedVirt + page*pageSize
		if merr := table.MapSingle(virt, frame, (Read | Write).pte(), allocFn); merr != nil {
			return ErrAllocFailed
		}

		dst := vmm.PhysToVirt(frame.Address())
		pageStart := page * pageSize
		pageFileStart := fileOff + pageStart
		if pageFileStart < fileEnd {
			n := pageSize
			if pageFileStart+n > fileEnd {
				n = fileEnd - pageFileStart
			}
			mem.Memcopy(dst, uintptr(unsafe.Pointer(&data[0]))+pageFileStart, mem.Size(n))
		}

		info.mappings = append(info.mappings, segmentMapping{Phys: frame, Virt: virt, Flags: flags})
		nextLoadAddr.Store(virt + pageSize)
	}

	return nil
}

// finalizeProtections remaps every segment page with its real, declared
// permissions now that relocations have been applied.
func finalizeProtections(info *Info, table *vmm.PageTable) *kernel.Error {
	for _, m := range info.mappings {
		if err := table.RemapSingle(m.Virt, m.Phys, m.Flags.pte()); err != nil {
			return ErrAllocFailed
		}
	}
	return nil
}

func segmentBytes(data []byte, prog *elf.Prog) ([]byte, *kernel.Error) {
	return sliceAt(data, prog.Off, prog.Filesz)
}

func segmentString(data []byte, prog *elf.Prog) (string, *kernel.Error) {
	seg, err := segmentBytes(data, prog)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(seg), "\x00"), nil
}

func sliceAt(data []byte, off, size uint64) ([]byte, *kernel.Error) {
	end := off + size
	if end < off || end > uint64(len(data)) {
		return nil, ErrInvalidImage
	}
	return data[off:end], nil
}

func parseDynamic(seg []byte, tags *dynTags) {
	const dynEntSize = 16
	for i := 0; i+dynEntSize <= len(seg); i += dynEntSize {
		tag := int64(le64(seg[i:]))
		val := le64(seg[i+8:])

		switch elf.DynTag(tag) {
		case elf.DT_NULL:
			return
		case elf.DT_STRTAB:
			tags.strtab, tags.haveStrtab = val, true
		case elf.DT_STRSZ:
			tags.strsz = val
		case elf.DT_SYMTAB:
			tags.symtab, tags.haveSymtab = val, true
		case elf.DT_RELA:
			tags.rela, tags.haveRela = val, true
		case elf.DT_RELASZ:
			tags.relasz = val
		case elf.DT_JMPREL:
			tags.jmprel, tags.haveJmprel = val, true
		case elf.DT_PLTRELSZ:
			tags.pltrelsz = val
		case elf.DT_HASH:
			tags.hash, tags.haveHash = val, true
		case elf.DT_NEEDED:
			tags.needed = append(tags.needed, val)
		}
	}
}

func collectNeeded(data, strtab []byte, offsets []uint64) ([]string, *kernel.Error) {
	var out []string
	for _, off := range offsets {
		if off >= uint64(len(strtab)) {
			return nil, ErrInvalidImage
		}
		s := cstr(strtab[off:])
		if s == "menix.kso" {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func cstr(b []byte) string {
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}
