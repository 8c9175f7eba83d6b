package module

import (
	gosync "menix/kernel/sync"
)

// Symbol is the value a module-visible symbol resolves to: the address of
// the function or data it names, and the module that exported it (nil for
// symbols the kernel itself registers at boot).
type Symbol struct {
	Value uint64
	Owner *Info
}

// SymbolTable is the set of names a module's undefined symbols can be
// resolved against: the kernel's own exported symbols, plus whatever
// already-loaded modules have exported. It corresponds to the original
// kernel's SYMBOL_TABLE map, guarded the same way the rest of this kernel
// guards shared state.
type SymbolTable struct {
	mu      gosync.Mutex
	symbols map[string]Symbol
}

// NewSymbolTable returns an empty table. The kernel creates exactly one of
// these at boot and registers its own exported symbols into it before any
// module is loaded.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{symbols: make(map[string]Symbol)}
}

// Register adds or replaces a symbol's definition. Modules call this for
// each global symbol their own dynamic symbol table exports, once loading
// and relocation has finished, so that later modules can depend on them.
func (t *SymbolTable) Register(name string, value uint64, owner *Info) {
	if name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols[name] = Symbol{Value: value, Owner: owner}
}

// Lookup resolves a symbol by name.
func (t *SymbolTable) Lookup(name string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sym, ok := t.symbols[name]
	return sym.Value, ok
}

// Len reports how many symbols are currently registered.
func (t *SymbolTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.symbols)
}

// registerExports adds a module's own defined symbols to the table once
// it has finished loading, so that modules loaded afterwards can depend on
// them the same way they depend on kernel symbols.
func registerExports(symtab, strtab []byte, loadBase uintptr, info *Info, symbols *SymbolTable) {
	for off := uint64(0); off+symEntSize <= uint64(len(symtab)); off += symEntSize {
		entry := symtab[off : off+symEntSize]

		nameOff := le32(entry[0:4])
		shndx := uint16(entry[6]) | uint16(entry[7])<<8
		value := le64(entry[8:16])

		if shndx == 0 || uint64(nameOff) >= uint64(len(strtab)) {
			continue
		}
		name := cstr(strtab[nameOff:])
		symbols.Register(name, uint64(loadBase)+value, info)
	}
}
